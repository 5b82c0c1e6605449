// Package reply decides whether an outbound message was answered.
package reply

import (
	"net/mail"
	"strings"
	"time"

	"github.com/unclebandit/outreach-engine/internal/model"
	"github.com/unclebandit/outreach-engine/internal/provider"
)

// Strategy is one way of recognising a reply. The detector runs strategies
// in order and stops at the first match.
type Strategy interface {
	Name() string
	// Query returns the mailbox search for msg. ok is false when the
	// strategy has nothing to search with.
	Query(msg *model.OutboundMessage, account *model.Account, after time.Time) (q provider.SearchQuery, ok bool)
	Matches(msg *model.OutboundMessage, account *model.Account, h provider.MessageHeaders) bool
}

// DefaultStrategies is the id match followed by the header heuristic.
func DefaultStrategies() []Strategy {
	return []Strategy{IDMatch{}, Heuristic{}}
}

// IDMatch finds messages whose In-Reply-To or References carry the provider
// id of the outbound message.
type IDMatch struct{}

func (IDMatch) Name() string { return "id_match" }

func (IDMatch) Query(msg *model.OutboundMessage, account *model.Account, after time.Time) (provider.SearchQuery, bool) {
	id := providerID(msg)
	if id == "" {
		return provider.SearchQuery{}, false
	}
	return provider.SearchQuery{After: after, Text: id}, true
}

func (IDMatch) Matches(msg *model.OutboundMessage, account *model.Account, h provider.MessageHeaders) bool {
	id := providerID(msg)
	if id == "" {
		return false
	}
	for _, ref := range messageIDs(h.InReplyTo + " " + h.References) {
		if strings.EqualFold(ref, id) {
			return true
		}
	}
	return false
}

// Heuristic matches on sender, recipient and subject. Addresses alone are
// not enough: the candidate also needs a reply header or an exact
// "Re: <subject>" subject.
type Heuristic struct{}

func (Heuristic) Name() string { return "heuristic" }

func (Heuristic) Query(msg *model.OutboundMessage, account *model.Account, after time.Time) (provider.SearchQuery, bool) {
	if msg.ToAddress == "" || account == nil || account.Email == "" {
		return provider.SearchQuery{}, false
	}
	return provider.SearchQuery{
		After:   after,
		From:    msg.ToAddress,
		To:      account.Email,
		Subject: BaseSubject(msg.Subject),
	}, true
}

func (Heuristic) Matches(msg *model.OutboundMessage, account *model.Account, h provider.MessageHeaders) bool {
	if account == nil || !sameAddress(h.From, msg.ToAddress) || !containsAddress(h.To, account.Email) {
		return false
	}

	want := BaseSubject(msg.Subject)
	got := BaseSubject(h.Subject)
	if want == "" || !strings.Contains(got, want) {
		return false
	}

	if strings.TrimSpace(h.InReplyTo) != "" || strings.TrimSpace(h.References) != "" {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(h.Subject), "Re: "+strings.TrimSpace(msg.Subject))
}

func providerID(msg *model.OutboundMessage) string {
	if msg.NormalizedProviderID != "" {
		return msg.NormalizedProviderID
	}
	return model.NormalizeMessageID(msg.ProviderMessageID)
}

// messageIDs splits a References style header into normalized ids.
func messageIDs(header string) []string {
	fields := strings.FieldsFunc(header, func(r rune) bool {
		return r == ' ' || r == ',' || r == '\t' || r == '\n' || r == '\r'
	})
	ids := make([]string, 0, len(fields))
	for _, f := range fields {
		if id := model.NormalizeMessageID(f); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

var replyPrefixes = []string{"re:", "fw:", "fwd:", "aw:", "sv:"}

// BaseSubject lower-cases a subject and strips any stack of reply/forward
// prefixes.
func BaseSubject(subject string) string {
	s := strings.ToLower(strings.TrimSpace(subject))
	for {
		stripped := false
		for _, p := range replyPrefixes {
			if strings.HasPrefix(s, p) {
				s = strings.TrimSpace(s[len(p):])
				stripped = true
			}
		}
		if !stripped {
			return s
		}
	}
}

func parseAddress(raw string) string {
	if addr, err := mail.ParseAddress(raw); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(strings.Trim(strings.TrimSpace(raw), "<>"))
}

func sameAddress(header, address string) bool {
	return parseAddress(header) == strings.ToLower(strings.TrimSpace(address))
}

func containsAddress(header, address string) bool {
	want := strings.ToLower(strings.TrimSpace(address))
	if list, err := mail.ParseAddressList(header); err == nil {
		for _, a := range list {
			if strings.ToLower(a.Address) == want {
				return true
			}
		}
		return false
	}
	return strings.Contains(strings.ToLower(header), want)
}
