package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// MessageHeaders is the subset of an inbound message the reply detector reads.
type MessageHeaders struct {
	ID         string
	From       string
	To         string
	Subject    string
	MessageID  string
	InReplyTo  string
	References string
	ReceivedAt time.Time
}

// Mailbox searches an account's inbox. Search may return results with only
// ID set; GetMetadata fills in the headers for those.
type Mailbox interface {
	Search(ctx context.Context, token *oauth2.Token, query SearchQuery, maxResults int) ([]MessageHeaders, error)
	GetMetadata(ctx context.Context, token *oauth2.Token, id string) (*MessageHeaders, error)
}

// SearchQuery renders to the provider's search syntax,
// e.g. `in:inbox after:1700000000 from:lead@example.com`.
type SearchQuery struct {
	After   time.Time
	From    string
	To      string
	Subject string
	// Text is matched anywhere in the message, including headers.
	Text string
}

func (q SearchQuery) String() string {
	parts := []string{"in:inbox"}
	if !q.After.IsZero() {
		parts = append(parts, "after:"+strconv.FormatInt(q.After.Unix(), 10))
	}
	if q.From != "" {
		parts = append(parts, "from:"+q.From)
	}
	if q.To != "" {
		parts = append(parts, "to:"+q.To)
	}
	if q.Subject != "" {
		parts = append(parts, fmt.Sprintf("subject:%q", q.Subject))
	}
	if q.Text != "" {
		parts = append(parts, strconv.Quote(q.Text))
	}
	return strings.Join(parts, " ")
}

// Matches applies the address and time filters of q to h. Subject and text
// are left to the caller.
func (q SearchQuery) Matches(h MessageHeaders) bool {
	if !q.After.IsZero() && h.ReceivedAt.Before(q.After) {
		return false
	}
	if q.From != "" && !strings.Contains(strings.ToLower(h.From), strings.ToLower(q.From)) {
		return false
	}
	if q.To != "" && !strings.Contains(strings.ToLower(h.To), strings.ToLower(q.To)) {
		return false
	}
	return true
}

// MemoryMailbox is an in-process Mailbox. Development processes fall back to
// it when no mailbox client is injected.
type MemoryMailbox struct {
	mu       sync.Mutex
	messages []MessageHeaders
}

func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{}
}

func (m *MemoryMailbox) Add(h MessageHeaders) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.ID == "" {
		h.ID = strconv.Itoa(len(m.messages) + 1)
	}
	m.messages = append(m.messages, h)
}

func (m *MemoryMailbox) Search(ctx context.Context, token *oauth2.Token, query SearchQuery, maxResults int) ([]MessageHeaders, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []MessageHeaders{}
	for _, h := range m.messages {
		if !query.Matches(h) {
			continue
		}
		out = append(out, h)
		if maxResults > 0 && len(out) >= maxResults {
			break
		}
	}
	return out, nil
}

func (m *MemoryMailbox) GetMetadata(ctx context.Context, token *oauth2.Token, id string) (*MessageHeaders, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.messages {
		if h.ID == id {
			cp := h
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("message %s not found", id)
}
