package reply

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
	"github.com/unclebandit/outreach-engine/internal/model"
	"github.com/unclebandit/outreach-engine/internal/provider"
)

// TokenStore persists refreshed mailbox credentials.
type TokenStore interface {
	UpdateToken(ctx context.Context, accountID int64, tok *oauth2.Token) error
}

type Options struct {
	// SkewBuffer widens the search window backwards from the send time.
	SkewBuffer    time.Duration
	MaxResults    int
	SearchTimeout time.Duration
	Strategies    []Strategy
}

type Detector struct {
	mailbox    provider.Mailbox
	refresher  provider.TokenRefresher
	tokens     TokenStore
	strategies []Strategy

	skew          time.Duration
	maxResults    int
	searchTimeout time.Duration

	logger *zap.Logger
}

func NewDetector(mailbox provider.Mailbox, refresher provider.TokenRefresher, tokens TokenStore, opts Options, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(opts.Strategies) == 0 {
		opts.Strategies = DefaultStrategies()
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 50
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = 10 * time.Second
	}
	return &Detector{
		mailbox:       mailbox,
		refresher:     refresher,
		tokens:        tokens,
		strategies:    opts.Strategies,
		skew:          opts.SkewBuffer,
		maxResults:    opts.MaxResults,
		searchTimeout: opts.SearchTimeout,
		logger:        logger,
	}
}

// HasReply reports whether msg was answered in account's mailbox. When the
// mailbox credential cannot be refreshed it returns false without error so
// the follow-up sequence keeps moving. Search failures are transient.
func (d *Detector) HasReply(ctx context.Context, msg *model.OutboundMessage, account *model.Account) (bool, error) {
	tok, ok := d.token(ctx, account)
	if !ok {
		return false, nil
	}

	after := msg.ReplyWindowStart(d.skew)
	for _, s := range d.strategies {
		q, ok := s.Query(msg, account, after)
		if !ok {
			continue
		}

		found, err := d.search(ctx, tok, q)
		if err != nil {
			return false, appErrors.NewTransient("search mailbox", err)
		}

		for _, h := range found {
			h = d.complete(ctx, tok, h)
			if h.ReceivedAt.Before(after) {
				continue
			}
			if s.Matches(msg, account, h) {
				d.logger.Info("reply detected",
					zap.Int64("outbound_message_id", msg.ID),
					zap.String("strategy", s.Name()),
					zap.String("mailbox_message_id", h.ID),
				)
				return true, nil
			}
		}
	}
	return false, nil
}

// ScanAccount checks many conversations of one account with a single
// mailbox search and returns the ids of the messages that were answered.
// When the search fills its page, older candidates may have been cut off,
// so conversations it did not match are checked one by one with HasReply.
func (d *Detector) ScanAccount(ctx context.Context, account *model.Account, msgs []*model.OutboundMessage) (map[int64]bool, error) {
	replied := map[int64]bool{}
	if len(msgs) == 0 {
		return replied, nil
	}

	tok, ok := d.token(ctx, account)
	if !ok {
		return replied, nil
	}

	earliest := msgs[0].ReplyWindowStart(d.skew)
	for _, msg := range msgs[1:] {
		if w := msg.ReplyWindowStart(d.skew); w.Before(earliest) {
			earliest = w
		}
	}

	// The batch is bounded by recipients, so allow a result per message on
	// top of the normal page.
	limit := d.maxResults + len(msgs)
	found, err := d.searchN(ctx, tok, provider.SearchQuery{After: earliest, To: account.Email}, limit)
	if err != nil {
		return nil, appErrors.NewTransient("search mailbox", err)
	}
	for i := range found {
		found[i] = d.complete(ctx, tok, found[i])
	}

	for _, msg := range msgs {
		after := msg.ReplyWindowStart(d.skew)
	candidates:
		for _, h := range found {
			if h.ReceivedAt.Before(after) {
				continue
			}
			for _, s := range d.strategies {
				if s.Matches(msg, account, h) {
					replied[msg.ID] = true
					break candidates
				}
			}
		}
	}

	if len(found) >= limit {
		d.logger.Info("mailbox search hit its limit, checking conversations individually",
			zap.Int64("account_id", account.ID),
			zap.Int("limit", limit),
			zap.Int("unmatched", len(msgs)-len(replied)),
		)
		for _, msg := range msgs {
			if replied[msg.ID] {
				continue
			}
			ok, err := d.HasReply(ctx, msg, account)
			if err != nil {
				d.logger.Warn("conversation check failed", zap.Int64("outbound_message_id", msg.ID), zap.Error(err))
				continue
			}
			if ok {
				replied[msg.ID] = true
			}
		}
	}

	d.logger.Debug("account scanned",
		zap.Int64("account_id", account.ID),
		zap.Int("conversations", len(msgs)),
		zap.Int("candidates", len(found)),
		zap.Int("replied", len(replied)),
	)
	return replied, nil
}

// token returns a usable access token, refreshing it once if it expired.
func (d *Detector) token(ctx context.Context, account *model.Account) (*oauth2.Token, bool) {
	tok := account.Token()
	if tok.Valid() {
		return tok, true
	}

	if d.refresher == nil {
		d.logger.Error("mailbox credential expired and no refresher configured",
			zap.Int64("account_id", account.ID),
			zap.String("kind", appErrors.KindCredential.String()),
		)
		return nil, false
	}

	fresh, err := d.refresher.Refresh(ctx, tok)
	if err != nil {
		d.logger.Error("mailbox credential refresh failed",
			zap.Int64("account_id", account.ID),
			zap.String("kind", appErrors.KindCredential.String()),
			zap.Error(err),
		)
		return nil, false
	}

	account.AccessToken = fresh.AccessToken
	account.RefreshToken = fresh.RefreshToken
	if !fresh.Expiry.IsZero() {
		expiry := fresh.Expiry
		account.TokenExpiry = &expiry
	}
	if d.tokens != nil {
		if err := d.tokens.UpdateToken(ctx, account.ID, fresh); err != nil {
			d.logger.Warn("could not store refreshed token", zap.Int64("account_id", account.ID), zap.Error(err))
		}
	}
	return fresh, true
}

func (d *Detector) search(ctx context.Context, tok *oauth2.Token, q provider.SearchQuery) ([]provider.MessageHeaders, error) {
	return d.searchN(ctx, tok, q, d.maxResults)
}

func (d *Detector) searchN(ctx context.Context, tok *oauth2.Token, q provider.SearchQuery, max int) ([]provider.MessageHeaders, error) {
	ctx, cancel := context.WithTimeout(ctx, d.searchTimeout)
	defer cancel()

	found, err := d.mailbox.Search(ctx, tok, q, max)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", q.String(), err)
	}
	return found, nil
}

// complete fetches headers for results the search returned as bare ids.
func (d *Detector) complete(ctx context.Context, tok *oauth2.Token, h provider.MessageHeaders) provider.MessageHeaders {
	if h.From != "" || h.InReplyTo != "" || h.References != "" || h.ID == "" {
		return h
	}

	ctx, cancel := context.WithTimeout(ctx, d.searchTimeout)
	defer cancel()

	full, err := d.mailbox.GetMetadata(ctx, tok, h.ID)
	if err != nil {
		d.logger.Debug("metadata lookup failed", zap.String("mailbox_message_id", h.ID), zap.Error(err))
		return h
	}
	return *full
}
