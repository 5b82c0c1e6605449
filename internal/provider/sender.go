// Package provider holds the outbound send and mailbox search capabilities
// and the adapters wrapped around them.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Correlation headers attached to every outbound message.
const (
	HeaderMessageID   = "X-Outreach-Message-Id"
	HeaderRecipientID = "X-Outreach-Recipient-Id"
	HeaderReplyTo     = "Reply-To"
	HeaderInReplyTo   = "In-Reply-To"
	HeaderReferences  = "References"
)

type SendRequest struct {
	From    string
	To      string
	Subject string
	HTML    string
	Headers map[string]string
}

type SendResult struct {
	// ProviderMessageID is the Message-Id assigned by the provider, usually
	// in "<local@host>" form.
	ProviderMessageID string
}

// Sender delivers one email. Implementations classify failures with
// appErrors.NewTransient / NewPermanent so the queue knows whether to retry.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
}

// LogSender accepts every message and only logs it. Used in development
// when no provider is configured.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	host := "localhost"
	if i := strings.LastIndex(req.From, "@"); i >= 0 {
		host = req.From[i+1:]
	}
	id := fmt.Sprintf("<%s@%s>", uuid.NewString(), host)

	s.logger.Info("message sent (log sender)",
		zap.String("to", req.To),
		zap.String("subject", req.Subject),
		zap.String("provider_message_id", id),
		zap.Any("headers", req.Headers),
	)
	return &SendResult{ProviderMessageID: id}, nil
}
