// Package publisher reports outreach state changes to whoever is listening.
// Publishing is fire-and-forget: failures are logged, never returned.
package publisher

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type Publisher interface {
	Publish(ctx context.Context, channel string, payload any)
}

func ProgressChannel(jobID string) string {
	return "outreach:progress:" + jobID
}

func ReplyChannel(accountID int64) string {
	return fmt.Sprintf("reply:detected:%d", accountID)
}

// SuppressionChannel carries recipients the provider rejected permanently.
func SuppressionChannel(accountID int64) string {
	return fmt.Sprintf("outreach:suppression:%d", accountID)
}

// Event is the body of every published message.
type Event struct {
	Type              string `json:"type"`
	OutboundMessageID int64  `json:"outbound_message_id,omitempty"`
	RecipientID       int64  `json:"recipient_id,omitempty"`
	AccountID         int64  `json:"account_id,omitempty"`
	Step              int    `json:"step,omitempty"`
	Status            string `json:"status,omitempty"`
	Stage             string `json:"stage,omitempty"`
	Error             string `json:"error,omitempty"`
}

// LogPublisher writes events to the log when no broker is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, channel string, payload any) {
	p.logger.Info("event", zap.String("channel", channel), zap.Any("payload", payload))
}
