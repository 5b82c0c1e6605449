// internal/model/outbound_message.go
package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

type MessageStatus string

const (
	MessageStatusPending MessageStatus = "pending"
	// MessageStatusSending is held by the one delivery that is talking to
	// the provider.
	MessageStatusSending MessageStatus = "sending"
	MessageStatusSent    MessageStatus = "sent"
	MessageStatusFailed  MessageStatus = "failed"
	MessageStatusReplied MessageStatus = "replied"
)

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	switch s {
	case MessageStatusPending, MessageStatusFailed:
		return next == MessageStatusSending || next == MessageStatusSent || next == MessageStatusFailed || next == MessageStatusReplied
	case MessageStatusSending:
		return next == MessageStatusSent || next == MessageStatusFailed || next == MessageStatusReplied
	case MessageStatusSent:
		return next == MessageStatusReplied
	default:
		return false
	}
}

type OutboundMessage struct {
	ID                   int64         `db:"id" json:"id"`
	RecipientID          int64         `db:"recipient_id" json:"recipient_id"`
	AccountID            int64         `db:"account_id" json:"account_id"`
	ToAddress            string        `db:"to_address" json:"to_address"`
	Subject              string        `db:"subject" json:"subject"`
	Body                 string        `db:"body" json:"body"`
	Status               MessageStatus `db:"status" json:"status"` // pending, sending, sent, failed, replied
	ProviderMessageID    string        `db:"provider_message_id" json:"provider_message_id,omitempty"`
	NormalizedProviderID string        `db:"normalized_provider_id" json:"normalized_provider_id,omitempty"`
	AttemptCount         int           `db:"attempt_count" json:"attempt_count"`
	LastError            string        `db:"last_error" json:"last_error,omitempty"`
	SentAt               *time.Time    `db:"sent_at" json:"sent_at,omitempty"`
	RepliedAt            *time.Time    `db:"replied_at" json:"replied_at,omitempty"`
	FollowUpJobID        *string       `db:"follow_up_job_id" json:"follow_up_job_id,omitempty"`
	Step                 int           `db:"step" json:"step"` // 0 when not part of a sequence
	TemplateName         string        `db:"template_name" json:"template_name,omitempty"`
	CreatedAt            time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time     `db:"updated_at" json:"updated_at"`
}

// ReplyWindowStart is the earliest time a reply to m can have been received.
func (m *OutboundMessage) ReplyWindowStart(skew time.Duration) time.Time {
	if m.SentAt != nil {
		return m.SentAt.Add(-skew)
	}
	return m.CreatedAt.Add(-skew)
}

// NormalizeMessageID strips whitespace and angle brackets from a provider
// message id so it can be compared against In-Reply-To/References values.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

const maxErrorText = 500

// NormalizeErrorText collapses whitespace and bounds the stored error detail
// to maxErrorText bytes without splitting a UTF-8 sequence.
func NormalizeErrorText(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= maxErrorText {
		return text
	}
	n := maxErrorText
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}
