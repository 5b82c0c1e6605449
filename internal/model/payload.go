// internal/model/payload.go
package model

// SendPayload is the send-queue job body.
type SendPayload struct {
	OutboundMessageID int64  `json:"outbound_message_id"`
	RecipientID       int64  `json:"recipient_id"`
	AccountID         int64  `json:"account_id"`
	To                string `json:"to"`
	Subject           string `json:"subject"`
	Body              string `json:"body"`
	ReplyTo           string `json:"reply_to,omitempty"`
	StartAutomation   bool   `json:"start_automation,omitempty"`
	Step              int    `json:"step,omitempty"`
	ThreadProviderID  string `json:"thread_provider_id,omitempty"`
}

// Valid reports whether the payload looks like a real unit of work.
func (p SendPayload) Valid() bool {
	return p.OutboundMessageID > 0 && p.RecipientID > 0 && p.AccountID > 0 && p.To != ""
}

// FollowUpPayload is the follow-up-queue job body.
type FollowUpPayload struct {
	OutboundMessageID int64 `json:"outbound_message_id"`
	RecipientID       int64 `json:"recipient_id"`
	Step              int   `json:"step"`
	AccountID         int64 `json:"account_id"`
}

func (p FollowUpPayload) Valid() bool {
	return p.OutboundMessageID > 0 && p.RecipientID > 0 && p.AccountID > 0 && p.Step >= 1 && p.Step <= 3
}
