// internal/controller/outreach_controller.go
package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
	"github.com/unclebandit/outreach-engine/internal/handler"
	"github.com/unclebandit/outreach-engine/internal/service"
)

const maxBulkItems = 1000

// ReplyScanner runs an on-demand reply scan for one account.
type ReplyScanner interface {
	ScanAccountNow(ctx context.Context, accountID int64) (int, error)
}

type OutreachController struct {
	OutreachService *service.OutreachService
	Replies         ReplyScanner
	Logger          *zap.Logger
}

func (c *OutreachController) Send(w http.ResponseWriter, r *http.Request) {
	var body struct {
		service.SendRequest
		DelayMs int64 `json:"delay_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		handler.WriteError(w, appErrors.NewValidation("decode body", "invalid body"))
		return
	}
	if body.DelayMs < 0 {
		handler.WriteError(w, appErrors.NewValidation("enqueue send", "delay_ms must not be negative"))
		return
	}

	res, err := c.OutreachService.EnqueueSend(r.Context(), body.SendRequest, time.Duration(body.DelayMs)*time.Millisecond)
	if err != nil {
		c.Logger.Warn("send not queued", zap.String("to", body.To), zap.Error(err))
		handler.WriteError(w, err)
		return
	}

	handler.WriteJSON(w, http.StatusAccepted, res)
}

func (c *OutreachController) Bulk(w http.ResponseWriter, r *http.Request) {
	var body struct {
		// AccountID and StartAutomation apply to items that leave them unset.
		AccountID       int64                 `json:"account_id"`
		StartAutomation bool                  `json:"start_automation"`
		Items           []service.SendRequest `json:"items"`
		service.BulkOptions
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		handler.WriteError(w, appErrors.NewValidation("decode body", "invalid body"))
		return
	}
	if len(body.Items) > maxBulkItems {
		handler.WriteError(w, appErrors.NewValidation("enqueue bulk", "too many items in one batch"))
		return
	}
	if body.IntervalSec < 0 || body.JitterMs < 0 {
		handler.WriteError(w, appErrors.NewValidation("enqueue bulk", "interval_sec and jitter_ms must not be negative"))
		return
	}

	for i := range body.Items {
		if body.Items[i].AccountID == 0 {
			body.Items[i].AccountID = body.AccountID
		}
		if body.StartAutomation {
			body.Items[i].StartAutomation = true
		}
	}

	res, err := c.OutreachService.EnqueueBulk(r.Context(), body.Items, body.BulkOptions)
	if err != nil {
		handler.WriteError(w, err)
		return
	}

	handler.WriteJSON(w, http.StatusAccepted, res)
}

// ScanReplies checks an account's mailbox now instead of waiting for the
// periodic scan.
func (c *OutreachController) ScanReplies(w http.ResponseWriter, r *http.Request) {
	id, err := handler.IDParam(r, "id")
	if err != nil {
		handler.WriteError(w, err)
		return
	}
	if c.Replies == nil {
		handler.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "reply scanning is not configured"})
		return
	}

	closed, err := c.Replies.ScanAccountNow(r.Context(), id)
	if err != nil {
		c.Logger.Error("reply scan failed", zap.Int64("account_id", id), zap.Error(err))
		handler.WriteError(w, err)
		return
	}

	handler.WriteJSON(w, http.StatusOK, map[string]any{
		"account_id": id,
		"replied":    closed,
	})
}
