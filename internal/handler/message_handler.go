// internal/handler/message_handler.go
package handler

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/unclebandit/outreach-engine/internal/service"
)

// MessageHandler serves read-only views of outbound messages.
type MessageHandler struct {
	Service *service.OutreachService
	Logger  *zap.Logger
}

func NewMessageHandler(svc *service.OutreachService, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{Service: svc, Logger: logger}
}

// GetMessage returns one outbound message with its status and error detail.
func (h *MessageHandler) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := IDParam(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}

	msg, err := h.Service.GetMessage(r.Context(), id)
	if err != nil {
		h.Logger.Debug("message lookup failed", zap.Int64("outbound_message_id", id), zap.Error(err))
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, msg)
}

// AccountStats returns message counts per status for one sending account.
func (h *MessageHandler) AccountStats(w http.ResponseWriter, r *http.Request) {
	id, err := IDParam(r, "id")
	if err != nil {
		WriteError(w, err)
		return
	}

	stats, err := h.Service.AccountStats(r.Context(), id)
	if err != nil {
		h.Logger.Error("failed to fetch account stats", zap.Int64("account_id", id), zap.Error(err))
		WriteError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"account_id": id,
		"stats":      stats,
	})
}
