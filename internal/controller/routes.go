package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/unclebandit/outreach-engine/internal/handler"
)

// NewRouter wires the HTTP API.
func NewRouter(outreach *OutreachController, messages *handler.MessageHandler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/outreach/send", outreach.Send)
	r.Post("/outreach/bulk", outreach.Bulk)
	r.Get("/messages/{id}", messages.GetMessage)
	r.Get("/accounts/{id}/stats", messages.AccountStats)
	r.Post("/accounts/{id}/reply-scan", outreach.ScanReplies)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		handler.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}
