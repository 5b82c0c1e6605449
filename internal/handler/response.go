// internal/handler/response.go
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
)

// WriteJSON encodes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps an error kind to a status code and writes {"error": ...}.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, StatusFor(err), map[string]string{"error": err.Error()})
}

func StatusFor(err error) int {
	if appErrors.IsNotFound(err) {
		return http.StatusNotFound
	}
	switch appErrors.KindOf(err) {
	case appErrors.KindValidation:
		return http.StatusBadRequest
	case appErrors.KindSchedulingInconsistency:
		return http.StatusConflict
	case appErrors.KindTransientProvider:
		return http.StatusServiceUnavailable
	case appErrors.KindCredential:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IDParam parses a positive integer chi URL parameter.
func IDParam(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, appErrors.NewValidation("parse "+name, "invalid "+name)
	}
	return id, nil
}
