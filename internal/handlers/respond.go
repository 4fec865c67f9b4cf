package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/membership-backend/internal/membership"
	"github.com/PortNumber53/membership-backend/internal/middleware"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps the membership error classes to HTTP status codes.
// Anything unclassified is logged and reported as a 500 without detail.
func writeError(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, membership.ErrInvalidSignature), errors.Is(err, membership.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, membership.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, membership.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, membership.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, membership.ErrProvider):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		writeMessage(w, status, "internal server error")
		return
	}
	if status == http.StatusBadGateway {
		logger.Warn().Err(err).Str("path", r.URL.Path).Msg("payment provider error")
		writeMessage(w, status, "payment provider error")
		return
	}
	writeMessage(w, status, err.Error())
}

func idParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func intQuery(r *http.Request, name string, fallback int) int {
	if raw := r.URL.Query().Get(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			return v
		}
	}
	return fallback
}

// caller returns the identity installed by middleware.RequireAuth.
func caller(w http.ResponseWriter, r *http.Request) (middleware.Identity, bool) {
	id, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "authentication required")
	}
	return id, ok
}
