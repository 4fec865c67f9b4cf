package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/membership-backend/internal/membership"
)

const maxJSONBody = 1 << 16

// CheckoutCreator starts a hosted checkout.
type CheckoutCreator interface {
	CreateCheckoutSession(ctx context.Context, userID, planID int64) (string, error)
}

// CheckoutSummarizer reports on a finished or abandoned checkout.
type CheckoutSummarizer interface {
	GetCheckoutSummary(ctx context.Context, userID int64, sessionID string) (*membership.CheckoutSummary, error)
}

// CreateCheckoutSession responds 201 with the checkout URL as a JSON string.
// Repeating the call while the session is open returns the same URL.
func CreateCheckoutSession(svc CheckoutCreator, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		planID, ok := idParam(r, "id")
		if !ok {
			writeError(w, r, logger, membership.ErrPlanNotFound)
			return
		}

		url, err := svc.CreateCheckoutSession(r.Context(), id.UserID, planID)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, url)
	}
}

// GetCheckoutSession returns the caller's view of a checkout session.
func GetCheckoutSession(svc CheckoutSummarizer, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		sessionID := chi.URLParam(r, "id")
		if sessionID == "" {
			writeError(w, r, logger, membership.ErrCheckoutSessionNotFound)
			return
		}

		summary, err := svc.GetCheckoutSummary(r.Context(), id.UserID, sessionID)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}
