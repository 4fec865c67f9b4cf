package handlers

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/membership-backend/internal/models"
)

// MembershipViewer reads the caller's membership and ledger.
type MembershipViewer interface {
	CurrentMembership(ctx context.Context, userID int64) (*models.MembershipWithPlan, error)
	ListPayments(ctx context.Context, userID int64, limit int) ([]models.Payment, error)
}

// MembershipCanceller forwards cancel and resume requests to the provider.
type MembershipCanceller interface {
	CancelMembership(ctx context.Context, userID int64) error
	ResumeMembership(ctx context.Context, userID int64) error
}

const defaultPaymentPageSize = 50

// CurrentUserMembership returns the caller's membership with its plan.
func CurrentUserMembership(svc MembershipViewer, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		m, err := svc.CurrentMembership(r.Context(), id.UserID)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

// UpdateCurrentUserMembership handles ?action=cancel|resume and answers 204.
// The membership row itself changes when the provider's webhook arrives.
func UpdateCurrentUserMembership(svc MembershipCanceller, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}

		var err error
		switch action := r.URL.Query().Get("action"); action {
		case "cancel":
			err = svc.CancelMembership(r.Context(), id.UserID)
		case "resume":
			err = svc.ResumeMembership(r.Context(), id.UserID)
		default:
			writeMessage(w, http.StatusBadRequest, "action must be cancel or resume")
			return
		}
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ListPayments returns the caller's ledger rows, newest first.
func ListPayments(svc MembershipViewer, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := caller(w, r)
		if !ok {
			return
		}
		payments, err := svc.ListPayments(r.Context(), id.UserID, intQuery(r, "limit", defaultPaymentPageSize))
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
	}
}
