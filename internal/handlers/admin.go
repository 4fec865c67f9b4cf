package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/membership-backend/internal/membership"
	"github.com/PortNumber53/membership-backend/internal/models"
	"github.com/PortNumber53/membership-backend/internal/store"
)

const defaultAdminPageSize = 50

// MembershipAdmin lists memberships and moves them through approval.
type MembershipAdmin interface {
	ListMemberships(ctx context.Context, filter models.MembershipFilter) ([]models.UserMembership, error)
	UpdateApprovalStatus(ctx context.Context, id int64, status models.ApprovalStatus) (*models.UserMembership, error)
}

// JobStatsProvider reports retry queue depth.
type JobStatsProvider interface {
	GetQueueStats(ctx context.Context) (*models.JobStats, error)
}

// ListUserMemberships supports ?status=&approval_status=&limit=&offset=.
func ListUserMemberships(admin MembershipAdmin, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := models.MembershipFilter{
			Limit:  intQuery(r, "limit", defaultAdminPageSize),
			Offset: intQuery(r, "offset", 0),
		}

		if raw := q.Get("status"); raw != "" {
			status, err := models.ParseMembershipStatus(raw)
			if err != nil {
				writeMessage(w, http.StatusBadRequest, err.Error())
				return
			}
			filter.Status = status
		}
		if raw := q.Get("approval_status"); raw != "" {
			approval := models.ApprovalStatus(raw)
			if !approval.IsValid() {
				writeMessage(w, http.StatusBadRequest, "unknown approval_status")
				return
			}
			filter.ApprovalStatus = approval
		}

		memberships, err := admin.ListMemberships(r.Context(), filter)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user_memberships": memberships,
			"limit":            filter.Limit,
			"offset":           filter.Offset,
		})
	}
}

type approvalRequest struct {
	ApprovalStatus models.ApprovalStatus `json:"approval_status"`
}

// UpdateUserMembership sets the administrative approval status.
func UpdateUserMembership(admin MembershipAdmin, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(r, "id")
		if !ok {
			writeError(w, r, logger, membership.ErrMembershipNotFound)
			return
		}

		var req approvalRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		if !req.ApprovalStatus.IsValid() {
			writeMessage(w, http.StatusBadRequest, "approval_status must be PENDING, APPROVED or REJECTED")
			return
		}

		m, err := admin.UpdateApprovalStatus(r.Context(), id, req.ApprovalStatus)
		if errors.Is(err, store.ErrMembershipNotFound) {
			err = membership.ErrMembershipNotFound
		}
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		logger.Info().Int64("user_membership_id", id).Str("approval_status", string(req.ApprovalStatus)).Msg("approval status updated")
		writeJSON(w, http.StatusOK, m)
	}
}

// JobStats returns counts per job status.
func JobStats(provider JobStatsProvider, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := provider.GetQueueStats(r.Context())
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}
