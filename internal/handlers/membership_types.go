package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/membership-backend/internal/membership"
	"github.com/PortNumber53/membership-backend/internal/models"
)

// PlanCatalog serves membership types.
type PlanCatalog interface {
	ListPlans(ctx context.Context) ([]models.MembershipPlan, error)
	GetPlan(ctx context.Context, id int64) (*models.MembershipPlan, error)
	UpdatePlan(ctx context.Context, id int64, patch models.PlanPatch) (*models.MembershipPlan, error)
}

// ListMembershipTypes returns the catalog.
func ListMembershipTypes(catalog PlanCatalog, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plans, err := catalog.ListPlans(r.Context())
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, plans)
	}
}

// GetMembershipType returns one plan.
func GetMembershipType(catalog PlanCatalog, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(r, "id")
		if !ok {
			writeError(w, r, logger, membership.ErrPlanNotFound)
			return
		}
		plan, err := catalog.GetPlan(r.Context(), id)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
	}
}

// UpdateMembershipType applies an admin patch. Absent fields are unchanged.
func UpdateMembershipType(catalog PlanCatalog, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(r, "id")
		if !ok {
			writeError(w, r, logger, membership.ErrPlanNotFound)
			return
		}

		var patch models.PlanPatch
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&patch); err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		if patch.IsEmpty() {
			writeMessage(w, http.StatusBadRequest, "no fields to update")
			return
		}

		plan, err := catalog.UpdatePlan(r.Context(), id, patch)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
	}
}
