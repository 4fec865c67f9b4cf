package membership

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/membership-backend/internal/models"
	"github.com/PortNumber53/membership-backend/internal/store"
)

// Catalog serves membership plans, reading through an optional cache.
type Catalog struct {
	store  CatalogStore
	cache  PlanCache
	logger zerolog.Logger
}

// NewCatalog builds a Catalog. cache may be nil.
func NewCatalog(s CatalogStore, cache PlanCache, logger zerolog.Logger) *Catalog {
	return &Catalog{store: s, cache: cache, logger: logger.With().Str("component", "catalog").Logger()}
}

// ListPlans returns every membership type, served from the cache when warm.
func (c *Catalog) ListPlans(ctx context.Context) ([]models.MembershipPlan, error) {
	if c.cache != nil {
		if plans, ok := c.cache.GetPlans(ctx); ok {
			return plans, nil
		}
	}

	plans, err := c.store.ListPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	if c.cache != nil {
		c.cache.SetPlans(ctx, plans)
	}
	return plans, nil
}

// GetPlan returns one membership type or ErrPlanNotFound.
func (c *Catalog) GetPlan(ctx context.Context, id int64) (*models.MembershipPlan, error) {
	if c.cache != nil {
		if plan, ok := c.cache.GetPlan(ctx, id); ok {
			return plan, nil
		}
	}

	plan, err := c.store.GetPlan(ctx, id)
	if errors.Is(err, store.ErrPlanNotFound) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan %d: %w", id, err)
	}
	if c.cache != nil {
		c.cache.SetPlan(ctx, plan)
	}
	return plan, nil
}

// UpdatePlan applies a partial update. Only the supplied fields change.
func (c *Catalog) UpdatePlan(ctx context.Context, id int64, patch models.PlanPatch) (*models.MembershipPlan, error) {
	if err := patch.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	plan, err := c.store.UpdatePlan(ctx, id, patch)
	if errors.Is(err, store.ErrPlanNotFound) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update plan %d: %w", id, err)
	}

	if c.cache != nil {
		c.cache.Invalidate(ctx, id)
	}
	c.logger.Info().Int64("membership_type_id", id).Msg("membership type updated")
	return plan, nil
}
