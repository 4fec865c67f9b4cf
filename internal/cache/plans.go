package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/membership-backend/internal/metrics"
	"github.com/PortNumber53/membership-backend/internal/models"
)

const (
	keyAllPlans   = "membership:plans:all"
	keyPlanFormat = "membership:plans:%d"
)

// PlanCache stores catalog reads in Redis as JSON. Redis failures are logged
// and reported as misses so the catalog falls back to the database.
type PlanCache struct {
	client redis.Cmdable
	ttl    time.Duration
	logger zerolog.Logger
}

// NewPlanCache wraps client. A non-positive ttl defaults to ten minutes.
func NewPlanCache(client redis.Cmdable, ttl time.Duration, logger zerolog.Logger) *PlanCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &PlanCache{client: client, ttl: ttl, logger: logger.With().Str("component", "plan_cache").Logger()}
}

func planKey(id int64) string {
	return fmt.Sprintf(keyPlanFormat, id)
}

// GetPlans reports the cached plan list, if any.
func (c *PlanCache) GetPlans(ctx context.Context) ([]models.MembershipPlan, bool) {
	var plans []models.MembershipPlan
	if !c.get(ctx, "plan_list", keyAllPlans, &plans) {
		return nil, false
	}
	return plans, true
}

// SetPlans caches the full plan list.
func (c *PlanCache) SetPlans(ctx context.Context, plans []models.MembershipPlan) {
	if len(plans) == 0 {
		return
	}
	c.set(ctx, keyAllPlans, plans)
}

// GetPlan reports the cached plan with the given id, if any.
func (c *PlanCache) GetPlan(ctx context.Context, id int64) (*models.MembershipPlan, bool) {
	var plan models.MembershipPlan
	if !c.get(ctx, "plan", planKey(id), &plan) {
		return nil, false
	}
	return &plan, true
}

// SetPlan caches a single plan under its id.
func (c *PlanCache) SetPlan(ctx context.Context, plan *models.MembershipPlan) {
	if plan == nil {
		return
	}
	c.set(ctx, planKey(plan.ID), plan)
}

// Invalidate drops the plan and the cached list.
func (c *PlanCache) Invalidate(ctx context.Context, id int64) {
	if err := c.client.Del(ctx, planKey(id), keyAllPlans).Err(); err != nil {
		c.logger.Warn().Err(err).Int64("membership_type_id", id).Msg("plan cache invalidation failed")
	}
}

func (c *PlanCache) get(ctx context.Context, kind, key string, out any) bool {
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.IncCacheRequest(kind, "miss")
		} else {
			metrics.IncCacheRequest(kind, "error")
			c.logger.Warn().Err(err).Str("key", key).Msg("plan cache read failed")
		}
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		metrics.IncCacheRequest(kind, "error")
		c.logger.Warn().Err(err).Str("key", key).Msg("plan cache entry is corrupt")
		return false
	}
	metrics.IncCacheRequest(kind, "hit")
	return true
}

func (c *PlanCache) set(ctx context.Context, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("plan cache encode failed")
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("plan cache write failed")
	}
}
