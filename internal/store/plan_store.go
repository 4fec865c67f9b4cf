package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/membership-backend/internal/models"
)

const planColumns = `id, name, type, price_cents, currency, duration_days, description,
	is_purchasable, stripe_price_id, created_at, updated_at`

func scanPlan(row rowScanner) (*models.MembershipPlan, error) {
	var p models.MembershipPlan
	if err := row.Scan(
		&p.ID, &p.Name, &p.Type, &p.PriceCents, &p.Currency, &p.DurationDays, &p.Description,
		&p.IsPurchasable, &p.StripePriceID, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

func getPlan(ctx context.Context, q queryer, id int64, lock bool) (*models.MembershipPlan, error) {
	query := `SELECT ` + planColumns + ` FROM membership_types WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	p, err := scanPlan(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("store: get plan %d: %w", id, err)
	}
	return p, nil
}

// ListPlans returns every membership type ordered by id.
func (s *Store) ListPlans(ctx context.Context) ([]models.MembershipPlan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+planColumns+` FROM membership_types ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list plans: %w", err)
	}
	defer rows.Close()

	plans := []models.MembershipPlan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan plan: %w", err)
		}
		plans = append(plans, *p)
	}
	return plans, rows.Err()
}

// GetPlan returns a membership type by id.
func (s *Store) GetPlan(ctx context.Context, id int64) (*models.MembershipPlan, error) {
	return getPlan(ctx, s.db, id, false)
}

// UpdatePlan applies a partial update under a row lock and returns the result.
func (s *Store) UpdatePlan(ctx context.Context, id int64, patch models.PlanPatch) (*models.MembershipPlan, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	plan, err := getPlan(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}

	patch.Apply(plan)

	query := `
		UPDATE membership_types
		SET name = $2, type = $3, price_cents = $4, duration_days = $5, description = $6,
		    is_purchasable = $7, stripe_price_id = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	if err := tx.QueryRowContext(ctx, query,
		plan.ID, plan.Name, plan.Type, plan.PriceCents, plan.DurationDays, plan.Description,
		plan.IsPurchasable, plan.StripePriceID,
	).Scan(&plan.UpdatedAt); err != nil {
		return nil, fmt.Errorf("store: update plan %d: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit plan update: %w", err)
	}
	return plan, nil
}
