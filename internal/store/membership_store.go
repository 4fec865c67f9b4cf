package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/PortNumber53/membership-backend/internal/models"
)

const membershipColumns = `id, user_id, membership_type_id, status, approval_status,
	stripe_subscription_id, stripe_customer_id, latest_invoice_id, current_period_end,
	has_access, cancel_at_period_end, checkout_url, checkout_session_expires_at,
	created_at, updated_at`

func scanMembership(row rowScanner) (*models.UserMembership, error) {
	var m models.UserMembership
	if err := row.Scan(
		&m.ID, &m.UserID, &m.MembershipTypeID, &m.Status, &m.ApprovalStatus,
		&m.StripeSubscriptionID, &m.StripeCustomerID, &m.LatestInvoiceID, &m.CurrentPeriodEnd,
		&m.HasAccess, &m.CancelAtPeriodEnd, &m.CheckoutURL, &m.CheckoutSessionExpiresAt,
		&m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &m, nil
}

func getMembershipBy(ctx context.Context, q queryer, column string, value any, lock bool) (*models.UserMembership, error) {
	query := `SELECT ` + membershipColumns + ` FROM users_memberships WHERE ` + column + ` = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	m, err := scanMembership(q.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMembershipNotFound
		}
		return nil, fmt.Errorf("store: get membership by %s: %w", column, err)
	}
	return m, nil
}

// GetMembershipByUserID returns the membership owned by userID.
func (s *Store) GetMembershipByUserID(ctx context.Context, userID int64) (*models.UserMembership, error) {
	return getMembershipBy(ctx, s.db, "user_id", userID, false)
}

// GetMembershipWithPlanByUserID returns the user's membership joined with its plan.
func (s *Store) GetMembershipWithPlanByUserID(ctx context.Context, userID int64) (*models.MembershipWithPlan, error) {
	m, err := s.GetMembershipByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	plan, err := s.GetPlan(ctx, m.MembershipTypeID)
	if err != nil {
		return nil, err
	}
	return &models.MembershipWithPlan{UserMembership: *m, MembershipType: *plan}, nil
}

// ListMemberships returns memberships matching filter, newest first.
func (s *Store) ListMemberships(ctx context.Context, filter models.MembershipFilter) ([]models.UserMembership, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ApprovalStatus != "" {
		args = append(args, filter.ApprovalStatus)
		where = append(where, fmt.Sprintf("approval_status = $%d", len(args)))
	}

	query := `SELECT ` + membershipColumns + ` FROM users_memberships`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(filter.Limit))
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list memberships: %w", err)
	}
	defer rows.Close()

	memberships := []models.UserMembership{}
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan membership: %w", err)
		}
		memberships = append(memberships, *m)
	}
	return memberships, rows.Err()
}

// UpdateApprovalStatus sets the administrative approval of a membership.
func (s *Store) UpdateApprovalStatus(ctx context.Context, id int64, status models.ApprovalStatus) (*models.UserMembership, error) {
	query := `
		UPDATE users_memberships
		SET approval_status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + membershipColumns

	m, err := scanMembership(s.db.QueryRowContext(ctx, query, id, status))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMembershipNotFound
		}
		return nil, fmt.Errorf("store: update approval status: %w", err)
	}
	return m, nil
}

// EnsureMembership returns the user's membership row locked for update,
// creating it for planID when the user has none yet.
func (t *txStore) EnsureMembership(ctx context.Context, userID, planID int64) (*models.UserMembership, error) {
	insert := `
		INSERT INTO users_memberships (user_id, membership_type_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := t.tx.ExecContext(ctx, insert, userID, planID); err != nil {
		return nil, fmt.Errorf("store: ensure membership: %w", err)
	}
	return getMembershipBy(ctx, t.tx, "user_id", userID, true)
}

func (t *txStore) LockMembershipByID(ctx context.Context, id int64) (*models.UserMembership, error) {
	return getMembershipBy(ctx, t.tx, "id", id, true)
}

func (t *txStore) LockMembershipBySubscriptionID(ctx context.Context, subscriptionID string) (*models.UserMembership, error) {
	return getMembershipBy(ctx, t.tx, "stripe_subscription_id", subscriptionID, true)
}

// UpdateMembership writes every mutable column of m.
func (t *txStore) UpdateMembership(ctx context.Context, m *models.UserMembership) error {
	query := `
		UPDATE users_memberships
		SET membership_type_id = $2,
		    status = $3,
		    stripe_subscription_id = $4,
		    stripe_customer_id = $5,
		    latest_invoice_id = $6,
		    current_period_end = $7,
		    has_access = $8,
		    cancel_at_period_end = $9,
		    checkout_url = $10,
		    checkout_session_expires_at = $11,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err := t.tx.QueryRowContext(ctx, query,
		m.ID, m.MembershipTypeID, m.Status,
		m.StripeSubscriptionID, m.StripeCustomerID, m.LatestInvoiceID, m.CurrentPeriodEnd,
		m.HasAccess, m.CancelAtPeriodEnd, m.CheckoutURL, m.CheckoutSessionExpiresAt,
	).Scan(&m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMembershipNotFound
		}
		if isUniqueViolation(err) {
			return ErrDuplicateSubscription
		}
		return fmt.Errorf("store: update membership %d: %w", m.ID, err)
	}
	return nil
}
