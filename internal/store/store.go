package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/PortNumber53/membership-backend/internal/models"
)

const (
	defaultPageSize = 200

	pgUniqueViolation = "23505"
)

var (
	// ErrPlanNotFound is returned when a membership type does not exist.
	ErrPlanNotFound = errors.New("plan not found")
	// ErrMembershipNotFound is returned when no membership row matches.
	ErrMembershipNotFound = errors.New("membership not found")
	// ErrUserNotFound is returned when a user does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned when creating a user whose email is taken.
	ErrUserExists = errors.New("user already exists")
	// ErrPaymentNotFound is returned when no ledger row matches.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrDuplicateSubscription is returned when a provider subscription id is
	// already attached to another membership.
	ErrDuplicateSubscription = errors.New("subscription already linked to another membership")
)

// Store provides database-backed accessors for application data.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// MembershipTx is the unit of work handed to InTx callbacks. Lock* methods take
// row-level locks held until the transaction ends.
type MembershipTx interface {
	GetPlan(ctx context.Context, id int64) (*models.MembershipPlan, error)
	EnsureMembership(ctx context.Context, userID, planID int64) (*models.UserMembership, error)
	LockMembershipByID(ctx context.Context, id int64) (*models.UserMembership, error)
	LockMembershipBySubscriptionID(ctx context.Context, subscriptionID string) (*models.UserMembership, error)
	UpdateMembership(ctx context.Context, m *models.UserMembership) error
	RecordPayment(ctx context.Context, p *models.Payment) (bool, error)
}

// InTx runs fn inside a database transaction. The transaction commits when fn
// returns nil and rolls back otherwise, including on panic.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx MembershipTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &txStore{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

// txStore implements MembershipTx on an open transaction.
type txStore struct {
	tx *sql.Tx
}

func (t *txStore) GetPlan(ctx context.Context, id int64) (*models.MembershipPlan, error) {
	return getPlan(ctx, t.tx, id, false)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > defaultPageSize {
		return defaultPageSize
	}
	return limit
}
