package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/membership-backend/internal/models"
)

// CreateUser inserts u and fills its id and timestamps.
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	if u.PasswordHash == "" {
		return errors.New("store: user password hash is required")
	}

	query := `
		INSERT INTO users (email, name, password_hash, is_admin)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query, u.Email, u.Name, string(u.PasswordHash), u.IsAdmin).
		Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

// GetUserByID returns a user by id.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	query := `SELECT id, email, name, password_hash, is_admin, created_at, updated_at FROM users WHERE id = $1`

	var (
		u    models.User
		hash string
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Email, &u.Name, &hash, &u.IsAdmin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("store: get user %d: %w", id, err)
	}
	u.PasswordHash = models.PasswordHash(hash)
	return &u, nil
}
