package models

import (
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// PasswordHash is a bcrypt digest as stored in users.password_hash. Build new
// values with HashPassword.
type PasswordHash string

// HashPassword hashes plain with bcrypt's default cost.
func HashPassword(plain string) (PasswordHash, error) {
	if plain == "" {
		return "", errors.New("password cannot be empty")
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return PasswordHash(digest), nil
}

// Matches reports whether plain hashes to h.
func (h PasswordHash) Matches(plain string) bool {
	if h == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(h), []byte(plain)) == nil
}

// User is an account able to hold a membership.
type User struct {
	ID           int64        `json:"id"`
	Email        string       `json:"email"`
	Name         string       `json:"name"`
	PasswordHash PasswordHash `json:"-"`
	IsAdmin      bool         `json:"is_admin"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// NewUser builds a user with a hashed password.
func NewUser(email, name, password string) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, errors.New("email is required")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	return &User{Email: email, Name: strings.TrimSpace(name), PasswordHash: hash}, nil
}

// SetPassword replaces the stored hash.
func (u *User) SetPassword(plain string) error {
	hash, err := HashPassword(plain)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return nil
}

// CheckPassword reports whether plain matches the stored hash.
func (u *User) CheckPassword(plain string) bool {
	return u.PasswordHash.Matches(plain)
}
