package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("record not found")

// User is a control-plane account row.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UserQueries provides the control-plane's user and API token lookups,
// following the teacher's dedicated query-struct-per-concern style
// (pkg/db/queries.go's UserQueries).
type UserQueries struct {
	db *sql.DB
}

// NewUserQueries wraps db for user/token queries.
func NewUserQueries(database *Database) *UserQueries {
	return &UserQueries{db: database.DB}
}

// CreateUser inserts a new user row.
func (q *UserQueries) CreateUser(ctx context.Context, id, email, passwordHash string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash) VALUES (?, ?, ?)
	`, id, email, passwordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUserByEmail looks up a user by email.
func (q *UserQueries) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := q.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at, updated_at FROM users WHERE email = ?
	`, email).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// IssueToken records a newly minted bearer token for a user.
func (q *UserQueries) IssueToken(ctx context.Context, token, userID, label string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO api_tokens (token, user_id, label) VALUES (?, ?, ?)
	`, token, userID, label)
	if err != nil {
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// ResolveToken returns the user id a bearer token was issued to.
func (q *UserQueries) ResolveToken(ctx context.Context, token string) (string, error) {
	var userID string
	err := q.db.QueryRowContext(ctx, `
		SELECT user_id FROM api_tokens WHERE token = ?
	`, token).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query token: %w", err)
	}
	return userID, nil
}
