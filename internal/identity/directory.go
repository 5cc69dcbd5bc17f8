// Package identity is the user-by-email directory that stands in for the
// identity provider. It is the authoritative source for email to uid lookups.
package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/reportanalyzer/billing/internal/entitlement"
)

// ErrNotFound is returned when no user is registered under an email.
var ErrNotFound = errors.New("identity not found")

// User is a registered identity.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// SQLDirectory stores users in a SQL table.
type SQLDirectory struct {
	db *sql.DB
}

// NewSQLDirectory creates the users table on db if needed.
func NewSQLDirectory(db *sql.DB) (*SQLDirectory, error) {
	if db == nil {
		return nil, fmt.Errorf("identity directory: db is nil")
	}
	d := &SQLDirectory{db: db}
	if err := d.initSchema(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *SQLDirectory) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		email      TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("init identity schema: %w", err)
	}
	return nil
}

// Register records uid under email. Re-registering moves the email to uid.
func (d *SQLDirectory) Register(ctx context.Context, uid, email string) (*User, error) {
	uid = strings.TrimSpace(uid)
	email = entitlement.NormalizeEmail(email)
	if uid == "" || email == "" {
		return nil, fmt.Errorf("register user: uid and email are required")
	}

	u := &User{ID: uid, Email: email, CreatedAt: time.Now().UTC()}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("register user: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE email = ? AND id <> ?`, email, uid); err != nil {
		return nil, fmt.Errorf("register user: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, email, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET email = excluded.email`,
		u.ID, u.Email, u.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("register user: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("register user: %w", err)
	}
	return u, nil
}

// UIDByEmail returns the uid registered for email, or ErrNotFound.
func (d *SQLDirectory) UIDByEmail(ctx context.Context, email string) (string, error) {
	email = entitlement.NormalizeEmail(email)
	if email == "" {
		return "", ErrNotFound
	}
	var uid string
	err := d.db.QueryRowContext(ctx, `SELECT id FROM users WHERE email = ?`, email).Scan(&uid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("lookup user by email: %w", err)
	}
	return uid, nil
}
