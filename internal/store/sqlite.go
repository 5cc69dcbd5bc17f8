package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/reportanalyzer/billing/internal/delivery"
	"github.com/reportanalyzer/billing/internal/entitlement"

	_ "modernc.org/sqlite"
)

// SQLite is the default entitlement store. It also holds the processed
// payment ledger and the scheduled delivery queue.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) billing.db in dir.
func OpenSQLite(dir string) (*SQLite, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "billing.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open billing db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entitlements (
		uid          TEXT PRIMARY KEY,
		email        TEXT NOT NULL DEFAULT '',
		plan         TEXT NOT NULL DEFAULT 'free',
		upgraded     INTEGER NOT NULL DEFAULT 0,
		valid_until  INTEGER NOT NULL DEFAULT 0,
		usage_count  INTEGER NOT NULL DEFAULT 0,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entitlements_email ON entitlements(email);

	CREATE TABLE IF NOT EXISTS processed_payments (
		payment_key  TEXT PRIMARY KEY,
		uid          TEXT NOT NULL,
		processed_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS deliveries (
		id          TEXT PRIMARY KEY,
		uid         TEXT NOT NULL,
		due_at      INTEGER NOT NULL,
		payload     TEXT NOT NULL,
		created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_deliveries_due_at ON deliveries(due_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init billing schema: %w", err)
	}
	return nil
}

// DB exposes the handle so the identity directory can share the file.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Ping checks database connectivity (used for readiness probes).
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetEntitlement returns the record for uid or entitlement.ErrRecordNotFound.
func (s *SQLite) GetEntitlement(ctx context.Context, uid string) (*entitlement.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
		uid, email, plan, upgraded, valid_until, usage_count
		FROM entitlements WHERE uid = ?`, uid)

	var rec entitlement.Record
	var plan string
	var upgraded int
	if err := row.Scan(&rec.UID, &rec.Email, &plan, &upgraded, &rec.ValidUntil, &rec.UsageCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, entitlement.ErrRecordNotFound
		}
		return nil, fmt.Errorf("get entitlement: %w", err)
	}
	rec.Plan = entitlement.NormalizeTier(plan)
	rec.Upgraded = upgraded != 0
	return &rec, nil
}

// UpdateEntitlement writes only the patch's fields, creating the record with
// free defaults when it does not exist.
func (s *SQLite) UpdateEntitlement(ctx context.Context, uid string, patch entitlement.Patch) error {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return fmt.Errorf("update entitlement: uid is required")
	}
	if err := patch.Validate(); err != nil {
		return fmt.Errorf("update entitlement %s: %w", uid, err)
	}

	base := entitlement.Record{UID: uid, Plan: entitlement.TierFree}
	patch.ApplyTo(&base)

	var sets []string
	if patch.Email != nil {
		sets = append(sets, "email = excluded.email")
	}
	if patch.Plan != nil {
		sets = append(sets, "plan = excluded.plan")
	}
	if patch.Upgraded != nil {
		sets = append(sets, "upgraded = excluded.upgraded")
	}
	if patch.ValidUntil != nil {
		sets = append(sets, "valid_until = excluded.valid_until")
	}
	if patch.UsageCount != nil {
		sets = append(sets, "usage_count = excluded.usage_count")
	}
	sets = append(sets, "updated_at = excluded.updated_at")

	now := time.Now().UTC().Unix()
	query := `INSERT INTO entitlements (
			uid, email, plan, upgraded, valid_until, usage_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET ` + strings.Join(sets, ", ")

	_, err := s.db.ExecContext(ctx, query,
		base.UID, base.Email, string(base.Plan), boolToInt(base.Upgraded),
		base.ValidUntil, base.UsageCount, now, now,
	)
	if err != nil {
		return fmt.Errorf("update entitlement: %w", err)
	}
	return nil
}

// UIDByEmail looks a uid up through the stored email field. The most recently
// updated record wins when several share an address.
func (s *SQLite) UIDByEmail(ctx context.Context, email string) (string, error) {
	email = entitlement.NormalizeEmail(email)
	if email == "" {
		return "", entitlement.ErrRecordNotFound
	}
	var uid string
	err := s.db.QueryRowContext(ctx,
		`SELECT uid FROM entitlements WHERE email = ? ORDER BY updated_at DESC LIMIT 1`, email,
	).Scan(&uid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", entitlement.ErrRecordNotFound
		}
		return "", fmt.Errorf("lookup uid by email: %w", err)
	}
	return uid, nil
}

// IsPaymentProcessed reports whether the ledger already holds key.
func (s *SQLite) IsPaymentProcessed(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_payments WHERE payment_key = ?`, key,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check processed payment: %w", err)
	}
	return n > 0, nil
}

// MarkPaymentProcessed records key in the ledger. Re-marking is a no-op.
func (s *SQLite) MarkPaymentProcessed(ctx context.Context, key, uid string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_payments (payment_key, uid, processed_at) VALUES (?, ?, ?)`,
		key, uid, at.UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("mark payment processed: %w", err)
	}
	return nil
}

// AddDelivery enqueues a scheduled delivery.
func (s *SQLite) AddDelivery(ctx context.Context, d *delivery.Delivery) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("add delivery: %w", err)
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deliveries (id, uid, due_at, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.UID, d.DueAt.UTC().Unix(), string(payload), created.Unix(),
	)
	if err != nil {
		return fmt.Errorf("add delivery: %w", err)
	}
	return nil
}

// DueDeliveries returns up to limit deliveries due at or before now, oldest first.
func (s *SQLite) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]*delivery.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM deliveries WHERE due_at <= ? ORDER BY due_at ASC LIMIT ?`,
		now.UTC().Unix(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due deliveries: %w", err)
	}
	defer rows.Close()

	var out []*delivery.Delivery
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		var d delivery.Delivery
		if err := json.Unmarshal([]byte(payload), &d); err != nil {
			return nil, fmt.Errorf("decode delivery: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// RemoveDelivery deletes a delivery. Removing a missing id is not an error.
func (s *SQLite) RemoveDelivery(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove delivery: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
