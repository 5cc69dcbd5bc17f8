// Package store persists entitlement records, the processed payment ledger
// and scheduled deliveries.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/reportanalyzer/billing/internal/delivery"
	"github.com/reportanalyzer/billing/internal/entitlement"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Backend is everything the server wires against. Consumers declare the
// narrower slices they use.
type Backend interface {
	GetEntitlement(ctx context.Context, uid string) (*entitlement.Record, error)
	UpdateEntitlement(ctx context.Context, uid string, patch entitlement.Patch) error
	UIDByEmail(ctx context.Context, email string) (string, error)

	IsPaymentProcessed(ctx context.Context, key string) (bool, error)
	MarkPaymentProcessed(ctx context.Context, key, uid string, at time.Time) error

	AddDelivery(ctx context.Context, d *delivery.Delivery) error
	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]*delivery.Delivery, error)
	RemoveDelivery(ctx context.Context, id string) error

	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Backend = (*SQLite)(nil)
	_ Backend = (*Redis)(nil)
)

// Config selects and configures a backend.
type Config struct {
	Backend string
	DataDir string
	Redis   RedisConfig
}

// Open returns the configured backend.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendSQLite:
		return OpenSQLite(cfg.DataDir)
	case BackendRedis:
		r := NewRedis(cfg.Redis)
		if err := r.Ping(ctx); err != nil {
			_ = r.Close()
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
