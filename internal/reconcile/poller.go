// Package reconcile polls the resolved entitlement after checkout until the
// webhook's upgrade becomes visible or the attempts run out.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/reportanalyzer/billing/internal/entitlement"
)

const (
	DefaultInterval    = 3 * time.Second
	DefaultMaxAttempts = 10
)

// Outcome is how a polling run ended.
type Outcome string

const (
	OutcomeUpgraded    Outcome = "upgraded"
	OutcomeUnlimited   Outcome = "unlimited"
	OutcomeUnconfirmed Outcome = "unconfirmed"
	OutcomeCanceled    Outcome = "canceled"
)

// CheckFunc reads the current entitlement. It must not mutate anything the
// caller depends on; the poller only reads.
type CheckFunc func(ctx context.Context) (entitlement.View, error)

// Result is returned when polling stops.
type Result struct {
	Outcome  Outcome
	Attempts int
	View     entitlement.View
	LastErr  error
}

// Poller runs a bounded, fixed-interval poll.
type Poller struct {
	Interval    time.Duration
	MaxAttempts int
	// OnAttempt, when set, is called after every check.
	OnAttempt func(attempt int, view entitlement.View, err error)
}

// New creates a Poller, filling in defaults for non-positive values.
func New(interval time.Duration, maxAttempts int) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Poller{Interval: interval, MaxAttempts: maxAttempts}
}

// Run checks immediately and then once per interval. It stops early when the
// tier resolves to pro or admin, and returns OutcomeCanceled as soon as ctx ends. A
// failed check counts as an attempt.
func (p *Poller) Run(ctx context.Context, check CheckFunc) (Result, error) {
	if check == nil {
		return Result{}, fmt.Errorf("reconcile: check is required")
	}
	interval, maxAttempts := p.Interval, p.MaxAttempts
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var res Result
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			res.Outcome = OutcomeCanceled
			return res, nil
		}

		view, err := check(ctx)
		res.Attempts = attempt
		res.LastErr = err
		if err == nil {
			res.View = view
		}
		if p.OnAttempt != nil {
			p.OnAttempt(attempt, view, err)
		}
		if err == nil {
			switch view.Tier {
			case entitlement.TierPro:
				res.Outcome = OutcomeUpgraded
				return res, nil
			case entitlement.TierAdmin:
				res.Outcome = OutcomeUnlimited
				return res, nil
			}
		}
		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			res.Outcome = OutcomeCanceled
			return res, nil
		case <-ticker.C:
		}
	}

	res.Outcome = OutcomeUnconfirmed
	return res, nil
}
