package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	billingerrors "github.com/reportanalyzer/billing/internal/errors"
	"github.com/reportanalyzer/billing/internal/logging"
	"github.com/reportanalyzer/billing/internal/metrics"
)

// ErrEntitlementUnavailable is the resolution failure surfaced when the store
// cannot be read. Callers must not treat it as free tier.
var ErrEntitlementUnavailable = billingerrors.ErrStoreUnavailable

// Store is the slice of the entitlement store the service needs.
type Store interface {
	GetEntitlement(ctx context.Context, uid string) (*Record, error)
	UpdateEntitlement(ctx context.Context, uid string, patch Patch) error
}

// Service resolves entitlements, applies self-healing corrections, gates
// billable actions and meters usage.
type Service struct {
	store  Store
	policy Policy
	now    func() time.Time
}

// NewService creates a Service.
func NewService(store Store, policy Policy) *Service {
	return &Service{
		store:  store,
		policy: policy,
		now:    time.Now,
	}
}

// Policy returns the configured quota policy.
func (s *Service) Policy() Policy {
	return s.policy
}

// Resolve returns the effective entitlement for the session's identity.
// Admin identities never touch the store.
func (s *Service) Resolve(ctx context.Context, sess Session) (View, error) {
	if s.policy.IsAdmin(sess.Identity) {
		metrics.ResolutionsTotal.WithLabelValues(string(TierAdmin)).Inc()
		return Resolve(nil, s.now(), sess, s.policy).View, nil
	}

	uid := strings.TrimSpace(sess.Identity.UID)
	if uid == "" {
		return View{}, billingerrors.InvalidInput("resolve_entitlement", "uid is required")
	}

	rec, err := s.store.GetEntitlement(ctx, uid)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		metrics.ResolutionsTotal.WithLabelValues("unavailable").Inc()
		logging.FromContext(ctx).Warn().Err(err).Str("uid", uid).Msg("Entitlement store read failed")
		return View{}, billingerrors.WrapStoreError("resolve_entitlement", uid, err)
	}
	if errors.Is(err, ErrRecordNotFound) {
		rec = nil
	}

	res := Resolve(rec, s.now(), sess, s.policy)
	if res.Correction != nil {
		s.applyCorrection(ctx, uid, res)
	}

	metrics.ResolutionsTotal.WithLabelValues(string(res.View.Tier)).Inc()
	return res.View, nil
}

// applyCorrection writes a self-healing patch. Failures are logged and
// counted; the next resolution detects the same inconsistency and retries.
func (s *Service) applyCorrection(ctx context.Context, uid string, res Resolution) {
	logger := logging.FromContext(ctx)
	if err := s.store.UpdateEntitlement(ctx, uid, *res.Correction); err != nil {
		metrics.CorrectionsTotal.WithLabelValues(string(res.Reason), "failed").Inc()
		logger.Error().Err(err).
			Str("uid", uid).
			Str("reason", string(res.Reason)).
			Msg("Entitlement correction write failed; will retry on next resolution")
		return
	}
	metrics.CorrectionsTotal.WithLabelValues(string(res.Reason), "applied").Inc()
	logger.Info().
		Str("uid", uid).
		Str("reason", string(res.Reason)).
		Msg("Entitlement correction applied")
}

// Authorize resolves the entitlement and rejects the billable action when
// the quota is spent.
func (s *Service) Authorize(ctx context.Context, sess Session) (View, error) {
	view, err := s.Resolve(ctx, sess)
	if err != nil {
		return View{}, err
	}
	if view.Exhausted() {
		return view, billingerrors.New(billingerrors.KindQuotaExceeded, "authorize_action",
			fmt.Errorf("%d of %d %s actions used", view.Used, view.Quota, view.Tier)).
			WithSubject(sess.Identity.UID)
	}
	return view, nil
}

// IncrementUsage meters one completed billable action and returns the new
// count. It never blocks the action: a failed read falls back to the
// session's last known count, and a failed write is returned alongside the
// computed count.
func (s *Service) IncrementUsage(ctx context.Context, sess Session) (int64, error) {
	if s.policy.IsAdmin(sess.Identity) {
		metrics.UsageIncrements.WithLabelValues("admin").Inc()
		return sess.KnownUsage, nil
	}

	uid := strings.TrimSpace(sess.Identity.UID)
	if uid == "" {
		return sess.KnownUsage, billingerrors.InvalidInput("increment_usage", "uid is required")
	}

	logger := logging.FromContext(ctx)
	current := sess.KnownUsage
	rec, err := s.store.GetEntitlement(ctx, uid)
	switch {
	case err == nil:
		current = NormalizeRecord(rec).UsageCount
	case errors.Is(err, ErrRecordNotFound):
		current = 0
	default:
		logger.Warn().Err(err).
			Str("uid", uid).
			Int64("known_usage", sess.KnownUsage).
			Msg("Usage read failed; incrementing last known value")
	}

	next := current + 1
	if err := s.store.UpdateEntitlement(ctx, uid, UsagePatch(next)); err != nil {
		metrics.UsageIncrements.WithLabelValues("failed").Inc()
		logger.Error().Err(err).Str("uid", uid).Int64("usage_count", next).Msg("Usage write failed")
		return next, billingerrors.WrapStoreError("increment_usage", uid, err)
	}
	metrics.UsageIncrements.WithLabelValues("ok").Inc()
	return next, nil
}

// Register materializes the default record for a new sign-up. Existing
// records are left untouched.
func (s *Service) Register(ctx context.Context, id Identity) error {
	uid := strings.TrimSpace(id.UID)
	if uid == "" {
		return billingerrors.InvalidInput("register_entitlement", "uid is required")
	}
	_, err := s.store.GetEntitlement(ctx, uid)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRecordNotFound):
	default:
		return billingerrors.WrapStoreError("register_entitlement", uid, err)
	}
	if err := s.store.UpdateEntitlement(ctx, uid, DefaultPatch(id.Email)); err != nil {
		return billingerrors.WrapStoreError("register_entitlement", uid, err)
	}
	return nil
}
