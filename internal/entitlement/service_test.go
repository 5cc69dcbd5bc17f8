package entitlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	billingerrors "github.com/reportanalyzer/billing/internal/errors"
)

type memStore struct {
	mu       sync.Mutex
	records  map[string]*Record
	readErr  error
	writeErr error
	reads    int
	writes   []Patch
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*Record)}
}

func (m *memStore) GetEntitlement(_ context.Context, uid string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.readErr != nil {
		return nil, m.readErr
	}
	rec, ok := m.records[uid]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) UpdateEntitlement(_ context.Context, uid string, patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, patch)
	if m.writeErr != nil {
		return m.writeErr
	}
	if err := patch.Validate(); err != nil {
		return err
	}
	rec, ok := m.records[uid]
	if !ok {
		rec = &Record{UID: uid, Plan: TierFree}
		m.records[uid] = rec
	}
	patch.ApplyTo(rec)
	return nil
}

func newTestService(store Store) *Service {
	svc := NewService(store, testPolicy())
	svc.now = func() time.Time { return testNow }
	return svc
}

func TestServiceResolveAppliesExpiryCorrection(t *testing.T) {
	store := newMemStore()
	store.records["u1"] = &Record{UID: "u1", Plan: TierPro, Upgraded: true, ValidUntil: testNow.Unix() - 100, UsageCount: 12}
	svc := newTestService(store)

	view, err := svc.Resolve(context.Background(), session("u1", "a@b.com"))
	require.NoError(t, err)

	assert.Equal(t, TierFree, view.Tier)
	assert.Equal(t, int64(0), view.Used)
	assert.Equal(t, DefaultFreeQuota, view.Remaining)

	stored := store.records["u1"]
	assert.False(t, stored.Upgraded)
	assert.Equal(t, TierFree, stored.Plan)
	assert.Equal(t, int64(0), stored.UsageCount)
}

func TestServiceResolveCorrectionFailureStillReturnsCorrectedView(t *testing.T) {
	store := newMemStore()
	store.records["u2"] = &Record{UID: "u2", Plan: TierFree, Upgraded: false, ValidUntil: testNow.Add(time.Hour).Unix(), UsageCount: 3}
	store.writeErr = errors.New("disk full")
	svc := newTestService(store)

	view, err := svc.Resolve(context.Background(), session("u2", ""))
	require.NoError(t, err)
	assert.Equal(t, TierPro, view.Tier)
	assert.Equal(t, int64(3), view.Used)
	assert.Len(t, store.writes, 1)

	// The inconsistency persists, so the next resolution retries the write.
	store.writeErr = nil
	_, err = svc.Resolve(context.Background(), session("u2", ""))
	require.NoError(t, err)
	assert.Len(t, store.writes, 2)
	assert.True(t, store.records["u2"].Upgraded)
}

func TestServiceResolveStoreUnavailableIsNotFreeTier(t *testing.T) {
	store := newMemStore()
	store.readErr = errors.New("connection refused")
	svc := newTestService(store)

	view, err := svc.Resolve(context.Background(), session("u3", ""))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEntitlementUnavailable)
	assert.Equal(t, billingerrors.KindStoreUnavailable, billingerrors.KindOf(err))
	assert.Equal(t, View{}, view)
	assert.Empty(t, store.writes)
}

func TestServiceResolveMaterializesMissingRecord(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)

	view, err := svc.Resolve(context.Background(), session("fresh", "Fresh@Example.com"))
	require.NoError(t, err)
	assert.Equal(t, TierFree, view.Tier)

	rec, ok := store.records["fresh"]
	require.True(t, ok)
	assert.Equal(t, "fresh@example.com", rec.Email)
	assert.Equal(t, TierFree, rec.Plan)
}

func TestServiceAdminNeverTouchesStore(t *testing.T) {
	store := newMemStore()
	store.readErr = errors.New("should not be read")
	svc := newTestService(store)
	admin := Session{Identity: Identity{UID: "boss", Email: "owner@example.com"}, KnownUsage: 7}

	view, err := svc.Resolve(context.Background(), admin)
	require.NoError(t, err)
	assert.Equal(t, TierAdmin, view.Tier)
	assert.True(t, view.Unlimited)

	_, err = svc.Authorize(context.Background(), admin)
	require.NoError(t, err)

	n, err := svc.IncrementUsage(context.Background(), admin)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	assert.Zero(t, store.reads)
	assert.Empty(t, store.writes)
}

func TestServiceFreeTierQuotaScenario(t *testing.T) {
	store := newMemStore()
	store.records["f"] = &Record{UID: "f", Plan: TierFree, UsageCount: 2}
	svc := newTestService(store)
	ctx := context.Background()
	sess := session("f", "f@example.com")

	view, err := svc.Authorize(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.Remaining)

	n, err := svc.IncrementUsage(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	view, err = svc.Resolve(ctx, sess)
	require.NoError(t, err)
	assert.Equal(t, int64(0), view.Remaining)

	_, err = svc.Authorize(ctx, sess)
	require.Error(t, err)
	assert.ErrorIs(t, err, billingerrors.ErrQuotaExceeded)
}

func TestServiceIncrementUsageWritesOnlyCounter(t *testing.T) {
	store := newMemStore()
	store.records["p"] = &Record{UID: "p", Plan: TierPro, Upgraded: true, ValidUntil: testNow.Add(time.Hour).Unix(), UsageCount: 9}
	svc := newTestService(store)

	n, err := svc.IncrementUsage(context.Background(), session("p", ""))
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	require.Len(t, store.writes, 1)
	w := store.writes[0]
	assert.Nil(t, w.Plan)
	assert.Nil(t, w.Upgraded)
	assert.Nil(t, w.ValidUntil)
	require.NotNil(t, w.UsageCount)
	assert.Equal(t, int64(10), *w.UsageCount)
	assert.True(t, store.records["p"].Upgraded)
}

func TestServiceIncrementUsageReadFailureUsesKnownValue(t *testing.T) {
	store := newMemStore()
	store.readErr = errors.New("timeout")
	svc := newTestService(store)
	sess := session("k", "")
	sess.KnownUsage = 4

	n, err := svc.IncrementUsage(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	require.Len(t, store.writes, 1)
	assert.Equal(t, int64(5), *store.writes[0].UsageCount)
}

func TestServiceIncrementUsageWriteFailureReturnsCount(t *testing.T) {
	store := newMemStore()
	store.records["w"] = &Record{UID: "w", UsageCount: 1}
	store.writeErr = errors.New("read-only")
	svc := newTestService(store)

	n, err := svc.IncrementUsage(context.Background(), session("w", ""))
	assert.Equal(t, int64(2), n)
	assert.ErrorIs(t, err, billingerrors.ErrStoreUnavailable)
}

func TestServiceRequiresUID(t *testing.T) {
	svc := newTestService(newMemStore())

	_, err := svc.Resolve(context.Background(), session("  ", "x@y.z"))
	assert.ErrorIs(t, err, billingerrors.ErrInvalidInput)

	_, err = svc.IncrementUsage(context.Background(), session("", ""))
	assert.ErrorIs(t, err, billingerrors.ErrInvalidInput)
}

func TestServiceRegisterLeavesExistingRecord(t *testing.T) {
	store := newMemStore()
	store.records["old"] = &Record{UID: "old", Plan: TierPro, Upgraded: true, UsageCount: 5}
	svc := newTestService(store)

	require.NoError(t, svc.Register(context.Background(), Identity{UID: "old", Email: "old@example.com"}))
	assert.Empty(t, store.writes)

	require.NoError(t, svc.Register(context.Background(), Identity{UID: "new", Email: "New@example.com"}))
	require.Contains(t, store.records, "new")
	assert.Equal(t, "new@example.com", store.records["new"].Email)
	assert.Equal(t, TierFree, store.records["new"].Plan)
}
