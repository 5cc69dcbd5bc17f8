package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportanalyzer/billing/internal/delivery"
	"github.com/reportanalyzer/billing/internal/entitlement"
)

func setupRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisWithClient(client), mr
}

func TestRedisEntitlementRoundTrip(t *testing.T) {
	s, mr := setupRedis(t)
	ctx := context.Background()

	_, err := s.GetEntitlement(ctx, "u1")
	assert.ErrorIs(t, err, entitlement.ErrRecordNotFound)

	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateEntitlement(ctx, "u1", entitlement.UpgradePatch(now, "Buyer@Example.com")))

	rec, err := s.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierPro, rec.Plan)
	assert.True(t, rec.Upgraded)
	assert.Equal(t, now.Add(entitlement.ProPeriod).Unix(), rec.ValidUntil)
	assert.Equal(t, "buyer@example.com", rec.Email)

	assert.Equal(t, "true", mr.HGet("billing:user:u1", "upgrade"))

	require.NoError(t, s.UpdateEntitlement(ctx, "u1", entitlement.UsagePatch(4)))
	rec, err = s.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), rec.UsageCount)
	assert.True(t, rec.Upgraded, "usage write must not touch the upgrade flag")
}

func TestRedisUsageWriteCreatesDefaults(t *testing.T) {
	s, _ := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateEntitlement(ctx, "u2", entitlement.UsagePatch(1)))
	rec, err := s.GetEntitlement(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierFree, rec.Plan)
	assert.False(t, rec.Upgraded)
	assert.Equal(t, int64(1), rec.UsageCount)
}

func TestRedisEmailIndex(t *testing.T) {
	s, _ := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateEntitlement(ctx, "u3", entitlement.DefaultPatch("someone@example.com")))

	uid, err := s.UIDByEmail(ctx, "Someone@Example.com")
	require.NoError(t, err)
	assert.Equal(t, "u3", uid)

	_, err = s.UIDByEmail(ctx, "missing@example.com")
	assert.ErrorIs(t, err, entitlement.ErrRecordNotFound)
}

func TestRedisEmailChangeDropsOldIndex(t *testing.T) {
	s, _ := setupRedis(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateEntitlement(ctx, "u3", entitlement.DefaultPatch("old@example.com")))
	require.NoError(t, s.UpdateEntitlement(ctx, "u3", entitlement.UpgradePatch(time.Now(), "new@example.com")))

	_, err := s.UIDByEmail(ctx, "old@example.com")
	assert.ErrorIs(t, err, entitlement.ErrRecordNotFound)
	uid, err := s.UIDByEmail(ctx, "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u3", uid)

	// An address another user has since claimed keeps pointing at them.
	require.NoError(t, s.UpdateEntitlement(ctx, "u4", entitlement.DefaultPatch("new@example.com")))
	require.NoError(t, s.UpdateEntitlement(ctx, "u3", entitlement.UpgradePatch(time.Now(), "third@example.com")))
	uid, err = s.UIDByEmail(ctx, "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u4", uid)
}

func TestRedisPaymentLedger(t *testing.T) {
	s, _ := setupRedis(t)
	ctx := context.Background()

	done, err := s.IsPaymentProcessed(ctx, "payment:pay_1")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, s.MarkPaymentProcessed(ctx, "payment:pay_1", "u1", time.Now()))
	require.NoError(t, s.MarkPaymentProcessed(ctx, "payment:pay_1", "u2", time.Now()))

	done, err = s.IsPaymentProcessed(ctx, "payment:pay_1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestRedisDeliveryQueue(t *testing.T) {
	s, mr := setupRedis(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due, err := delivery.New("u1", now.Add(-time.Second), "Daily", "hi", []string{"a@example.com"}, nil)
	require.NoError(t, err)
	later, err := delivery.New("u1", now.Add(time.Hour), "Later", "hi", []string{"a@example.com"}, nil)
	require.NoError(t, err)
	require.NoError(t, s.AddDelivery(ctx, due))
	require.NoError(t, s.AddDelivery(ctx, later))

	got, err := s.DueDeliveries(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)
	assert.Equal(t, []string{"a@example.com"}, got[0].Recipients)

	require.NoError(t, s.RemoveDelivery(ctx, due.ID))
	require.NoError(t, s.RemoveDelivery(ctx, due.ID))
	assert.False(t, mr.Exists("billing:delivery:"+due.ID))

	got, err = s.DueDeliveries(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, later.ID, got[0].ID)
}

func TestRedisUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisWithClient(client)
	mr.Close()

	_, err = s.GetEntitlement(context.Background(), "u1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, entitlement.ErrRecordNotFound)
}
