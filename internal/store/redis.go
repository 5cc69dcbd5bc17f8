package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reportanalyzer/billing/internal/delivery"
	"github.com/reportanalyzer/billing/internal/entitlement"
	"github.com/reportanalyzer/billing/internal/logging"
)

const (
	userKeyPrefix     = "billing:user:"
	emailKeyPrefix    = "billing:email:"
	paymentKeyPrefix  = "billing:payment:"
	deliveryKeyPrefix = "billing:delivery:"
	deliveryQueueKey  = "billing:deliveries"

	maxTxRetries = 3
)

// Hash fields use the stored document keys.
const (
	fieldEmail      = "email"
	fieldPlan       = "plan"
	fieldUpgraded   = "upgrade"
	fieldValidUntil = "pro_valid_until"
	fieldUsageCount = "report_count"
)

// RedisConfig holds connection settings for the Redis backend.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// Redis is the Redis entitlement store: one hash per user, an email index,
// a ledger of processed payments and a sorted-set delivery queue.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis store.
func NewRedis(cfg RedisConfig) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	return &Redis{client: rdb}
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Ping tests the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// GetEntitlement returns the record for uid or entitlement.ErrRecordNotFound.
func (r *Redis) GetEntitlement(ctx context.Context, uid string) (*entitlement.Record, error) {
	fields, err := r.client.HGetAll(ctx, userKeyPrefix+uid).Result()
	if err != nil {
		return nil, fmt.Errorf("get entitlement: %w", err)
	}
	if len(fields) == 0 {
		return nil, entitlement.ErrRecordNotFound
	}

	rec := &entitlement.Record{
		UID:   uid,
		Email: fields[fieldEmail],
		Plan:  entitlement.NormalizeTier(fields[fieldPlan]),
	}
	rec.Upgraded, _ = strconv.ParseBool(fields[fieldUpgraded])
	if v := fields[fieldValidUntil]; v != "" {
		if rec.ValidUntil, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("parse %s for %s: %w", fieldValidUntil, uid, err)
		}
	}
	// A corrupt counter resets to zero and is rewritten by the next usage
	// write. A corrupt expiry is surfaced instead: defaulting it would end a
	// paid window.
	if v := fields[fieldUsageCount]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			logging.FromContext(ctx).Warn().Err(err).
				Str("uid", uid).
				Str("field", fieldUsageCount).
				Str("value", v).
				Msg("Unparsable usage counter; treating as zero")
			n = 0
		}
		rec.UsageCount = n
	}
	return rec, nil
}

// UpdateEntitlement writes only the patch's fields and keeps the email index
// in step.
func (r *Redis) UpdateEntitlement(ctx context.Context, uid string, patch entitlement.Patch) error {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return fmt.Errorf("update entitlement: uid is required")
	}
	if err := patch.Validate(); err != nil {
		return fmt.Errorf("update entitlement %s: %w", uid, err)
	}

	values := map[string]any{}
	if patch.Email != nil {
		values[fieldEmail] = entitlement.NormalizeEmail(*patch.Email)
	}
	if patch.Plan != nil {
		values[fieldPlan] = string(*patch.Plan)
	}
	if patch.Upgraded != nil {
		values[fieldUpgraded] = strconv.FormatBool(*patch.Upgraded)
	}
	if patch.ValidUntil != nil {
		values[fieldValidUntil] = *patch.ValidUntil
	}
	if patch.UsageCount != nil {
		values[fieldUsageCount] = *patch.UsageCount
	}

	key := userKeyPrefix + uid
	email, _ := values[fieldEmail].(string)

	update := func(tx *redis.Tx) error {
		staleIndex, err := r.staleEmailIndex(ctx, tx, key, uid, email)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSetNX(ctx, key, fieldPlan, string(entitlement.TierFree))
			pipe.HSetNX(ctx, key, fieldUpgraded, "false")
			pipe.HSetNX(ctx, key, fieldUsageCount, 0)
			pipe.HSet(ctx, key, values)
			if email != "" {
				pipe.Set(ctx, emailKeyPrefix+email, uid, 0)
			}
			if staleIndex != "" {
				pipe.Del(ctx, staleIndex)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := r.client.Watch(ctx, update, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("update entitlement: %w", err)
		}
		return nil
	}
	return fmt.Errorf("update entitlement %s: too much contention", uid)
}

// staleEmailIndex returns the index key of the address uid is giving up, or
// "" when there is none. An index entry already taken over by another user is
// left alone. The key is watched so a concurrent takeover aborts the update.
func (r *Redis) staleEmailIndex(ctx context.Context, tx *redis.Tx, key, uid, email string) (string, error) {
	if email == "" {
		return "", nil
	}
	prev, err := tx.HGet(ctx, key, fieldEmail).Result()
	if errors.Is(err, redis.Nil) || (err == nil && (prev == "" || prev == email)) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	indexKey := emailKeyPrefix + prev
	if err := tx.Watch(ctx, indexKey).Err(); err != nil {
		return "", err
	}
	owner, err := tx.Get(ctx, indexKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if owner != uid {
		return "", nil
	}
	return indexKey, nil
}

// UIDByEmail resolves the email index.
func (r *Redis) UIDByEmail(ctx context.Context, email string) (string, error) {
	email = entitlement.NormalizeEmail(email)
	if email == "" {
		return "", entitlement.ErrRecordNotFound
	}
	uid, err := r.client.Get(ctx, emailKeyPrefix+email).Result()
	if errors.Is(err, redis.Nil) {
		return "", entitlement.ErrRecordNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup uid by email: %w", err)
	}
	return uid, nil
}

// IsPaymentProcessed reports whether the ledger already holds key.
func (r *Redis) IsPaymentProcessed(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, paymentKeyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("check processed payment: %w", err)
	}
	return n > 0, nil
}

// MarkPaymentProcessed records key in the ledger. Re-marking keeps the first entry.
func (r *Redis) MarkPaymentProcessed(ctx context.Context, key, uid string, at time.Time) error {
	value := uid + ":" + strconv.FormatInt(at.UTC().Unix(), 10)
	if err := r.client.SetNX(ctx, paymentKeyPrefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("mark payment processed: %w", err)
	}
	return nil
}

// AddDelivery enqueues a scheduled delivery.
func (r *Redis) AddDelivery(ctx context.Context, d *delivery.Delivery) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("add delivery: %w", err)
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, deliveryKeyPrefix+d.ID, payload, 0)
		pipe.ZAdd(ctx, deliveryQueueKey, redis.Z{Score: float64(d.DueAt.UTC().Unix()), Member: d.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("add delivery: %w", err)
	}
	return nil
}

// DueDeliveries returns up to limit deliveries due at or before now, oldest first.
func (r *Redis) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]*delivery.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := r.client.ZRangeByScore(ctx, deliveryQueueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UTC().Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list due deliveries: %w", err)
	}

	out := make([]*delivery.Delivery, 0, len(ids))
	for _, id := range ids {
		payload, err := r.client.Get(ctx, deliveryKeyPrefix+id).Bytes()
		if errors.Is(err, redis.Nil) {
			// Payload already gone; drop the dangling queue entry.
			_ = r.client.ZRem(ctx, deliveryQueueKey, id).Err()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load delivery %s: %w", id, err)
		}
		var d delivery.Delivery
		if err := json.Unmarshal(payload, &d); err != nil {
			return nil, fmt.Errorf("decode delivery %s: %w", id, err)
		}
		out = append(out, &d)
	}
	return out, nil
}

// RemoveDelivery deletes a delivery. Removing a missing id is not an error.
func (r *Redis) RemoveDelivery(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, deliveryQueueKey, id)
		pipe.Del(ctx, deliveryKeyPrefix+id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove delivery: %w", err)
	}
	return nil
}
