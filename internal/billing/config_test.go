package billing

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configKeys = []string{
	"BILLING_DATA_DIR", "BILLING_BIND_ADDRESS", "BILLING_PORT", "RZP_WEBHOOK_SECRET", "RZP_API_BASE_URL",
	"PRO_PRICE", "FREE_QUOTA", "PRO_QUOTA", "ADMIN_EMAIL", "ADMIN_UID",
	"STORE_BACKEND", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"ORDER_TIMEOUT", "ORDER_RETRY_TIMEOUT", "ORDER_FETCH_TIMEOUT",
	"EMAIL_PROVIDER", "POSTMARK_SERVER_TOKEN", "AWS_REGION", "EMAIL_FROM", "DELIVERY_INTERVAL",
}

func setRequiredEnv(t *testing.T) {
	t.Helper()
	for _, key := range configKeys {
		t.Setenv(key, "")
	}
	t.Setenv("BILLING_API_KEY", "api-key")
	t.Setenv("RZP_KEY_ID", "rzp_test_key")
	t.Setenv("RZP_KEY_SECRET", "rzp_secret")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite", cfg.StoreBackend)
	assert.Equal(t, "log", cfg.EmailProvider)
	assert.Equal(t, "1", cfg.ProPrice.String())
	assert.Equal(t, int64(3), cfg.FreeQuota)
	assert.Equal(t, int64(50), cfg.ProQuota)
	assert.Equal(t, 45*time.Second, cfg.OrderTimeout)
	assert.Equal(t, 15*time.Second, cfg.OrderRetryTimeout)
	assert.Equal(t, 10*time.Second, cfg.OrderFetchTimeout)
	assert.Equal(t, time.Minute, cfg.DeliveryInterval)
	assert.Empty(t, cfg.RazorpayWebhookSecret)
	assert.Equal(t, "/data/store", cfg.StoreDir())
}

func TestLoadConfigReportsAllMissing(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BILLING_API_KEY", "")
	t.Setenv("RZP_KEY_ID", "")
	t.Setenv("RZP_KEY_SECRET", "")

	_, err := LoadConfig()
	require.Error(t, err)
	for _, key := range []string{"BILLING_API_KEY", "RZP_KEY_ID", "RZP_KEY_SECRET"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BILLING_PORT", "9090")
	t.Setenv("PRO_PRICE", "499.50")
	t.Setenv("FREE_QUOTA", "5")
	t.Setenv("ORDER_TIMEOUT", "30")
	t.Setenv("ORDER_RETRY_TIMEOUT", "5s")
	t.Setenv("STORE_BACKEND", "Redis")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("ADMIN_EMAIL", " owner@example.com ")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "499.5", cfg.ProPrice.String())
	assert.Equal(t, int64(5), cfg.FreeQuota)
	assert.Equal(t, 30*time.Second, cfg.OrderTimeout)
	assert.Equal(t, 5*time.Second, cfg.OrderRetryTimeout)
	assert.Equal(t, "redis", cfg.StoreBackend)
	assert.Equal(t, "owner@example.com", cfg.AdminEmail)

	sc := cfg.StoreConfig()
	assert.Equal(t, "redis:6379", sc.Redis.Address)
	assert.Equal(t, 2, sc.Redis.DB)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{name: "port-not-int", key: "BILLING_PORT", value: "http", wantErr: "BILLING_PORT"},
		{name: "port-out-of-range", key: "BILLING_PORT", value: "70000", wantErr: "BILLING_PORT"},
		{name: "price-not-decimal", key: "PRO_PRICE", value: "one", wantErr: "PRO_PRICE"},
		{name: "price-zero", key: "PRO_PRICE", value: "0", wantErr: "PRO_PRICE"},
		{name: "negative-quota", key: "PRO_QUOTA", value: "-1", wantErr: "PRO_QUOTA"},
		{name: "bad-duration", key: "ORDER_TIMEOUT", value: "soon", wantErr: "ORDER_TIMEOUT"},
		{name: "unknown-backend", key: "STORE_BACKEND", value: "mongo", wantErr: "STORE_BACKEND"},
		{name: "unknown-provider", key: "EMAIL_PROVIDER", value: "smtp", wantErr: "EMAIL_PROVIDER"},
		{name: "postmark-without-token", key: "EMAIL_PROVIDER", value: "postmark", wantErr: "POSTMARK_SERVER_TOKEN"},
		{name: "ses-without-region", key: "EMAIL_PROVIDER", value: "ses", wantErr: "AWS_REGION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv("AWS_REGION", "")
			t.Setenv("POSTMARK_SERVER_TOKEN", "")
			t.Setenv(tt.key, tt.value)

			_, err := LoadConfig()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), "error %q should mention %s", err, tt.wantErr)
		})
	}
}

func TestLoadWorkerConfigSkipsAPICredentials(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("BILLING_API_KEY", "")
	t.Setenv("RZP_KEY_ID", "")
	t.Setenv("RZP_KEY_SECRET", "")
	t.Setenv("EMAIL_PROVIDER", "ses")
	t.Setenv("AWS_REGION", "ap-south-1")
	t.Setenv("DELIVERY_INTERVAL", "2m")

	cfg, err := LoadWorkerConfig()
	require.NoError(t, err)
	assert.Equal(t, "ses", cfg.EmailProvider)
	assert.Equal(t, 2*time.Minute, cfg.DeliveryInterval)
}
