package billing

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/reportanalyzer/billing/internal/store"
)

// Config holds all configuration for the billing service.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int
	APIKey      string

	RazorpayKeyID         string
	RazorpayKeySecret     string
	RazorpayWebhookSecret string // empty disables the webhook endpoint (503)
	RazorpayBaseURL       string

	ProPrice   decimal.Decimal // major currency units
	FreeQuota  int64
	ProQuota   int64
	AdminEmail string
	AdminUID   string

	StoreBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	OrderTimeout      time.Duration
	OrderRetryTimeout time.Duration
	OrderFetchTimeout time.Duration

	EmailProvider    string // postmark, ses or log
	PostmarkToken    string
	PostmarkBaseURL  string
	AWSRegion        string
	EmailFrom        string
	DeliveryInterval time.Duration

	LogLevel  string
	LogFormat string
}

// StoreDir is where the SQLite database lives.
func (c *Config) StoreDir() string {
	return filepath.Join(c.DataDir, "store")
}

// StoreConfig builds the store selection from the service config.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Backend: c.StoreBackend,
		DataDir: c.StoreDir(),
		Redis: store.RedisConfig{
			Address:  c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		},
	}
}

// LoadConfig loads the HTTP service configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate billing config: %w", err)
	}
	return cfg, nil
}

// LoadWorkerConfig loads configuration for the delivery worker, which needs
// the store and email settings but no API or gateway credentials.
func LoadWorkerConfig() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.validateWorker(); err != nil {
		return nil, fmt.Errorf("validate worker config: %w", err)
	}
	return cfg, nil
}

func load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("BILLING_PORT", 8080)
	if err != nil {
		return nil, err
	}
	redisDB, err := envOrDefaultInt("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	freeQuota, err := envOrDefaultInt64("FREE_QUOTA", 3)
	if err != nil {
		return nil, err
	}
	proQuota, err := envOrDefaultInt64("PRO_QUOTA", 50)
	if err != nil {
		return nil, err
	}
	price, err := decimal.NewFromString(envOrDefault("PRO_PRICE", "1"))
	if err != nil {
		return nil, fmt.Errorf("PRO_PRICE must be a decimal amount: %w", err)
	}

	durations := map[string]*time.Duration{}
	cfg := &Config{
		DataDir:               envOrDefault("BILLING_DATA_DIR", "/data"),
		BindAddress:           envOrDefault("BILLING_BIND_ADDRESS", "0.0.0.0"),
		Port:                  port,
		APIKey:                strings.TrimSpace(os.Getenv("BILLING_API_KEY")),
		RazorpayKeyID:         strings.TrimSpace(os.Getenv("RZP_KEY_ID")),
		RazorpayKeySecret:     strings.TrimSpace(os.Getenv("RZP_KEY_SECRET")),
		RazorpayWebhookSecret: strings.TrimSpace(os.Getenv("RZP_WEBHOOK_SECRET")),
		RazorpayBaseURL:       strings.TrimSpace(os.Getenv("RZP_API_BASE_URL")),
		ProPrice:              price,
		FreeQuota:             freeQuota,
		ProQuota:              proQuota,
		AdminEmail:            strings.TrimSpace(os.Getenv("ADMIN_EMAIL")),
		AdminUID:              strings.TrimSpace(os.Getenv("ADMIN_UID")),
		StoreBackend:          strings.ToLower(envOrDefault("STORE_BACKEND", store.BackendSQLite)),
		RedisAddr:             envOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		EmailProvider:         strings.ToLower(envOrDefault("EMAIL_PROVIDER", "log")),
		PostmarkToken:         strings.TrimSpace(os.Getenv("POSTMARK_SERVER_TOKEN")),
		PostmarkBaseURL:       strings.TrimSpace(os.Getenv("POSTMARK_BASE_URL")),
		AWSRegion:             strings.TrimSpace(os.Getenv("AWS_REGION")),
		EmailFrom:             envOrDefault("EMAIL_FROM", "reports@localhost"),
		LogLevel:              envOrDefault("LOG_LEVEL", "info"),
		LogFormat:             envOrDefault("LOG_FORMAT", "auto"),
	}
	durations["ORDER_TIMEOUT"] = &cfg.OrderTimeout
	durations["ORDER_RETRY_TIMEOUT"] = &cfg.OrderRetryTimeout
	durations["ORDER_FETCH_TIMEOUT"] = &cfg.OrderFetchTimeout
	durations["DELIVERY_INTERVAL"] = &cfg.DeliveryInterval
	defaults := map[string]time.Duration{
		"ORDER_TIMEOUT":       45 * time.Second,
		"ORDER_RETRY_TIMEOUT": 15 * time.Second,
		"ORDER_FETCH_TIMEOUT": 10 * time.Second,
		"DELIVERY_INTERVAL":   60 * time.Second,
	}
	for key, dst := range durations {
		d, err := envOrDefaultDuration(key, defaults[key])
		if err != nil {
			return nil, err
		}
		*dst = d
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.APIKey == "" {
		missing = append(missing, "BILLING_API_KEY")
	}
	if c.RazorpayKeyID == "" {
		missing = append(missing, "RZP_KEY_ID")
	}
	if c.RazorpayKeySecret == "" {
		missing = append(missing, "RZP_KEY_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("BILLING_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if !c.ProPrice.IsPositive() {
		return fmt.Errorf("PRO_PRICE must be greater than 0, got %s", c.ProPrice.String())
	}
	if c.FreeQuota < 0 || c.ProQuota < 0 {
		return fmt.Errorf("FREE_QUOTA and PRO_QUOTA must not be negative")
	}
	for key, d := range map[string]time.Duration{
		"ORDER_TIMEOUT":       c.OrderTimeout,
		"ORDER_RETRY_TIMEOUT": c.OrderRetryTimeout,
		"ORDER_FETCH_TIMEOUT": c.OrderFetchTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be greater than 0, got %s", key, d)
		}
	}
	return c.validateWorker()
}

func (c *Config) validateWorker() error {
	switch c.StoreBackend {
	case store.BackendSQLite:
	case store.BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when STORE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", store.BackendSQLite, store.BackendRedis, c.StoreBackend)
	}

	switch c.EmailProvider {
	case "log":
	case "postmark":
		if c.PostmarkToken == "" {
			return fmt.Errorf("POSTMARK_SERVER_TOKEN is required when EMAIL_PROVIDER=postmark")
		}
	case "ses":
		if c.AWSRegion == "" {
			return fmt.Errorf("AWS_REGION is required when EMAIL_PROVIDER=ses")
		}
	default:
		return fmt.Errorf("EMAIL_PROVIDER must be postmark, ses or log, got %q", c.EmailProvider)
	}
	if c.DeliveryInterval <= 0 {
		return fmt.Errorf("DELIVERY_INTERVAL must be greater than 0, got %s", c.DeliveryInterval)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultInt64(key string, fallback int64) (int64, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

// envOrDefaultDuration accepts Go durations ("45s") or bare seconds ("45").
func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	return d, nil
}
