package billing

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reportanalyzer/billing/internal/delivery"
	"github.com/reportanalyzer/billing/internal/entitlement"
	"github.com/reportanalyzer/billing/internal/identity"
	"github.com/reportanalyzer/billing/internal/logging"
	"github.com/reportanalyzer/billing/internal/orders"
	"github.com/reportanalyzer/billing/internal/razorpay"
	"github.com/reportanalyzer/billing/internal/store"
	"github.com/reportanalyzer/billing/internal/webhook"
)

// Run starts the billing HTTP server and the delivery worker with graceful
// shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "billing",
	})
	log.Info().Str("version", version).Str("store", cfg.StoreBackend).Msg("Starting billing service")

	if err := os.MkdirAll(cfg.StoreDir(), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	backend, err := store.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer backend.Close()

	directory, closeDirectory, err := openDirectory(backend, cfg)
	if err != nil {
		return err
	}
	defer closeDirectory()

	gateway := razorpay.NewClient(razorpay.Config{
		BaseURL:   cfg.RazorpayBaseURL,
		KeyID:     cfg.RazorpayKeyID,
		KeySecret: cfg.RazorpayKeySecret,
	})
	issuer, err := orders.NewIssuer(gateway, orders.Config{
		Price:        cfg.ProPrice,
		Timeout:      cfg.OrderTimeout,
		RetryTimeout: cfg.OrderRetryTimeout,
	})
	if err != nil {
		return fmt.Errorf("init order issuer: %w", err)
	}
	log.Info().
		Int64("amount", issuer.Amount()).
		Str("currency", orders.DefaultCurrency).
		Msg("Order issuer configured")
	if cfg.RazorpayWebhookSecret == "" {
		log.Warn().Msg("RZP_WEBHOOK_SECRET not set; webhook endpoint will answer 503")
	}
	processor := webhook.NewProcessor(backend, directory, gateway, cfg.OrderFetchTimeout)

	sender, err := newSender(ctx, cfg)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Config:     cfg,
		Store:      backend,
		Deliveries: backend,
		Directory:  directory,
		Entitlements: entitlement.NewService(backend, entitlement.Policy{
			FreeQuota:  cfg.FreeQuota,
			ProQuota:   cfg.ProQuota,
			AdminEmail: cfg.AdminEmail,
			AdminUID:   cfg.AdminUID,
		}),
		Orders:  issuer,
		Webhook: newWebhookHandler(cfg.RazorpayWebhookSecret, processor),
		Version: version,
	})

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(mux),
		ReadHeaderTimeout: 15 * time.Second,
		// Order creation may spend a full attempt plus the retry.
		WriteTimeout: cfg.OrderTimeout + cfg.OrderRetryTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	worker := delivery.NewWorker(backend, sender, delivery.WorkerConfig{
		From:     cfg.EmailFrom,
		Interval: cfg.DeliveryInterval,
	})
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	go func() {
		log.Info().Str("addr", addr).Msg("Billing service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
			cancel()
		}
	}()

	waitForShutdown(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	<-workerDone
	log.Info().Msg("Billing service stopped")
	return nil
}

// RunWorker runs only the scheduled delivery worker. With once set it drains
// the due deliveries a single time and returns.
func RunWorker(ctx context.Context, version string, once bool) error {
	cfg, err := LoadWorkerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "delivery-worker",
	})
	log.Info().Str("version", version).Msg("Starting delivery worker")

	if err := os.MkdirAll(cfg.StoreDir(), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	backend, err := store.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer backend.Close()

	sender, err := newSender(ctx, cfg)
	if err != nil {
		return err
	}
	worker := delivery.NewWorker(backend, sender, delivery.WorkerConfig{
		From:     cfg.EmailFrom,
		Interval: cfg.DeliveryInterval,
	})

	if once {
		stats, err := worker.RunOnce(ctx)
		if err != nil {
			return fmt.Errorf("deliver: %w", err)
		}
		log.Info().
			Int("deliveries", stats.Deliveries).
			Int("sent", stats.Sent).
			Int("failed", stats.Failed).
			Msg("Delivery run complete")
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		waitForShutdown(ctx)
		cancel()
	}()
	worker.Run(ctx)
	return nil
}

func waitForShutdown(ctx context.Context) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}
}

// openDirectory reuses the SQLite handle when the store is SQLite and
// otherwise opens a dedicated SQLite file for the identity directory.
func openDirectory(backend store.Backend, cfg *Config) (*identity.SQLDirectory, func(), error) {
	var db *sql.DB
	closeFn := func() {}
	if s, ok := backend.(*store.SQLite); ok {
		db = s.DB()
	} else {
		s, err := store.OpenSQLite(cfg.StoreDir())
		if err != nil {
			return nil, nil, fmt.Errorf("open identity database: %w", err)
		}
		db = s.DB()
		closeFn = func() { _ = s.Close() }
	}
	dir, err := identity.NewSQLDirectory(db)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("init identity directory: %w", err)
	}
	return dir, closeFn, nil
}

// newSender picks the email provider. log is the fallback for development.
func newSender(ctx context.Context, cfg *Config) (delivery.Sender, error) {
	switch cfg.EmailProvider {
	case "postmark":
		log.Info().Msg("Email sender configured (Postmark)")
		return delivery.NewPostmarkSender(cfg.PostmarkToken, cfg.PostmarkBaseURL), nil
	case "ses":
		s, err := delivery.NewSESSender(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, fmt.Errorf("init ses sender: %w", err)
		}
		log.Info().Str("region", cfg.AWSRegion).Msg("Email sender configured (SES)")
		return s, nil
	default:
		log.Info().Msg("Email sender: log-only (set EMAIL_PROVIDER to enable)")
		return delivery.NewLogSender(func(to, subject string, attachments int) {
			log.Info().
				Str("to", to).
				Str("subject", subject).
				Int("attachments", attachments).
				Msg("Email (log-only, no email provider configured)")
		}), nil
	}
}
