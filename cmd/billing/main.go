package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/reportanalyzer/billing/internal/billing"
	"github.com/reportanalyzer/billing/internal/client"
	"github.com/reportanalyzer/billing/internal/entitlement"
	"github.com/reportanalyzer/billing/internal/reconcile"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "billing",
		Short:        "Payment and entitlement service for report quotas",
		Long:         `billing issues payment orders, ingests gateway webhooks, resolves per-user entitlements and sends scheduled report emails.`,
		Version:      Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return billing.Run(cmd.Context(), Version)
		},
	}
	root.AddCommand(newServeCmd(), newDeliverCmd(), newWatchCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook endpoint and delivery worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return billing.Run(cmd.Context(), Version)
		},
	}
}

func newDeliverCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Run only the scheduled delivery worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return billing.RunWorker(cmd.Context(), Version, once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "send due deliveries once and exit")
	return cmd
}

type watchOptions struct {
	url       string
	apiKey    string
	uid       string
	email     string
	knownTier string
	interval  time.Duration
	attempts  int
}

func newWatchCmd() *cobra.Command {
	opts := watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll an entitlement after checkout until the upgrade is visible",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(opts.uid) == "" {
				return fmt.Errorf("--uid is required")
			}
			if opts.apiKey == "" {
				opts.apiKey = os.Getenv("BILLING_API_KEY")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.url, "url", "http://localhost:8080", "billing API base URL")
	f.StringVar(&opts.apiKey, "api-key", "", "API key (defaults to $BILLING_API_KEY)")
	f.StringVar(&opts.uid, "uid", "", "user id to watch")
	f.StringVar(&opts.email, "email", "", "user email")
	f.StringVar(&opts.knownTier, "known-tier", string(entitlement.TierFree), "tier the user saw before checkout")
	f.DurationVar(&opts.interval, "interval", reconcile.DefaultInterval, "time between checks")
	f.IntVar(&opts.attempts, "attempts", reconcile.DefaultMaxAttempts, "maximum number of checks")
	return cmd
}

func runWatch(ctx context.Context, cmd *cobra.Command, opts watchOptions) error {
	out := cmd.OutOrStdout()
	api := client.New(opts.url, opts.apiKey)
	sess := entitlement.Session{
		Identity:  entitlement.Identity{UID: opts.uid, Email: opts.email},
		KnownTier: entitlement.Tier(strings.ToLower(opts.knownTier)),
	}

	poller := reconcile.New(opts.interval, opts.attempts)
	poller.OnAttempt = func(attempt int, view entitlement.View, err error) {
		if err != nil {
			fmt.Fprintf(out, "check %d/%d failed: %v\n", attempt, poller.MaxAttempts, err)
			return
		}
		// Later checks report against what this one saw.
		sess.Observe(view)
		fmt.Fprintf(out, "check %d/%d: tier=%s remaining=%d\n", attempt, poller.MaxAttempts, view.Tier, view.Remaining)
	}

	res, err := poller.Run(ctx, func(ctx context.Context) (entitlement.View, error) {
		return api.Entitlement(ctx, sess)
	})
	if err != nil {
		return err
	}

	switch res.Outcome {
	case reconcile.OutcomeUpgraded:
		if res.View.JustUpgraded {
			fmt.Fprintln(out, "Payment received: your plan was just upgraded")
		}
		fmt.Fprintf(out, "Upgrade confirmed: %s, %d of %d remaining\n", res.View.Tier, res.View.Remaining, res.View.Quota)
	case reconcile.OutcomeUnlimited:
		fmt.Fprintf(out, "Unlimited access (%s); nothing to confirm\n", res.View.Tier)
	case reconcile.OutcomeCanceled:
		fmt.Fprintln(out, "Stopped before the upgrade was confirmed")
	default:
		fmt.Fprintf(out, "Payment not confirmed after %d checks; it can take a few minutes to appear\n", res.Attempts)
		if res.LastErr != nil {
			fmt.Fprintf(out, "last error: %v\n", res.LastErr)
		}
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "billing %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
