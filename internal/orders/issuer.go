package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/reportanalyzer/billing/internal/entitlement"
	billingerrors "github.com/reportanalyzer/billing/internal/errors"
	"github.com/reportanalyzer/billing/internal/metrics"
	"github.com/reportanalyzer/billing/internal/razorpay"
)

const (
	DefaultTimeout      = 45 * time.Second
	DefaultRetryTimeout = 15 * time.Second
	DefaultCurrency     = "INR"
)

// Gateway is the slice of the payment gateway client the issuer needs.
type Gateway interface {
	CreateOrder(ctx context.Context, req razorpay.OrderRequest) (*razorpay.Order, error)
}

// Config configures an Issuer.
type Config struct {
	// Price is the pro price in major currency units (rupees).
	Price        decimal.Decimal
	Currency     string
	Timeout      time.Duration
	RetryTimeout time.Duration
}

// Order is what the client needs to open checkout.
type Order struct {
	ID       string `json:"order_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// Issuer creates gateway orders tagged with the buyer's identity.
type Issuer struct {
	gateway Gateway
	cfg     Config
	amount  int64
}

// NewIssuer validates the price and creates an Issuer.
func NewIssuer(gateway Gateway, cfg Config) (*Issuer, error) {
	if gateway == nil {
		return nil, fmt.Errorf("orders: gateway is required")
	}
	if cfg.Currency == "" {
		cfg.Currency = DefaultCurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = DefaultRetryTimeout
	}
	amount, err := MinorUnits(cfg.Price)
	if err != nil {
		return nil, err
	}
	return &Issuer{gateway: gateway, cfg: cfg, amount: amount}, nil
}

// Amount is the configured price in minor units.
func (i *Issuer) Amount() int64 {
	return i.amount
}

// MinorUnits converts a major-unit price to the gateway's minor units (paise).
func MinorUnits(price decimal.Decimal) (int64, error) {
	if !price.IsPositive() {
		return 0, fmt.Errorf("orders: price must be positive, got %s", price.String())
	}
	minor := price.Shift(2)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("orders: price %s has more than two decimal places", price.String())
	}
	return minor.IntPart(), nil
}

// CreateOrder issues one order for id. Only a timeout earns a retry, and only
// one; every other failure is returned immediately.
func (i *Issuer) CreateOrder(ctx context.Context, id entitlement.Identity) (*Order, error) {
	email := entitlement.NormalizeEmail(id.Email)
	uid := strings.TrimSpace(id.UID)
	if email == "" {
		return nil, billingerrors.InvalidInput("create_order", "email is required")
	}

	req := razorpay.OrderRequest{
		Amount:         i.amount,
		Currency:       i.cfg.Currency,
		Receipt:        razorpay.TruncateReceipt(email),
		PaymentCapture: 1,
		Notes: map[string]string{
			razorpay.NoteUserEmail: email,
			razorpay.NoteUserID:    uid,
		},
	}

	timeouts := []time.Duration{i.cfg.Timeout, i.cfg.RetryTimeout}
	var lastErr error
	for attempt, timeout := range timeouts {
		order, err := i.attempt(ctx, req, timeout)
		label := strconv.Itoa(attempt + 1)
		if err == nil {
			metrics.OrderAttempts.WithLabelValues(label, "ok").Inc()
			log.Info().
				Str("order_id", order.ID).
				Str("uid", uid).
				Int("attempt", attempt+1).
				Msg("Payment order created")
			out := &Order{ID: order.ID, Amount: order.Amount, Currency: order.Currency}
			if out.Amount == 0 {
				out.Amount = i.amount
			}
			if out.Currency == "" {
				out.Currency = i.cfg.Currency
			}
			return out, nil
		}
		lastErr = err

		if !razorpay.IsTimeout(err) || ctx.Err() != nil {
			metrics.OrderAttempts.WithLabelValues(label, "failed").Inc()
			return nil, classify(err)
		}
		metrics.OrderAttempts.WithLabelValues(label, "timeout").Inc()
		log.Warn().
			Err(err).
			Str("uid", uid).
			Int("attempt", attempt+1).
			Dur("timeout", timeout).
			Msg("Payment order creation timed out")
	}

	return nil, billingerrors.WrapGatewayError(billingerrors.KindGatewayTimeout, "create_order", lastErr, 0)
}

func (i *Issuer) attempt(ctx context.Context, req razorpay.OrderRequest, timeout time.Duration) (*razorpay.Order, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return i.gateway.CreateOrder(attemptCtx, req)
}

func classify(err error) error {
	var apiErr *razorpay.APIError
	switch {
	case errors.As(err, &apiErr):
		return billingerrors.WrapGatewayError(billingerrors.KindGatewayBadResponse, "create_order", err, apiErr.StatusCode)
	case errors.Is(err, razorpay.ErrBadResponse):
		return billingerrors.WrapGatewayError(billingerrors.KindGatewayBadResponse, "create_order", err, 0)
	default:
		return billingerrors.WrapGatewayError(billingerrors.KindGatewayUnavailable, "create_order", err, 0)
	}
}
