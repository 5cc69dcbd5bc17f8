package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/reportanalyzer/billing/internal/entitlement"
	billingerrors "github.com/reportanalyzer/billing/internal/errors"
	"github.com/reportanalyzer/billing/internal/identity"
	"github.com/reportanalyzer/billing/internal/logging"
	"github.com/reportanalyzer/billing/internal/metrics"
	"github.com/reportanalyzer/billing/internal/razorpay"
)

// DefaultFetchTimeout bounds the order lookup used as the last identity fallback.
const DefaultFetchTimeout = 10 * time.Second

// Outcome is the terminal state of one verified delivery.
type Outcome string

const (
	OutcomeApplied     Outcome = "applied"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeIgnored     Outcome = "ignored"
	OutcomeMalformed   Outcome = "malformed"
	OutcomeNoIdentity  Outcome = "no_identity"
	OutcomeNoUID       Outcome = "no_uid"
	OutcomeStoreFailed Outcome = "store_failed"
)

// Identity extraction paths, in priority order.
const (
	SourceNotes        = "notes"
	SourcePaymentEmail = "payment_email"
	SourceOrderFetch   = "order_fetch"
)

// Store is the slice of the entitlement store the ingestor writes through.
type Store interface {
	UIDByEmail(ctx context.Context, email string) (string, error)
	UpdateEntitlement(ctx context.Context, uid string, patch entitlement.Patch) error
	IsPaymentProcessed(ctx context.Context, key string) (bool, error)
	MarkPaymentProcessed(ctx context.Context, key, uid string, at time.Time) error
}

// Directory is the authoritative email to uid lookup.
type Directory interface {
	UIDByEmail(ctx context.Context, email string) (string, error)
}

// OrderFetcher loads an order when the event itself carries no email.
type OrderFetcher interface {
	FetchOrder(ctx context.Context, id string) (*razorpay.Order, error)
}

// Result describes what happened to one delivery.
type Result struct {
	Outcome    Outcome `json:"outcome"`
	EventType  string  `json:"event_type,omitempty"`
	Email      string  `json:"-"`
	UID        string  `json:"-"`
	Source     string  `json:"-"`
	PaymentKey string  `json:"-"`
	// Err is set for the identity outcomes, carrying KindIdentityUnresolvable.
	Err error `json:"-"`
}

// Processor turns a verified webhook body into at most one upgrade write.
// It holds no mutable state and is safe for concurrent use.
type Processor struct {
	store        Store
	directory    Directory
	fetcher      OrderFetcher
	fetchTimeout time.Duration
	now          func() time.Time
}

// NewProcessor creates a Processor. directory and fetcher may be nil.
func NewProcessor(store Store, directory Directory, fetcher OrderFetcher, fetchTimeout time.Duration) *Processor {
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	return &Processor{
		store:        store,
		directory:    directory,
		fetcher:      fetcher,
		fetchTimeout: fetchTimeout,
		now:          time.Now,
	}
}

// Process handles a body whose signature has already been verified.
// eventType is the header value and may be empty.
func (p *Processor) Process(ctx context.Context, eventType string, body []byte) Result {
	logger := logging.FromContext(ctx)
	res := p.process(ctx, eventType, body)
	metrics.WebhookOutcomes.WithLabelValues(string(res.Outcome)).Inc()

	evt := logger.Info()
	switch res.Outcome {
	case OutcomeStoreFailed:
		evt = logger.Error()
	case OutcomeMalformed, OutcomeNoIdentity, OutcomeNoUID:
		evt = logger.Warn()
	}
	if res.Err != nil {
		evt = evt.Err(res.Err).Str("kind", string(billingerrors.KindOf(res.Err)))
	}
	evt.Str("event_type", res.EventType).
		Str("outcome", string(res.Outcome)).
		Str("email", res.Email).
		Str("uid", res.UID).
		Str("identity_source", res.Source).
		Str("payment_key", res.PaymentKey).
		Msg("Payment webhook processed")
	return res
}

func (p *Processor) process(ctx context.Context, headerType string, body []byte) Result {
	logger := logging.FromContext(ctx)

	var ev razorpay.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		logger.Warn().Err(err).Msg("Payment webhook body is not valid JSON")
		return Result{Outcome: OutcomeMalformed, EventType: headerType}
	}

	eventType := strings.TrimSpace(headerType)
	if eventType == "" {
		eventType = strings.TrimSpace(ev.Event)
	}
	res := Result{EventType: eventType}
	if !razorpay.IsActionable(eventType) {
		res.Outcome = OutcomeIgnored
		return res
	}

	payment := ev.PaymentEntity()
	order := ev.OrderEntity()
	res.PaymentKey = paymentKey(payment, order)

	if res.PaymentKey != "" {
		done, err := p.store.IsPaymentProcessed(ctx, res.PaymentKey)
		switch {
		case err != nil:
			logger.Warn().Err(err).Str("payment_key", res.PaymentKey).
				Msg("Processed-payment ledger unavailable; applying upgrade anyway")
		case done:
			res.Outcome = OutcomeDuplicate
			return res
		}
	}

	res.Email, res.Source = p.extractEmail(ctx, payment, order)
	if res.Email == "" {
		res.Outcome = OutcomeNoIdentity
		res.Err = billingerrors.New(billingerrors.KindIdentityUnresolvable, "extract_payer_email",
			errors.New("no payer email in notes, payment or order")).WithSubject(res.PaymentKey)
		return res
	}
	metrics.IdentitySources.WithLabelValues(res.Source).Inc()

	res.UID = p.resolveUID(ctx, res.Email)
	if res.UID == "" {
		res.Outcome = OutcomeNoUID
		res.Err = billingerrors.New(billingerrors.KindIdentityUnresolvable, "resolve_uid",
			fmt.Errorf("no user registered for %s", res.Email)).WithSubject(res.PaymentKey)
		return res
	}

	now := p.now()
	if err := p.store.UpdateEntitlement(ctx, res.UID, entitlement.UpgradePatch(now, res.Email)); err != nil {
		logger.Error().Err(err).
			Str("uid", res.UID).
			Str("email", res.Email).
			Str("payment_key", res.PaymentKey).
			Msg("Upgrade write failed; payment needs manual reconciliation")
		res.Outcome = OutcomeStoreFailed
		return res
	}

	if res.PaymentKey != "" {
		if err := p.store.MarkPaymentProcessed(ctx, res.PaymentKey, res.UID, now); err != nil {
			logger.Warn().Err(err).Str("payment_key", res.PaymentKey).
				Msg("Failed to record processed payment")
		}
	}
	res.Outcome = OutcomeApplied
	return res
}

// paymentKey identifies the purchase for the ledger. order.paid and
// payment.captured for the same purchase share the order id.
func paymentKey(payment *razorpay.Payment, order *razorpay.Order) string {
	if order != nil && strings.TrimSpace(order.ID) != "" {
		return "order:" + strings.TrimSpace(order.ID)
	}
	if payment != nil {
		if id := strings.TrimSpace(payment.OrderID); id != "" {
			return "order:" + id
		}
		if id := strings.TrimSpace(payment.ID); id != "" {
			return "payment:" + id
		}
	}
	return ""
}

func (p *Processor) extractEmail(ctx context.Context, payment *razorpay.Payment, order *razorpay.Order) (string, string) {
	if order != nil {
		if email := validEmail(order.Notes.Get(razorpay.NoteUserEmail)); email != "" {
			return email, SourceNotes
		}
	}
	if payment != nil {
		if email := validEmail(payment.Notes.Get(razorpay.NoteUserEmail)); email != "" {
			return email, SourceNotes
		}
		if email := validEmail(payment.Email); email != "" {
			return email, SourcePaymentEmail
		}
	}

	orderID := ""
	if order != nil {
		orderID = strings.TrimSpace(order.ID)
	}
	if orderID == "" && payment != nil {
		orderID = strings.TrimSpace(payment.OrderID)
	}
	if orderID == "" || p.fetcher == nil {
		return "", ""
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()
	fetched, err := p.fetcher.FetchOrder(fetchCtx, orderID)
	if err != nil {
		logging.FromContext(ctx).Warn().Err(err).Str("order_id", orderID).
			Msg("Order lookup for payer identity failed")
		return "", ""
	}
	if email := validEmail(fetched.Notes.Get(razorpay.NoteUserEmail)); email != "" {
		return email, SourceOrderFetch
	}
	if email := validEmail(fetched.Receipt); email != "" {
		return email, SourceOrderFetch
	}
	return "", ""
}

// resolveUID asks the directory first and the store's email index second.
// When both answer and disagree, the directory wins.
func (p *Processor) resolveUID(ctx context.Context, email string) string {
	logger := logging.FromContext(ctx)

	var dirUID string
	if p.directory != nil {
		uid, err := p.directory.UIDByEmail(ctx, email)
		switch {
		case err == nil:
			dirUID = uid
		case errors.Is(err, identity.ErrNotFound):
		default:
			logger.Warn().Err(err).Str("email", email).Msg("Identity directory lookup failed")
		}
	}

	storeUID, err := p.store.UIDByEmail(ctx, email)
	if err != nil && !errors.Is(err, entitlement.ErrRecordNotFound) {
		logger.Warn().Err(err).Str("email", email).Msg("Entitlement email index lookup failed")
	}

	if dirUID != "" && storeUID != "" && dirUID != storeUID {
		metrics.UIDDivergence.Inc()
		logger.Warn().
			Str("email", email).
			Str("directory_uid", dirUID).
			Str("store_uid", storeUID).
			Msg("Identity directory and entitlement index disagree; using directory")
	}
	if dirUID != "" {
		return dirUID
	}
	return storeUID
}

// validEmail returns the normalized address, or "" when s cannot be one.
// Receipts may be truncated, so a missing domain disqualifies them.
func validEmail(s string) string {
	email := entitlement.NormalizeEmail(s)
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return ""
	}
	return email
}
