package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	billingerrors "github.com/reportanalyzer/billing/internal/errors"
	"github.com/reportanalyzer/billing/internal/logging"
	"github.com/reportanalyzer/billing/internal/metrics"
	"github.com/reportanalyzer/billing/internal/razorpay"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// FailureLimiter throttles a sender key. Allow records one hit.
type FailureLimiter interface {
	Allow(key string) (bool, time.Duration)
}

// Handler verifies gateway webhooks and hands them to a Processor.
type Handler struct {
	secret    string
	processor *Processor

	limiter  FailureLimiter
	limitKey func(*http.Request) string
}

type errorResponse struct {
	Error string `json:"error"`
}

type receivedResponse struct {
	Received bool    `json:"received"`
	Outcome  Outcome `json:"outcome"`
}

// NewHandler creates the webhook HTTP handler.
func NewHandler(secret string, processor *Processor) *Handler {
	return &Handler{
		secret:    strings.TrimSpace(secret),
		processor: processor,
	}
}

// LimitFailures throttles senders that keep failing signature verification.
// Only failed deliveries are counted, so a verified delivery is never refused
// however much unsigned traffic shares its key.
func (h *Handler) LimitFailures(l FailureLimiter, key func(*http.Request) string) *Handler {
	h.limiter = l
	h.limitKey = key
	return h
}

// ServeHTTP rejects only unauthenticated deliveries. Everything that passes
// signature verification is acknowledged with 200 so the gateway does not
// retry; failures are visible in logs and metrics instead.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse{Error: "method not allowed"})
		return
	}
	if h.secret == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, errorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "failed to read request body"})
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)
	if err := h.verify(payload, r.Header.Get(razorpay.SignatureHeader)); err != nil {
		status = billingerrors.HTTPStatus(err)
		msg := "invalid signature"
		if errors.Is(err, razorpay.ErrMissingSignature) {
			msg = "missing signature"
		}
		if wait, limited := h.throttled(r); limited {
			status = http.StatusTooManyRequests
			msg = "rate_limited"
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
		}
		logger.Warn().Err(err).
			Str("kind", string(billingerrors.KindOf(err))).
			Str("event_id", r.Header.Get(razorpay.EventIDHeader)).
			Int("status", status).
			Msg("Payment webhook rejected")
		writeJSON(w, status, errorResponse{Error: msg})
		return
	}

	headerType := strings.TrimSpace(r.Header.Get(razorpay.EventHeader))
	res := h.processor.Process(ctx, headerType, payload)
	if res.EventType != "" {
		eventType = res.EventType
	}

	writeJSON(w, http.StatusOK, receivedResponse{Received: true, Outcome: res.Outcome})
}

func (h *Handler) verify(payload []byte, signature string) error {
	if err := razorpay.VerifyWebhookSignature(payload, signature, h.secret); err != nil {
		return billingerrors.New(billingerrors.KindSignatureInvalid, "verify_webhook", err)
	}
	return nil
}

// throttled records a failed delivery against the sender's key.
func (h *Handler) throttled(r *http.Request) (time.Duration, bool) {
	if h.limiter == nil || h.limitKey == nil {
		return 0, false
	}
	ok, wait := h.limiter.Allow(h.limitKey(r))
	return wait, !ok
}

func retryAfterSeconds(wait time.Duration) int {
	secs := int(wait.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("webhook: encode response")
	}
}
