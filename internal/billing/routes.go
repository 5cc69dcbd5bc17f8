package billing

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/reportanalyzer/billing/internal/delivery"
	"github.com/reportanalyzer/billing/internal/entitlement"
	billingerrors "github.com/reportanalyzer/billing/internal/errors"
	"github.com/reportanalyzer/billing/internal/identity"
	"github.com/reportanalyzer/billing/internal/logging"
	"github.com/reportanalyzer/billing/internal/metrics"
	"github.com/reportanalyzer/billing/internal/orders"
)

const (
	apiBodyLimit = 1024 * 1024 // 1 MiB

	headerUserID    = "X-User-ID"
	headerUserEmail = "X-User-Email"
	headerAPIKey    = "X-API-Key"
	headerRequestID = "X-Request-ID"
)

// Pinger reports backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DeliveryScheduler queues scheduled deliveries.
type DeliveryScheduler interface {
	AddDelivery(ctx context.Context, d *delivery.Delivery) error
}

// Registrar records sign-ups in the identity directory.
type Registrar interface {
	Register(ctx context.Context, uid, email string) (*identity.User, error)
}

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config       *Config
	Store        Pinger
	Deliveries   DeliveryScheduler
	Directory    Registrar
	Entitlements *entitlement.Service
	Orders       *orders.Issuer
	Webhook      http.Handler
	Version      string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	apiAuth := func(next http.Handler) http.Handler {
		return apiKeyMiddleware(deps.Config.APIKey, next)
	}
	route := func(pattern, name string, h http.HandlerFunc) {
		mux.Handle(pattern, apiAuth(instrument(name, h)))
	}

	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", handleReadyz(deps.Store))
	mux.Handle("GET /metrics", apiAuth(promhttp.Handler()))

	route("GET /api/entitlement", "entitlement", handleGetEntitlement(deps))
	route("POST /api/entitlement/check", "entitlement_check", handleCheckEntitlement(deps))
	route("POST /api/usage", "usage", handleIncrementUsage(deps))
	route("POST /api/orders", "orders", handleCreateOrder(deps))
	route("POST /api/users", "users", handleRegisterUser(deps))
	route("POST /api/deliveries", "deliveries", handleScheduleDelivery(deps))

	// Signature-authenticated, not API-key authenticated.
	mux.Handle("POST /webhooks/razorpay", deps.Webhook)
}

// Handler wraps the mux with request-scoped logging.
func Handler(mux *http.ServeMux) http.Handler {
	return requestIDMiddleware(mux)
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Retry   bool   `json:"retry,omitempty"`
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billing: encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, retry bool) {
	writeJSON(w, status, apiError{Error: code, Message: message, Retry: retry})
}

// writeServiceError maps a typed billing error onto the API surface.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := billingerrors.HTTPStatus(err)
	kind := string(billingerrors.KindOf(err))
	if kind == "" {
		kind = "internal"
	}
	// Upstream and store details stay in the logs.
	msg := err.Error()
	if status >= 500 {
		msg = strings.ToLower(http.StatusText(status))
	}
	logger := logging.FromContext(r.Context())
	if status >= 500 {
		logger.Error().Err(err).Str("kind", kind).Str("path", r.URL.Path).Msg("Request failed")
	} else {
		logger.Debug().Err(err).Str("kind", kind).Str("path", r.URL.Path).Msg("Request rejected")
	}
	writeError(w, status, kind, msg, billingerrors.IsRetryable(err))
}

func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(headerAPIKey))
		if key == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}
		if key == "" || apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "", false)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := logging.WithRequestID(r.Context(), r.Header.Get(headerRequestID))
		w.Header().Set(headerRequestID, id)
		if !logging.IsLevelEnabled(zerolog.DebugLevel) {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		logging.FromContext(ctx).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func instrument(name string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			metrics.APIRequestsTotal.WithLabelValues(name, strconv.Itoa(rec.status)).Inc()
		}()
		next(rec, r)
	})
}

// sessionFromRequest builds the per-request session from the identity
// headers set by the trusted session layer. known_tier is what the client
// last displayed.
func sessionFromRequest(r *http.Request) entitlement.Session {
	return entitlement.Session{
		Identity: entitlement.Identity{
			UID:   strings.TrimSpace(r.Header.Get(headerUserID)),
			Email: entitlement.NormalizeEmail(r.Header.Get(headerUserEmail)),
		},
		KnownTier: parseKnownTier(r.URL.Query().Get("known_tier")),
	}
}

func parseKnownTier(raw string) entitlement.Tier {
	switch t := entitlement.Tier(strings.ToLower(strings.TrimSpace(raw))); t {
	case entitlement.TierFree, entitlement.TierPro, entitlement.TierAdmin:
		return t
	default:
		return ""
	}
}

// decodeOptionalJSON decodes a JSON body into dst. An empty body leaves dst
// untouched.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, apiBodyLimit)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return billingerrors.InvalidInput("decode_request", "invalid JSON body: %v", err)
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleReadyz(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		if p == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("Readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

func handleGetEntitlement(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := deps.Entitlements.Resolve(r.Context(), sessionFromRequest(r))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

type checkResponse struct {
	Allowed     bool             `json:"allowed"`
	Entitlement entitlement.View `json:"entitlement"`
}

type quotaExceededResponse struct {
	apiError
	Entitlement entitlement.View `json:"entitlement"`
}

func handleCheckEntitlement(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := deps.Entitlements.Authorize(r.Context(), sessionFromRequest(r))
		if billingerrors.KindOf(err) == billingerrors.KindQuotaExceeded {
			writeJSON(w, http.StatusPaymentRequired, quotaExceededResponse{
				apiError: apiError{
					Error:   string(billingerrors.KindQuotaExceeded),
					Message: "quota exhausted; upgrade to continue",
				},
				Entitlement: view,
			})
			return
		}
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, checkResponse{Allowed: true, Entitlement: view})
	}
}

type usageRequest struct {
	KnownUsage int64 `json:"known_usage"`
}

type usageResponse struct {
	UsageCount int64 `json:"usage_count"`
	Persisted  bool  `json:"persisted"`
}

// handleIncrementUsage meters a completed action. A store failure still
// answers 200 with persisted=false; the action already happened.
func handleIncrementUsage(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req usageRequest
		if err := decodeOptionalJSON(w, r, &req); err != nil {
			writeServiceError(w, r, err)
			return
		}
		sess := sessionFromRequest(r)
		if req.KnownUsage > 0 {
			sess.KnownUsage = req.KnownUsage
		}

		count, err := deps.Entitlements.IncrementUsage(r.Context(), sess)
		if err != nil && billingerrors.KindOf(err) != billingerrors.KindStoreUnavailable {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, usageResponse{UsageCount: count, Persisted: err == nil})
	}
}

type orderResponse struct {
	*orders.Order
	KeyID string `json:"key_id"`
}

func handleCreateOrder(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := sessionFromRequest(r)
		order, err := deps.Orders.CreateOrder(r.Context(), sess.Identity)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, orderResponse{Order: order, KeyID: deps.Config.RazorpayKeyID})
	}
}

type userResponse struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
}

// handleRegisterUser records a sign-up: directory entry first, then the
// default entitlement record.
func handleRegisterUser(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := sessionFromRequest(r).Identity
		if id.UID == "" || id.Email == "" {
			writeServiceError(w, r, billingerrors.InvalidInput("register_user", "%s and %s headers are required", headerUserID, headerUserEmail))
			return
		}

		user, err := deps.Directory.Register(r.Context(), id.UID, id.Email)
		if err != nil {
			writeServiceError(w, r, billingerrors.WrapStoreError("register_user", id.UID, err))
			return
		}
		if err := deps.Entitlements.Register(r.Context(), id); err != nil {
			writeServiceError(w, r, err)
			return
		}
		logging.FromContext(r.Context()).Info().Str("uid", user.ID).Msg("User registered")
		writeJSON(w, http.StatusCreated, userResponse{UID: user.ID, Email: user.Email})
	}
}

type deliveryRequest struct {
	DueAt       time.Time             `json:"due_at"`
	Title       string                `json:"title"`
	Body        string                `json:"body"`
	Recipients  []string              `json:"recipients"`
	Attachments []delivery.Attachment `json:"attachments"`
}

type deliveryResponse struct {
	ID    string    `json:"id"`
	DueAt time.Time `json:"due_at"`
}

func handleScheduleDelivery(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := sessionFromRequest(r).Identity.UID
		if uid == "" {
			writeServiceError(w, r, billingerrors.InvalidInput("schedule_delivery", "%s header is required", headerUserID))
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, apiBodyLimit)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, string(billingerrors.KindInvalidInput), "failed to read request body", false)
			return
		}
		if err := validateDeliveryRequest(body); err != nil {
			writeServiceError(w, r, billingerrors.InvalidInput("schedule_delivery", "%v", err))
			return
		}
		var req deliveryRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeServiceError(w, r, billingerrors.InvalidInput("schedule_delivery", "invalid JSON body: %v", err))
			return
		}

		d, err := delivery.New(uid, req.DueAt, req.Title, req.Body, req.Recipients, req.Attachments)
		if err != nil {
			writeServiceError(w, r, billingerrors.InvalidInput("schedule_delivery", "%v", err))
			return
		}
		if err := deps.Deliveries.AddDelivery(r.Context(), d); err != nil {
			writeServiceError(w, r, billingerrors.WrapStoreError("schedule_delivery", uid, err))
			return
		}
		logging.FromContext(r.Context()).Info().
			Str("uid", uid).
			Str("delivery_id", d.ID).
			Time("due_at", d.DueAt).
			Int("recipients", len(d.Recipients)).
			Msg("Delivery scheduled")
		writeJSON(w, http.StatusCreated, deliveryResponse{ID: d.ID, DueAt: d.DueAt})
	}
}
