package billing

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/reportanalyzer/billing/internal/webhook"
)

const (
	defaultWebhookRateLimit  = 120
	defaultWebhookRateWindow = time.Minute
)

// RateLimiter caps hits per client IP inside a sliding window. The webhook
// handler feeds it failed signature checks only.
type RateLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time

	lastSweep time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = defaultWebhookRateLimit
	}
	if window <= 0 {
		window = defaultWebhookRateWindow
	}
	return &RateLimiter{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records a request from ip. When the window is full it returns false
// and how long until the oldest hit expires.
func (rl *RateLimiter) Allow(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)
	rl.sweep(now, cutoff)

	kept := rl.hits[ip][:0]
	for _, t := range rl.hits[ip] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= rl.limit {
		rl.hits[ip] = kept
		return false, kept[0].Sub(cutoff)
	}
	rl.hits[ip] = append(kept, now)
	return true, 0
}

// sweep drops idle clients once per window so the map stays bounded by the
// number of recently active IPs. Callers hold mu.
func (rl *RateLimiter) sweep(now, cutoff time.Time) {
	if now.Sub(rl.lastSweep) < rl.window {
		return
	}
	rl.lastSweep = now
	for ip, hits := range rl.hits {
		if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
			delete(rl.hits, ip)
		}
	}
}

// clientIP keys the limiter on the connection's peer address. Forwarding
// headers are client-controlled and never used.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// newWebhookHandler builds the gateway webhook handler with a per-IP limit on
// deliveries that fail signature verification.
func newWebhookHandler(secret string, processor *webhook.Processor) *webhook.Handler {
	limiter := NewRateLimiter(defaultWebhookRateLimit, defaultWebhookRateWindow)
	return webhook.NewHandler(secret, processor).LimitFailures(limiter, clientIP)
}
