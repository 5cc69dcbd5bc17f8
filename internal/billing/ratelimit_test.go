package billing

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterAllowThenReject(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := rl.Allow("203.0.113.10"); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	ok, wait := rl.Allow("203.0.113.10")
	if ok {
		t.Fatal("third request should be rejected")
	}
	if wait != time.Minute {
		t.Fatalf("wait = %s, want 1m", wait)
	}
	if ok, _ := rl.Allow("203.0.113.11"); !ok {
		t.Fatal("other clients have their own window")
	}

	now = now.Add(61 * time.Second)
	if ok, _ := rl.Allow("203.0.113.10"); !ok {
		t.Fatal("request after the window should be allowed")
	}
}

func TestRateLimiterSweepsIdleClients(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("198.51.100.1")
	rl.Allow("198.51.100.2")
	now = now.Add(2 * time.Minute)
	rl.Allow("198.51.100.3")

	if len(rl.hits) != 1 {
		t.Fatalf("tracked clients = %d, want 1", len(rl.hits))
	}
}

func TestClientIPIgnoresForwardingHeaders(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{name: "forwarded-chain", header: map[string]string{"X-Forwarded-For": "203.0.113.9, 10.0.0.1"}, remote: "127.0.0.1:9999", want: "127.0.0.1"},
		{name: "real-ip", header: map[string]string{"X-Real-IP": "203.0.113.7"}, remote: "127.0.0.1:9999", want: "127.0.0.1"},
		{name: "remote-addr", remote: "192.0.2.4:5555", want: "192.0.2.4"},
		{name: "remote-without-port", remote: "192.0.2.4", want: "192.0.2.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			if got := clientIP(req); got != tt.want {
				t.Fatalf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
