package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := Version, BuildTime, GitCommit
	defer func() {
		Version, BuildTime, GitCommit = oldVersion, oldBuildTime, oldGitCommit
	}()

	Version = "1.2.3"
	BuildTime = "2026-01-01"
	GitCommit = "abcdef"

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "billing 1.2.3")
	assert.Contains(t, out, "Built: 2026-01-01")
	assert.Contains(t, out, "Commit: abcdef")
}

func TestWatchConfirmsUpgrade(t *testing.T) {
	var calls atomic.Int32
	var lastKnownTier atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastKnownTier.Store(r.URL.Query().Get("known_tier"))
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) < 3 {
			_, _ = w.Write([]byte(`{"tier":"free","quota":3,"used":3,"remaining":0}`))
			return
		}
		_, _ = w.Write([]byte(`{"tier":"pro","quota":50,"used":0,"remaining":50,"just_upgraded":true}`))
	}))
	defer srv.Close()

	out, err := execute(t, "watch", "--url", srv.URL, "--api-key", "k", "--uid", "uid-1", "--interval", "5ms", "--attempts", "5")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Contains(t, out, "check 1/5: tier=free remaining=0")
	assert.Contains(t, out, "Payment received: your plan was just upgraded")
	assert.Contains(t, out, "Upgrade confirmed: pro, 50 of 50 remaining")
	assert.Equal(t, "free", lastKnownTier.Load())
}

func TestWatchStopsForAdmin(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tier":"admin","unlimited":true}`))
	}))
	defer srv.Close()

	out, err := execute(t, "watch", "--url", srv.URL, "--api-key", "k", "--uid", "owner", "--interval", "1ms", "--attempts", "5")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, out, "Unlimited access (admin)")
	assert.NotContains(t, out, "Payment not confirmed")
}

func TestWatchGivesUpAfterAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"store_unavailable","retry":true}`))
	}))
	defer srv.Close()

	out, err := execute(t, "watch", "--url", srv.URL, "--uid", "uid-1", "--interval", "1ms", "--attempts", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "check 2/2 failed")
	assert.Contains(t, out, "Payment not confirmed after 2 checks")
	assert.Contains(t, out, "store_unavailable")
}

func TestWatchRequiresUID(t *testing.T) {
	_, err := execute(t, "watch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--uid")
}
