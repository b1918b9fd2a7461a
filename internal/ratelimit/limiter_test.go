package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryStoreSlidingWindow(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := store.Allow(ctx, "k", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}

	result, err := store.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)

	// The window slides: half a minute frees nothing, a full one does.
	clock.Advance(30 * time.Second)
	result, err = store.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	clock.Advance(31 * time.Second)
	result, err = store.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func newTestLimiter(clock *fakeClock, cfg Config) *Limiter {
	store := NewMemoryStore(WithClock(clock.Now))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewLimiter(store, cfg, "test-salt", logger, WithLimiterClock(clock.Now))
}

func doRequest(t *testing.T, h http.Handler, remoteAddr, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/auth/login/start", strings.NewReader(body))
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLimiterThrottlesByOrigin(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(clock, Config{Limit: 2, Window: time.Minute, FailurePenalty: 1})
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	assert.Equal(t, http.StatusOK, doRequest(t, h, "10.0.0.1:1234", `{}`).Code)
	assert.Equal(t, http.StatusOK, doRequest(t, h, "10.0.0.1:1234", `{}`).Code)

	rec := doRequest(t, h, "10.0.0.1:1234", `{}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// A different origin is unaffected.
	assert.Equal(t, http.StatusOK, doRequest(t, h, "10.0.0.2:1234", `{}`).Code)
}

func TestLimiterThrottlesByIdentifierAcrossOrigins(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(clock, Config{Limit: 2, Window: time.Minute, FailurePenalty: 1})
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	body := `{"username":"alice@example.com"}`
	assert.Equal(t, http.StatusOK, doRequest(t, h, "10.0.0.1:1234", body).Code)
	assert.Equal(t, http.StatusOK, doRequest(t, h, "10.0.0.2:1234", body).Code)

	// Third origin, same target account: still throttled.
	assert.Equal(t, http.StatusTooManyRequests, doRequest(t, h, "10.0.0.3:1234", body).Code)
}

func TestLimiterChargesFailuresMore(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(clock, Config{Limit: 8, Window: time.Minute, FailurePenalty: 4})
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	// Each failed attempt costs 4 of the 8-request budget.
	assert.Equal(t, http.StatusUnauthorized, doRequest(t, h, "10.0.0.1:1234", `{}`).Code)
	assert.Equal(t, http.StatusUnauthorized, doRequest(t, h, "10.0.0.1:1234", `{}`).Code)
	assert.Equal(t, http.StatusTooManyRequests, doRequest(t, h, "10.0.0.1:1234", `{}`).Code)
}

func TestLimiterRestoresBodyForHandler(t *testing.T) {
	clock := newFakeClock()
	limiter := newTestLimiter(clock, DefaultConfig())

	var seen string
	h := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		seen = string(body)
	}))

	body := `{"username":"alice@example.com"}`
	doRequest(t, h, "10.0.0.1:1234", body)
	assert.Equal(t, body, seen)
}
