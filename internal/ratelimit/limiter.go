package ratelimit

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"kinvault/internal/opaque"
)

const maxPeekBytes = 1 << 20

// Config carries the limiter knobs.
type Config struct {
	// Limit is the request budget per key per window.
	Limit int
	// Window is the sliding window length.
	Window time.Duration
	// FailurePenalty is the extra cost charged to both keys when a request
	// ends 401. Guess attempts burn budget faster than honest logins.
	FailurePenalty int
}

// DefaultConfig is tuned for interactive logins: generous for a human,
// exhausting for an online guesser.
func DefaultConfig() Config {
	return Config{Limit: 30, Window: time.Minute, FailurePenalty: 4}
}

// Limiter is the HTTP middleware for the auth routes. Every request is
// counted against two keys: the origin address and, when the body carries a
// username, the pseudonymous identifier under attack. The second key is what
// stops a distributed guessing run against one account.
type Limiter struct {
	store   Store
	cfg     Config
	appSalt string
	logger  *slog.Logger
	clock   func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLimiterClock injects a deterministic clock for tests.
func WithLimiterClock(clock func() time.Time) Option {
	return func(l *Limiter) { l.clock = clock }
}

func NewLimiter(store Store, cfg Config, appSalt string, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{store: store, cfg: cfg, appSalt: appSalt, logger: logger, clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys := l.requestKeys(r)
		for _, key := range keys {
			result, err := l.store.Allow(r.Context(), key, l.cfg.Limit, l.cfg.Window)
			if err != nil {
				// A broken limiter store must not take logins down with it.
				l.logger.ErrorContext(r.Context(), "rate limit store failure", "error", err)
				continue
			}
			if !result.Allowed {
				throttledTotal.WithLabelValues(keyClass(key)).Inc()
				retryAfter := int(result.ResetAt.Sub(l.clock()).Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"RATE_LIMITED"}`))
				return
			}
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		if sw.status == http.StatusUnauthorized && l.cfg.FailurePenalty > 1 {
			for _, key := range keys {
				_, _ = l.store.AllowN(r.Context(), key, l.cfg.FailurePenalty-1, l.cfg.Limit, l.cfg.Window)
			}
		}
	})
}

// requestKeys derives the counting keys. The body peek is restored for the
// handler; a request too large or unparsable simply counts by origin only.
func (l *Limiter) requestKeys(r *http.Request) []string {
	keys := []string{"auth:ip:" + originAddr(r)}

	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBytes))
		if err == nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
			var peek struct {
				Username string `json:"username"`
			}
			if json.Unmarshal(body, &peek) == nil && peek.Username != "" {
				keys = append(keys, "auth:"+opaque.ClientIdentifier(peek.Username, l.appSalt))
			}
		}
	}
	return keys
}

func originAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func keyClass(key string) string {
	if len(key) >= 8 && key[:8] == "auth:ip:" {
		return "origin"
	}
	return "identifier"
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
