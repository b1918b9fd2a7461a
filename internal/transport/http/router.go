// Package httptransport assembles the public router: the four auth routes,
// the authenticated whoami probe, health, and metrics.
package httptransport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	authhandler "kinvault/internal/auth/handler"
	"kinvault/internal/platform/metrics"
	"kinvault/internal/platform/middleware"
	"kinvault/internal/ratelimit"
)

// HealthChecker reports readiness of one dependency.
type HealthChecker func(ctx context.Context) error

// Deps is everything the router mounts.
type Deps struct {
	Auth     *authhandler.Handler
	Limiter  *ratelimit.Limiter
	Tokens   middleware.TokenValidator
	Logger   *slog.Logger
	Checkers map[string]HealthChecker
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Mount("/auth", d.Auth.Routes(d.Limiter))

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireSession(d.Tokens, d.Logger))
		r.Get("/session/whoami", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{
				"clientIdentifier": middleware.ClientID(req.Context()),
			})
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		status := http.StatusOK
		checks := make(map[string]string, len(d.Checkers))
		for name, check := range d.Checkers {
			if err := check(req.Context()); err != nil {
				status = http.StatusServiceUnavailable
				checks[name] = err.Error()
				continue
			}
			checks[name] = "ok"
		}
		writeJSON(w, status, checks)
	})

	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
