// Package handler is the thin HTTP layer over the auth service: decode,
// delegate, encode. No protocol logic lives here.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"kinvault/internal/auth/models"
	"kinvault/internal/auth/service"
	"kinvault/internal/ratelimit"
	enginerrors "kinvault/pkg/engine-errors"
)

type Handler struct {
	svc    *service.Service
	logger *slog.Logger
}

func New(svc *service.Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Routes mounts the four auth endpoints, all rate limited.
func (h *Handler) Routes(limiter *ratelimit.Limiter) chi.Router {
	r := chi.NewRouter()
	r.Use(limiter.Middleware)
	r.Post("/opaque/register/start", h.registerStart)
	r.Post("/opaque/register/finish", h.registerFinish)
	r.Post("/opaque/login/start", h.loginStart)
	r.Post("/opaque/login/finish", h.loginFinish)
	return r
}

func (h *Handler) registerStart(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterStartRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.svc.RegisterStart(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) registerFinish(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterFinishRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.svc.RegisterFinish(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) loginStart(w http.ResponseWriter, r *http.Request) {
	var req models.LoginStartRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.svc.LoginStart(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) loginFinish(w http.ResponseWriter, r *http.Request) {
	var req models.LoginFinishRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.svc.LoginFinish(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, r, enginerrors.New(enginerrors.CodeInvalidInput, "invalid request body"))
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError translates engine error codes to HTTP statuses. The body only
// ever carries the code: messages can leak protocol state to an attacker
// probing the login endpoints.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := enginerrors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	h.writeJSON(w, status, models.ErrorResponse{Error: string(code)})
}

func statusFor(code enginerrors.Code) int {
	switch code {
	case enginerrors.CodeInvalidInput, enginerrors.CodeProtocolError:
		return http.StatusBadRequest
	case enginerrors.CodeAuthenticationFailed:
		return http.StatusUnauthorized
	case enginerrors.CodeNotFound:
		return http.StatusNotFound
	case enginerrors.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
