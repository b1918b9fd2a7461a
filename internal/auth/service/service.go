// Package service implements the server side of registration and login. It
// never sees a password or an export key; it shuttles OPAQUE messages,
// stores registration records, and holds login state for at most one round
// trip.
package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"kinvault/internal/auth/models"
	"kinvault/internal/auth/store/bundle"
	"kinvault/internal/auth/store/credential"
	"kinvault/internal/auth/store/loginstate"
	"kinvault/internal/opaque"
	enginerrors "kinvault/pkg/engine-errors"
)

// DefaultStateTTL bounds how long a login may sit between its two messages.
// Expired state means restarting from message one, nothing worse.
const DefaultStateTTL = 60 * time.Second

type Service struct {
	server   *opaque.Server
	appSalt  string
	creds    credential.Store
	states   loginstate.Store
	bundles  bundle.Store
	tokens   *TokenIssuer
	stateTTL time.Duration
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithStateTTL overrides the pending-login TTL.
func WithStateTTL(ttl time.Duration) Option {
	return func(s *Service) { s.stateTTL = ttl }
}

func New(server *opaque.Server, appSalt string, creds credential.Store, states loginstate.Store,
	bundles bundle.Store, tokens *TokenIssuer, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		server:   server,
		appSalt:  appSalt,
		creds:    creds,
		states:   states,
		bundles:  bundles,
		tokens:   tokens,
		stateTTL: DefaultStateTTL,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clientID(username string) string {
	return opaque.ClientIdentifier(username, s.appSalt)
}

// pendingLogin is what sits in the login-state store between KE2 and KE3:
// the serialized AKE state plus the token that names this handshake.
type pendingLogin struct {
	Token string            `json:"token"`
	State opaque.LoginState `json:"state"`
}

// RegisterStart evaluates the blinded password element. No server state is
// created; registration is stateless until the record arrives.
func (s *Service) RegisterStart(ctx context.Context, req models.RegisterStartRequest) (models.RegisterStartResponse, error) {
	if req.Username == "" || len(req.RegistrationRequest) == 0 {
		return models.RegisterStartResponse{}, enginerrors.New(enginerrors.CodeInvalidInput, "username and registrationRequest required")
	}
	clientID := s.clientID(req.Username)
	resp, err := s.server.RegistrationResponse(clientID, req.RegistrationRequest)
	if err != nil {
		s.logger.WarnContext(ctx, "registration start rejected", "client", clientID[:8], "error", err)
		return models.RegisterStartResponse{}, err
	}
	return models.RegisterStartResponse{RegistrationResponse: resp}, nil
}

// RegisterFinish stores the registration record, first write wins, and the
// optional initial key bundle alongside it.
func (s *Service) RegisterFinish(ctx context.Context, req models.RegisterFinishRequest) (models.RegisterFinishResponse, error) {
	if req.Username == "" || len(req.RegistrationRecord) == 0 {
		return models.RegisterFinishResponse{}, enginerrors.New(enginerrors.CodeInvalidInput, "username and registrationRecord required")
	}
	clientID := s.clientID(req.Username)
	if err := s.creds.Save(ctx, clientID, req.RegistrationRecord); err != nil {
		return models.RegisterFinishResponse{}, err
	}
	if len(req.Bundle) > 0 {
		if err := s.bundles.Save(ctx, clientID, req.Bundle); err != nil {
			return models.RegisterFinishResponse{}, err
		}
	}
	registrationsTotal.Inc()
	s.logger.InfoContext(ctx, "account registered", "client", clientID[:8])
	return models.RegisterFinishResponse{ClientIdentifier: clientID}, nil
}

// LoginStart answers KE1. Unknown identifiers get a response computed
// against the fake record: same shape, same timing profile, and a finish
// that fails exactly like a wrong password.
func (s *Service) LoginStart(ctx context.Context, req models.LoginStartRequest) (models.LoginStartResponse, error) {
	if req.Username == "" || len(req.KE1) == 0 {
		return models.LoginStartResponse{}, enginerrors.New(enginerrors.CodeInvalidInput, "username and credentialRequest required")
	}
	clientID := s.clientID(req.Username)

	record, err := s.creds.Get(ctx, clientID)
	if err != nil && !enginerrors.HasCode(err, enginerrors.CodeNotFound) {
		return models.LoginStartResponse{}, err
	}

	ke2, state, err := s.server.LoginResponse(clientID, req.KE1, record)
	if err != nil {
		s.logger.WarnContext(ctx, "login start rejected", "client", clientID[:8], "error", err)
		return models.LoginStartResponse{}, err
	}

	pending := pendingLogin{Token: uuid.NewString(), State: state}
	encoded, err := json.Marshal(pending)
	if err != nil {
		return models.LoginStartResponse{}, enginerrors.Wrap(enginerrors.CodeProtocolError, "encoding login state", err)
	}
	if err := s.states.Put(ctx, clientID, encoded, s.stateTTL); err != nil {
		return models.LoginStartResponse{}, err
	}
	return models.LoginStartResponse{KE2: ke2, StateToken: pending.Token}, nil
}

// LoginFinish verifies KE3 against the one-time pending state. Missing or
// expired state is a protocol error: the client restarts from message one.
func (s *Service) LoginFinish(ctx context.Context, req models.LoginFinishRequest) (models.LoginFinishResponse, error) {
	if req.Username == "" || len(req.KE3) == 0 {
		return models.LoginFinishResponse{}, enginerrors.New(enginerrors.CodeInvalidInput, "username and credentialFinalization required")
	}
	clientID := s.clientID(req.Username)

	encoded, err := s.states.Take(ctx, clientID)
	if err != nil {
		if enginerrors.HasCode(err, enginerrors.CodeNotFound) {
			return models.LoginFinishResponse{}, enginerrors.New(enginerrors.CodeProtocolError, "no pending login, restart from the first message")
		}
		return models.LoginFinishResponse{}, err
	}
	var pending pendingLogin
	if err := json.Unmarshal(encoded, &pending); err != nil {
		return models.LoginFinishResponse{}, enginerrors.Wrap(enginerrors.CodeProtocolError, "decoding login state", err)
	}
	if subtle.ConstantTimeCompare([]byte(req.StateToken), []byte(pending.Token)) != 1 {
		// State is already consumed; the handshake restarts either way.
		return models.LoginFinishResponse{}, enginerrors.New(enginerrors.CodeProtocolError, "state token mismatch, restart from the first message")
	}

	if _, err := s.server.LoginFinish(pending.State, req.KE3); err != nil {
		loginsTotal.WithLabelValues("failure").Inc()
		s.logger.WarnContext(ctx, "login failed", "client", clientID[:8])
		return models.LoginFinishResponse{}, err
	}

	token, err := s.tokens.Mint(clientID)
	if err != nil {
		return models.LoginFinishResponse{}, err
	}
	stored, err := s.bundles.Get(ctx, clientID)
	if err != nil {
		return models.LoginFinishResponse{}, err
	}

	loginsTotal.WithLabelValues("success").Inc()
	s.logger.InfoContext(ctx, "login succeeded", "client", clientID[:8])
	return models.LoginFinishResponse{
		ClientIdentifier: clientID,
		Bundle:           stored,
		SessionToken:     token,
	}, nil
}
