package service_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kinvault/internal/auth/models"
	"kinvault/internal/auth/service"
	"kinvault/internal/auth/store/bundle"
	"kinvault/internal/auth/store/credential"
	"kinvault/internal/auth/store/loginstate"
	"kinvault/internal/keys"
	"kinvault/internal/opaque"
	enginerrors "kinvault/pkg/engine-errors"
)

const testSalt = "kinvault-test-salt"

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

// inProcessTransport satisfies opaque.Transport directly against the
// service, no HTTP in between.
type inProcessTransport struct {
	svc *service.Service

	// afterLoginStart, when set, runs between the two login messages.
	afterLoginStart func()
	lastStateToken  string
	lastKE3         []byte
}

func (t *inProcessTransport) RegisterStart(ctx context.Context, username string, registrationRequest []byte) ([]byte, error) {
	resp, err := t.svc.RegisterStart(ctx, models.RegisterStartRequest{Username: username, RegistrationRequest: registrationRequest})
	if err != nil {
		return nil, err
	}
	return resp.RegistrationResponse, nil
}

func (t *inProcessTransport) RegisterFinish(ctx context.Context, username string, registrationRecord, b []byte) error {
	_, err := t.svc.RegisterFinish(ctx, models.RegisterFinishRequest{Username: username, RegistrationRecord: registrationRecord, Bundle: b})
	return err
}

func (t *inProcessTransport) LoginStart(ctx context.Context, username string, ke1 []byte) ([]byte, error) {
	resp, err := t.svc.LoginStart(ctx, models.LoginStartRequest{Username: username, KE1: ke1})
	if err != nil {
		return nil, err
	}
	t.lastStateToken = resp.StateToken
	if t.afterLoginStart != nil {
		t.afterLoginStart()
	}
	return resp.KE2, nil
}

func (t *inProcessTransport) LoginFinish(ctx context.Context, username string, ke3 []byte) ([]byte, string, error) {
	t.lastKE3 = ke3
	resp, err := t.svc.LoginFinish(ctx, models.LoginFinishRequest{Username: username, StateToken: t.lastStateToken, KE3: ke3})
	if err != nil {
		return nil, "", err
	}
	return resp.Bundle, resp.SessionToken, nil
}

type harness struct {
	svc       *service.Service
	transport *inProcessTransport
	client    *opaque.Client
	clock     *fakeClock
	tokens    *service.TokenIssuer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	priv, pub, seed, err := opaque.GenerateKeyMaterial()
	require.NoError(t, err)
	server, err := opaque.NewServer("kinvault.test", priv, pub, seed)
	require.NoError(t, err)

	clock := newFakeClock()
	tokens := service.NewTokenIssuer([]byte("0123456789abcdef0123456789abcdef"), service.WithTokenClock(clock.Now))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.New(server, testSalt,
		credential.NewMemoryStore(),
		loginstate.NewMemoryStore(loginstate.WithClock(clock.Now)),
		bundle.NewMemoryStore(),
		tokens, logger)

	transport := &inProcessTransport{svc: svc}
	return &harness{
		svc:       svc,
		transport: transport,
		client:    opaque.NewClient(testSalt),
		clock:     clock,
		tokens:    tokens,
	}
}

func TestRegisterThenLoginDerivesSamePrimaryKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sealedBundle := []byte("client-side ciphertext")

	regExport, err := h.client.Register(ctx, h.transport, "alice@example.com", "correct horse battery", sealedBundle)
	require.NoError(t, err)
	require.NotEmpty(t, regExport)

	loginExport, gotBundle, token, err := h.client.Login(ctx, h.transport, "alice@example.com", "correct horse battery")
	require.NoError(t, err)
	assert.Equal(t, regExport, loginExport, "export key must be stable across register and login")
	assert.Equal(t, sealedBundle, gotBundle, "bundle must come back verbatim")

	regPrimary, err := keys.DerivePrimaryKey(regExport)
	require.NoError(t, err)
	loginPrimary, err := keys.DerivePrimaryKey(loginExport)
	require.NoError(t, err)
	assert.Equal(t, regPrimary, loginPrimary)

	clientID, err := h.tokens.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, h.client.Identifier("alice@example.com"), clientID)
	assert.Len(t, clientID, 64)
}

func TestWrongPasswordAndUnknownUserFailAlike(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.Register(ctx, h.transport, "alice@example.com", "correct horse battery", nil)
	require.NoError(t, err)

	_, _, _, wrongErr := h.client.Login(ctx, h.transport, "alice@example.com", "wrong password")
	require.True(t, enginerrors.HasCode(wrongErr, enginerrors.CodeAuthenticationFailed))

	_, _, _, unknownErr := h.client.Login(ctx, h.transport, "nobody@example.com", "whatever")
	require.True(t, enginerrors.HasCode(unknownErr, enginerrors.CodeAuthenticationFailed))

	assert.Equal(t, wrongErr.Error(), unknownErr.Error(),
		"wrong password and unknown user must be indistinguishable")
}

func TestUnknownUserGetsWellFormedLoginResponse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.Register(ctx, h.transport, "alice@example.com", "correct horse battery", nil)
	require.NoError(t, err)

	conf := opaque.Suite()
	known, err := conf.Client()
	require.NoError(t, err)
	ke2Known, err := h.svc.LoginStart(ctx, models.LoginStartRequest{
		Username: "alice@example.com",
		KE1:      known.LoginInit([]byte("x")).Serialize(),
	})
	require.NoError(t, err)

	unknown, err := conf.Client()
	require.NoError(t, err)
	ke2Unknown, err := h.svc.LoginStart(ctx, models.LoginStartRequest{
		Username: "nobody@example.com",
		KE1:      unknown.LoginInit([]byte("x")).Serialize(),
	})
	require.NoError(t, err)

	assert.Len(t, ke2Unknown.KE2, len(ke2Known.KE2),
		"fake-record response must have the same shape as a real one")
}

func TestLoginStateExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.Register(ctx, h.transport, "alice@example.com", "correct horse battery", nil)
	require.NoError(t, err)

	h.transport.afterLoginStart = func() { h.clock.Advance(61 * time.Second) }
	_, _, _, err = h.client.Login(ctx, h.transport, "alice@example.com", "correct horse battery")
	require.True(t, enginerrors.HasCode(err, enginerrors.CodeProtocolError),
		"finish after TTL must fail as a protocol error")

	// Restarting from the first message succeeds.
	h.transport.afterLoginStart = nil
	_, _, _, err = h.client.Login(ctx, h.transport, "alice@example.com", "correct horse battery")
	require.NoError(t, err)
}

func TestLoginStateIsOneTime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.Register(ctx, h.transport, "alice@example.com", "correct horse battery", nil)
	require.NoError(t, err)

	_, _, _, err = h.client.Login(ctx, h.transport, "alice@example.com", "correct horse battery")
	require.NoError(t, err)
	require.NotEmpty(t, h.transport.lastKE3)

	_, err = h.svc.LoginFinish(ctx, models.LoginFinishRequest{
		Username:   "alice@example.com",
		StateToken: h.transport.lastStateToken,
		KE3:        h.transport.lastKE3,
	})
	assert.True(t, enginerrors.HasCode(err, enginerrors.CodeProtocolError),
		"replayed finish must find no pending state")
}

func TestLoginFinishRejectsWrongStateToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.Register(ctx, h.transport, "alice@example.com", "correct horse battery", nil)
	require.NoError(t, err)

	h.transport.afterLoginStart = func() { h.transport.lastStateToken = "not-the-token" }
	_, _, _, err = h.client.Login(ctx, h.transport, "alice@example.com", "correct horse battery")
	assert.True(t, enginerrors.HasCode(err, enginerrors.CodeProtocolError))
}

func TestDuplicateRegistrationConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.Register(ctx, h.transport, "alice@example.com", "correct horse battery", nil)
	require.NoError(t, err)

	_, err = h.client.Register(ctx, h.transport, "alice@example.com", "another password", nil)
	assert.True(t, enginerrors.HasCode(err, enginerrors.CodeConflict))
}

func TestTokenExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.Register(ctx, h.transport, "alice@example.com", "correct horse battery", nil)
	require.NoError(t, err)
	_, _, token, err := h.client.Login(ctx, h.transport, "alice@example.com", "correct horse battery")
	require.NoError(t, err)

	_, err = h.tokens.Validate(token)
	require.NoError(t, err)

	h.clock.Advance(31 * time.Minute)
	_, err = h.tokens.Validate(token)
	assert.True(t, enginerrors.HasCode(err, enginerrors.CodeAuthenticationFailed))
}
