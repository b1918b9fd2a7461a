// Command server runs the kinvault authentication and storage-facing API.
// It terminates the OPAQUE handshake and stores ciphertext; every key that
// can decrypt anything lives client-side.
package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	authhandler "kinvault/internal/auth/handler"
	"kinvault/internal/auth/service"
	"kinvault/internal/auth/store/bundle"
	"kinvault/internal/auth/store/credential"
	"kinvault/internal/auth/store/loginstate"
	"kinvault/internal/opaque"
	"kinvault/internal/platform/config"
	"kinvault/internal/platform/httpserver"
	"kinvault/internal/platform/logger"
	platformredis "kinvault/internal/platform/redis"
	"kinvault/internal/ratelimit"
	httptransport "kinvault/internal/transport/http"
)

func main() {
	log := logger.New()
	if err := run(log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	priv, pub, seed, ok, err := cfg.OpaqueKeyMaterial()
	if err != nil {
		return err
	}
	if !ok {
		// Development fallback: registrations die with the process.
		if priv, pub, seed, err = opaque.GenerateKeyMaterial(); err != nil {
			return err
		}
		log.Warn("running with ephemeral key material, set KINVAULT_OPAQUE_* for persistence",
			"publicKey", hex.EncodeToString(pub))
	}
	opaqueServer, err := opaque.NewServer(cfg.ServerID, priv, pub, seed)
	if err != nil {
		return err
	}

	checkers := map[string]httptransport.HealthChecker{}

	var creds credential.Store = credential.NewMemoryStore()
	var bundles bundle.Store = bundle.NewMemoryStore()
	if cfg.Postgres.DSN != "" {
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			return err
		}
		creds = credential.NewPostgresStore(db)
		bundles = bundle.NewPostgresStore(db)
		checkers["postgres"] = func(ctx context.Context) error { return db.PingContext(ctx) }
		log.Info("using postgres stores")
	}

	var states loginstate.Store = loginstate.NewMemoryStore()
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		states = loginstate.NewRedisStore(redisClient.Client)
		checkers["redis"] = redisClient.Health
		log.Info("using redis login state store")
	}

	tokens := service.NewTokenIssuer([]byte(cfg.JWTSigningKey))
	svc := service.New(opaqueServer, cfg.AppSalt, creds, states, bundles, tokens, log,
		service.WithStateTTL(cfg.LoginStateTTL))

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), ratelimit.Config{
		Limit:          cfg.RateLimit.Limit,
		Window:         cfg.RateLimit.Window,
		FailurePenalty: cfg.RateLimit.FailurePenalty,
	}, cfg.AppSalt, log)

	router := httptransport.NewRouter(httptransport.Deps{
		Auth:     authhandler.New(svc, log),
		Limiter:  limiter,
		Tokens:   tokens,
		Logger:   log,
		Checkers: checkers,
	})

	srv := httpserver.New(cfg.Addr, router)
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("shutting down")
		if err := httpserver.Shutdown(srv, 10*time.Second); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
