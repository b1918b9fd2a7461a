// Package config builds runtime configuration from the environment so main
// stays lean.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Server is the top-level runtime configuration.
type Server struct {
	Addr          string
	AppSalt       string
	ServerID      string
	JWTSigningKey string

	// OPAQUE server key material, hex. Generated once at deploy time;
	// rotating it invalidates every registration record.
	OpaquePrivateKey string
	OpaquePublicKey  string
	OprfSeed         string

	LoginStateTTL time.Duration

	Postgres PostgresConfig
	Redis    RedisConfig

	RateLimit RateLimitConfig
}

type PostgresConfig struct {
	// DSN is empty when running on in-memory stores.
	DSN string
}

type RedisConfig struct {
	// URL is empty when login state lives in memory.
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type RateLimitConfig struct {
	Limit          int
	Window         time.Duration
	FailurePenalty int
}

// FromEnv reads the configuration. Only KINVAULT_APP_SALT is required; every
// other knob has a development default.
func FromEnv() (Server, error) {
	appSalt := os.Getenv("KINVAULT_APP_SALT")
	if appSalt == "" {
		return Server{}, fmt.Errorf("KINVAULT_APP_SALT is required; identifiers derived without it are not portable")
	}

	cfg := Server{
		Addr:             envOr("KINVAULT_ADDR", ":8080"),
		AppSalt:          appSalt,
		ServerID:         envOr("KINVAULT_SERVER_ID", "kinvault"),
		JWTSigningKey:    envOr("KINVAULT_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		OpaquePrivateKey: os.Getenv("KINVAULT_OPAQUE_PRIVATE_KEY"),
		OpaquePublicKey:  os.Getenv("KINVAULT_OPAQUE_PUBLIC_KEY"),
		OprfSeed:         os.Getenv("KINVAULT_OPRF_SEED"),
		LoginStateTTL:    durationOr("KINVAULT_LOGIN_STATE_TTL", 60*time.Second),
		Postgres: PostgresConfig{
			DSN: os.Getenv("KINVAULT_POSTGRES_DSN"),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("KINVAULT_REDIS_URL"),
			PoolSize:     intOr("KINVAULT_REDIS_POOL_SIZE", 10),
			MinIdleConns: intOr("KINVAULT_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  durationOr("KINVAULT_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  durationOr("KINVAULT_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: durationOr("KINVAULT_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		RateLimit: RateLimitConfig{
			Limit:          intOr("KINVAULT_RATE_LIMIT", 30),
			Window:         durationOr("KINVAULT_RATE_WINDOW", time.Minute),
			FailurePenalty: intOr("KINVAULT_RATE_FAILURE_PENALTY", 4),
		},
	}
	return cfg, nil
}

// OpaqueKeyMaterial decodes the hex-encoded OPAQUE server keys. All three
// must be set together or absent together; absent means the caller generates
// ephemeral material (development only — registrations do not survive a
// restart).
func (s Server) OpaqueKeyMaterial() (privateKey, publicKey, oprfSeed []byte, ok bool, err error) {
	if s.OpaquePrivateKey == "" && s.OpaquePublicKey == "" && s.OprfSeed == "" {
		return nil, nil, nil, false, nil
	}
	if privateKey, err = hex.DecodeString(s.OpaquePrivateKey); err != nil {
		return nil, nil, nil, false, fmt.Errorf("KINVAULT_OPAQUE_PRIVATE_KEY: %w", err)
	}
	if publicKey, err = hex.DecodeString(s.OpaquePublicKey); err != nil {
		return nil, nil, nil, false, fmt.Errorf("KINVAULT_OPAQUE_PUBLIC_KEY: %w", err)
	}
	if oprfSeed, err = hex.DecodeString(s.OprfSeed); err != nil {
		return nil, nil, nil, false, fmt.Errorf("KINVAULT_OPRF_SEED: %w", err)
	}
	return privateKey, publicKey, oprfSeed, true, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func durationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
