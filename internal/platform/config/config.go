// Package config builds process configuration from environment variables so
// main stays lean. Development defaults are provided for everything except
// production signing material.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full process configuration.
type Config struct {
	Server   Server
	Redis    Redis
	Postgres Postgres
	Kafka    Kafka
	Signer   Signer
	Passport Passport
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Redis configures the optional Redis backing for the ledger and the
// idempotency store. An empty URL selects the in-memory stores.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Postgres configures the optional durable ledger store.
type Postgres struct {
	DSN string
}

// Kafka configures the audit event publisher. No brokers means audit events
// stay in process.
type Kafka struct {
	Brokers []string
	Topic   string
}

// Signer configures the decision signing key.
type Signer struct {
	// PrivateKeyB64 is the base64-encoded ed25519 private key. Empty in
	// development generates an ephemeral key at startup.
	PrivateKeyB64 string
	KID           string
	Expiry        time.Duration
}

// Passport configures verification of registry-issued passport tokens.
type Passport struct {
	SigningKey string
	Issuer     string
}

// FromEnv builds the configuration from environment variables.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr:            envOr("APORT_ADDR", ":8080"),
			ShutdownTimeout: envDuration("APORT_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Redis: Redis{
			URL:          os.Getenv("APORT_REDIS_URL"),
			PoolSize:     envInt("APORT_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("APORT_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("APORT_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("APORT_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("APORT_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Postgres: Postgres{
			DSN: os.Getenv("APORT_POSTGRES_DSN"),
		},
		Kafka: Kafka{
			Brokers: envList("APORT_KAFKA_BROKERS"),
			Topic:   envOr("APORT_AUDIT_TOPIC", "aport.audit.decisions"),
		},
		Signer: Signer{
			PrivateKeyB64: os.Getenv("APORT_SIGNING_KEY"),
			KID:           envOr("APORT_SIGNING_KID", "oap:registry:key-2025-01"),
			Expiry:        envDuration("APORT_DECISION_EXPIRY", time.Hour),
		},
		Passport: Passport{
			// Development default, to be overridden in production.
			SigningKey: envOr("APORT_PASSPORT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			Issuer:     envOr("APORT_PASSPORT_ISSUER", "oap:registry"),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
