package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"

	"aport/internal/decision"
	"aport/internal/engine"
	enginemetrics "aport/internal/engine/metrics"
	"aport/internal/idempotency"
	"aport/internal/ledger"
	ledgermem "aport/internal/ledger/store/memory"
	ledgerpg "aport/internal/ledger/store/postgres"
	ledgerredis "aport/internal/ledger/store/redis"
	"aport/internal/passport"
	"aport/internal/platform/config"
	"aport/internal/platform/httpserver"
	"aport/internal/platform/logger"
	platformredis "aport/internal/platform/redis"
	"aport/internal/policy"
	httptransport "aport/internal/transport/http"
	auditkafka "aport/pkg/platform/audit/kafka"
	auditmem "aport/pkg/platform/audit/store/memory"
	auditpg "aport/pkg/platform/audit/store/postgres"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Policy semantics live in the internal packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()
	ctx := context.Background()

	registry := policy.NewRegistry()
	policy.RegisterBuiltin(registry)

	signer, ephemeral, err := buildSigner(cfg.Signer)
	if err != nil {
		log.Error("signer init failed", "error", err)
		os.Exit(1)
	}
	if ephemeral {
		log.Warn("no signing key configured, generated an ephemeral key; decisions will not verify across restarts")
	}

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("redis init failed", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	ledgerStore, auditDB, err := buildLedger(ctx, cfg, redisClient)
	if err != nil {
		log.Error("ledger init failed", "error", err)
		os.Exit(1)
	}
	if auditDB != nil {
		defer auditDB.Close()
	}

	var idemStore idempotency.Store = idempotency.NewMemory()
	if redisClient != nil {
		idemStore = idempotency.NewRedis(redisClient.Client)
	}

	engineOpts := []engine.Option{
		engine.WithLogger(log),
		engine.WithMetrics(enginemetrics.New()),
	}
	switch {
	case len(cfg.Kafka.Brokers) > 0:
		publisher, err := auditkafka.New(ctx, cfg.Kafka.Brokers,
			auditkafka.WithTopic(cfg.Kafka.Topic),
			auditkafka.WithLogger(log),
		)
		if err != nil {
			log.Error("audit publisher init failed", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		engineOpts = append(engineOpts, engine.WithAuditPublisher(publisher))
	case auditDB != nil:
		if err := auditpg.EnsureSchema(ctx, auditDB); err != nil {
			log.Error("audit schema init failed", "error", err)
			os.Exit(1)
		}
		engineOpts = append(engineOpts, engine.WithAuditPublisher(
			auditmem.NewStorePublisher(auditpg.New(auditDB))))
	default:
		engineOpts = append(engineOpts, engine.WithAuditPublisher(
			auditmem.NewStorePublisher(auditmem.NewInMemoryStore())))
	}

	eng, err := engine.New(registry, ledgerStore, idemStore, signer, engineOpts...)
	if err != nil {
		log.Error("engine init failed", "error", err)
		os.Exit(1)
	}

	verifier := passport.NewVerifier(cfg.Passport.SigningKey, cfg.Passport.Issuer)
	handler := httptransport.New(eng, verifier, log)
	router := httptransport.NewRouter(handler)

	srv := httpserver.New(cfg.Server.Addr, router)

	log.Info("starting aport decision engine",
		"addr", cfg.Server.Addr,
		"policies", len(registry.IDs()),
		"kid", signer.KID(),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
}

// buildSigner decodes the configured ed25519 key. An empty key generates an
// ephemeral one so local development works without provisioning secrets.
func buildSigner(cfg config.Signer) (*decision.Signer, bool, error) {
	var priv ed25519.PrivateKey
	ephemeral := cfg.PrivateKeyB64 == ""
	if ephemeral {
		_, generated, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, false, err
		}
		priv = generated
	} else {
		raw, err := base64.StdEncoding.DecodeString(cfg.PrivateKeyB64)
		if err != nil {
			return nil, false, err
		}
		priv = ed25519.PrivateKey(raw)
	}
	signer, err := decision.NewSigner(priv, cfg.KID, decision.WithExpiry(cfg.Expiry))
	return signer, ephemeral, err
}

// buildLedger selects the ledger backend: postgres when a DSN is configured,
// then redis, then in-memory. The *sql.DB is returned so the audit store can
// share the connection pool.
func buildLedger(ctx context.Context, cfg config.Config, redisClient *platformredis.Client) (ledger.Store, *sql.DB, error) {
	if cfg.Postgres.DSN != "" {
		db, err := sql.Open("pgx", cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := ledgerpg.EnsureSchema(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return ledgerpg.New(db), db, nil
	}
	if redisClient != nil {
		return ledgerredis.New(redisClient.Client), nil, nil
	}
	return ledgermem.New(), nil, nil
}
