package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/aiborg-ai/appboardguru-sub014/internal/api"
	"github.com/aiborg-ai/appboardguru-sub014/internal/audit"
	"github.com/aiborg-ai/appboardguru-sub014/internal/behavior"
	"github.com/aiborg-ai/appboardguru-sub014/internal/config"
	"github.com/aiborg-ai/appboardguru-sub014/internal/coordinator"
	"github.com/aiborg-ai/appboardguru-sub014/internal/identity"
	"github.com/aiborg-ai/appboardguru-sub014/internal/ingest"
	"github.com/aiborg-ai/appboardguru-sub014/internal/ledger"
	"github.com/aiborg-ai/appboardguru-sub014/internal/netrisk"
	"github.com/aiborg-ai/appboardguru-sub014/internal/store"
	"github.com/aiborg-ai/appboardguru-sub014/internal/vault"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	// Versioned KV store: Redis when configured, in-memory otherwise.
	var kv store.VersionedStore
	if cfg.Store.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			slog.Error("redis unreachable", "addr", cfg.Store.RedisAddr, "error", err)
			os.Exit(1)
		}
		kv = store.NewRedisStore(client, cfg.Store.KeyPrefix)
		slog.Info("using redis store", "addr", cfg.Store.RedisAddr)
	} else {
		kv = store.NewMemoryStore()
		slog.Info("using in-memory store")
	}

	// Security event log, with write-behind Postgres persistence when a DSN
	// is configured.
	var sink audit.EventSink
	if cfg.Audit.PostgresDSN != "" {
		pgSink, err := audit.NewPostgresSink(cfg.Audit.PostgresDSN)
		if err != nil {
			slog.Error("failed to connect postgres sink", "error", err)
			os.Exit(1)
		}
		defer pgSink.Close()
		sink = pgSink
		slog.Info("audit events persisted to postgres")
	}
	eventLog := audit.NewEventLog(sink, cfg.Audit.RetentionDays)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	coord := coordinator.New(cfg.Response, eventLog, nil, registry)
	idm := identity.NewManager(cfg.MFA, kv, eventLog)
	assessor := netrisk.NewAssessor(cfg.Network, nil, eventLog)
	analyzer := behavior.NewAnalyzer(cfg.Behavior)
	ldg := ledger.New(cfg.Ledger, coord, eventLog, kv)
	vlt := vault.New(cfg.Vault, coord, nil, eventLog)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Transport facts over NATS, when a broker is configured.
	if cfg.Ingest.NATSURL != "" {
		consumer := ingest.NewConsumer(cfg.Ingest, assessor, analyzer, coord, eventLog)
		if err := consumer.Start(ctx); err != nil {
			slog.Error("failed to start ingest consumer", "error", err)
			os.Exit(1)
		}
		defer consumer.Stop()
	}

	// Background hygiene: expired MFA challenges and audit retention.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				idm.SweepExpired(ctx)
				eventLog.SweepExpired(time.Now())
			}
		}
	}()

	server := api.NewServer(cfg.Server, eventLog, idm, assessor, analyzer, coord, ldg, vlt, registry)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		slog.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
	slog.Info("trust engine stopped")
}
