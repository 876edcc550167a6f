package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"affgate/internal/affiliation"
	"affgate/internal/affiliation/handler"
	"affgate/internal/affiliation/metrics"
	"affgate/internal/audit"
	"affgate/internal/idempotency"
	"affgate/internal/identity"
	"affgate/internal/platform/config"
	"affgate/internal/platform/httpserver"
	"affgate/internal/platform/logger"
	redisplatform "affgate/internal/platform/redis"
	ratelimit "affgate/internal/ratelimit/models"
	rlservice "affgate/internal/ratelimit/service"
	"affgate/internal/ratelimit/store/window"
	"affgate/internal/upstream"
	"affgate/pkg/platform/middleware/metadata"
	"affgate/pkg/platform/middleware/requestid"
)

// main wires dependencies and owns the server lifecycle. Optional backends
// (redis, postgres, kafka) are enabled by configuration and degrade to
// in-process implementations when absent.
func main() {
	_ = godotenv.Load()

	cfg := config.FromEnv()
	log := logger.New()
	ctx := context.Background()

	rdb, err := redisplatform.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}

	var windows rlservice.WindowStore
	var idem affiliation.IdempotencyStore
	if rdb != nil {
		windows = window.NewRedisWindowStore(rdb.Client)
		idem = idempotency.NewRedisStore(rdb.Client)
	} else {
		windows = window.NewInMemoryWindowStore()
		idem = idempotency.NewInMemoryStore()
	}

	var limiter affiliation.RateLimiter
	if cfg.RateLimitEnabled {
		limiter, err = rlservice.New(windows,
			ratelimit.Limits{Max: cfg.ClientLimit, Window: cfg.ClientWindow},
			ratelimit.Limits{Max: cfg.IdentityLimit, Window: cfg.IdentityWindow},
			rlservice.WithLogger(log),
		)
		if err != nil {
			log.Error("invalid rate limit configuration", "error", err)
			os.Exit(1)
		}
	}

	var users identity.Store
	var pg *identity.PostgresStore
	if cfg.PostgresURL != "" {
		pg, err = identity.NewPostgresStore(ctx, cfg.PostgresURL)
		if err != nil {
			log.Error("postgres connection failed", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		users = pg
	}

	var sink audit.Sink
	var kafkaSink *audit.KafkaSink
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink, err = audit.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic, log)
		if err != nil {
			log.Error("kafka connection failed", "error", err)
			os.Exit(1)
		}
		defer kafkaSink.Close()
		sink = kafkaSink
	} else {
		sink = audit.NewSlogSink(log)
	}
	auditor := audit.NewPublisher(sink, log)

	tokens := upstream.NewTokenCache(
		cfg.BrokerBaseURL+"/auth/",
		cfg.BrokerLogin,
		cfg.BrokerPassword,
		cfg.AuthTimeout,
		cfg.TokenNominalTTL,
		upstream.WithTokenLogger(log),
	)
	broker := upstream.NewClient(cfg.BrokerBaseURL, tokens, cfg.AffiliationTimeout, upstream.WithLogger(log))

	svc := affiliation.New(
		affiliation.Config{
			PartnerID:       cfg.PartnerID,
			DemoMode:        cfg.DemoMode,
			UpstreamEnabled: cfg.UpstreamEnabled,
			AllowedOrigins:  cfg.AllowedOrigins,
			IdempotencyTTL:  cfg.IdempotencyTTL,
		},
		limiter, idem, users, broker, auditor,
		affiliation.WithLogger(log),
		affiliation.WithMetrics(metrics.New()),
	)

	router := chi.NewRouter()
	router.Use(requestid.RequestID)
	router.Use(metadata.ClientMetadata)
	handler.New(svc, log).Register(router)
	router.Get("/healthz", healthHandler(rdb, pg))
	router.Handle("/metrics", promhttp.Handler())

	srv := httpserver.New(cfg.Addr, router)

	log.Info("starting affiliation gateway",
		"addr", cfg.Addr,
		"demo_mode", cfg.DemoMode,
		"upstream_enabled", cfg.UpstreamEnabled,
		"redis", rdb != nil,
		"postgres", pg != nil,
		"kafka", kafkaSink != nil,
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

// healthHandler reports liveness plus reachability of configured backends.
func healthHandler(rdb *redisplatform.Client, pg *identity.PostgresStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if rdb != nil {
			if err := rdb.Health(ctx); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		if pg != nil {
			if err := pg.Ping(ctx); err != nil {
				http.Error(w, "postgres unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
