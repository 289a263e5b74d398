// Command server starts the poster pipeline HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/posterforge/internal/adapter/events"
	httpserver "github.com/fairyhunter13/posterforge/internal/adapter/httpserver"
	"github.com/fairyhunter13/posterforge/internal/adapter/observability"
	"github.com/fairyhunter13/posterforge/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/posterforge/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/posterforge/internal/app"
	"github.com/fairyhunter13/posterforge/internal/config"
	"github.com/fairyhunter13/posterforge/internal/usecase"
)

// redisAdapter narrows *goredis.Client to the readiness interface.
type redisAdapter struct{ *goredis.Client }

func (r redisAdapter) Ping(ctx context.Context) app.RedisPingResult { return r.Client.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, job, and SSE instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Infra: DB pool
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Repositories
	jobRepo := postgres.NewJobRepo(pool)
	itemRepo := postgres.NewItemRepo(pool)
	failureRepo := postgres.NewFailureRepo(pool)
	logRepo := postgres.NewLogRepo(pool)

	// Data retention
	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	// Queue producer (Redpanda)
	producer, err := redpanda.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		slog.Error("redpanda producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()

	// Event federation: local hub fed by the Redis channel.
	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()
	hub := events.NewHub(
		events.WithQueueSize(cfg.SSEQueueSize),
		events.WithBlockBudget(cfg.SSEBlockBudget),
	)
	bus, err := events.NewBus(rdb, cfg.EventChannel, hub)
	if err != nil {
		slog.Error("event bus connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = bus.Close() }()
	if err := bus.StartForwarder(ctx); err != nil {
		slog.Error("event forwarder start failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Usecases
	dispatchSvc := usecase.NewDispatchService(jobRepo, producer, bus, cfg.LogoURL, cfg.RasterScale)
	statusSvc := usecase.NewStatusService(jobRepo, itemRepo, failureRepo, logRepo)

	// Stale-job recovery
	if sweeper := app.NewStaleJobSweeper(jobRepo, bus, cfg.StaleJobTimeout, cfg.StaleSweepEvery); sweeper != nil {
		go sweeper.Run(ctx)
	}

	// Readiness checks
	dbCheck, redisCheck, kafkaCheck := app.BuildReadinessChecks(pool, redisAdapter{rdb}, producer)

	// HTTP server
	srv := httpserver.NewServer(cfg, dispatchSvc, statusSvc, bus, dbCheck, redisCheck, kafkaCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
