// Command worker consumes job envelopes from the Redpanda bus and runs
// the per-item poster pipeline.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/posterforge/internal/adapter/blob"
	"github.com/fairyhunter13/posterforge/internal/adapter/events"
	"github.com/fairyhunter13/posterforge/internal/adapter/observability"
	"github.com/fairyhunter13/posterforge/internal/adapter/profile"
	"github.com/fairyhunter13/posterforge/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/posterforge/internal/adapter/queue/shared"
	"github.com/fairyhunter13/posterforge/internal/adapter/raster"
	"github.com/fairyhunter13/posterforge/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/posterforge/internal/adapter/sink"
	"github.com/fairyhunter13/posterforge/internal/config"
	"github.com/fairyhunter13/posterforge/internal/domain"
	"github.com/fairyhunter13/posterforge/internal/imaging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// The worker exposes its own /metrics so Prometheus can scrape
	// pipeline instrumentation.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	jobRepo := postgres.NewJobRepo(pool)
	itemRepo := postgres.NewItemRepo(pool)
	failureRepo := postgres.NewFailureRepo(pool)
	logRepo := postgres.NewLogRepo(pool)

	// Producer for result/error publishing. A transactional ID distinct
	// from the HTTP server's producer avoids cross-process conflicts.
	producer, err := redpanda.NewProducerWithTransactionalID(cfg.KafkaBrokers, "posterforge-worker-producer")
	if err != nil {
		slog.Error("queue producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()

	// Event federation
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

	// Blob store
	blobs, err := blob.NewStore(ctx, cfg.BlobBucket, cfg.BlobCDNBaseURL)
	if err != nil {
		slog.Error("blob store init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = blobs.Close() }()

	// Upstream clients
	profiles := profile.NewClient(cfg.ProfileAPIURL, cfg.ProfileAPIKey, cfg.ProfileTimeout)
	sinkClient := sink.NewClient(cfg.SinkAPIURL, cfg.SinkAPIKey, cfg.SinkTimeout)

	renderer := raster.NewRenderer(cfg.ChromeExecPath)
	defer func() { _ = renderer.Close() }()

	maxAttempts, initial, max, multiplier := cfg.RetryBackoff()
	retry := domain.RetryPolicy{
		MaxAttempts:  maxAttempts,
		InitialDelay: initial,
		MaxDelay:     max,
		Multiplier:   multiplier,
	}

	handler := shared.NewHandler(shared.Deps{
		Jobs:     jobRepo,
		Items:    itemRepo,
		Failures: failureRepo,
		Logs:     logRepo,
		Queue:    producer,
		Events:   bus,
		Raster:   renderer,
		Blobs:    blobs,
		Profiles: profiles,
		Sink:     sinkClient,
		Overlays: imaging.NewCompositor(),
	},
		shared.WithBatchSize(cfg.BatchSize()),
		shared.WithBatchPause(cfg.BatchPause),
		shared.WithRasterTimeout(cfg.RasterTimeout),
		shared.WithSinkBatch(cfg.SinkBatchSize, cfg.SinkBatchInterval),
		shared.WithRetryPolicy(retry),
	)

	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, "posterforge-workers", handler)
	if err != nil {
		slog.Error("redpanda consumer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			slog.Error("failed to close consumer", slog.Any("error", err))
		}
	}()

	slog.Info("starting redpanda consumer")
	go func() {
		if err := consumer.Start(ctx); err != nil {
			slog.Error("consumer error", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("signal received, shutting down")
}
