// Command server starts the document ingestion HTTP API.
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

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/doc-indexer/internal/adapter/embedding/openai"
	"github.com/fairyhunter13/doc-indexer/internal/adapter/httpserver"
	"github.com/fairyhunter13/doc-indexer/internal/adapter/observability"
	"github.com/fairyhunter13/doc-indexer/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/doc-indexer/internal/adapter/repo/postgres"
	qdrantcli "github.com/fairyhunter13/doc-indexer/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/doc-indexer/internal/app"
	"github.com/fairyhunter13/doc-indexer/internal/clock"
	"github.com/fairyhunter13/doc-indexer/internal/config"
	"github.com/fairyhunter13/doc-indexer/internal/dlq"
	"github.com/fairyhunter13/doc-indexer/internal/retrieval"
	"github.com/fairyhunter13/doc-indexer/internal/service/ratelimiter"
	"github.com/fairyhunter13/doc-indexer/internal/tokens"
	"github.com/fairyhunter13/doc-indexer/internal/usecase"
)

// redisPinger adapts *redis.Client to the readiness interface.
type redisPinger struct{ rdb *redis.Client }

func (r redisPinger) Ping(ctx context.Context) app.RedisPingResult { return r.rdb.Ping(ctx) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
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

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("db migrate failed", slog.Any("error", err))
		os.Exit(1)
	}

	jobs := postgres.NewJobRepo(pool)
	docs := postgres.NewDocumentRepo(pool)
	dlqRepo := postgres.NewDLQRepo(pool)

	opt, err := redis.ParseURL(cfg.QueueURL)
	if err != nil {
		slog.Error("bad queue url", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer func() { _ = rdb.Close() }()

	clk := clock.System()
	queue := redisq.NewWithClient(rdb, cfg.QueueNamespace, clk)
	flags := redisq.NewCancelFlags(rdb, cfg.QueueNamespace)
	limiter := ratelimiter.New(rdb, cfg.QueueNamespace, cfg.EmbeddingRateLimit, cfg.EmbeddingRateWindow)

	vectors := qdrantcli.New(cfg.QdrantURL, cfg.QdrantAPIKey, cfg.QdrantCollection, cfg.VectorSize)
	if err := vectors.EnsureCollection(ctx); err != nil {
		slog.Warn("qdrant ensure collection failed", slog.Any("error", err))
	}
	embedder := openai.New(cfg.EmbeddingsURL, cfg.EmbeddingsAPIKey, cfg.EmbeddingsModel, 60*time.Second)

	cleanup := postgres.NewCleanupService(jobs, dlqRepo, 0, cfg.DLQRetentionDays, cfg.DLQAutoResolveAfterDays)
	go cleanup.RunPeriodic(ctx, cfg.DLQCleanupInterval)

	dlqSvc := dlq.NewService(dlqRepo, dlq.LogSink{}, cfg.DLQAlertThreshold, clk)

	ingest := usecase.NewIngestService(jobs, queue, clk)
	ingest.QueueName = cfg.IngestQueue
	ingest.DefaultChunkSize = cfg.DefaultChunkSize
	ingest.DefaultChunkOverlap = cfg.DefaultChunkOverlap
	ingest.MaxRetries = cfg.MaxRetries
	ingest.EmbedVersion = cfg.EmbedVersion

	reindex := usecase.NewReindexService(jobs, docs, queue, clk, cfg.IngestQueue)
	reindex.ChunkSize = cfg.DefaultChunkSize
	reindex.ChunkOverlap = cfg.DefaultChunkOverlap
	reindex.MaxRetries = cfg.MaxRetries

	srv := &httpserver.Server{
		Ingest:  ingest,
		Status:  usecase.NewStatusService(jobs, queue, clk, cfg.IngestQueue),
		Cancel:  usecase.NewCancelService(jobs, queue, flags, clk, cfg.IngestQueue),
		Retry:   usecase.NewRetryService(jobs, queue, dlqSvc, clk, cfg.IngestQueue),
		Reindex: reindex,
		DLQ:     usecase.NewDLQAdminService(dlqRepo),
		Stats: usecase.StatsService{
			Queue:        queue,
			Processing:   queue,
			DLQ:          dlqRepo,
			Limiter:      limiter,
			QueueName:    cfg.IngestQueue,
			RateKey:      "embed",
			RateLimit:    cfg.EmbeddingRateLimit,
			EmbedVersion: cfg.EmbedVersion,
			TotalWorkers: cfg.WorkerConcurrency,
		},
		Search: retrieval.NewRetriever(vectors, embedder, cfg.SearchScoreThreshold),
		Tokens: tokens.NewEstimator(),
		Probes: app.BuildProbes(cfg, pool, redisPinger{rdb}),
	}

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

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
