// Command worker runs the ingestion pipeline: it drains the queue,
// executes jobs and enforces retention on the job and DLQ stores.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/doc-indexer/internal/adapter/embedding/openai"
	"github.com/fairyhunter13/doc-indexer/internal/adapter/filestore"
	"github.com/fairyhunter13/doc-indexer/internal/adapter/observability"
	"github.com/fairyhunter13/doc-indexer/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/doc-indexer/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/doc-indexer/internal/adapter/textextractor/tika"
	qdrantcli "github.com/fairyhunter13/doc-indexer/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/doc-indexer/internal/chunker"
	"github.com/fairyhunter13/doc-indexer/internal/clock"
	"github.com/fairyhunter13/doc-indexer/internal/config"
	"github.com/fairyhunter13/doc-indexer/internal/dlq"
	"github.com/fairyhunter13/doc-indexer/internal/service/guard"
	"github.com/fairyhunter13/doc-indexer/internal/service/ratelimiter"
	"github.com/fairyhunter13/doc-indexer/internal/tokens"
	"github.com/fairyhunter13/doc-indexer/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	tikaClient := tika.New(cfg.TikaURL, 2*time.Minute, "eng")
	embedder := openai.New(cfg.EmbeddingsURL, cfg.EmbeddingsAPIKey, cfg.EmbeddingsModel, 60*time.Second)

	pipe := worker.NewPipeline(worker.Config{
		Queue:            cfg.IngestQueue,
		WorkerTimeout:    cfg.WorkerTimeout,
		ChunkTimeout:     cfg.ChunkTimeout,
		OCRMinChars:      cfg.OCRMinChars,
		OCRMinConfidence: cfg.OCRMinConfidence,
		EmbedBatchSize:   cfg.EmbeddingBatchSize,
		EmbedBatchPause:  cfg.EmbeddingBatchPause,
		EmbedConcurrency: cfg.EmbeddingConcurrency,
		EmbedModel:       cfg.EmbeddingsModel,
		EmbedVersion:     cfg.EmbedVersion,
	})
	pipe.Jobs = jobs
	pipe.Docs = docs
	pipe.Queue = queue
	pipe.Cancels = flags
	pipe.Files = filestore.NewLocal(cfg.FileStoreDir)
	pipe.Extractor = tikaClient
	pipe.OCR = tikaClient
	pipe.Chunker = chunker.New()
	pipe.Embedder = embedder
	pipe.Vectors = vectors
	pipe.Limiter = limiter
	pipe.Scanner = guard.NewFileScanner(cfg.MaxFileSizeBytes(), cfg.MaxPagesPDF, cfg.AllowedFileTypes)
	pipe.Resources = guard.NewResourceGuard(cfg.MaxMemoryMB, int64(cfg.MaxCPUTime/time.Second), cfg.MaxOpenFiles)
	pipe.Estimator = tokens.NewEstimator()
	pipe.DLQ = dlq.NewService(dlqRepo, dlq.LogSink{}, cfg.DLQAlertThreshold, clk)
	pipe.Clock = clk

	cleanup := postgres.NewCleanupService(jobs, dlqRepo, 0, cfg.DLQRetentionDays, cfg.DLQAutoResolveAfterDays)
	go cleanup.RunPeriodic(ctx, cfg.DLQCleanupInterval)

	if cfg.TempFileTTL > 0 {
		go func() {
			ticker := time.NewTicker(cfg.TempFileTTL)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					n, err := guard.SweepTemp(os.TempDir(), cfg.TempFileTTL, time.Now())
					if err != nil {
						slog.Warn("temp sweep failed", slog.Any("error", err))
					} else if n > 0 {
						slog.Info("removed stale scratch directories", slog.Int("count", n))
					}
				}
			}
		}()
	}

	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("metrics server starting", slog.Int("port", cfg.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	hostname, _ := os.Hostname()
	runner := &worker.Runner{
		Queue:       queue,
		Pipeline:    pipe,
		QueueName:   cfg.IngestQueue,
		WorkerID:    hostname,
		Concurrency: cfg.WorkerConcurrency,
		Visibility:  cfg.VisibilityTimeout,
	}

	slog.Info("worker starting",
		slog.String("worker_id", hostname),
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.String("queue", cfg.IngestQueue))
	runner.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	slog.Info("worker stopped")
}
