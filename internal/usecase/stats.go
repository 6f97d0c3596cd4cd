package usecase

import (
	"fmt"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// Queue-depth bands for the health verdict.
const (
	queueHealthyBelow  = 100
	queueDegradedBelow = 1000
)

// QueueStats is the operator snapshot of the ingest pipeline.
type QueueStats struct {
	QueueLength          int64  `json:"queue_length"`
	DLQLength            int64  `json:"dlq_length"`
	ProcessingJobs       int64  `json:"processing_jobs"`
	ActiveWorkers        int64  `json:"active_workers"`
	TotalWorkers         int    `json:"total_workers"`
	EmbeddingRateCurrent int64  `json:"embedding_rate_current"`
	EmbeddingRateLimit   int64  `json:"embedding_rate_limit"`
	EmbedVersion         string `json:"embed_version"`
	QueueHealth          string `json:"queue_health"`
}

// ProcessingCounter reports in-flight deliveries. The Redis queue
// driver satisfies it alongside domain.Queue.
type ProcessingCounter interface {
	ProcessingCount(ctx domain.Context) (int64, error)
}

// StatsService assembles QueueStats from the queue driver, the DLQ
// store and the rate limiter.
type StatsService struct {
	Queue      domain.Queue
	Processing ProcessingCounter
	DLQ        domain.DLQRepository
	Limiter    domain.RateLimiter

	QueueName    string
	RateLimit    int64
	RateKey      string
	EmbedVersion string
	TotalWorkers int
}

// Stats gathers the snapshot. A degraded or unhealthy verdict is
// driven by ready-queue depth alone; collaborator errors fail the
// whole read so operators never see a half-true picture.
func (s StatsService) Stats(ctx domain.Context) (QueueStats, error) {
	length, err := s.Queue.Length(ctx, s.QueueName)
	if err != nil {
		return QueueStats{}, fmt.Errorf("op=usecase.stats: %w", err)
	}
	processing, err := s.Processing.ProcessingCount(ctx)
	if err != nil {
		return QueueStats{}, fmt.Errorf("op=usecase.stats: %w", err)
	}
	dlqOpen, err := s.DLQ.CountOpen(ctx)
	if err != nil {
		return QueueStats{}, fmt.Errorf("op=usecase.stats: %w", err)
	}
	used, err := s.Limiter.Usage(ctx, s.RateKey)
	if err != nil {
		return QueueStats{}, fmt.Errorf("op=usecase.stats: %w", err)
	}

	active := processing
	if active > int64(s.TotalWorkers) {
		active = int64(s.TotalWorkers)
	}
	health := "healthy"
	switch {
	case length >= queueDegradedBelow:
		health = "unhealthy"
	case length >= queueHealthyBelow:
		health = "degraded"
	}
	return QueueStats{
		QueueLength:          length,
		DLQLength:            dlqOpen,
		ProcessingJobs:       processing,
		ActiveWorkers:        active,
		TotalWorkers:         s.TotalWorkers,
		EmbeddingRateCurrent: used,
		EmbeddingRateLimit:   s.RateLimit,
		EmbedVersion:         s.EmbedVersion,
		QueueHealth:          health,
	}, nil
}
