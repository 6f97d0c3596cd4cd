// Package usecase contains the application services behind the HTTP
// surface: enqueue, status, cancel, retry, reindex, DLQ admin and queue
// stats. Services are thin orchestrations over the domain ports.
package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fairyhunter13/doc-indexer/internal/adapter/observability"
	"github.com/fairyhunter13/doc-indexer/internal/clock"
	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// perQueuedJobEstimate is the crude drain-rate guess used for
// estimated_start_time: thirty seconds per job ahead in line.
const perQueuedJobEstimate = 30 * time.Second

// IngestRequest is one enqueue call, already bound from transport.
type IngestRequest struct {
	IngestID     string
	ProjectID    string
	FileID       string
	ChunkSize    int
	ChunkOverlap int
	ForceOCR     bool
	Priority     domain.Priority
}

// IngestResult is the enqueue outcome. Duplicate carries the job id of
// the attempt already registered under the same ingest id.
type IngestResult struct {
	JobID              string
	IngestID           string
	QueuePosition      int64
	EstimatedStartTime time.Time
	Duplicate          bool
}

// IngestService registers a job and hands it to the queue.
type IngestService struct {
	Jobs  domain.JobRepository
	Queue domain.Queue
	Clock clock.Clock

	QueueName           string
	DefaultChunkSize    int
	DefaultChunkOverlap int
	MaxRetries          int
	EmbedVersion        string
}

// NewIngestService wires the enqueue path.
func NewIngestService(jobs domain.JobRepository, q domain.Queue, clk clock.Clock) IngestService {
	return IngestService{
		Jobs:                jobs,
		Queue:               q,
		Clock:               clk,
		QueueName:           "ingest-jobs",
		DefaultChunkSize:    1024,
		DefaultChunkOverlap: 128,
		MaxRetries:          3,
		EmbedVersion:        "v1.0",
	}
}

// Ingest validates the request, inserts attempt 1 and enqueues it.
// A known ingest id returns the existing job id with
// domain.ErrDuplicateIngest; the store, not this check, is the
// idempotency authority.
func (s IngestService) Ingest(ctx domain.Context, req IngestRequest) (IngestResult, error) {
	if err := s.validate(&req); err != nil {
		return IngestResult{}, err
	}

	now := s.Clock.Now()
	job := domain.Job{
		ID:           clock.NewJobID(),
		IngestID:     req.IngestID,
		ProjectID:    req.ProjectID,
		FileID:       req.FileID,
		ChunkSize:    req.ChunkSize,
		ChunkOverlap: req.ChunkOverlap,
		ForceOCR:     req.ForceOCR,
		EmbedVersion: s.EmbedVersion,
		Priority:     req.Priority,
		State:        domain.StateQueued,
		Attempt:      1,
		MaxRetries:   s.MaxRetries,
		TraceID:      clock.NewTraceID(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.Jobs.Insert(ctx, job); err != nil {
		if errors.Is(err, domain.ErrDuplicateIngest) {
			existing, lerr := s.Jobs.LoadByIngest(ctx, req.IngestID)
			if lerr != nil {
				return IngestResult{}, fmt.Errorf("op=usecase.ingest: %w", lerr)
			}
			return IngestResult{
				JobID:     existing.ID,
				IngestID:  existing.IngestID,
				Duplicate: true,
			}, domain.ErrDuplicateIngest
		}
		return IngestResult{}, fmt.Errorf("op=usecase.ingest: %w", err)
	}

	payload := domain.IngestPayload{
		JobID:        job.ID,
		IngestID:     job.IngestID,
		ProjectID:    job.ProjectID,
		FileID:       job.FileID,
		ChunkSize:    job.ChunkSize,
		ChunkOverlap: job.ChunkOverlap,
		ForceOCR:     job.ForceOCR,
		EmbedVersion: job.EmbedVersion,
		Attempt:      job.Attempt,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return IngestResult{}, fmt.Errorf("op=usecase.ingest: %w", err)
	}
	if err := s.Queue.Enqueue(ctx, s.QueueName, body, job.ID, job.Priority, 0); err != nil {
		return IngestResult{}, fmt.Errorf("op=usecase.ingest: %w", err)
	}
	observability.JobsEnqueuedTotal.WithLabelValues(string(job.Priority)).Inc()

	pos, err := s.Queue.Position(ctx, s.QueueName, job.ID)
	if err != nil {
		// Position is advisory; the job is safely enqueued.
		pos = 0
	}
	return IngestResult{
		JobID:              job.ID,
		IngestID:           job.IngestID,
		QueuePosition:      pos,
		EstimatedStartTime: now.Add(time.Duration(pos) * perQueuedJobEstimate),
	}, nil
}

func (s IngestService) validate(req *IngestRequest) error {
	if req.IngestID == "" {
		return fmt.Errorf("%w: ingest id is required", domain.ErrInvalidArgument)
	}
	if req.ProjectID == "" {
		return fmt.Errorf("%w: project id is required", domain.ErrInvalidArgument)
	}
	if req.FileID == "" {
		return fmt.Errorf("%w: file id is required", domain.ErrInvalidArgument)
	}
	if req.Priority == "" {
		req.Priority = domain.PriorityNormal
	}
	if !domain.ValidPriority(req.Priority) {
		return fmt.Errorf("%w: priority %q", domain.ErrInvalidArgument, req.Priority)
	}
	if req.ChunkSize == 0 {
		req.ChunkSize = s.DefaultChunkSize
	}
	if req.ChunkOverlap == 0 {
		req.ChunkOverlap = s.DefaultChunkOverlap
	}
	if req.ChunkSize < 0 || req.ChunkOverlap < 0 || req.ChunkOverlap >= req.ChunkSize {
		return fmt.Errorf("%w: chunk overlap %d must be smaller than chunk size %d",
			domain.ErrInvalidArgument, req.ChunkOverlap, req.ChunkSize)
	}
	return nil
}
