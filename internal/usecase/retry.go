package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/doc-indexer/internal/adapter/observability"
	"github.com/fairyhunter13/doc-indexer/internal/clock"
	"github.com/fairyhunter13/doc-indexer/internal/dlq"
	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// RetryResult reports the manual-retry outcome: either a scheduled
// child attempt or promotion to the dead-letter queue.
type RetryResult struct {
	RetryJobID   string           `json:"retry_job_id,omitempty"`
	RetryCount   int              `json:"retry_count,omitempty"`
	DelaySeconds int64            `json:"delay_seconds"`
	ScheduledAt  *time.Time       `json:"scheduled_at,omitempty"`
	SentToDLQ    bool             `json:"sent_to_dlq"`
	DLQEntry     *domain.DLQEntry `json:"dlq_entry,omitempty"`
}

// RetryService re-drives failed jobs on operator request.
type RetryService struct {
	Jobs      domain.JobRepository
	Queue     domain.Queue
	DLQ       *dlq.Service
	Clock     clock.Clock
	QueueName string
}

// NewRetryService wires the manual retry path.
func NewRetryService(jobs domain.JobRepository, q domain.Queue, d *dlq.Service, clk clock.Clock, queueName string) RetryService {
	return RetryService{Jobs: jobs, Queue: q, DLQ: d, Clock: clk, QueueName: queueName}
}

// Retry spawns the next attempt for a job sitting in a failure state.
// maxRetries, when non-nil, overrides the job's retry budget for this
// decision and for the child. delay, when non-nil, overrides the
// policy delay. A job out of budget is promoted to the DLQ instead.
func (s RetryService) Retry(ctx domain.Context, jobID string, maxRetries *int, delay *time.Duration) (RetryResult, error) {
	job, err := s.Jobs.Load(ctx, jobID)
	if err != nil {
		return RetryResult{}, fmt.Errorf("op=usecase.retry: %w", err)
	}
	if domain.IsTerminal(job.State) {
		return RetryResult{}, fmt.Errorf("%w: job %s is %s", domain.ErrTerminal, job.ID, job.State)
	}
	if !domain.IsFailure(job.State) {
		return RetryResult{}, fmt.Errorf("%w: job %s is %s, only failed jobs can be retried",
			domain.ErrInvalidArgument, job.ID, job.State)
	}

	budget := job.MaxRetries
	if maxRetries != nil {
		budget = *maxRetries
	}
	if job.Attempt > budget {
		entry, derr := s.promote(ctx, job)
		if derr != nil {
			return RetryResult{}, derr
		}
		return RetryResult{SentToDLQ: true, DLQEntry: &entry}, nil
	}

	wait := domain.PolicyFor(domain.ErrorKind(job.ErrorKind)).Delay(job.Attempt)
	if delay != nil {
		wait = *delay
	}

	now := s.Clock.Now()
	child := domain.Job{
		ID:           clock.NewJobID(),
		IngestID:     job.IngestID,
		ProjectID:    job.ProjectID,
		FileID:       job.FileID,
		ContentType:  job.ContentType,
		SHA256:       job.SHA256,
		ChunkSize:    job.ChunkSize,
		ChunkOverlap: job.ChunkOverlap,
		ForceOCR:     job.ForceOCR,
		EmbedVersion: job.EmbedVersion,
		Priority:     job.Priority,
		State:        domain.StateQueued,
		Attempt:      job.Attempt + 1,
		MaxRetries:   budget,
		ParentJobID:  job.ID,
		TraceID:      job.TraceID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Jobs.Insert(ctx, child); err != nil {
		if errors.Is(err, domain.ErrDuplicateIngest) {
			return RetryResult{}, fmt.Errorf("%w: attempt %d already spawned for ingest %s",
				domain.ErrConflict, child.Attempt, job.IngestID)
		}
		return RetryResult{}, fmt.Errorf("op=usecase.retry: %w", err)
	}

	body, err := json.Marshal(domain.IngestPayload{
		JobID:        child.ID,
		IngestID:     child.IngestID,
		ProjectID:    child.ProjectID,
		FileID:       child.FileID,
		ChunkSize:    child.ChunkSize,
		ChunkOverlap: child.ChunkOverlap,
		ForceOCR:     child.ForceOCR,
		EmbedVersion: child.EmbedVersion,
		Attempt:      child.Attempt,
	})
	if err != nil {
		return RetryResult{}, fmt.Errorf("op=usecase.retry: %w", err)
	}
	if err := s.Queue.Enqueue(ctx, s.QueueName, body, child.ID, child.Priority, wait); err != nil {
		return RetryResult{}, fmt.Errorf("op=usecase.retry: %w", err)
	}
	observability.JobsRetriedTotal.WithLabelValues(job.ErrorKind).Inc()

	scheduled := now.Add(wait)
	slog.Info("manual retry scheduled",
		slog.String("job_id", job.ID),
		slog.String("retry_job_id", child.ID),
		slog.Int("attempt", child.Attempt),
		slog.Duration("delay", wait))
	return RetryResult{
		RetryJobID:   child.ID,
		RetryCount:   child.Attempt,
		DelaySeconds: int64(wait / time.Second),
		ScheduledAt:  &scheduled,
	}, nil
}

func (s RetryService) promote(ctx domain.Context, job domain.Job) (domain.DLQEntry, error) {
	err := s.Jobs.Transition(ctx, job.ID, job.State, domain.StateDeadLetter, domain.TransitionFields{})
	if err != nil && !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrIllegalTransition) {
		return domain.DLQEntry{}, fmt.Errorf("op=usecase.retry: %w", err)
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
	id, err := s.DLQ.Promote(ctx, job, payload)
	if err != nil {
		return domain.DLQEntry{}, fmt.Errorf("op=usecase.retry: %w", err)
	}
	entry, err := s.DLQ.Repo.Get(ctx, id)
	if err != nil {
		return domain.DLQEntry{}, fmt.Errorf("op=usecase.retry: %w", err)
	}
	return entry, nil
}
