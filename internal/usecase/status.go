package usecase

import (
	"errors"
	"fmt"
	"time"

	"github.com/fairyhunter13/doc-indexer/internal/clock"
	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// JobStatus is the external view of one job.
type JobStatus struct {
	JobID       string  `json:"job_id"`
	IngestID    string  `json:"ingest_id"`
	State       string  `json:"state"`
	ProgressPct int     `json:"progress_pct"`
	CurrentStep string  `json:"current_step,omitempty"`
	CreatedAt   string  `json:"created_at"`
	StartedAt   *string `json:"started_at,omitempty"`
	EndedAt     *string `json:"ended_at,omitempty"`

	EstimatedRemainingSeconds *int64 `json:"estimated_remaining_seconds,omitempty"`
	QueuePosition             *int64 `json:"queue_position,omitempty"`

	DocumentID    string `json:"document_id,omitempty"`
	ChunksIndexed *int   `json:"chunks_indexed,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	CancelReason  string `json:"cancel_reason,omitempty"`
	RetryCount    int    `json:"retry_count"`
}

// StatusService reads job progress.
type StatusService struct {
	Jobs      domain.JobRepository
	Queue     domain.Queue
	Clock     clock.Clock
	QueueName string
}

// NewStatusService wires the status read path.
func NewStatusService(jobs domain.JobRepository, q domain.Queue, clk clock.Clock, queueName string) StatusService {
	return StatusService{Jobs: jobs, Queue: q, Clock: clk, QueueName: queueName}
}

// Status loads the job and derives the presentation fields: queue
// position while waiting, a remaining-time estimate while running and
// the chain-wide retry count.
func (s StatusService) Status(ctx domain.Context, jobID string) (JobStatus, error) {
	job, err := s.Jobs.Load(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return JobStatus{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
		}
		return JobStatus{}, fmt.Errorf("op=usecase.status: %w", err)
	}

	st := JobStatus{
		JobID:        job.ID,
		IngestID:     job.IngestID,
		State:        string(job.State),
		ProgressPct:  job.ProgressPct,
		CurrentStep:  job.Step,
		CreatedAt:    clock.FormatTime(job.CreatedAt),
		ErrorCode:    job.ErrorKind,
		ErrorMessage: job.ErrorMessage,
		CancelReason: job.CancelReason,
	}
	if job.StartedAt != nil {
		v := clock.FormatTime(*job.StartedAt)
		st.StartedAt = &v
	}
	if job.EndedAt != nil {
		v := clock.FormatTime(*job.EndedAt)
		st.EndedAt = &v
	}
	if job.State == domain.StateIndexed {
		st.DocumentID = job.FileID
		if job.Metrics != nil {
			n := job.Metrics.ChunksStored
			st.ChunksIndexed = &n
		}
	}

	attempts, err := s.Jobs.ChainAttempts(ctx, job.IngestID)
	if err == nil && attempts > 0 {
		st.RetryCount = attempts - 1
	}

	switch {
	case job.State == domain.StateQueued || job.State == domain.StateScheduled || job.State == domain.StateDeferred:
		if pos, perr := s.Queue.Position(ctx, s.QueueName, job.ID); perr == nil {
			st.QueuePosition = &pos
			eta := int64((time.Duration(pos+1) * perQueuedJobEstimate) / time.Second)
			st.EstimatedRemainingSeconds = &eta
		}
	case domain.IsRunning(job.State) && job.StartedAt != nil && job.ProgressPct > 0:
		elapsed := s.Clock.Now().Sub(*job.StartedAt)
		remaining := int64(elapsed/time.Second) * int64(100-job.ProgressPct) / int64(job.ProgressPct)
		st.EstimatedRemainingSeconds = &remaining
	}
	return st, nil
}
