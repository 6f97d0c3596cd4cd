package usecase

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/doc-indexer/internal/adapter/observability"
	"github.com/fairyhunter13/doc-indexer/internal/clock"
	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// CancelResult reports whether the cancel took hold.
type CancelResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// CancelService stops queued jobs directly and asks running jobs to
// stop at their next checkpoint.
type CancelService struct {
	Jobs      domain.JobRepository
	Queue     domain.Queue
	Flags     domain.CancelFlags
	Clock     clock.Clock
	QueueName string
}

// NewCancelService wires the cancel path.
func NewCancelService(jobs domain.JobRepository, q domain.Queue, flags domain.CancelFlags, clk clock.Clock, queueName string) CancelService {
	return CancelService{Jobs: jobs, Queue: q, Flags: flags, Clock: clk, QueueName: queueName}
}

// Cancel applies the cancel appropriate to the job's current state.
// Queued jobs are removed from the ready list and moved to canceled in
// one call; running jobs get a flag the executor observes within its
// poll interval. Terminal and already-failed jobs are left alone.
func (s CancelService) Cancel(ctx domain.Context, jobID, reason, requestedBy string) (CancelResult, error) {
	job, err := s.Jobs.Load(ctx, jobID)
	if err != nil {
		return CancelResult{}, fmt.Errorf("op=usecase.cancel: %w", err)
	}
	if reason == "" {
		reason = "canceled by user"
	}
	if requestedBy == "" {
		requestedBy = "user"
	}

	switch {
	case domain.IsTerminal(job.State) || domain.IsFailure(job.State):
		return CancelResult{Accepted: false, Reason: "terminal"}, nil

	case job.State == domain.StateQueued || job.State == domain.StateScheduled || job.State == domain.StateDeferred:
		removed, qerr := s.Queue.CancelQueued(ctx, job.ID)
		if qerr != nil {
			return CancelResult{}, fmt.Errorf("op=usecase.cancel: %w", qerr)
		}
		if !removed {
			// A worker grabbed it between Load and CancelQueued; fall
			// back to the running-job path.
			return s.flagRunning(ctx, job, reason, requestedBy)
		}
		now := s.Clock.Now()
		err := s.Jobs.Transition(ctx, job.ID, job.State, domain.StateCanceled, domain.TransitionFields{
			CancelReason: reason,
			CanceledAt:   &now,
			EndedAt:      &now,
		})
		if err != nil && !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrIllegalTransition) {
			return CancelResult{}, fmt.Errorf("op=usecase.cancel: %w", err)
		}
		observability.JobsCanceledTotal.Inc()
		slog.Info("queued job canceled",
			slog.String("job_id", job.ID),
			slog.String("reason", reason))
		return CancelResult{Accepted: true}, nil

	default:
		return s.flagRunning(ctx, job, reason, requestedBy)
	}
}

func (s CancelService) flagRunning(ctx domain.Context, job domain.Job, reason, requestedBy string) (CancelResult, error) {
	flag := domain.CancelFlag{
		JobID:       job.ID,
		Reason:      reason,
		RequestedBy: requestedBy,
		SetAt:       s.Clock.Now(),
	}
	if err := s.Flags.Set(ctx, flag); err != nil {
		return CancelResult{}, fmt.Errorf("op=usecase.cancel: %w", err)
	}
	slog.Info("cancel flag set",
		slog.String("job_id", job.ID),
		slog.String("requested_by", requestedBy))
	return CancelResult{Accepted: true}, nil
}
