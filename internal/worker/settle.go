package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/doc-indexer/internal/adapter/observability"
	"github.com/fairyhunter13/doc-indexer/internal/clock"
	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// settle records the durable disposition of a failed run: canceled,
// retried via a child job, or dead-lettered. A nil return means the
// queue message can be acked.
func (p *Pipeline) settle(ctx context.Context, r *run, runErr error) error {
	var pe *domain.PipelineError
	if !errors.As(runErr, &pe) {
		if errors.Is(runErr, domain.ErrConflict) || errors.Is(runErr, domain.ErrIllegalTransition) {
			// Another actor moved the job under us (cancel API, reaped
			// twin). Their transition stands; nothing to redeliver.
			slog.Warn("job moved concurrently, dropping run",
				slog.String("job_id", r.job.ID), slog.Any("error", runErr))
			return nil
		}
		// Infrastructure failure before any disposition: redeliver.
		return runErr
	}

	if pe.Kind.IsCancel() {
		return p.settleCancel(ctx, r, pe)
	}

	failState := domain.FailureStateFor(pe.Stage)
	if pe.Kind == domain.KindWorkerTimeout {
		failState = domain.StateFailedTimeout
	}
	now := p.Clock.Now()
	err := p.Jobs.Transition(ctx, r.job.ID, r.state, failState, domain.TransitionFields{
		Step:         pe.Stage,
		ErrorKind:    string(pe.Kind),
		ErrorMessage: pe.Msg,
		ErrorDetail:  pe.Detail,
		Metrics:      &r.metrics,
		EndedAt:      &now,
	})
	if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrIllegalTransition) {
		slog.Warn("failure transition lost a race",
			slog.String("job_id", r.job.ID), slog.Any("error", err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("op=worker.settle: %w", err)
	}
	r.state = failState
	observability.JobsFailedTotal.WithLabelValues(pe.Stage, string(pe.Kind)).Inc()
	slog.Warn("job failed",
		slog.String("job_id", r.job.ID),
		slog.String("stage", pe.Stage),
		slog.String("kind", string(pe.Kind)),
		slog.Int("attempt", r.job.Attempt),
		slog.String("error", pe.Error()))

	policy := domain.PolicyFor(pe.Kind)
	if policy.ShouldRetry(r.job.Attempt) && r.job.Attempt <= r.job.MaxRetries {
		return p.spawnRetry(ctx, r, pe, policy)
	}
	return p.deadLetter(ctx, r, pe)
}

func (p *Pipeline) settleCancel(ctx context.Context, r *run, pe *domain.PipelineError) error {
	now := p.Clock.Now()
	err := p.Jobs.Transition(ctx, r.job.ID, r.state, domain.StateCanceled, domain.TransitionFields{
		Step:         pe.Stage,
		ErrorKind:    string(pe.Kind),
		CancelReason: pe.Msg,
		CanceledAt:   &now,
		EndedAt:      &now,
	})
	if err != nil && !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrIllegalTransition) {
		return fmt.Errorf("op=worker.cancel: %w", err)
	}
	if cerr := p.Cancels.Clear(ctx, r.job.ID); cerr != nil {
		slog.Warn("cancel flag clear failed", slog.String("job_id", r.job.ID), slog.Any("error", cerr))
	}
	observability.JobsCanceledTotal.Inc()
	slog.Info("job canceled",
		slog.String("job_id", r.job.ID),
		slog.String("reason", pe.Msg))
	return nil
}

// spawnRetry inserts the next attempt of the chain and delayed-enqueues
// it per the error kind's policy.
func (p *Pipeline) spawnRetry(ctx context.Context, r *run, pe *domain.PipelineError, policy domain.RetryPolicy) error {
	now := p.Clock.Now()
	child := domain.Job{
		ID:           clock.NewJobID(),
		IngestID:     r.job.IngestID,
		ProjectID:    r.job.ProjectID,
		FileID:       r.job.FileID,
		ContentType:  r.job.ContentType,
		SHA256:       r.sha256,
		ChunkSize:    r.job.ChunkSize,
		ChunkOverlap: r.job.ChunkOverlap,
		ForceOCR:     r.job.ForceOCR,
		EmbedVersion: r.job.EmbedVersion,
		Priority:     r.job.Priority,
		State:        domain.StateQueued,
		Attempt:      r.job.Attempt + 1,
		MaxRetries:   r.job.MaxRetries,
		ParentJobID:  r.job.ID,
		TraceID:      r.job.TraceID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := p.Jobs.Insert(ctx, child)
	if errors.Is(err, domain.ErrDuplicateIngest) {
		// Attempt row already exists: a concurrent settle won the spawn.
		return nil
	}
	if err != nil {
		return fmt.Errorf("op=worker.spawn_retry: %w", err)
	}

	payload := r.payload
	payload.JobID = child.ID
	payload.Attempt = child.Attempt
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=worker.spawn_retry: %w", err)
	}
	delay := policy.Delay(r.job.Attempt)
	if err := p.Queue.Enqueue(ctx, p.cfg.Queue, body, child.ID, child.Priority, delay); err != nil {
		return fmt.Errorf("op=worker.spawn_retry: %w", err)
	}
	observability.JobsRetriedTotal.WithLabelValues(string(pe.Kind)).Inc()
	slog.Info("retry scheduled",
		slog.String("job_id", r.job.ID),
		slog.String("retry_job_id", child.ID),
		slog.Int("attempt", child.Attempt),
		slog.Duration("delay", delay))
	return nil
}

// deadLetter moves the job to its terminal failure and writes the DLQ
// entry. The entry insert is idempotent on job id, so a crash between
// the two steps recovers cleanly on redelivery.
func (p *Pipeline) deadLetter(ctx context.Context, r *run, pe *domain.PipelineError) error {
	if err := p.Jobs.Transition(ctx, r.job.ID, r.state, domain.StateDeadLetter, domain.TransitionFields{}); err != nil {
		if !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrIllegalTransition) {
			return fmt.Errorf("op=worker.dead_letter: %w", err)
		}
	}
	failed := r.job
	failed.Step = pe.Stage
	failed.ErrorKind = string(pe.Kind)
	failed.ErrorMessage = pe.Msg
	if _, err := p.DLQ.Promote(ctx, failed, r.payload); err != nil {
		return fmt.Errorf("op=worker.dead_letter: %w", err)
	}
	slog.Warn("job dead-lettered",
		slog.String("job_id", r.job.ID),
		slog.String("kind", string(pe.Kind)),
		slog.Int("attempt", r.job.Attempt))
	return nil
}
