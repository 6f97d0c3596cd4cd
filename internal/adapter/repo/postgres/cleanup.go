package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// CleanupService enforces retention: settled jobs age out, stale open DLQ
// entries auto-resolve, and long-resolved entries are deleted.
type CleanupService struct {
	Jobs             domain.JobRepository
	DLQ              domain.DLQRepository
	JobRetentionDays int
	DLQRetentionDays int
	AutoResolveDays  int
}

// NewCleanupService creates a cleanup service with sane fallbacks.
func NewCleanupService(jobs domain.JobRepository, dlq domain.DLQRepository, jobDays, dlqDays, autoResolveDays int) *CleanupService {
	if jobDays <= 0 {
		jobDays = 90
	}
	if dlqDays <= 0 {
		dlqDays = 30
	}
	if autoResolveDays <= 0 {
		autoResolveDays = 7
	}
	return &CleanupService{
		Jobs:             jobs,
		DLQ:              dlq,
		JobRetentionDays: jobDays,
		DLQRetentionDays: dlqDays,
		AutoResolveDays:  autoResolveDays,
	}
}

// Run performs one retention pass.
func (s *CleanupService) Run(ctx context.Context) error {
	now := time.Now().UTC()

	agedOut, err := s.Jobs.AgeOut(ctx, now.AddDate(0, 0, -s.JobRetentionDays))
	if err != nil {
		return err
	}

	autoResolved, err := s.DLQ.AutoResolve(ctx, now.AddDate(0, 0, -s.AutoResolveDays),
		"auto-resolved: open past triage window")
	if err != nil {
		return err
	}

	deleted, err := s.DLQ.DeleteResolved(ctx, now.AddDate(0, 0, -s.DLQRetentionDays))
	if err != nil {
		return err
	}

	slog.Info("retention pass completed",
		slog.Int64("jobs_aged_out", agedOut),
		slog.Int64("dlq_auto_resolved", autoResolved),
		slog.Int64("dlq_deleted", deleted))
	return nil
}

// RunPeriodic runs retention on a timer until the context ends.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.Run(ctx); err != nil {
		slog.Error("initial retention pass failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.Run(ctx); err != nil {
				slog.Error("retention pass failed", slog.Any("error", err))
			}
		}
	}
}
