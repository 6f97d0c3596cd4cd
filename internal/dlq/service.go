package dlq

import (
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/doc-indexer/internal/adapter/observability"
	"github.com/fairyhunter13/doc-indexer/internal/clock"
	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// sameKindAlertFloor triggers an alert when one kind recurs this often
// inside 24 hours.
const sameKindAlertFloor = 5

// Service promotes terminally failed jobs into the DLQ and raises
// operator alerts.
type Service struct {
	Repo          domain.DLQRepository
	Analyzer      *Analyzer
	Alerts        domain.AlertSink
	OpenThreshold int64
	Clock         clock.Clock
}

// NewService wires the DLQ write path.
func NewService(repo domain.DLQRepository, alerts domain.AlertSink, openThreshold int64, clk clock.Clock) *Service {
	return &Service{
		Repo:          repo,
		Analyzer:      &Analyzer{Repo: repo, Clock: clk},
		Alerts:        alerts,
		OpenThreshold: openThreshold,
		Clock:         clk,
	}
}

// Promote writes the DLQ entry for a job that exhausted its retries.
// Idempotent per job id; re-promotion returns the stored entry id.
func (s *Service) Promote(ctx domain.Context, job domain.Job, payload domain.IngestPayload) (string, error) {
	entry := domain.DLQEntry{
		ID:           clock.NewJobID(),
		JobID:        job.ID,
		IngestID:     job.IngestID,
		ProjectID:    job.ProjectID,
		LastStep:     job.Step,
		ErrorKind:    domain.ErrorKind(job.ErrorKind),
		ErrorMessage: job.ErrorMessage,
		ErrorStack:   job.ErrorStack,
		AttemptCount: job.Attempt,
		FailedAt:     s.Clock.Now(),
		TraceID:      job.TraceID,
		Payload:      payload,
	}
	analysis := s.Analyzer.Analyze(ctx, entry)
	entry.Analysis = &analysis

	id, err := s.Repo.Insert(ctx, entry)
	if err != nil {
		return "", fmt.Errorf("op=dlq.promote: %w", err)
	}
	observability.DLQEntriesTotal.WithLabelValues(analysis.Category).Inc()

	s.maybeAlert(ctx, entry, analysis)
	return id, nil
}

func (s *Service) maybeAlert(ctx domain.Context, entry domain.DLQEntry, analysis domain.DLQAnalysis) {
	if s.Alerts == nil {
		return
	}
	var reason string
	switch {
	case analysis.Severity == SeverityCritical:
		reason = "critical failure"
	case analysis.SimilarLast24h >= sameKindAlertFloor:
		reason = fmt.Sprintf("kind %s seen %d times in 24h", entry.ErrorKind, analysis.SimilarLast24h)
	default:
		if s.OpenThreshold > 0 {
			if open, err := s.Repo.CountOpen(ctx); err == nil && open >= s.OpenThreshold {
				reason = fmt.Sprintf("open DLQ size %d at or over threshold %d", open, s.OpenThreshold)
			}
		}
	}
	if reason == "" {
		return
	}
	s.Alerts.Send(ctx, domain.Alert{
		Severity: analysis.Severity,
		Title:    "dead-letter alert: " + reason,
		Body:     fmt.Sprintf("job %s (ingest %s) failed at %s: %s", entry.JobID, entry.IngestID, entry.LastStep, entry.ErrorMessage),
		JobID:    entry.JobID,
		Kind:     string(entry.ErrorKind),
		At:       s.Clock.Now(),
	})
}

// LogSink writes alerts to the structured log. The delivery channel is
// pluggable; this is the default.
type LogSink struct{}

// Send logs the alert.
func (LogSink) Send(_ domain.Context, a domain.Alert) {
	slog.Warn("dlq alert",
		slog.String("severity", a.Severity),
		slog.String("title", a.Title),
		slog.String("job_id", a.JobID),
		slog.String("kind", a.Kind),
		slog.String("body", a.Body))
}
