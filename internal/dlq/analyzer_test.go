package dlq_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/doc-indexer/internal/clock"
	"github.com/fairyhunter13/doc-indexer/internal/dlq"
	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

type fakeDLQRepo struct {
	domain.DLQRepository
	entries      []domain.DLQEntry
	similar      int
	open         int64
	inserted     []domain.DLQEntry
	listSince    time.Time
	similarSince time.Time
}

func (f *fakeDLQRepo) Insert(_ domain.Context, e domain.DLQEntry) (string, error) {
	f.inserted = append(f.inserted, e)
	return e.ID, nil
}

func (f *fakeDLQRepo) ListSince(_ domain.Context, since time.Time) ([]domain.DLQEntry, error) {
	f.listSince = since
	return f.entries, nil
}

func (f *fakeDLQRepo) CountSimilar(_ domain.Context, _ domain.ErrorKind, since time.Time) (int, error) {
	f.similarSince = since
	return f.similar, nil
}

func (f *fakeDLQRepo) CountOpen(_ domain.Context) (int64, error) { return f.open, nil }

func TestAnalyze_Categories(t *testing.T) {
	a := dlq.NewAnalyzer(nil)
	cases := []struct {
		kind     domain.ErrorKind
		message  string
		category string
	}{
		{domain.KindFileCorrupted, "PDF contains JavaScript", dlq.CategoryFileHandling},
		{domain.KindExtractionFailed, "tika returned empty text", dlq.CategoryContentExtraction},
		{domain.KindEmbeddingRateLimited, "rate limit hit on batch 3", dlq.CategoryEmbeddingAPI},
		{domain.KindVectorStoreWrite, "qdrant upsert refused", dlq.CategoryVectorStorage},
		{domain.KindMemoryExhausted, "resident memory over cap", dlq.CategorySystemResource},
		{domain.KindUnknown, "???", dlq.CategoryUnknown},
	}
	for _, tc := range cases {
		analysis := a.Analyze(context.Background(), domain.DLQEntry{ErrorKind: tc.kind, ErrorMessage: tc.message})
		assert.Equal(t, tc.category, analysis.Category, "%s / %s", tc.kind, tc.message)
	}
}

func TestAnalyze_Severity(t *testing.T) {
	a := dlq.NewAnalyzer(nil)

	crit := a.Analyze(context.Background(), domain.DLQEntry{
		ErrorKind: domain.KindFileCorrupted, ErrorMessage: "data corruption detected", AttemptCount: 1,
	})
	assert.Equal(t, dlq.SeverityCritical, crit.Severity)
	assert.True(t, crit.Critical)
	assert.False(t, crit.RetryRecommended)

	high := a.Analyze(context.Background(), domain.DLQEntry{
		ErrorKind: domain.KindChunkingError, ErrorMessage: "no chunks produced", AttemptCount: 4,
	})
	assert.Equal(t, dlq.SeverityHigh, high.Severity)

	low := a.Analyze(context.Background(), domain.DLQEntry{
		ErrorKind: domain.KindNetworkError, ErrorMessage: "connection refused", AttemptCount: 1,
	})
	assert.Equal(t, dlq.SeverityLow, low.Severity)
	assert.True(t, low.Transient)

	medium := a.Analyze(context.Background(), domain.DLQEntry{
		ErrorKind: domain.KindChunkingError, ErrorMessage: "no chunks produced", AttemptCount: 1,
	})
	assert.Equal(t, dlq.SeverityMedium, medium.Severity)
}

func TestAnalyze_RetryRecommendation(t *testing.T) {
	a := dlq.NewAnalyzer(nil)

	// Validation kinds never recommend retrying.
	v := a.Analyze(context.Background(), domain.DLQEntry{
		ErrorKind: domain.KindInvalidFileType, ErrorMessage: "extension .exe is not allowed", AttemptCount: 1,
	})
	assert.False(t, v.RetryRecommended)

	// Attempt budget exhausted.
	exhausted := a.Analyze(context.Background(), domain.DLQEntry{
		ErrorKind: domain.KindNetworkError, ErrorMessage: "connection reset", AttemptCount: 5,
	})
	assert.False(t, exhausted.RetryRecommended)

	ok := a.Analyze(context.Background(), domain.DLQEntry{
		ErrorKind: domain.KindNetworkError, ErrorMessage: "connection reset", AttemptCount: 2,
	})
	assert.True(t, ok.RetryRecommended)
}

func TestAnalyze_CorruptPDFScenario(t *testing.T) {
	// A JavaScript-bearing PDF has no critical keyword in its message,
	// lands in file_handling at medium severity, no retry.
	a := dlq.NewAnalyzer(nil)
	analysis := a.Analyze(context.Background(), domain.DLQEntry{
		ErrorKind:    domain.KindFileCorrupted,
		ErrorMessage: "PDF contains JavaScript",
		AttemptCount: 1,
	})
	assert.Equal(t, dlq.CategoryFileHandling, analysis.Category)
	assert.Equal(t, dlq.SeverityMedium, analysis.Severity)
	assert.False(t, analysis.RetryRecommended)
}

func TestTrendReport(t *testing.T) {
	now := time.Now().UTC()
	repo := &fakeDLQRepo{}
	for i := 0; i < 7; i++ {
		repo.entries = append(repo.entries, domain.DLQEntry{
			ErrorKind: domain.KindEmbeddingRateLimited, ProjectID: "proj-1", FailedAt: now,
		})
	}
	repo.entries = append(repo.entries,
		domain.DLQEntry{ErrorKind: domain.KindOCREngineError, ProjectID: "proj-2", FailedAt: now.AddDate(0, 0, -1)},
	)

	a := dlq.NewAnalyzer(repo)
	report, err := a.TrendReport(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, 8, report.Total)
	assert.Equal(t, 7, report.ByKind[string(domain.KindEmbeddingRateLimited)])
	require.NotEmpty(t, report.TopKinds)
	assert.Equal(t, string(domain.KindEmbeddingRateLimited), report.TopKinds[0].Kind)
	assert.Contains(t, report.Recommendations[0], "most common kind")
	// proj-1 failed 7 times (> 3) so it must be called out.
	assert.Contains(t, report.Recommendations[1], "proj-1")
}

func TestService_PromoteAlertsOnCritical(t *testing.T) {
	repo := &fakeDLQRepo{}
	var sent []domain.Alert
	sink := alertFunc(func(a domain.Alert) { sent = append(sent, a) })

	svc := dlq.NewService(repo, sink, 50, clock.System())
	job := domain.Job{
		ID: "job-1", IngestID: "ing-1", ProjectID: "proj-1", Step: "upload",
		ErrorKind: string(domain.KindFileCorrupted), ErrorMessage: "security scan flagged injection", Attempt: 1,
	}
	id, err := svc.Promote(context.Background(), job, domain.IngestPayload{JobID: "job-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.Len(t, repo.inserted, 1)
	assert.Equal(t, dlq.SeverityCritical, repo.inserted[0].Analysis.Severity)
	require.Len(t, sent, 1)
	assert.Equal(t, dlq.SeverityCritical, sent[0].Severity)
}

func TestService_PromoteAlertsOnRecurrence(t *testing.T) {
	repo := &fakeDLQRepo{similar: 6}
	var sent []domain.Alert
	svc := dlq.NewService(repo, alertFunc(func(a domain.Alert) { sent = append(sent, a) }), 0, clock.System())

	job := domain.Job{
		ID: "job-2", IngestID: "ing-2", Step: "embed",
		ErrorKind: string(domain.KindEmbeddingRateLimited), ErrorMessage: "rate limit", Attempt: 4,
	}
	_, err := svc.Promote(context.Background(), job, domain.IngestPayload{})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Title, "seen 6 times")
}

func TestService_PromoteQuietWhenBelowThresholds(t *testing.T) {
	repo := &fakeDLQRepo{similar: 1, open: 3}
	var sent []domain.Alert
	svc := dlq.NewService(repo, alertFunc(func(a domain.Alert) { sent = append(sent, a) }), 50, clock.System())

	job := domain.Job{
		ID: "job-3", IngestID: "ing-3", Step: "chunk",
		ErrorKind: string(domain.KindChunkingError), ErrorMessage: "no chunks", Attempt: 1,
	}
	_, err := svc.Promote(context.Background(), job, domain.IngestPayload{})
	require.NoError(t, err)
	assert.Empty(t, sent)
}

func TestService_PromoteUsesInjectedClock(t *testing.T) {
	repo := &fakeDLQRepo{}
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	svc := dlq.NewService(repo, nil, 0, clock.NewFake(now))

	job := domain.Job{
		ID: "job-4", IngestID: "ing-4", Step: "embed",
		ErrorKind: string(domain.KindEmbeddingRateLimited), ErrorMessage: "rate limit", Attempt: 3,
	}
	_, err := svc.Promote(context.Background(), job, domain.IngestPayload{})
	require.NoError(t, err)
	require.Len(t, repo.inserted, 1)
	assert.Equal(t, now, repo.inserted[0].FailedAt)
	// Recurrence lookback is anchored on the same clock.
	assert.Equal(t, now.Add(-24*time.Hour), repo.similarSince)
}

func TestTrendReport_WindowFromInjectedClock(t *testing.T) {
	repo := &fakeDLQRepo{}
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	a := dlq.NewAnalyzer(repo)
	a.Clock = clock.NewFake(now)

	_, err := a.TrendReport(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -7), repo.listSince)
}

type alertFunc func(domain.Alert)

func (f alertFunc) Send(_ domain.Context, a domain.Alert) { f(a) }
