package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/doc-indexer/internal/adapter/observability"
	"github.com/fairyhunter13/doc-indexer/internal/clock"
	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// Reindex pacing: batches are spaced out so a large project does not
// starve interactive ingests, and the duration estimate assumes half a
// minute of pipeline work per document.
const (
	reindexBatchSpacing = 30 * time.Second
	reindexPerDocGuess  = 30 * time.Second
)

// ReindexRequest asks for every stale document of a project to be
// re-embedded under a new version tag.
type ReindexRequest struct {
	ProjectID       string `json:"project_id"`
	NewEmbedVersion string `json:"new_embed_version"`
	BatchSize       int    `json:"batch_size"`
}

// ReindexResult summarises the fan-out.
type ReindexResult struct {
	ReindexJobID             string `json:"reindex_job_id"`
	DocumentsToReindex       int    `json:"documents_to_reindex"`
	OldEmbedVersion          string `json:"old_embed_version"`
	NewEmbedVersion          string `json:"new_embed_version"`
	EstimatedDurationMinutes int    `json:"estimated_duration_minutes"`
}

// ReindexService fans a version bump out into per-document ingest jobs.
type ReindexService struct {
	Jobs  domain.JobRepository
	Docs  domain.DocumentRepository
	Queue domain.Queue
	Clock clock.Clock

	QueueName    string
	ChunkSize    int
	ChunkOverlap int
	MaxRetries   int
}

// NewReindexService wires the reindex fan-out.
func NewReindexService(jobs domain.JobRepository, docs domain.DocumentRepository, q domain.Queue, clk clock.Clock, queueName string) ReindexService {
	return ReindexService{
		Jobs:         jobs,
		Docs:         docs,
		Queue:        q,
		Clock:        clk,
		QueueName:    queueName,
		ChunkSize:    1024,
		ChunkOverlap: 128,
		MaxRetries:   3,
	}
}

// Reindex enqueues one low-priority job per document whose embed
// version differs from the requested one. Ingest ids are deterministic
// per (document, version), so repeating the call never doubles work:
// documents already re-enqueued hit the duplicate guard and are
// counted, not re-queued.
func (s ReindexService) Reindex(ctx domain.Context, req ReindexRequest) (ReindexResult, error) {
	if req.ProjectID == "" {
		return ReindexResult{}, fmt.Errorf("%w: project id is required", domain.ErrInvalidArgument)
	}
	if req.NewEmbedVersion == "" {
		return ReindexResult{}, fmt.Errorf("%w: new embed version is required", domain.ErrInvalidArgument)
	}
	if req.BatchSize <= 0 {
		req.BatchSize = 10
	}

	docs, err := s.Docs.ListByProject(ctx, req.ProjectID)
	if err != nil {
		return ReindexResult{}, fmt.Errorf("op=usecase.reindex: %w", err)
	}

	var stale []domain.Document
	oldVersion := ""
	for _, d := range docs {
		if d.EmbedVersion == req.NewEmbedVersion {
			continue
		}
		if oldVersion == "" {
			oldVersion = d.EmbedVersion
		}
		stale = append(stale, d)
	}

	result := ReindexResult{
		ReindexJobID:             clock.NewJobID(),
		DocumentsToReindex:       len(stale),
		OldEmbedVersion:          oldVersion,
		NewEmbedVersion:          req.NewEmbedVersion,
		EstimatedDurationMinutes: int((time.Duration(len(stale))*reindexPerDocGuess + time.Minute - 1) / time.Minute),
	}

	now := s.Clock.Now()
	for i, d := range stale {
		delay := time.Duration(i/req.BatchSize) * reindexBatchSpacing
		if err := s.enqueueDoc(ctx, d, req.NewEmbedVersion, now, delay); err != nil {
			return result, err
		}
	}
	slog.Info("reindex fan-out enqueued",
		slog.String("reindex_job_id", result.ReindexJobID),
		slog.String("project_id", req.ProjectID),
		slog.Int("documents", len(stale)),
		slog.String("new_embed_version", req.NewEmbedVersion))
	return result, nil
}

func (s ReindexService) enqueueDoc(ctx domain.Context, d domain.Document, version string, now time.Time, delay time.Duration) error {
	job := domain.Job{
		ID:           clock.NewJobID(),
		IngestID:     clock.ReindexIngestID(d.ID, version),
		ProjectID:    d.ProjectID,
		FileID:       d.ID,
		ContentType:  d.ContentType,
		SHA256:       d.SHA256,
		ChunkSize:    s.ChunkSize,
		ChunkOverlap: s.ChunkOverlap,
		EmbedVersion: version,
		Priority:     domain.PriorityLow,
		State:        domain.StateQueued,
		Attempt:      1,
		MaxRetries:   s.MaxRetries,
		TraceID:      clock.NewTraceID(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Jobs.Insert(ctx, job); err != nil {
		if errors.Is(err, domain.ErrDuplicateIngest) {
			return nil
		}
		return fmt.Errorf("op=usecase.reindex: %w", err)
	}
	body, err := json.Marshal(domain.IngestPayload{
		JobID:        job.ID,
		IngestID:     job.IngestID,
		ProjectID:    job.ProjectID,
		FileID:       job.FileID,
		ChunkSize:    job.ChunkSize,
		ChunkOverlap: job.ChunkOverlap,
		EmbedVersion: job.EmbedVersion,
		Attempt:      job.Attempt,
	})
	if err != nil {
		return fmt.Errorf("op=usecase.reindex: %w", err)
	}
	if err := s.Queue.Enqueue(ctx, s.QueueName, body, job.ID, job.Priority, delay); err != nil {
		return fmt.Errorf("op=usecase.reindex: %w", err)
	}
	observability.JobsEnqueuedTotal.WithLabelValues(string(job.Priority)).Inc()
	return nil
}
