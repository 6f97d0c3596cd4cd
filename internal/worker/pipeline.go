// Package worker runs the ingestion pipeline: it drains the queue and
// drives each job through upload, extraction, optional OCR, chunking,
// embedding and vector storage, with every step gated by a state
// transition and a cancel check.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/fairyhunter13/doc-indexer/internal/adapter/observability"
	"github.com/fairyhunter13/doc-indexer/internal/clock"
	"github.com/fairyhunter13/doc-indexer/internal/dlq"
	"github.com/fairyhunter13/doc-indexer/internal/domain"
	"github.com/fairyhunter13/doc-indexer/internal/service/guard"
	"github.com/fairyhunter13/doc-indexer/internal/tokens"
	"github.com/fairyhunter13/doc-indexer/pkg/textx"
)

// text-embedding-3-small list price per million tokens.
const embedCostPerMillionUSD = 0.02

// rateLimitKey is the shared window key for all embedding calls.
const rateLimitKey = "embed"

// Config carries the pipeline tunables.
type Config struct {
	Queue            string
	WorkerTimeout    time.Duration
	ChunkTimeout     time.Duration
	CancelPoll       time.Duration
	OCRMinChars      int
	OCRMinConfidence float64
	EmbedBatchSize   int
	EmbedBatchPause  time.Duration
	EmbedConcurrency int
	EmbedModel       string
	EmbedVersion     string
	TempDir          string
}

func (c *Config) applyDefaults() {
	if c.WorkerTimeout <= 0 {
		c.WorkerTimeout = time.Hour
	}
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = 5 * time.Minute
	}
	if c.CancelPoll <= 0 {
		c.CancelPoll = 5 * time.Second
	}
	if c.OCRMinChars <= 0 {
		c.OCRMinChars = 50
	}
	if c.OCRMinConfidence <= 0 {
		c.OCRMinConfidence = 0.7
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = 32
	}
	if c.EmbedConcurrency <= 0 {
		c.EmbedConcurrency = 3
	}
	if c.EmbedVersion == "" {
		c.EmbedVersion = "v1.0"
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
}

// Pipeline executes one ingest job end to end.
type Pipeline struct {
	Jobs      domain.JobRepository
	Docs      domain.DocumentRepository
	Queue     domain.Queue
	Cancels   domain.CancelFlags
	Files     domain.FileSource
	Extractor domain.Extractor
	OCR       domain.OCREngine
	Chunker   domain.Chunker
	Embedder  domain.EmbeddingModel
	Vectors   domain.VectorStore
	Limiter   domain.RateLimiter
	Scanner   *guard.FileScanner
	Resources *guard.ResourceGuard
	Estimator *tokens.Estimator
	DLQ       *dlq.Service
	Clock     clock.Clock

	cfg   Config
	sem   *semaphore.Weighted
	pacer *rate.Limiter
}

// NewPipeline wires a pipeline. The embedding semaphore is shared by all
// jobs running in this process.
func NewPipeline(cfg Config) *Pipeline {
	cfg.applyDefaults()
	p := &Pipeline{cfg: cfg}
	p.sem = semaphore.NewWeighted(int64(cfg.EmbedConcurrency))
	if cfg.EmbedBatchPause > 0 {
		p.pacer = rate.NewLimiter(rate.Every(cfg.EmbedBatchPause), 1)
	}
	return p
}

// run carries the mutable state of one pipeline execution.
type run struct {
	job     domain.Job
	payload domain.IngestPayload
	state   domain.State
	metrics domain.JobMetrics

	fileInfo domain.FileInfo
	tmp      *guard.TempFile
	tmpDir   string
	sha256   string
	text     string
	chunks   []string
	vectors  [][]float32
}

// cleanup removes the per-job working copy; idempotent.
func (r *run) cleanup() {
	if r.tmp != nil {
		if err := r.tmp.Cleanup(); err != nil {
			slog.Warn("temp cleanup failed", slog.String("job_id", r.job.ID), slog.Any("error", err))
		}
	}
	if r.tmpDir != "" {
		_ = os.Remove(r.tmpDir)
	}
}

// Execute processes one dequeued payload. A nil return means the job
// reached a durable disposition (indexed, failed-and-handled, canceled,
// dead-lettered) and the queue message can be acked. A non-nil return is
// an infrastructure failure: the message should be redelivered.
func (p *Pipeline) Execute(ctx context.Context, raw []byte) error {
	var payload domain.IngestPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		// A payload that never parses would be redelivered forever.
		slog.Error("dropping undecodable payload", slog.Any("error", err))
		return nil
	}

	ctx, span := otel.Tracer("worker").Start(ctx, "pipeline.Execute")
	defer span.End()

	job, err := p.Jobs.Load(ctx, payload.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		slog.Warn("payload references unknown job", slog.String("job_id", payload.JobID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("op=worker.load: %w", err)
	}
	if domain.IsTerminal(job.State) {
		return nil
	}

	observability.JobsProcessing.Inc()
	defer observability.JobsProcessing.Dec()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	timeoutCtx, cancelTimeout := context.WithTimeoutCause(ctx, p.cfg.WorkerTimeout,
		domain.NewPipelineError(domain.KindWorkerTimeout, "timeout", "job exceeded the wall-clock budget", nil))
	defer cancelTimeout()

	stopWatch := p.watchCancel(timeoutCtx, job.ID, cancel)
	defer stopWatch()

	r := &run{job: job, payload: payload, state: job.State}
	defer r.cleanup()
	r.metrics.QueueWaitMs = p.Clock.Now().Sub(job.CreatedAt).Milliseconds()
	r.metrics.EmbedModel = p.cfg.EmbedModel

	if err := p.drive(timeoutCtx, r); err != nil {
		// Settlement must land even when the run context was canceled or
		// timed out; only values are carried over.
		return p.settle(context.WithoutCancel(ctx), r, err)
	}
	return nil
}

// drive runs the stages in order. Any error aborts the remainder.
func (p *Pipeline) drive(ctx context.Context, r *run) error {
	type stage struct {
		name  string
		state domain.State
		fn    func(context.Context, *run) error
	}
	stages := []stage{
		{"validate", domain.StateStarted, p.validate},
		{"upload", domain.StateUploading, p.upload},
		{"extract", domain.StateExtracting, p.extract},
		// ocr is entered conditionally from inside extract's successor pick
		{"chunk", domain.StateChunking, p.chunk},
		{"embed", domain.StateEmbedding, p.embed},
		{"store", domain.StateStoring, p.store},
	}

	for _, st := range stages {
		if st.name == "chunk" && p.needsOCR(r) {
			if err := p.transition(ctx, r, domain.StateOCR, domain.TransitionFields{Step: "ocr"}); err != nil {
				return err
			}
			if err := p.checkpoint(ctx, r, "ocr"); err != nil {
				return err
			}
			if err := p.timed(ctx, r, "ocr", &r.metrics.OCRMs, p.runOCR); err != nil {
				return err
			}
		}
		fields := domain.TransitionFields{Step: st.name, SHA256: r.sha256}
		if st.state == domain.StateStarted {
			now := p.Clock.Now()
			fields.StartedAt = &now
		}
		if err := p.transition(ctx, r, st.state, fields); err != nil {
			return err
		}
		if err := p.checkpoint(ctx, r, st.name); err != nil {
			return err
		}
		if err := p.timed(ctx, r, st.name, stageMetric(&r.metrics, st.name), st.fn); err != nil {
			return err
		}
	}

	return p.finalize(ctx, r)
}

// checkpoint is the between-stage gate: cancel flag plus resource caps.
func (p *Pipeline) checkpoint(ctx context.Context, r *run, stage string) error {
	if err := p.checkCancel(ctx, r.job.ID, stage); err != nil {
		return err
	}
	if p.Resources != nil {
		if err := p.Resources.Check(stage); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) checkCancel(ctx context.Context, jobID, stage string) error {
	if cause := context.Cause(ctx); cause != nil {
		var pe *domain.PipelineError
		if errors.As(cause, &pe) {
			return pe
		}
		return domain.NewPipelineError(domain.KindSystemCanceled, stage, "context canceled", cause)
	}
	flag, ok, err := p.Cancels.Get(ctx, jobID)
	if err != nil {
		// The flag store being down must not kill the job.
		slog.Warn("cancel flag read failed", slog.String("job_id", jobID), slog.Any("error", err))
		return nil
	}
	if !ok {
		return nil
	}
	kind := domain.KindUserCanceled
	if flag.RequestedBy == "system" {
		kind = domain.KindSystemCanceled
	}
	return domain.NewPipelineError(kind, stage, "cancel requested: "+flag.Reason, nil)
}

// watchCancel polls the cancel flag on an interval so a running stage is
// interrupted within the poll period even between checkpoints.
func (p *Pipeline) watchCancel(ctx context.Context, jobID string, cancel context.CancelCauseFunc) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(p.cfg.CancelPoll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := p.checkCancel(ctx, jobID, "watch"); err != nil {
					cancel(err)
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// transition compare-and-sets the job state and keeps the local copy in
// step. A conflict means another actor moved the job; the run aborts.
func (p *Pipeline) transition(ctx context.Context, r *run, to domain.State, fields domain.TransitionFields) error {
	if err := p.Jobs.Transition(ctx, r.job.ID, r.state, to, fields); err != nil {
		return fmt.Errorf("op=worker.transition %s->%s: %w", r.state, to, err)
	}
	r.state = to
	if fields.Step != "" {
		_ = p.Queue.SetMeta(ctx, r.job.ID, "step", fields.Step)
	}
	return nil
}

func (p *Pipeline) timed(ctx context.Context, r *run, stage string, ms *int64, fn func(context.Context, *run) error) error {
	start := p.Clock.Now()
	err := fn(ctx, r)
	elapsed := p.Clock.Now().Sub(start)
	if ms != nil {
		*ms = elapsed.Milliseconds()
	}
	observability.ObserveStage(stage, elapsed)
	return err
}

func stageMetric(m *domain.JobMetrics, stage string) *int64 {
	switch stage {
	case "upload":
		return &m.UploadMs
	case "extract":
		return &m.ExtractMs
	case "chunk":
		return &m.ChunkMs
	case "embed":
		return &m.EmbedMs
	case "store":
		return &m.StoreMs
	default:
		return nil
	}
}

// validate checks the payload shape against the job record.
func (p *Pipeline) validate(_ context.Context, r *run) error {
	if r.payload.ProjectID == "" {
		return domain.NewPipelineError(domain.KindInvalidProject, "validate", "payload has no project id", nil)
	}
	if r.payload.FileID == "" {
		return domain.NewPipelineError(domain.KindInvalidFileType, "validate", "payload has no file id", nil)
	}
	if r.payload.ChunkSize <= 0 || r.payload.ChunkOverlap < 0 || r.payload.ChunkOverlap >= r.payload.ChunkSize {
		return domain.NewPipelineError(domain.KindInvalidFileType, "validate",
			fmt.Sprintf("bad chunk geometry size=%d overlap=%d", r.payload.ChunkSize, r.payload.ChunkOverlap), nil)
	}
	return nil
}

// upload fetches the file, runs the security scan, writes the per-job
// working copy and records the hash for the next transition.
func (p *Pipeline) upload(ctx context.Context, r *run) error {
	info, err := p.Files.GetFileInfo(ctx, r.payload.FileID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewPipelineError(domain.KindFileNotFound, "upload", "file id "+r.payload.FileID+" not in store", err)
	}
	if err != nil {
		return domain.NewPipelineError(domain.KindStorageUnavailable, "upload", "file info read failed", err)
	}
	r.fileInfo = info
	r.metrics.FileBytes = info.Size

	data, err := p.Files.Read(ctx, r.payload.FileID)
	if err != nil {
		return domain.NewPipelineError(domain.KindStorageUnavailable, "upload", "file read failed", err)
	}

	report := p.Scanner.Inspect(info.Name, info.ContentType, data)
	r.sha256 = report.SHA256
	if !report.IsSafe {
		pe := domain.NewPipelineError(securityKind(report), "upload",
			"security scan rejected file: "+strings.Join(report.Issues, "; "), nil)
		pe.Detail = map[string]string{
			"risk_score":    fmt.Sprintf("%.2f", report.RiskScore),
			"detected_type": report.DetectedType,
		}
		return pe
	}

	r.tmpDir = filepath.Join(p.cfg.TempDir, "ingest-"+r.job.ID)
	tmp, err := guard.NewTempFile(r.tmpDir, "source-*", data)
	if err != nil {
		return domain.NewPipelineError(domain.KindDiskFull, "upload", "working copy creation failed", err)
	}
	r.tmp = tmp
	return nil
}

// workingCopy reads the per-job temp file back for the extraction stages.
func (r *run) workingCopy() ([]byte, error) {
	if r.tmp == nil || r.tmp.Path == "" {
		return nil, domain.NewPipelineError(domain.KindFileNotFound, "extract", "working copy missing", nil)
	}
	return os.ReadFile(r.tmp.Path)
}

// securityKind maps a failed scan to the most specific error kind.
func securityKind(report guard.FileSecurityReport) domain.ErrorKind {
	for _, issue := range report.Issues {
		lower := strings.ToLower(issue)
		switch {
		case strings.Contains(lower, "exceeds"):
			return domain.KindFileTooLarge
		case strings.Contains(lower, "extension"), strings.Contains(lower, "type"):
			return domain.KindInvalidFileType
		}
	}
	return domain.KindFileCorrupted
}

// extract pulls text out of the working copy.
func (p *Pipeline) extract(ctx context.Context, r *run) error {
	data, err := r.workingCopy()
	if err != nil {
		return domain.NewPipelineError(domain.KindStorageUnavailable, "extract", "working copy read failed", err)
	}
	text, err := p.Extractor.Extract(ctx, r.payload.FileID, r.fileInfo.Name, data)
	if err != nil {
		return err
	}
	r.text = text
	r.metrics.ExtractedChars = len(text)
	r.metrics.ExtractionMethod = "extractor"

	if len(strings.TrimSpace(text)) == 0 && !p.ocrCapable() {
		return domain.NewPipelineError(domain.KindExtractionFailed, "extract", "extractor produced no text and no OCR engine is configured", nil)
	}
	return nil
}

func (p *Pipeline) ocrCapable() bool { return p.OCR != nil }

// needsOCR decides the extracting successor: forced, too little text, or
// garbled output.
func (p *Pipeline) needsOCR(r *run) bool {
	if !p.ocrCapable() {
		return false
	}
	if r.payload.ForceOCR {
		return true
	}
	trimmed := strings.TrimSpace(r.text)
	return len(trimmed) < p.cfg.OCRMinChars || textx.LooksGarbled(trimmed)
}

func (p *Pipeline) runOCR(ctx context.Context, r *run) error {
	data, err := r.workingCopy()
	if err != nil {
		return domain.NewPipelineError(domain.KindStorageUnavailable, "ocr", "working copy read failed", err)
	}
	res, err := p.OCR.OCR(ctx, r.payload.FileID, r.fileInfo.Name, data)
	if err != nil {
		return err
	}
	r.metrics.OCRConfidence = res.Confidence
	r.metrics.ExtractionMethod = "ocr"
	if res.Confidence < p.cfg.OCRMinConfidence {
		slog.Warn("ocr confidence below threshold",
			slog.String("job_id", r.job.ID),
			slog.Float64("confidence", res.Confidence))
	}
	if strings.TrimSpace(res.Text) != "" {
		r.text = res.Text
		r.metrics.ExtractedChars = len(res.Text)
	}
	return nil
}

func (p *Pipeline) chunk(ctx context.Context, r *run) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ChunkTimeout)
	defer cancel()

	chunks, err := p.Chunker.Chunk(ctx, r.text, r.payload.ChunkSize, r.payload.ChunkOverlap)
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewPipelineError(domain.KindChunkingError, "chunk", "chunking exceeded its time budget", err)
	}
	if err != nil {
		return domain.NewPipelineError(domain.KindChunkingError, "chunk", "chunker failed", err)
	}
	if len(chunks) == 0 {
		return domain.NewPipelineError(domain.KindChunkingError, "chunk", "no chunks produced", nil)
	}
	r.chunks = chunks
	r.metrics.ChunksCreated = len(chunks)
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	r.metrics.AvgChunkSize = total / len(chunks)
	return nil
}

// embed runs batches through the rate limiter, the shared concurrency
// semaphore and the pacing limiter.
func (p *Pipeline) embed(ctx context.Context, r *run) error {
	r.vectors = make([][]float32, 0, len(r.chunks))
	for start := 0; start < len(r.chunks); start += p.cfg.EmbedBatchSize {
		end := start + p.cfg.EmbedBatchSize
		if end > len(r.chunks) {
			end = len(r.chunks)
		}
		batch := r.chunks[start:end]

		if err := p.checkCancel(ctx, r.job.ID, "embed"); err != nil {
			return err
		}

		estimate := int64(p.Estimator.CountBatch(batch))
		allowed, _, err := p.Limiter.Allow(ctx, rateLimitKey, estimate)
		if err != nil {
			return domain.NewPipelineError(domain.KindEmbeddingAPIError, "embed", "rate limiter unavailable", err)
		}
		if !allowed {
			observability.EmbedRateLimitedTotal.Inc()
			return domain.NewPipelineError(domain.KindEmbeddingRateLimited, "embed",
				fmt.Sprintf("token window exhausted, batch needs %d tokens", estimate), nil)
		}

		vecs, err := p.embedBatch(ctx, batch)
		if err != nil {
			return err
		}
		r.vectors = append(r.vectors, vecs...)
		r.metrics.ChunksEmbedded += len(batch)
		r.metrics.EmbedTokensUsed += estimate
		observability.EmbedTokensTotal.Add(float64(estimate))

		if p.pacer != nil && end < len(r.chunks) {
			if err := p.pacer.Wait(ctx); err != nil {
				return domain.NewPipelineError(domain.KindSystemCanceled, "embed", "canceled during batch pacing", err)
			}
		}
	}
	r.metrics.EstimatedCostUSD = float64(r.metrics.EmbedTokensUsed) / 1e6 * embedCostPerMillionUSD
	return nil
}

func (p *Pipeline) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, domain.NewPipelineError(domain.KindSystemCanceled, "embed", "canceled waiting for embedding slot", err)
	}
	defer p.sem.Release(1)
	return p.Embedder.Embed(ctx, batch)
}

func (p *Pipeline) store(ctx context.Context, r *run) error {
	if len(r.vectors) != len(r.chunks) {
		return domain.NewPipelineError(domain.KindIndexCorruption, "store",
			fmt.Sprintf("have %d vectors for %d chunks", len(r.vectors), len(r.chunks)), nil)
	}
	records := make([]domain.VectorRecord, len(r.chunks))
	for i, text := range r.chunks {
		records[i] = domain.VectorRecord{
			DocumentID:   r.payload.FileID,
			ChunkID:      fmt.Sprintf("%s-%d", r.payload.FileID, i),
			ProjectID:    r.payload.ProjectID,
			EmbedVersion: r.payload.EmbedVersion,
			SHA256:       r.sha256,
			Text:         text,
			Embedding:    r.vectors[i],
			Metadata: map[string]any{
				"chunk_index": i,
				"indexed_at":  clock.FormatTime(p.Clock.Now()),
			},
		}
	}
	if _, err := p.Vectors.Add(ctx, records); err != nil {
		return err
	}
	r.metrics.ChunksStored = len(records)
	return nil
}

// finalize writes the indexed transition, the metrics and the document row.
func (p *Pipeline) finalize(ctx context.Context, r *run) error {
	now := p.Clock.Now()
	if err := p.transition(ctx, r, domain.StateIndexed, domain.TransitionFields{
		Step:    "finalize",
		Metrics: &r.metrics,
		EndedAt: &now,
	}); err != nil {
		return err
	}

	doc := domain.Document{
		ID:           r.payload.FileID,
		ProjectID:    r.payload.ProjectID,
		SHA256:       r.sha256,
		EmbedVersion: r.payload.EmbedVersion,
		ChunkCount:   len(r.chunks),
		ContentType:  r.fileInfo.ContentType,
		IndexedAt:    now,
	}
	if err := p.Docs.Upsert(ctx, doc); err != nil {
		// The vectors are stored and the job is indexed; the document row
		// is re-derivable on the next ingest of the same file.
		slog.Error("document upsert failed after indexing",
			slog.String("job_id", r.job.ID), slog.Any("error", err))
	}
	observability.JobsIndexedTotal.Inc()
	slog.Info("job indexed",
		slog.String("job_id", r.job.ID),
		slog.String("ingest_id", r.job.IngestID),
		slog.Int("chunks", len(r.chunks)),
		slog.Int64("embed_tokens", r.metrics.EmbedTokensUsed))
	return nil
}
