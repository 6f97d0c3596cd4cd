package worker_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/doc-indexer/internal/chunker"
	"github.com/fairyhunter13/doc-indexer/internal/clock"
	"github.com/fairyhunter13/doc-indexer/internal/dlq"
	"github.com/fairyhunter13/doc-indexer/internal/domain"
	"github.com/fairyhunter13/doc-indexer/internal/service/guard"
	"github.com/fairyhunter13/doc-indexer/internal/tokens"
	"github.com/fairyhunter13/doc-indexer/internal/worker"
)

// fakes

type fakeJobs struct {
	domain.JobRepository
	jobs        map[string]domain.Job
	transitions []string
	inserted    []domain.Job
	insertErr   error
}

func newFakeJobs(seed ...domain.Job) *fakeJobs {
	f := &fakeJobs{jobs: map[string]domain.Job{}}
	for _, j := range seed {
		f.jobs[j.ID] = j
	}
	return f
}

func (f *fakeJobs) Insert(_ domain.Context, j domain.Job) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, j)
	f.jobs[j.ID] = j
	return nil
}

func (f *fakeJobs) Transition(_ domain.Context, jobID string, from, to domain.State, fields domain.TransitionFields) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("op=fake.transition: %w", domain.ErrIllegalTransition)
	}
	j, ok := f.jobs[jobID]
	if !ok || j.State != from {
		return fmt.Errorf("op=fake.transition: %w", domain.ErrConflict)
	}
	j.State = to
	if fields.Step != "" {
		j.Step = fields.Step
	}
	if fields.SHA256 != "" {
		j.SHA256 = fields.SHA256
	}
	if fields.ErrorKind != "" {
		j.ErrorKind = fields.ErrorKind
		j.ErrorMessage = fields.ErrorMessage
	}
	if fields.CancelReason != "" {
		j.CancelReason = fields.CancelReason
	}
	if fields.Metrics != nil {
		j.Metrics = fields.Metrics
	}
	f.jobs[jobID] = j
	f.transitions = append(f.transitions, string(from)+">"+string(to))
	return nil
}

func (f *fakeJobs) Load(_ domain.Context, jobID string) (domain.Job, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

type fakeDocs struct {
	domain.DocumentRepository
	upserted []domain.Document
}

func (f *fakeDocs) Upsert(_ domain.Context, d domain.Document) error {
	f.upserted = append(f.upserted, d)
	return nil
}

type enqueued struct {
	jobID    string
	priority domain.Priority
	delay    time.Duration
	payload  []byte
}

type fakeQueue struct {
	domain.Queue
	enqueues []enqueued
}

func (f *fakeQueue) Enqueue(_ domain.Context, _ string, payload []byte, jobID string, priority domain.Priority, delay time.Duration) error {
	f.enqueues = append(f.enqueues, enqueued{jobID: jobID, priority: priority, delay: delay, payload: payload})
	return nil
}

func (f *fakeQueue) SetMeta(_ domain.Context, _, _, _ string) error { return nil }

type fakeCancels struct {
	domain.CancelFlags
	flags   map[string]domain.CancelFlag
	cleared []string
}

func newFakeCancels() *fakeCancels { return &fakeCancels{flags: map[string]domain.CancelFlag{}} }

func (f *fakeCancels) Get(_ domain.Context, jobID string) (domain.CancelFlag, bool, error) {
	flag, ok := f.flags[jobID]
	return flag, ok, nil
}

func (f *fakeCancels) Clear(_ domain.Context, jobID string) error {
	delete(f.flags, jobID)
	f.cleared = append(f.cleared, jobID)
	return nil
}

type fakeFiles struct {
	domain.FileSource
	info domain.FileInfo
	data []byte
	err  error
}

func (f *fakeFiles) GetFileInfo(_ domain.Context, _ string) (domain.FileInfo, error) {
	return f.info, f.err
}

func (f *fakeFiles) Read(_ domain.Context, _ string) ([]byte, error) { return f.data, f.err }

type fakeExtractor struct {
	text string
	err  error
}

func (f *fakeExtractor) Extract(_ domain.Context, _, _ string, _ []byte) (string, error) {
	return f.text, f.err
}

type fakeOCR struct {
	res    domain.OCRResult
	called bool
}

func (f *fakeOCR) OCR(_ domain.Context, _, _ string, _ []byte) (domain.OCRResult, error) {
	f.called = true
	return f.res, nil
}

type fakeEmbedder struct {
	batches int
	err     error
}

func (f *fakeEmbedder) Embed(_ domain.Context, batch []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.batches++
	out := make([][]float32, len(batch))
	for i := range out {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

type fakeVectors struct {
	domain.VectorStore
	added []domain.VectorRecord
	err   error
}

func (f *fakeVectors) Add(_ domain.Context, records []domain.VectorRecord) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.added = append(f.added, records...)
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ChunkID
	}
	return ids, nil
}

type fakeLimiter struct {
	allowed bool
	used    int64
}

func (f *fakeLimiter) Allow(_ domain.Context, _ string, tokens int64) (bool, int64, error) {
	if f.allowed {
		f.used += tokens
	}
	return f.allowed, f.used, nil
}

func (f *fakeLimiter) Usage(_ domain.Context, _ string) (int64, error) { return f.used, nil }

type dlqRepoStub struct {
	domain.DLQRepository
	inserted []domain.DLQEntry
}

func (f *dlqRepoStub) Insert(_ domain.Context, e domain.DLQEntry) (string, error) {
	f.inserted = append(f.inserted, e)
	return e.ID, nil
}

func (f *dlqRepoStub) CountSimilar(_ domain.Context, _ domain.ErrorKind, _ time.Time) (int, error) {
	return 0, nil
}

func (f *dlqRepoStub) CountOpen(_ domain.Context) (int64, error) { return 0, nil }

// harness

type harness struct {
	pipeline *worker.Pipeline
	jobs     *fakeJobs
	docs     *fakeDocs
	queue    *fakeQueue
	cancels  *fakeCancels
	files    *fakeFiles
	extract  *fakeExtractor
	ocr      *fakeOCR
	embed    *fakeEmbedder
	vectors  *fakeVectors
	limiter  *fakeLimiter
	dlqRepo  *dlqRepoStub
}

func newHarness(t *testing.T, job domain.Job) *harness {
	t.Helper()
	h := &harness{
		jobs:    newFakeJobs(job),
		docs:    &fakeDocs{},
		queue:   &fakeQueue{},
		cancels: newFakeCancels(),
		files: &fakeFiles{
			info: domain.FileInfo{Size: 64, ContentType: "text/plain", Name: "doc.txt"},
			data: []byte("The northern wall stands three hundred feet tall and is made of ice."),
		},
		extract: &fakeExtractor{text: "The northern wall stands three hundred feet tall and is made of ice."},
		ocr:     &fakeOCR{res: domain.OCRResult{Text: "OCR text from a scanned page that is long enough.", Confidence: 0.95}},
		embed:   &fakeEmbedder{},
		vectors: &fakeVectors{},
		limiter: &fakeLimiter{allowed: true},
		dlqRepo: &dlqRepoStub{},
	}

	p := worker.NewPipeline(worker.Config{
		Queue:          "ingest-jobs",
		EmbedBatchSize: 2,
		EmbedModel:     "text-embedding-3-small",
		EmbedVersion:   "v1.0",
		TempDir:        t.TempDir(),
	})
	p.Jobs = h.jobs
	p.Docs = h.docs
	p.Queue = h.queue
	p.Cancels = h.cancels
	p.Files = h.files
	p.Extractor = h.extract
	p.OCR = h.ocr
	p.Chunker = chunker.New()
	p.Embedder = h.embed
	p.Vectors = h.vectors
	p.Limiter = h.limiter
	p.Scanner = guard.NewFileScanner(30<<20, 500, []string{"application/pdf", "text/plain", "text/markdown"})
	p.Estimator = tokens.NewEstimator()
	p.DLQ = dlq.NewService(h.dlqRepo, dlq.LogSink{}, 50, clock.System())
	p.Clock = clock.System()
	h.pipeline = p
	return h
}

func testJob() domain.Job {
	return domain.Job{
		ID:           "job-1",
		IngestID:     "ing-1",
		ProjectID:    "proj-1",
		FileID:       "file-1",
		ChunkSize:    32,
		ChunkOverlap: 0,
		EmbedVersion: "v1.0",
		Priority:     domain.PriorityNormal,
		State:        domain.StateQueued,
		Attempt:      1,
		MaxRetries:   3,
		CreatedAt:    time.Now().UTC(),
	}
}

func payloadFor(j domain.Job) []byte {
	b, _ := json.Marshal(domain.IngestPayload{
		JobID:        j.ID,
		IngestID:     j.IngestID,
		ProjectID:    j.ProjectID,
		FileID:       j.FileID,
		ChunkSize:    j.ChunkSize,
		ChunkOverlap: j.ChunkOverlap,
		ForceOCR:     j.ForceOCR,
		EmbedVersion: j.EmbedVersion,
		Attempt:      j.Attempt,
	})
	return b
}

// tests

func TestExecute_HappyPath(t *testing.T) {
	job := testJob()
	h := newHarness(t, job)

	err := h.pipeline.Execute(context.Background(), payloadFor(job))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"queued>started",
		"started>uploading",
		"uploading>extracting",
		"extracting>chunking",
		"chunking>embedding",
		"embedding>storing",
		"storing>indexed",
	}, h.jobs.transitions)

	final := h.jobs.jobs["job-1"]
	assert.Equal(t, domain.StateIndexed, final.State)
	assert.NotEmpty(t, final.SHA256)
	require.NotNil(t, final.Metrics)
	assert.Equal(t, final.Metrics.ChunksCreated, final.Metrics.ChunksStored)
	assert.Greater(t, final.Metrics.EmbedTokensUsed, int64(0))

	require.NotEmpty(t, h.vectors.added)
	assert.Equal(t, "file-1", h.vectors.added[0].DocumentID)
	assert.Equal(t, "proj-1", h.vectors.added[0].ProjectID)
	assert.Equal(t, final.SHA256, h.vectors.added[0].SHA256)

	require.Len(t, h.docs.upserted, 1)
	assert.Equal(t, "file-1", h.docs.upserted[0].ID)
	assert.Equal(t, len(h.vectors.added), h.docs.upserted[0].ChunkCount)
}

func TestExecute_OCRPathForShortText(t *testing.T) {
	job := testJob()
	h := newHarness(t, job)
	h.extract.text = "tiny"

	err := h.pipeline.Execute(context.Background(), payloadFor(job))
	require.NoError(t, err)

	assert.True(t, h.ocr.called)
	assert.Contains(t, h.jobs.transitions, "extracting>ocr")
	assert.Contains(t, h.jobs.transitions, "ocr>chunking")
	assert.Equal(t, domain.StateIndexed, h.jobs.jobs["job-1"].State)
	assert.InDelta(t, 0.95, h.jobs.jobs["job-1"].Metrics.OCRConfidence, 1e-9)
}

func TestExecute_ForceOCR(t *testing.T) {
	job := testJob()
	job.ForceOCR = true
	h := newHarness(t, job)

	err := h.pipeline.Execute(context.Background(), payloadFor(job))
	require.NoError(t, err)
	assert.True(t, h.ocr.called)
}

func TestExecute_SecurityRejectGoesToDeadLetter(t *testing.T) {
	job := testJob()
	h := newHarness(t, job)
	h.files.info.Name = "payload.exe"

	err := h.pipeline.Execute(context.Background(), payloadFor(job))
	require.NoError(t, err)

	final := h.jobs.jobs["job-1"]
	assert.Equal(t, domain.StateDeadLetter, final.State)
	assert.Equal(t, string(domain.KindInvalidFileType), final.ErrorKind)
	require.Len(t, h.dlqRepo.inserted, 1)
	assert.Equal(t, "job-1", h.dlqRepo.inserted[0].JobID)
	assert.Empty(t, h.jobs.inserted, "validation failures must not spawn retries")
}

func TestExecute_RateLimitedSpawnsDelayedRetry(t *testing.T) {
	job := testJob()
	h := newHarness(t, job)
	h.limiter.allowed = false

	err := h.pipeline.Execute(context.Background(), payloadFor(job))
	require.NoError(t, err)

	final := h.jobs.jobs["job-1"]
	assert.Equal(t, domain.StateFailedEmbed, final.State)
	assert.Equal(t, string(domain.KindEmbeddingRateLimited), final.ErrorKind)

	require.Len(t, h.jobs.inserted, 1)
	child := h.jobs.inserted[0]
	assert.Equal(t, 2, child.Attempt)
	assert.Equal(t, "job-1", child.ParentJobID)
	assert.Equal(t, "ing-1", child.IngestID)
	assert.Equal(t, domain.StateQueued, child.State)

	require.Len(t, h.queue.enqueues, 1)
	assert.Equal(t, child.ID, h.queue.enqueues[0].jobID)
	assert.Equal(t, 30*time.Second, h.queue.enqueues[0].delay)

	var childPayload domain.IngestPayload
	require.NoError(t, json.Unmarshal(h.queue.enqueues[0].payload, &childPayload))
	assert.Equal(t, child.ID, childPayload.JobID)
	assert.Equal(t, 2, childPayload.Attempt)
}

func TestExecute_ChunkingErrorUsesLinearDelay(t *testing.T) {
	job := testJob()
	h := newHarness(t, job)
	h.extract.text = "   " // whitespace only: no chunks
	h.ocr.res = domain.OCRResult{Text: "   ", Confidence: 0.9}

	err := h.pipeline.Execute(context.Background(), payloadFor(job))
	require.NoError(t, err)

	assert.Equal(t, domain.StateFailedChunk, h.jobs.jobs["job-1"].State)
	require.Len(t, h.queue.enqueues, 1)
	assert.Equal(t, time.Second, h.queue.enqueues[0].delay)
}

func TestExecute_CancelFlagShortCircuits(t *testing.T) {
	job := testJob()
	h := newHarness(t, job)
	h.cancels.flags["job-1"] = domain.CancelFlag{JobID: "job-1", Reason: "user changed mind", RequestedBy: "user"}

	err := h.pipeline.Execute(context.Background(), payloadFor(job))
	require.NoError(t, err)

	final := h.jobs.jobs["job-1"]
	assert.Equal(t, domain.StateCanceled, final.State)
	assert.Contains(t, final.CancelReason, "user changed mind")
	assert.Contains(t, h.cancels.cleared, "job-1")
	assert.Empty(t, h.vectors.added)
	assert.Empty(t, h.jobs.inserted, "canceled jobs must not retry")
}

func TestExecute_RetryBudgetExhaustedDeadLetters(t *testing.T) {
	job := testJob()
	job.Attempt = 4 // past MaxRetries of 3
	h := newHarness(t, job)
	h.limiter.allowed = false

	err := h.pipeline.Execute(context.Background(), payloadFor(job))
	require.NoError(t, err)

	assert.Equal(t, domain.StateDeadLetter, h.jobs.jobs["job-1"].State)
	assert.Empty(t, h.jobs.inserted)
	require.Len(t, h.dlqRepo.inserted, 1)
	assert.Equal(t, 4, h.dlqRepo.inserted[0].AttemptCount)
}

func TestExecute_DuplicateChildInsertIsQuiet(t *testing.T) {
	job := testJob()
	h := newHarness(t, job)
	h.limiter.allowed = false
	h.jobs.insertErr = domain.ErrDuplicateIngest

	err := h.pipeline.Execute(context.Background(), payloadFor(job))
	require.NoError(t, err)
	assert.Empty(t, h.queue.enqueues, "a lost spawn race must not double-enqueue")
}

func TestExecute_TerminalJobIsSkipped(t *testing.T) {
	job := testJob()
	job.State = domain.StateIndexed
	h := newHarness(t, job)

	err := h.pipeline.Execute(context.Background(), payloadFor(job))
	require.NoError(t, err)
	assert.Empty(t, h.jobs.transitions)
}

func TestExecute_UndecodablePayloadIsDropped(t *testing.T) {
	h := newHarness(t, testJob())
	err := h.pipeline.Execute(context.Background(), []byte("{not json"))
	require.NoError(t, err)
	assert.Empty(t, h.jobs.transitions)
}

func TestExecute_UnknownJobIsDropped(t *testing.T) {
	h := newHarness(t, testJob())
	b, _ := json.Marshal(domain.IngestPayload{JobID: "ghost"})
	err := h.pipeline.Execute(context.Background(), b)
	require.NoError(t, err)
}

func TestExecute_EmbedBatchesRespectBatchSize(t *testing.T) {
	job := testJob()
	job.ChunkSize = 8
	h := newHarness(t, job)
	// long text so chunking yields several chunks with batch size 2
	h.extract.text = "abcdefghijklmnopqrstuvwxyz0123456789abcdefghijklmnopqrstuvwxyz"

	err := h.pipeline.Execute(context.Background(), payloadFor(job))
	require.NoError(t, err)
	assert.Greater(t, h.embed.batches, 1)
}
