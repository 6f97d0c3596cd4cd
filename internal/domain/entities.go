// Package domain defines the core entities and ports for the document
// ingestion pipeline: jobs, the job state machine, documents, vector
// records and the interfaces adapters must satisfy.
package domain

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared across adapters.
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrDuplicateIngest    = errors.New("duplicate ingest id")
	ErrIllegalTransition  = errors.New("illegal state transition")
	ErrQueueUnavailable   = errors.New("queue unavailable")
	ErrTerminal           = errors.New("job is terminal")
	ErrInternal           = errors.New("internal error")
)

// State is the lifecycle state of an ingest job.
type State string

// Queueing states.
const (
	StateQueued    State = "queued"
	StateScheduled State = "scheduled"
	StateDeferred  State = "deferred"
)

// Running states, one per pipeline stage.
const (
	StateStarted    State = "started"
	StateUploading  State = "uploading"
	StateExtracting State = "extracting"
	StateOCR        State = "ocr"
	StateChunking   State = "chunking"
	StateEmbedding  State = "embedding"
	StateStoring    State = "storing"
)

// Terminal states.
const (
	StateIndexed    State = "indexed"
	StateCanceled   State = "canceled"
	StateDeadLetter State = "dead_letter"
)

// Failure states. Transient: a failed job is either retried as a new
// attempt or promoted to dead_letter.
const (
	StateFailedValidation State = "failed_validation"
	StateFailedUpload     State = "failed_upload"
	StateFailedExtract    State = "failed_extract"
	StateFailedOCR        State = "failed_ocr"
	StateFailedChunk      State = "failed_chunk"
	StateFailedEmbed      State = "failed_embed"
	StateFailedStore      State = "failed_store"
	StateFailedTimeout    State = "failed_timeout"
	StateFailedCanceled   State = "failed_canceled"
)

// legalTransitions is the full transition graph. States absent from the
// map have no outgoing transitions.
var legalTransitions = map[State][]State{
	StateQueued:     {StateStarted, StateScheduled, StateCanceled},
	StateScheduled:  {StateQueued, StateStarted, StateCanceled},
	StateDeferred:   {StateQueued, StateCanceled},
	StateStarted:    {StateUploading, StateFailedValidation, StateCanceled},
	StateUploading:  {StateExtracting, StateFailedUpload, StateCanceled},
	StateExtracting: {StateOCR, StateChunking, StateFailedExtract, StateCanceled},
	StateOCR:        {StateChunking, StateFailedOCR, StateCanceled},
	StateChunking:   {StateEmbedding, StateFailedChunk, StateCanceled},
	StateEmbedding:  {StateStoring, StateFailedEmbed, StateCanceled},
	StateStoring:    {StateIndexed, StateFailedStore, StateCanceled},

	StateFailedValidation: {StateQueued, StateDeadLetter},
	StateFailedUpload:     {StateQueued, StateDeadLetter},
	StateFailedExtract:    {StateQueued, StateDeadLetter},
	StateFailedOCR:        {StateQueued, StateDeadLetter},
	StateFailedChunk:      {StateQueued, StateDeadLetter},
	StateFailedEmbed:      {StateQueued, StateDeadLetter},
	StateFailedStore:      {StateQueued, StateDeadLetter},
	StateFailedTimeout:    {StateQueued, StateDeadLetter},
	StateFailedCanceled:   {StateQueued, StateDeadLetter},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions at all.
func IsTerminal(s State) bool {
	return s == StateIndexed || s == StateCanceled || s == StateDeadLetter
}

// IsFailure reports whether s is one of the transient failure states.
func IsFailure(s State) bool {
	switch s {
	case StateFailedValidation, StateFailedUpload, StateFailedExtract,
		StateFailedOCR, StateFailedChunk, StateFailedEmbed,
		StateFailedStore, StateFailedTimeout, StateFailedCanceled:
		return true
	}
	return false
}

// IsRunning reports whether s is a running (stage) state.
func IsRunning(s State) bool {
	switch s {
	case StateStarted, StateUploading, StateExtracting, StateOCR,
		StateChunking, StateEmbedding, StateStoring:
		return true
	}
	return false
}

// progressByState is the monotone progress mapping. Failure states are
// absent: on entering one, progress stays frozen at the prior value.
var progressByState = map[State]int{
	StateQueued:     0,
	StateScheduled:  0,
	StateDeferred:   0,
	StateStarted:    5,
	StateUploading:  10,
	StateExtracting: 25,
	StateOCR:        40,
	StateChunking:   55,
	StateEmbedding:  75,
	StateStoring:    90,
	StateIndexed:    100,
}

// ProgressFor returns the progress percent for a state and whether the
// state defines one. Failure states return (0, false): keep the prior value.
func ProgressFor(s State) (int, bool) {
	p, ok := progressByState[s]
	return p, ok
}

// Priority is advisory queue priority. Within one priority the queue is
// FIFO by enqueue time.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ValidPriority reports whether p is one of the three levels.
func ValidPriority(p Priority) bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

// Job is one attempt of the ingestion pipeline for one ingest id.
// Invariants: IngestID unique per attempt (UNIQUE(ingest_id, attempt));
// Attempt >= 1 and Attempt <= MaxRetries+1; terminal states never leave.
type Job struct {
	ID          string
	IngestID    string
	ProjectID   string
	FileID      string
	ContentType string
	SHA256      string

	ChunkSize    int
	ChunkOverlap int
	ForceOCR     bool
	EmbedVersion string
	Priority     Priority

	State       State
	Step        string
	ProgressPct int
	Attempt     int
	MaxRetries  int
	ParentJobID string
	TraceID     string

	ErrorKind    string
	ErrorMessage string
	ErrorDetail  map[string]string
	ErrorStack   string
	CancelReason string

	Metrics *JobMetrics

	CreatedAt  time.Time
	StartedAt  *time.Time
	EndedAt    *time.Time
	UpdatedAt  time.Time
	CanceledAt *time.Time
}

// Document is the index-side record for one fully ingested document.
type Document struct {
	ID           string
	ProjectID    string
	SHA256       string
	EmbedVersion string
	ChunkCount   int
	ContentType  string
	IndexedAt    time.Time
}

// IngestPayload is the queue payload for one pipeline run.
type IngestPayload struct {
	JobID        string `json:"job_id"`
	IngestID     string `json:"ingest_id"`
	ProjectID    string `json:"project_id"`
	FileID       string `json:"file_id"`
	ChunkSize    int    `json:"chunk_size"`
	ChunkOverlap int    `json:"chunk_overlap"`
	ForceOCR     bool   `json:"force_ocr"`
	EmbedVersion string `json:"embed_version"`
	Attempt      int    `json:"attempt"`
}

// CancelFlag instructs a running job to stop at its next checkpoint.
type CancelFlag struct {
	JobID      string    `json:"job_id"`
	Reason     string    `json:"reason"`
	RequestedBy string   `json:"requested_by"`
	SetAt      time.Time `json:"set_at"`
}

// FileInfo describes a stored source file.
type FileInfo struct {
	Size        int64
	ContentType string
	Name        string
}

// OCRResult is the output of the OCR collaborator.
type OCRResult struct {
	Text       string
	Confidence float64
}

// VectorRecord is one chunk stored in the vector index. All chunks of a
// document share EmbedVersion and SHA256.
type VectorRecord struct {
	DocumentID   string
	ChunkID      string
	ProjectID    string
	EmbedVersion string
	SHA256       string
	Text         string
	Embedding    []float32
	Metadata     map[string]any
}

// Context aliases context.Context; adapters pass it straight through.
type Context = context.Context

// Ports.

// JobRepository is the durable job store (C3).
type JobRepository interface {
	Insert(ctx Context, j Job) error
	// Transition compare-and-sets state and applies fields. Illegal
	// transitions return ErrIllegalTransition; a CAS miss returns
	// ErrConflict.
	Transition(ctx Context, jobID string, from, to State, fields TransitionFields) error
	Load(ctx Context, jobID string) (Job, error)
	LoadByIngest(ctx Context, ingestID string) (Job, error)
	// ChainAttempts returns total attempts recorded for an ingest id.
	ChainAttempts(ctx Context, ingestID string) (int, error)
	CountActive(ctx Context) (int64, error)
	AgeOut(ctx Context, olderThan time.Time) (int64, error)
}

// TransitionFields carries the optional columns written alongside a
// state transition.
type TransitionFields struct {
	Step         string
	ProgressPct  *int
	SHA256       string
	ErrorKind    string
	ErrorMessage string
	ErrorDetail  map[string]string
	ErrorStack   string
	CancelReason string
	Metrics      *JobMetrics
	StartedAt    *time.Time
	EndedAt      *time.Time
	CanceledAt   *time.Time
}

// DocumentRepository stores the per-document index rows.
type DocumentRepository interface {
	Upsert(ctx Context, d Document) error
	Get(ctx Context, id string) (Document, error)
	ListByProject(ctx Context, projectID string) ([]Document, error)
}

// Queue is the durable FIFO with delayed enqueue and per-job metadata (C2).
type Queue interface {
	Enqueue(ctx Context, queue string, payload []byte, jobID string, priority Priority, delay time.Duration) error
	Dequeue(ctx Context, queues []string, workerID string, visibility time.Duration) (jobID string, payload []byte, err error)
	Ack(ctx Context, jobID string) error
	Nack(ctx Context, jobID string, requeueDelay time.Duration) error
	Length(ctx Context, queue string) (int64, error)
	Position(ctx Context, queue string, jobID string) (int64, error)
	CancelQueued(ctx Context, jobID string) (bool, error)
	SetMeta(ctx Context, jobID, key, value string) error
	GetMeta(ctx Context, jobID string) (map[string]string, error)
}

// CancelFlags is the short-lived cancel record store (C6).
type CancelFlags interface {
	Set(ctx Context, flag CancelFlag) error
	Get(ctx Context, jobID string) (CancelFlag, bool, error)
	Clear(ctx Context, jobID string) error
}

// RateLimiter is the fail-fast windowed token limiter for embedding calls.
type RateLimiter interface {
	// Allow consumes tokens if the window ceiling permits; it never blocks.
	Allow(ctx Context, key string, tokens int64) (allowed bool, used int64, err error)
	// Usage reports tokens consumed in the current window.
	Usage(ctx Context, key string) (int64, error)
}

// Collaborator ports (external systems, interfaces only).

type FileSource interface {
	GetFileInfo(ctx Context, fileID string) (FileInfo, error)
	Read(ctx Context, fileID string) ([]byte, error)
}

type Extractor interface {
	Extract(ctx Context, fileID string, name string, data []byte) (string, error)
}

type OCREngine interface {
	OCR(ctx Context, fileID string, name string, data []byte) (OCRResult, error)
}

type Chunker interface {
	Chunk(ctx Context, text string, size, overlap int) ([]string, error)
}

type EmbeddingModel interface {
	Embed(ctx Context, batch []string) ([][]float32, error)
}

// VectorStore is the vector index adapter (C10).
type VectorStore interface {
	Add(ctx Context, records []VectorRecord) ([]string, error)
	Search(ctx Context, vector []float32, n int, filter map[string]any) ([]VectorHit, error)
	Get(ctx Context, filter map[string]any, limit, offset int) ([]VectorRecord, error)
	Update(ctx Context, ids []string, metadata map[string]any) error
	Delete(ctx Context, ids []string) error
	Count(ctx Context) (int64, error)
	Reset(ctx Context) error
}

// VectorHit is one raw search result from the vector store.
type VectorHit struct {
	ID       string
	Distance float64
	Text     string
	Metadata map[string]any
}

// Alert is an operator notification emitted by the DLQ alerter.
type Alert struct {
	Severity string
	Title    string
	Body     string
	JobID    string
	Kind     string
	At       time.Time
}

// AlertSink delivers alerts; fire and forget.
type AlertSink interface {
	Send(ctx Context, a Alert)
}
