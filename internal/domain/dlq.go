package domain

import "time"

// DLQEntry is the durable snapshot of a terminally failed job. Writes are
// idempotent on JobID; entries outlive their source job.
type DLQEntry struct {
	ID        string
	JobID     string
	IngestID  string
	ProjectID string
	LastStep  string

	ErrorKind    ErrorKind
	ErrorCode    string
	ErrorMessage string
	ErrorStack   string

	AttemptCount int
	FailedAt     time.Time
	TraceID      string
	Payload      IngestPayload

	Analysis *DLQAnalysis

	ResolvedAt *time.Time
	ResolvedBy string
	Notes      string
}

// DLQAnalysis is the computed triage blob for one entry.
type DLQAnalysis struct {
	Category         string   `json:"category"`
	Severity         string   `json:"severity"`
	Transient        bool     `json:"transient"`
	Critical         bool     `json:"critical"`
	RetryRecommended bool     `json:"retry_recommended"`
	ManualActions    []string `json:"manual_actions"`
	Recommendation   string   `json:"recommendation"`
	SimilarLast24h   int      `json:"similar_last_24h"`
}

// DLQTrendReport rolls up failures over a trailing window.
type DLQTrendReport struct {
	Days            int              `json:"days"`
	Total           int              `json:"total"`
	ByKind          map[string]int   `json:"by_kind"`
	ByProject       map[string]int   `json:"by_project"`
	ByDay           map[string]int   `json:"by_day"`
	TopKinds        []KindCount      `json:"top_kinds"`
	TopProjects     []ProjectCount   `json:"top_projects"`
	Recommendations []string         `json:"recommendations"`
}

// KindCount is a (kind, count) pair for trend roll-ups.
type KindCount struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

// ProjectCount is a (project, count) pair for trend roll-ups.
type ProjectCount struct {
	ProjectID string `json:"project_id"`
	Count     int    `json:"count"`
}

// DLQRepository stores dead-letter entries (C9).
type DLQRepository interface {
	// Insert is idempotent on JobID; re-inserting an existing job id is
	// a no-op returning the stored entry id.
	Insert(ctx Context, e DLQEntry) (string, error)
	Get(ctx Context, id string) (DLQEntry, error)
	List(ctx Context, limit int, kindFilter string) ([]DLQEntry, error)
	ListSince(ctx Context, since time.Time) ([]DLQEntry, error)
	CountSimilar(ctx Context, kind ErrorKind, since time.Time) (int, error)
	CountOpen(ctx Context) (int64, error)
	Resolve(ctx Context, id, resolvedBy, notes string) error
	// AutoResolve marks unresolved entries older than cutoff with a
	// system note; returns the number touched.
	AutoResolve(ctx Context, cutoff time.Time, note string) (int64, error)
	// DeleteResolved removes resolved entries older than cutoff.
	DeleteResolved(ctx Context, cutoff time.Time) (int64, error)
}
