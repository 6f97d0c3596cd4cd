package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// JobRepo persists pipeline jobs. One row per attempt; the chain for an
// ingest id is linked through parent_job_id and kept unique by
// (ingest_id, attempt).
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

var _ domain.JobRepository = (*JobRepo)(nil)

const jobColumns = `id, ingest_id, project_id, file_id, content_type, sha256,
	chunk_size, chunk_overlap, force_ocr, embed_version, priority,
	state, step, progress_pct, attempt, max_retries, parent_job_id, trace_id,
	error_kind, error_message, error_detail, error_stack, cancel_reason,
	metrics, created_at, started_at, ended_at, updated_at, canceled_at`

// Insert stores a new job row. A duplicate (ingest_id, attempt) maps to
// ErrDuplicateIngest so the caller can answer idempotently.
func (r *JobRepo) Insert(ctx domain.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Insert")
	defer span.End()

	detail, err := marshalNullable(j.ErrorDetail)
	if err != nil {
		return fmt.Errorf("op=job.insert: %w", err)
	}
	metrics, err := marshalNullable(j.Metrics)
	if err != nil {
		return fmt.Errorf("op=job.insert: %w", err)
	}

	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	q := `INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29)`
	_, err = r.Pool.Exec(ctx, q,
		j.ID, j.IngestID, j.ProjectID, j.FileID, j.ContentType, j.SHA256,
		j.ChunkSize, j.ChunkOverlap, j.ForceOCR, j.EmbedVersion, j.Priority,
		j.State, j.Step, j.ProgressPct, j.Attempt, j.MaxRetries, j.ParentJobID, j.TraceID,
		j.ErrorKind, j.ErrorMessage, detail, j.ErrorStack, j.CancelReason,
		metrics, j.CreatedAt, j.StartedAt, j.EndedAt, now, j.CanceledAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("op=job.insert: %w", domain.ErrDuplicateIngest)
		}
		return fmt.Errorf("op=job.insert: %w", err)
	}
	return nil
}

// Transition compare-and-sets the state column and applies the optional
// fields in the same statement. A row that is no longer in the expected
// state yields ErrConflict; an illegal edge is rejected before touching
// the database.
func (r *JobRepo) Transition(ctx domain.Context, jobID string, from, to domain.State, f domain.TransitionFields) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Transition")
	defer span.End()

	if !domain.CanTransition(from, to) {
		return fmt.Errorf("op=job.transition: %w: %s -> %s", domain.ErrIllegalTransition, from, to)
	}

	sets := []string{"state=$3", "updated_at=$4"}
	args := []any{jobID, from, to, time.Now().UTC()}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}

	if f.ProgressPct != nil {
		add("progress_pct", *f.ProgressPct)
	} else if p, ok := domain.ProgressFor(to); ok {
		add("progress_pct", p)
	}
	if f.Step != "" {
		add("step", f.Step)
	}
	if f.SHA256 != "" {
		add("sha256", f.SHA256)
	}
	if f.ErrorKind != "" {
		add("error_kind", f.ErrorKind)
		add("error_message", f.ErrorMessage)
		add("error_stack", f.ErrorStack)
		detail, err := marshalNullable(f.ErrorDetail)
		if err != nil {
			return fmt.Errorf("op=job.transition: %w", err)
		}
		add("error_detail", detail)
	}
	if f.CancelReason != "" {
		add("cancel_reason", f.CancelReason)
	}
	if f.Metrics != nil {
		metrics, err := marshalNullable(f.Metrics)
		if err != nil {
			return fmt.Errorf("op=job.transition: %w", err)
		}
		add("metrics", metrics)
	}
	if f.StartedAt != nil {
		add("started_at", *f.StartedAt)
	}
	if f.EndedAt != nil {
		add("ended_at", *f.EndedAt)
	}
	if f.CanceledAt != nil {
		add("canceled_at", *f.CanceledAt)
	}

	q := "UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE id=$1 AND state=$2"
	tag, err := r.Pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("op=job.transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.transition: %w: job %s not in state %s", domain.ErrConflict, jobID, from)
	}
	return nil
}

// Load fetches a job by id.
func (r *JobRepo) Load(ctx domain.Context, jobID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Load")
	defer span.End()

	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, jobID)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.load: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.load: %w", err)
	}
	return j, nil
}

// LoadByIngest fetches the latest attempt for an ingest id.
func (r *JobRepo) LoadByIngest(ctx domain.Context, ingestID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.LoadByIngest")
	defer span.End()

	row := r.Pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE ingest_id=$1 ORDER BY attempt DESC LIMIT 1`, ingestID)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.load_by_ingest: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.load_by_ingest: %w", err)
	}
	return j, nil
}

// ChainAttempts counts attempts recorded for an ingest id.
func (r *JobRepo) ChainAttempts(ctx domain.Context, ingestID string) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ChainAttempts")
	defer span.End()

	var n int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE ingest_id=$1`, ingestID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=job.chain_attempts: %w", err)
	}
	return n, nil
}

// CountActive counts jobs in queueing or running states.
func (r *JobRepo) CountActive(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountActive")
	defer span.End()

	q := `SELECT COUNT(*) FROM jobs WHERE state IN
		('queued','scheduled','deferred','started','uploading','extracting','ocr','chunking','embedding','storing')`
	var n int64
	if err := r.Pool.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=job.count_active: %w", err)
	}
	return n, nil
}

// AgeOut deletes settled jobs created before olderThan. Rows still in
// flight are kept regardless of age.
func (r *JobRepo) AgeOut(ctx domain.Context, olderThan time.Time) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.AgeOut")
	defer span.End()

	q := `DELETE FROM jobs WHERE created_at < $1 AND state IN ('indexed','canceled','dead_letter')`
	tag, err := r.Pool.Exec(ctx, q, olderThan)
	if err != nil {
		return 0, fmt.Errorf("op=job.age_out: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var detail, metrics []byte
	err := row.Scan(
		&j.ID, &j.IngestID, &j.ProjectID, &j.FileID, &j.ContentType, &j.SHA256,
		&j.ChunkSize, &j.ChunkOverlap, &j.ForceOCR, &j.EmbedVersion, &j.Priority,
		&j.State, &j.Step, &j.ProgressPct, &j.Attempt, &j.MaxRetries, &j.ParentJobID, &j.TraceID,
		&j.ErrorKind, &j.ErrorMessage, &detail, &j.ErrorStack, &j.CancelReason,
		&metrics, &j.CreatedAt, &j.StartedAt, &j.EndedAt, &j.UpdatedAt, &j.CanceledAt)
	if err != nil {
		return domain.Job{}, err
	}
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &j.ErrorDetail); err != nil {
			return domain.Job{}, err
		}
	}
	if len(metrics) > 0 {
		var m domain.JobMetrics
		if err := json.Unmarshal(metrics, &m); err != nil {
			return domain.Job{}, err
		}
		j.Metrics = &m
	}
	return j, nil
}

// marshalNullable returns nil for nil input so the column stays NULL.
func marshalNullable(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]string:
		if t == nil {
			return nil, nil
		}
	case *domain.JobMetrics:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
