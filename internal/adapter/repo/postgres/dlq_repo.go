package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// DLQRepo stores dead-letter entries. Entries survive job age-out so
// failures stay auditable after their source rows are gone.
type DLQRepo struct{ Pool PgxPool }

// NewDLQRepo constructs a DLQRepo with the given pool.
func NewDLQRepo(p PgxPool) *DLQRepo { return &DLQRepo{Pool: p} }

var _ domain.DLQRepository = (*DLQRepo)(nil)

const dlqColumns = `id, job_id, ingest_id, project_id, last_step,
	error_kind, error_code, error_message, error_stack,
	attempt_count, failed_at, trace_id, payload, analysis,
	resolved_at, resolved_by, notes`

// Insert writes the entry, idempotent on job id. Re-inserting an existing
// job id returns the stored entry id without modifying the row.
func (r *DLQRepo) Insert(ctx domain.Context, e domain.DLQEntry) (string, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Insert")
	defer span.End()

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return "", fmt.Errorf("op=dlq.insert: %w", err)
	}
	var analysis []byte
	if e.Analysis != nil {
		analysis, err = json.Marshal(e.Analysis)
		if err != nil {
			return "", fmt.Errorf("op=dlq.insert: %w", err)
		}
	}
	if e.FailedAt.IsZero() {
		e.FailedAt = time.Now().UTC()
	}

	// DO UPDATE on a no-op column makes RETURNING yield the existing id
	// on conflict.
	q := `INSERT INTO dlq_entries (` + dlqColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (job_id) DO UPDATE SET job_id = EXCLUDED.job_id
		RETURNING id`
	var id string
	err = r.Pool.QueryRow(ctx, q,
		e.ID, e.JobID, e.IngestID, e.ProjectID, e.LastStep,
		e.ErrorKind, e.ErrorCode, e.ErrorMessage, e.ErrorStack,
		e.AttemptCount, e.FailedAt, e.TraceID, payload, analysis,
		e.ResolvedAt, e.ResolvedBy, e.Notes).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("op=dlq.insert: %w", err)
	}
	return id, nil
}

// Get loads one entry by id.
func (r *DLQRepo) Get(ctx domain.Context, id string) (domain.DLQEntry, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Get")
	defer span.End()

	row := r.Pool.QueryRow(ctx, `SELECT `+dlqColumns+` FROM dlq_entries WHERE id=$1`, id)
	e, err := scanDLQ(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.DLQEntry{}, fmt.Errorf("op=dlq.get: %w", domain.ErrNotFound)
		}
		return domain.DLQEntry{}, fmt.Errorf("op=dlq.get: %w", err)
	}
	return e, nil
}

// List returns open entries, newest first, optionally filtered by kind.
func (r *DLQRepo) List(ctx domain.Context, limit int, kindFilter string) ([]domain.DLQEntry, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.List")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + dlqColumns + ` FROM dlq_entries
		WHERE resolved_at IS NULL AND ($2 = '' OR error_kind = $2)
		ORDER BY failed_at DESC LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit, kindFilter)
	if err != nil {
		return nil, fmt.Errorf("op=dlq.list: %w", err)
	}
	return collectDLQ(rows, "op=dlq.list")
}

// ListSince returns all entries that failed at or after since.
func (r *DLQRepo) ListSince(ctx domain.Context, since time.Time) ([]domain.DLQEntry, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.ListSince")
	defer span.End()

	q := `SELECT ` + dlqColumns + ` FROM dlq_entries WHERE failed_at >= $1 ORDER BY failed_at DESC`
	rows, err := r.Pool.Query(ctx, q, since)
	if err != nil {
		return nil, fmt.Errorf("op=dlq.list_since: %w", err)
	}
	return collectDLQ(rows, "op=dlq.list_since")
}

// CountSimilar counts entries of one kind since the given time.
func (r *DLQRepo) CountSimilar(ctx domain.Context, kind domain.ErrorKind, since time.Time) (int, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.CountSimilar")
	defer span.End()

	var n int
	q := `SELECT COUNT(*) FROM dlq_entries WHERE error_kind=$1 AND failed_at >= $2`
	if err := r.Pool.QueryRow(ctx, q, kind, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=dlq.count_similar: %w", err)
	}
	return n, nil
}

// CountOpen counts unresolved entries.
func (r *DLQRepo) CountOpen(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.CountOpen")
	defer span.End()

	var n int64
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM dlq_entries WHERE resolved_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=dlq.count_open: %w", err)
	}
	return n, nil
}

// Resolve marks one open entry resolved. Resolving a missing or already
// resolved entry returns ErrNotFound.
func (r *DLQRepo) Resolve(ctx domain.Context, id, resolvedBy, notes string) error {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Resolve")
	defer span.End()

	q := `UPDATE dlq_entries SET resolved_at=$2, resolved_by=$3, notes=$4 WHERE id=$1 AND resolved_at IS NULL`
	tag, err := r.Pool.Exec(ctx, q, id, time.Now().UTC(), resolvedBy, notes)
	if err != nil {
		return fmt.Errorf("op=dlq.resolve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=dlq.resolve: %w", domain.ErrNotFound)
	}
	return nil
}

// AutoResolve closes open entries older than cutoff with a system note.
func (r *DLQRepo) AutoResolve(ctx domain.Context, cutoff time.Time, note string) (int64, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.AutoResolve")
	defer span.End()

	q := `UPDATE dlq_entries SET resolved_at=$2, resolved_by='system', notes=$3
		WHERE resolved_at IS NULL AND failed_at < $1`
	tag, err := r.Pool.Exec(ctx, q, cutoff, time.Now().UTC(), note)
	if err != nil {
		return 0, fmt.Errorf("op=dlq.auto_resolve: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteResolved removes resolved entries older than cutoff.
func (r *DLQRepo) DeleteResolved(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.DeleteResolved")
	defer span.End()

	q := `DELETE FROM dlq_entries WHERE resolved_at IS NOT NULL AND resolved_at < $1`
	tag, err := r.Pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=dlq.delete_resolved: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanDLQ(row pgx.Row) (domain.DLQEntry, error) {
	var e domain.DLQEntry
	var payload, analysis []byte
	err := row.Scan(
		&e.ID, &e.JobID, &e.IngestID, &e.ProjectID, &e.LastStep,
		&e.ErrorKind, &e.ErrorCode, &e.ErrorMessage, &e.ErrorStack,
		&e.AttemptCount, &e.FailedAt, &e.TraceID, &payload, &analysis,
		&e.ResolvedAt, &e.ResolvedBy, &e.Notes)
	if err != nil {
		return domain.DLQEntry{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return domain.DLQEntry{}, err
		}
	}
	if len(analysis) > 0 {
		var a domain.DLQAnalysis
		if err := json.Unmarshal(analysis, &a); err != nil {
			return domain.DLQEntry{}, err
		}
		e.Analysis = &a
	}
	return e, nil
}

func collectDLQ(rows pgx.Rows, op string) ([]domain.DLQEntry, error) {
	defer rows.Close()
	var out []domain.DLQEntry
	for rows.Next() {
		e, err := scanDLQ(rows)
		if err != nil {
			return nil, fmt.Errorf("%s_scan: %w", op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s_rows: %w", op, err)
	}
	return out, nil
}
