package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// DocumentRepo stores the per-document index rows written when a job
// reaches indexed.
type DocumentRepo struct{ Pool PgxPool }

// NewDocumentRepo constructs a DocumentRepo with the given pool.
func NewDocumentRepo(p PgxPool) *DocumentRepo { return &DocumentRepo{Pool: p} }

var _ domain.DocumentRepository = (*DocumentRepo)(nil)

// Upsert writes or replaces the document row. Reindex runs overwrite the
// previous embed version in place.
func (r *DocumentRepo) Upsert(ctx domain.Context, d domain.Document) error {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.Upsert")
	defer span.End()

	if d.IndexedAt.IsZero() {
		d.IndexedAt = time.Now().UTC()
	}
	q := `INSERT INTO documents (id, project_id, sha256, embed_version, chunk_count, content_type, indexed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			sha256 = EXCLUDED.sha256,
			embed_version = EXCLUDED.embed_version,
			chunk_count = EXCLUDED.chunk_count,
			content_type = EXCLUDED.content_type,
			indexed_at = EXCLUDED.indexed_at`
	_, err := r.Pool.Exec(ctx, q, d.ID, d.ProjectID, d.SHA256, d.EmbedVersion, d.ChunkCount, d.ContentType, d.IndexedAt)
	if err != nil {
		return fmt.Errorf("op=document.upsert: %w", err)
	}
	return nil
}

// Get loads a document by id.
func (r *DocumentRepo) Get(ctx domain.Context, id string) (domain.Document, error) {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.Get")
	defer span.End()

	q := `SELECT id, project_id, sha256, embed_version, chunk_count, content_type, indexed_at FROM documents WHERE id=$1`
	var d domain.Document
	err := r.Pool.QueryRow(ctx, q, id).Scan(&d.ID, &d.ProjectID, &d.SHA256, &d.EmbedVersion, &d.ChunkCount, &d.ContentType, &d.IndexedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Document{}, fmt.Errorf("op=document.get: %w", domain.ErrNotFound)
		}
		return domain.Document{}, fmt.Errorf("op=document.get: %w", err)
	}
	return d, nil
}

// ListByProject returns all indexed documents for a project, newest first.
func (r *DocumentRepo) ListByProject(ctx domain.Context, projectID string) ([]domain.Document, error) {
	tracer := otel.Tracer("repo.documents")
	ctx, span := tracer.Start(ctx, "documents.ListByProject")
	defer span.End()

	q := `SELECT id, project_id, sha256, embed_version, chunk_count, content_type, indexed_at
		FROM documents WHERE project_id=$1 ORDER BY indexed_at DESC`
	rows, err := r.Pool.Query(ctx, q, projectID)
	if err != nil {
		return nil, fmt.Errorf("op=document.list: %w", err)
	}
	defer rows.Close()

	var out []domain.Document
	for rows.Next() {
		var d domain.Document
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.SHA256, &d.EmbedVersion, &d.ChunkCount, &d.ContentType, &d.IndexedAt); err != nil {
			return nil, fmt.Errorf("op=document.list_scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=document.list_rows: %w", err)
	}
	return out, nil
}
