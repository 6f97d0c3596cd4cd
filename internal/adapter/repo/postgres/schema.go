package postgres

import (
	"context"
	"fmt"
)

// schemaDDL is applied at startup. Statements are idempotent so every
// replica can run them.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id            TEXT PRIMARY KEY,
		ingest_id     TEXT NOT NULL,
		project_id    TEXT NOT NULL,
		file_id       TEXT NOT NULL,
		content_type  TEXT NOT NULL DEFAULT '',
		sha256        TEXT NOT NULL DEFAULT '',
		chunk_size    INT  NOT NULL,
		chunk_overlap INT  NOT NULL,
		force_ocr     BOOLEAN NOT NULL DEFAULT FALSE,
		embed_version TEXT NOT NULL,
		priority      TEXT NOT NULL DEFAULT 'normal',
		state         TEXT NOT NULL,
		step          TEXT NOT NULL DEFAULT '',
		progress_pct  INT  NOT NULL DEFAULT 0,
		attempt       INT  NOT NULL DEFAULT 1,
		max_retries   INT  NOT NULL DEFAULT 3,
		parent_job_id TEXT NOT NULL DEFAULT '',
		trace_id      TEXT NOT NULL DEFAULT '',
		error_kind    TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		error_detail  JSONB,
		error_stack   TEXT NOT NULL DEFAULT '',
		cancel_reason TEXT NOT NULL DEFAULT '',
		metrics       JSONB,
		created_at    TIMESTAMPTZ NOT NULL,
		started_at    TIMESTAMPTZ,
		ended_at      TIMESTAMPTZ,
		updated_at    TIMESTAMPTZ NOT NULL,
		canceled_at   TIMESTAMPTZ,
		UNIQUE (ingest_id, attempt)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_ingest ON jobs (ingest_id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs (state)`,
	`CREATE TABLE IF NOT EXISTS documents (
		id            TEXT PRIMARY KEY,
		project_id    TEXT NOT NULL,
		sha256        TEXT NOT NULL,
		embed_version TEXT NOT NULL,
		chunk_count   INT  NOT NULL,
		content_type  TEXT NOT NULL DEFAULT '',
		indexed_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_project ON documents (project_id)`,
	`CREATE TABLE IF NOT EXISTS dlq_entries (
		id            TEXT PRIMARY KEY,
		job_id        TEXT NOT NULL UNIQUE,
		ingest_id     TEXT NOT NULL,
		project_id    TEXT NOT NULL,
		last_step     TEXT NOT NULL DEFAULT '',
		error_kind    TEXT NOT NULL,
		error_code    TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		error_stack   TEXT NOT NULL DEFAULT '',
		attempt_count INT  NOT NULL,
		failed_at     TIMESTAMPTZ NOT NULL,
		trace_id      TEXT NOT NULL DEFAULT '',
		payload       JSONB,
		analysis      JSONB,
		resolved_at   TIMESTAMPTZ,
		resolved_by   TEXT NOT NULL DEFAULT '',
		notes         TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dlq_kind ON dlq_entries (error_kind)`,
	`CREATE INDEX IF NOT EXISTS idx_dlq_failed_at ON dlq_entries (failed_at)`,
}

// Migrate applies the schema. Safe to run on every start.
func Migrate(ctx context.Context, pool PgxPool) error {
	for _, stmt := range schemaDDL {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=schema.migrate: %w", err)
		}
	}
	return nil
}
