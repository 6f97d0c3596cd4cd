package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/doc-indexer/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

func TestDLQRepo_Insert_ReturnsStoredID(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*(dest[0].(*string)) = "dlq-1"
		return nil
	}}}
	repo := postgres.NewDLQRepo(pool)

	id, err := repo.Insert(context.Background(), domain.DLQEntry{
		ID: "dlq-1", JobID: "job-1", IngestID: "ing-1", ProjectID: "proj-1",
		ErrorKind: domain.KindEmbeddingQuotaExceeded, AttemptCount: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, "dlq-1", id)
	assert.Contains(t, pool.lastSQL, "ON CONFLICT (job_id)")
}

func TestDLQRepo_Get_NotFound(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewDLQRepo(pool)

	_, err := repo.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDLQRepo_Resolve_MissingOrResolvedIsNotFound(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 0")}
	repo := postgres.NewDLQRepo(pool)

	err := repo.Resolve(context.Background(), "dlq-1", "alice", "fixed upstream")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, pool.lastSQL, "resolved_at IS NULL")
}

func TestDLQRepo_CountOpen(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*(dest[0].(*int64)) = 12
		return nil
	}}}
	repo := postgres.NewDLQRepo(pool)

	n, err := repo.CountOpen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
}

func TestDLQRepo_CountSimilar(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*(dest[0].(*int)) = 5
		return nil
	}}}
	repo := postgres.NewDLQRepo(pool)

	n, err := repo.CountSimilar(context.Background(), domain.KindOCREngineError, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestDLQRepo_AutoResolve(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 3")}
	repo := postgres.NewDLQRepo(pool)

	n, err := repo.AutoResolve(context.Background(), time.Now().AddDate(0, 0, -7), "stale")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Contains(t, pool.lastSQL, "resolved_by='system'")
}

func TestDLQRepo_DeleteResolved(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("DELETE 2")}
	repo := postgres.NewDLQRepo(pool)

	n, err := repo.DeleteResolved(context.Background(), time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
