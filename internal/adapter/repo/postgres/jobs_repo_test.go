package postgres_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/doc-indexer/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

func TestJobRepo_Insert_DuplicateMapsToDuplicateIngest(t *testing.T) {
	pool := &poolStub{execErr: &pgconn.PgError{Code: "23505"}}
	repo := postgres.NewJobRepo(pool)

	err := repo.Insert(context.Background(), domain.Job{ID: "job-1", IngestID: "ing-1", State: domain.StateQueued})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDuplicateIngest)
}

func TestJobRepo_Insert_Success(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewJobRepo(pool)

	job := domain.Job{
		ID: "job-1", IngestID: "ing-1", ProjectID: "proj-1", FileID: "file-1",
		State: domain.StateQueued, Attempt: 1, MaxRetries: 3,
		ChunkSize: 1000, ChunkOverlap: 200, EmbedVersion: "v2", Priority: domain.PriorityNormal,
	}
	require.NoError(t, repo.Insert(context.Background(), job))
	assert.Contains(t, pool.lastSQL, "INSERT INTO jobs")
}

func TestJobRepo_Transition_IllegalRejectedBeforeDB(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewJobRepo(pool)

	err := repo.Transition(context.Background(), "job-1", domain.StateIndexed, domain.StateQueued, domain.TransitionFields{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIllegalTransition)
	assert.Zero(t, pool.execs, "illegal edge must not reach the database")
}

func TestJobRepo_Transition_CASMissIsConflict(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 0")}
	repo := postgres.NewJobRepo(pool)

	err := repo.Transition(context.Background(), "job-1", domain.StateQueued, domain.StateStarted, domain.TransitionFields{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestJobRepo_Transition_AppliesProgressForState(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := postgres.NewJobRepo(pool)

	err := repo.Transition(context.Background(), "job-1", domain.StateUploading, domain.StateExtracting, domain.TransitionFields{Step: "extract"})
	require.NoError(t, err)
	assert.Contains(t, pool.lastSQL, "progress_pct")
	assert.Contains(t, pool.lastSQL, "WHERE id=$1 AND state=$2")
	assert.Contains(t, pool.lastArgs, 25)
}

func TestJobRepo_Transition_FailureStateFreezesProgress(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := postgres.NewJobRepo(pool)

	err := repo.Transition(context.Background(), "job-1", domain.StateEmbedding, domain.StateFailedEmbed, domain.TransitionFields{
		ErrorKind:    string(domain.KindEmbeddingRateLimited),
		ErrorMessage: "rate limited",
	})
	require.NoError(t, err)
	assert.NotContains(t, pool.lastSQL, "progress_pct", "failure transitions keep the prior progress")
	assert.Contains(t, pool.lastSQL, "error_kind")
}

func TestJobRepo_Load_NotFound(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewJobRepo(pool)

	_, err := repo.Load(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepo_LoadByIngest_PicksLatestAttempt(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewJobRepo(pool)

	_, err := repo.LoadByIngest(context.Background(), "ing-1")
	require.Error(t, err)
	assert.True(t, strings.Contains(pool.lastSQL, "ORDER BY attempt DESC LIMIT 1"))
}

func TestJobRepo_ChainAttempts(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*(dest[0].(*int)) = 3
		return nil
	}}}
	repo := postgres.NewJobRepo(pool)

	n, err := repo.ChainAttempts(context.Background(), "ing-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestJobRepo_AgeOut_OnlySettledStates(t *testing.T) {
	pool := &poolStub{execTag: pgconn.NewCommandTag("DELETE 7")}
	repo := postgres.NewJobRepo(pool)

	n, err := repo.AgeOut(context.Background(), time.Now().AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Contains(t, pool.lastSQL, "'indexed','canceled','dead_letter'")
}
