package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/doc-indexer/internal/clock"
	"github.com/fairyhunter13/doc-indexer/internal/domain"
	"github.com/fairyhunter13/doc-indexer/internal/usecase"
)

func TestStatus_QueuedJobReportsPosition(t *testing.T) {
	jobs := newFakeJobs()
	job := jobWithState("job-q", domain.StateQueued)
	jobs.jobs[job.ID] = job
	q := &fakeQueue{position: 4}
	svc := usecase.NewStatusService(jobs, q, clock.System(), "ingest-jobs")

	st, err := svc.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "queued", st.State)
	require.NotNil(t, st.QueuePosition)
	assert.Equal(t, int64(4), *st.QueuePosition)
	require.NotNil(t, st.EstimatedRemainingSeconds)
	assert.Equal(t, int64(150), *st.EstimatedRemainingSeconds)
	assert.Equal(t, 0, st.RetryCount)
}

func TestStatus_RunningJobEstimatesRemaining(t *testing.T) {
	jobs := newFakeJobs()
	job := jobWithState("job-r", domain.StateEmbedding)
	job.ProgressPct = 75
	started := time.Now().UTC().Add(-90 * time.Second)
	job.StartedAt = &started
	jobs.jobs[job.ID] = job
	svc := usecase.NewStatusService(jobs, &fakeQueue{}, clock.System(), "ingest-jobs")

	st, err := svc.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Nil(t, st.QueuePosition)
	require.NotNil(t, st.EstimatedRemainingSeconds)
	// 90s elapsed at 75% leaves roughly a third of the elapsed time.
	assert.InDelta(t, 30, float64(*st.EstimatedRemainingSeconds), 2)
}

func TestStatus_IndexedJobCarriesDocumentFields(t *testing.T) {
	jobs := newFakeJobs()
	job := jobWithState("job-i", domain.StateIndexed)
	job.ProgressPct = 100
	job.Metrics = &domain.JobMetrics{ChunksStored: 12}
	ended := time.Now().UTC()
	job.EndedAt = &ended
	jobs.jobs[job.ID] = job
	svc := usecase.NewStatusService(jobs, &fakeQueue{}, clock.System(), "ingest-jobs")

	st, err := svc.Status(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.FileID, st.DocumentID)
	require.NotNil(t, st.ChunksIndexed)
	assert.Equal(t, 12, *st.ChunksIndexed)
	require.NotNil(t, st.EndedAt)
}

func TestStatus_RetryCountSpansTheChain(t *testing.T) {
	jobs := newFakeJobs()
	parent := jobWithState("job-p", domain.StateFailedEmbed)
	child := jobWithState("job-c", domain.StateQueued)
	child.IngestID = parent.IngestID
	child.Attempt = 2
	child.ParentJobID = parent.ID
	jobs.jobs[parent.ID] = parent
	jobs.jobs[child.ID] = child
	svc := usecase.NewStatusService(jobs, &fakeQueue{}, clock.System(), "ingest-jobs")

	st, err := svc.Status(context.Background(), child.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, st.RetryCount)
}

func TestStatus_UnknownJob(t *testing.T) {
	svc := usecase.NewStatusService(newFakeJobs(), &fakeQueue{}, clock.System(), "ingest-jobs")
	_, err := svc.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
