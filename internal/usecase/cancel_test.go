package usecase_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/doc-indexer/internal/clock"
	"github.com/fairyhunter13/doc-indexer/internal/domain"
	"github.com/fairyhunter13/doc-indexer/internal/usecase"
)

func newCancelService(jobs *fakeJobs, q *fakeQueue, flags *fakeFlags) usecase.CancelService {
	return usecase.NewCancelService(jobs, q, flags, clock.System(), "ingest-jobs")
}

func TestCancel_QueuedJobRemovedAndCanceled(t *testing.T) {
	jobs := newFakeJobs()
	job := jobWithState("job-q", domain.StateQueued)
	jobs.jobs[job.ID] = job
	q := &fakeQueue{}
	require.NoError(t, q.Enqueue(context.Background(), "ingest-jobs", []byte("{}"), job.ID, job.Priority, 0))
	flags := newFakeFlags()

	res, err := newCancelService(jobs, q, flags).Cancel(context.Background(), job.ID, "not needed", "alice")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Empty(t, q.items, "ready-list entry must be removed")
	assert.Equal(t, domain.StateCanceled, jobs.jobs[job.ID].State)
	assert.Equal(t, "not needed", jobs.jobs[job.ID].CancelReason)
	assert.Empty(t, flags.flags, "no flag needed for a queued job")
}

func TestCancel_RunningJobGetsFlag(t *testing.T) {
	jobs := newFakeJobs()
	job := jobWithState("job-r", domain.StateEmbedding)
	jobs.jobs[job.ID] = job
	flags := newFakeFlags()

	res, err := newCancelService(jobs, &fakeQueue{}, flags).Cancel(context.Background(), job.ID, "", "")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	flag, ok := flags.flags[job.ID]
	require.True(t, ok)
	assert.Equal(t, "canceled by user", flag.Reason)
	assert.Equal(t, "user", flag.RequestedBy)
	// The executor owns the transition; state is untouched here.
	assert.Equal(t, domain.StateEmbedding, jobs.jobs[job.ID].State)
}

func TestCancel_QueuedJobAlreadyGrabbedFallsBackToFlag(t *testing.T) {
	jobs := newFakeJobs()
	job := jobWithState("job-g", domain.StateQueued)
	jobs.jobs[job.ID] = job
	q := &fakeQueue{} // nothing enqueued: CancelQueued misses
	flags := newFakeFlags()

	res, err := newCancelService(jobs, q, flags).Cancel(context.Background(), job.ID, "stop", "bob")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	_, ok := flags.flags[job.ID]
	assert.True(t, ok)
}

func TestCancel_TerminalJobRefused(t *testing.T) {
	for _, state := range []domain.State{domain.StateIndexed, domain.StateCanceled, domain.StateDeadLetter, domain.StateFailedEmbed} {
		t.Run(string(state), func(t *testing.T) {
			jobs := newFakeJobs()
			job := jobWithState("job-t", state)
			jobs.jobs[job.ID] = job

			res, err := newCancelService(jobs, &fakeQueue{}, newFakeFlags()).Cancel(context.Background(), job.ID, "", "")
			require.NoError(t, err)
			assert.False(t, res.Accepted)
			assert.Equal(t, "terminal", res.Reason)
		})
	}
}

func TestCancel_UnknownJob(t *testing.T) {
	_, err := newCancelService(newFakeJobs(), &fakeQueue{}, newFakeFlags()).Cancel(context.Background(), "nope", "", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
