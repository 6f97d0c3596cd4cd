package worker_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
	"github.com/fairyhunter13/doc-indexer/internal/worker"
)

type scriptedQueue struct {
	domain.Queue
	jobs    chan enqueued
	acked   atomic.Int32
	nacked  atomic.Int32
	demands atomic.Int32
}

func (q *scriptedQueue) Dequeue(ctx context.Context, _ []string, _ string, _ time.Duration) (string, []byte, error) {
	q.demands.Add(1)
	select {
	case j := <-q.jobs:
		return j.jobID, j.payload, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case <-time.After(20 * time.Millisecond):
		return "", nil, nil
	}
}

func (q *scriptedQueue) Ack(_ context.Context, _ string) error {
	q.acked.Add(1)
	return nil
}

func (q *scriptedQueue) Nack(_ context.Context, _ string, _ time.Duration) error {
	q.nacked.Add(1)
	return nil
}

func (q *scriptedQueue) Enqueue(_ domain.Context, _ string, _ []byte, _ string, _ domain.Priority, _ time.Duration) error {
	return nil
}

func (q *scriptedQueue) SetMeta(_ domain.Context, _, _, _ string) error { return nil }

func TestRunner_ProcessesAndAcks(t *testing.T) {
	job := testJob()
	h := newHarness(t, job)

	sq := &scriptedQueue{jobs: make(chan enqueued, 1)}
	sq.jobs <- enqueued{jobID: job.ID, payload: payloadFor(job)}
	h.pipeline.Queue = &fakeQueue{}

	r := &worker.Runner{
		Queue:       sq,
		Pipeline:    h.pipeline,
		QueueName:   "ingest-jobs",
		WorkerID:    "w1",
		Concurrency: 2,
		Visibility:  time.Minute,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() {
		for sq.acked.Load() == 0 && ctx.Err() == nil {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()
	r.Run(ctx)

	require.Equal(t, int32(1), sq.acked.Load())
	assert.Equal(t, int32(0), sq.nacked.Load())
	assert.Equal(t, domain.StateIndexed, h.jobs.jobs[job.ID].State)
	assert.Greater(t, sq.demands.Load(), int32(0))
}
