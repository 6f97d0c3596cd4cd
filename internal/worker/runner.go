package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

const nackDelay = 5 * time.Second

// Runner drains the queue with a fixed number of in-process loops.
type Runner struct {
	Queue       domain.Queue
	Pipeline    *Pipeline
	QueueName   string
	WorkerID    string
	Concurrency int
	Visibility  time.Duration
}

// Run blocks until ctx is canceled, then waits for in-flight jobs.
func (r *Runner) Run(ctx context.Context) {
	n := r.Concurrency
	if n <= 0 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			r.loop(ctx, fmt.Sprintf("%s-%d", r.WorkerID, slot))
		}(i)
	}
	wg.Wait()
}

func (r *Runner) loop(ctx context.Context, workerID string) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}
		jobID, payload, err := r.Queue.Dequeue(ctx, []string{r.QueueName}, workerID, r.Visibility)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		if err != nil {
			wait := bo.NextBackOff()
			slog.Warn("dequeue failed, backing off",
				slog.String("worker", workerID),
				slog.Duration("wait", wait),
				slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		if jobID == "" {
			continue
		}

		if execErr := r.Pipeline.Execute(ctx, payload); execErr != nil {
			slog.Error("job run hit infrastructure failure, redelivering",
				slog.String("job_id", jobID),
				slog.Any("error", execErr))
			if nerr := r.Queue.Nack(ctx, jobID, nackDelay); nerr != nil {
				slog.Error("nack failed", slog.String("job_id", jobID), slog.Any("error", nerr))
			}
			continue
		}
		if aerr := r.Queue.Ack(ctx, jobID); aerr != nil {
			slog.Error("ack failed", slog.String("job_id", jobID), slog.Any("error", aerr))
		}
	}
}
