package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// cancelTTL keeps flags around long enough for any running job to see
// them, then lets Redis forget.
const cancelTTL = time.Hour

// CancelFlags stores short-lived cancel records keyed by job id.
// Single writer (the cancel API), many readers (executor checkpoints).
type CancelFlags struct {
	rdb *redis.Client
	ns  string
}

// NewCancelFlags constructs the flag store.
func NewCancelFlags(rdb *redis.Client, namespace string) *CancelFlags {
	return &CancelFlags{rdb: rdb, ns: namespace}
}

func (c *CancelFlags) key(jobID string) string { return c.ns + ":cancel:" + jobID }

// Set writes the flag with a 1 hour TTL.
func (c *CancelFlags) Set(ctx context.Context, flag domain.CancelFlag) error {
	b, err := json.Marshal(flag)
	if err != nil {
		return fmt.Errorf("op=cancel.set: %w", err)
	}
	if err := c.rdb.Set(ctx, c.key(flag.JobID), b, cancelTTL).Err(); err != nil {
		return fmt.Errorf("op=cancel.set: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return nil
}

// Get returns the flag and whether one is present.
func (c *CancelFlags) Get(ctx context.Context, jobID string) (domain.CancelFlag, bool, error) {
	b, err := c.rdb.Get(ctx, c.key(jobID)).Bytes()
	if err == redis.Nil {
		return domain.CancelFlag{}, false, nil
	}
	if err != nil {
		return domain.CancelFlag{}, false, fmt.Errorf("op=cancel.get: %w: %v", domain.ErrQueueUnavailable, err)
	}
	var flag domain.CancelFlag
	if err := json.Unmarshal(b, &flag); err != nil {
		return domain.CancelFlag{}, false, fmt.Errorf("op=cancel.get: %w", err)
	}
	return flag, true, nil
}

// Clear removes the flag once the job has honored it.
func (c *CancelFlags) Clear(ctx context.Context, jobID string) error {
	if err := c.rdb.Del(ctx, c.key(jobID)).Err(); err != nil {
		return fmt.Errorf("op=cancel.clear: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return nil
}
