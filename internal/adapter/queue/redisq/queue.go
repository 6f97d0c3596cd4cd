// Package redisq implements the durable job queue on Redis: priority
// lists for ready jobs, a delayed zset for scheduled wake-ups and a
// processing zset scored by visibility deadline. An unacked job whose
// visibility expires is re-delivered by the reaper.
package redisq

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/doc-indexer/internal/clock"
	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

const (
	pollInterval = 100 * time.Millisecond
	longPollMax  = 2 * time.Second
	metaTTL      = 24 * time.Hour
)

var priorityOrder = []domain.Priority{domain.PriorityHigh, domain.PriorityNormal, domain.PriorityLow}

// luaPopClaim pops the next ready job and records it in the processing
// zset in one script. A worker crash at any point leaves the job either
// still ready or visible to the reaper; there is no window where it sits
// in neither structure.
const luaPopClaim = `
local jobID = redis.call("RPOP", KEYS[1])
if not jobID then
  return false
end
redis.call("ZADD", KEYS[2], ARGV[1], jobID)
local jobKey = ARGV[2] .. jobID
redis.call("HSET", jobKey, "worker", ARGV[3])
local payload = redis.call("HGET", jobKey, "payload")
if not payload then
  redis.call("ZREM", KEYS[2], jobID)
  return false
end
return {jobID, payload}
`

var popClaimScript = redis.NewScript(luaPopClaim)

// Queue is the Redis-backed implementation of domain.Queue.
type Queue struct {
	rdb   *redis.Client
	ns    string
	clock clock.Clock
}

// New constructs a Queue from a Redis URL.
func New(redisURL, namespace string, clk clock.Clock) (*Queue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=queue.new: %w", err)
	}
	return NewWithClient(redis.NewClient(opt), namespace, clk), nil
}

// NewWithClient wraps an existing client; used by tests with miniredis.
func NewWithClient(rdb *redis.Client, namespace string, clk clock.Clock) *Queue {
	return &Queue{rdb: rdb, ns: namespace, clock: clk}
}

// Ping reports queue reachability for readiness checks.
func (q *Queue) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("op=queue.ping: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return nil
}

func (q *Queue) readyKey(queue string, p domain.Priority) string {
	return fmt.Sprintf("%s:q:%s:%s", q.ns, queue, p)
}
func (q *Queue) delayedKey() string           { return q.ns + ":delayed" }
func (q *Queue) processingKey() string        { return q.ns + ":processing" }
func (q *Queue) jobKey(jobID string) string   { return q.ns + ":job:" + jobID }
func (q *Queue) metaKey(jobID string) string  { return q.ns + ":meta:" + jobID }

// Enqueue stores the payload and makes the job dequeueable, immediately or
// after delay. The job record keeps queue and priority for re-delivery.
func (q *Queue) Enqueue(ctx context.Context, queue string, payload []byte, jobID string, priority domain.Priority, delay time.Duration) error {
	if !domain.ValidPriority(priority) {
		priority = domain.PriorityNormal
	}
	now := q.clock.Now()
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(jobID), map[string]any{
		"payload":     string(payload),
		"queue":       queue,
		"priority":    string(priority),
		"enqueued_at": now.UnixMilli(),
	})
	if delay > 0 {
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(now.Add(delay).UnixMilli()), Member: jobID})
	} else {
		pipe.LPush(ctx, q.readyKey(queue, priority), jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=queue.enqueue: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return nil
}

// Dequeue long-polls the given queues in priority-then-FIFO order. It
// returns ("", nil, nil) when nothing arrived within the poll window.
func (q *Queue) Dequeue(ctx context.Context, queues []string, workerID string, visibility time.Duration) (string, []byte, error) {
	deadline := q.clock.Now().Add(longPollMax)
	for {
		if err := q.reap(ctx); err != nil {
			return "", nil, err
		}
		for _, queue := range queues {
			for _, p := range priorityOrder {
				jobID, payload, err := q.popClaim(ctx, q.readyKey(queue, p), workerID, visibility)
				if err != nil {
					return "", nil, err
				}
				if jobID != "" {
					return jobID, payload, nil
				}
			}
		}
		if q.clock.Now().After(deadline) {
			return "", nil, nil
		}
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// popClaim returns ("", nil, nil) when the ready list is empty or the
// popped job's record vanished (a cancel raced the pop).
func (q *Queue) popClaim(ctx context.Context, readyKey, workerID string, visibility time.Duration) (string, []byte, error) {
	vd := q.clock.Now().Add(visibility)
	res, err := popClaimScript.Run(ctx, q.rdb,
		[]string{readyKey, q.processingKey()},
		vd.UnixMilli(), q.ns+":job:", workerID).Result()
	if err == redis.Nil {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("op=queue.claim: %w: %v", domain.ErrQueueUnavailable, err)
	}
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return "", nil, fmt.Errorf("op=queue.claim: %w: unexpected script reply", domain.ErrQueueUnavailable)
	}
	jobID, _ := pair[0].(string)
	payload, _ := pair[1].(string)
	return jobID, []byte(payload), nil
}

// reap requeues jobs whose visibility expired and promotes delayed jobs
// whose wake time arrived. Expired jobs go to the front of their list so
// redelivery does not lose its FIFO slot.
func (q *Queue) reap(ctx context.Context) error {
	now := fmt.Sprintf("%d", q.clock.Now().UnixMilli())

	expired, err := q.rdb.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return fmt.Errorf("op=queue.reap: %w: %v", domain.ErrQueueUnavailable, err)
	}
	for _, jobID := range expired {
		if err := q.requeue(ctx, jobID, q.processingKey(), true); err != nil {
			return err
		}
	}

	due, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return fmt.Errorf("op=queue.reap: %w: %v", domain.ErrQueueUnavailable, err)
	}
	for _, jobID := range due {
		if err := q.requeue(ctx, jobID, q.delayedKey(), false); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) requeue(ctx context.Context, jobID, fromKey string, front bool) error {
	vals, err := q.rdb.HMGet(ctx, q.jobKey(jobID), "queue", "priority").Result()
	if err != nil {
		return fmt.Errorf("op=queue.requeue: %w: %v", domain.ErrQueueUnavailable, err)
	}
	queue, _ := vals[0].(string)
	prio, _ := vals[1].(string)
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, fromKey, jobID)
	if queue != "" {
		key := q.readyKey(queue, domain.Priority(prio))
		if front {
			pipe.RPush(ctx, key, jobID)
		} else {
			pipe.LPush(ctx, key, jobID)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=queue.requeue: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return nil
}

// Ack marks a job done: it leaves processing and its record is dropped.
// The meta hash survives for a day so status endpoints can still read it.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), jobID)
	pipe.Del(ctx, q.jobKey(jobID))
	pipe.Expire(ctx, q.metaKey(jobID), metaTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=queue.ack: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return nil
}

// Nack returns a job to its queue, optionally after a delay.
func (q *Queue) Nack(ctx context.Context, jobID string, requeueDelay time.Duration) error {
	if requeueDelay > 0 {
		wake := q.clock.Now().Add(requeueDelay)
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.processingKey(), jobID)
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(wake.UnixMilli()), Member: jobID})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("op=queue.nack: %w: %v", domain.ErrQueueUnavailable, err)
		}
		return nil
	}
	return q.requeue(ctx, jobID, q.processingKey(), true)
}

// Length returns the number of ready jobs across all priorities.
func (q *Queue) Length(ctx context.Context, queue string) (int64, error) {
	var total int64
	for _, p := range priorityOrder {
		n, err := q.rdb.LLen(ctx, q.readyKey(queue, p)).Result()
		if err != nil {
			return 0, fmt.Errorf("op=queue.length: %w: %v", domain.ErrQueueUnavailable, err)
		}
		total += n
	}
	return total, nil
}

// Position returns the 0-based dequeue position of a ready job, counting
// higher-priority jobs ahead of it. Returns -1 when not queued.
func (q *Queue) Position(ctx context.Context, queue string, jobID string) (int64, error) {
	var ahead int64
	for _, p := range priorityOrder {
		key := q.readyKey(queue, p)
		idx, err := q.rdb.LPos(ctx, key, jobID, redis.LPosArgs{}).Result()
		if err == redis.Nil {
			n, err := q.rdb.LLen(ctx, key).Result()
			if err != nil {
				return -1, fmt.Errorf("op=queue.position: %w: %v", domain.ErrQueueUnavailable, err)
			}
			ahead += n
			continue
		}
		if err != nil {
			return -1, fmt.Errorf("op=queue.position: %w: %v", domain.ErrQueueUnavailable, err)
		}
		n, err := q.rdb.LLen(ctx, key).Result()
		if err != nil {
			return -1, fmt.Errorf("op=queue.position: %w: %v", domain.ErrQueueUnavailable, err)
		}
		// Lists pop from the right: index n-1 is next out.
		return ahead + (n - 1 - idx), nil
	}
	return -1, nil
}

// CancelQueued removes a not-yet-started job from its ready list or the
// delayed zset. Returns false when the job was already claimed or gone.
func (q *Queue) CancelQueued(ctx context.Context, jobID string) (bool, error) {
	vals, err := q.rdb.HMGet(ctx, q.jobKey(jobID), "queue", "priority").Result()
	if err != nil {
		return false, fmt.Errorf("op=queue.cancel_queued: %w: %v", domain.ErrQueueUnavailable, err)
	}
	queue, _ := vals[0].(string)
	prio, _ := vals[1].(string)
	removed := int64(0)
	if queue != "" {
		n, err := q.rdb.LRem(ctx, q.readyKey(queue, domain.Priority(prio)), 0, jobID).Result()
		if err != nil {
			return false, fmt.Errorf("op=queue.cancel_queued: %w: %v", domain.ErrQueueUnavailable, err)
		}
		removed += n
	}
	n, err := q.rdb.ZRem(ctx, q.delayedKey(), jobID).Result()
	if err != nil {
		return false, fmt.Errorf("op=queue.cancel_queued: %w: %v", domain.ErrQueueUnavailable, err)
	}
	removed += n
	if removed > 0 {
		q.rdb.Del(ctx, q.jobKey(jobID))
		return true, nil
	}
	return false, nil
}

// SetMeta stores a progress key readable by the status API.
func (q *Queue) SetMeta(ctx context.Context, jobID, key, value string) error {
	if err := q.rdb.HSet(ctx, q.metaKey(jobID), key, value).Err(); err != nil {
		return fmt.Errorf("op=queue.set_meta: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return nil
}

// GetMeta returns all progress keys for a job.
func (q *Queue) GetMeta(ctx context.Context, jobID string) (map[string]string, error) {
	m, err := q.rdb.HGetAll(ctx, q.metaKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=queue.get_meta: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return m, nil
}

// ProcessingCount returns the number of claimed, unacked jobs.
func (q *Queue) ProcessingCount(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, q.processingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("op=queue.processing: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return n, nil
}
