package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"scan-orchestrator/internal/entity"
)

// Queue carries job ids from producers to waiting workers. It is a wake-up
// channel, not the source of truth: the repository decides whether an id can
// still be claimed, so stale or duplicate ids are harmless.
type Queue interface {
	Push(ctx context.Context, jobID string) error
	// Claim blocks up to timeout and returns entity.ErrQueueEmpty if nothing
	// arrived.
	Claim(ctx context.Context, timeout time.Duration) (string, error)
	Ack(ctx context.Context, jobID string) error
	// RequeueStale moves claimed but never acknowledged ids back to the queue.
	RequeueStale(ctx context.Context, max int64) (int64, error)
}

// redisQueue is a reliable list queue.
// Push:  LREM+LPUSH queueKey (an id is queued at most once)
// Claim: BRPOPLPUSH queueKey -> processingKey
// Ack:   LREM processingKey
type redisQueue struct {
	rdb           *redis.Client
	queueKey      string
	processingKey string
}

func NewRedisQueue(rdb *redis.Client, queueKey string) Queue {
	return &redisQueue{
		rdb:           rdb,
		queueKey:      queueKey,
		processingKey: queueKey + ":processing",
	}
}

func (q *redisQueue) Push(ctx context.Context, jobID string) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.queueKey, 0, jobID)
		p.LPush(ctx, q.queueKey, jobID)
		return nil
	})
	return err
}

func (q *redisQueue) Claim(ctx context.Context, timeout time.Duration) (string, error) {
	id, err := q.rdb.BRPopLPush(ctx, q.queueKey, q.processingKey, timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", entity.ErrQueueEmpty
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", err
	}
	return id, nil
}

func (q *redisQueue) Ack(ctx context.Context, jobID string) error {
	return q.rdb.LRem(ctx, q.processingKey, 1, jobID).Err()
}

func (q *redisQueue) RequeueStale(ctx context.Context, max int64) (int64, error) {
	var moved int64
	for moved < max {
		_, err := q.rdb.RPopLPush(ctx, q.processingKey, q.queueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// MemoryQueue is the single-process Queue. An id is queued at most once.
type MemoryQueue struct {
	mu     sync.Mutex
	ids    []string
	queued map[string]struct{}
	notify chan struct{}
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		queued: make(map[string]struct{}),
		notify: make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Push(_ context.Context, jobID string) error {
	q.mu.Lock()
	if _, ok := q.queued[jobID]; !ok {
		q.queued[jobID] = struct{}{}
		q.ids = append(q.ids, jobID)
	}
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if id, ok := q.pop(); ok {
			return id, nil
		}
		select {
		case <-q.notify:
		case <-timer.C:
			return "", entity.ErrQueueEmpty
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (q *MemoryQueue) Ack(context.Context, string) error { return nil }

func (q *MemoryQueue) RequeueStale(context.Context, int64) (int64, error) { return 0, nil }

// Len reports the number of queued ids.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

func (q *MemoryQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ids) == 0 {
		return "", false
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	delete(q.queued, id)
	if len(q.ids) > 0 {
		// wake the next waiter
		q.signal()
	}
	return id, true
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
