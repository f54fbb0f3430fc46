package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
)

// Redis key layout. One sorted set per priority band, a reservation set
// scored by lease deadline, a dead-letter set, and an attempts counter hash.
const (
	keyBands     = "relay:queue:bands"
	keyBandFmt   = "relay:queue:%d"
	keyReserved  = "relay:reserved"
	keyMeta      = "relay:reserved:meta"
	keyAttempts  = "relay:attempts"
	keyDead      = "relay:dead"
)

// timeBits is the width of the enqueue-time component of a band score:
// score = priority*2^41 + enqueue-ms. 2^41 ms is ~69 years of range.
const timeBits = 41

// pollInterval is the dequeue polling cadence. Blocking semantics are
// emulated by polling because ZPOPMIN has no blocking variant that spans
// multiple band keys atomically with our reservation step.
const pollInterval = 250 * time.Millisecond

// entryMeta is the reservation record stored per held entry.
type entryMeta struct {
	Priority   int    `json:"priority"`
	EnqueuedMs int64  `json:"enqueued_ms"`
	WorkerID   string `json:"worker_id"`
}

// LeaseFunc returns the lease window for a priority band.
type LeaseFunc func(priority int) time.Duration

// RedisQueue implements Queue on Redis sorted sets.
type RedisQueue struct {
	rdb         redis.UniversalClient
	leaseFor    LeaseFunc
	maxAttempts int
	log         *logger.Logger
}

// NewRedisQueue creates a Queue with the given lease policy and attempt cap.
func NewRedisQueue(rdb redis.UniversalClient, leaseFor LeaseFunc, maxAttempts int, log *logger.Logger) *RedisQueue {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &RedisQueue{
		rdb:         rdb,
		leaseFor:    leaseFor,
		maxAttempts: maxAttempts,
		log:         log.WithFields(zap.String("component", "queue")),
	}
}

func bandKey(priority int) string {
	return fmt.Sprintf(keyBandFmt, priority)
}

func score(priority int, enqueuedMs int64) float64 {
	return float64(int64(priority)<<timeBits + enqueuedMs)
}

// Enqueue adds the task to its priority band, FIFO within the band.
func (q *RedisQueue) Enqueue(ctx context.Context, taskID string, priority int) error {
	now := time.Now().UTC().UnixMilli()
	pipe := q.rdb.TxPipeline()
	pipe.SAdd(ctx, keyBands, priority)
	pipe.ZAdd(ctx, bandKey(priority), redis.Z{Score: score(priority, now), Member: taskID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue %s: %w", taskID, err)
	}
	return nil
}

// bands returns the known priority bands in ascending order.
func (q *RedisQueue) bands(ctx context.Context) ([]int, error) {
	members, err := q.rdb.SMembers(ctx, keyBands).Result()
	if err != nil {
		return nil, err
	}
	bands := make([]int, 0, len(members))
	for _, m := range members {
		p, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		bands = append(bands, p)
	}
	// Insertion sort; the band count is tiny.
	for i := 1; i < len(bands); i++ {
		for j := i; j > 0 && bands[j] < bands[j-1]; j-- {
			bands[j], bands[j-1] = bands[j-1], bands[j]
		}
	}
	return bands, nil
}

// Dequeue polls the bands in priority order until an entry is available or
// the blocking window elapses. Expired reservations are released first so a
// dead worker's tasks return to the head of their band.
func (q *RedisQueue) Dequeue(ctx context.Context, workerID string, block time.Duration) (*Entry, error) {
	deadline := time.Now().Add(block)
	for {
		if err := q.releaseExpired(ctx); err != nil {
			return nil, err
		}

		entry, err := q.tryDequeue(ctx, workerID)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return entry, nil
		}

		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// tryDequeue pops the head of the highest-priority non-empty band and
// reserves it for the worker.
func (q *RedisQueue) tryDequeue(ctx context.Context, workerID string) (*Entry, error) {
	bands, err := q.bands(ctx)
	if err != nil {
		return nil, fmt.Errorf("list bands: %w", err)
	}

	for _, priority := range bands {
		popped, err := q.rdb.ZPopMin(ctx, bandKey(priority), 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("pop band %d: %w", priority, err)
		}
		if len(popped) == 0 {
			continue
		}

		taskID := popped[0].Member.(string)
		enqueuedMs := int64(popped[0].Score) - int64(priority)<<timeBits
		attempt, err := q.rdb.HIncrBy(ctx, keyAttempts, taskID, 1).Result()
		if err != nil {
			return nil, fmt.Errorf("count attempt for %s: %w", taskID, err)
		}

		leaseDeadline := time.Now().UTC().Add(q.leaseFor(priority))
		meta, _ := json.Marshal(entryMeta{Priority: priority, EnqueuedMs: enqueuedMs, WorkerID: workerID})
		pipe := q.rdb.TxPipeline()
		pipe.ZAdd(ctx, keyReserved, redis.Z{Score: float64(leaseDeadline.UnixMilli()), Member: taskID})
		pipe.HSet(ctx, keyMeta, taskID, string(meta))
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("reserve %s: %w", taskID, err)
		}

		return &Entry{
			TaskID:        taskID,
			Priority:      priority,
			EnqueuedAt:    time.UnixMilli(enqueuedMs).UTC(),
			Attempt:       int(attempt),
			LeaseDeadline: leaseDeadline,
			WorkerID:      workerID,
		}, nil
	}
	return nil, nil
}

// releaseExpired returns lapsed reservations to the head of their bands,
// or dead-letters them once their attempts are exhausted.
func (q *RedisQueue) releaseExpired(ctx context.Context) error {
	nowMs := time.Now().UTC().UnixMilli()
	expired, err := q.rdb.ZRangeByScore(ctx, keyReserved, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(nowMs, 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("scan expired reservations: %w", err)
	}

	for _, taskID := range expired {
		// Another poller may race us; only the remover proceeds.
		removed, err := q.rdb.ZRem(ctx, keyReserved, taskID).Result()
		if err != nil || removed == 0 {
			continue
		}

		priority := q.reservedPriority(ctx, taskID)
		q.rdb.HDel(ctx, keyMeta, taskID)

		attempts, _ := q.rdb.HGet(ctx, keyAttempts, taskID).Int()
		if attempts >= q.maxAttempts {
			q.deadLetter(ctx, taskID, "lease expired")
			continue
		}

		// Head of the band: zero time component jumps the FIFO order,
		// trading strict fairness for liveness of retried work.
		if err := q.rdb.ZAdd(ctx, bandKey(priority), redis.Z{
			Score: score(priority, 0), Member: taskID,
		}).Err(); err != nil {
			q.log.Error("failed to requeue expired entry",
				zap.String("task_id", taskID), zap.Error(err))
			continue
		}
		q.log.Warn("lease expired, entry requeued",
			zap.String("task_id", taskID),
			zap.Int("attempts", attempts))
	}
	return nil
}

// reservedPriority recovers the band for a reserved task from its metadata,
// falling back to the default band.
func (q *RedisQueue) reservedPriority(ctx context.Context, taskID string) int {
	raw, err := q.rdb.HGet(ctx, keyMeta, taskID).Result()
	if err != nil {
		return 50
	}
	var meta entryMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return 50
	}
	return meta.Priority
}

// Ack removes a delivered entry permanently.
func (q *RedisQueue) Ack(ctx context.Context, entry *Entry) error {
	removed, err := q.rdb.ZRem(ctx, keyReserved, entry.TaskID).Result()
	if err != nil {
		return fmt.Errorf("ack %s: %w", entry.TaskID, err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, keyMeta, entry.TaskID)
	pipe.HDel(ctx, keyAttempts, entry.TaskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack cleanup %s: %w", entry.TaskID, err)
	}
	if removed == 0 {
		return fmt.Errorf("%w: %s", ErrNotReserved, entry.TaskID)
	}
	return nil
}

// Nack returns the entry to the head of its band, or dead-letters it when
// attempts are exhausted.
func (q *RedisQueue) Nack(ctx context.Context, entry *Entry, reason string) error {
	removed, err := q.rdb.ZRem(ctx, keyReserved, entry.TaskID).Result()
	if err != nil {
		return fmt.Errorf("nack %s: %w", entry.TaskID, err)
	}
	q.rdb.HDel(ctx, keyMeta, entry.TaskID)
	if removed == 0 {
		return fmt.Errorf("%w: %s", ErrNotReserved, entry.TaskID)
	}

	if entry.Attempt >= q.maxAttempts {
		q.deadLetter(ctx, entry.TaskID, reason)
		return fmt.Errorf("%s after %d attempts: %w", reason, entry.Attempt, ErrMaxAttempts)
	}

	if err := q.rdb.ZAdd(ctx, bandKey(entry.Priority), redis.Z{
		Score: score(entry.Priority, 0), Member: entry.TaskID,
	}).Err(); err != nil {
		return fmt.Errorf("requeue %s: %w", entry.TaskID, err)
	}
	q.log.Info("entry nacked and requeued",
		zap.String("task_id", entry.TaskID),
		zap.String("reason", reason),
		zap.Int("attempt", entry.Attempt))
	return nil
}

func (q *RedisQueue) deadLetter(ctx context.Context, taskID, reason string) {
	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, keyDead, redis.Z{Score: float64(time.Now().UTC().UnixMilli()), Member: taskID})
	pipe.HDel(ctx, keyAttempts, taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error("failed to dead-letter entry",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}
	q.log.Warn("entry dead-lettered",
		zap.String("task_id", taskID),
		zap.String("reason", reason))
}

// ExtendLease pushes the reservation deadline for a held entry. The XX flag
// only updates an existing reservation; a vanished one means the lease
// already expired.
func (q *RedisQueue) ExtendLease(ctx context.Context, entry *Entry, until time.Time) error {
	if err := q.rdb.ZAddXX(ctx, keyReserved, redis.Z{
		Score: float64(until.UTC().UnixMilli()), Member: entry.TaskID,
	}).Err(); err != nil {
		return fmt.Errorf("extend lease %s: %w", entry.TaskID, err)
	}
	if _, err := q.rdb.ZScore(ctx, keyReserved, entry.TaskID).Result(); err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrNotReserved, entry.TaskID)
		}
		return fmt.Errorf("verify lease %s: %w", entry.TaskID, err)
	}
	entry.LeaseDeadline = until.UTC()
	return nil
}

// Remove deletes a queued task reference from all bands.
func (q *RedisQueue) Remove(ctx context.Context, taskID string) error {
	bands, err := q.bands(ctx)
	if err != nil {
		return fmt.Errorf("list bands: %w", err)
	}
	for _, priority := range bands {
		if err := q.rdb.ZRem(ctx, bandKey(priority), taskID).Err(); err != nil {
			return fmt.Errorf("remove %s from band %d: %w", taskID, priority, err)
		}
	}
	return nil
}

// Size returns the number of queued (unreserved) entries across all bands.
func (q *RedisQueue) Size(ctx context.Context) (int64, error) {
	bands, err := q.bands(ctx)
	if err != nil {
		return 0, fmt.Errorf("list bands: %w", err)
	}
	var total int64
	for _, priority := range bands {
		n, err := q.rdb.ZCard(ctx, bandKey(priority)).Result()
		if err != nil {
			return 0, fmt.Errorf("size band %d: %w", priority, err)
		}
		total += n
	}
	return total, nil
}

// Contains reports whether the task is present in any band or reserved.
func (q *RedisQueue) Contains(ctx context.Context, taskID string) (bool, error) {
	err := q.rdb.ZScore(ctx, keyReserved, taskID).Err()
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("check reservation for %s: %w", taskID, err)
	}

	bands, err := q.bands(ctx)
	if err != nil {
		return false, fmt.Errorf("list bands: %w", err)
	}
	for _, priority := range bands {
		err := q.rdb.ZScore(ctx, bandKey(priority), taskID).Err()
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, redis.Nil) {
			return false, fmt.Errorf("check band %d for %s: %w", priority, taskID, err)
		}
	}
	return false, nil
}

// Peek returns the next task id without reserving it.
func (q *RedisQueue) Peek(ctx context.Context) (string, error) {
	bands, err := q.bands(ctx)
	if err != nil {
		return "", fmt.Errorf("list bands: %w", err)
	}
	for _, priority := range bands {
		members, err := q.rdb.ZRange(ctx, bandKey(priority), 0, 0).Result()
		if err != nil {
			return "", fmt.Errorf("peek band %d: %w", priority, err)
		}
		if len(members) > 0 {
			return members[0], nil
		}
	}
	return "", nil
}
