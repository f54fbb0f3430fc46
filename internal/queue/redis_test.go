package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/internal/common/logger"
)

func newTestQueue(t *testing.T, lease time.Duration, maxAttempts int) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	leaseFor := func(int) time.Duration { return lease }
	return NewRedisQueue(rdb, leaseFor, maxAttempts, logger.Default())
}

func TestPriorityOrdering(t *testing.T) {
	q := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()

	// A lower band wins even when it was enqueued later, and FIFO holds
	// within a band.
	require.NoError(t, q.Enqueue(ctx, "slow-batch", 90))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, "first-default", 50))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, "second-default", 50))

	var got []string
	for i := 0; i < 3; i++ {
		entry, err := q.Dequeue(ctx, "w-1", 0)
		require.NoError(t, err)
		require.NotNil(t, entry)
		got = append(got, entry.TaskID)
		require.NoError(t, q.Ack(ctx, entry))
	}
	assert.Equal(t, []string{"first-default", "second-default", "slow-batch"}, got)

	// Queue drained.
	entry, err := q.Dequeue(ctx, "w-1", 0)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestDequeueReservesEntry(t *testing.T) {
	q := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "t-1", 50))
	entry, err := q.Dequeue(ctx, "w-1", 0)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "t-1", entry.TaskID)
	assert.Equal(t, 1, entry.Attempt)
	assert.Equal(t, "w-1", entry.WorkerID)
	assert.True(t, entry.LeaseDeadline.After(time.Now()))

	// Reserved entries are invisible to other workers.
	other, err := q.Dequeue(ctx, "w-2", 0)
	require.NoError(t, err)
	assert.Nil(t, other)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestLeaseExpiryRequeuesAtHead(t *testing.T) {
	q := newTestQueue(t, 30*time.Millisecond, 5)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "expiring", 50))
	first, err := q.Dequeue(ctx, "w-1", 0)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Let the lease lapse; a later enqueue must not outrank the retry.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, "fresh", 50))

	second, err := q.Dequeue(ctx, "w-2", 0)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "expiring", second.TaskID)
	assert.Equal(t, 2, second.Attempt)
	assert.Equal(t, "w-2", second.WorkerID)
}

func TestLeaseExpiryDeadLettersAfterMaxAttempts(t *testing.T) {
	q := newTestQueue(t, 20*time.Millisecond, 2)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "doomed", 50))
	for i := 0; i < 2; i++ {
		entry, err := q.Dequeue(ctx, "w-1", 0)
		require.NoError(t, err)
		require.NotNil(t, entry)
		time.Sleep(40 * time.Millisecond)
	}

	// Third poll releases the exhausted reservation to the dead set.
	entry, err := q.Dequeue(ctx, "w-1", 0)
	require.NoError(t, err)
	assert.Nil(t, entry)

	dead, err := q.rdb.ZRange(ctx, keyDead, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"doomed"}, dead)
}

func TestNackRequeuesThenDeadLetters(t *testing.T) {
	q := newTestQueue(t, time.Minute, 2)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "flaky", 50))

	entry, err := q.Dequeue(ctx, "w-1", 0)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, entry, "agent-error"))

	entry, err = q.Dequeue(ctx, "w-1", 0)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 2, entry.Attempt)

	err = q.Nack(ctx, entry, "agent-error")
	assert.ErrorIs(t, err, ErrMaxAttempts)

	dead, err := q.rdb.ZRange(ctx, keyDead, 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"flaky"}, dead)

	entry, err = q.Dequeue(ctx, "w-1", 0)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestAck(t *testing.T) {
	q := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "t-1", 50))
	entry, err := q.Dequeue(ctx, "w-1", 0)
	require.NoError(t, err)

	require.NoError(t, q.Ack(ctx, entry))
	assert.ErrorIs(t, q.Ack(ctx, entry), ErrNotReserved)
}

func TestExtendLease(t *testing.T) {
	q := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "t-1", 50))
	entry, err := q.Dequeue(ctx, "w-1", 0)
	require.NoError(t, err)

	until := time.Now().UTC().Add(2 * time.Minute)
	require.NoError(t, q.ExtendLease(ctx, entry, until))
	assert.Equal(t, until.UnixMilli(), entry.LeaseDeadline.UnixMilli())

	require.NoError(t, q.Ack(ctx, entry))
	assert.ErrorIs(t, q.ExtendLease(ctx, entry, until), ErrNotReserved)
}

func TestContains(t *testing.T) {
	q := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()

	present, err := q.Contains(ctx, "t-1")
	require.NoError(t, err)
	assert.False(t, present)

	require.NoError(t, q.Enqueue(ctx, "t-1", 50))
	present, err = q.Contains(ctx, "t-1")
	require.NoError(t, err)
	assert.True(t, present)

	// Reserved entries still count as in-queue.
	entry, err := q.Dequeue(ctx, "w-1", 0)
	require.NoError(t, err)
	require.NotNil(t, entry)
	present, err = q.Contains(ctx, "t-1")
	require.NoError(t, err)
	assert.True(t, present)

	require.NoError(t, q.Ack(ctx, entry))
	present, err = q.Contains(ctx, "t-1")
	require.NoError(t, err)
	assert.False(t, present)
}

func TestRemoveAndPeek(t *testing.T) {
	q := newTestQueue(t, time.Minute, 3)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "a", 50))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, "b", 50))

	head, err := q.Peek(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", head)

	require.NoError(t, q.Remove(ctx, "a"))
	head, err = q.Peek(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", head)
}
