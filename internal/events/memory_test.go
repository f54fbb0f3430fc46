package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/internal/common/logger"
)

type collector struct {
	mu     sync.Mutex
	events []*Event
	ch     chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 16)}
}

func (c *collector) handle(_ context.Context, e *Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	c.ch <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) []*Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		got := len(c.events)
		c.mu.Unlock()
		if got >= n {
			break
		}
		select {
		case <-c.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, got)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Event(nil), c.events...)
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	bus := NewMemoryBus(logger.Default())
	defer bus.Close()

	col := newCollector()
	_, err := bus.Subscribe(SubjectTaskCreated, col.handle)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), SubjectTaskCreated, TaskEvent(SubjectTaskCreated, "t-1", "queued")))

	events := col.wait(t, 1)
	assert.Equal(t, SubjectTaskCreated, events[0].Type)
	assert.Equal(t, "t-1", events[0].Data["task_id"])
	assert.NotEmpty(t, events[0].ID)
}

func TestMemoryBusWildcards(t *testing.T) {
	bus := NewMemoryBus(logger.Default())
	defer bus.Close()

	star := newCollector()
	_, err := bus.Subscribe("task.*", star.handle)
	require.NoError(t, err)

	all := newCollector()
	_, err = bus.Subscribe(">", all.handle)
	require.NoError(t, err)

	other := newCollector()
	_, err = bus.Subscribe("installation.*", other.handle)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, SubjectTaskCreated, TaskEvent(SubjectTaskCreated, "t-1", "queued")))
	require.NoError(t, bus.Publish(ctx, SubjectTaskCompleted, TaskEvent(SubjectTaskCompleted, "t-1", "completed")))

	star.wait(t, 2)
	all.wait(t, 2)

	other.mu.Lock()
	defer other.mu.Unlock()
	assert.Empty(t, other.events)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(logger.Default())
	defer bus.Close()

	col := newCollector()
	sub, err := bus.Subscribe(SubjectTaskCreated, col.handle)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, SubjectTaskCreated, TaskEvent(SubjectTaskCreated, "t-1", "queued")))
	col.wait(t, 1)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, bus.Publish(ctx, SubjectTaskCreated, TaskEvent(SubjectTaskCreated, "t-2", "queued")))

	time.Sleep(50 * time.Millisecond)
	col.mu.Lock()
	defer col.mu.Unlock()
	assert.Len(t, col.events, 1)
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus(logger.Default())
	assert.True(t, bus.IsConnected())

	bus.Close()
	assert.False(t, bus.IsConnected())

	err := bus.Publish(context.Background(), SubjectTaskCreated, TaskEvent(SubjectTaskCreated, "t-1", "queued"))
	assert.Error(t, err)

	_, err = bus.Subscribe(SubjectTaskCreated, func(context.Context, *Event) error { return nil })
	assert.Error(t, err)
}
