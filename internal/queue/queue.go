// Package queue provides the durable priority queue between ingress and workers.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrMaxAttempts is returned by Nack when the entry has exhausted its
	// attempts and was moved to the dead-letter set.
	ErrMaxAttempts = errors.New("max attempts exhausted")
	// ErrNotReserved is returned when acking or nacking an entry that is
	// no longer reserved (lease expired and another worker took it).
	ErrNotReserved = errors.New("entry not reserved")
)

// Entry is a reference to a queued task held by a worker under a lease.
type Entry struct {
	TaskID        string
	Priority      int
	EnqueuedAt    time.Time
	Attempt       int // 1-based dequeue count, including this one
	LeaseDeadline time.Time
	WorkerID      string
}

// Queue is the ordered, blocking hand-off from ingress to workers with
// at-least-once delivery. Lower numerical priority is served first; ties
// break FIFO on enqueue time. A dequeued entry is invisible to other
// workers until its lease expires or it is acked/nacked.
type Queue interface {
	// Enqueue adds a task reference to its priority band.
	Enqueue(ctx context.Context, taskID string, priority int) error

	// Dequeue blocks up to block for the next entry, reserving it for the
	// caller under a lease. Returns (nil, nil) when the window elapses with
	// nothing available.
	Dequeue(ctx context.Context, workerID string, block time.Duration) (*Entry, error)

	// Ack removes a delivered entry permanently.
	Ack(ctx context.Context, entry *Entry) error

	// Nack returns a failed entry to the head of its band, or moves it to
	// the dead-letter set and returns ErrMaxAttempts when its attempts are
	// exhausted.
	Nack(ctx context.Context, entry *Entry, reason string) error

	// ExtendLease pushes the reservation deadline for a held entry.
	ExtendLease(ctx context.Context, entry *Entry, until time.Time) error

	// Remove deletes a queued (not reserved) task reference, used when a
	// queued task is cancelled.
	Remove(ctx context.Context, taskID string) error

	// Size returns the number of queued (unreserved) entries.
	Size(ctx context.Context) (int64, error)

	// Peek returns the task id that Dequeue would deliver next, or "" when
	// the queue is empty.
	Peek(ctx context.Context) (string, error)

	// Contains reports whether the task is currently queued or reserved.
	// Used by startup reconciliation to find rows that never made it in.
	Contains(ctx context.Context, taskID string) (bool, error)
}
