// Package store persists tasks and enforces the lifecycle state machine.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/relaydev/relay/internal/task"
)

var (
	// ErrNotFound is returned when a task id does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrConflict is returned when a conditional transition loses the
	// compare-and-swap on the current status.
	ErrConflict = errors.New("task status conflict")
	// ErrDuplicate is returned by Create when a live task already exists
	// for the same (installation, fingerprint).
	ErrDuplicate = errors.New("duplicate fingerprint")
)

// DedupWindow is how long a fingerprint maps retried deliveries to the
// existing task instead of creating a new one.
const DedupWindow = 24 * time.Hour

// Patch carries the optional field updates applied alongside a transition.
type Patch struct {
	Execution      *task.Execution
	Output         *string
	ErrorText      *string
	PostStatus     *string
	FailureReason  *string
	AttemptsDelta  int
	LeaseExpiresAt *time.Time
}

// Filter narrows List results.
type Filter struct {
	Status         task.Status
	Provider       task.Provider
	InstallationID string
}

// Store is the durable record of every task.
type Store interface {
	// Create inserts a task in queued status. If a non-terminal task with
	// the same (installation, fingerprint) exists within the dedup window,
	// it returns that task's id and ErrDuplicate.
	Create(ctx context.Context, t *task.Task) (string, error)

	// Get returns a task by id.
	Get(ctx context.Context, id string) (*task.Task, error)

	// Transition moves a task from one status to another, conditional on
	// the current status matching from. Returns ErrConflict on CAS failure.
	Transition(ctx context.Context, id string, from, to task.Status, patch Patch) error

	// AppendMetrics adds to a task's monotonically increasing counters.
	AppendMetrics(ctx context.Context, id string, delta task.MetricsDelta) error

	// RequestCancel sets the cancel flag observed by workers at their next
	// await point. No-op on terminal tasks.
	RequestCancel(ctx context.Context, id string) error

	// List returns tasks matching filter, newest first, starting after the
	// cursor task id. Returns the next cursor ("" when exhausted).
	List(ctx context.Context, filter Filter, cursor string, limit int) ([]*task.Task, string, error)

	// RecordUsage appends a usage_metrics row for a finished task, read by
	// the out-of-process analytics aggregator.
	RecordUsage(ctx context.Context, t *task.Task) error

	// ExtendLease records a fresh lease deadline for a running task.
	ExtendLease(ctx context.Context, id string, until time.Time) error

	// ListExpiredRunning returns running (or awaiting-approval) tasks whose
	// lease deadline has passed, for startup reconciliation.
	ListExpiredRunning(ctx context.Context, olderThan time.Time) ([]*task.Task, error)
}
