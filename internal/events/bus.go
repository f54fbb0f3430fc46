// Package events carries task lifecycle notifications between components.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects for task lifecycle events.
const (
	SubjectTaskCreated      = "task.created"
	SubjectTaskStateChanged = "task.state_changed"
	SubjectTaskCompleted    = "task.completed"
)

// Event is a message on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event with a fresh ID and current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// TaskEvent builds a lifecycle event for a task transition.
func TaskEvent(subject, taskID, status string) *Event {
	return NewEvent(subject, "relay", map[string]any{
		"task_id": taskID,
		"status":  status,
	})
}

// Handler processes a received event.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active bus subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus publishes and delivers lifecycle events. Subjects support NATS-style
// wildcards: * matches one token, > matches the rest.
type Bus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
