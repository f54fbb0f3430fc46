// Package task defines the durable unit of work and its lifecycle.
package task

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Provider identifies the external service that originated an event.
type Provider string

const (
	ProviderCodeForge    Provider = "codeforge"
	ProviderTracker      Provider = "tracker"
	ProviderChat         Provider = "chat"
	ProviderErrorMonitor Provider = "errormonitor"
)

// Providers lists all recognized providers.
var Providers = []Provider{ProviderCodeForge, ProviderTracker, ProviderChat, ProviderErrorMonitor}

// Valid reports whether p is a recognized provider.
func (p Provider) Valid() bool {
	for _, known := range Providers {
		if p == known {
			return true
		}
	}
	return false
}

// Status is the task lifecycle state. Transitions are strictly forward:
// queued -> running -> {completed | failed | cancelled}, with the reserved
// interior awaiting-approval between running and a terminal state.
type Status string

const (
	StatusQueued            Status = "queued"
	StatusRunning           Status = "running"
	StatusAwaitingApproval  Status = "awaiting-approval"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal statuses are immutable.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// legalTransitions enumerates the allowed forward edges of the lifecycle.
var legalTransitions = map[Status][]Status{
	StatusQueued:           {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning:          {StatusAwaitingApproval, StatusCompleted, StatusFailed, StatusCancelled},
	StatusAwaitingApproval: {StatusRunning, StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PriorityClass buckets tasks into queue bands. Lower numerical priority
// is served first; ties break FIFO on enqueue time.
type PriorityClass string

const (
	PriorityInteractive PriorityClass = "interactive" // direct mentions, review requests
	PriorityDefault     PriorityClass = "default"
	PriorityBatch       PriorityClass = "batch" // label sweeps, error-monitor alerts
)

// Value maps a priority class to its numeric band.
func (p PriorityClass) Value() int {
	switch p {
	case PriorityInteractive:
		return 10
	case PriorityBatch:
		return 90
	default:
		return 50
	}
}

// Source carries the provider-side identifiers a task originated from.
// Only the fields applicable to the provider are populated.
type Source struct {
	Repo        string `json:"repo,omitempty"`         // code-forge: owner/name
	Number      int    `json:"number,omitempty"`       // code-forge: PR or issue number
	IsPR        bool   `json:"is_pr,omitempty"`        // code-forge: pull request vs issue
	CommentID   int64  `json:"comment_id,omitempty"`   // code-forge: triggering comment (loop prevention)
	IssueKey    string `json:"issue_key,omitempty"`    // tracker
	Project     string `json:"project,omitempty"`      // tracker
	ChannelID   string `json:"channel_id,omitempty"`   // chat
	ThreadID    string `json:"thread_id,omitempty"`    // chat
	OrgSlug     string `json:"org_slug,omitempty"`     // error-monitor
	ProjectSlug string `json:"project_slug,omitempty"` // error-monitor
	IssueID     string `json:"issue_id,omitempty"`     // error-monitor
	CloneURL    string `json:"clone_url,omitempty"`    // repository to run against, when known
	TargetRef   string `json:"target_ref,omitempty"`   // branch or ref to check out
}

// Request is the normalized webhook output. It lives only until a Task is
// created from it.
type Request struct {
	Provider       Provider
	EventKind      string
	InstallationID string
	Source         Source
	Actor          string
	Message        string
	Fingerprint    string // stable across retries of the same delivery
	Priority       PriorityClass
}

// Execution holds per-run metadata recorded once a worker picks up the task.
type Execution struct {
	WorkingDir string `json:"working_dir,omitempty"`
	Model      string `json:"model,omitempty"`
	Agent      string `json:"agent,omitempty"` // cli provider: claude, cursor
	WorkerID   string `json:"worker_id,omitempty"`
}

// Result holds the outcome of a task.
type Result struct {
	Output       string  `json:"output,omitempty"`
	Error        string  `json:"error,omitempty"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	PostStatus   string  `json:"post_status,omitempty"` // posted, failed, skipped
}

// Task is the durable unit of work.
type Task struct {
	ID              string     `json:"id" db:"id"`
	InstallationID  string     `json:"installation_id" db:"installation_id"`
	Provider        Provider   `json:"provider" db:"provider"`
	EventKind       string     `json:"event_kind" db:"event_kind"`
	Status          Status     `json:"status" db:"status"`
	Priority        int        `json:"priority" db:"priority"`
	PriorityClass   string     `json:"priority_class" db:"priority_class"`
	Fingerprint     string     `json:"fingerprint" db:"fingerprint"`
	Input           string     `json:"input" db:"input"`
	Actor           string     `json:"actor" db:"actor"`
	Source          Source     `json:"source" db:"-"`
	Execution       Execution  `json:"execution" db:"-"`
	Result          Result     `json:"result" db:"-"`
	FailureReason   string     `json:"failure_reason,omitempty" db:"failure_reason"`
	Attempts        int        `json:"attempts" db:"attempts"`
	CancelRequested bool       `json:"cancel_requested" db:"cancel_requested"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	DequeuedAt      *time.Time `json:"dequeued_at,omitempty" db:"dequeued_at"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// MetricsDelta is an additive update to a task's counters. Counters only
// ever increase within a task's lifetime.
type MetricsDelta struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a new monotonic ULID task id. IDs sort by creation time.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}
