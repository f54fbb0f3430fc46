package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relaydev/relay/internal/db"
	"github.com/relaydev/relay/internal/task"
)

// SQLStore implements Store on a relational database via the shared pool.
type SQLStore struct {
	pool *db.Pool
}

// NewSQLStore creates a Store backed by the given pool.
func NewSQLStore(pool *db.Pool) *SQLStore {
	return &SQLStore{pool: pool}
}

// taskRow is the flat scan target; JSON blobs and nullable timestamps are
// converted to and from the model explicitly.
type taskRow struct {
	ID              string       `db:"id"`
	InstallationID  string       `db:"installation_id"`
	Provider        string       `db:"provider"`
	EventKind       string       `db:"event_kind"`
	Status          string       `db:"status"`
	Priority        int          `db:"priority"`
	PriorityClass   string       `db:"priority_class"`
	Fingerprint     string       `db:"fingerprint"`
	Input           string       `db:"input"`
	Actor           string       `db:"actor"`
	Source          string       `db:"source"`
	Execution       string       `db:"execution"`
	Output          string       `db:"output"`
	ErrorText       string       `db:"error_text"`
	InputTokens     int64        `db:"input_tokens"`
	OutputTokens    int64        `db:"output_tokens"`
	CostUSD         float64      `db:"cost_usd"`
	PostStatus      string       `db:"post_status"`
	FailureReason   string       `db:"failure_reason"`
	Attempts        int          `db:"attempts"`
	CancelRequested bool         `db:"cancel_requested"`
	LeaseExpiresAt  sql.NullTime `db:"lease_expires_at"`
	CreatedAt       time.Time    `db:"created_at"`
	DequeuedAt      sql.NullTime `db:"dequeued_at"`
	StartedAt       sql.NullTime `db:"started_at"`
	FinishedAt      sql.NullTime `db:"finished_at"`
}

const taskColumns = `id, installation_id, provider, event_kind, status, priority,
	priority_class, fingerprint, input, actor, source, execution, output,
	error_text, input_tokens, output_tokens, cost_usd, post_status,
	failure_reason, attempts, cancel_requested, lease_expires_at,
	created_at, dequeued_at, started_at, finished_at`

func (r *taskRow) toModel() (*task.Task, error) {
	t := &task.Task{
		ID:              r.ID,
		InstallationID:  r.InstallationID,
		Provider:        task.Provider(r.Provider),
		EventKind:       r.EventKind,
		Status:          task.Status(r.Status),
		Priority:        r.Priority,
		PriorityClass:   r.PriorityClass,
		Fingerprint:     r.Fingerprint,
		Input:           r.Input,
		Actor:           r.Actor,
		FailureReason:   r.FailureReason,
		Attempts:        r.Attempts,
		CancelRequested: r.CancelRequested,
		CreatedAt:       r.CreatedAt,
		Result: task.Result{
			Output:       r.Output,
			Error:        r.ErrorText,
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
			CostUSD:      r.CostUSD,
			PostStatus:   r.PostStatus,
		},
	}
	if r.Source != "" {
		if err := json.Unmarshal([]byte(r.Source), &t.Source); err != nil {
			return nil, fmt.Errorf("decode source metadata: %w", err)
		}
	}
	if r.Execution != "" {
		if err := json.Unmarshal([]byte(r.Execution), &t.Execution); err != nil {
			return nil, fmt.Errorf("decode execution metadata: %w", err)
		}
	}
	if r.LeaseExpiresAt.Valid {
		t.LeaseExpiresAt = &r.LeaseExpiresAt.Time
	}
	if r.DequeuedAt.Valid {
		t.DequeuedAt = &r.DequeuedAt.Time
	}
	if r.StartedAt.Valid {
		t.StartedAt = &r.StartedAt.Time
	}
	if r.FinishedAt.Valid {
		t.FinishedAt = &r.FinishedAt.Time
	}
	return t, nil
}

// Create inserts a task in queued status, deduplicating on fingerprint.
func (s *SQLStore) Create(ctx context.Context, t *task.Task) (string, error) {
	if t.ID == "" {
		t.ID = task.NewID()
	}
	if t.Status == "" {
		t.Status = task.StatusQueued
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	// Idempotent ingress: a retried delivery maps to the existing task.
	existing, err := s.findByFingerprint(ctx, t.InstallationID, t.Fingerprint)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, ErrDuplicate
	}

	source, err := json.Marshal(t.Source)
	if err != nil {
		return "", fmt.Errorf("encode source metadata: %w", err)
	}
	execution, err := json.Marshal(t.Execution)
	if err != nil {
		return "", fmt.Errorf("encode execution metadata: %w", err)
	}

	w := s.pool.Writer()
	_, err = w.ExecContext(ctx, w.Rebind(`
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.InstallationID, string(t.Provider), t.EventKind, string(t.Status),
		t.Priority, t.PriorityClass, t.Fingerprint, t.Input, t.Actor,
		string(source), string(execution), t.Result.Output, t.Result.Error,
		t.Result.InputTokens, t.Result.OutputTokens, t.Result.CostUSD,
		t.Result.PostStatus, t.FailureReason, t.Attempts, t.CancelRequested,
		nil, t.CreatedAt, nil, nil, nil)
	if err != nil {
		// A concurrent create may have won the unique-index race.
		if existing, lookupErr := s.findByFingerprint(ctx, t.InstallationID, t.Fingerprint); lookupErr == nil && existing != "" {
			return existing, ErrDuplicate
		}
		return "", fmt.Errorf("insert task: %w", err)
	}
	return t.ID, nil
}

// findByFingerprint returns the id of a non-terminal or recent task with the
// same fingerprint, or "" if none exists.
func (s *SQLStore) findByFingerprint(ctx context.Context, installationID, fingerprint string) (string, error) {
	if fingerprint == "" {
		return "", nil
	}
	r := s.pool.Reader()
	var id string
	err := r.GetContext(ctx, &id, r.Rebind(`
		SELECT id FROM tasks
		WHERE installation_id = ? AND fingerprint = ? AND created_at > ?
		ORDER BY created_at DESC LIMIT 1
	`), installationID, fingerprint, time.Now().UTC().Add(-DedupWindow))
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("fingerprint lookup: %w", err)
	}
	return id, nil
}

// Get returns a task by id.
func (s *SQLStore) Get(ctx context.Context, id string) (*task.Task, error) {
	r := s.pool.Reader()
	var row taskRow
	err := r.GetContext(ctx, &row, r.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// Transition performs the compare-and-swap status update with patch fields.
func (s *SQLStore) Transition(ctx context.Context, id string, from, to task.Status, patch Patch) error {
	if !task.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s: %w", from, to, ErrConflict)
	}

	now := time.Now().UTC()
	sets := []string{"status = ?"}
	args := []any{string(to)}

	switch to {
	case task.StatusRunning:
		if from == task.StatusQueued {
			sets = append(sets, "dequeued_at = ?", "started_at = ?")
			args = append(args, now, now)
		}
	case task.StatusCompleted, task.StatusFailed, task.StatusCancelled:
		sets = append(sets, "finished_at = ?")
		args = append(args, now)
	}

	if patch.Execution != nil {
		execution, err := json.Marshal(patch.Execution)
		if err != nil {
			return fmt.Errorf("encode execution metadata: %w", err)
		}
		sets = append(sets, "execution = ?")
		args = append(args, string(execution))
	}
	if patch.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, *patch.Output)
	}
	if patch.ErrorText != nil {
		sets = append(sets, "error_text = ?")
		args = append(args, *patch.ErrorText)
	}
	if patch.PostStatus != nil {
		sets = append(sets, "post_status = ?")
		args = append(args, *patch.PostStatus)
	}
	if patch.FailureReason != nil {
		sets = append(sets, "failure_reason = ?")
		args = append(args, *patch.FailureReason)
	}
	if patch.AttemptsDelta != 0 {
		sets = append(sets, "attempts = attempts + ?")
		args = append(args, patch.AttemptsDelta)
	}
	if patch.LeaseExpiresAt != nil {
		sets = append(sets, "lease_expires_at = ?")
		args = append(args, *patch.LeaseExpiresAt)
	}

	args = append(args, id, string(from))

	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(
		`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`,
	), args...)
	if err != nil {
		return fmt.Errorf("transition task: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		// Distinguish a lost CAS from a missing row.
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%s -> %s: %w", from, to, ErrConflict)
	}
	return nil
}

// AppendMetrics adds to the monotonic token and cost counters.
func (s *SQLStore) AppendMetrics(ctx context.Context, id string, delta task.MetricsDelta) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE tasks
		SET input_tokens = input_tokens + ?,
		    output_tokens = output_tokens + ?,
		    cost_usd = cost_usd + ?
		WHERE id = ?
	`), delta.InputTokens, delta.OutputTokens, delta.CostUSD, id)
	if err != nil {
		return fmt.Errorf("append metrics: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// RequestCancel flags a non-terminal task for cancellation.
func (s *SQLStore) RequestCancel(ctx context.Context, id string) error {
	w := s.pool.Writer()
	res, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE tasks SET cancel_requested = ?
		WHERE id = ? AND status IN (?, ?, ?)
	`), true, id,
		string(task.StatusQueued), string(task.StatusRunning), string(task.StatusAwaitingApproval))
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		// Terminal already; cancel is a no-op.
	}
	return nil
}

// RecordUsage appends a usage_metrics row for a finished task.
func (s *SQLStore) RecordUsage(ctx context.Context, t *task.Task) error {
	var durationMS int64
	if t.StartedAt != nil && t.FinishedAt != nil {
		durationMS = t.FinishedAt.Sub(*t.StartedAt).Milliseconds()
	}
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		INSERT INTO usage_metrics (task_id, installation_id, input_tokens, output_tokens, cost_usd, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.InstallationID, t.Result.InputTokens, t.Result.OutputTokens,
		t.Result.CostUSD, durationMS, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// ExtendLease records a fresh lease deadline for a running task.
func (s *SQLStore) ExtendLease(ctx context.Context, id string, until time.Time) error {
	w := s.pool.Writer()
	_, err := w.ExecContext(ctx, w.Rebind(`
		UPDATE tasks SET lease_expires_at = ? WHERE id = ?
	`), until.UTC(), id)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return nil
}

// List returns tasks matching filter, newest first. The cursor is the last
// task id of the previous page; ULIDs sort by creation time so id ordering
// is creation ordering.
func (s *SQLStore) List(ctx context.Context, filter Filter, cursor string, limit int) ([]*task.Task, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	where := []string{"1=1"}
	args := []any{}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, string(filter.Provider))
	}
	if filter.InstallationID != "" {
		where = append(where, "installation_id = ?")
		args = append(args, filter.InstallationID)
	}
	if cursor != "" {
		where = append(where, "id < ?")
		args = append(args, cursor)
	}
	args = append(args, limit+1)

	r := s.pool.Reader()
	var rows []taskRow
	err := r.SelectContext(ctx, &rows, r.Rebind(`
		SELECT `+taskColumns+` FROM tasks
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY id DESC LIMIT ?
	`), args...)
	if err != nil {
		return nil, "", fmt.Errorf("list tasks: %w", err)
	}

	next := ""
	if len(rows) > limit {
		rows = rows[:limit]
		next = rows[limit-1].ID
	}

	tasks := make([]*task.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toModel()
		if err != nil {
			return nil, "", err
		}
		tasks = append(tasks, t)
	}
	return tasks, next, nil
}

// ListExpiredRunning returns in-flight tasks whose lease deadline passed.
func (s *SQLStore) ListExpiredRunning(ctx context.Context, olderThan time.Time) ([]*task.Task, error) {
	r := s.pool.Reader()
	var rows []taskRow
	err := r.SelectContext(ctx, &rows, r.Rebind(`
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN (?, ?) AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
	`), string(task.StatusRunning), string(task.StatusAwaitingApproval), olderThan.UTC())
	if err != nil {
		return nil, fmt.Errorf("list expired running tasks: %w", err)
	}

	tasks := make([]*task.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
