// Package worker pulls tasks off the queue and drives them to a terminal
// status: workspace, agent run, result routing, bookkeeping.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/cli"
	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/events"
	"github.com/relaydev/relay/internal/flowlog"
	"github.com/relaydev/relay/internal/queue"
	"github.com/relaydev/relay/internal/router"
	"github.com/relaydev/relay/internal/stream"
	"github.com/relaydev/relay/internal/task"
	"github.com/relaydev/relay/internal/task/store"
	"github.com/relaydev/relay/internal/workspace"
)

// cancelPollInterval is how often a running task checks its cancel flag.
const cancelPollInterval = 10 * time.Second

// Failure reasons recorded on the task row.
const (
	reasonAgentError      = "agent-error"
	reasonMaxAttempts     = "max-attempts"
	reasonWorkerLost      = "worker-lost"
	reasonApprovalTimeout = "approval-timeout"
	reasonWorkspace       = "workspace-unavailable"
	reasonTimeout         = "timeout"
	reasonCancelled       = "cancelled-by-user"
)

// Runner is one worker process: a set of loop goroutines sharing a worker id.
type Runner struct {
	id         string
	store      store.Store
	queue      queue.Queue
	workspaces *workspace.Manager
	driver     *cli.Driver
	router     *router.Router
	flows      *flowlog.Registry
	hub        *stream.Hub
	bus        events.Bus

	queueCfg  config.QueueConfig
	workerCfg config.WorkerConfig
	cliCfg    config.CLIConfig

	log *logger.Logger
	wg  sync.WaitGroup
}

// NewRunner assembles a worker.
func NewRunner(
	st store.Store,
	q queue.Queue,
	ws *workspace.Manager,
	driver *cli.Driver,
	rt *router.Router,
	flows *flowlog.Registry,
	hub *stream.Hub,
	bus events.Bus,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	cliCfg config.CLIConfig,
	log *logger.Logger,
) *Runner {
	host, _ := os.Hostname()
	id := fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	return &Runner{
		id:         id,
		store:      st,
		queue:      q,
		workspaces: ws,
		driver:     driver,
		router:     rt,
		flows:      flows,
		hub:        hub,
		bus:        bus,
		queueCfg:   queueCfg,
		workerCfg:  workerCfg,
		cliCfg:     cliCfg,
		log:        log.WithFields(zap.String("component", "worker"), zap.String("worker_id", id)),
	}
}

// Start reconciles leftover state, then runs the configured number of loop
// goroutines until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	r.reconcile(ctx)

	n := r.workerCfg.MaxConcurrentPerWorker
	if n < 1 {
		n = 1
	}
	r.log.Info("worker starting", zap.Int("concurrency", n))
	for i := 0; i < n; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.loop(ctx)
		}()
	}
}

// Wait blocks until all loops have drained after ctx cancellation.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// reconcile handles tasks stranded by a previous crash: running tasks with
// an expired lease go back to the queue (or fail once attempts run out),
// stale approval waits fail, and queued rows missing from the queue are
// re-enqueued.
func (r *Runner) reconcile(ctx context.Context) {
	stale, err := r.store.ListExpiredRunning(ctx, time.Now().UTC())
	if err != nil {
		r.log.Error("reconciliation scan failed", zap.Error(err))
		return
	}
	for _, t := range stale {
		switch t.Status {
		case task.StatusAwaitingApproval:
			reason := reasonApprovalTimeout
			err := r.store.Transition(ctx, t.ID, t.Status, task.StatusFailed,
				store.Patch{FailureReason: &reason})
			if err != nil && !errors.Is(err, store.ErrConflict) {
				r.log.Error("failed to expire approval wait",
					zap.String("task_id", t.ID), zap.Error(err))
			}
		case task.StatusRunning:
			if t.Attempts >= r.queueCfg.MaxAttempts {
				reason := reasonWorkerLost
				err := r.store.Transition(ctx, t.ID, task.StatusRunning, task.StatusFailed,
					store.Patch{FailureReason: &reason})
				if err != nil && !errors.Is(err, store.ErrConflict) {
					r.log.Error("failed to bury exhausted task",
						zap.String("task_id", t.ID), zap.Error(err))
				}
				continue
			}
			if err := r.queue.Enqueue(ctx, t.ID, t.Priority); err != nil {
				r.log.Error("failed to requeue stranded task",
					zap.String("task_id", t.ID), zap.Error(err))
				continue
			}
			r.log.Info("requeued stranded task",
				zap.String("task_id", t.ID),
				zap.Int("attempts", t.Attempts))
		}
	}

	r.reconcileQueued(ctx)
}

// reconcileQueued re-enqueues rows stuck in queued whose queue entry was
// lost, for example a crash between the store write and the enqueue.
func (r *Runner) reconcileQueued(ctx context.Context) {
	cursor := ""
	for {
		tasks, next, err := r.store.List(ctx, store.Filter{Status: task.StatusQueued}, cursor, 100)
		if err != nil {
			r.log.Error("queued scan failed", zap.Error(err))
			return
		}
		for _, t := range tasks {
			present, err := r.queue.Contains(ctx, t.ID)
			if err != nil {
				r.log.Error("queue membership check failed",
					zap.String("task_id", t.ID), zap.Error(err))
				continue
			}
			if present {
				continue
			}
			if err := r.queue.Enqueue(ctx, t.ID, t.Priority); err != nil {
				r.log.Error("failed to re-enqueue orphaned task",
					zap.String("task_id", t.ID), zap.Error(err))
				continue
			}
			r.log.Info("re-enqueued orphaned task", zap.String("task_id", t.ID))
		}
		if next == "" {
			return
		}
		cursor = next
	}
}

// loop dequeues and processes entries until ctx ends. Queue errors back
// off exponentially instead of spinning.
func (r *Runner) loop(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second

	for ctx.Err() == nil {
		entry, err := r.queue.Dequeue(ctx, r.id, r.queueCfg.DequeueBlock())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			r.log.Error("dequeue failed", zap.Error(err), zap.Duration("backoff", wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		if entry == nil {
			continue
		}
		r.process(ctx, entry)
	}
}

// process drives one queue entry to a terminal task status.
func (r *Runner) process(ctx context.Context, entry *queue.Entry) {
	log := r.log.WithTaskID(entry.TaskID)

	t, err := r.store.Get(ctx, entry.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("queue entry for unknown task, dropping")
			_ = r.queue.Ack(ctx, entry)
			return
		}
		log.Error("task load failed, returning entry", zap.Error(err))
		r.nack(ctx, entry, "store-unavailable")
		return
	}

	if t.CancelRequested && t.Status == task.StatusQueued {
		reason := reasonCancelled
		_ = r.store.Transition(ctx, t.ID, task.StatusQueued, task.StatusCancelled,
			store.Patch{FailureReason: &reason})
		_ = r.queue.Ack(ctx, entry)
		r.publishTerminal(ctx, t.ID, task.StatusCancelled)
		return
	}

	if !r.claim(ctx, entry, t, log) {
		return
	}

	flow := r.flows.Open(t.ID)
	flow.Event(flowlog.StreamQueue, "dequeued", map[string]any{
		"worker_id": r.id,
		"attempt":   entry.Attempt,
		"wait_ms":   time.Since(t.CreatedAt).Milliseconds(),
	})
	_ = r.bus.Publish(ctx, events.SubjectTaskStateChanged,
		events.TaskEvent(events.SubjectTaskStateChanged, t.ID, string(task.StatusRunning)))

	r.execute(ctx, entry, t, flow, log)
	r.flows.Close(t.ID)
}

// claim does the queued -> running CAS. A redelivered entry may find the
// row still in running from a dead worker; adopt it by refreshing the
// lease instead of failing the CAS.
func (r *Runner) claim(ctx context.Context, entry *queue.Entry, t *task.Task, log *logger.Logger) bool {
	patch := store.Patch{
		Execution: &task.Execution{
			Model:    r.cliCfg.Model,
			Agent:    r.cliCfg.Provider,
			WorkerID: r.id,
		},
		AttemptsDelta:  1,
		LeaseExpiresAt: &entry.LeaseDeadline,
	}
	err := r.store.Transition(ctx, t.ID, task.StatusQueued, task.StatusRunning, patch)
	if err == nil {
		return true
	}
	if !errors.Is(err, store.ErrConflict) {
		log.Error("claim failed, returning entry", zap.Error(err))
		r.nack(ctx, entry, "claim-error")
		return false
	}

	cur, getErr := r.store.Get(ctx, t.ID)
	if getErr != nil {
		r.nack(ctx, entry, "claim-conflict")
		return false
	}
	// Takeover: previous holder's lease lapsed but the row never left
	// running. The queue already re-delivered, so this worker owns it now.
	if entry.Attempt > 1 && cur.Status == task.StatusRunning &&
		(cur.LeaseExpiresAt == nil || !cur.LeaseExpiresAt.After(time.Now().UTC())) {
		if err := r.store.ExtendLease(ctx, t.ID, entry.LeaseDeadline); err != nil {
			r.nack(ctx, entry, "takeover-failed")
			return false
		}
		log.Info("adopted stranded running task", zap.Int("attempt", entry.Attempt))
		t.Status = task.StatusRunning
		return true
	}

	// Someone else finished or cancelled it.
	log.Info("claim conflict, dropping entry", zap.String("status", string(cur.Status)))
	_ = r.queue.Ack(ctx, entry)
	return false
}

// execute runs the agent and records the terminal outcome.
func (r *Runner) execute(parent context.Context, entry *queue.Entry, t *task.Task, flow *flowlog.Handle, log *logger.Logger) {
	runCtx, cancelRun := context.WithTimeout(parent, r.workerCfg.TaskDeadline())
	defer cancelRun()
	runCtx, cancelCause := context.WithCancelCause(runCtx)
	defer cancelCause(nil)

	wsPath, wsErr := r.acquireWorkspace(runCtx, t)
	if wsErr != nil {
		log.Error("workspace acquisition failed", zap.Error(wsErr))
		r.fail(parent, entry, t, flow, reasonWorkspace, wsErr.Error())
		return
	}
	defer r.workspaces.Release(parent, wsPath)

	flow.WriteMetadata(flowlog.Metadata{
		TaskID:         t.ID,
		Provider:       string(t.Provider),
		InstallationID: t.InstallationID,
		Status:         string(task.StatusRunning),
	})

	stop := make(chan struct{})
	defer close(stop)
	go r.keepAlive(parent, entry, t.ID, t.PriorityClass, cancelCause, stop, log)
	go r.watchCancel(parent, t.ID, cancelCause, stop)

	sink := cli.SinkFunc(func(raw json.RawMessage) {
		flow.AppendRaw(flowlog.StreamAgent, raw)
		r.hub.Publish(t.ID, raw)
	})
	res, err := r.driver.Run(runCtx, cli.Request{
		TaskID:       t.ID,
		Prompt:       t.Input,
		WorkspaceDir: wsPath,
		Model:        r.cliCfg.Model,
		AllowedTools: r.cliCfg.AllowedTools,
	}, sink)
	if err != nil {
		log.Error("agent spawn failed", zap.Error(err))
		r.fail(parent, entry, t, flow, reasonAgentError, err.Error())
		return
	}

	r.finish(parent, entry, t, flow, res, context.Cause(runCtx), log)
}

// acquireWorkspace prepares a checkout, or a scratch directory for events
// that carry no repository (chat, error monitor).
func (r *Runner) acquireWorkspace(ctx context.Context, t *task.Task) (string, error) {
	if t.Source.CloneURL == "" {
		dir := filepath.Join(os.TempDir(), "relay-scratch-"+t.ID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
		return dir, nil
	}
	return r.workspaces.Acquire(ctx, t.InstallationID, t.Source.Repo, t.Source.CloneURL, t.Source.TargetRef, t.ID)
}

// keepAlive extends both leases at half the lease interval. Losing either
// lease aborts the run: the queue may already have re-delivered the task.
func (r *Runner) keepAlive(ctx context.Context, entry *queue.Entry, taskID, priorityClass string, abort context.CancelCauseFunc, stop <-chan struct{}, log *logger.Logger) {
	lease := r.queueCfg.Lease(priorityClass)
	ticker := time.NewTicker(lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			until := time.Now().UTC().Add(lease)
			if err := r.queue.ExtendLease(ctx, entry, until); err != nil {
				log.Error("queue lease lost, aborting run", zap.Error(err))
				abort(errLeaseLost)
				return
			}
			if err := r.store.ExtendLease(ctx, taskID, until); err != nil {
				log.Error("store lease extension failed, aborting run", zap.Error(err))
				abort(errLeaseLost)
				return
			}
			entry.LeaseDeadline = until
		}
	}
}

var (
	errLeaseLost       = errors.New("lease lost")
	errCancelRequested = errors.New("cancel requested")
)

// watchCancel polls the cancel flag while the agent runs.
func (r *Runner) watchCancel(ctx context.Context, taskID string, abort context.CancelCauseFunc, stop <-chan struct{}) {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			t, err := r.store.Get(ctx, taskID)
			if err == nil && t.CancelRequested {
				abort(errCancelRequested)
				return
			}
		}
	}
}

// finish maps the agent outcome to a terminal transition and routes the
// result back to the provider.
func (r *Runner) finish(ctx context.Context, entry *queue.Entry, t *task.Task, flow *flowlog.Handle, res *cli.Result, cause error, log *logger.Logger) {
	delta := task.MetricsDelta{
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		CostUSD:      res.CostUSD,
	}
	if err := r.store.AppendMetrics(ctx, t.ID, delta); err != nil {
		log.Warn("metrics append failed", zap.Error(err))
	}

	switch {
	case errors.Is(cause, errLeaseLost):
		// Ownership is gone. Leave the row alone; redelivery or the next
		// reconciliation pass picks it up.
		log.Warn("abandoning run after lease loss")
		return

	case res.Outcome == cli.OutcomeCancelled || errors.Is(cause, errCancelRequested):
		reason := reasonCancelled
		r.transitionTerminal(ctx, t, task.StatusCancelled, store.Patch{FailureReason: &reason}, log)
		_ = r.queue.Ack(ctx, entry)
		flow.WriteFinalResult(map[string]any{"status": task.StatusCancelled, "reason": reason})
		r.publishTerminal(ctx, t.ID, task.StatusCancelled)
		return

	case res.Outcome == cli.OutcomeTimedOut:
		r.fail(ctx, entry, t, flow, reasonTimeout,
			fmt.Sprintf("task exceeded deadline of %s", r.workerCfg.TaskDeadline()))
		return

	case res.Outcome == cli.OutcomeError:
		errText := res.Stderr
		if errText == "" {
			errText = res.Output
		}
		r.fail(ctx, entry, t, flow, reasonAgentError, errText)
		return
	}

	// Success: post the result, then complete.
	postStatus, postErr := r.router.Dispatch(ctx, t, res.Output)
	if postErr != nil {
		log.Error("result posting failed", zap.Error(postErr))
	}

	patch := store.Patch{
		Output:     &res.Output,
		PostStatus: &postStatus,
	}
	r.transitionTerminal(ctx, t, task.StatusCompleted, patch, log)
	if err := r.queue.Ack(ctx, entry); err != nil {
		log.Warn("ack failed", zap.Error(err))
	}

	t.Result = task.Result{
		Output:       res.Output,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		CostUSD:      res.CostUSD,
		PostStatus:   postStatus,
	}
	if err := r.store.RecordUsage(ctx, t); err != nil {
		log.Warn("usage record failed", zap.Error(err))
	}

	flow.WriteFinalResult(map[string]any{
		"status":        task.StatusCompleted,
		"post_status":   postStatus,
		"input_tokens":  res.InputTokens,
		"output_tokens": res.OutputTokens,
		"cost_usd":      res.CostUSD,
	})
	r.publishTerminal(ctx, t.ID, task.StatusCompleted)
	log.Info("task completed",
		zap.String("post_status", postStatus),
		zap.Float64("cost_usd", res.CostUSD))
}

// fail marks the task failed and returns or buries the queue entry. When
// attempts remain the entry goes back to the queue instead, and the task
// returns to queued via takeover on redelivery.
func (r *Runner) fail(ctx context.Context, entry *queue.Entry, t *task.Task, flow *flowlog.Handle, reason, errText string) {
	log := r.log.WithTaskID(t.ID)

	nackErr := r.queue.Nack(ctx, entry, reason)
	if nackErr == nil {
		// Redelivery will retry; keep the row in running for takeover.
		// Expire the store lease now so the next holder passes the
		// takeover check without waiting out the old deadline.
		if err := r.store.ExtendLease(ctx, t.ID, time.Now().UTC()); err != nil {
			log.Warn("lease expiry after nack failed", zap.Error(err))
		}
		log.Info("task returned for retry",
			zap.String("reason", reason),
			zap.Int("attempt", entry.Attempt))
		flow.Event(flowlog.StreamQueue, "requeued", map[string]any{
			"reason":  reason,
			"attempt": entry.Attempt,
		})
		return
	}
	if !errors.Is(nackErr, queue.ErrMaxAttempts) {
		log.Error("nack failed", zap.Error(nackErr))
	}

	if errors.Is(nackErr, queue.ErrMaxAttempts) {
		reason = reasonMaxAttempts + ": " + reason
	}

	// Terminal failure: tell the provider why before closing the row out.
	postStatus, postErr := r.router.Dispatch(ctx, t,
		fmt.Sprintf("Task %s failed (%s).", t.ID, reason))
	if postErr != nil {
		log.Error("failure notice posting failed", zap.Error(postErr))
	}

	patch := store.Patch{FailureReason: &reason, PostStatus: &postStatus}
	if errText != "" {
		patch.ErrorText = &errText
	}
	r.transitionTerminal(ctx, t, task.StatusFailed, patch, log)
	flow.WriteFinalResult(map[string]any{
		"status":      task.StatusFailed,
		"reason":      reason,
		"error":       errText,
		"post_status": postStatus,
	})
	r.publishTerminal(ctx, t.ID, task.StatusFailed)
}

// transitionTerminal performs the running -> terminal CAS, tolerating a
// cancel that landed first.
func (r *Runner) transitionTerminal(ctx context.Context, t *task.Task, to task.Status, patch store.Patch, log *logger.Logger) {
	err := r.store.Transition(ctx, t.ID, task.StatusRunning, to, patch)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		log.Error("terminal transition failed",
			zap.String("to", string(to)), zap.Error(err))
	}
}

func (r *Runner) nack(ctx context.Context, entry *queue.Entry, reason string) {
	if err := r.queue.Nack(ctx, entry, reason); err != nil && !errors.Is(err, queue.ErrMaxAttempts) {
		r.log.Error("nack failed", zap.String("task_id", entry.TaskID), zap.Error(err))
	}
}

func (r *Runner) publishTerminal(ctx context.Context, taskID string, status task.Status) {
	_ = r.bus.Publish(ctx, events.SubjectTaskCompleted,
		events.TaskEvent(events.SubjectTaskCompleted, taskID, string(status)))
}
