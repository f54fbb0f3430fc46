package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/internal/cli"
	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/db"
	"github.com/relaydev/relay/internal/events"
	"github.com/relaydev/relay/internal/flowlog"
	"github.com/relaydev/relay/internal/gateway"
	"github.com/relaydev/relay/internal/queue"
	"github.com/relaydev/relay/internal/router"
	"github.com/relaydev/relay/internal/stream"
	"github.com/relaydev/relay/internal/task"
	"github.com/relaydev/relay/internal/task/store"
	"github.com/relaydev/relay/internal/workspace"
)

type harness struct {
	runner *Runner
	store  store.Store
	queue  queue.Queue
	cancel context.CancelFunc
}

// newHarness wires a full worker against in-memory storage, miniredis, a
// stub agent script, and an httptest provider endpoint, then starts its
// loops.
func newHarness(t *testing.T, agentScript, providerURL string, maxAttempts int) *harness {
	t.Helper()
	h := buildHarness(t, agentScript, providerURL, maxAttempts, 30)
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.runner.Start(ctx)
	t.Cleanup(func() {
		cancel()
		h.runner.Wait()
	})
	return h
}

// buildHarness wires the runner without starting it, so tests can stage
// store and queue state first or drive reconcile directly.
func buildHarness(t *testing.T, agentScript, providerURL string, maxAttempts, deadlineSec int) *harness {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub agent scripts require a POSIX shell")
	}
	log := logger.Default()

	pool, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	require.NoError(t, store.InitSchema(context.Background(), pool))
	st := store.NewSQLStore(pool)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	queueCfg := config.QueueConfig{LeaseSeconds: 30, MaxAttempts: maxAttempts, DequeueBlockSeconds: 1}
	q := queue.NewRedisQueue(rdb, func(int) time.Duration { return queueCfg.Lease("") }, maxAttempts, log)

	ws, err := workspace.NewManager(workspace.Config{Root: t.TempDir(), ReaperMaxAge: time.Hour}, log)
	require.NoError(t, err)

	binary := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(binary, []byte("#!/bin/sh\n"+agentScript), 0o755))
	driver, err := cli.NewDriver(config.CLIConfig{Provider: "claude", Binary: binary}, log)
	require.NoError(t, err)

	gw := gateway.New(config.ServicesConfig{
		BaseURLs:          map[string]string{"codeforge": providerURL},
		MaxInFlight:       4,
		RequestTimeoutSec: 5,
	}, nil, nil, log)
	rt := router.New(gw, rdb, log)

	flows := flowlog.NewRegistry(t.TempDir(), log)
	hub := stream.NewHub(log)
	bus := events.NewMemoryBus(log)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	t.Cleanup(hubCancel)
	go hub.Run(hubCtx)

	runner := NewRunner(st, q, ws, driver, rt, flows, hub, bus,
		queueCfg,
		config.WorkerConfig{MaxConcurrentPerWorker: 1, TaskDeadlineSeconds: deadlineSec},
		config.CLIConfig{Provider: "claude"},
		log)

	return &harness{runner: runner, store: st, queue: q}
}

func (h *harness) createAndEnqueue(t *testing.T, ctx context.Context) *task.Task {
	t.Helper()
	tk := &task.Task{
		InstallationID: "inst-1",
		Provider:       task.ProviderCodeForge,
		EventKind:      "issue_comment",
		Priority:       task.PriorityDefault.Value(),
		PriorityClass:  string(task.PriorityDefault),
		Fingerprint:    "codeforge:issue_comment:" + task.NewID(),
		Input:          "@relay fix the flaky test",
		Actor:          "alice",
		Source:         task.Source{Repo: "acme/api", Number: 7},
	}
	id, err := h.store.Create(ctx, tk)
	require.NoError(t, err)
	tk.ID = id
	require.NoError(t, h.queue.Enqueue(ctx, id, tk.Priority))
	return tk
}

// waitForStatus polls the store until the task reaches want or the deadline
// passes.
func (h *harness) waitForStatus(t *testing.T, ctx context.Context, id string, want task.Status) *task.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		tk, err := h.store.Get(ctx, id)
		require.NoError(t, err)
		if tk.Status == want {
			return tk
		}
		if tk.Status.Terminal() && tk.Status != want {
			t.Fatalf("task reached %s, want %s (reason %q)", tk.Status, want, tk.FailureReason)
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("task never reached %s", want)
	return nil
}

func TestRunnerCompletesTask(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 42}`))
	}))
	defer srv.Close()

	h := newHarness(t, `
echo '{"type":"system","subtype":"init"}'
echo '{"type":"result","result":"fixed the flake","total_cost_usd":0.25,"usage":{"input_tokens":100,"output_tokens":20}}'
`, srv.URL, 3)

	ctx := context.Background()
	tk := h.createAndEnqueue(t, ctx)

	done := h.waitForStatus(t, ctx, tk.ID, task.StatusCompleted)
	assert.Equal(t, "fixed the flake", done.Result.Output)
	assert.Equal(t, router.PostStatusPosted, done.Result.PostStatus)
	assert.Equal(t, 1, done.Attempts)
	assert.Equal(t, int64(100), done.Result.InputTokens)
	assert.Equal(t, int64(20), done.Result.OutputTokens)
	assert.InDelta(t, 0.25, done.Result.CostUSD, 1e-9)
	assert.Equal(t, int32(1), posts.Load())
}

func TestRunnerFailsAfterMaxAttempts(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 1}`))
	}))
	defer srv.Close()

	h := newHarness(t, `
echo 'agent exploded' >&2
exit 1
`, srv.URL, 1)

	ctx := context.Background()
	tk := h.createAndEnqueue(t, ctx)

	done := h.waitForStatus(t, ctx, tk.ID, task.StatusFailed)
	assert.Contains(t, done.FailureReason, reasonMaxAttempts)
	assert.Contains(t, done.FailureReason, reasonAgentError)
	assert.Contains(t, done.Result.Error, "agent exploded")
	assert.Equal(t, 1, done.Attempts)

	// Terminal failure posts a short diagnostic back to the provider.
	assert.Equal(t, router.PostStatusPosted, done.Result.PostStatus)
	assert.Equal(t, int32(1), posts.Load())
}

func TestRunnerRetriesThenFails(t *testing.T) {
	// First failure returns the entry and expires the store lease; the
	// redelivered entry takes the running row over, fails again, and buries
	// the task with the attempt cap in the reason.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 1}`))
	}))
	defer srv.Close()

	h := newHarness(t, `
echo 'still broken' >&2
exit 1
`, srv.URL, 2)

	ctx := context.Background()
	tk := h.createAndEnqueue(t, ctx)

	done := h.waitForStatus(t, ctx, tk.ID, task.StatusFailed)
	assert.Contains(t, done.FailureReason, reasonMaxAttempts)
	assert.Contains(t, done.FailureReason, reasonAgentError)
	assert.Contains(t, done.Result.Error, "still broken")
}

func TestRunnerTimeoutReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 1}`))
	}))
	defer srv.Close()

	h := buildHarness(t, `exec sleep 30`, srv.URL, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	h.runner.Start(ctx)
	t.Cleanup(func() {
		cancel()
		h.runner.Wait()
	})

	tk := h.createAndEnqueue(t, ctx)

	done := h.waitForStatus(t, ctx, tk.ID, task.StatusFailed)
	assert.Contains(t, done.FailureReason, reasonTimeout)
}

func TestRunnerCancelBeforeClaim(t *testing.T) {
	// A task cancelled while still queued never reaches the agent.
	h := newHarness(t, `exit 0`, "http://unused", 3)
	ctx := context.Background()

	tk := &task.Task{
		InstallationID: "inst-1",
		Provider:       task.ProviderCodeForge,
		EventKind:      "issue_comment",
		Priority:       task.PriorityDefault.Value(),
		PriorityClass:  string(task.PriorityDefault),
		Fingerprint:    "codeforge:issue_comment:cancel-before-claim",
		Input:          "@relay do nothing",
		Actor:          "alice",
		Source:         task.Source{Repo: "acme/api", Number: 8},
	}
	id, err := h.store.Create(ctx, tk)
	require.NoError(t, err)
	require.NoError(t, h.store.RequestCancel(ctx, id))
	require.NoError(t, h.queue.Enqueue(ctx, id, tk.Priority))

	done := h.waitForStatus(t, ctx, id, task.StatusCancelled)
	assert.Equal(t, reasonCancelled, done.FailureReason)
	assert.Equal(t, 0, done.Attempts)
}

// strandRunning puts a task into running with an already-expired lease, as
// left behind by a crashed worker.
func strandRunning(t *testing.T, ctx context.Context, h *harness, attempts int) string {
	t.Helper()
	tk := &task.Task{
		InstallationID: "inst-1",
		Provider:       task.ProviderCodeForge,
		EventKind:      "issue_comment",
		Priority:       task.PriorityDefault.Value(),
		PriorityClass:  string(task.PriorityDefault),
		Fingerprint:    "codeforge:issue_comment:" + task.NewID(),
		Input:          "@relay finish the job",
		Actor:          "alice",
		Source:         task.Source{Repo: "acme/api", Number: 9},
	}
	id, err := h.store.Create(ctx, tk)
	require.NoError(t, err)

	expired := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, h.store.Transition(ctx, id, task.StatusQueued, task.StatusRunning, store.Patch{
		AttemptsDelta:  attempts,
		LeaseExpiresAt: &expired,
		Execution:      &task.Execution{WorkerID: "dead-worker"},
	}))
	return id
}

func TestReconcileRequeuesExpiredRunning(t *testing.T) {
	// A row stuck in running with a lapsed lease goes back on the queue at
	// startup.
	h := buildHarness(t, `exit 0`, "http://unused", 3, 30)
	ctx := context.Background()
	id := strandRunning(t, ctx, h, 1)

	h.runner.reconcile(ctx)

	present, err := h.queue.Contains(ctx, id)
	require.NoError(t, err)
	assert.True(t, present)
}

func TestReconcileBuriesExhaustedRunning(t *testing.T) {
	// A stranded row that already burned through its attempts fails instead
	// of going around again.
	h := buildHarness(t, `exit 0`, "http://unused", 2, 30)
	ctx := context.Background()
	id := strandRunning(t, ctx, h, 2)

	h.runner.reconcile(ctx)

	tk, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, tk.Status)
	assert.Equal(t, reasonWorkerLost, tk.FailureReason)

	present, err := h.queue.Contains(ctx, id)
	require.NoError(t, err)
	assert.False(t, present)
}

func TestReconcileRequeuesOrphanedQueued(t *testing.T) {
	// A queued row whose queue entry was lost gets re-enqueued.
	h := buildHarness(t, `exit 0`, "http://unused", 3, 30)
	ctx := context.Background()

	tk := &task.Task{
		InstallationID: "inst-1",
		Provider:       task.ProviderCodeForge,
		EventKind:      "issue_comment",
		Priority:       task.PriorityDefault.Value(),
		PriorityClass:  string(task.PriorityDefault),
		Fingerprint:    "codeforge:issue_comment:orphaned",
		Input:          "@relay finish the job",
		Actor:          "alice",
		Source:         task.Source{Repo: "acme/api", Number: 10},
	}
	id, err := h.store.Create(ctx, tk)
	require.NoError(t, err)

	present, err := h.queue.Contains(ctx, id)
	require.NoError(t, err)
	require.False(t, present)

	h.runner.reconcile(ctx)

	present, err = h.queue.Contains(ctx, id)
	require.NoError(t, err)
	assert.True(t, present)
}
