// Package flowlog maintains the per-task six-file journal on shared storage.
//
// Each task owns one directory under the shared root:
//
//	<root>/tasks/<task-id>/
//	  metadata.json            static, rewritten on status change
//	  01-input.json            written once at ingress
//	  02-webhook-flow.jsonl    append-only
//	  03-queue-flow.jsonl      append-only
//	  04-agent-output.jsonl    append-only
//	  05-service-flow.jsonl    append-only
//	  06-final-result.json     written once at terminal transition
//
// Handles are registered process-wide so components in one process share a
// writer; other processes open their own handles against the same directory.
// Append-only files tolerate concurrent appenders. Write failures never
// block task progress: they are logged and counted.
package flowlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
)

// Stream names for the append-only journal files.
const (
	StreamWebhook = "02-webhook-flow.jsonl"
	StreamQueue   = "03-queue-flow.jsonl"
	StreamAgent   = "04-agent-output.jsonl"
	StreamService = "05-service-flow.jsonl"
)

const (
	metadataFile = "metadata.json"
	inputFile    = "01-input.json"
	finalFile    = "06-final-result.json"
)

// StatusInitializing is the metadata status before the task row exists;
// task statuses take over from there.
const StatusInitializing = "initializing"

// Metadata is the static descriptor rewritten as the task's status changes.
type Metadata struct {
	TaskID         string    `json:"task_id"`
	Provider       string    `json:"provider"`
	InstallationID string    `json:"installation_id"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Registry is the process-wide map of open handles, keyed by task id.
type Registry struct {
	root string
	log  *logger.Logger

	mu      sync.Mutex
	handles map[string]*Handle

	writeFailures atomic.Int64
}

// NewRegistry creates a Registry rooted at <root>/tasks.
func NewRegistry(root string, log *logger.Logger) *Registry {
	return &Registry{
		root:    filepath.Join(root, "tasks"),
		log:     log.WithFields(zap.String("component", "flowlog")),
		handles: make(map[string]*Handle),
	}
}

// Open returns the shared handle for a task, creating the directory and
// handle on first use.
func (r *Registry) Open(taskID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[taskID]; ok {
		return h
	}
	h := &Handle{
		taskID: taskID,
		dir:    filepath.Join(r.root, taskID),
		reg:    r,
		files:  make(map[string]*os.File),
	}
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		r.reportFailure(taskID, "mkdir", err)
	}
	r.handles[taskID] = h
	return h
}

// Close closes and removes the handle for a task. Safe to call for tasks
// with no open handle.
func (r *Registry) Close(taskID string) {
	r.mu.Lock()
	h, ok := r.handles[taskID]
	delete(r.handles, taskID)
	r.mu.Unlock()
	if ok {
		h.close()
	}
}

// WriteFailures returns the count of journal writes that failed.
// Surfaced as an operator counter.
func (r *Registry) WriteFailures() int64 {
	return r.writeFailures.Load()
}

// reportFailure logs a failed journal write without propagating the error.
func (r *Registry) reportFailure(taskID, op string, err error) {
	r.writeFailures.Add(1)
	fmt.Fprintf(os.Stderr, "flowlog: %s failed for task %s: %v\n", op, taskID, err)
	r.log.Warn("flow log write failed",
		zap.String("task_id", taskID),
		zap.String("op", op),
		zap.Error(err))
}

// Handle owns the open file descriptors for one task's journal directory.
type Handle struct {
	taskID string
	dir    string
	reg    *Registry

	mu    sync.Mutex
	files map[string]*os.File
}

// Dir returns the journal directory for this task.
func (h *Handle) Dir() string { return h.dir }

// WriteMetadata atomically rewrites metadata.json.
func (h *Handle) WriteMetadata(meta Metadata) {
	meta.UpdatedAt = time.Now().UTC()
	h.writeJSON(metadataFile, meta)
}

// WriteInput writes 01-input.json once at ingress.
func (h *Handle) WriteInput(v any) {
	h.writeJSON(inputFile, v)
}

// WriteFinalResult writes 06-final-result.json at the terminal transition.
func (h *Handle) WriteFinalResult(v any) {
	h.writeJSON(finalFile, v)
}

// writeJSON writes a static JSON file via rename-over-tempfile with fsync.
func (h *Handle) writeJSON(name string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		h.reg.reportFailure(h.taskID, "marshal "+name, err)
		return
	}

	tmp, err := os.CreateTemp(h.dir, name+".tmp-*")
	if err != nil {
		h.reg.reportFailure(h.taskID, "tempfile "+name, err)
		return
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		h.reg.reportFailure(h.taskID, "write "+name, err)
		return
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		h.reg.reportFailure(h.taskID, "fsync "+name, err)
		return
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		h.reg.reportFailure(h.taskID, "close "+name, err)
		return
	}
	if err := os.Rename(tmpName, filepath.Join(h.dir, name)); err != nil {
		_ = os.Remove(tmpName)
		h.reg.reportFailure(h.taskID, "rename "+name, err)
	}
}

// Event appends a timestamped event record to a journal stream.
func (h *Handle) Event(stream, event string, fields map[string]any) {
	record := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"event": event,
	}
	for k, v := range fields {
		record[k] = v
	}
	line, err := json.Marshal(record)
	if err != nil {
		h.reg.reportFailure(h.taskID, "marshal event", err)
		return
	}
	h.AppendRaw(stream, line)
}

// AppendRaw appends one pre-encoded JSON line to a journal stream, with
// fsync after the write. A line that is not valid JSON is preserved under
// a "raw" wrapper so the stream stays line-delimited JSON throughout.
func (h *Handle) AppendRaw(stream string, line []byte) {
	if !json.Valid(line) {
		wrapped, err := json.Marshal(map[string]string{"raw": string(line)})
		if err != nil {
			h.reg.reportFailure(h.taskID, "wrap raw line", err)
			return
		}
		line = wrapped
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := h.file(stream)
	if err != nil {
		h.reg.reportFailure(h.taskID, "open "+stream, err)
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		h.reg.reportFailure(h.taskID, "append "+stream, err)
		return
	}
	if err := f.Sync(); err != nil {
		h.reg.reportFailure(h.taskID, "fsync "+stream, err)
	}
}

// file returns the open append-only descriptor for a stream, opening it
// lazily. Caller holds h.mu.
func (h *Handle) file(stream string) (*os.File, error) {
	if f, ok := h.files[stream]; ok {
		return f, nil
	}
	f, err := os.OpenFile(filepath.Join(h.dir, stream), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	h.files[stream] = f
	return f, nil
}

func (h *Handle) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, f := range h.files {
		if err := f.Close(); err != nil {
			h.reg.reportFailure(h.taskID, "close "+name, err)
		}
	}
	h.files = make(map[string]*os.File)
}
