// Package ingress terminates provider webhooks and the operator API.
package ingress

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/events"
	"github.com/relaydev/relay/internal/flowlog"
	"github.com/relaydev/relay/internal/ingress/normalize"
	"github.com/relaydev/relay/internal/ingress/signature"
	"github.com/relaydev/relay/internal/queue"
	"github.com/relaydev/relay/internal/stream"
	"github.com/relaydev/relay/internal/task"
	"github.com/relaydev/relay/internal/task/store"
)

// maxBodyBytes caps webhook payload size.
const maxBodyBytes = 10 * 1024 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Controller wires webhook intake to the task store and queue.
type Controller struct {
	verifier   *signature.Verifier
	normalizer *normalize.Normalizer
	store      store.Store
	queue      queue.Queue
	flows      *flowlog.Registry
	bus        events.Bus
	hub        *stream.Hub
	log        *logger.Logger
}

// NewController creates the ingress controller.
func NewController(
	verifier *signature.Verifier,
	normalizer *normalize.Normalizer,
	st store.Store,
	q queue.Queue,
	flows *flowlog.Registry,
	bus events.Bus,
	hub *stream.Hub,
	log *logger.Logger,
) *Controller {
	return &Controller{
		verifier:   verifier,
		normalizer: normalizer,
		store:      st,
		queue:      q,
		flows:      flows,
		bus:        bus,
		hub:        hub,
		log:        log.WithFields(zap.String("component", "ingress")),
	}
}

// RegisterRoutes mounts all HTTP routes on the engine.
func (ct *Controller) RegisterRoutes(r *gin.Engine) {
	r.POST("/webhooks/:provider", ct.HandleWebhook)

	api := r.Group("/api/v1")
	api.GET("/tasks", ct.ListTasks)
	api.GET("/tasks/:id", ct.GetTask)
	api.POST("/tasks/:id/cancel", ct.CancelTask)

	r.GET("/ws/tasks/:id", ct.StreamTask)
}

// HandleWebhook ingests one provider delivery: verify, normalize, persist,
// enqueue. The task id is assigned and returned before any work happens.
func (ct *Controller) HandleWebhook(c *gin.Context) {
	provider := task.Provider(c.Param("provider"))
	if !provider.Valid() {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if err := ct.verifier.Verify(provider, body, c.Request.Header); err != nil {
		ct.log.Warn("webhook signature rejected",
			zap.String("provider", string(provider)),
			zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}

	req, err := ct.normalizer.Normalize(c.Request.Context(), provider, body, c.Request.Header)
	if err != nil {
		// No task exists yet at this point, so the structured log is the
		// durable record for these outcomes.
		if reason, ok := normalize.IsIgnored(err); ok {
			ct.log.Info("webhook ignored",
				zap.String("provider", string(provider)),
				zap.String("reason", reason))
			c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": reason})
			return
		}
		if errors.Is(err, normalize.ErrMalformed) {
			ct.log.Warn("webhook payload malformed",
				zap.String("provider", string(provider)),
				zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
			return
		}
		ct.log.Error("normalize failed", zap.String("provider", string(provider)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	t := &task.Task{
		ID:             task.NewID(),
		InstallationID: req.InstallationID,
		Provider:       req.Provider,
		EventKind:      req.EventKind,
		Status:         task.StatusQueued,
		Priority:       req.Priority.Value(),
		PriorityClass:  string(req.Priority),
		Fingerprint:    req.Fingerprint,
		Input:          req.Message,
		Actor:          req.Actor,
		Source:         req.Source,
	}

	// Metadata starts at initializing and flips to queued once the task is
	// durably enqueued.
	flow := ct.flows.Open(t.ID)
	flow.WriteMetadata(flowlog.Metadata{
		TaskID:         t.ID,
		Provider:       string(t.Provider),
		InstallationID: t.InstallationID,
		Status:         flowlog.StatusInitializing,
	})
	flow.WriteInput(req)
	flow.Event(flowlog.StreamWebhook, "received", map[string]any{
		"provider":   string(provider),
		"event_kind": req.EventKind,
	})
	flow.Event(flowlog.StreamWebhook, "validation", map[string]any{"signature": "passed"})
	flow.Event(flowlog.StreamWebhook, "parsing", map[string]any{
		"fingerprint": req.Fingerprint,
		"priority":    string(req.Priority),
	})
	flow.Event(flowlog.StreamWebhook, "command_matching", map[string]any{
		"actor":   req.Actor,
		"matched": true,
	})

	id, err := ct.store.Create(c.Request.Context(), t)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			flow.Event(flowlog.StreamWebhook, "deduplicated", map[string]any{"existing_task_id": id})
			ct.flows.Close(t.ID)
			c.JSON(http.StatusOK, gin.H{"task_id": id, "status": "deduplicated"})
			return
		}
		ct.log.Error("task create failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task store unavailable"})
		return
	}

	if err := ct.queue.Enqueue(c.Request.Context(), t.ID, t.Priority); err != nil {
		// The task row survives; startup reconciliation will re-enqueue it.
		ct.log.Error("enqueue failed", zap.String("task_id", t.ID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
		return
	}
	flow.Event(flowlog.StreamQueue, "queue_push", map[string]any{
		"priority":       t.Priority,
		"priority_class": t.PriorityClass,
	})
	flow.WriteMetadata(flowlog.Metadata{
		TaskID:         t.ID,
		Provider:       string(t.Provider),
		InstallationID: t.InstallationID,
		Status:         string(task.StatusQueued),
	})

	_ = ct.bus.Publish(c.Request.Context(), events.SubjectTaskCreated,
		events.TaskEvent(events.SubjectTaskCreated, t.ID, string(task.StatusQueued)))

	ct.log.Info("task accepted",
		zap.String("task_id", t.ID),
		zap.String("provider", string(provider)),
		zap.String("event_kind", req.EventKind),
		zap.String("priority_class", t.PriorityClass))
	c.JSON(http.StatusOK, gin.H{"task_id": t.ID, "status": "accepted"})
}

// ListTasks returns tasks newest first with cursor pagination.
// GET /api/v1/tasks?status=&provider=&installation_id=&cursor=&limit=
func (ct *Controller) ListTasks(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1-200"})
			return
		}
		limit = n
	}

	filter := store.Filter{
		Status:         task.Status(c.Query("status")),
		Provider:       task.Provider(c.Query("provider")),
		InstallationID: c.Query("installation_id"),
	}
	tasks, next, err := ct.store.List(c.Request.Context(), filter, c.Query("cursor"), limit)
	if err != nil {
		ct.log.Error("list tasks failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "next_cursor": next})
}

// GetTask returns one task by id.
func (ct *Controller) GetTask(c *gin.Context) {
	t, err := ct.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task store unavailable"})
		return
	}
	c.JSON(http.StatusOK, t)
}

// CancelTask requests cancellation. Queued tasks are cancelled immediately;
// running tasks observe the flag at their next await point.
func (ct *Controller) CancelTask(c *gin.Context) {
	id := c.Param("id")
	t, err := ct.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task store unavailable"})
		return
	}
	if t.Status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "task already finished", "status": t.Status})
		return
	}

	if err := ct.store.RequestCancel(c.Request.Context(), id); err != nil {
		ct.log.Error("cancel request failed", zap.String("task_id", id), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task store unavailable"})
		return
	}

	if t.Status == task.StatusQueued {
		if err := ct.queue.Remove(c.Request.Context(), id); err != nil {
			ct.log.Warn("failed to remove cancelled task from queue",
				zap.String("task_id", id), zap.Error(err))
		}
		reason := "cancelled-by-user"
		err := ct.store.Transition(c.Request.Context(), id, task.StatusQueued, task.StatusCancelled,
			store.Patch{FailureReason: &reason})
		if err == nil {
			_ = ct.bus.Publish(c.Request.Context(), events.SubjectTaskCompleted,
				events.TaskEvent(events.SubjectTaskCompleted, id, string(task.StatusCancelled)))
			c.JSON(http.StatusOK, gin.H{"task_id": id, "status": task.StatusCancelled})
			return
		}
		// A worker won the race and started it; the flag is set, so it
		// will be cancelled at the next await point.
		if !errors.Is(err, store.ErrConflict) {
			ct.log.Error("cancel transition failed", zap.String("task_id", id), zap.Error(err))
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": id, "status": "cancel_requested"})
}

// StreamTask upgrades to a WebSocket feeding the task's live agent output.
func (ct *Controller) StreamTask(c *gin.Context) {
	id := c.Param("id")
	if _, err := ct.store.Get(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task store unavailable"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		ct.log.Error("websocket upgrade failed", zap.String("task_id", id), zap.Error(err))
		return
	}

	client := stream.NewClient(uuid.New().String(), id, conn, ct.hub, ct.log)
	ct.hub.Register(client)
	go client.WritePump()
	go client.ReadPump()
}
