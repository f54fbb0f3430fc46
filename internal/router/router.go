// Package router posts finished task results back to the provider the
// triggering event came from.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/gateway"
	"github.com/relaydev/relay/internal/task"
)

// Post statuses recorded on the task. A failed post never changes the
// task's terminal status.
const (
	PostStatusPosted  = "posted"
	PostStatusFailed  = "failed"
	PostStatusSkipped = "skipped"
)

const (
	// keyPostedFmt marks a (target, idempotency key) pair as delivered so a
	// crash between post and ack cannot double-post.
	keyPostedFmt = "relay:posted:%s:%s"
	postedTTL    = 24 * time.Hour

	// keyEchoFmt holds comment ids we authored, per installation. The
	// normalizer consults it to drop our own comments coming back in.
	keyEchoFmt = "relay:echo:%s"
	echoTTL    = 24 * time.Hour
)

// maxOutputChars caps the posted body; full output stays in the flow log.
const maxOutputChars = 60000

// Router dispatches completion messages per provider.
type Router struct {
	gw  *gateway.Client
	rdb redis.UniversalClient
	log *logger.Logger
}

// New creates a completion router.
func New(gw *gateway.Client, rdb redis.UniversalClient, log *logger.Logger) *Router {
	return &Router{
		gw:  gw,
		rdb: rdb,
		log: log.WithFields(zap.String("component", "router")),
	}
}

// Dispatch posts the result for a terminal task and returns the post
// status. An error is returned alongside PostStatusFailed for callers that
// want the cause; the task's terminal status is never at stake here.
func (r *Router) Dispatch(ctx context.Context, t *task.Task, output string) (string, error) {
	target := r.target(t)
	if target == "" {
		return PostStatusSkipped, nil
	}

	// Claim the (target, key) pair before posting. Losing the claim means a
	// previous attempt already delivered.
	postedKey := fmt.Sprintf(keyPostedFmt, target, t.ID)
	claimed, err := r.rdb.SetNX(ctx, postedKey, "1", postedTTL).Result()
	if err != nil {
		return PostStatusFailed, fmt.Errorf("claim posted marker: %w", err)
	}
	if !claimed {
		r.log.Info("result already posted", zap.String("task_id", t.ID))
		return PostStatusPosted, nil
	}

	commentID, err := r.post(ctx, t, truncate(output))
	if err != nil {
		// Release the claim so a later redelivery can retry.
		r.rdb.Del(ctx, postedKey)
		r.log.Error("failed to post result",
			zap.String("task_id", t.ID),
			zap.String("provider", string(t.Provider)),
			zap.Error(err))
		return PostStatusFailed, err
	}

	if commentID != "" {
		r.recordEcho(ctx, t.InstallationID, commentID)
	}
	r.log.Info("result posted",
		zap.String("task_id", t.ID),
		zap.String("provider", string(t.Provider)),
		zap.String("comment_id", commentID))
	return PostStatusPosted, nil
}

// target identifies where the result goes, for the posted-set key.
func (r *Router) target(t *task.Task) string {
	switch t.Provider {
	case task.ProviderCodeForge:
		if t.Source.Repo == "" || t.Source.Number == 0 {
			return ""
		}
		return fmt.Sprintf("codeforge/%s/%d", t.Source.Repo, t.Source.Number)
	case task.ProviderTracker:
		if t.Source.IssueKey == "" {
			return ""
		}
		return "tracker/" + t.Source.IssueKey
	case task.ProviderChat:
		if t.Source.ChannelID == "" {
			return ""
		}
		return "chat/" + t.Source.ChannelID + "/" + t.Source.ThreadID
	case task.ProviderErrorMonitor:
		// Error-monitor events are record-only: the analysis stays in the
		// task record unless the event was linked to a tracker issue.
		if t.Source.IssueKey == "" {
			return ""
		}
		return "tracker/" + t.Source.IssueKey
	default:
		return ""
	}
}

// post performs the provider-specific delivery and returns the created
// comment id when the provider reports one.
func (r *Router) post(ctx context.Context, t *task.Task, body string) (string, error) {
	req := gateway.Request{
		Service:        string(t.Provider),
		InstallationID: t.InstallationID,
		Method:         "POST",
		IdempotencyKey: t.ID,
		TaskID:         t.ID,
	}

	switch t.Provider {
	case task.ProviderCodeForge:
		req.Path = fmt.Sprintf("/repos/%s/issues/%d/comments", t.Source.Repo, t.Source.Number)
		req.Body = map[string]string{"body": body}
		resp, err := r.gw.Do(ctx, req)
		if err != nil {
			return "", err
		}
		var out struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(resp.Body, &out); err == nil && out.ID != 0 {
			return fmt.Sprintf("%d", out.ID), nil
		}
		return "", nil

	case task.ProviderTracker:
		req.Path = fmt.Sprintf("/rest/api/2/issue/%s/comment", t.Source.IssueKey)
		req.Body = map[string]string{"body": body}
		resp, err := r.gw.Do(ctx, req)
		if err != nil {
			return "", err
		}
		var out struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(resp.Body, &out); err == nil {
			return out.ID, nil
		}
		return "", nil

	case task.ProviderChat:
		req.Path = "/chat.postMessage"
		payload := map[string]string{
			"channel": t.Source.ChannelID,
			"text":    body,
		}
		if t.Source.ThreadID != "" {
			payload["thread_ts"] = t.Source.ThreadID
		}
		req.Body = payload
		resp, err := r.gw.Do(ctx, req)
		if err != nil {
			return "", err
		}
		var out struct {
			OK bool   `json:"ok"`
			Ts string `json:"ts"`
		}
		if err := json.Unmarshal(resp.Body, &out); err == nil {
			if !out.OK {
				return "", fmt.Errorf("%w: chat api returned ok=false", gateway.ErrBadRequest)
			}
			return out.Ts, nil
		}
		return "", nil

	case task.ProviderErrorMonitor:
		// Deliver through the linked tracker issue.
		req.Service = string(task.ProviderTracker)
		req.Path = fmt.Sprintf("/rest/api/2/issue/%s/comment", t.Source.IssueKey)
		req.Body = map[string]string{"body": body}
		resp, err := r.gw.Do(ctx, req)
		if err != nil {
			return "", err
		}
		var out struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(resp.Body, &out); err == nil {
			return out.ID, nil
		}
		return "", nil

	default:
		return "", fmt.Errorf("no posting strategy for provider %s", t.Provider)
	}
}

// IsEcho reports whether a comment id was authored by us. Implements the
// normalizer's echo filter.
func (r *Router) IsEcho(ctx context.Context, installationID, commentID string) (bool, error) {
	if commentID == "" {
		return false, nil
	}
	return r.rdb.SIsMember(ctx, fmt.Sprintf(keyEchoFmt, installationID), commentID).Result()
}

func (r *Router) recordEcho(ctx context.Context, installationID, commentID string) {
	key := fmt.Sprintf(keyEchoFmt, installationID)
	pipe := r.rdb.TxPipeline()
	pipe.SAdd(ctx, key, commentID)
	pipe.Expire(ctx, key, echoTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Warn("failed to record echo comment",
			zap.String("installation_id", installationID),
			zap.Error(err))
	}
}

func truncate(s string) string {
	if len(s) <= maxOutputChars {
		return s
	}
	return s[:maxOutputChars] + "\n\n[output truncated]"
}
