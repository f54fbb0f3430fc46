package normalize

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/relaydev/relay/internal/task"
)

// forgeUser is an account reference in a code-forge payload.
type forgeUser struct {
	Login string `json:"login"`
	Type  string `json:"type"` // "User" or "Bot"
}

func (u *forgeUser) isBot() bool {
	return u.Type == "Bot"
}

// forgePayload covers the code-forge event shapes Relay reacts to.
type forgePayload struct {
	Action       string `json:"action"`
	Installation struct {
		ID string `json:"id"`
	} `json:"installation"`
	Repository struct {
		FullName      string `json:"full_name"`
		CloneURL      string `json:"clone_url"`
		DefaultBranch string `json:"default_branch"`
	} `json:"repository"`
	PullRequest *struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		Head   struct {
			Ref string `json:"ref"`
		} `json:"head"`
	} `json:"pull_request"`
	Issue *struct {
		Number      int             `json:"number"`
		Title       string          `json:"title"`
		PullRequest *map[string]any `json:"pull_request"` // present when the issue is a PR
	} `json:"issue"`
	Comment *struct {
		ID   int64     `json:"id"`
		Body string    `json:"body"`
		User forgeUser `json:"user"`
	} `json:"comment"`
	Label *struct {
		Name string `json:"name"`
	} `json:"label"`
	Sender forgeUser `json:"sender"`
}

// normalizeCodeForge applies the code-forge trigger rules: a non-bot actor
// plus a recognized trigger (mention, slash command, watched label) or a
// newly opened pull request.
func (n *Normalizer) normalizeCodeForge(ctx context.Context, body []byte, headers http.Header) (*task.Request, error) {
	eventKind := headers.Get(HeaderForgeEvent)
	deliveryID := headers.Get(HeaderForgeDelivery)
	if eventKind == "" || deliveryID == "" {
		return nil, fmt.Errorf("%w: missing event headers", ErrMalformed)
	}

	var p forgePayload
	if err := decode(body, &p); err != nil {
		return nil, err
	}
	if p.Installation.ID == "" {
		return nil, fmt.Errorf("%w: missing installation id", ErrMalformed)
	}
	if p.Sender.isBot() {
		return nil, Ignored("actor is a bot")
	}

	req := &task.Request{
		Provider:       task.ProviderCodeForge,
		EventKind:      eventKind,
		InstallationID: p.Installation.ID,
		Actor:          p.Sender.Login,
		Fingerprint:    fingerprint(task.ProviderCodeForge, eventKind, deliveryID),
		Priority:       task.PriorityDefault,
		Source: task.Source{
			Repo:      p.Repository.FullName,
			CloneURL:  p.Repository.CloneURL,
			TargetRef: p.Repository.DefaultBranch,
		},
	}

	switch eventKind {
	case "pull_request":
		if p.Action != "opened" || p.PullRequest == nil {
			return nil, Ignored("pull_request action " + p.Action)
		}
		req.Source.Number = p.PullRequest.Number
		req.Source.IsPR = true
		req.Source.TargetRef = p.PullRequest.Head.Ref
		req.Message = p.PullRequest.Title + "\n\n" + p.PullRequest.Body
		return req, nil

	case "issue_comment", "pull_request_review_comment":
		if p.Action != "created" || p.Comment == nil {
			return nil, Ignored(eventKind + " action " + p.Action)
		}
		if p.Comment.User.isBot() {
			return nil, Ignored("comment author is a bot")
		}
		if !n.hasTrigger(p.Comment.Body) {
			return nil, Ignored("no trigger in comment")
		}
		// Drop the webhook echo of a comment the agent itself posted.
		if n.echo != nil {
			echoed, err := n.echo.IsEcho(ctx, p.Installation.ID, strconv.FormatInt(p.Comment.ID, 10))
			if err == nil && echoed {
				return nil, Ignored("own comment echo")
			}
		}
		req.Source.CommentID = p.Comment.ID
		req.Message = p.Comment.Body
		if p.Issue != nil {
			req.Source.Number = p.Issue.Number
			req.Source.IsPR = p.Issue.PullRequest != nil
		} else if p.PullRequest != nil {
			req.Source.Number = p.PullRequest.Number
			req.Source.IsPR = true
			req.Source.TargetRef = p.PullRequest.Head.Ref
		}
		return req, nil

	case "issues":
		if p.Action != "labeled" || p.Label == nil || p.Issue == nil {
			return nil, Ignored("issues action " + p.Action)
		}
		if !n.watchedLabel(p.Label.Name) {
			return nil, Ignored("label not watched: " + p.Label.Name)
		}
		req.Source.Number = p.Issue.Number
		req.Message = p.Issue.Title
		req.Priority = task.PriorityBatch
		return req, nil

	default:
		return nil, Ignored("unhandled event " + eventKind)
	}
}
