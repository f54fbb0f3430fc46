package normalize

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/relaydev/relay/internal/task"
)

// trackerPayload covers issue-tracker change events.
type trackerPayload struct {
	InstallationID string `json:"installation_id"`
	WebhookEvent   string `json:"webhook_event"`
	User           struct {
		Name string `json:"name"`
	} `json:"user"`
	Issue struct {
		Key    string `json:"key"`
		Fields struct {
			Summary     string `json:"summary"`
			Description string `json:"description"`
			Project     struct {
				Key string `json:"key"`
			} `json:"project"`
		} `json:"fields"`
	} `json:"issue"`
	Changelog struct {
		Items []struct {
			Field    string `json:"field"`
			ToString string `json:"to_string"`
		} `json:"items"`
	} `json:"changelog"`
}

// normalizeTracker accepts assignee changes to the agent account and
// watched-label additions.
func (n *Normalizer) normalizeTracker(body []byte, headers http.Header) (*task.Request, error) {
	deliveryID := headers.Get(HeaderTrackerDelivery)
	if deliveryID == "" {
		return nil, fmt.Errorf("%w: missing delivery header", ErrMalformed)
	}

	var p trackerPayload
	if err := decode(body, &p); err != nil {
		return nil, err
	}
	if p.InstallationID == "" || p.Issue.Key == "" {
		return nil, fmt.Errorf("%w: missing installation id or issue key", ErrMalformed)
	}

	priority := task.PriorityDefault
	triggered := false
	for _, item := range p.Changelog.Items {
		switch item.Field {
		case "assignee":
			if item.ToString == n.cfg.TrackerUser {
				triggered = true
			}
		case "labels":
			for _, label := range strings.Fields(item.ToString) {
				if n.watchedLabel(label) {
					triggered = true
					priority = task.PriorityBatch
				}
			}
		}
	}
	if !triggered {
		return nil, Ignored("no assignee or label trigger")
	}

	eventKind := headers.Get(HeaderTrackerEvent)
	if eventKind == "" {
		eventKind = p.WebhookEvent
	}

	return &task.Request{
		Provider:       task.ProviderTracker,
		EventKind:      eventKind,
		InstallationID: p.InstallationID,
		Actor:          p.User.Name,
		Message:        p.Issue.Fields.Summary + "\n\n" + p.Issue.Fields.Description,
		Fingerprint:    fingerprint(task.ProviderTracker, eventKind, deliveryID),
		Priority:       priority,
		Source: task.Source{
			IssueKey: p.Issue.Key,
			Project:  p.Issue.Fields.Project.Key,
		},
	}, nil
}
