package normalize

import (
	"fmt"
	"net/http"

	"github.com/relaydev/relay/internal/task"
)

// monitorPayload covers error-monitor issue alerts.
type monitorPayload struct {
	Action       string `json:"action"` // created, regression
	Installation struct {
		UUID string `json:"uuid"`
	} `json:"installation"`
	Data struct {
		Issue struct {
			ID      string `json:"id"`
			Title   string `json:"title"`
			Culprit string `json:"culprit"`
			Project struct {
				Slug string `json:"slug"`
			} `json:"project"`
		} `json:"issue"`
	} `json:"data"`
	Organization struct {
		Slug string `json:"slug"`
	} `json:"organization"`
}

// normalizeErrorMonitor accepts new issues and regressions.
func (n *Normalizer) normalizeErrorMonitor(body []byte, headers http.Header) (*task.Request, error) {
	deliveryID := headers.Get(HeaderMonitorDelivery)
	if deliveryID == "" {
		return nil, fmt.Errorf("%w: missing delivery header", ErrMalformed)
	}

	var p monitorPayload
	if err := decode(body, &p); err != nil {
		return nil, err
	}
	if p.Installation.UUID == "" || p.Data.Issue.ID == "" {
		return nil, fmt.Errorf("%w: missing installation or issue id", ErrMalformed)
	}

	if p.Action != "created" && p.Action != "regression" {
		return nil, Ignored("action " + p.Action)
	}

	eventKind := headers.Get(HeaderMonitorEvent)
	if eventKind == "" {
		eventKind = "issue." + p.Action
	}

	message := p.Data.Issue.Title
	if p.Data.Issue.Culprit != "" {
		message += "\n\nculprit: " + p.Data.Issue.Culprit
	}

	return &task.Request{
		Provider:       task.ProviderErrorMonitor,
		EventKind:      eventKind,
		InstallationID: p.Installation.UUID,
		Message:        message,
		Fingerprint:    fingerprint(task.ProviderErrorMonitor, eventKind, deliveryID),
		Priority:       task.PriorityBatch,
		Source: task.Source{
			OrgSlug:     p.Organization.Slug,
			ProjectSlug: p.Data.Issue.Project.Slug,
			IssueID:     p.Data.Issue.ID,
		},
	}, nil
}
