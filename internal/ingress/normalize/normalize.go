// Package normalize parses provider webhook payloads into task requests.
package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/relaydev/relay/internal/task"
)

// ErrMalformed is returned when the payload is not valid JSON or lacks
// required fields. Callers return HTTP 400.
var ErrMalformed = errors.New("malformed payload")

// IgnoredError marks an event that is valid but does not trigger a task.
// Callers return HTTP 200 without creating a task.
type IgnoredError struct {
	Reason string
}

func (e *IgnoredError) Error() string {
	return "event ignored: " + e.Reason
}

// Ignored constructs an IgnoredError with the given reason.
func Ignored(reason string) error {
	return &IgnoredError{Reason: reason}
}

// IsIgnored reports whether err is an IgnoredError and returns its reason.
func IsIgnored(err error) (string, bool) {
	var ie *IgnoredError
	if errors.As(err, &ie) {
		return ie.Reason, true
	}
	return "", false
}

// Delivery header names per provider.
const (
	HeaderForgeEvent      = "X-Forge-Event"
	HeaderForgeDelivery   = "X-Forge-Delivery"
	HeaderTrackerEvent    = "X-Tracker-Event"
	HeaderTrackerDelivery = "X-Tracker-Delivery"
	HeaderMonitorEvent    = "X-Monitor-Event"
	HeaderMonitorDelivery = "X-Monitor-Delivery"
)

// EchoFilter reports whether a comment id is one the agent itself posted,
// so its webhook echo can be dropped. Backed by the completion router's
// posted-comment set.
type EchoFilter interface {
	IsEcho(ctx context.Context, installationID, commentID string) (bool, error)
}

// Config identifies the agent account on the external services.
type Config struct {
	Handle        string   // mention trigger, e.g. "@relay"
	SlashCommand  string   // slash-command trigger, e.g. "/relay"
	WatchedLabels []string // labels that trigger a task
	TrackerUser   string   // tracker account assigned to the agent
	ChatBotID     string   // our own chat bot id
}

// Normalizer converts provider payloads into task requests.
type Normalizer struct {
	cfg  Config
	echo EchoFilter
}

// New creates a Normalizer. echo may be nil, in which case comment-echo
// filtering is skipped.
func New(cfg Config, echo EchoFilter) *Normalizer {
	return &Normalizer{cfg: cfg, echo: echo}
}

// Normalize parses the payload for the given provider and applies the
// trigger rules. It returns a Request, an IgnoredError, or ErrMalformed.
func (n *Normalizer) Normalize(ctx context.Context, provider task.Provider, body []byte, headers http.Header) (*task.Request, error) {
	switch provider {
	case task.ProviderCodeForge:
		return n.normalizeCodeForge(ctx, body, headers)
	case task.ProviderTracker:
		return n.normalizeTracker(body, headers)
	case task.ProviderChat:
		return n.normalizeChat(body)
	case task.ProviderErrorMonitor:
		return n.normalizeErrorMonitor(body, headers)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrMalformed, provider)
	}
}

// hasTrigger reports whether text contains the agent mention or slash command.
func (n *Normalizer) hasTrigger(text string) bool {
	if n.cfg.Handle != "" && strings.Contains(text, n.cfg.Handle) {
		return true
	}
	if n.cfg.SlashCommand != "" {
		for _, line := range strings.Split(text, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), n.cfg.SlashCommand) {
				return true
			}
		}
	}
	return false
}

// watchedLabel reports whether name is one of the configured trigger labels.
func (n *Normalizer) watchedLabel(name string) bool {
	for _, l := range n.cfg.WatchedLabels {
		if strings.EqualFold(l, name) {
			return true
		}
	}
	return false
}

func decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// fingerprint builds the stable dedup key for a delivery.
func fingerprint(provider task.Provider, eventKind, deliveryID string) string {
	return string(provider) + ":" + eventKind + ":" + deliveryID
}
