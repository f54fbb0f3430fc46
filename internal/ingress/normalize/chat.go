package normalize

import (
	"fmt"

	"github.com/relaydev/relay/internal/task"
)

// chatPayload is the event-callback envelope the chat service delivers.
type chatPayload struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
	TeamID  string `json:"team_id"`
	Event   struct {
		Type        string `json:"type"` // app_mention, message
		ChannelType string `json:"channel_type"`
		Channel     string `json:"channel"`
		User        string `json:"user"`
		BotID       string `json:"bot_id"`
		Text        string `json:"text"`
		TS          string `json:"ts"`
		ThreadTS    string `json:"thread_ts"`
	} `json:"event"`
}

// normalizeChat accepts direct mentions of the agent and direct messages.
// Events carrying the agent's own bot id are dropped to prevent loops.
func (n *Normalizer) normalizeChat(body []byte) (*task.Request, error) {
	var p chatPayload
	if err := decode(body, &p); err != nil {
		return nil, err
	}
	if p.Type != "event_callback" {
		return nil, Ignored("envelope type " + p.Type)
	}
	if p.EventID == "" || p.TeamID == "" {
		return nil, fmt.Errorf("%w: missing event or team id", ErrMalformed)
	}
	if p.Event.BotID != "" && p.Event.BotID == n.cfg.ChatBotID {
		return nil, Ignored("own bot message")
	}
	if p.Event.BotID != "" {
		return nil, Ignored("bot message")
	}

	isMention := p.Event.Type == "app_mention"
	isDM := p.Event.Type == "message" && p.Event.ChannelType == "im"
	if !isMention && !isDM {
		return nil, Ignored("event type " + p.Event.Type)
	}

	// Threading: reply in the parent thread when one exists, otherwise the
	// message's own ts anchors a new thread.
	threadID := p.Event.ThreadTS
	if threadID == "" {
		threadID = p.Event.TS
	}

	return &task.Request{
		Provider:       task.ProviderChat,
		EventKind:      p.Event.Type,
		InstallationID: p.TeamID,
		Actor:          p.Event.User,
		Message:        p.Event.Text,
		Fingerprint:    fingerprint(task.ProviderChat, p.Event.Type, p.EventID),
		Priority:       task.PriorityInteractive,
		Source: task.Source{
			ChannelID: p.Event.Channel,
			ThreadID:  threadID,
		},
	}, nil
}
