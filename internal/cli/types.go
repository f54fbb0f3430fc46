package cli

import "encoding/json"

// Message types emitted on the agent's stream-json stdout.
const (
	MessageTypeSystem    = "system"
	MessageTypeAssistant = "assistant"
	MessageTypeResult    = "result"
)

// Message is the envelope shared by every stream-json line. Fields are
// sparse; only the ones relevant to the message type are populated.
type Message struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Result message fields.
	Result       string  `json:"result,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`

	// Raw holds the original line for callers that need full fidelity.
	Raw json.RawMessage `json:"-"`
}

// Usage contains token counts from the result message.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// Outcome is the terminal state of one agent run.
type Outcome string

const (
	OutcomeOK        Outcome = "ended-ok"
	OutcomeError     Outcome = "ended-error"
	OutcomeTimedOut  Outcome = "timed-out"
	OutcomeCancelled Outcome = "cancelled"
)

// Request describes one agent invocation.
type Request struct {
	TaskID       string
	Prompt       string
	WorkspaceDir string
	Model        string
	AllowedTools []string
}

// Result is what a finished run produced.
type Result struct {
	Outcome      Outcome
	Output       string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	Stderr       string
	ExitCode     int
}
