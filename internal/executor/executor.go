// Package executor defines the contract between the session manager and
// the agent runtime that actually runs a turn, plus two implementations: a
// subprocess speaking NDJSON over stdio and a scripted fake.
package executor

import (
	"context"
	"encoding/json"

	"github.com/basket/agentdeck/internal/permission"
)

type EventKind string

const (
	EventInit       EventKind = "init"
	EventAssistant  EventKind = "assistant"
	EventUser       EventKind = "user"
	EventToolResult EventKind = "tool_result"
	EventResult     EventKind = "result"
	EventError      EventKind = "error"
)

// Usage is the token count of the last model call of a turn, not a
// cumulative billing counter.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
}

// Total is the context occupied after the call.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheCreationTokens
}

// Event is one item of a turn's stream.
type Event struct {
	Kind EventKind `json:"type"`

	// init
	ResumeToken string   `json:"session_id,omitempty"`
	Commands    []string `json:"slash_commands,omitempty"`

	// assistant, user
	Content string `json:"content,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`

	// result
	Usage         Usage   `json:"usage"`
	TotalCostUSD  float64 `json:"total_cost_usd,omitempty"`
	ContextWindow int     `json:"context_window,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// AuthorizeFunc is called by the runtime before each tool use. It may block
// until a human answers; ctx ends when the turn is torn down.
type AuthorizeFunc func(ctx context.Context, toolUseID, toolName string, input json.RawMessage) (permission.Decision, error)

type TurnRequest struct {
	SessionID      string
	Prompt         string
	WorkingDir     string
	ResumeToken    string
	Fork           bool
	PermissionMode string
	Authorize      AuthorizeFunc
}

// Turn is a running turn. Events is closed when the turn is over.
type Turn interface {
	Events() <-chan Event
	// Abort asks the runtime to stop. It does not wait.
	Abort()
}

type Executor interface {
	Start(ctx context.Context, req TurnRequest) (Turn, error)
}
