package session

import (
	"encoding/json"
	"time"

	"github.com/basket/agentdeck/internal/handoff"
	"github.com/basket/agentdeck/internal/persistence"
)

// Payloads of the events fanned out to clients. Field names are the wire names.

type SessionReadyPayload struct {
	SessionID      string `json:"sessionId"`
	PermissionMode string `json:"permissionMode"`
	WorkingDir     string `json:"workingDir"`
	Name           string `json:"name,omitempty"`
	ForkedFrom     string `json:"forkedFrom,omitempty"`
	MessageCount   int    `json:"messageCount"`
}

type MessageBody struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type MessagePayload struct {
	SessionID string      `json:"sessionId"`
	Index     int         `json:"index"`
	Message   MessageBody `json:"message"`
	IsReplay  bool        `json:"isReplay,omitempty"`
}

type ThinkingPayload struct {
	SessionID string `json:"sessionId"`
	Thinking  bool   `json:"thinking"`
}

type PermissionRequestPayload struct {
	SessionID string          `json:"sessionId"`
	RequestID string          `json:"requestId"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input"`
	Pattern   string          `json:"pattern"`
}

type PermissionResolvedPayload struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	Behavior  string `json:"behavior,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

type ToolResultPayload struct {
	SessionID string          `json:"sessionId"`
	ToolUseID string          `json:"toolUseId"`
	Result    json.RawMessage `json:"result"`
}

type ResultPayload struct {
	SessionID       string            `json:"sessionId"`
	Usage           persistence.Usage `json:"usage"`
	TotalCostUSD    float64           `json:"totalCostUsd"`
	ContextWindow   int               `json:"contextWindow"`
	TotalTokensUsed int               `json:"totalTokensUsed"`
	IsReplay        bool              `json:"isReplay,omitempty"`
}

type AllowedToolsPayload struct {
	SessionID string   `json:"sessionId,omitempty"`
	Tools     []string `json:"tools"`
}

type AllowedDirectoriesPayload struct {
	SessionID   string   `json:"sessionId"`
	Directories []string `json:"directories"`
}

type CommandsPayload struct {
	SessionID string   `json:"sessionId"`
	Commands  []string `json:"commands"`
}

type PermissionModePayload struct {
	SessionID      string `json:"sessionId"`
	PermissionMode string `json:"permissionMode"`
}

type SessionForkedPayload struct {
	SessionID       string `json:"sessionId"`
	ForkedSessionID string `json:"forkedSessionId"`
	Name            string `json:"name,omitempty"`
}

type HandoffQueuePayload struct {
	SessionID string            `json:"sessionId"`
	Messages  []handoff.Message `json:"messages"`
}

type ErrorPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}

// Summary is one row of the session list.
type Summary struct {
	ID             string    `json:"sessionId"`
	Name           string    `json:"name,omitempty"`
	WorkingDir     string    `json:"workingDir"`
	PermissionMode string    `json:"permissionMode"`
	ForkedFrom     string    `json:"forkedFrom,omitempty"`
	Status         string    `json:"status"`
	Loaded         bool      `json:"loaded"`
	Thinking       bool      `json:"thinking"`
	Subscribers    int       `json:"subscribers"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type SessionsPayload struct {
	Sessions []Summary `json:"sessions"`
}
