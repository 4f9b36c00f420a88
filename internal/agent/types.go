// Package agent implements the sub-agent pipeline: pre-flight validated
// spawn, a role-scoped execution loop, tool dispatch with policy checks,
// and synthesis of a persisted lesson from the run's raw result.
package agent

import (
	"context"
	"encoding/json"
)

// ChatMessage is one turn of an LLM conversation.
type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool-use directive emitted by the model.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolDefinition describes one tool in the schema sent to the model. Scope
// is the authorization unit checked against the agent's role.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Scope       string          `json:"-"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatRequest is a single model invocation.
type ChatRequest struct {
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// ChatResponse is the model's reply: text, tool-use directives, or both.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Provider is the LLM collaborator. Implementations carry their own
// timeouts; a timeout comes back as an error, never a hang.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	Name() string
}

// SubAgent is one spawned worker. Fields other than History are fixed at
// spawn; History accumulates during the run.
type SubAgent struct {
	Name     string
	Role     Role
	Task     string
	Plan     []string
	History  []ChatMessage
	MaxSteps int

	// active gates tool execution; it is compared strictly against true so
	// a mock-shaped object cannot slip through as truthy.
	active  bool
	managed bool
}

// Active reports whether the agent passed pre-flight and may run tools.
func (a *SubAgent) Active() bool { return a.active }
