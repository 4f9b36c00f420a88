package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// MaxStepsResult is returned when the interaction loop exhausts its step
// budget without a final text answer.
const MaxStepsResult = "Max steps reached"

// ExecFunc runs one tool call on behalf of the named agent and returns the
// result string. The coordinator's ExecuteTool satisfies this.
type ExecFunc func(ctx context.Context, agentName string, call ToolCall) string

// Executor runs the bounded interaction loop for one sub-agent.
type Executor struct {
	provider Provider
	toolset  *Toolset
}

// NewExecutor creates an executor over the given model and tool surface.
func NewExecutor(provider Provider, toolset *Toolset) *Executor {
	return &Executor{provider: provider, toolset: toolset}
}

// scopedTools filters the tool schema down to the role's scope-set.
func (e *Executor) scopedTools(role Role) []ToolDefinition {
	var defs []ToolDefinition
	for _, d := range e.toolset.Definitions() {
		if ScopeAllowed(role, d.Scope) {
			defs = append(defs, d)
		}
	}
	return defs
}

func systemPrompt(a *SubAgent) string {
	var scopes []string
	for s := range ScopeSet(a.Role) {
		scopes = append(scopes, s)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a sub-agent with the role %q.\n", a.Name, a.Role)
	fmt.Fprintf(&b, "Your allowed tool scopes: %s.\n", strings.Join(scopes, ", "))
	if len(a.Plan) > 0 {
		b.WriteString("Execute this plan step by step:\n")
		for i, step := range a.Plan {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
	}
	b.WriteString("When you have the final answer, reply with plain text and no tool calls.")
	return b.String()
}

// Run executes the interaction loop up to the agent's MaxSteps. It never
// panics into the caller; any failure comes back as a short string.
func (e *Executor) Run(ctx context.Context, a *SubAgent, execTool ExecFunc) (result string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("executor panic recovered", "agent", a.Name, "panic", r)
			result = "error: internal executor failure"
		}
	}()

	a.History = append(a.History,
		ChatMessage{Role: "system", Content: systemPrompt(a)},
		ChatMessage{Role: "user", Content: a.Task},
	)
	tools := e.scopedTools(a.Role)

	for step := 0; step < a.MaxSteps; step++ {
		resp, err := e.provider.Chat(ctx, ChatRequest{Messages: a.History, Tools: tools})
		if err != nil {
			slog.Warn("model call failed", "agent", a.Name, "step", step, "error", err)
			return "error: " + err.Error()
		}

		if len(resp.ToolCalls) == 0 {
			a.History = append(a.History, ChatMessage{Role: "assistant", Content: resp.Content})
			return resp.Content
		}

		a.History = append(a.History, ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			out := execTool(ctx, a.Name, tc)
			slog.Debug("tool executed", "agent", a.Name, "tool", tc.Name)
			a.History = append(a.History, ChatMessage{
				Role:       "tool",
				Content:    out,
				ToolCallID: tc.ID,
			})
		}
	}
	return MaxStepsResult
}
