package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cortexuvula/omnibridge/internal/lessondb"
)

// PolicyFunc authorizes one (agent, scope) pair. The return value is
// compared strictly against boolean true; any other value, truthy or not,
// denies. This keeps permissive mocks from bypassing scope checks.
type PolicyFunc func(agentName, scope string) any

// NotifyFunc receives best-effort observer events (lesson broadcasts).
type NotifyFunc func(event any)

// SpawnRequest asks for a new sub-agent.
type SpawnRequest struct {
	Name string `json:"name"`
	Task string `json:"task"`
	Role string `json:"role"`
}

// Coordinator owns the agent table and the spawn→validate→execute→
// synthesize pipeline. Safe for concurrent use; each name has a single
// writer (its spawn call).
type Coordinator struct {
	mu     sync.RWMutex
	agents map[string]*SubAgent

	provider Provider
	toolset  *Toolset
	executor *Executor
	store    *lessondb.Store // may be nil; lesson writes become no-ops
	policy   PolicyFunc      // may be nil; no policy configured means allow
	notify   NotifyFunc      // may be nil
	maxSteps int
}

// NewCoordinator wires the pipeline. maxSteps bounds every spawned agent.
func NewCoordinator(provider Provider, toolset *Toolset, store *lessondb.Store, maxSteps int) *Coordinator {
	if maxSteps <= 0 {
		maxSteps = 5
	}
	return &Coordinator{
		agents:   make(map[string]*SubAgent),
		provider: provider,
		toolset:  toolset,
		executor: NewExecutor(provider, toolset),
		store:    store,
		maxSteps: maxSteps,
	}
}

// SetPolicy installs the authorization callback.
func (c *Coordinator) SetPolicy(p PolicyFunc) { c.policy = p }

// SetNotify installs the observer broadcast callback.
func (c *Coordinator) SetNotify(n NotifyFunc) { c.notify = n }

// Get returns the registered agent, or nil.
func (c *Coordinator) Get(name string) *SubAgent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agents[name]
}

// Names lists the registered agents.
func (c *Coordinator) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.agents))
	for n := range c.agents {
		out = append(out, n)
	}
	return out
}

const preflightTemplate = `You are a safety validator for sub-agent tasks.
Agent name: %s
Agent role: %s
Task: %s
Plan:
%s
Reply "VALID" if this task and plan are safe and within the role's authority.
Otherwise reply "DENY:" followed by the reason.`

const synthesisTemplate = `A sub-agent completed its task. Raw result:
%s
Respond with a single JSON object:
{"summary": string, "findings": [string], "learned_lesson": string, "next_steps": [string]}
The learned_lesson should capture what future runs must remember; prefix it
with "CRITICAL:" when ignoring it would cause damage.`

// Spawn runs the full pipeline for one agent and returns a summary string.
// Nothing in the pipeline raises: validation failures, model errors, and
// lesson write failures all surface as (or inside) the returned string.
func (c *Coordinator) Spawn(ctx context.Context, req SpawnRequest) string {
	role := NormalizeRole(req.Role)
	a := &SubAgent{
		Name:     req.Name,
		Role:     role,
		Task:     req.Task,
		MaxSteps: c.maxSteps,
	}
	slog.Info("spawning sub-agent", "name", a.Name, "role", string(a.Role))

	a.Plan = c.generatePlan(ctx, a)

	if reason, ok := c.preflight(ctx, a); !ok {
		// A stale entry under this name must not survive a failed check.
		c.mu.Lock()
		delete(c.agents, a.Name)
		c.mu.Unlock()
		slog.Warn("sub-agent blocked by pre-flight check", "name", a.Name, "reason", reason)
		return "blocked by pre-flight check: " + reason
	}

	a.active = true
	a.managed = true
	c.mu.Lock()
	c.agents[a.Name] = a
	c.mu.Unlock()

	raw := c.executor.Run(ctx, a, c.ExecuteTool)
	return c.synthesize(ctx, a, raw)
}

// generatePlan asks the model for an ordered plan. A model failure falls
// back to the task as a single-step plan.
func (c *Coordinator) generatePlan(ctx context.Context, a *SubAgent) []string {
	prompt := fmt.Sprintf(
		"Produce a short ordered plan (one step per line, no numbering) for the %q role to accomplish this task:\n%s",
		a.Role, a.Task,
	)
	resp, err := c.provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{{Role: "user", Content: prompt}}})
	if err != nil {
		slog.Warn("plan generation failed", "name", a.Name, "error", err)
		return []string{a.Task}
	}
	var plan []string
	for _, line := range strings.Split(resp.Content, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			plan = append(plan, line)
		}
	}
	if len(plan) == 0 {
		return []string{a.Task}
	}
	return plan
}

// preflight validates (task, name, role, plan) with the model. Only a
// response containing "VALID" (case-insensitive) admits; model errors
// block conservatively.
func (c *Coordinator) preflight(ctx context.Context, a *SubAgent) (reason string, ok bool) {
	prompt := fmt.Sprintf(preflightTemplate, a.Name, a.Role, a.Task, strings.Join(a.Plan, "\n"))
	resp, err := c.provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{{Role: "user", Content: prompt}}})
	if err != nil {
		return "validation unavailable", false
	}
	if strings.Contains(strings.ToUpper(resp.Content), "VALID") {
		return "", true
	}
	return strings.TrimSpace(resp.Content), false
}

type synthesis struct {
	Summary       string   `json:"summary"`
	Findings      []string `json:"findings"`
	LearnedLesson string   `json:"learned_lesson"`
	NextSteps     []string `json:"next_steps"`
}

// synthesize distills the raw run result into a summary and persists the
// learned lesson. Parse failures degrade to returning the synthesis text;
// persistence failures are logged and swallowed.
func (c *Coordinator) synthesize(ctx context.Context, a *SubAgent, raw string) string {
	resp, err := c.provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{
		{Role: "user", Content: fmt.Sprintf(synthesisTemplate, raw)},
	}})
	if err != nil {
		slog.Warn("synthesis failed", "name", a.Name, "error", err)
		return raw
	}

	obj := firstJSONObject(resp.Content)
	if obj == "" {
		return resp.Content
	}
	var syn synthesis
	if err := json.Unmarshal([]byte(obj), &syn); err != nil {
		return resp.Content
	}

	if syn.LearnedLesson != "" {
		c.persistLesson(ctx, a, syn.LearnedLesson)
	}
	return syn.Summary
}

func (c *Coordinator) persistLesson(ctx context.Context, a *SubAgent, content string) {
	lesson := lessondb.Lesson{
		Key:       uuid.NewString(),
		Kind:      lessondb.KindLearnedLesson,
		Content:   content,
		Tags:      []string{a.Name, string(a.Role)},
		CreatedAt: time.Now(),
	}
	if c.store != nil {
		if err := c.store.Save(ctx, lesson); err != nil {
			slog.Error("lesson persistence failed", "name", a.Name, "error", err)
		}
	}
	if c.notify != nil {
		c.notify(map[string]any{"type": "lesson", "lesson": lesson})
	}
}

// ExecuteTool runs one tool call for a registered agent, applying the
// active, scope, and policy checks in order. Every outcome is a string.
func (c *Coordinator) ExecuteTool(ctx context.Context, agentName string, call ToolCall) string {
	a := c.Get(agentName)
	if a == nil {
		return "Agent not found"
	}
	if !a.active {
		return "Agent not active or validated"
	}

	scope := c.toolset.Scope(call.Name)
	if scope == "" {
		// Router-handled tools use their own name as scope, so roles can
		// grant them directly (e.g. "security.audit").
		scope = call.Name
	}
	if !ScopeAllowed(a.Role, scope) {
		return fmt.Sprintf("Tool %s is outside the domain boundaries of role %s", call.Name, a.Role)
	}

	if c.policy != nil {
		v := c.policy(agentName, scope)
		if b, isBool := v.(bool); !isBool || !b {
			return "Permission denied"
		}
	}

	return c.toolset.Dispatch(ctx, call)
}

// firstJSONObject extracts the first balanced {...} from s, tolerating
// braces inside JSON strings. Returns "" when no object is present.
func firstJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
