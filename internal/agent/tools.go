package agent

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/cortexuvula/omnibridge/internal/workspace"
)

// RAGClient is the retrieval collaborator behind query_rag.
type RAGClient interface {
	Query(ctx context.Context, query string) (string, error)
}

// ToolRouter is the external MCP-style router consulted for tools with no
// local handler. A structured error or missing router yields the uniform
// "logic not implemented" string at the dispatch layer.
type ToolRouter interface {
	Call(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Toolset binds the local tool handlers to their collaborators. All
// handlers catch their own failures and return short strings; nothing
// propagates an error to the executor.
type Toolset struct {
	fs     *workspace.FS
	rag    RAGClient
	router ToolRouter
}

// NewToolset builds the local tool surface. rag and router may be nil.
func NewToolset(fs *workspace.FS, rag RAGClient, router ToolRouter) *Toolset {
	return &Toolset{fs: fs, rag: rag, router: router}
}

// Definitions is the full tool schema; the executor filters it down to the
// agent's scope-set before each model call.
func (t *Toolset) Definitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "read_file",
			Description: "Read a file from the agent workspace. Returns the file content.",
			Scope:       "fs.read",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		},
		{
			Name:        "write_file",
			Description: "Write content to a file in the agent workspace, atomically.",
			Scope:       "fs.write",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
		},
		{
			Name:        "query_rag",
			Description: "Query the knowledge base and return the retrieved answer.",
			Scope:       "rag.query",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
		},
	}
}

// Scope returns the authorization scope for a tool name, or "" when the
// tool has no local definition (router-handled tools map to their own
// scopes upstream).
func (t *Toolset) Scope(name string) string {
	for _, d := range t.Definitions() {
		if d.Name == name {
			return d.Scope
		}
	}
	return ""
}

// Dispatch runs one tool call and returns its result string. Unknown
// tools fall through to the external router when one is wired.
func (t *Toolset) Dispatch(ctx context.Context, call ToolCall) string {
	switch call.Name {
	case "read_file":
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "invalid arguments"
		}
		content, denied := t.fs.ReadFile(args.Path)
		if denied != "" {
			return denied
		}
		return content

	case "write_file":
		var args struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "invalid arguments"
		}
		result, denied := t.fs.WriteFile(args.Path, args.Content)
		if denied != "" {
			return denied
		}
		return result

	case "query_rag":
		var args struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "invalid arguments"
		}
		if t.rag == nil {
			return "logic not implemented"
		}
		answer, err := t.rag.Query(ctx, args.Query)
		if err != nil {
			slog.Warn("rag query failed", "error", err)
			return "query failed"
		}
		return answer

	default:
		if t.router == nil {
			return "logic not implemented"
		}
		result, err := t.router.Call(ctx, call.Name, call.Args)
		if err != nil {
			slog.Debug("tool router error", "tool", call.Name, "error", err)
			return "logic not implemented"
		}
		return result
	}
}
