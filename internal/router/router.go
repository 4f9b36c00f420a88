// Package router is the frame handler registered on the gateway. It routes
// inbound frames by type: platform_connect into the adapter registry,
// messages out to their platform adapter, agent commands into the
// coordinator, and pushes platform-originated messages back to gateway
// clients. Routing failures answer the originating client; they never
// propagate into the read loop.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/cortexuvula/omnibridge/internal/agent"
	"github.com/cortexuvula/omnibridge/internal/gateway"
	"github.com/cortexuvula/omnibridge/internal/platform"
)

// Sender is the egress half of the gateway the router needs.
type Sender interface {
	Send(clientID string, frame any) bool
	Broadcast(frame any)
}

// Spawner is the coordinator entry the router needs for agent commands.
type Spawner interface {
	Spawn(ctx context.Context, req agent.SpawnRequest) string
}

// Router dispatches tagged frames. Construct with New, then register
// Handle on the gateway.
type Router struct {
	sender    Sender
	platforms *platform.Registry
	spawner   Spawner // nil disables agent commands

	// dispatchTimeout bounds a single adapter or agent call so a stuck
	// collaborator cannot pin a routing goroutine forever.
	dispatchTimeout time.Duration
}

// New creates a router over the gateway's send surface. The platform
// registry must be the one whose inbound callback is wired to
// HandleInbound.
func New(sender Sender, platforms *platform.Registry, spawner Spawner) *Router {
	return &Router{
		sender:          sender,
		platforms:       platforms,
		spawner:         spawner,
		dispatchTimeout: 2 * time.Minute,
	}
}

// SetPlatforms installs the registry after construction. The registry's
// inbound callback points at HandleInbound, so the two are built in
// sequence and linked here. Call before the gateway starts serving.
func (r *Router) SetPlatforms(reg *platform.Registry) { r.platforms = reg }

// meta pulls the gateway-set metadata out of a tagged frame.
func meta(frame gateway.Frame) (clientID string, authenticated bool) {
	m, _ := frame["_meta"].(map[string]any)
	if m == nil {
		return "", false
	}
	clientID, _ = m["client_id"].(string)
	authenticated, _ = m["authenticated"].(bool)
	return clientID, authenticated
}

func str(frame gateway.Frame, key string) string {
	s, _ := frame[key].(string)
	return s
}

func objmap(frame gateway.Frame, key string) map[string]any {
	m, _ := frame[key].(map[string]any)
	return m
}

// Handle is the gateway Handler. Slow work (adapter sends, agent spawns)
// runs on its own goroutine so the per-connection read loop is never held
// up by a remote platform or a model call.
func (r *Router) Handle(frame gateway.Frame) {
	switch str(frame, "type") {
	case "platform_connect":
		go r.handleConnect(frame)
	case "message":
		go r.handleMessage(frame)
	case "command":
		go r.handleCommand(frame)
	default:
		slog.Debug("ignoring unroutable frame", "type", str(frame, "type"))
	}
}

func (r *Router) handleConnect(frame gateway.Frame) {
	clientID, _ := meta(frame)
	name := str(frame, "platform")
	if name == "" {
		r.reply(clientID, map[string]any{"error": "platform_connect without platform"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.dispatchTimeout)
	defer cancel()

	r.platforms.Connect(ctx, name, objmap(frame, "credentials"), objmap(frame, "config"))
	r.reply(clientID, map[string]any{"type": "platform_connected", "platform": name})
}

func (r *Router) handleMessage(frame gateway.Frame) {
	clientID, _ := meta(frame)
	name := str(frame, "platform")
	adapter := r.platforms.Get(name)
	if adapter == nil {
		r.reply(clientID, map[string]any{"error": "unknown platform: " + name})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.dispatchTimeout)
	defer cancel()

	sent := adapter.SendText(ctx, str(frame, "chat_id"), str(frame, "content"), str(frame, "reply_to"))
	if sent == nil {
		r.reply(clientID, map[string]any{"error": "send failed", "platform": name})
		return
	}
	r.reply(clientID, map[string]any{"type": "message_sent", "platform": name, "id": sent.ID})
}

func (r *Router) handleCommand(frame gateway.Frame) {
	clientID, authenticated := meta(frame)
	switch str(frame, "command") {
	case "agent.spawn":
		if r.spawner == nil {
			r.reply(clientID, map[string]any{"error": "agents disabled"})
			return
		}
		if !authenticated {
			// Spawning agents moves files and runs tools; an anonymous
			// connection does not get to do that.
			r.reply(clientID, map[string]any{"error": "authentication required"})
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.dispatchTimeout)
		defer cancel()
		summary := r.spawner.Spawn(ctx, agent.SpawnRequest{
			Name: str(frame, "name"),
			Task: str(frame, "task"),
			Role: str(frame, "role"),
		})
		r.reply(clientID, map[string]any{"type": "agent_result", "name": str(frame, "name"), "summary": summary})
	default:
		r.reply(clientID, map[string]any{"error": "unknown command: " + str(frame, "command")})
	}
}

// HandleInbound receives platform-originated messages (the registry's
// inbound callback) and broadcasts them to subscribed gateway clients.
func (r *Router) HandleInbound(platformName string, msg *platform.PlatformMessage) {
	if msg == nil {
		return
	}
	r.sender.Broadcast(map[string]any{
		"type":     "message",
		"platform": platformName,
		"message":  msg,
	})
}

// reply answers the originating client, best-effort.
func (r *Router) reply(clientID string, frame any) {
	if clientID == "" {
		return
	}
	if !r.sender.Send(clientID, frame) {
		slog.Debug("reply dropped, client gone", "client_id", clientID)
	}
}
