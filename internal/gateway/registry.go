package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cortexuvula/omnibridge/internal/security"
)

// ClientConnection is the registry entry for one live client. The class is
// assigned at accept and never changes for the connection's lifetime.
type ClientConnection struct {
	ID            string
	Class         security.ConnectionClass
	Peer          string
	Since         time.Time
	Authenticated bool
	UserAgent     string

	conn       *websocket.Conn
	subscribed bool
}

// Registry tracks active client connections keyed by client id. Writers are
// the accept path and each connection's own read loop; Send and Broadcast
// take read-mostly snapshots.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*ClientConnection
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*ClientConnection)}
}

// Register adds a connection. If an entry with the same id already exists
// (a reconnect racing its predecessor), the old entry is replaced and its
// transport returned so the caller can close it — exactly one read loop
// may own an id.
func (r *Registry) Register(c *ClientConnection) (replaced *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.clients[c.ID]; ok {
		replaced = old.conn
	}
	r.clients[c.ID] = c
	slog.Debug("registry: registered", "client_id", c.ID, "class", c.Class.String(), "peer", c.Peer)
	return replaced
}

// Unregister removes a connection by id, but only if the given entry still
// owns it — a replaced predecessor must not evict its successor.
func (r *Registry) Unregister(c *ClientConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.clients[c.ID]; ok && cur == c {
		delete(r.clients, c.ID)
		slog.Debug("registry: unregistered", "client_id", c.ID)
	}
}

// Get returns the connection for a client id, or nil.
func (r *Registry) Get(clientID string) *ClientConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[clientID]
}

// Count returns the number of active connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CountForPeer returns the number of active connections from one peer.
func (r *Registry) CountForPeer(peer string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.clients {
		if c.Peer == peer {
			n++
		}
	}
	return n
}

// SetSubscribed flags a connection as a lesson/event observer.
func (r *Registry) SetSubscribed(clientID string, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[clientID]; ok {
		c.subscribed = on
	}
}

// Subscribers returns a snapshot of observer transports. Writes happen
// outside the lock; coder/websocket serializes concurrent writers itself.
func (r *Registry) Subscribers() []*websocket.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*websocket.Conn
	for _, c := range r.clients {
		if c.subscribed {
			out = append(out, c.conn)
		}
	}
	return out
}

// CloseAll closes every tracked transport and empties the registry.
// Close errors are swallowed; the read loops unblock via transport close.
func (r *Registry) CloseAll(code websocket.StatusCode, reason string) {
	r.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(r.clients))
	for _, c := range r.clients {
		conns = append(conns, c.conn)
	}
	r.clients = make(map[string]*ClientConnection)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close(code, reason)
	}
}

// write sends a payload on the connection's transport with a deadline.
func (c *ClientConnection) write(ctx context.Context, timeout time.Duration, payload []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, payload)
}
