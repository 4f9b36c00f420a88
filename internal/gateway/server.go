// Package gateway implements the unified ingress/egress fabric: it accepts
// WebSocket clients on the local and direct TLS listeners, classifies each
// connection into a trust class, enforces admission limits, tags every
// inbound frame with server-set metadata, and forwards it to the registered
// handler.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/cortexuvula/omnibridge/internal/codec"
	"github.com/cortexuvula/omnibridge/internal/config"
	"github.com/cortexuvula/omnibridge/internal/metrics"
	"github.com/cortexuvula/omnibridge/internal/security"
	"github.com/cortexuvula/omnibridge/internal/tunnel"
)

// Server is the unified gateway. Construct with New, then Start. All
// exported methods are safe for concurrent use.
type Server struct {
	registry *Registry
	stats    *Stats
	limiter  *security.AdmissionLimiter
	codec    *codec.Codec

	supervisor *tunnel.Supervisor
	monitor    *tunnel.Monitor

	Metrics *metrics.Metrics // optional, nil if metrics disabled

	cfgMu sync.RWMutex
	cfg   *config.Config

	handlerMu sync.RWMutex
	handler   Handler

	runMu       sync.Mutex
	running     bool
	localServer *http.Server
	tlsServer   *http.Server
	shutdownCtx context.Context
	cancel      context.CancelFunc
}

// New creates a gateway server. The codec may be nil (no frame encryption).
func New(cfg *config.Config, sup *tunnel.Supervisor, mon *tunnel.Monitor, limiter *security.AdmissionLimiter, cdc *codec.Codec) *Server {
	return &Server{
		registry:   NewRegistry(),
		stats:      NewStats(),
		limiter:    limiter,
		codec:      cdc,
		supervisor: sup,
		monitor:    mon,
		cfg:        cfg,
	}
}

// Registry exposes the connection registry (read-side, for health).
func (s *Server) Registry() *Registry { return s.registry }

// Stats exposes the gateway counters.
func (s *Server) Stats() *Stats { return s.stats }

// Monitor exposes the tunnel health monitor.
func (s *Server) Monitor() *tunnel.Monitor { return s.monitor }

// RegisterHandler installs the frame-received callback (the orchestrator
// bridge). Frames received before a handler is installed are dropped.
func (s *Server) RegisterHandler(h Handler) {
	s.handlerMu.Lock()
	s.handler = h
	s.handlerMu.Unlock()
}

func (s *Server) getHandler() Handler {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	return s.handler
}

// GetConfig returns the current config (thread-safe for hot-reload).
func (s *Server) GetConfig() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// UpdateConfig swaps the config (called on SIGHUP) and propagates the new
// admission caps.
func (s *Server) UpdateConfig(cfg *config.Config) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
	if s.limiter != nil {
		s.limiter.UpdateCaps(capsFromConfig(cfg))
	}
}

// capsFromConfig maps the rate-limit config section to per-class caps.
func capsFromConfig(cfg *config.Config) map[security.ConnectionClass]int {
	return map[security.ConnectionClass]int{
		security.ClassLocal:    cfg.Security.RateLimit.Local,
		security.ClassVPN:      cfg.Security.RateLimit.VPN,
		security.ClassTunneled: cfg.Security.RateLimit.Cloudflare,
		security.ClassDirect:   cfg.Security.RateLimit.Direct,
	}
}

// Start brings up the local accept listener, the optional direct TLS
// listener, the desired tunnels, and the health monitor. Only the initial
// bind may fail; everything later recovers locally.
func (s *Server) Start() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return nil
	}
	cfg := s.GetConfig()

	ln, err := net.Listen("tcp", cfg.ListenAddress())
	if err != nil {
		return fmt.Errorf("binding %s: %w", cfg.ListenAddress(), err)
	}

	s.shutdownCtx, s.cancel = context.WithCancel(context.Background())

	localMux := http.NewServeMux()
	localMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.serveWS(w, r, false)
	})
	s.localServer = &http.Server{Handler: localMux}
	go func() {
		slog.Info("gateway listening", "address", cfg.ListenAddress())
		if err := s.localServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway server error", "error", err)
		}
	}()

	if cfg.Gateway.TLS.Enabled {
		s.startTLS(cfg)
	}

	for _, class := range s.supervisor.DesiredClasses() {
		if ok := s.supervisor.Start(class); !ok {
			// The monitor keeps retrying; startup proceeds regardless.
			slog.Error("tunnel failed to start", "class", class.String())
		}
	}
	s.monitor.Start()

	s.running = true
	return nil
}

// startTLS brings up the direct HTTPS listener on port+1. If the TLS
// material cannot be loaded the direct endpoint stays unavailable; that is
// not a startup failure.
func (s *Server) startTLS(cfg *config.Config) {
	cert, err := tls.LoadX509KeyPair(cfg.Gateway.TLS.CertFile, cfg.Gateway.TLS.KeyFile)
	if err != nil {
		slog.Error("direct TLS listener unavailable", "error", err)
		return
	}
	ln, err := tls.Listen("tcp", cfg.DirectListenAddress(), &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		slog.Error("direct TLS listener unavailable", "address", cfg.DirectListenAddress(), "error", err)
		return
	}
	tlsMux := http.NewServeMux()
	tlsMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.serveWS(w, r, true)
	})
	s.tlsServer = &http.Server{Handler: tlsMux}
	go func() {
		slog.Info("direct TLS listener up", "address", cfg.DirectListenAddress())
		if err := s.tlsServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("direct TLS server error", "error", err)
		}
	}()
}

// Stop closes all client transports, both listeners, the tunnels and the
// health monitor. Idempotent.
func (s *Server) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	cfg := s.GetConfig()

	s.monitor.Stop()
	s.cancel() // unblocks every read loop

	s.registry.CloseAll(websocket.StatusGoingAway, "server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.DrainTimeout)
	defer cancel()
	s.localServer.Shutdown(ctx)
	if s.tlsServer != nil {
		s.tlsServer.Shutdown(ctx)
	}

	s.supervisor.StopAll()
	s.running = false
	slog.Info("gateway stopped")
}

// Send serializes a frame to one client. Returns false if the client is
// unknown or the write fails; a failed write evicts the client.
func (s *Server) Send(clientID string, frame any) bool {
	c := s.registry.Get(clientID)
	if c == nil {
		return false
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		slog.Error("send: marshal failed", "client_id", clientID, "error", err)
		return false
	}
	payload, err = s.codec.Encrypt(payload)
	if err != nil {
		slog.Error("send: encrypt failed", "client_id", clientID, "error", err)
		return false
	}
	if err := c.write(context.Background(), s.GetConfig().Gateway.WriteTimeout, payload); err != nil {
		slog.Warn("send failed, evicting client", "client_id", clientID, "error", err)
		s.evict(c)
		return false
	}
	if s.Metrics != nil {
		s.Metrics.FramesTotal.WithLabelValues("egress").Inc()
	}
	return true
}

// Broadcast sends a payload to every subscribed observer, best-effort.
func (s *Server) Broadcast(frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	payload, err = s.codec.Encrypt(payload)
	if err != nil {
		return
	}
	timeout := s.GetConfig().Gateway.WriteTimeout
	for _, conn := range s.registry.Subscribers() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
			slog.Debug("broadcast: write failed", "error", err)
		}
		cancel()
	}
}

func (s *Server) evict(c *ClientConnection) {
	s.registry.Unregister(c)
	c.conn.Close(websocket.StatusGoingAway, "")
}

// serveWS is the accept path for both listeners. direct marks connections
// arriving on the TLS listener.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, direct bool) {
	cfg := s.GetConfig()

	class, effective := security.Classify(r.RemoteAddr, r.Header)
	peer := security.PeerIP(effective)

	if class == security.ClassLocal {
		if direct {
			if !security.IsLoopbackHost(r.RemoteAddr) {
				class = security.ClassDirect
			}
		} else if !security.IsLoopbackHost(r.Host) {
			// Raw TCP reaching the local listener with a non-loopback Host
			// header did not come through a managed tunnel. Refuse it
			// during the handshake.
			slog.Warn("rejected non-loopback host on local listener", "host", r.Host, "peer", peer)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	// Optional auth token (header first, query param fallback). A wrong
	// token is refused outright; an absent one admits the connection
	// unauthenticated and the handler sees authenticated=false.
	authenticated := false
	if cfg.Security.AuthToken != "" {
		token := security.ExtractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != "" {
			if !security.TokenMatch(token, cfg.Security.AuthToken) {
				slog.Warn("rejected invalid auth token", "peer", peer)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			authenticated = true
		}
	}

	if reason := s.stats.TryAddConnection(peer, class, cfg.Security.MaxConnections, cfg.Security.MaxConnectionsPerClient); reason != "" {
		if reason == "max_connections" {
			slog.Warn("max connections reached", "current", s.stats.ActiveConnections())
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		} else {
			slog.Warn("max connections per client reached", "peer", peer)
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		}
		return
	}
	if s.Metrics != nil {
		s.Metrics.ConnectionsTotal.WithLabelValues(class.String()).Inc()
		s.Metrics.ActiveConnections.WithLabelValues(class.String()).Inc()
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin checks do not apply here: trust is established by
		// classification and the optional token, and tunneled requests
		// carry the public hostname as Origin.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.stats.RemoveConnection(peer)
		if s.Metrics != nil {
			s.Metrics.ActiveConnections.WithLabelValues(class.String()).Dec()
			s.Metrics.ErrorsTotal.WithLabelValues("accept_failure").Inc()
		}
		slog.Error("failed to accept WebSocket", "peer", peer, "error", err)
		return
	}
	conn.SetReadLimit(cfg.Gateway.MaxMessageSize)

	clientID := security.ClientID(peer, r.UserAgent())
	cc := &ClientConnection{
		ID:            clientID,
		Class:         class,
		Peer:          peer,
		Since:         time.Now(),
		Authenticated: authenticated,
		UserAgent:     r.UserAgent(),
		conn:          conn,
	}
	if replaced := s.registry.Register(cc); replaced != nil {
		// A reconnect converged on the same id; exactly one read loop may
		// own it, so the predecessor's transport is closed.
		replaced.Close(websocket.StatusPolicyViolation, "superseded by reconnect")
	}

	slog.Info("connection established",
		"client_id", clientID,
		"class", class.String(),
		"peer", peer,
		"authenticated", authenticated,
	)

	base := s.shutdownCtx
	if base == nil {
		base = context.Background()
	}
	connCtx, connCancel := context.WithCancel(base)
	defer connCancel()

	if cfg.Gateway.PingInterval > 0 {
		go s.keepAlive(connCtx, conn, cfg.Gateway.PingInterval, cfg.Gateway.PongTimeout, connCancel)
	}

	s.readLoop(connCtx, cc)

	s.registry.Unregister(cc)
	s.stats.RemoveConnection(peer)
	if s.Metrics != nil {
		s.Metrics.ActiveConnections.WithLabelValues(class.String()).Dec()
	}
	conn.Close(websocket.StatusNormalClosure, "")
	slog.Info("connection closed", "client_id", clientID, "duration", time.Since(cc.Since).String())
}

// readLoop processes inbound frames for one connection until the transport
// closes or the context is cancelled. Nothing a client sends may take the
// loop down: malformed payloads produce error frames and the loop continues.
func (s *Server) readLoop(ctx context.Context, cc *ClientConnection) {
	cfg := s.GetConfig()

	var msgLimiter *rate.Limiter
	if cfg.Security.RateLimit.Enabled && cfg.Security.RateLimit.MessagesPerSecond > 0 {
		n := cfg.Security.RateLimit.MessagesPerSecond
		msgLimiter = rate.NewLimiter(rate.Limit(n), n)
	}

	for {
		_, data, err := cc.conn.Read(ctx)
		if err != nil {
			slog.Debug("read loop stopped", "client_id", cc.ID, "reason", err)
			return
		}

		payload := normalizePayload(data)

		if msgLimiter != nil && !msgLimiter.Allow() {
			s.sendError(ctx, cc, "Rate limit exceeded")
			continue
		}
		if s.limiter != nil && !s.limiter.Admit(cc.Class, cc.ID) {
			s.stats.AddRateDenial()
			if s.Metrics != nil {
				s.Metrics.RateLimitDenials.WithLabelValues(cc.Class.String()).Inc()
			}
			s.sendError(ctx, cc, "Rate limit exceeded")
			continue
		}

		payload = s.codec.Decrypt(payload)

		frame, errMsg := parseFrame(payload)
		if errMsg != "" {
			if s.Metrics != nil {
				s.Metrics.ErrorsTotal.WithLabelValues("invalid_json").Inc()
			}
			s.sendError(ctx, cc, errMsg)
			continue
		}

		// Observer subscription is a gateway-level concern; these frames
		// are not forwarded.
		if t, _ := frame["type"].(string); t == "subscribe" || t == "unsubscribe" {
			s.registry.SetSubscribed(cc.ID, t == "subscribe")
			s.sendJSON(ctx, cc, map[string]string{"type": t + "d"})
			continue
		}

		tagFrame(frame, cc.Class, cc.ID, cc.Peer, cc.Authenticated)
		s.stats.AddFrame()
		if s.Metrics != nil {
			s.Metrics.FramesTotal.WithLabelValues("ingress").Inc()
		}

		if h := s.getHandler(); h != nil {
			h(frame)
		}
	}
}

// parseFrame decodes a wire payload into a frame. The error string is ""
// on success, "Invalid JSON" for malformed or non-object payloads, and
// "Internal error" for anything unexpected during decoding.
func parseFrame(payload []byte) (frame Frame, errMsg string) {
	defer func() {
		if r := recover(); r != nil {
			frame, errMsg = nil, "Internal error"
		}
	}()
	if err := json.Unmarshal(payload, &frame); err != nil || frame == nil {
		return nil, "Invalid JSON"
	}
	return frame, ""
}

// sendError writes the uniform error frame, best-effort.
func (s *Server) sendError(ctx context.Context, cc *ClientConnection, msg string) {
	payload, err := s.codec.Encrypt(errorFrame(msg))
	if err != nil {
		return
	}
	if err := cc.write(ctx, s.GetConfig().Gateway.WriteTimeout, payload); err != nil {
		slog.Debug("error frame write failed", "client_id", cc.ID, "error", err)
	}
}

// sendJSON writes an arbitrary frame, best-effort.
func (s *Server) sendJSON(ctx context.Context, cc *ClientConnection, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	payload, err = s.codec.Encrypt(payload)
	if err != nil {
		return
	}
	if err := cc.write(ctx, s.GetConfig().Gateway.WriteTimeout, payload); err != nil {
		slog.Debug("frame write failed", "client_id", cc.ID, "error", err)
	}
}

// keepAlive sends periodic WebSocket pings to detect dead connections.
// If a ping fails or times out, the connection context is cancelled.
func (s *Server) keepAlive(ctx context.Context, conn *websocket.Conn, interval, pongTimeout time.Duration, onFail context.CancelFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pongTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				slog.Debug("keepalive ping failed, closing connection", "error", err)
				conn.Close(websocket.StatusGoingAway, "keepalive timeout")
				onFail()
				return
			}
		}
	}
}
