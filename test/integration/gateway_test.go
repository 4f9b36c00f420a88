//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cortexuvula/omnibridge/internal/config"
	"github.com/cortexuvula/omnibridge/internal/gateway"
	"github.com/cortexuvula/omnibridge/internal/health"
	"github.com/cortexuvula/omnibridge/internal/platform"
	"github.com/cortexuvula/omnibridge/internal/router"
	"github.com/cortexuvula/omnibridge/internal/security"
	"github.com/cortexuvula/omnibridge/internal/tunnel"
)

// freePort grabs an ephemeral port. The listener is closed before the
// gateway binds, so a parallel process could steal it; acceptable for
// integration runs.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// newStack starts a full gateway with router and registry wired the way
// the daemon wires them. Returns the server and its ws URL.
func newStack(t *testing.T, modCfg func(*config.Config)) (*gateway.Server, *router.Router, string) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = freePort(t)
	cfg.Gateway.PingInterval = 0
	if modCfg != nil {
		modCfg(cfg)
	}

	supervisor := tunnel.NewSupervisor(nil, cfg.Tunnels.SettlePeriod, cfg.Tunnels.ProbeTimeout)
	monitor := tunnel.NewMonitor(supervisor, nil, cfg.Tunnels.ProbeTimeout)
	limiter := security.NewAdmissionLimiter(map[security.ConnectionClass]int{
		security.ClassLocal:    cfg.Security.RateLimit.Local,
		security.ClassVPN:      cfg.Security.RateLimit.VPN,
		security.ClassTunneled: cfg.Security.RateLimit.Cloudflare,
		security.ClassDirect:   cfg.Security.RateLimit.Direct,
	})
	t.Cleanup(limiter.Stop)

	server := gateway.New(cfg, supervisor, monitor, limiter, nil)
	rt := router.New(server, nil, nil)
	registry := platform.NewRegistry(rt.HandleInbound)
	rt.SetPlatforms(registry)
	server.RegisterHandler(rt.Handle)
	t.Cleanup(registry.ShutdownAll)

	if err := server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	t.Cleanup(server.Stop)

	// Wait for the listener to come up.
	wsURL := fmt.Sprintf("ws://%s", cfg.ListenAddress())
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.Dial("tcp", cfg.ListenAddress())
		if err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("gateway never started listening: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return server, rt, wsURL
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return frame
}

func TestGatewaySubscribeAndBroadcast(t *testing.T) {
	server, _, wsURL := newStack(t, nil)

	c := dialWS(t, wsURL)
	ctx := context.Background()

	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"subscribe"}`)); err != nil {
		t.Fatal(err)
	}
	ack := readFrame(t, c)
	if ack["type"] != "subscribed" {
		t.Fatalf("expected subscribe ack, got %v", ack)
	}

	server.Broadcast(map[string]any{"type": "message", "platform": "test"})
	got := readFrame(t, c)
	if got["type"] != "message" || got["platform"] != "test" {
		t.Fatalf("unexpected broadcast frame: %v", got)
	}
}

func TestGatewayInvalidJSONKeepsConnectionAlive(t *testing.T) {
	_, _, wsURL := newStack(t, nil)

	c := dialWS(t, wsURL)
	ctx := context.Background()

	if err := c.Write(ctx, websocket.MessageText, []byte("{broken")); err != nil {
		t.Fatal(err)
	}
	errFrame := readFrame(t, c)
	if errFrame["error"] != "Invalid JSON" {
		t.Fatalf("expected invalid JSON error, got %v", errFrame)
	}

	// Connection must survive; subscribe still works.
	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"subscribe"}`)); err != nil {
		t.Fatal(err)
	}
	if ack := readFrame(t, c); ack["type"] != "subscribed" {
		t.Fatalf("connection not alive after bad frame: %v", ack)
	}
}

func TestGatewayAuthTokenRejectsBadToken(t *testing.T) {
	_, _, wsURL := newStack(t, func(cfg *config.Config) {
		cfg.Security.AuthToken = "hunter2"
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := websocket.Dial(ctx, wsURL+"?token=wrong", nil)
	if err == nil {
		t.Fatal("dial with wrong token should fail")
	}

	// Correct token connects.
	c, _, err := websocket.Dial(ctx, wsURL+"?token=hunter2", nil)
	if err != nil {
		t.Fatalf("dial with correct token: %v", err)
	}
	c.CloseNow()
}

func TestGatewayHealthEndpoint(t *testing.T) {
	server, _, wsURL := newStack(t, nil)

	h := health.NewHandler(server, "integration", true)
	hs := httptest.NewServer(h)
	defer hs.Close()

	c := dialWS(t, wsURL)
	ctx := context.Background()
	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"subscribe"}`)); err != nil {
		t.Fatal(err)
	}
	readFrame(t, c)

	resp, err := http.Get(hs.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var hr health.Response
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		t.Fatal(err)
	}
	if hr.Status != "ok" {
		t.Errorf("expected ok status, got %q", hr.Status)
	}
	if hr.ActiveConnections < 1 {
		t.Errorf("expected at least one active connection, got %d", hr.ActiveConnections)
	}
	if up, ok := hr.Tunnels["local"]; !ok || !up {
		t.Errorf("local class should always report healthy: %v", hr.Tunnels)
	}
}

func TestGatewayGracefulStop(t *testing.T) {
	server, _, wsURL := newStack(t, nil)

	c := dialWS(t, wsURL)
	ctx := context.Background()
	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"subscribe"}`)); err != nil {
		t.Fatal(err)
	}
	readFrame(t, c)

	server.Stop()

	// The client should observe the close promptly.
	readCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		if _, _, err := c.Read(readCtx); err != nil {
			return
		}
	}
}
