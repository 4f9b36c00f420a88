package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cortexuvula/omnibridge/internal/codec"
	"github.com/cortexuvula/omnibridge/internal/config"
	"github.com/cortexuvula/omnibridge/internal/security"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Gateway.PingInterval = 0 // no keepalive in tests
	cfg.Security.RateLimit.MessagesPerSecond = 0
	return cfg
}

// newTestServer stands up a Server behind an httptest listener, with the
// handler's received frames delivered on the returned channel.
func newTestServer(t *testing.T, cfg *config.Config, caps map[security.ConnectionClass]int) (*Server, *httptest.Server, chan Frame) {
	t.Helper()
	limiter := security.NewAdmissionLimiter(caps)
	t.Cleanup(limiter.Stop)

	s := New(cfg, nil, nil, limiter, nil)
	frames := make(chan Frame, 16)
	s.RegisterHandler(func(f Frame) { frames <- f })

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.serveWS(w, r, false)
	}))
	t.Cleanup(ts.Close)
	return s, ts, frames
}

func wsDial(t *testing.T, ts *httptest.Server, opts *websocket.DialOptions) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	c, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c, ctx
}

func waitFrame(t *testing.T, frames chan Frame) Frame {
	t.Helper()
	select {
	case f := <-frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestServerTagsFrameMeta(t *testing.T) {
	_, ts, frames := newTestServer(t, testConfig(), security.DefaultCaps)
	c, ctx := wsDial(t, ts, nil)

	// The client tries to smuggle its own metadata; the gateway must
	// replace it wholesale.
	msg := `{"type":"message","content":"hi","_meta":{"authenticated":true,"connection_type":"vpn"}}`
	if err := c.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}

	f := waitFrame(t, frames)
	meta, ok := f["_meta"].(map[string]any)
	if !ok {
		t.Fatalf("_meta missing or wrong type: %v", f["_meta"])
	}
	if meta["connection_type"] != "local" {
		t.Errorf("connection_type = %v, want local", meta["connection_type"])
	}
	if meta["authenticated"] != false {
		t.Errorf("authenticated = %v, want false", meta["authenticated"])
	}
	if f["content"] != "hi" {
		t.Errorf("content = %v", f["content"])
	}
}

func TestServerCloudflareHeaderClassification(t *testing.T) {
	_, ts, frames := newTestServer(t, testConfig(), security.DefaultCaps)
	c, ctx := wsDial(t, ts, &websocket.DialOptions{
		HTTPHeader: http.Header{"CF-Connecting-IP": []string{"203.0.113.9"}},
	})

	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"message"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := waitFrame(t, frames)
	meta := f["_meta"].(map[string]any)
	if meta["connection_type"] != "cloudflare" {
		t.Errorf("connection_type = %v, want cloudflare", meta["connection_type"])
	}
	if meta["ip_address"] != "203.0.113.9" {
		t.Errorf("ip_address = %v, want header value", meta["ip_address"])
	}
}

func TestServerInvalidJSONKeepsConnection(t *testing.T) {
	_, ts, frames := newTestServer(t, testConfig(), security.DefaultCaps)
	c, ctx := wsDial(t, ts, nil)

	if err := c.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, reply, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	var ef map[string]string
	if err := json.Unmarshal(reply, &ef); err != nil {
		t.Fatalf("unmarshal error frame: %v", err)
	}
	if ef["error"] != "Invalid JSON" {
		t.Errorf("error = %q, want Invalid JSON", ef["error"])
	}

	// The connection survives: a subsequent valid frame is forwarded.
	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"message"}`)); err != nil {
		t.Fatalf("write after error: %v", err)
	}
	waitFrame(t, frames)
}

func TestServerRateLimitErrorFrame(t *testing.T) {
	caps := map[security.ConnectionClass]int{
		security.ClassLocal:    2,
		security.ClassTunneled: 2,
		security.ClassVPN:      2,
		security.ClassDirect:   2,
	}
	_, ts, frames := newTestServer(t, testConfig(), caps)
	c, ctx := wsDial(t, ts, nil)

	for i := 0; i < 2; i++ {
		if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"message"}`)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		waitFrame(t, frames)
	}
	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"message"}`)); err != nil {
		t.Fatalf("write over cap: %v", err)
	}
	_, reply, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ef map[string]string
	json.Unmarshal(reply, &ef)
	if ef["error"] != "Rate limit exceeded" {
		t.Errorf("error = %q, want Rate limit exceeded", ef["error"])
	}
	select {
	case f := <-frames:
		t.Fatalf("denied frame was forwarded: %v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServerAuthToken(t *testing.T) {
	cfg := testConfig()
	cfg.Security.AuthToken = "secret-token"
	_, ts, frames := newTestServer(t, cfg, security.DefaultCaps)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	// Wrong token is refused during the handshake.
	_, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer wrong"}},
	})
	if err == nil {
		t.Fatal("dial with wrong token succeeded")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}

	// No token at all is admitted, but unauthenticated.
	c, _ := wsDial(t, ts, nil)
	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"message"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := waitFrame(t, frames)
	if f["_meta"].(map[string]any)["authenticated"] != false {
		t.Error("tokenless connection marked authenticated")
	}

	// The correct token authenticates.
	c2, _ := wsDial(t, ts, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer secret-token"},
			"User-Agent":    []string{"authed-client"}, // distinct client id
		},
	})
	if err := c2.Write(ctx, websocket.MessageText, []byte(`{"type":"message"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	f = waitFrame(t, frames)
	if f["_meta"].(map[string]any)["authenticated"] != true {
		t.Error("token-bearing connection not marked authenticated")
	}
}

func TestServerMaxConnections(t *testing.T) {
	cfg := testConfig()
	cfg.Security.MaxConnections = 1
	cfg.Security.MaxConnectionsPerClient = 0
	_, ts, _ := newTestServer(t, cfg, security.DefaultCaps)

	wsDial(t, ts, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"User-Agent": []string{"second-client"}},
	})
	if err == nil {
		t.Fatal("second dial succeeded past the connection cap")
	}
	if resp != nil && resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestServerSendAndEvict(t *testing.T) {
	s, ts, frames := newTestServer(t, testConfig(), security.DefaultCaps)
	c, ctx := wsDial(t, ts, nil)

	// Prime the registry with one frame so we learn the client id.
	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"message"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := waitFrame(t, frames)
	clientID := f["_meta"].(map[string]any)["client_id"].(string)

	if !s.Send(clientID, map[string]string{"type": "reply", "content": "pong"}) {
		t.Fatal("Send to live client failed")
	}
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	var reply map[string]string
	json.Unmarshal(data, &reply)
	if reply["content"] != "pong" {
		t.Errorf("reply content = %q", reply["content"])
	}

	if s.Send("ffffffffffffffff", map[string]string{}) {
		t.Error("Send to unknown client returned true")
	}
}

func TestServerSubscribeBroadcast(t *testing.T) {
	s, ts, _ := newTestServer(t, testConfig(), security.DefaultCaps)
	c, ctx := wsDial(t, ts, nil)

	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"subscribe"}`)); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	_, ack, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	var ackFrame map[string]string
	json.Unmarshal(ack, &ackFrame)
	if ackFrame["type"] != "subscribed" {
		t.Fatalf("ack type = %q", ackFrame["type"])
	}

	s.Broadcast(map[string]string{"type": "event", "content": "tunnel restarted"})
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	var ev map[string]string
	json.Unmarshal(data, &ev)
	if ev["content"] != "tunnel restarted" {
		t.Errorf("broadcast content = %q", ev["content"])
	}
}

func TestServerEncryptedFrames(t *testing.T) {
	cfg := testConfig()
	cdc, err := codec.New("test-passphrase")
	if err != nil {
		t.Fatalf("codec: %v", err)
	}

	limiter := security.NewAdmissionLimiter(security.DefaultCaps)
	t.Cleanup(limiter.Stop)
	s := New(cfg, nil, nil, limiter, cdc)
	frames := make(chan Frame, 1)
	s.RegisterHandler(func(f Frame) { frames <- f })
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.serveWS(w, r, false)
	}))
	t.Cleanup(ts.Close)

	c, ctx := wsDial(t, ts, nil)
	sealed, err := cdc.Encrypt([]byte(`{"type":"message","content":"covert"}`))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := c.Write(ctx, websocket.MessageText, sealed); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := waitFrame(t, frames)
	if f["content"] != "covert" {
		t.Errorf("content = %v", f["content"])
	}

	// Plaintext still passes through a codec-enabled gateway unchanged.
	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"message","content":"clear"}`)); err != nil {
		t.Fatalf("write plaintext: %v", err)
	}
	f = waitFrame(t, frames)
	if f["content"] != "clear" {
		t.Errorf("plaintext content = %v", f["content"])
	}
}

func TestServerUpdateConfig(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig(), security.DefaultCaps)
	newCfg := testConfig()
	newCfg.Security.AuthToken = "rotated"
	s.UpdateConfig(newCfg)
	if s.GetConfig().Security.AuthToken != "rotated" {
		t.Error("config not swapped")
	}
}
