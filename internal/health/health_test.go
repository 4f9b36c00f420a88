package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cortexuvula/omnibridge/internal/config"
	"github.com/cortexuvula/omnibridge/internal/gateway"
	"github.com/cortexuvula/omnibridge/internal/security"
	"github.com/cortexuvula/omnibridge/internal/tunnel"
)

func testServer(t *testing.T, specs []tunnel.Spec) *gateway.Server {
	t.Helper()
	sup := tunnel.NewSupervisor(specs, 0, time.Second)
	mon := tunnel.NewMonitor(sup, nil, time.Second)
	limiter := security.NewAdmissionLimiter(nil)
	t.Cleanup(limiter.Stop)
	return gateway.New(config.DefaultConfig(), sup, mon, limiter, nil)
}

func TestHealthHandlerHealthy(t *testing.T) {
	h := NewHandler(testServer(t, nil), "test-version", true)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if !resp.Tunnels["local"] {
		t.Error("local should always report healthy")
	}
	if resp.Version != "test-version" {
		t.Errorf("version = %q", resp.Version)
	}
	if resp.Details == nil {
		t.Fatal("details should not be nil in detailed mode")
	}
}

func TestHealthHandlerDegradedTunnelDown(t *testing.T) {
	// A desired tunnel that was never started reports down.
	specs := []tunnel.Spec{{
		Class:      security.ClassTunneled,
		Executable: "false",
		Desired:    true,
	}}
	h := NewHandler(testServer(t, specs), "test-version", false)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("status = %q, want degraded", resp.Status)
	}
	if resp.Tunnels["cloudflare"] {
		t.Error("cloudflare tunnel should report down")
	}
	if resp.Details != nil {
		t.Error("details should be nil without detailed mode")
	}
}

func TestHealthHandlerCountsConnections(t *testing.T) {
	s := testServer(t, nil)
	s.Stats().TryAddConnection("100.64.0.1", security.ClassVPN, 0, 0)
	s.Stats().TryAddConnection("100.64.0.2", security.ClassVPN, 0, 0)

	h := NewHandler(s, "test-version", true)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ActiveConnections != 2 {
		t.Errorf("active_connections = %d, want 2", resp.ActiveConnections)
	}
	if resp.Details.ConnectionsByClass["vpn"] != 2 {
		t.Errorf("per-class totals = %v", resp.Details.ConnectionsByClass)
	}
}
