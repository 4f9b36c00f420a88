package gateway

import (
	"testing"

	"github.com/cortexuvula/omnibridge/internal/security"
)

func TestStatsConnectionLimits(t *testing.T) {
	s := NewStats()

	if reason := s.TryAddConnection("10.0.0.1", security.ClassLocal, 2, 2); reason != "" {
		t.Fatalf("first connection refused: %q", reason)
	}
	if reason := s.TryAddConnection("10.0.0.2", security.ClassVPN, 2, 2); reason != "" {
		t.Fatalf("second connection refused: %q", reason)
	}
	if reason := s.TryAddConnection("10.0.0.3", security.ClassLocal, 2, 2); reason != "max_connections" {
		t.Errorf("reason = %q, want max_connections", reason)
	}

	s.RemoveConnection("10.0.0.1")
	if reason := s.TryAddConnection("10.0.0.3", security.ClassLocal, 2, 2); reason != "" {
		t.Errorf("connection refused after slot freed: %q", reason)
	}
}

func TestStatsPerClientLimit(t *testing.T) {
	s := NewStats()
	s.TryAddConnection("10.0.0.1", security.ClassLocal, 100, 1)
	if reason := s.TryAddConnection("10.0.0.1", security.ClassLocal, 100, 1); reason != "max_connections_per_client" {
		t.Errorf("reason = %q, want max_connections_per_client", reason)
	}
	if reason := s.TryAddConnection("10.0.0.2", security.ClassLocal, 100, 1); reason != "" {
		t.Errorf("other peer refused: %q", reason)
	}
}

func TestStatsZeroLimitsDisable(t *testing.T) {
	s := NewStats()
	for i := 0; i < 50; i++ {
		if reason := s.TryAddConnection("10.0.0.1", security.ClassLocal, 0, 0); reason != "" {
			t.Fatalf("connection %d refused with limits disabled: %q", i, reason)
		}
	}
}

func TestStatsCounters(t *testing.T) {
	s := NewStats()
	s.TryAddConnection("127.0.0.1", security.ClassLocal, 0, 0)
	s.TryAddConnection("100.64.0.7", security.ClassVPN, 0, 0)
	s.AddFrame()
	s.AddFrame()
	s.AddRateDenial()
	s.RemoveConnection("127.0.0.1")

	if s.ActiveConnections() != 1 {
		t.Errorf("active = %d, want 1", s.ActiveConnections())
	}
	if s.TotalConnections() != 2 {
		t.Errorf("total = %d, want 2", s.TotalConnections())
	}
	if s.TotalFrames() != 2 {
		t.Errorf("frames = %d, want 2", s.TotalFrames())
	}
	if s.RateDenials() != 1 {
		t.Errorf("denials = %d, want 1", s.RateDenials())
	}
	byClass := s.TotalByClass()
	if byClass["vpn"] != 1 || byClass["local"] != 1 {
		t.Errorf("per-class totals = %v", byClass)
	}
}
