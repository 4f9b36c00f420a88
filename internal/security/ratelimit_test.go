package security

import (
	"fmt"
	"testing"
	"time"
)

func TestAdmitAtCap(t *testing.T) {
	l := NewAdmissionLimiter(nil)
	defer l.Stop()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return base })

	for i := 0; i < 1000; i++ {
		if !l.Admit(ClassLocal, "c1") {
			t.Fatalf("call %d should be admitted (cap 1000)", i+1)
		}
	}
	if l.Admit(ClassLocal, "c1") {
		t.Error("1001st call within the window should be denied")
	}

	// After the window elapses, admission resumes.
	l.SetClock(func() time.Time { return base.Add(Window + time.Second) })
	if !l.Admit(ClassLocal, "c1") {
		t.Error("call after the window should be admitted again")
	}
}

func TestAdmitPrunesOldStamps(t *testing.T) {
	l := NewAdmissionLimiter(map[ConnectionClass]int{ClassTunneled: 2})
	defer l.Stop()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.SetClock(func() time.Time { return now })

	l.Admit(ClassTunneled, "c1")
	l.Admit(ClassTunneled, "c1")
	if l.Admit(ClassTunneled, "c1") {
		t.Error("third call should be denied at cap 2")
	}

	// Slide halfway: still both stamps in window.
	now = now.Add(30 * time.Second)
	if l.Admit(ClassTunneled, "c1") {
		t.Error("call at +30s should still be denied")
	}

	// Slide past the first two stamps.
	now = now.Add(31 * time.Second)
	if !l.Admit(ClassTunneled, "c1") {
		t.Error("call at +61s should be admitted after pruning")
	}
	if got := l.Count(ClassTunneled, "c1"); got != 1 {
		t.Errorf("expected 1 in-window stamp after pruning, got %d", got)
	}
}

func TestAdmitClassIsolation(t *testing.T) {
	l := NewAdmissionLimiter(map[ConnectionClass]int{
		ClassTunneled: 1,
		ClassVPN:      1,
	})
	defer l.Stop()

	l.Admit(ClassTunneled, "c1")
	if l.Admit(ClassTunneled, "c1") {
		t.Error("tunneled bucket exhausted, should deny")
	}
	if !l.Admit(ClassVPN, "c1") {
		t.Error("vpn bucket for the same client should be untouched")
	}
}

func TestAdmitClientIsolation(t *testing.T) {
	l := NewAdmissionLimiter(map[ConnectionClass]int{ClassDirect: 1})
	defer l.Stop()

	l.Admit(ClassDirect, "a")
	if l.Admit(ClassDirect, "a") {
		t.Error("client a should be at cap")
	}
	if !l.Admit(ClassDirect, "b") {
		t.Error("client b should have its own bucket")
	}
}

func TestAdmitBrokenClockFallsBack(t *testing.T) {
	l := NewAdmissionLimiter(nil)
	defer l.Stop()

	// A clock returning the zero time must not break admission.
	l.SetClock(func() time.Time { return time.Time{} })
	if !l.Admit(ClassLocal, "c1") {
		t.Error("admission should fall back to a real clock")
	}
}

func TestAdmitMaxClients(t *testing.T) {
	l := NewAdmissionLimiter(nil)
	defer l.Stop()
	l.mu.Lock()
	l.maxClients = 3
	l.mu.Unlock()

	for i := 0; i < 3; i++ {
		if !l.Admit(ClassLocal, fmt.Sprintf("c%d", i)) {
			t.Errorf("client c%d should be tracked (table not full)", i)
		}
	}
	if l.Admit(ClassLocal, "c99") {
		t.Error("should reject new client when table is at capacity")
	}
	if !l.Admit(ClassLocal, "c0") {
		t.Error("existing client should still be admitted")
	}
}

func TestUpdateCaps(t *testing.T) {
	l := NewAdmissionLimiter(map[ConnectionClass]int{ClassLocal: 1})
	defer l.Stop()

	l.Admit(ClassLocal, "c1")
	if l.Admit(ClassLocal, "c1") {
		t.Error("should be at cap 1")
	}

	l.UpdateCaps(map[ConnectionClass]int{ClassLocal: 5})
	if !l.Admit(ClassLocal, "c1") {
		t.Error("should be admitted after cap update")
	}
}

func TestLimiterStop(t *testing.T) {
	l := NewAdmissionLimiter(nil)
	l.Stop() // Should not panic or deadlock
}
