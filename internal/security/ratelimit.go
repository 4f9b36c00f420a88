package security

import (
	"context"
	"sync"
	"time"
)

// Window is the admission window all class caps apply to.
const Window = 60 * time.Second

// DefaultCaps is the static per-class admission budget within Window.
var DefaultCaps = map[ConnectionClass]int{
	ClassLocal:    1000,
	ClassVPN:      500,
	ClassTunneled: 100,
	ClassDirect:   100,
}

type clientBucket struct {
	stamps   []time.Time
	lastSeen time.Time
}

// AdmissionLimiter implements sliding-window admission per (class, client).
// Each class keys its own bucket table, so exhausting one class never
// starves another. Stale buckets are evicted by a background goroutine to
// prevent unbounded map growth.
type AdmissionLimiter struct {
	mu         sync.Mutex
	buckets    map[ConnectionClass]map[string]*clientBucket
	caps       map[ConnectionClass]int
	window     time.Duration
	now        func() time.Time
	ttl        time.Duration
	maxClients int // cap on tracked clients per class
	cancel     context.CancelFunc
}

// NewAdmissionLimiter creates a limiter with the given per-class caps.
// A nil caps map selects DefaultCaps.
func NewAdmissionLimiter(caps map[ConnectionClass]int) *AdmissionLimiter {
	if caps == nil {
		caps = DefaultCaps
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &AdmissionLimiter{
		buckets:    make(map[ConnectionClass]map[string]*clientBucket),
		caps:       caps,
		window:     Window,
		now:        time.Now,
		ttl:        10 * time.Minute,
		maxClients: 10000,
		cancel:     cancel,
	}
	go l.cleanup(ctx)
	return l
}

// SetClock installs an alternative time source. Test hook.
func (l *AdmissionLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Admit decides whether one more frame from (class, clientID) fits the
// class budget. Timestamps older than the window are pruned before the
// decision; on admit the current time is appended.
func (l *AdmissionLimiter) Admit(class ConnectionClass, clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.IsZero() {
		// A broken injected clock must not take admission down with it.
		now = time.Now()
	}

	table := l.buckets[class]
	if table == nil {
		table = make(map[string]*clientBucket)
		l.buckets[class] = table
	}

	b := table[clientID]
	if b == nil {
		if len(table) >= l.maxClients {
			return false // reject to prevent unbounded map growth
		}
		b = &clientBucket{}
		table[clientID] = b
	}
	b.lastSeen = now

	cutoff := now.Add(-l.window)
	kept := b.stamps[:0]
	for _, ts := range b.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.stamps = kept

	max, ok := l.caps[class]
	if !ok {
		max = DefaultCaps[ClassDirect]
	}
	if len(b.stamps) >= max {
		return false
	}
	b.stamps = append(b.stamps, now)
	return true
}

// Count returns the number of in-window admissions for (class, clientID).
func (l *AdmissionLimiter) Count(class ConnectionClass, clientID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	table := l.buckets[class]
	if table == nil || table[clientID] == nil {
		return 0
	}
	cutoff := l.now().Add(-l.window)
	n := 0
	for _, ts := range table[clientID].stamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// UpdateCaps swaps the per-class budgets. Existing buckets are cleared so
// clients pick up the new caps immediately.
func (l *AdmissionLimiter) UpdateCaps(caps map[ConnectionClass]int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.caps = caps
	l.buckets = make(map[ConnectionClass]map[string]*clientBucket)
}

// Stop shuts down the cleanup goroutine.
func (l *AdmissionLimiter) Stop() {
	l.cancel()
}

func (l *AdmissionLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			for class, table := range l.buckets {
				for id, b := range table {
					if time.Since(b.lastSeen) > l.ttl {
						delete(table, id)
					}
				}
				if len(table) == 0 {
					delete(l.buckets, class)
				}
			}
			l.mu.Unlock()
		}
	}
}
