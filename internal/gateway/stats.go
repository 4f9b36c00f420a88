package gateway

import (
	"sync"
	"sync/atomic"

	"github.com/cortexuvula/omnibridge/internal/security"
)

// Stats tracks connection and frame counters for the health endpoint and
// connection limits.
type Stats struct {
	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	totalFrames       atomic.Int64
	rateDenials       atomic.Int64

	mu          sync.Mutex
	perPeer     map[string]int
	perClass    map[security.ConnectionClass]int64
}

// NewStats creates a zeroed Stats.
func NewStats() *Stats {
	return &Stats{
		perPeer:  make(map[string]int),
		perClass: make(map[security.ConnectionClass]int64),
	}
}

// TryAddConnection atomically checks limits and increments counters.
// Returns "" on success, or a reason string if a limit was hit.
func (s *Stats) TryAddConnection(peer string, class security.ConnectionClass, maxGlobal, maxPerPeer int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Read the atomic under the lock so check and increment stay one step.
	// A limit of zero means unlimited.
	if maxGlobal > 0 && int(s.activeConnections.Load()) >= maxGlobal {
		return "max_connections"
	}
	if maxPerPeer > 0 && s.perPeer[peer] >= maxPerPeer {
		return "max_connections_per_client"
	}
	s.activeConnections.Add(1)
	s.totalConnections.Add(1)
	s.perPeer[peer]++
	s.perClass[class]++
	return ""
}

// RemoveConnection decrements the counters for a closed connection.
func (s *Stats) RemoveConnection(peer string) {
	s.activeConnections.Add(-1)
	s.mu.Lock()
	s.perPeer[peer]--
	if s.perPeer[peer] <= 0 {
		delete(s.perPeer, peer)
	}
	s.mu.Unlock()
}

// AddFrame increments the processed-frame counter.
func (s *Stats) AddFrame() { s.totalFrames.Add(1) }

// AddRateDenial increments the admission-denial counter.
func (s *Stats) AddRateDenial() { s.rateDenials.Add(1) }

// ActiveConnections returns the current connection count.
func (s *Stats) ActiveConnections() int { return int(s.activeConnections.Load()) }

// TotalConnections returns connections handled since start.
func (s *Stats) TotalConnections() int64 { return s.totalConnections.Load() }

// TotalFrames returns frames processed since start.
func (s *Stats) TotalFrames() int64 { return s.totalFrames.Load() }

// RateDenials returns admission denials since start.
func (s *Stats) RateDenials() int64 { return s.rateDenials.Load() }

// ConnectionsForPeer returns the live connection count for one peer.
func (s *Stats) ConnectionsForPeer(peer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perPeer[peer]
}

// TotalByClass returns lifetime connection counts keyed by wire name.
func (s *Stats) TotalByClass() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.perClass))
	for class, n := range s.perClass {
		out[class.String()] = n
	}
	return out
}
