package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/cortexuvula/omnibridge/internal/gateway"
	"github.com/cortexuvula/omnibridge/internal/metrics"
)

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status            string          `json:"status"`
	Uptime            string          `json:"uptime"`
	ActiveConnections int             `json:"active_connections"`
	Tunnels           map[string]bool `json:"tunnels"`
	Version           string          `json:"version,omitempty"`
	Timestamp         string          `json:"timestamp"`
	Details           *Details        `json:"details,omitempty"`
}

// Details contains extended health information.
type Details struct {
	TotalConnections int64            `json:"total_connections"`
	TotalFrames      int64            `json:"total_frames"`
	RateLimitDenials int64            `json:"rate_limit_denials"`
	ConnectionsByClass map[string]int64 `json:"connections_by_class"`
	MemoryMB         float64          `json:"memory_mb"`
}

// Handler serves the health check endpoint.
type Handler struct {
	startTime time.Time
	server    *gateway.Server
	metrics   *metrics.Metrics // optional, nil if metrics disabled
	version   string
	detailed  bool
}

// NewHandler creates a new health check handler.
func NewHandler(s *gateway.Server, version string, detailed bool) *Handler {
	return &Handler{
		startTime: time.Now(),
		server:    s,
		version:   version,
		detailed:  detailed,
	}
}

// SetMetrics sets the optional Prometheus metrics.
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// ServeHTTP handles health check requests.
// The health listener runs on loopback (default 127.0.0.1:8081), separate
// from the gateway listeners, so local monitoring tools (systemd,
// Prometheus, Nagios) can poll without a WebSocket handshake.
// Reports degraded (503) while any desired tunnel is down.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tunnels := h.server.Monitor().HealthState()

	status := "ok"
	httpCode := http.StatusOK
	for class, ok := range tunnels {
		if !ok {
			status = "degraded"
			httpCode = http.StatusServiceUnavailable
			if h.metrics != nil {
				h.metrics.TunnelUp.WithLabelValues(class).Set(0)
			}
		} else if h.metrics != nil {
			h.metrics.TunnelUp.WithLabelValues(class).Set(1)
		}
	}

	stats := h.server.Stats()
	resp := Response{
		Status:            status,
		Uptime:            time.Since(h.startTime).Round(time.Second).String(),
		ActiveConnections: stats.ActiveConnections(),
		Tunnels:           tunnels,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		resp.Details = &Details{
			TotalConnections:   stats.TotalConnections(),
			TotalFrames:        stats.TotalFrames(),
			RateLimitDenials:   stats.RateDenials(),
			ConnectionsByClass: stats.TotalByClass(),
			MemoryMB:           float64(memStats.Alloc) / 1024 / 1024,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(resp)
}
