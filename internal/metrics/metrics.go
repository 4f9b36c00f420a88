package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for omnibridge.
type Metrics struct {
	ConnectionsTotal  *prometheus.CounterVec // by connection class
	ActiveConnections *prometheus.GaugeVec   // by connection class
	FramesTotal       *prometheus.CounterVec // by direction (ingress/egress)
	RateLimitDenials  *prometheus.CounterVec // by connection class
	ErrorsTotal       *prometheus.CounterVec // by type
	TunnelUp          *prometheus.GaugeVec   // by connection class
	TunnelRestarts    *prometheus.CounterVec // by connection class
	AgentRunsTotal    *prometheus.CounterVec // by outcome (ok/blocked/error)
	LessonsPersisted  prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "omnibridge_connections_total",
			Help: "Total client connections accepted",
		}, []string{"class"}),
		ActiveConnections: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "omnibridge_active_connections",
			Help: "Current active client connections",
		}, []string{"class"}),
		FramesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "omnibridge_frames_total",
			Help: "Total frames processed",
		}, []string{"direction"}),
		RateLimitDenials: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "omnibridge_rate_limit_denials_total",
			Help: "Frames denied by the admission limiter",
		}, []string{"class"}),
		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "omnibridge_errors_total",
			Help: "Total errors",
		}, []string{"type"}),
		TunnelUp: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "omnibridge_tunnel_up",
			Help: "Tunnel liveness per class (1=up, 0=down)",
		}, []string{"class"}),
		TunnelRestarts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "omnibridge_tunnel_restarts_total",
			Help: "Tunnel restart attempts per class",
		}, []string{"class"}),
		AgentRunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "omnibridge_agent_runs_total",
			Help: "Sub-agent runs by outcome",
		}, []string{"outcome"}),
		LessonsPersisted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "omnibridge_lessons_persisted_total",
			Help: "Lessons written to the lesson store",
		}),
	}
}
