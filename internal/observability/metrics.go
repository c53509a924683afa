package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the hub's Prometheus surface, exposed over /metrics by
// cmd/nexushubd's HTTP mux.
type Metrics struct {
	// TurnsStarted/TurnsFinished track Chat Processor turn lifecycle.
	// Labels: agentId; finished additionally labels reason (completed|cancelled|error).
	TurnsStarted  *prometheus.CounterVec
	TurnsFinished *prometheus.CounterVec

	// TurnDuration measures wall-clock turn_start-to-turn_end latency.
	TurnDuration *prometheus.HistogramVec

	// ToolCalls counts tool invocations by tool name and outcome.
	ToolCalls *prometheus.CounterVec

	// ToolCallDuration measures per-tool-call latency.
	ToolCallDuration *prometheus.HistogramVec

	// SessionCacheSize is a gauge of the Session Hub's in-memory cache size.
	SessionCacheSize prometheus.Gauge

	// SessionEvictions counts LRU evictions from the session cache.
	SessionEvictions prometheus.Counter

	// QueueDepth is a gauge of pending queued messages across all sessions.
	QueueDepth prometheus.Gauge

	// RateLimitRejections counts check() calls that were denied.
	RateLimitRejections prometheus.Counter

	// SchedulerFires counts cron schedule firings by agentId and outcome.
	SchedulerFires *prometheus.CounterVec

	// DelegationCalls counts agents_message invocations by mode (sync|async)
	// and outcome.
	DelegationCalls *prometheus.CounterVec
}

// NewMetrics registers every collector against the default Prometheus
// registry and returns the bundle.
func NewMetrics() *Metrics {
	return &Metrics{
		TurnsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nexushub_turns_started_total",
			Help: "Turns started, by agent id.",
		}, []string{"agent_id"}),
		TurnsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nexushub_turns_finished_total",
			Help: "Turns finished, by agent id and reason.",
		}, []string{"agent_id", "reason"}),
		TurnDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexushub_turn_duration_seconds",
			Help:    "Turn duration from turn_start to turn_end.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"agent_id"}),
		ToolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nexushub_tool_calls_total",
			Help: "Tool calls by tool name and outcome.",
		}, []string{"tool_name", "outcome"}),
		ToolCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexushub_tool_call_duration_seconds",
			Help:    "Tool call duration.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),
		SessionCacheSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "nexushub_session_cache_size",
			Help: "Current number of sessions held in the in-memory cache.",
		}),
		SessionEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nexushub_session_evictions_total",
			Help: "Session cache LRU evictions.",
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "nexushub_queue_depth",
			Help: "Total queued-but-not-yet-started messages across all sessions.",
		}),
		RateLimitRejections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nexushub_rate_limit_rejections_total",
			Help: "Rate limiter check() calls that were denied.",
		}),
		SchedulerFires: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nexushub_scheduler_fires_total",
			Help: "Cron schedule firings by agent id and outcome.",
		}, []string{"agent_id", "outcome"}),
		DelegationCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nexushub_delegation_calls_total",
			Help: "agents_message invocations by dispatch mode and outcome.",
		}, []string{"mode", "outcome"}),
	}
}

// NewMetricsForTest returns a Metrics bundle registered against a fresh
// registry so parallel tests don't collide on Prometheus's default registry.
func NewMetricsForTest() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		TurnsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turns_started_total",
		}, []string{"agent_id"}),
		TurnsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "turns_finished_total",
		}, []string{"agent_id", "reason"}),
		TurnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "turn_duration_seconds",
		}, []string{"agent_id"}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tool_calls_total",
		}, []string{"tool_name", "outcome"}),
		ToolCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "tool_call_duration_seconds",
		}, []string{"tool_name"}),
		SessionCacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "session_cache_size",
		}),
		SessionEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "session_evictions_total",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "queue_depth",
		}),
		RateLimitRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "rate_limit_rejections_total",
		}),
		SchedulerFires: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_fires_total",
		}, []string{"agent_id", "outcome"}),
		DelegationCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "delegation_calls_total",
		}, []string{"mode", "outcome"}),
	}
}
