package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the refresh loop, upstream
// client, and subscriber registry, registered the way PerpLedger's
// internal/observability/metrics.go groups counters/gauges by component.
type Metrics struct {
	RefreshPasses     *prometheus.CounterVec
	RefreshDuration   prometheus.Histogram
	RefreshEventsNew  prometheus.Counter
	RefreshMalformed  prometheus.Counter
	CircuitBreakerOpen prometheus.Gauge
	UpstreamRateLimited prometheus.Counter

	SessionsActive     prometheus.Gauge
	SessionsAdmitted   prometheus.Counter
	SessionsRejected   *prometheus.CounterVec
	BroadcastDelivered prometheus.Counter
	BroadcastDropped   prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		RefreshPasses: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "liquidations_refresh_passes_total",
			Help: "Refresh loop passes by outcome",
		}, []string{"outcome"}),

		RefreshDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "liquidations_refresh_duration_seconds",
			Help:    "Wall time of one refresh pass",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),

		RefreshEventsNew: promauto.NewCounter(prometheus.CounterOpts{
			Name: "liquidations_refresh_new_events_total",
			Help: "New events observed across all refresh passes",
		}),

		RefreshMalformed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "liquidations_refresh_malformed_events_total",
			Help: "Malformed upstream events dropped during normalization",
		}),

		CircuitBreakerOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "liquidations_upstream_circuit_open",
			Help: "1 if the upstream circuit breaker is open",
		}),

		UpstreamRateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "liquidations_upstream_rate_limited_total",
			Help: "Calls denied by the upstream rate limiter",
		}),

		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "liquidations_sse_sessions_active",
			Help: "Currently attached SSE sessions on this process",
		}),

		SessionsAdmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "liquidations_sse_sessions_admitted_total",
			Help: "SSE sessions successfully attached",
		}),

		SessionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "liquidations_sse_sessions_rejected_total",
			Help: "SSE sessions rejected by admission control",
		}, []string{"reason"}),

		BroadcastDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "liquidations_sse_events_delivered_total",
			Help: "Liquidation events delivered to subscriber sessions",
		}),

		BroadcastDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "liquidations_sse_sessions_dropped_total",
			Help: "Sessions dropped during broadcast fan-out because their buffer was full",
		}),
	}
}
