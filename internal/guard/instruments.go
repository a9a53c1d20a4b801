package guard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Instruments owns the prometheus registry and every exported series.
// The registry is dedicated so tests can create monitors freely without
// duplicate-registration panics on the global default.
type Instruments struct {
	registry *prometheus.Registry

	ProtectCalls   *prometheus.CounterVec
	ProtectLatency *prometheus.HistogramVec
	BreakerState   *prometheus.GaugeVec
	RateLimited    *prometheus.CounterVec
	Anomalies      *prometheus.CounterVec
	AlertsTotal    *prometheus.CounterVec
	HealsTotal     *prometheus.CounterVec
}

// NewInstruments creates a registry with process and Go runtime
// collectors plus the protection series.
func NewInstruments() *Instruments {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(registry)
	return &Instruments{
		registry: registry,
		ProtectCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skillguard",
			Name:      "protect_calls_total",
			Help:      "Protected calls by key and outcome.",
		}, []string{"key", "outcome"}),
		ProtectLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "skillguard",
			Name:      "protect_latency_seconds",
			Help:      "Latency of protected calls that were admitted.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"key"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "skillguard",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per key (0 closed, 1 open, 2 half-open).",
		}, []string{"key"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skillguard",
			Name:      "rate_limited_total",
			Help:      "Calls denied by the rate limiter.",
		}, []string{"key"}),
		Anomalies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skillguard",
			Name:      "anomalies_total",
			Help:      "Detected metric anomalies.",
		}, []string{"metric"}),
		AlertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skillguard",
			Name:      "alerts_total",
			Help:      "Alerts raised after deduplication.",
		}, []string{"severity"}),
		HealsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skillguard",
			Name:      "heals_total",
			Help:      "Healing attempts by action type and result.",
		}, []string{"action_type", "result"}),
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (i *Instruments) Registry() *prometheus.Registry { return i.registry }
