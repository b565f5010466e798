package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics captures counters for the mediation decision path.
type Metrics interface {
	IncDecision(category, verdict string)
	IncRateLimited(category string)
	IncPrivileged(category, state string)
	IncAuditDropped()
	IncBusReconnect(bus string)
	ObserveBusCall(bus string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncDecision(string, string)     {}
func (Noop) IncRateLimited(string)          {}
func (Noop) IncPrivileged(string, string)   {}
func (Noop) IncAuditDropped()               {}
func (Noop) IncBusReconnect(string)         {}
func (Noop) ObserveBusCall(string, float64) {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	decisions    *prometheus.CounterVec
	rateLimited  *prometheus.CounterVec
	privileged   *prometheus.CounterVec
	auditDropped prometheus.Counter
	reconnects   *prometheus.CounterVec
	busLatency   *prometheus.HistogramVec
	once         sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Policy decisions by category and verdict",
		}, []string{"category", "verdict"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Operations denied by the rate limiter per category",
		}, []string{"category"}),
		privileged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "privileged_requests_total",
			Help:      "Privileged requests by category and terminal state",
		}, []string{"category", "state"}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_records_dropped_total",
			Help:      "Audit records dropped because the sink was unavailable or the buffer was full",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_reconnects_total",
			Help:      "Bus reconnect attempts per bus scope",
		}, []string{"bus"}),
		busLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_call_duration_seconds",
			Help:      "Mediated bus call latency per bus scope",
			Buckets:   prometheus.DefBuckets,
		}, []string{"bus"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.decisions, p.rateLimited, p.privileged, p.auditDropped, p.reconnects, p.busLatency)
	})
}

func (p *Prom) IncDecision(category, verdict string) {
	p.decisions.WithLabelValues(category, verdict).Inc()
}

func (p *Prom) IncRateLimited(category string) {
	p.rateLimited.WithLabelValues(category).Inc()
}

func (p *Prom) IncPrivileged(category, state string) {
	p.privileged.WithLabelValues(category, state).Inc()
}

func (p *Prom) IncAuditDropped() {
	p.auditDropped.Inc()
}

func (p *Prom) IncBusReconnect(bus string) {
	p.reconnects.WithLabelValues(bus).Inc()
}

func (p *Prom) ObserveBusCall(bus string, durationSeconds float64) {
	p.busLatency.WithLabelValues(bus).Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
