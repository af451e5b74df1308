package admission_control

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "admission"

// Metrics holds the Prometheus collectors of the admission layer.
// A nil *Metrics records nothing.
type Metrics struct {
	Decisions         *prometheus.CounterVec
	FailOpen          prometheus.Counter
	BreakerRejections *prometheus.CounterVec
	BreakerFallbacks  *prometheus.CounterVec
	BreakerFailures   *prometheus.CounterVec
	BreakerState      *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Admission decisions by tier and result.",
		}, []string{"tier", "result"}),
		FailOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ratelimit",
			Name:      "fail_open_total",
			Help:      "Requests admitted because the counter store was unavailable.",
		}),
		BreakerRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "breaker",
			Name:      "rejections_total",
			Help:      "Calls short-circuited by an open breaker.",
		}, []string{"dependency"}),
		BreakerFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "breaker",
			Name:      "fallbacks_total",
			Help:      "Fallback handler invocations.",
		}, []string{"dependency"}),
		BreakerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "breaker",
			Name:      "failures_total",
			Help:      "Downstream failures counted against a breaker.",
		}, []string{"dependency"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"dependency"}),
	}
	if reg != nil {
		reg.MustRegister(m.Decisions, m.FailOpen, m.BreakerRejections, m.BreakerFallbacks, m.BreakerFailures, m.BreakerState)
	}
	return m
}

func (m *Metrics) observeDecision(tier string, d Decision) {
	if m == nil {
		return
	}
	result := "denied"
	if d.Allowed {
		result = "allowed"
	}
	m.Decisions.WithLabelValues(tier, result).Inc()
	if d.Degraded {
		m.FailOpen.Inc()
	}
}

// ObserveBreakerRejection counts a short-circuited call.
func (m *Metrics) ObserveBreakerRejection(dependency string) {
	if m == nil {
		return
	}
	m.BreakerRejections.WithLabelValues(dependency).Inc()
}

// ObserveBreakerFallback counts a fallback invocation.
func (m *Metrics) ObserveBreakerFallback(dependency string) {
	if m == nil {
		return
	}
	m.BreakerFallbacks.WithLabelValues(dependency).Inc()
}

// ObserveBreakerFailure counts a downstream failure.
func (m *Metrics) ObserveBreakerFailure(dependency string) {
	if m == nil {
		return
	}
	m.BreakerFailures.WithLabelValues(dependency).Inc()
}

// SetBreakerState publishes the current breaker state.
func (m *Metrics) SetBreakerState(dependency string, state float64) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(dependency).Set(state)
}
