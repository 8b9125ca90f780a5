package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the orchestrator's Prometheus collectors on a private
// registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	statusEvents       *prometheus.CounterVec
	dispatchDuration   *prometheus.HistogramVec
	invalidTransitions *prometheus.CounterVec
	versionConflicts   *prometheus.CounterVec
	interrupts         *prometheus.CounterVec
	graphWrites        *prometheus.CounterVec
	approvalDecisions  *prometheus.CounterVec
	redrives           *prometheus.CounterVec
	activePlans        prometheus.Gauge

	registry *prometheus.Registry
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		statusEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_status_events_total",
				Help: "Node status events dispatched by target status and result",
			},
			[]string{"status", "result"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_dispatch_duration_seconds",
				Help:    "Time spent dispatching one node status event",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		invalidTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_invalid_transitions_total",
				Help: "Status events dropped as out of order",
			},
			[]string{"from", "to"},
		),
		versionConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_version_conflicts_total",
				Help: "Optimistic version conflicts retried by entity",
			},
			[]string{"entity"},
		),
		interrupts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_interrupts_total",
				Help: "Interrupts processed by type and final state",
			},
			[]string{"type", "state"},
		),
		graphWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_graph_writes_total",
				Help: "Execution graph cache writes by result",
			},
			[]string{"result"},
		),
		approvalDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_approval_decisions_total",
				Help: "Approval instances finalized by type and status",
			},
			[]string{"type", "status"},
		),
		redrives: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_redrives_total",
				Help: "Recovery sweep re-drives by reason",
			},
			[]string{"reason"},
		),
		activePlans: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_active_plans",
				Help: "Plan executions started and not yet terminal in this process",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.statusEvents,
		m.dispatchDuration,
		m.invalidTransitions,
		m.versionConflicts,
		m.interrupts,
		m.graphWrites,
		m.approvalDecisions,
		m.redrives,
		m.activePlans,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveDispatch(status, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.statusEvents.WithLabelValues(status, result).Inc()
	m.dispatchDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (m *Metrics) InvalidTransition(from, to string) {
	if m == nil {
		return
	}
	m.invalidTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) VersionConflict(entity string) {
	if m == nil {
		return
	}
	m.versionConflicts.WithLabelValues(entity).Inc()
}

func (m *Metrics) InterruptProcessed(kind, state string) {
	if m == nil {
		return
	}
	m.interrupts.WithLabelValues(kind, state).Inc()
}

func (m *Metrics) GraphWrite(result string) {
	if m == nil {
		return
	}
	m.graphWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) ApprovalDecision(kind, status string) {
	if m == nil {
		return
	}
	m.approvalDecisions.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) Redrive(reason string) {
	if m == nil {
		return
	}
	m.redrives.WithLabelValues(reason).Inc()
}

func (m *Metrics) PlanStarted() {
	if m == nil {
		return
	}
	m.activePlans.Inc()
}

func (m *Metrics) PlanFinished() {
	if m == nil {
		return
	}
	m.activePlans.Dec()
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the private registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
