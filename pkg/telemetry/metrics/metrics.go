// Package metrics exposes Pulsar's Prometheus instrumentation: counters
// and gauges tracking mailbox sessions, command dispatch, and actor
// lifecycle state, plus a scrape endpoint. It is grounded on the
// teacher's pkg/observability/prometheus/exporter.go, specifically its
// fasthttp-free Handler/HandlerFor functions — the fasthttp-adapted
// RegisterMetricsEndpoint/FastHTTPHandler pair has no home here since
// Pulsar carries no HTTP application-serving layer, but a bare
// net/http scrape endpoint is ambient observability plumbing, not that
// excluded layer, so it is kept.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the metrics a Pulsar process reports, each bound to
// its own prometheus.Registry so multiple Arbiters (e.g. in tests) can
// run without colliding on the global default.
type Registry struct {
	reg *prometheus.Registry

	sessionsActive    prometheus.Gauge
	requestsProcessed *prometheus.CounterVec
	commandDispatched *prometheus.CounterVec
	commandErrors     *prometheus.CounterVec

	actorStateMu sync.Mutex
	actorState   *prometheus.GaugeVec
}

// New creates a Registry with every Pulsar collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulsar",
			Subsystem: "mailbox",
			Name:      "sessions_active",
			Help:      "Number of currently open mailbox connections.",
		}),
		requestsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulsar",
			Subsystem: "mailbox",
			Name:      "requests_processed_total",
			Help:      "Total mailbox requests processed, by frame direction.",
		}, []string{"direction"}),
		commandDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulsar",
			Subsystem: "command",
			Name:      "dispatched_total",
			Help:      "Total commands dispatched through the registry, by command name.",
		}, []string{"command"}),
		commandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulsar",
			Subsystem: "command",
			Name:      "errors_total",
			Help:      "Total command dispatch errors, by command name.",
		}, []string{"command"}),
		actorState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pulsar",
			Subsystem: "actor",
			Name:      "state",
			Help:      "1 for an actor's current lifecycle state, 0 otherwise, by aid and state.",
		}, []string{"aid", "state"}),
	}
	reg.MustRegister(
		m.sessionsActive,
		m.requestsProcessed,
		m.commandDispatched,
		m.commandErrors,
		m.actorState,
	)
	return m
}

// SessionOpened increments the active-session gauge.
func (m *Registry) SessionOpened() { m.sessionsActive.Inc() }

// SessionClosed decrements the active-session gauge.
func (m *Registry) SessionClosed() { m.sessionsActive.Dec() }

// RequestProcessed records one processed frame in the given direction
// ("inbound" or "outbound").
func (m *Registry) RequestProcessed(direction string) {
	m.requestsProcessed.WithLabelValues(direction).Inc()
}

// CommandDispatched records one dispatch of the named command, and an
// error if the dispatch failed.
func (m *Registry) CommandDispatched(name string, err error) {
	m.commandDispatched.WithLabelValues(name).Inc()
	if err != nil {
		m.commandErrors.WithLabelValues(name).Inc()
	}
}

// SetActorState records aid's current lifecycle state, clearing its
// previous state so the gauge only ever shows one active state per aid.
func (m *Registry) SetActorState(aid string, state string, previous string) {
	m.actorStateMu.Lock()
	defer m.actorStateMu.Unlock()
	if previous != "" && previous != state {
		m.actorState.WithLabelValues(aid, previous).Set(0)
	}
	m.actorState.WithLabelValues(aid, state).Set(1)
}

// RemoveActor clears every state sample for aid, for when an actor
// terminates and its connection closes.
func (m *Registry) RemoveActor(aid string, state string) {
	m.actorStateMu.Lock()
	defer m.actorStateMu.Unlock()
	m.actorState.DeleteLabelValues(aid, state)
}

// Handler returns the scrape endpoint for this registry.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registerer exposes the underlying prometheus.Registerer, for callers
// that need to register additional collectors (e.g. a driver's own
// connection-pool stats) onto the same registry.
func (m *Registry) Registerer() prometheus.Registerer { return m.reg }
