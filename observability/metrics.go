package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hazyhaar/gridsync/fanout"
)

const namespace = "gridsync"

// Metrics holds every collector of an instance on its own registry. It
// implements the observer hooks of engine, fanout and replay.
type Metrics struct {
	Registry *prometheus.Registry

	Mutations        *prometheus.CounterVec
	MutationDuration *prometheus.HistogramVec
	Deliveries       *prometheus.CounterVec
	RelayMessages    *prometheus.CounterVec
	RelayFailures    prometheus.Counter
	Connections      prometheus.Gauge
	Rejections       *prometheus.CounterVec
	Evictions        prometheus.Counter
	InboundEvents    *prometheus.CounterVec
	ReplayDegraded   prometheus.Counter
	ReplayShared     prometheus.Gauge
	Handshakes       *prometheus.CounterVec
	Occupied         prometheus.Gauge
	LogTruncated     prometheus.Counter
}

// NewMetrics registers all collectors, plus the Go runtime and process
// collectors, on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "engine", Name: "mutations_total",
			Help: "Mutations applied by the engine, by operation and status.",
		}, []string{"op", "status"}),
		MutationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "engine", Name: "mutation_duration_seconds",
			Help:    "Time from dequeue to broadcast of one mutation.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fanout", Name: "deliveries_total",
			Help: "Frames handed to local connections, by outcome.",
		}, []string{"outcome"}),
		RelayMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fanout", Name: "relayed_total",
			Help: "Messages relayed over the bus: out, in, or echo (own message, discarded).",
		}, []string{"direction"}),
		RelayFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fanout", Name: "relay_failures_total",
			Help: "Messages that could not be queued or published to the bus.",
		}),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "connections",
			Help: "Open websocket connections.",
		}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "rejections_total",
			Help: "Connections rejected at admission, by reason.",
		}, []string{"reason"}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "evictions_total",
			Help: "Connections closed by the liveness sweep.",
		}),
		InboundEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "inbound_events_total",
			Help: "Client events by type and result reason (ok when accepted).",
		}, []string{"type", "reason"}),
		ReplayDegraded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "replay", Name: "degraded_total",
			Help: "Transitions of the replay guard to local checks after a shared backend failure.",
		}),
		ReplayShared: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "replay", Name: "using_shared_backend",
			Help: "1 while replay checks use the shared backend.",
		}),
		Handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auth", Name: "handshakes_total",
			Help: "Token handshakes by result reason (ok when a token was issued).",
		}, []string{"reason"}),
		Occupied: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "grid", Name: "occupied_cells",
			Help: "Occupied cells in the cache.",
		}),
		LogTruncated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "grid", Name: "log_truncated_rows_total",
			Help: "Placement log rows removed by truncation.",
		}),
	}
}

// Mutation implements engine.Observer.
func (m *Metrics) Mutation(op string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Mutations.WithLabelValues(op, status).Inc()
	m.MutationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// Outcome implements fanout.Observer.
func (m *Metrics) Outcome(o fanout.Outcome) { m.Deliveries.WithLabelValues(o.String()).Inc() }

// Relayed implements fanout.Observer.
func (m *Metrics) Relayed(direction string) { m.RelayMessages.WithLabelValues(direction).Inc() }

// RelayFailed implements fanout.Observer.
func (m *Metrics) RelayFailed() { m.RelayFailures.Inc() }

// Degraded implements replay.Observer.
func (m *Metrics) Degraded() {
	m.ReplayDegraded.Inc()
	m.ReplayShared.Set(0)
}

// Recovered implements replay.Observer.
func (m *Metrics) Recovered() { m.ReplayShared.Set(1) }

// Connected implements gateway.Observer.
func (m *Metrics) Connected(delta int) { m.Connections.Add(float64(delta)) }

// Rejected implements gateway.Observer.
func (m *Metrics) Rejected(reason string) { m.Rejections.WithLabelValues(reason).Inc() }

// Evicted implements gateway.Observer.
func (m *Metrics) Evicted() { m.Evictions.Inc() }

// Inbound implements gateway.Observer.
func (m *Metrics) Inbound(typ, reason string) { m.InboundEvents.WithLabelValues(typ, reason).Inc() }

// Handshake implements gateway.Observer.
func (m *Metrics) Handshake(reason string) { m.Handshakes.WithLabelValues(reason).Inc() }
