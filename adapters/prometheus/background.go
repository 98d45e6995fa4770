package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/bgactor-go/core/background"
	"github.com/codewandler/bgactor-go/core/metrics"
)

// backgroundMetrics implements background.Metrics using Prometheus.
type backgroundMetrics struct {
	workerState      *prometheus.GaugeVec
	liveActors       prometheus.Gauge
	pendingCallbacks prometheus.Gauge
	actorsOpened     *prometheus.CounterVec
	actorsClosed     prometheus.Counter
	allocFailures    *prometheus.CounterVec
	forcedCloses     prometheus.Counter
	forcedActors     prometheus.Counter
	shutdownDrain    prometheus.Histogram
}

// NewBackgroundMetrics creates a new Prometheus implementation of
// background.Metrics.
func NewBackgroundMetrics(reg prometheus.Registerer) background.Metrics {
	m := &backgroundMetrics{
		workerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bgactor_worker_state",
			Help: "Worker loop state, 1 for the current state and 0 otherwise",
		}, []string{"state"}),

		liveActors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bgactor_live_actors",
			Help: "Number of live background actors",
		}),

		pendingCallbacks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bgactor_pending_callbacks",
			Help: "Creation requests queued behind the worker loop bootstrap",
		}),

		actorsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bgactor_actors_opened_total",
			Help: "Total number of actors that completed their open handshake",
		}, []string{"other_process"}),

		actorsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bgactor_actors_closed_total",
			Help: "Total number of actors torn down",
		}),

		allocFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bgactor_allocation_failures_total",
			Help: "Total number of failed allocation attempts",
		}, []string{"path", "reason"}),

		forcedCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bgactor_forced_close_passes_total",
			Help: "Total number of forced-close passes during shutdown",
		}),

		forcedActors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bgactor_forced_close_actors_total",
			Help: "Total number of actors closed by a forced-close pass",
		}),

		shutdownDrain: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bgactor_shutdown_drain_seconds",
			Help:    "Time spent draining live actors during shutdown",
			Buckets: defaultBuckets,
		}),
	}

	reg.MustRegister(
		m.workerState,
		m.liveActors,
		m.pendingCallbacks,
		m.actorsOpened,
		m.actorsClosed,
		m.allocFailures,
		m.forcedCloses,
		m.forcedActors,
		m.shutdownDrain,
	)

	return m
}

var workerStates = []string{"absent", "starting", "running", "draining", "stopped"}

func (m *backgroundMetrics) WorkerState(state string) {
	for _, s := range workerStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.workerState.WithLabelValues(s).Set(v)
	}
}

func (m *backgroundMetrics) LiveActors(count int) {
	m.liveActors.Set(float64(count))
}

func (m *backgroundMetrics) PendingCallbacks(count int) {
	m.pendingCallbacks.Set(float64(count))
}

func (m *backgroundMetrics) ActorOpened(otherProcess bool) {
	m.actorsOpened.WithLabelValues(boolToStr(otherProcess)).Inc()
}

func (m *backgroundMetrics) ActorClosed() {
	m.actorsClosed.Inc()
}

func (m *backgroundMetrics) AllocationFailed(path, reason string) {
	m.allocFailures.WithLabelValues(path, reason).Inc()
}

func (m *backgroundMetrics) ForcedClose(count int) {
	m.forcedCloses.Inc()
	m.forcedActors.Add(float64(count))
}

func (m *backgroundMetrics) ShutdownDrain() metrics.Timer {
	return newTimer(m.shutdownDrain)
}

var _ background.Metrics = (*backgroundMetrics)(nil)
