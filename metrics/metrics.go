// Package metrics holds the Prometheus collectors for the bridge. Every
// Metrics value owns a private registry so several endpoints (and tests) can
// coexist in one process. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hostbridge"

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Frame transport
	FramesTotal *prometheus.CounterVec
	BytesTotal  *prometheus.CounterVec
	Connections *prometheus.CounterVec
	Connected   prometheus.Gauge

	// Dispatch
	DecodeFailures   prometheus.Counter
	Dispatched       *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	// Correlation
	Pending        prometheus.Gauge
	WaitDuration   *prometheus.HistogramVec
	AbandonedCalls prometheus.Counter

	// Queues
	QueueDepth     *prometheus.GaugeVec
	QueueOverflows *prometheus.CounterVec

	// Handle relay
	Duplications *prometheus.CounterVec
}

// New creates a metrics collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FramesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Frames moved over the bridge connection",
			},
			[]string{"direction"},
		),
		BytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Payload bytes moved over the bridge connection",
			},
			[]string{"direction"},
		),
		Connections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Connection lifecycle events",
			},
			[]string{"event"},
		),
		Connected: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connected",
				Help:      "1 while a peer is connected",
			},
		),

		DecodeFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_failures_total",
				Help:      "Inbound payloads that were not valid envelopes",
			},
		),
		Dispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatched_total",
				Help:      "Inbound calls by route and outcome",
			},
			[]string{"route", "outcome"},
		),
		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Handler run time in seconds",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"route"},
		),

		Pending: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_calls",
				Help:      "Outgoing calls waiting for a reply",
			},
		),
		WaitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "wait_duration_seconds",
				Help:      "Time from call registration to reply or failure",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
			},
			[]string{"result"},
		),
		AbandonedCalls: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "abandoned_calls_total",
				Help:      "Pending calls failed because the connection was lost",
			},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Messages waiting in a queue",
			},
			[]string{"queue"},
		),
		QueueOverflows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_overflows_total",
				Help:      "Messages rejected or evicted by a bounded queue",
			},
			[]string{"queue"},
		),

		Duplications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handle_duplications_total",
				Help:      "Handle relay attempts by result",
			},
			[]string{"result"},
		),
	}
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFrame counts one frame in direction "in" or "out".
func (m *Metrics) RecordFrame(direction string, size int) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(direction).Inc()
	m.BytesTotal.WithLabelValues(direction).Add(float64(size))
}

// RecordConnection counts "accepted", "dialed", "replaced" or "closed" and tracks the connected gauge.
func (m *Metrics) RecordConnection(event string) {
	if m == nil {
		return
	}
	m.Connections.WithLabelValues(event).Inc()
	switch event {
	case "accepted", "dialed":
		m.Connected.Set(1)
	case "closed":
		m.Connected.Set(0)
	}
}

func (m *Metrics) RecordDecodeFailure() {
	if m == nil {
		return
	}
	m.DecodeFailures.Inc()
}

// RecordDispatch records one handler invocation; outcome is e.g. "ok", "error", "no_reply", "unknown".
func (m *Metrics) RecordDispatch(route, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Dispatched.WithLabelValues(route, outcome).Inc()
	if duration > 0 {
		m.DispatchDuration.WithLabelValues(route).Observe(duration.Seconds())
	}
}

func (m *Metrics) SetQueueDepth(queue string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue).Set(float64(n))
}

func (m *Metrics) RecordQueueOverflow(queue string) {
	if m == nil {
		return
	}
	m.QueueOverflows.WithLabelValues(queue).Inc()
}

func (m *Metrics) RecordDuplication(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.Duplications.WithLabelValues("ok").Inc()
	} else {
		m.Duplications.WithLabelValues("failed").Inc()
	}
}

// PendingChanged, WaitFinished and Abandoned make *Metrics a pending.Observer.

func (m *Metrics) PendingChanged(n int) {
	if m == nil {
		return
	}
	m.Pending.Set(float64(n))
}

func (m *Metrics) WaitFinished(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "reply"
	if err != nil {
		result = "error"
	}
	m.WaitDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) Abandoned(n int) {
	if m == nil {
		return
	}
	m.AbandonedCalls.Add(float64(n))
}
