package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fl"

type ClientMetrics struct {
	operations *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	loss       *prometheus.GaugeVec
	accuracy   prometheus.Gauge
	examples   *prometheus.GaugeVec
}

func NewClientMetrics(reg prometheus.Registerer) *ClientMetrics {
	m := &ClientMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client", Name: "operations_total",
			Help: "Operations requested by the aggregator.",
		}, []string{"operation"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "client", Name: "failures_total",
			Help: "Operations that returned an error.",
		}, []string{"operation"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "client", Name: "operation_duration_seconds",
			Help:    "Time spent serving an operation.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"operation"}),
		loss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "client", Name: "last_loss",
			Help: "Loss reported by the latest fit or evaluate.",
		}, []string{"operation"}),
		accuracy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "client", Name: "last_accuracy",
			Help: "Accuracy reported by the latest evaluate.",
		}),
		examples: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "client", Name: "examples",
			Help: "Number of local examples per subset.",
		}, []string{"subset"}),
	}

	reg.MustRegister(m.operations, m.failures, m.duration, m.loss, m.accuracy, m.examples)
	return m
}

// Observe records one finished operation. Safe to call on a nil receiver.
func (m *ClientMetrics) Observe(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation).Inc()
	m.duration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	if err != nil {
		m.failures.WithLabelValues(operation).Inc()
	}
}

func (m *ClientMetrics) SetLoss(operation string, loss float64) {
	if m == nil {
		return
	}
	m.loss.WithLabelValues(operation).Set(loss)
}

func (m *ClientMetrics) SetAccuracy(accuracy float64) {
	if m == nil {
		return
	}
	m.accuracy.Set(accuracy)
}

func (m *ClientMetrics) SetExamples(train, test int) {
	if m == nil {
		return
	}
	m.examples.WithLabelValues("train").Set(float64(train))
	m.examples.WithLabelValues("test").Set(float64(test))
}

type ServerMetrics struct {
	rounds           prometheus.Counter
	roundDuration    prometheus.Histogram
	connectedClients prometheus.Gauge
	resultFailures   *prometheus.CounterVec
	loss             prometheus.Gauge
	accuracy         prometheus.Gauge
}

func NewServerMetrics(reg prometheus.Registerer) *ServerMetrics {
	m := &ServerMetrics{
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "rounds_total",
			Help: "Global rounds completed.",
		}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "server", Name: "round_duration_seconds",
			Help:    "Duration of a global round including fit and evaluate.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "server", Name: "connected_clients",
			Help: "Clients with an open session.",
		}),
		resultFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "server", Name: "result_failures_total",
			Help: "Client results dropped from aggregation.",
		}, []string{"operation"}),
		loss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "server", Name: "aggregated_loss",
			Help: "Weighted evaluation loss of the latest round.",
		}),
		accuracy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "server", Name: "aggregated_accuracy",
			Help: "Weighted evaluation accuracy of the latest round.",
		}),
	}

	reg.MustRegister(m.rounds, m.roundDuration, m.connectedClients, m.resultFailures, m.loss, m.accuracy)
	return m
}

func (m *ServerMetrics) RoundFinished(started time.Time, loss float64, accuracy float64) {
	if m == nil {
		return
	}
	m.rounds.Inc()
	m.roundDuration.Observe(time.Since(started).Seconds())
	m.loss.Set(loss)
	m.accuracy.Set(accuracy)
}

func (m *ServerMetrics) SetConnectedClients(n int) {
	if m == nil {
		return
	}
	m.connectedClients.Set(float64(n))
}

func (m *ServerMetrics) ResultFailures(operation string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.resultFailures.WithLabelValues(operation).Add(float64(n))
}
