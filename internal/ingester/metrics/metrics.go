package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

const prefix = "ingester_"

var m = newMetrics()

// Get returns the process-wide metrics instance.
func Get() *Metrics {
	return m
}

// Metrics tracks the observability signals for the ingester. The in-memory
// event count and the last observed stream length are also kept as plain
// atomics so that hot-path reads (backpressure decisions, the periodic
// reporter) don't go through the prometheus registry.
type Metrics struct {
	eventsInMemory   *atomic.Int64
	lastStreamLength *atomic.Int64

	eventsReceived       *prometheus.CounterVec
	eventsWritten        *prometheus.CounterVec
	parseErrors          *prometheus.CounterVec
	connectionErrors     *prometheus.CounterVec
	streamLength         *prometheus.GaugeVec
	backpressureActive   *prometheus.GaugeVec
	websocketConnections prometheus.Gauge
	eventsInMemoryGauge  prometheus.Gauge
	backfillComplete     prometheus.Gauge
	backfillReposFetched prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		eventsInMemory:   atomic.NewInt64(0),
		lastStreamLength: atomic.NewInt64(0),
		eventsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "events_received_total",
			Help: "Number of events received from upstream sources",
		}, []string{"source"}),
		eventsWritten: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "stream_events_total",
			Help: "Number of events written to downstream streams",
		}, []string{"stream"}),
		parseErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "parse_errors_total",
			Help: "Number of upstream messages that could not be parsed",
		}, []string{"source"}),
		connectionErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "connection_errors_total",
			Help: "Number of upstream connection failures",
		}, []string{"source"}),
		streamLength: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "stream_length",
			Help: "Last observed length of each downstream stream",
		}, []string{"stream"}),
		backpressureActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "backpressure_active",
			Help: "Whether backpressure is currently active per stream (1=yes, 0=no)",
		}, []string{"stream"}),
		websocketConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "websocket_connections",
			Help: "Number of active WebSocket connections",
		}),
		eventsInMemoryGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "events_in_memory",
			Help: "Number of events accepted from upstream but not yet written downstream",
		}),
		backfillComplete: promauto.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "backfill_complete",
			Help: "Whether backfill enumeration has completed (1=done, 0=in progress)",
		}),
		backfillReposFetched: promauto.NewCounter(prometheus.CounterOpts{
			Name: prefix + "backfill_repos_fetched_total",
			Help: "Number of repos fetched from listRepos",
		}),
	}
}

// RecordEventsReceived is called by a source reader once its submission to the
// batcher has been accepted. This is the increment side of the in-memory
// accounting; RecordEventsWritten is the decrement side.
func (m *Metrics) RecordEventsReceived(source string, count int) {
	m.eventsReceived.WithLabelValues(source).Add(float64(count))
	m.eventsInMemoryGauge.Add(float64(count))
	m.eventsInMemory.Add(int64(count))
}

// RecordEventsWritten is called by the writer once a batch write has been
// confirmed downstream.
func (m *Metrics) RecordEventsWritten(stream string, count int) {
	m.eventsWritten.WithLabelValues(stream).Add(float64(count))
	m.eventsInMemoryGauge.Sub(float64(count))
	m.eventsInMemory.Sub(int64(count))
}

// EventsInMemory returns the number of events currently buffered in the process.
func (m *Metrics) EventsInMemory() int64 {
	return m.eventsInMemory.Load()
}

// RecordStreamLength caches the most recent downstream length observation.
func (m *Metrics) RecordStreamLength(stream string, length int64) {
	m.streamLength.WithLabelValues(stream).Set(float64(length))
	m.lastStreamLength.Store(length)
}

// LastStreamLength returns the most recently observed downstream stream length.
func (m *Metrics) LastStreamLength() int64 {
	return m.lastStreamLength.Load()
}

func (m *Metrics) RecordParseError(source string) {
	m.parseErrors.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordConnectionError(source string) {
	m.connectionErrors.WithLabelValues(source).Inc()
}

// RecordBackpressure flips the per-stream backpressure gauge.
func (m *Metrics) RecordBackpressure(stream string, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	m.backpressureActive.WithLabelValues(stream).Set(v)
}

func (m *Metrics) RecordWebsocketConnected() {
	m.websocketConnections.Inc()
}

func (m *Metrics) RecordWebsocketDisconnected() {
	m.websocketConnections.Dec()
}

func (m *Metrics) RecordBackfillComplete(done bool) {
	v := 0.0
	if done {
		v = 1.0
	}
	m.backfillComplete.Set(v)
}

func (m *Metrics) RecordBackfillReposFetched(count int) {
	m.backfillReposFetched.Add(float64(count))
}
