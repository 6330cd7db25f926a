package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type (
	AccessMode     string
	RequestOutcome string
	ErrorKind      string
)

const (
	AccessModeEntry AccessMode = "entry"
	AccessModeWhole AccessMode = "whole"

	RequestOutcomeSuccess   RequestOutcome = "success"
	RequestOutcomeFailure   RequestOutcome = "failure"
	RequestOutcomeCancelled RequestOutcome = "cancelled"

	ErrorKindFetch  ErrorKind = "fetch"
	ErrorKindDecode ErrorKind = "decode"
	ErrorKindStore  ErrorKind = "store"
)

const IngestCoordMetricsPrefix = "ingestcoord_"

// Metrics records the behaviour of the gates, locks and pipelines of an ingester.
type Metrics struct {
	requestsInFlight *prometheus.GaugeVec
	requests         *prometheus.CounterVec
	gateWaitSeconds  *prometheus.HistogramVec
	bytesReserved    prometheus.Gauge
	lockWaitSeconds  *prometheus.HistogramVec
	recordsStored    *prometheus.CounterVec
	errors           *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with registerer. Pass prometheus.DefaultRegisterer to expose
// them through ServeMetrics, or a fresh registry in tests.
func NewMetrics(prefix string, registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		requestsInFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "requests_in_flight",
			Help: "Number of outbound requests currently holding a slot, grouped by host",
		}, []string{"host"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "requests_total",
			Help: "Number of outbound requests grouped by host and outcome",
		}, []string{"host", "outcome"}),
		gateWaitSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "gate_wait_seconds",
			Help:    "Time spent waiting for admission, grouped by gate",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"gate"}),
		bytesReserved: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "bytes_reserved",
			Help: "Number of bytes currently reserved on the in-flight byte gate",
		}),
		lockWaitSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "partition_lock_wait_seconds",
			Help:    "Time spent waiting for partition access, grouped by access mode",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"mode"}),
		recordsStored: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "records_stored_total",
			Help: "Number of records written to the sink, grouped by partition and access mode",
		}, []string{"partition", "mode"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "errors_total",
			Help: "Number of ingestion errors grouped by kind",
		}, []string{"kind"}),
	}
}

func (m *Metrics) RequestStarted(host string) {
	m.requestsInFlight.WithLabelValues(host).Inc()
}

func (m *Metrics) RequestFinished(host string) {
	m.requestsInFlight.WithLabelValues(host).Dec()
}

func (m *Metrics) RecordRequest(host string, outcome RequestOutcome) {
	m.requests.WithLabelValues(host, string(outcome)).Inc()
}

func (m *Metrics) RecordGateWait(gate string, d time.Duration) {
	m.gateWaitSeconds.WithLabelValues(gate).Observe(d.Seconds())
}

func (m *Metrics) SetBytesReserved(bytes int64) {
	m.bytesReserved.Set(float64(bytes))
}

func (m *Metrics) RecordLockWait(mode AccessMode, d time.Duration) {
	m.lockWaitSeconds.WithLabelValues(string(mode)).Observe(d.Seconds())
}

func (m *Metrics) RecordRecordsStored(partition string, mode AccessMode, n int) {
	m.recordsStored.WithLabelValues(partition, string(mode)).Add(float64(n))
}

func (m *Metrics) RecordError(kind ErrorKind) {
	m.errors.WithLabelValues(string(kind)).Inc()
}
