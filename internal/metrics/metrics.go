// Package metrics provides Prometheus metrics for a conversion run.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a conversion run.
type Metrics struct {
	registry *prometheus.Registry

	// Input metrics
	RecordsRead  *prometheus.CounterVec
	SourceErrors *prometheus.CounterVec

	// Aggregation metrics
	OperationsAggregated prometheus.Counter
	Entities             prometheus.Gauge
	States               prometheus.Gauge

	// Emission metrics
	EventsEmitted      *prometheus.CounterVec
	OrderingViolations prometheus.Counter

	// Output metrics
	OutputBytes   *prometheus.GaugeVec
	StorageErrors *prometheus.CounterVec

	// Timing metrics
	PhaseDuration *prometheus.HistogramVec

	// Throughput
	RecordsPerSecond prometheus.Gauge
}

// Labels is a convenience type for metric labels.
type Labels struct {
	Source  string // "stdio" | "file" | "s3" | "gs" | ...
	Backend string
	Format  string // "statemap" | "parquet"
	Phase   string // "read" | "aggregate" | "emit" | "publish"
}

// New creates the metrics on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "trace_statemap"
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RecordsRead: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_read_total",
				Help:      "Total number of trace records decoded",
			},
			[]string{"source"},
		),
		SourceErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_errors_total",
				Help:      "Total number of input read or decode errors",
			},
			[]string{"source"},
		),
		OperationsAggregated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_aggregated_total",
				Help:      "Total number of operations folded into the trace",
			},
		),
		Entities: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "entities",
				Help:      "Number of distinct entities in the trace",
			},
		),
		States: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "states",
				Help:      "Number of states in the header, waiting included",
			},
		),
		EventsEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_emitted_total",
				Help:      "Total number of state events written",
			},
			[]string{"format"},
		),
		OrderingViolations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ordering_violations_total",
				Help:      "Operations that started before their predecessor on the same entity ended",
			},
		),
		OutputBytes: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "output_bytes",
				Help:      "Size of the stored output in bytes",
			},
			[]string{"backend", "format"},
		),
		StorageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of output write errors",
			},
			[]string{"backend"},
		),
		PhaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Time spent in each conversion phase",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4min
			},
			[]string{"phase"},
		),
		RecordsPerSecond: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "records_per_second",
				Help:      "Record read rate over the whole run",
			},
		),
	}
}

// WriteTextfile writes the metrics in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}

// AddRecordsRead adds to the records read counter.
func (m *Metrics) AddRecordsRead(l Labels, count float64) {
	m.RecordsRead.WithLabelValues(l.Source).Add(count)
}

// IncSourceErrors increments the source errors counter.
func (m *Metrics) IncSourceErrors(l Labels) {
	m.SourceErrors.WithLabelValues(l.Source).Inc()
}

// SetTraceShape records the aggregated trace's size.
func (m *Metrics) SetTraceShape(operations, entities, states int) {
	m.OperationsAggregated.Add(float64(operations))
	m.Entities.Set(float64(entities))
	m.States.Set(float64(states))
}

// AddEventsEmitted adds to the events emitted counter.
func (m *Metrics) AddEventsEmitted(l Labels, count float64) {
	m.EventsEmitted.WithLabelValues(l.Format).Add(count)
}

// AddOrderingViolations adds to the ordering violations counter.
func (m *Metrics) AddOrderingViolations(count float64) {
	m.OrderingViolations.Add(count)
}

// SetOutputBytes sets the stored output size.
func (m *Metrics) SetOutputBytes(l Labels, bytes float64) {
	m.OutputBytes.WithLabelValues(l.Backend, l.Format).Set(bytes)
}

// IncStorageErrors increments the storage errors counter.
func (m *Metrics) IncStorageErrors(l Labels) {
	m.StorageErrors.WithLabelValues(l.Backend).Inc()
}

// ObservePhaseDuration records how long a phase took.
func (m *Metrics) ObservePhaseDuration(l Labels, seconds float64) {
	m.PhaseDuration.WithLabelValues(l.Phase).Observe(seconds)
}

// SetRecordsPerSecond sets the record read rate.
func (m *Metrics) SetRecordsPerSecond(rate float64) {
	m.RecordsPerSecond.Set(rate)
}
