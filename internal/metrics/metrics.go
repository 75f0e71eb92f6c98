// Package metrics exposes prometheus collectors for probe readings and flushes.
//
// A nil *Metrics is valid and records nothing, so components can be used
// without a registry (CLI one-shots, tests).
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jgalley/capscout/internal/storage"
)

const namespace = "capscout"

// Metrics holds the collectors.
type Metrics struct {
	capacity      *prometheus.GaugeVec
	delta         *prometheus.GaugeVec
	probeDuration *prometheus.HistogramVec
	probeFailures *prometheus.CounterVec
	flushes       *prometheus.CounterVec
	pending       prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	labels := []string{"id", "location"}
	m := &Metrics{
		capacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "location_capacity_bytes",
			Help:      "Bytes used by the location at the last successful probe.",
		}, labels),
		delta: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "location_delta_bytes",
			Help:      "Change of today's recorded capacity against the previous recorded day.",
		}, labels),
		probeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Time spent measuring a location.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"kind"}),
		probeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_failures_total",
			Help:      "Probes that failed, by location.",
		}, labels),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Store flushes that wrote to the database, by result.",
		}, []string{"result"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_mutations",
			Help:      "Mutations waiting for the next flush.",
		}),
	}

	reg.MustRegister(m.capacity, m.delta, m.probeDuration, m.probeFailures, m.flushes, m.pending)
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func locationLabels(loc storage.Location) prometheus.Labels {
	return prometheus.Labels{"id": strconv.FormatInt(loc.ID, 10), "location": loc.Name}
}

// ObserveReading records a successful probe.
func (m *Metrics) ObserveReading(loc storage.Location, bytes uint64, took time.Duration) {
	if m == nil {
		return
	}
	m.capacity.With(locationLabels(loc)).Set(float64(bytes))
	m.probeDuration.WithLabelValues(string(loc.Kind)).Observe(took.Seconds())
}

// ObserveRecord records the delta of a stored daily stat.
func (m *Metrics) ObserveRecord(loc storage.Location, st storage.DailyStat) {
	if m == nil {
		return
	}
	m.delta.With(locationLabels(loc)).Set(float64(st.DeltaBytes))
}

// ProbeFailed counts a failed probe.
func (m *Metrics) ProbeFailed(loc storage.Location) {
	if m == nil {
		return
	}
	m.probeFailures.With(locationLabels(loc)).Inc()
}

// Flushed counts a flush that reached the database.
func (m *Metrics) Flushed(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.flushes.WithLabelValues(result).Inc()
}

// SetPending updates the pending mutation gauge.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// Forget drops the series of a removed location.
func (m *Metrics) Forget(loc storage.Location) {
	if m == nil {
		return
	}
	labels := locationLabels(loc)
	m.capacity.Delete(labels)
	m.delta.Delete(labels)
	m.probeFailures.Delete(labels)
}
