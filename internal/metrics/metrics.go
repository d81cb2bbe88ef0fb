// Package metrics exposes Prometheus collectors for letter delivery.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.io/infrasutra/slowpost/internal/letter"
)

// Metrics holds the collectors updated by the delivery scheduler and the API.
type Metrics struct {
	gatherer prometheus.Gatherer

	sweepsTotal      *prometheus.CounterVec
	deliveredTotal   prometheus.Counter
	failuresTotal    prometheus.Counter
	transitionsTotal *prometheus.CounterVec
	sweepDuration    prometheus.Histogram
	lettersByStatus  *prometheus.GaugeVec
	lastSweep        prometheus.Gauge
}

// New creates the collectors and registers them on reg. A nil reg uses a
// fresh registry, which keeps tests independent of the global one.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		sweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slowpost_delivery_sweeps_total",
			Help: "Delivery sweeps run, by outcome.",
		}, []string{"outcome"}),
		deliveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slowpost_letters_delivered_total",
			Help: "Letters moved from sent to delivered by the scheduler.",
		}),
		failuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slowpost_delivery_failures_total",
			Help: "Per-letter delivery attempts that failed and will be retried next sweep.",
		}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "slowpost_letter_transitions_total",
			Help: "Successful letter status transitions by target status.",
		}, []string{"status"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "slowpost_delivery_sweep_seconds",
			Help:    "Time spent in a delivery sweep.",
			Buckets: prometheus.DefBuckets,
		}),
		lettersByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "slowpost_letters",
			Help: "Stored letters by status, refreshed every sweep.",
		}, []string{"status"}),
		lastSweep: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "slowpost_delivery_last_sweep_timestamp_seconds",
			Help: "Unix time of the last completed delivery sweep.",
		}),
	}

	reg.MustRegister(
		m.sweepsTotal,
		m.deliveredTotal,
		m.failuresTotal,
		m.transitionsTotal,
		m.sweepDuration,
		m.lettersByStatus,
		m.lastSweep,
	)
	return m
}

// ObserveSweep records one finished sweep.
func (m *Metrics) ObserveSweep(started time.Time, elapsed time.Duration, delivered, failed int, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case failed > 0:
		outcome = "partial"
	}
	m.sweepsTotal.WithLabelValues(outcome).Inc()
	m.deliveredTotal.Add(float64(delivered))
	m.failuresTotal.Add(float64(failed))
	m.sweepDuration.Observe(elapsed.Seconds())
	m.lastSweep.Set(float64(started.Add(elapsed).Unix()))
}

// Transition counts a successful status change into status.
func (m *Metrics) Transition(status letter.Status) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(string(status)).Inc()
}

// SetLetterCounts replaces the per-status letter gauge.
func (m *Metrics) SetLetterCounts(counts map[letter.Status]int) {
	if m == nil {
		return
	}
	for status, count := range counts {
		m.lettersByStatus.WithLabelValues(string(status)).Set(float64(count))
	}
}

// Handler serves the registered collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
