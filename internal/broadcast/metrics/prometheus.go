package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors of a broadcaster. It is a prometheus.Collector
// itself so that the owner of the broadcaster decides which registry to
// expose it on.
type Metrics struct {
	IncompleteWrites prometheus.Gauge
	Dispatchees      *prometheus.GaugeVec
	WritesTotal      *prometheus.CounterVec
	ReadsTotal       *prometheus.CounterVec
	DetachesTotal    *prometheus.CounterVec
	DispatchDelay    *prometheus.HistogramVec
}

// New creates the broadcaster collectors. Buckets configures the dispatch
// latency histogram, prometheus.DefBuckets is used if it is empty.
func New(buckets []float64) *Metrics {
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	return &Metrics{
		IncompleteWrites: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broadcaster_incomplete_writes",
				Help: "Number of writes accepted but not yet applied by every attached replica",
			},
		),
		Dispatchees: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broadcaster_dispatchees",
				Help: "Number of dispatchees by state",
			},
			[]string{"state"},
		),
		WritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcaster_writes_total",
				Help: "Total number of writes by result",
			},
			[]string{"result"},
		),
		ReadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcaster_reads_total",
				Help: "Total number of reads by result",
			},
			[]string{"result"},
		),
		DetachesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcaster_detaches_total",
				Help: "Total number of detached dispatchees by reason",
			},
			[]string{"reason"},
		),
		DispatchDelay: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broadcaster_dispatch_seconds",
				Help:    "Time a write spent from being queued on a dispatchee until it was applied",
				Buckets: buckets,
			},
			[]string{"path"},
		),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(descs chan<- *prometheus.Desc) {
	m.IncompleteWrites.Describe(descs)
	m.Dispatchees.Describe(descs)
	m.WritesTotal.Describe(descs)
	m.ReadsTotal.Describe(descs)
	m.DetachesTotal.Describe(descs)
	m.DispatchDelay.Describe(descs)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(metrics chan<- prometheus.Metric) {
	m.IncompleteWrites.Collect(metrics)
	m.Dispatchees.Collect(metrics)
	m.WritesTotal.Collect(metrics)
	m.ReadsTotal.Collect(metrics)
	m.DetachesTotal.Collect(metrics)
	m.DispatchDelay.Collect(metrics)
}
