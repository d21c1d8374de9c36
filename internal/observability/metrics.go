package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "precip_etl"

// Metrics holds the Prometheus counters, histograms, and gauges for the extraction pipeline.
type Metrics struct {
	RunsTotal     *prometheus.CounterVec // labels: outcome={success,synthetic,failed}
	StageFailures *prometheus.CounterVec // labels: stage, kind
	RunDuration   prometheus.Histogram
	RunInProgress prometheus.Gauge

	// Raster download metrics.
	FetchDuration   prometheus.Histogram
	DownloadedBytes prometheus.Counter
	RasterCache     *prometheus.CounterVec // labels: result={hit,miss,evict}

	// Result metrics.
	LastPrecipitation prometheus.Gauge
	LastSuccess       prometheus.Gauge

	// Outcome events.
	EventsPublished *prometheus.CounterVec // labels: outcome={success,error}
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by outcome.",
		}, []string{"outcome"}),
		StageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Pipeline failures by stage and error kind.",
		}, []string{"stage", "kind"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a complete resolve-fetch-decode-locate-persist run.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		RunInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_in_progress",
			Help:      "1 while a pipeline run is executing, 0 otherwise.",
		}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Raster download duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		DownloadedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Total raster bytes downloaded from the source.",
		}),
		RasterCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raster_cache_total",
			Help:      "Raster cache lookups and evictions by result.",
		}, []string{"result"}),
		LastPrecipitation: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_precipitation_mm",
			Help:      "Most recently persisted precipitation value in millimetres.",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last run that persisted a raster measurement.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Run outcome events published to Kafka by outcome.",
		}, []string{"outcome"}),
	}

	prometheus.MustRegister(
		m.RunsTotal,
		m.StageFailures,
		m.RunDuration,
		m.RunInProgress,
		m.FetchDuration,
		m.DownloadedBytes,
		m.RasterCache,
		m.LastPrecipitation,
		m.LastSuccess,
		m.EventsPublished,
	)

	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return &Metrics{
		RunsTotal:         prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "runs_total"}, []string{"outcome"}),
		StageFailures:     prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "stage_failures_total"}, []string{"stage", "kind"}),
		RunDuration:       prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "run_duration_seconds"}),
		RunInProgress:     prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "run_in_progress"}),
		FetchDuration:     prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "fetch_duration_seconds"}),
		DownloadedBytes:   prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "downloaded_bytes_total"}),
		RasterCache:       prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "raster_cache_total"}, []string{"result"}),
		LastPrecipitation: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "last_precipitation_mm"}),
		LastSuccess:       prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "last_success_timestamp_seconds"}),
		EventsPublished:   prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total"}, []string{"outcome"}),
	}
}
