// Package metrics exposes the service's operational Prometheus
// metrics: API handling, upstream telemetry fetches, and the session
// store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Upstream service label values.
const (
	ServiceLogs    = "logs"
	ServiceMetrics = "metrics"
)

// Metrics holds all Prometheus collectors for cdnstat.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	UpstreamFetchesTotal  *prometheus.CounterVec
	UpstreamFetchDuration *prometheus.HistogramVec

	GeoLookupsTotal prometheus.Counter
	GeoLookupMisses prometheus.Counter

	DBSessionsTotal prometheus.GaugeFunc
}

// New creates all collectors. sessionCountFunc reports the number of
// stored auth sessions.
func New(sessionCountFunc func() int64) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cdnstat",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "cdnstat",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		UpstreamFetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "cdnstat",
				Subsystem: "upstream",
				Name:      "fetches_total",
				Help:      "Total number of telemetry provider fetches",
			},
			[]string{"service", "outcome"},
		),
		UpstreamFetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "cdnstat",
				Subsystem: "upstream",
				Name:      "fetch_duration_seconds",
				Help:      "Telemetry provider fetch duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"service"},
		),
		GeoLookupsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cdnstat",
				Subsystem: "geo",
				Name:      "lookups_total",
				Help:      "Total number of geo resolver lookups",
			},
		),
		GeoLookupMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "cdnstat",
				Subsystem: "geo",
				Name:      "lookup_misses_total",
				Help:      "Geo lookups that resolved to no location",
			},
		),
		DBSessionsTotal: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "cdnstat",
				Subsystem: "db",
				Name:      "sessions_total",
				Help:      "Number of stored authentication sessions",
			},
			func() float64 {
				return float64(sessionCountFunc())
			},
		),
	}
}

// Register registers all collectors with the default Prometheus
// registry.
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.UpstreamFetchesTotal,
		m.UpstreamFetchDuration,
		m.GeoLookupsTotal,
		m.GeoLookupMisses,
		m.DBSessionsTotal,
	}
	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordHTTPRequest records one handled API request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// RecordUpstreamFetch records one telemetry provider fetch.
func (m *Metrics) RecordUpstreamFetch(service string, err error, duration float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.UpstreamFetchesTotal.WithLabelValues(service, outcome).Inc()
	m.UpstreamFetchDuration.WithLabelValues(service).Observe(duration)
}

// RecordGeoLookup records one resolver call; missed is true when the
// lookup returned no location.
func (m *Metrics) RecordGeoLookup(missed bool) {
	m.GeoLookupsTotal.Inc()
	if missed {
		m.GeoLookupMisses.Inc()
	}
}
