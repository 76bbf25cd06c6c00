// Package metrics exposes Prometheus collectors for the registry scraper.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Page outcome labels.
const (
	StatusFetched     = "fetched"
	StatusFetchFailed = "fetch_failed"
)

var (
	scraperPagesTotal              *prometheus.CounterVec
	scraperBytesTotal              prometheus.Counter
	scraperFetchDurationSeconds    prometheus.Histogram
	scraperRecordsTotal            *prometheus.CounterVec
	scraperExtractionFailuresTotal *prometheus.CounterVec
	scraperActiveWorkers           prometheus.Gauge
	scraperWriteFailuresTotal      *prometheus.CounterVec
	httpRequestsTotal              *prometheus.CounterVec
	httpRequestDurationSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scraperPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ets_scraper_pages_total",
				Help: "Total number of account pages requested, labeled by outcome.",
			},
			[]string{"status"},
		)

		scraperBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ets_scraper_bytes_total",
				Help: "Total number of page bytes fetched.",
			},
		)

		scraperFetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ets_scraper_fetch_duration_seconds",
				Help:    "Histogram of account page fetch latencies.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		scraperRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ets_scraper_records_total",
				Help: "Total number of records extracted, labeled by table.",
			},
			[]string{"kind"},
		)

		scraperExtractionFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ets_scraper_extraction_failures_total",
				Help: "Total number of record extractions that failed, labeled by table.",
			},
			[]string{"kind"},
		)

		scraperActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ets_scraper_active_workers",
				Help: "Number of workers currently walking their ID range.",
			},
		)

		scraperWriteFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ets_scraper_write_failures_total",
				Help: "Total number of table writes that failed, labeled by table.",
			},
			[]string{"kind"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one page request.
func ObserveFetch(status string, bytesFetched int, duration time.Duration) {
	scraperPagesTotal.WithLabelValues(status).Inc()
	scraperFetchDurationSeconds.Observe(duration.Seconds())
	if bytesFetched > 0 {
		scraperBytesTotal.Add(float64(bytesFetched))
	}
}

// ObserveRecords increments the extracted record counter for kind.
func ObserveRecords(kind string, n int) {
	if n <= 0 {
		return
	}
	scraperRecordsTotal.WithLabelValues(kind).Add(float64(n))
}

// ObserveExtractionFailure increments the extraction failure counter for kind.
func ObserveExtractionFailure(kind string) {
	scraperExtractionFailuresTotal.WithLabelValues(kind).Inc()
}

// ObserveWriteFailure increments the write failure counter for kind.
func ObserveWriteFailure(kind string) {
	scraperWriteFailuresTotal.WithLabelValues(kind).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	scraperActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	scraperActiveWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
