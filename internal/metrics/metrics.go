// Package metrics exposes Prometheus instrumentation for the sync engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listsyncd_runs_total",
		Help: "Total number of sync runs by result",
	}, []string{"result"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "listsyncd_run_duration_seconds",
		Help: "Duration of sync runs in seconds",
		// Runs can take minutes on slow mirrors, so the default buckets
		// top out far too early.
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	filesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "listsyncd_files_total",
		Help: "Total number of files processed by outcome",
	}, []string{"outcome"})

	bytesDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "listsyncd_bytes_downloaded_total",
		Help: "Total number of payload bytes downloaded",
	})

	listingEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "listsyncd_listing_entries",
		Help: "Number of entries matched in the most recent listing",
	})

	lastRunTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "listsyncd_last_run_timestamp_seconds",
		Help: "Unix timestamp of the most recent completed sync run",
	})
)

// Handler returns an HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRun records the result and duration of a completed sync run.
func RecordRun(result string, duration time.Duration) {
	runsTotal.WithLabelValues(result).Inc()
	runDuration.Observe(duration.Seconds())
	lastRunTimestamp.SetToCurrentTime()
}

// RecordFile counts one processed file by outcome (new, updated, unchanged, failed).
func RecordFile(outcome string) {
	filesTotal.WithLabelValues(outcome).Inc()
}

// AddBytesDownloaded adds to the running download byte counter.
func AddBytesDownloaded(n int64) {
	if n > 0 {
		bytesDownloaded.Add(float64(n))
	}
}

// SetListingEntries records how many listing entries matched the configured patterns.
func SetListingEntries(n int) {
	listingEntries.Set(float64(n))
}
