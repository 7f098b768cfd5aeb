// Package metrics provides Prometheus metrics for kindle-mtp.
//
// A CLI invocation has no scrape endpoint, so the registry is written in
// text exposition format for the node_exporter textfile collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every kindle-mtp collector.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// Device metrics
	deviceListingsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "kindle_mtp_device_listings_total",
			Help: "Total directory listings issued to the device",
		},
	)

	sessionOpensTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindle_mtp_session_opens_total",
			Help: "Total device session open attempts",
		},
		[]string{"result"},
	)

	// Resolver metrics
	dirCacheLookupsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindle_mtp_dir_cache_lookups_total",
			Help: "Directory cache lookups by result",
		},
		[]string{"result"},
	)

	// Content transfer metrics
	bytesPulled = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "kindle_mtp_bytes_pulled_total",
			Help: "Total bytes fetched from the device",
		},
	)

	bytesPushed = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "kindle_mtp_bytes_pushed_total",
			Help: "Total bytes sent to the device",
		},
	)

	transfersTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindle_mtp_transfers_total",
			Help: "Total file transfers",
		},
		[]string{"direction", "status"},
	)

	deletesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kindle_mtp_deletes_total",
			Help: "Total object deletions",
		},
		[]string{"status"},
	)

	// Command metrics
	commandDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kindle_mtp_command_duration_seconds",
			Help:    "Command duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"command", "outcome"},
	)

	planEntries = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kindle_mtp_plan_entries",
			Help: "Number of entries in the last plan per operation",
		},
		[]string{"op"},
	)
)

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordListing records one list_children call sent to the device.
func RecordListing() {
	deviceListingsTotal.Inc()
}

// RecordSessionOpen records a session open attempt.
func RecordSessionOpen(success bool) {
	sessionOpensTotal.WithLabelValues(status(success)).Inc()
}

// RecordCacheLookup records a directory cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	dirCacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordPull records a file fetched from the device.
func RecordPull(bytes int64, success bool) {
	if bytes > 0 {
		bytesPulled.Add(float64(bytes))
	}
	transfersTotal.WithLabelValues("pull", status(success)).Inc()
}

// RecordPush records a file sent to the device.
func RecordPush(bytes int64, success bool) {
	if bytes > 0 {
		bytesPushed.Add(float64(bytes))
	}
	transfersTotal.WithLabelValues("push", status(success)).Inc()
}

// RecordDelete records an object deletion.
func RecordDelete(success bool) {
	deletesTotal.WithLabelValues(status(success)).Inc()
}

// RecordCommand records a command's duration and outcome (an error kind name
// or "ok").
func RecordCommand(command, outcome string, duration time.Duration) {
	commandDuration.WithLabelValues(command, outcome).Observe(duration.Seconds())
}

// SetPlanEntries records the size of the last plan for op.
func SetPlanEntries(op string, n int) {
	planEntries.WithLabelValues(op).Set(float64(n))
}

// WriteTextfile writes the registry to path in text exposition format.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}
