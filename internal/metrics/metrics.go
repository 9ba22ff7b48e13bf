package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the detector counters. Fields are updated directly by the
// pipeline and read by Prometheus at scrape time.
type Metrics struct {
	// Frame processing
	FramesProcessed atomic.Uint64
	FramesSkipped   atomic.Uint64 // detection failures
	Stalls          atomic.Uint64
	ActiveTracks    atomic.Int64

	// Violations
	Violations       atomic.Uint64
	PersistFailures  atomic.Uint64
	DeliveryFailures atomic.Uint64

	// Gateway
	Subscribers       atomic.Int64
	BroadcastsDropped atomic.Uint64

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	gauge := func(name, help string, fn func() float64) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
	}

	gauge("parking_frames_processed_total", "Total frames run through detection",
		func() float64 { return float64(m.FramesProcessed.Load()) })
	gauge("parking_frames_skipped_total", "Total frames skipped because detection failed",
		func() float64 { return float64(m.FramesSkipped.Load()) })
	gauge("parking_source_stalls_total", "Total reads that timed out waiting for a frame",
		func() float64 { return float64(m.Stalls.Load()) })
	gauge("parking_active_tracks", "Tracks currently timed inside a zone",
		func() float64 { return float64(m.ActiveTracks.Load()) })

	gauge("parking_violations_total", "Total confirmed violations",
		func() float64 { return float64(m.Violations.Load()) })
	gauge("parking_persist_failures_total", "Total violations whose snapshot or record could not be written",
		func() float64 { return float64(m.PersistFailures.Load()) })
	gauge("parking_delivery_failures_total", "Total failed violation forwards",
		func() float64 { return float64(m.DeliveryFailures.Load()) })

	gauge("parking_gateway_subscribers", "Connected dashboard subscribers",
		func() float64 { return float64(m.Subscribers.Load()) })
	gauge("parking_gateway_broadcasts_dropped_total", "Messages dropped for slow subscribers",
		func() float64 { return float64(m.BroadcastsDropped.Load()) })
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
