// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the lifecycle counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	starts        prometheus.Counter
	startFailures prometheus.Counter
	restarts      prometheus.Counter
	stops         *prometheus.CounterVec
	missed        prometheus.Counter
	live          prometheus.Gauge
}

// New creates and registers the metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		starts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestreamer_stream_starts_total",
			Help: "Encoder processes confirmed started (first starts only)",
		}),
		startFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestreamer_stream_start_failures_total",
			Help: "Start attempts rejected before or during spawn",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestreamer_stream_restarts_total",
			Help: "Encoder restarts after a crash before the intended end",
		}),
		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livestreamer_stream_stops_total",
			Help: "Terminal stops by reason",
		}, []string{"reason"}),
		missed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livestreamer_schedules_missed_total",
			Help: "Scheduled occurrences skipped because their trigger window had passed",
		}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livestreamer_streams_live",
			Help: "Streams with a supervised encoder process",
		}),
	}
	m.registry.MustRegister(m.starts, m.startFailures, m.restarts, m.stops, m.missed, m.live)
	return m
}

func (m *Metrics) IncStarts() {
	if m != nil {
		m.starts.Inc()
	}
}

func (m *Metrics) IncStartFailures() {
	if m != nil {
		m.startFailures.Inc()
	}
}

func (m *Metrics) IncRestarts() {
	if m != nil {
		m.restarts.Inc()
	}
}

func (m *Metrics) IncStops(reason string) {
	if m != nil {
		m.stops.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncMissed() {
	if m != nil {
		m.missed.Inc()
	}
}

func (m *Metrics) SetLive(n int) {
	if m != nil {
		m.live.Set(float64(n))
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
