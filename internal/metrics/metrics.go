// Package metrics exposes the ambient observability surface described in
// SPEC_FULL.md §4.12: live subscriber count, cumulative drop count, encoder
// restart count, current encoder pid, and init-cache readiness, all served
// unauthenticated on /metrics via prometheus/client_golang.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the gauges/counters this worker exposes.
type Registry struct {
	reg *prometheus.Registry

	SubscriberCount prometheus.Gauge
	DroppedTotal    prometheus.Gauge
	RestartsTotal   prometheus.Counter
	EncoderPid      prometheus.Gauge
	InitCacheReady  prometheus.Gauge
}

// New constructs and registers all metrics under a private registry (not
// the global default, so tests can instantiate more than one Registry).
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		SubscriberCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tinycam",
			Name:      "subscriber_count",
			Help:      "Number of currently subscribed stream sessions.",
		}),
		DroppedTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tinycam",
			Name:      "dropped_frames_total",
			Help:      "Cumulative drop-oldest count across all subscribers.",
		}),
		RestartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tinycam",
			Name:      "encoder_restarts_total",
			Help:      "Number of times the encoder child has been (re)spawned.",
		}),
		EncoderPid: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tinycam",
			Name:      "encoder_pid",
			Help:      "Current encoder child pid, or 0 when not running.",
		}),
		InitCacheReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tinycam",
			Name:      "init_cache_ready",
			Help:      "1 once the init segment snapshot is available, else 0.",
		}),
	}
	reg.MustRegister(r.SubscriberCount, r.DroppedTotal, r.RestartsTotal, r.EncoderPid, r.InitCacheReady)
	return r
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
