// Package metrics exposes the fan-out server's operational counters over
// Prometheus's client_golang: viewer count, bytes written, update
// latency, and dirty-rect overflow rate, the things an operator running
// this server continuously would want visibility into.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups every metric this server publishes. A single Registry
// is shared by every session and the fan-out server; all of the
// underlying prometheus collectors are themselves safe for concurrent
// use, so no extra locking is needed here.
type Registry struct {
	ViewersConnected prometheus.Gauge
	BytesSent        prometheus.Counter
	UpdatesSent       prometheus.Counter
	DirtyOverflows    prometheus.Counter
	UpdateLatency     prometheus.Histogram
}

// New registers and returns the server's metric set against the default
// Prometheus registry.
func New() *Registry {
	return &Registry{
		ViewersConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "rfbcast",
			Name:      "viewers_connected",
			Help:      "Number of viewer sessions currently in the Running protocol state.",
		}),
		BytesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "rfbcast",
			Name:      "bytes_sent_total",
			Help:      "Total bytes of framebuffer-update pixel rectangles written to viewers across all sessions; cursor rectangles and handshake bytes are not counted.",
		}),
		UpdatesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "rfbcast",
			Name:      "framebuffer_updates_sent_total",
			Help:      "Total framebuffer-update messages written to viewers.",
		}),
		DirtyOverflows: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "rfbcast",
			Name:      "dirty_overflows_total",
			Help:      "Times a session's dirty-rectangle list reached MaxRects and collapsed to a full update.",
		}),
		UpdateLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rfbcast",
			Name:      "update_send_seconds",
			Help:      "Wall-clock time spent encoding and writing one framebuffer-update message.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Serve starts the HTTP endpoint exposing /metrics on addr. It runs until
// the listener fails or the process exits; callers typically invoke it in
// its own goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
