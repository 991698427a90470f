// Package telemetry holds the proxy's runtime counters, exposed through a
// Prometheus registry so the management server's /metrics endpoint can
// serve them directly via promhttp.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Telemetry holds every counter/histogram the proxy records. The zero value
// is not usable; construct with New.
type Telemetry struct {
	Registry *prometheus.Registry

	ConnectionsTotal prometheus.Counter
	RequestsTotal    *prometheus.CounterVec // labeled by scheme: http|https
	ErrorsTotal      *prometheus.CounterVec // labeled by stage: dial|tls|upstream

	UpstreamLatency prometheus.Histogram
}

// New creates a Telemetry instance with its own registry (so embedding
// applications can mount it under any path, or merge it into a larger
// registry, without colliding with the default global one).
func New() *Telemetry {
	reg := prometheus.NewRegistry()

	t := &Telemetry{
		Registry: reg,
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mitmproxy",
			Name:      "connections_total",
			Help:      "Total client connections accepted.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mitmproxy",
			Name:      "requests_total",
			Help:      "Total requests forwarded, labeled by scheme.",
		}, []string{"scheme"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mitmproxy",
			Name:      "errors_total",
			Help:      "Total forwarding errors, labeled by stage.",
		}, []string{"stage"}),
		UpstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mitmproxy",
			Name:      "upstream_round_trip_seconds",
			Help:      "Time from opening the upstream connection to completing the response relay.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(t.ConnectionsTotal, t.RequestsTotal, t.ErrorsTotal, t.UpstreamLatency)
	return t
}

// RecordConnection increments the accepted-connection counter.
func (t *Telemetry) RecordConnection() {
	t.ConnectionsTotal.Inc()
}

// RecordRequest increments the forwarded-request counter for scheme.
func (t *Telemetry) RecordRequest(scheme string) {
	t.RequestsTotal.WithLabelValues(scheme).Inc()
}

// RecordError increments the error counter for the named stage.
func (t *Telemetry) RecordError(stage string) {
	t.ErrorsTotal.WithLabelValues(stage).Inc()
}

// RecordUpstreamLatency records one forward() round-trip duration.
func (t *Telemetry) RecordUpstreamLatency(d time.Duration) {
	t.UpstreamLatency.Observe(d.Seconds())
}
