// Package metrics provides the Prometheus plumbing shared by coordkit
// binaries. Components own their collectors and register them through their
// WithMetrics options; this package supplies the registry they register into
// and the HTTP handler that exposes it. Nothing here is a global: each
// binary builds its own registry and threads it through explicitly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler exposes the registry in the Prometheus text format, for mounting
// at /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
