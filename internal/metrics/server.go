package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMetricsServer returns the metrics server exposing m.
func NewMetricsServer(address string, m *Metrics) *http.Server {
	registry := initPrometheus(m)
	return newMetricsServer(address, registry)
}

func initPrometheus(customMetrics *Metrics) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	// A dedicated registry keeps metric state isolated between tests.
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())
	customMetrics.Register(registry)
	return registry
}

func newMetricsServer(address string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &http.Server{Addr: address, Handler: mux}
}
