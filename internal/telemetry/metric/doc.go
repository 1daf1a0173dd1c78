// Package metric provides Prometheus metrics for TopoMesh.
//
// This package implements metrics collection and exposition:
//
//   - prometheus.go: the metric registry and HTTP handler
//   - collector.go: a collector sampling cluster state on scrape
//
// Metrics include proxy request outcomes, master-unavailable failures,
// topology fan-out outcomes, peer counts, role transitions and cluster RPC
// latency. They are exposed at /metrics in Prometheus format.
package metric
