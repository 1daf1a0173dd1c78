// Package metric provides Prometheus metrics for TopoMesh.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "topomesh"

// Registry holds all application metrics.
//
// Every component accepts a *Registry in its config and creates a private
// one when none is given, so metrics never need nil checks at call sites.
type Registry struct {
	// Transaction proxy
	ProxyRequests     *prometheus.CounterVec
	MasterUnavailable prometheus.Counter
	OpenTransactions  prometheus.Gauge

	// Topology
	FanoutResults *prometheus.CounterVec

	// Cluster
	Peers           prometheus.Gauge
	RoleTransitions *prometheus.CounterVec
	RPCDuration     *prometheus.HistogramVec

	reg *prometheus.Registry
}

// NewRegistry creates the metrics and registers them on a new Prometheus
// registry together with the Go runtime and process collectors.
func NewRegistry() *Registry {
	r := &Registry{
		ProxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Proxy transaction requests by kind and result.",
		}, []string{"kind", "result"}),
		MasterUnavailable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "master_unavailable_total",
			Help:      "Proxy requests failed because the master did not answer.",
		}),
		OpenTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "master",
			Name:      "open_transactions",
			Help:      "Transactions held open by local master executors.",
		}),
		FanoutResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "topology",
			Name:      "fanout_results_total",
			Help:      "Per-target outcomes of topology lifecycle fan-out.",
		}, []string{"op", "outcome"}),
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cluster",
			Name:      "peers",
			Help:      "Peers currently known to the membership tracker.",
		}),
		RoleTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cluster",
			Name:      "role_transitions_total",
			Help:      "Role changes by entity type and new role.",
		}, []string{"entity_type", "role"}),
		RPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "duration_seconds",
			Help:      "Cluster RPC handling latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"procedure", "code"}),
		reg: prometheus.NewRegistry(),
	}

	r.reg.MustRegister(
		r.ProxyRequests,
		r.MasterUnavailable,
		r.OpenTransactions,
		r.FanoutResults,
		r.Peers,
		r.RoleTransitions,
		r.RPCDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// Prometheus returns the underlying registry for components that register
// their own collectors.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.reg
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
