// Package metric provides Prometheus metrics for TopoMesh.
package metric

import "github.com/prometheus/client_golang/prometheus"

// ClusterStats is a point-in-time view of the local member.
type ClusterStats struct {
	Members       int
	IsRaftLeader  bool
	OwnedEntities map[string]int // entity type -> count owned locally
}

// Collector samples cluster state on every scrape.
type Collector struct {
	source func() ClusterStats

	members *prometheus.Desc
	leader  *prometheus.Desc
	owned   *prometheus.Desc
}

// NewCollector creates a collector reading from source.
func NewCollector(source func() ClusterStats) *Collector {
	return &Collector{
		source: source,
		members: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cluster", "members"),
			"Alive gossip members, including this one.", nil, nil),
		leader: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cluster", "raft_leader"),
			"1 if this member is the raft leader.", nil, nil),
		owned: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "cluster", "owned_entities"),
			"Entities owned by this member.", []string{"entity_type"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.members
	ch <- c.leader
	ch <- c.owned
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source()

	ch <- prometheus.MustNewConstMetric(c.members, prometheus.GaugeValue, float64(stats.Members))

	leader := 0.0
	if stats.IsRaftLeader {
		leader = 1
	}
	ch <- prometheus.MustNewConstMetric(c.leader, prometheus.GaugeValue, leader)

	for typ, n := range stats.OwnedEntities {
		ch <- prometheus.MustNewConstMetric(c.owned, prometheus.GaugeValue, float64(n), typ)
	}
}
