package metric

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistry_Handler(t *testing.T) {
	r := NewRegistry()
	r.ProxyRequests.WithLabelValues("read", "ok").Inc()
	r.MasterUnavailable.Inc()
	r.Peers.Set(2)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`topomesh_proxy_requests_total{kind="read",result="ok"} 1`,
		"topomesh_proxy_master_unavailable_total 1",
		"topomesh_cluster_peers 2",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRegistry_Independent(t *testing.T) {
	// Two registries must not collide on registration.
	a := NewRegistry()
	b := NewRegistry()
	a.Peers.Set(1)
	b.Peers.Set(3)
}

func TestCollector(t *testing.T) {
	r := NewRegistry()
	r.Prometheus().MustRegister(NewCollector(func() ClusterStats {
		return ClusterStats{
			Members:       3,
			IsRaftLeader:  true,
			OwnedEntities: map[string]int{"device": 2},
		}
	}))

	families, err := r.Prometheus().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := map[string]float64{}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			if m.GetGauge() != nil {
				found[f.GetName()] = m.GetGauge().GetValue()
			}
		}
	}

	if found["topomesh_cluster_members"] != 3 {
		t.Errorf("members = %v, want 3", found["topomesh_cluster_members"])
	}
	if found["topomesh_cluster_raft_leader"] != 1 {
		t.Errorf("raft_leader = %v, want 1", found["topomesh_cluster_raft_leader"])
	}
	if found["topomesh_cluster_owned_entities"] != 2 {
		t.Errorf("owned_entities = %v, want 2", found["topomesh_cluster_owned_entities"])
	}
}
