package command

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/core/txproxy"
	"github.com/yndnr/topomesh-go/internal/server/adminserver"
	"github.com/yndnr/topomesh-go/internal/server/clusterserver"
	"github.com/yndnr/topomesh-go/internal/server/httpserver"
	"github.com/yndnr/topomesh-go/internal/storage"
	"github.com/yndnr/topomesh-go/pkg/future"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memNodes is an in-memory node store whose records tests can drive.
type memNodes struct {
	mu      sync.Mutex
	nodes   map[string]domain.NodeConfig
	records map[string]domain.DeviceNodeRecord

	// onPut runs after each PutNode.
	onPut func(domain.NodeConfig)
}

func newMemNodes() *memNodes {
	return &memNodes{
		nodes:   make(map[string]domain.NodeConfig),
		records: make(map[string]domain.DeviceNodeRecord),
	}
}

func (m *memNodes) PutNode(_ context.Context, cfg domain.NodeConfig) error {
	m.mu.Lock()
	m.nodes[cfg.ID] = cfg
	onPut := m.onPut
	m.mu.Unlock()
	if onPut != nil {
		onPut(cfg)
	}
	return nil
}

func (m *memNodes) DeleteNode(_ context.Context, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[nodeID]; !ok {
		return domain.ErrNodeNotFound.WithDetails(nodeID)
	}
	delete(m.nodes, nodeID)
	delete(m.records, nodeID)
	return nil
}

func (m *memNodes) Node(nodeID string) (domain.NodeConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.nodes[nodeID]
	return cfg, ok
}

func (m *memNodes) Nodes() []domain.NodeConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.NodeConfig, 0, len(m.nodes))
	for _, cfg := range m.nodes {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memNodes) Record(nodeID string) (domain.DeviceNodeRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[nodeID]
	return rec, ok
}

func (m *memNodes) setRecord(rec domain.DeviceNodeRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
}

type staticStatus clusterserver.Status

func (s staticStatus) Status() clusterserver.Status { return clusterserver.Status(s) }

type mountMap map[string]*txproxy.Factory

func (m mountMap) Mount(nodeID string) (*txproxy.Factory, error) {
	f, ok := m[nodeID]
	if !ok {
		return nil, domain.ErrNodeNotFound.WithDetails(nodeID)
	}
	return f, nil
}

// member is an admin endpoint backed by fakes and one real device "r1".
type member struct {
	url     string
	nodes   *memNodes
	profile string
	ready   error
}

func newMember(t *testing.T) *member {
	t.Helper()

	cfg := storage.DefaultConfig(t.TempDir())
	cfg.Badger.GCInterval = time.Hour
	ds, err := storage.Open(cfg, discardLogger())
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { ds.Close() })

	engine, err := ds.Engine("r1")
	if err != nil {
		t.Fatalf("Engine() error = %v", err)
	}
	executor := txproxy.NewExecutor(txproxy.ExecutorConfig{NodeID: "r1", Engine: engine, Logger: discardLogger()})
	t.Cleanup(func() { executor.Close() })

	factory := txproxy.NewFactory(txproxy.Config{
		NodeID: "r1",
		Owner: func() *future.Future[txproxy.Channel] {
			return future.Resolved[txproxy.Channel](executor)
		},
		Logger: discardLogger(),
	})

	m := &member{
		nodes:   newMemNodes(),
		profile: filepath.Join(t.TempDir(), "cli.yaml"),
	}
	svc := adminserver.New(adminserver.Config{
		Nodes: m.nodes,
		Cluster: staticStatus{
			NodeID:   "m1",
			IsLeader: true,
			LeaderID: "m1",
			Leader:   "127.0.0.1:7000",
			Members:  []domain.Member{{ID: "m1", RPCAddr: "127.0.0.1:7080"}, {ID: "m2", RPCAddr: "127.0.0.2:7080"}},
			Owners:   map[string]string{"topology/topology-netconf": "m1", "device/r1": "m2"},
		},
		Mounts: mountMap{"r1": factory},
		Logger: discardLogger(),
	})
	prefix, handler := svc.Handler()

	srv := httptest.NewServer(httpserver.NewRouter(httpserver.RouterConfig{
		Routes: []httpserver.Route{{Prefix: prefix, Handler: handler, Admin: true}},
		Ready:  func() error { return m.ready },
		Logger: discardLogger(),
	}))
	t.Cleanup(srv.Close)
	m.url = srv.URL
	return m
}

// run executes the CLI against the member and returns stdout.
func (m *member) run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	app := App()
	app.Writer = &stdout
	app.ErrWriter = &stderr

	full := append([]string{"topomesh-cli", "--server", m.url, "--profile", m.profile, "--timeout", "5s"}, args...)
	err := app.Run(full)
	return stdout.String(), err
}
