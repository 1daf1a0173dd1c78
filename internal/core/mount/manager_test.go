package mount_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/core/mount"
	"github.com/yndnr/topomesh-go/internal/core/ownership"
	"github.com/yndnr/topomesh-go/internal/core/ownership/ownershiptest"
	"github.com/yndnr/topomesh-go/internal/core/peer"
	"github.com/yndnr/topomesh-go/internal/core/peer/peertest"
	"github.com/yndnr/topomesh-go/internal/storage"
	"github.com/yndnr/topomesh-go/pkg/seal"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// directory is a PeerDirectory over a fixed set of handles.
type directory struct {
	mu    sync.Mutex
	peers map[string]peer.PeerHandle
}

func (d *directory) Lookup(address string) (peer.PeerHandle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.peers[address]
	return h, ok
}

func (d *directory) add(h peer.PeerHandle) {
	d.mu.Lock()
	d.peers[h.Address] = h
	d.mu.Unlock()
}

// failingConnector refuses every device.
type failingConnector struct{}

func (failingConnector) Connect(context.Context, domain.NodeConfig) (domain.DeviceEngine, error) {
	return nil, errors.New("connection refused")
}

// passwordConnector records the password it was given.
type passwordConnector struct {
	inner mount.Connector
	got   string
}

func (c *passwordConnector) Connect(ctx context.Context, cfg domain.NodeConfig) (domain.DeviceEngine, error) {
	c.got = cfg.Password
	return c.inner.Connect(ctx, cfg)
}

type member struct {
	manager *mount.Manager
	coord   *ownership.Coordinator
	peers   *directory
}

func newMember(t *testing.T, cluster *ownershiptest.Cluster, id string, conn mount.Connector, sealer *seal.Sealer) *member {
	t.Helper()
	coord := ownership.NewCoordinator(ownership.CoordinatorConfig{
		Primitive: cluster.Member(id),
		Logger:    discardLogger(),
	})
	dir := &directory{peers: make(map[string]peer.PeerHandle)}
	m := mount.NewManager(mount.Config{
		Coordinator: coord,
		Peers:       dir,
		Connector:   conn,
		Sealer:      sealer,
		AskTimeout:  time.Second,
		Logger:      discardLogger(),
	})
	t.Cleanup(func() {
		m.Close()
		coord.Close()
	})
	return &member{manager: m, coord: coord, peers: dir}
}

func newConnector(t *testing.T) *storage.Connector {
	t.Helper()
	ds, err := storage.Open(storage.Config{InMemory: true}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ds.Close() })
	return storage.NewConnector(storage.ConnectorConfig{Datastore: ds, Logger: discardLogger()})
}

// link makes owner reachable from other through a peer endpoint.
func link(other, owner *member, ownerID string) {
	ep := &peertest.Endpoint{
		Member: ownerID,
		ExecuteFunc: func(ctx context.Context, req domain.TxRequest) (domain.TxReply, error) {
			return owner.manager.Executors().Execute(ctx, req), nil
		},
	}
	other.peers.add(peer.NewHandle(context.Background(), domain.Member{ID: ownerID}, ep))
}

func waitMaster(t *testing.T, m *mount.Manager, nodeID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Executors().Lookup(nodeID); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s never became master", nodeID)
}

var r1 = domain.NodeConfig{ID: "r1", Host: "10.0.0.1", Port: 830, Username: "admin"}

func TestManager_CreateStatusDelete(t *testing.T) {
	cluster := ownershiptest.NewCluster()
	a := newMember(t, cluster, "a", newConnector(t), nil)
	ctx := context.Background()

	rec, err := a.manager.Create(ctx, r1)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if rec.Status != domain.StatusConnected || rec.Members[0].Member != "a" {
		t.Errorf("record = %+v", rec)
	}

	waitMaster(t, a.manager, "r1")
	if !a.manager.IsMaster("r1") {
		t.Error("IsMaster() = false for the only candidate")
	}

	got, err := a.manager.Status(ctx, "r1")
	if err != nil || got.Status != domain.StatusConnected {
		t.Errorf("Status() = %+v, %v", got, err)
	}

	if err := a.manager.Delete(ctx, "r1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := a.manager.Status(ctx, "r1"); !errors.Is(err, domain.ErrNodeNotFound) {
		t.Errorf("Status() after delete error = %v", err)
	}
	if _, ok := a.manager.Executors().Lookup("r1"); ok {
		t.Error("executor still registered after delete")
	}
	if _, ok := cluster.Owner(domain.DeviceEntity("r1")); ok {
		t.Error("candidate still registered after delete")
	}
}

func TestManager_DeleteUnknownSucceeds(t *testing.T) {
	a := newMember(t, ownershiptest.NewCluster(), "a", newConnector(t), nil)
	if err := a.manager.Delete(context.Background(), "missing"); err != nil {
		t.Errorf("Delete(missing) error = %v", err)
	}
}

func TestManager_DuplicateCreateIsUpdate(t *testing.T) {
	a := newMember(t, ownershiptest.NewCluster(), "a", newConnector(t), nil)
	ctx := context.Background()

	if _, err := a.manager.Create(ctx, r1); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	updated := r1
	updated.Host = "10.0.0.2"
	rec, err := a.manager.Create(ctx, updated)
	if err != nil {
		t.Fatalf("second Create() error = %v", err)
	}
	if rec.Host != "10.0.0.2" {
		t.Errorf("Host = %s, want updated host", rec.Host)
	}
	if n := len(a.manager.Nodes()); n != 1 {
		t.Errorf("Nodes() = %d, want 1", n)
	}
	waitMaster(t, a.manager, "r1")
}

// countingConnector counts connections per node.
type countingConnector struct {
	inner mount.Connector
	mu    sync.Mutex
	calls map[string]int
}

func (c *countingConnector) Connect(ctx context.Context, cfg domain.NodeConfig) (domain.DeviceEngine, error) {
	c.mu.Lock()
	c.calls[cfg.ID]++
	c.mu.Unlock()
	return c.inner.Connect(ctx, cfg)
}

func (c *countingConnector) count(nodeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[nodeID]
}

func TestManager_UnchangedCreateKeepsMount(t *testing.T) {
	conn := &countingConnector{inner: newConnector(t), calls: make(map[string]int)}
	a := newMember(t, ownershiptest.NewCluster(), "a", conn, nil)
	ctx := context.Background()

	if _, err := a.manager.Create(ctx, r1); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	waitMaster(t, a.manager, "r1")
	before, _ := a.manager.Executors().Lookup("r1")
	factory, _ := a.manager.Mount("r1")

	rec, err := a.manager.Create(ctx, r1)
	if err != nil {
		t.Fatalf("second Create() error = %v", err)
	}
	if rec.Status != domain.StatusConnected {
		t.Errorf("record = %+v", rec)
	}
	if n := conn.count("r1"); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}
	after, ok := a.manager.Executors().Lookup("r1")
	if !ok || after != before {
		t.Error("master executor was replaced by an unchanged create")
	}
	if again, _ := a.manager.Mount("r1"); again != factory {
		t.Error("mount point was replaced by an unchanged create")
	}
}

func TestManager_FailedNodeIsRetriedOnCreate(t *testing.T) {
	conn := &toggleConnector{inner: newConnector(t)}
	a := newMember(t, ownershiptest.NewCluster(), "a", conn, nil)
	ctx := context.Background()

	if _, err := a.manager.Create(ctx, r1); err == nil {
		t.Fatal("Create() should fail while the device refuses")
	}
	conn.setUp(true)
	rec, err := a.manager.Create(ctx, r1)
	if err != nil || rec.Status != domain.StatusConnected {
		t.Fatalf("Create() after recovery = %+v, %v", rec, err)
	}
}

// toggleConnector refuses devices until setUp(true).
type toggleConnector struct {
	inner mount.Connector
	mu    sync.Mutex
	up    bool
}

func (c *toggleConnector) setUp(up bool) {
	c.mu.Lock()
	c.up = up
	c.mu.Unlock()
}

func (c *toggleConnector) Connect(ctx context.Context, cfg domain.NodeConfig) (domain.DeviceEngine, error) {
	c.mu.Lock()
	up := c.up
	c.mu.Unlock()
	if !up {
		return nil, errors.New("connection refused")
	}
	return c.inner.Connect(ctx, cfg)
}

// blockingConnector holds connections to the node "slow" until release is
// closed.
type blockingConnector struct {
	inner   mount.Connector
	entered chan struct{}
	release chan struct{}
}

func (c *blockingConnector) Connect(ctx context.Context, cfg domain.NodeConfig) (domain.DeviceEngine, error) {
	if cfg.ID == "slow" {
		c.entered <- struct{}{}
		select {
		case <-c.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.inner.Connect(ctx, cfg)
}

func TestManager_CreatesOfDistinctNodesRunConcurrently(t *testing.T) {
	conn := &blockingConnector{inner: newConnector(t), entered: make(chan struct{}, 1), release: make(chan struct{})}
	a := newMember(t, ownershiptest.NewCluster(), "a", conn, nil)
	ctx := context.Background()

	slow := domain.NodeConfig{ID: "slow", Host: "10.0.0.9", Port: 830}
	slowDone := make(chan error, 1)
	go func() {
		_, err := a.manager.Create(ctx, slow)
		slowDone <- err
	}()
	<-conn.entered

	fastDone := make(chan error, 1)
	go func() {
		_, err := a.manager.Create(ctx, r1)
		fastDone <- err
	}()
	select {
	case err := <-fastDone:
		if err != nil {
			t.Fatalf("Create(r1) error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Create(r1) waited for the connection of an unrelated node")
	}

	// A second command for the same node waits for the first.
	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := a.manager.Create(waitCtx, slow); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("concurrent Create(slow) error = %v, want deadline exceeded", err)
	}

	close(conn.release)
	if err := <-slowDone; err != nil {
		t.Fatalf("Create(slow) error = %v", err)
	}
}

func TestManager_CreateFailureReturnsFailedRecord(t *testing.T) {
	a := newMember(t, ownershiptest.NewCluster(), "a", failingConnector{}, nil)

	rec, err := a.manager.Create(context.Background(), r1)
	if err == nil {
		t.Fatal("Create() should fail")
	}
	if rec.Status != domain.StatusFailed {
		t.Errorf("Status = %s, want failed", rec.Status)
	}
	if got, _ := a.manager.Status(context.Background(), "r1"); got.Status != domain.StatusFailed {
		t.Errorf("Status() = %s, want failed", got.Status)
	}
	if _, err := a.manager.Mount("r1"); err == nil {
		t.Error("Mount() of a failed node should fail")
	}
}

func TestManager_CreateInvalidConfig(t *testing.T) {
	a := newMember(t, ownershiptest.NewCluster(), "a", newConnector(t), nil)
	if _, err := a.manager.Create(context.Background(), domain.NodeConfig{ID: "r1"}); !errors.Is(err, domain.ErrInvalidNodeConfig) {
		t.Errorf("Create() error = %v, want ErrInvalidNodeConfig", err)
	}
}

func TestManager_OpensSealedPassword(t *testing.T) {
	sealer, err := seal.New(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := sealer.Seal("s3cret", "r1")
	if err != nil {
		t.Fatal(err)
	}

	conn := &passwordConnector{inner: newConnector(t)}
	a := newMember(t, ownershiptest.NewCluster(), "a", conn, sealer)

	cfg := r1
	cfg.Password = sealed
	if _, err := a.manager.Create(context.Background(), cfg); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if conn.got != "s3cret" {
		t.Errorf("connector password = %q, want opened secret", conn.got)
	}
}

func TestManager_ProxyTransactionsReachRemoteMaster(t *testing.T) {
	cluster := ownershiptest.NewCluster()
	a := newMember(t, cluster, "a", newConnector(t), nil)
	b := newMember(t, cluster, "b", newConnector(t), nil)
	link(b, a, "a")
	ctx := context.Background()

	if _, err := a.manager.Create(ctx, r1); err != nil {
		t.Fatalf("a.Create() error = %v", err)
	}
	waitMaster(t, a.manager, "r1")
	if _, err := b.manager.Create(ctx, r1); err != nil {
		t.Fatalf("b.Create() error = %v", err)
	}
	if b.manager.IsMaster("r1") {
		t.Fatal("b should not be master")
	}

	factory, err := b.manager.Mount("r1")
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	tx := factory.NewWriteOnlyTransaction()
	tx.Put(domain.StoreConfig, "hostname", json.RawMessage(`"edge-1"`))
	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := tx.Submit().Get(sctx); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// The write landed on the master's device engine.
	local, _ := a.manager.Mount("r1")
	rtx := local.NewReadOnlyTransaction()
	defer rtx.Close()
	v, found, err := rtx.Read(ctx, domain.StoreConfig, "hostname")
	if err != nil || !found || string(v) != `"edge-1"` {
		t.Errorf("Read() on master = %s, %v, %v", v, found, err)
	}
}

func TestManager_WaitsForOwnerToBecomeReachable(t *testing.T) {
	cluster := ownershiptest.NewCluster()
	a := newMember(t, cluster, "a", newConnector(t), nil)
	b := newMember(t, cluster, "b", newConnector(t), nil)
	ctx := context.Background()

	a.manager.Create(ctx, r1)
	waitMaster(t, a.manager, "r1")
	b.manager.Create(ctx, r1)

	factory, _ := b.manager.Mount("r1")
	tx := factory.NewReadOnlyTransaction()
	defer tx.Close()

	// The owner is known but not yet a confirmed peer; the read waits until
	// the tracker reports it.
	time.AfterFunc(30*time.Millisecond, func() {
		link(b, a, "a")
		b.manager.PeersChanged(nil)
	})

	if _, _, err := tx.Read(ctx, domain.StoreOperational, "connection"); err != nil {
		t.Errorf("Read() error = %v", err)
	}
}

func TestManager_FailoverMovesMaster(t *testing.T) {
	cluster := ownershiptest.NewCluster()
	a := newMember(t, cluster, "a", newConnector(t), nil)
	b := newMember(t, cluster, "b", newConnector(t), nil)
	ctx := context.Background()

	a.manager.Create(ctx, r1)
	waitMaster(t, a.manager, "r1")
	b.manager.Create(ctx, r1)

	cluster.Crash("a")
	waitMaster(t, b.manager, "r1")
	if !b.manager.IsMaster("r1") {
		t.Error("b should be master after a crashed")
	}
}

func TestManager_DeleteFailsWaitingTransactions(t *testing.T) {
	cluster := ownershiptest.NewCluster()
	b := newMember(t, cluster, "b", newConnector(t), nil)
	ctx := context.Background()

	// Another member owns r1 but is never reachable.
	cluster.Member("ghost").RegisterCandidate(ctx, domain.DeviceEntity("r1"))
	b.manager.Create(ctx, r1)

	factory, _ := b.manager.Mount("r1")
	errCh := make(chan error, 1)
	go func() {
		_, err := factory.NewReadOnlyTransaction().Exists(ctx, domain.StoreConfig, "x")
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	b.manager.Delete(ctx, "r1")

	select {
	case err := <-errCh:
		if !errors.Is(err, domain.ErrNodeNotFound) {
			t.Errorf("Exists() error = %v, want ErrNodeNotFound", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiting transaction not released")
	}
}
