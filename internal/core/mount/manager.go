// Package mount manages the device mount points of the local member.
//
// Every member connects to every configured device. One of them, elected
// through the device's ownership entity, is the master mount point and
// runs the device's transaction executor. Transactions can be started on
// any member through Mount.
package mount

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/core/ownership"
	"github.com/yndnr/topomesh-go/internal/core/peer"
	"github.com/yndnr/topomesh-go/internal/core/txproxy"
	"github.com/yndnr/topomesh-go/internal/telemetry/metric"
	"github.com/yndnr/topomesh-go/pkg/future"
	"github.com/yndnr/topomesh-go/pkg/seal"
)

// Connector opens the connection to a device.
type Connector interface {
	Connect(ctx context.Context, cfg domain.NodeConfig) (domain.DeviceEngine, error)
}

// PeerDirectory finds confirmed peers by address.
type PeerDirectory interface {
	Lookup(address string) (peer.PeerHandle, bool)
}

// Config configures a Manager.
type Config struct {
	// Coordinator elects the master mount point of each device. Required.
	Coordinator *ownership.Coordinator

	// Peers resolves remote owners. Required.
	Peers PeerDirectory

	// Connector connects devices. Required.
	Connector Connector

	// Executors publishes the executors of devices this member masters.
	// If nil, a private registry is used.
	Executors *txproxy.Registry

	// Sealer opens sealed device passwords. May be nil.
	Sealer *seal.Sealer

	// AskTimeout bounds proxy transaction waits.
	// Default: 5s
	AskTimeout time.Duration

	// TxIdleTimeout cancels idle transactions on the master.
	// Default: 60s
	TxIdleTimeout time.Duration

	// Metrics. If nil, a private registry is used.
	Metrics *metric.Registry

	// Logger for logging.
	Logger *slog.Logger
}

// mountPoint is the local state of one device.
type mountPoint struct {
	cfg       domain.NodeConfig
	record    domain.DeviceNodeRecord
	engine    domain.DeviceEngine
	role      *ownership.RoleStrategy
	sub       *ownership.Registration
	candidate *ownership.Registration
	factory   *txproxy.Factory
}

// Manager is the local executor of node lifecycle commands.
type Manager struct {
	coordinator   *ownership.Coordinator
	peers         PeerDirectory
	connector     Connector
	executors     *txproxy.Registry
	sealer        *seal.Sealer
	askTimeout    time.Duration
	txIdleTimeout time.Duration
	metrics       *metric.Registry
	logger        *slog.Logger

	// locks serializes lifecycle commands of the same node.
	locks nodeLocks

	mu      sync.Mutex
	mounts  map[string]*mountPoint
	waiting map[string]*future.Future[txproxy.Channel]
}

// NewManager creates a mount manager.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metric.NewRegistry()
	}
	if cfg.Executors == nil {
		cfg.Executors = txproxy.NewRegistry()
	}
	if cfg.AskTimeout <= 0 {
		cfg.AskTimeout = 5 * time.Second
	}
	if cfg.TxIdleTimeout <= 0 {
		cfg.TxIdleTimeout = 60 * time.Second
	}

	return &Manager{
		coordinator:   cfg.Coordinator,
		peers:         cfg.Peers,
		connector:     cfg.Connector,
		executors:     cfg.Executors,
		sealer:        cfg.Sealer,
		askTimeout:    cfg.AskTimeout,
		txIdleTimeout: cfg.TxIdleTimeout,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		locks:         nodeLocks{held: make(map[string]*nodeLock)},
		mounts:        make(map[string]*mountPoint),
		waiting:       make(map[string]*future.Future[txproxy.Channel]),
	}
}

// Executors returns the registry of local master executors.
func (m *Manager) Executors() *txproxy.Registry {
	return m.executors
}

// Create connects the device and joins its master election. Creating a
// node that is already mounted with a different configuration updates it;
// an unchanged connected node is left alone. When the connection fails the
// failed record is returned together with the error.
func (m *Manager) Create(ctx context.Context, cfg domain.NodeConfig) (domain.DeviceNodeRecord, error) {
	if err := cfg.Validate(); err != nil {
		return domain.DeviceNodeRecord{}, err
	}

	unlock, err := m.locks.lock(ctx, cfg.ID)
	if err != nil {
		return domain.DeviceNodeRecord{}, err
	}
	defer unlock()

	self := m.coordinator.LocalMember()
	if mp, ok := m.lookup(cfg.ID); ok {
		if mp.cfg == cfg && mp.engine != nil {
			m.logger.Debug("node already mounted with the same configuration", "node_id", cfg.ID)
			return mp.record.Clone(), nil
		}
		m.logger.Info("node already mounted, updating", "node_id", cfg.ID)
		m.unmount(ctx, cfg.ID)
	}

	password, err := m.sealer.Open(cfg.Password, cfg.ID)
	if err != nil {
		return m.failed(cfg, self, fmt.Errorf("open credentials: %w", err))
	}
	conn := cfg
	conn.Password = password

	engine, err := m.connector.Connect(ctx, conn)
	if err != nil {
		return m.failed(cfg, self, fmt.Errorf("connect: %w", err))
	}

	mp := &mountPoint{
		cfg:    cfg,
		record: domain.ConnectedRecord(cfg, self),
		engine: engine,
	}
	mp.factory = txproxy.NewFactory(txproxy.Config{
		NodeID:     cfg.ID,
		Owner:      func() *future.Future[txproxy.Channel] { return m.ownerChannel(cfg.ID) },
		AskTimeout: m.askTimeout,
		Metrics:    m.metrics,
		Logger:     m.logger,
	})

	entity := domain.DeviceEntity(cfg.ID)
	mp.role = ownership.NewRoleStrategy(ownership.RoleConfig{
		Entity:  entity,
		Open:    m.masterOpener(cfg.ID, engine),
		Metrics: m.metrics,
		Logger:  m.logger,
	})
	mp.sub = m.coordinator.Subscribe(entity, func(e domain.EntityID, st domain.OwnershipState) {
		mp.role.OnOwnershipChange(e, st)
		if st.HasOwner && !st.IsOwner {
			m.retryOwner(cfg.ID)
		}
	})

	mp.candidate, err = m.coordinator.RegisterCandidate(ctx, entity)
	if err != nil {
		mp.sub.Close()
		mp.role.Close()
		engine.Close()
		return m.failed(cfg, self, fmt.Errorf("register candidate: %w", err))
	}

	m.mu.Lock()
	m.mounts[cfg.ID] = mp
	m.mu.Unlock()

	m.logger.Info("node mounted", "node_id", cfg.ID, "host", cfg.Host, "port", cfg.Port)
	return mp.record.Clone(), nil
}

func (m *Manager) failed(cfg domain.NodeConfig, self string, err error) (domain.DeviceNodeRecord, error) {
	rec := domain.FailedRecord(cfg, self)
	m.mu.Lock()
	m.mounts[cfg.ID] = &mountPoint{cfg: cfg, record: rec}
	m.mu.Unlock()

	m.logger.Warn("failed to mount node", "node_id", cfg.ID, "error", err)
	return rec.Clone(), domain.ErrDeviceRejected.WithDetails(err.Error()).WithCause(err)
}

// masterOpener returns the LEADER resource of a device: its executor,
// published in the registry while this member is master.
func (m *Manager) masterOpener(nodeID string, engine domain.DeviceEngine) ownership.Opener {
	return func(ctx context.Context) (io.Closer, error) {
		exec := txproxy.NewExecutor(txproxy.ExecutorConfig{
			NodeID:      nodeID,
			Engine:      engine,
			IdleTimeout: m.txIdleTimeout,
			Metrics:     m.metrics,
			Logger:      m.logger,
		})
		reg := m.executors.Register(nodeID, exec)
		m.logger.Info("became master mount point", "node_id", nodeID)
		m.retryOwner(nodeID)
		return reg, nil
	}
}

// Delete leaves the device election and disconnects. Deleting a node that
// is not mounted succeeds.
func (m *Manager) Delete(ctx context.Context, nodeID string) error {
	unlock, err := m.locks.lock(ctx, nodeID)
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := m.lookup(nodeID); !ok {
		m.logger.Debug("delete of unknown node", "node_id", nodeID)
		return nil
	}
	m.unmount(ctx, nodeID)
	m.logger.Info("node unmounted", "node_id", nodeID)
	return nil
}

// unmount tears a mount point down. Caller holds the node's lock.
func (m *Manager) unmount(ctx context.Context, nodeID string) {
	m.mu.Lock()
	mp := m.mounts[nodeID]
	delete(m.mounts, nodeID)
	waiter := m.waiting[nodeID]
	delete(m.waiting, nodeID)
	m.mu.Unlock()

	if waiter != nil {
		waiter.Complete(nil, domain.ErrNodeNotFound.WithDetails(nodeID))
	}
	if mp == nil {
		return
	}

	if mp.candidate != nil {
		if err := m.coordinator.UnregisterCandidate(ctx, domain.DeviceEntity(nodeID)); err != nil {
			m.logger.Warn("failed to unregister candidate", "node_id", nodeID, "error", err)
		}
	}
	if mp.sub != nil {
		mp.sub.Close()
	}
	if mp.role != nil {
		mp.role.Close()
	}
	if mp.engine != nil {
		if err := mp.engine.Close(); err != nil {
			m.logger.Warn("failed to close device engine", "node_id", nodeID, "error", err)
		}
	}
}

// Status returns the local record of a node.
func (m *Manager) Status(_ context.Context, nodeID string) (domain.DeviceNodeRecord, error) {
	mp, ok := m.lookup(nodeID)
	if !ok {
		return domain.DeviceNodeRecord{}, domain.ErrNodeNotFound.WithDetails(nodeID)
	}
	return mp.record.Clone(), nil
}

// Nodes returns the ids of the mounted nodes.
func (m *Manager) Nodes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.mounts))
	for id := range m.mounts {
		ids = append(ids, id)
	}
	return ids
}

// IsMaster reports whether this member is the master mount point of nodeID.
func (m *Manager) IsMaster(nodeID string) bool {
	return m.coordinator.IsOwner(domain.DeviceEntity(nodeID))
}

// Mount returns the transaction factory of a connected node.
func (m *Manager) Mount(nodeID string) (*txproxy.Factory, error) {
	mp, ok := m.lookup(nodeID)
	if !ok {
		return nil, domain.ErrNodeNotFound.WithDetails(nodeID)
	}
	if mp.factory == nil {
		return nil, domain.ErrDeviceRejected.WithDetails("node " + nodeID + " is not connected")
	}
	return mp.factory, nil
}

// PeersChanged retries owner resolution for transactions waiting on a peer
// that was not yet confirmed. It has the peer.Tracker OnChange signature.
func (m *Manager) PeersChanged([]peer.PeerHandle) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.waiting))
	for id := range m.waiting {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.retryOwner(id)
	}
}

// Close unmounts every node.
func (m *Manager) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	for _, id := range m.Nodes() {
		unlock, err := m.locks.lock(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("unmount %s: %w", id, err))
			continue
		}
		m.unmount(ctx, id)
		unlock()
	}
	return errors.Join(errs...)
}

// nodeLocks is a set of per-node locks. Waiting for a lock honours ctx.
type nodeLocks struct {
	mu   sync.Mutex
	held map[string]*nodeLock
}

type nodeLock struct {
	sem  chan struct{}
	refs int
}

func (l *nodeLocks) lock(ctx context.Context, nodeID string) (func(), error) {
	l.mu.Lock()
	nl, ok := l.held[nodeID]
	if !ok {
		nl = &nodeLock{sem: make(chan struct{}, 1)}
		l.held[nodeID] = nl
	}
	nl.refs++
	l.mu.Unlock()

	select {
	case nl.sem <- struct{}{}:
		return func() {
			<-nl.sem
			l.release(nodeID, nl)
		}, nil
	case <-ctx.Done():
		l.release(nodeID, nl)
		return nil, ctx.Err()
	}
}

func (l *nodeLocks) release(nodeID string, nl *nodeLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	nl.refs--
	if nl.refs == 0 {
		delete(l.held, nodeID)
	}
}

func (m *Manager) lookup(nodeID string) (*mountPoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.mounts[nodeID]
	return mp, ok
}

// ownerChannel resolves the channel to the master of nodeID. While no
// master is reachable it returns a shared pending future completed by
// retryOwner.
func (m *Manager) ownerChannel(nodeID string) *future.Future[txproxy.Channel] {
	if ch, ok := m.resolveOwner(nodeID); ok {
		return future.Resolved(ch)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.waiting[nodeID]
	if !ok {
		f = future.New[txproxy.Channel]()
		m.waiting[nodeID] = f
	}
	return f
}

func (m *Manager) retryOwner(nodeID string) {
	m.mu.Lock()
	f := m.waiting[nodeID]
	m.mu.Unlock()
	if f == nil {
		return
	}

	ch, ok := m.resolveOwner(nodeID)
	if !ok {
		return
	}

	m.mu.Lock()
	if m.waiting[nodeID] == f {
		delete(m.waiting, nodeID)
	}
	m.mu.Unlock()
	f.Complete(ch, nil)
}

func (m *Manager) resolveOwner(nodeID string) (txproxy.Channel, bool) {
	owner, ok := m.coordinator.Owner(domain.DeviceEntity(nodeID))
	if !ok {
		return nil, false
	}
	if owner == m.coordinator.LocalMember() {
		exec, ok := m.executors.Lookup(nodeID)
		if !ok {
			return nil, false
		}
		return exec, true
	}
	h, ok := m.peers.Lookup(owner)
	if !ok {
		return nil, false
	}
	return txproxy.RemoteChannel{Peer: h}, true
}
