package topology

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/core/ownership"
	"github.com/yndnr/topomesh-go/internal/core/peer"
	"github.com/yndnr/topomesh-go/internal/telemetry/metric"
	"github.com/yndnr/topomesh-go/pkg/future"
)

// State is the lifecycle state of a node on the topology owner.
type State int

const (
	StateAbsent State = iota
	StateCreating
	StatePresent
	StateUpdating
	StateDeleting
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreating:
		return "CREATING"
	case StatePresent:
		return "PRESENT"
	case StateUpdating:
		return "UPDATING"
	case StateDeleting:
		return "DELETING"
	default:
		return "ABSENT"
	}
}

func (s State) busy() bool {
	return s == StateCreating || s == StateUpdating || s == StateDeleting
}

// Config configures a Manager.
type Config struct {
	// TopologyID names the topology entity. Required.
	TopologyID string

	// Coordinator elects the topology owner. Required.
	Coordinator *ownership.Coordinator

	// Local executes commands on this member. Required.
	Local NodeHandler

	// Peers lists fan-out targets. Required.
	Peers PeerSource

	// Store receives the merged records. Required.
	Store OperationalStore

	// Nodes is the node configuration store. Required.
	Nodes ConfigSource

	// FanoutTimeout bounds the wait for all fan-out targets.
	// Default: 30s
	FanoutTimeout time.Duration

	// WriteTimeout bounds one operational store write.
	// Default: 5s
	WriteTimeout time.Duration

	// ResyncRate limits the create calls replayed to a new peer, per second.
	// Default: 20
	ResyncRate float64

	// MailboxSize is the capacity of the manager mailbox.
	// Default: 256
	MailboxSize int

	// Metrics for fan-out results. If nil, a private registry is used.
	Metrics *metric.Registry

	// Logger for logging.
	Logger *slog.Logger
}

type opKind int

const (
	cmdCreate opKind = iota
	cmdUpdate
	cmdDelete
	cmdPoll
	cmdReconcile
)

// command is one queued lifecycle command.
type command struct {
	kind   opKind
	nodeID string
	cfg    domain.NodeConfig
	done   *future.Future[struct{}]
}

// node is the owner-side state of one node id.
type node struct {
	state State
	cfg   domain.NodeConfig
	queue []command
}

// Manager is the topology owner's node lifecycle actor.
type Manager struct {
	topologyID    string
	entity        domain.EntityID
	self          string
	coordinator   *ownership.Coordinator
	local         NodeHandler
	peers         PeerSource
	store         OperationalStore
	config        ConfigSource
	fanoutTimeout time.Duration
	writeTimeout  time.Duration
	limiter       *rate.Limiter
	metrics       *metric.Registry
	logger        *slog.Logger

	role      *ownership.RoleStrategy
	sub       *ownership.Registration
	candidate *ownership.Registration

	mailbox chan func()
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	// Owned by the run goroutine.
	nodes map[string]*node
}

// NewManager creates a manager and starts its goroutine. It does not take
// part in the topology election until Start.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metric.NewRegistry()
	}
	if cfg.FanoutTimeout <= 0 {
		cfg.FanoutTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ResyncRate <= 0 {
		cfg.ResyncRate = 20
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		topologyID:    cfg.TopologyID,
		entity:        domain.TopologyEntity(cfg.TopologyID),
		self:          cfg.Coordinator.LocalMember(),
		coordinator:   cfg.Coordinator,
		local:         cfg.Local,
		peers:         cfg.Peers,
		store:         cfg.Store,
		config:        cfg.Nodes,
		fanoutTimeout: cfg.FanoutTimeout,
		writeTimeout:  cfg.WriteTimeout,
		limiter:       rate.NewLimiter(rate.Limit(cfg.ResyncRate), 1),
		metrics:       cfg.Metrics,
		logger:        cfg.Logger.With("topology", cfg.TopologyID),
		mailbox:       make(chan func(), cfg.MailboxSize),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		nodes:         make(map[string]*node),
	}
	m.role = ownership.NewRoleStrategy(ownership.RoleConfig{
		Entity:  m.entity,
		Open:    m.lead,
		Metrics: cfg.Metrics,
		Logger:  m.logger,
	})
	go m.run()
	return m
}

// Start joins the topology election.
func (m *Manager) Start(ctx context.Context) error {
	m.sub = m.coordinator.Subscribe(m.entity, m.role.OnOwnershipChange)

	reg, err := m.coordinator.RegisterCandidate(ctx, m.entity)
	if err != nil {
		m.sub.Close()
		return fmt.Errorf("register topology candidate: %w", err)
	}
	m.candidate = reg
	return nil
}

// IsLeader reports whether this member currently acts as topology owner.
func (m *Manager) IsLeader() bool {
	return m.role.IsLeader()
}

// IsMaster reports whether this member owns the topology.
func (m *Manager) IsMaster(topologyID string) bool {
	return topologyID == m.topologyID && m.coordinator.IsOwner(m.entity)
}

// OnNodeCreate creates a node. On the owner an existing node is updated.
// On other members the command runs on the local member only.
func (m *Manager) OnNodeCreate(cfg domain.NodeConfig) *future.Future[struct{}] {
	if err := cfg.Validate(); err != nil {
		return future.Failed[struct{}](err)
	}
	if !m.coordinator.IsOwner(m.entity) {
		return future.Go(func() (struct{}, error) {
			_, err := m.local.Create(m.ctx, cfg)
			return struct{}{}, err
		})
	}
	return m.submit(command{kind: cmdCreate, nodeID: cfg.ID, cfg: cfg})
}

// OnNodeUpdate replaces a node: delete, then create.
func (m *Manager) OnNodeUpdate(cfg domain.NodeConfig) *future.Future[struct{}] {
	if err := cfg.Validate(); err != nil {
		return future.Failed[struct{}](err)
	}
	if !m.coordinator.IsOwner(m.entity) {
		return future.Go(func() (struct{}, error) {
			_, err := m.local.Create(m.ctx, cfg)
			return struct{}{}, err
		})
	}
	return m.submit(command{kind: cmdUpdate, nodeID: cfg.ID, cfg: cfg})
}

// OnNodeDelete deletes a node.
func (m *Manager) OnNodeDelete(nodeID string) *future.Future[struct{}] {
	if !m.coordinator.IsOwner(m.entity) {
		return future.Go(func() (struct{}, error) {
			return struct{}{}, m.local.Delete(m.ctx, nodeID)
		})
	}
	return m.submit(command{kind: cmdDelete, nodeID: nodeID})
}

// NotifyNodeStatusChange refreshes the operational record of a node. The
// owner polls every member; other members forward the request to the
// member answering IsMaster.
func (m *Manager) NotifyNodeStatusChange(ctx context.Context, nodeID string) error {
	if m.coordinator.IsOwner(m.entity) {
		_, err := m.submit(command{kind: cmdPoll, nodeID: nodeID}).Get(ctx)
		return err
	}

	for _, h := range m.peers.Peers() {
		pctx, cancel := h.Bind(ctx)
		master, err := h.Endpoint.IsMaster(pctx, m.topologyID)
		if err != nil {
			cancel()
			m.logger.Debug("master query failed", "peer", h.Address, "error", err)
			continue
		}
		if !master {
			cancel()
			continue
		}
		err = h.Endpoint.NotifyNodeStatusChange(pctx, nodeID)
		cancel()
		if err != nil {
			return peerError(pctx, h.Address, err)
		}
		return nil
	}

	m.logger.Warn("no topology owner found for status change", "node_id", nodeID)
	return domain.ErrNoLeader.WithDetails("no member owns topology " + m.topologyID)
}

// State returns the owner-side lifecycle state of a node.
func (m *Manager) State(nodeID string) State {
	f := future.New[State]()
	m.post(func() {
		st := StateAbsent
		if n, ok := m.nodes[nodeID]; ok {
			st = n.state
		}
		f.Complete(st, nil)
	})
	st, err := f.Get(m.ctx)
	if err != nil {
		return StateAbsent
	}
	return st
}

// Resync replays a create for every configured node to a newly confirmed
// peer. It implements peer.Resyncer together with IsLeader.
func (m *Manager) Resync(ctx context.Context, h peer.PeerHandle) {
	nodes := m.config.Nodes()
	m.logger.Info("resyncing peer", "peer", h.Address, "nodes", len(nodes))

	for _, cfg := range nodes {
		if err := m.limiter.Wait(ctx); err != nil {
			m.logger.Debug("resync aborted", "peer", h.Address, "error", err)
			return
		}
		pctx, cancel := h.Bind(ctx)
		cctx, ccancel := context.WithTimeout(pctx, m.fanoutTimeout)
		_, err := h.Endpoint.CreateNode(cctx, cfg)
		ccancel()
		cancel()
		if err != nil {
			m.logger.Warn("resync create failed",
				"peer", h.Address,
				"node_id", cfg.ID,
				"error", peerError(pctx, h.Address, err))
		}
	}
}

// Close leaves the election and stops the manager. Queued commands fail.
func (m *Manager) Close() {
	if m.candidate != nil {
		m.candidate.Close()
	}
	if m.sub != nil {
		m.sub.Close()
	}
	m.role.Close()
	m.cancel()
	<-m.done
}

// lead is the LEADER resource: the configuration watch. Becoming leader
// also reconciles every configured node.
func (m *Manager) lead(context.Context) (io.Closer, error) {
	stop := m.config.WatchNodes(m.onConfigChange)
	m.logger.Info("topology owner, watching node configuration")
	m.post(m.reconcile)
	return closerFunc(func() error {
		stop()
		m.logger.Info("no longer topology owner")
		return nil
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func (m *Manager) onConfigChange(ch ConfigChange) {
	if ch.Node == nil {
		m.submit(command{kind: cmdDelete, nodeID: ch.NodeID})
		return
	}
	m.submit(command{kind: cmdReconcile, nodeID: ch.NodeID, cfg: *ch.Node})
}

// reconcile creates every configured node and deletes known nodes that
// are no longer configured.
func (m *Manager) reconcile() {
	configured := make(map[string]bool)
	for _, cfg := range m.config.Nodes() {
		configured[cfg.ID] = true
		m.enqueue(command{kind: cmdReconcile, nodeID: cfg.ID, cfg: cfg, done: future.New[struct{}]()})
	}
	for id, n := range m.nodes {
		if !configured[id] && n.state != StateAbsent {
			m.enqueue(command{kind: cmdDelete, nodeID: id, done: future.New[struct{}]()})
		}
	}
}

func (m *Manager) submit(cmd command) *future.Future[struct{}] {
	cmd.done = future.New[struct{}]()
	if !m.post(func() { m.enqueue(cmd) }) {
		cmd.done.Complete(struct{}{}, domain.ErrNotOwner.WithDetails("topology manager closed"))
	}
	return cmd.done
}

func (m *Manager) post(fn func()) bool {
	select {
	case m.mailbox <- fn:
		return true
	case <-m.ctx.Done():
		return false
	}
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.mailbox:
			fn()
		case <-m.ctx.Done():
			for _, n := range m.nodes {
				for _, cmd := range n.queue {
					cmd.done.Complete(struct{}{}, domain.ErrNotOwner.WithDetails("topology manager closed"))
				}
			}
			return
		}
	}
}

// enqueue starts cmd, or queues it behind the command in flight.
func (m *Manager) enqueue(cmd command) {
	n, ok := m.nodes[cmd.nodeID]
	if !ok {
		n = &node{}
		m.nodes[cmd.nodeID] = n
	}
	if n.state.busy() {
		n.queue = append(n.queue, cmd)
		return
	}
	m.start(n, cmd)
}

// next runs the following queued command of nodeID, if any.
func (m *Manager) next(nodeID string) {
	n, ok := m.nodes[nodeID]
	if !ok {
		return
	}
	if len(n.queue) == 0 {
		if n.state == StateAbsent {
			delete(m.nodes, nodeID)
		}
		return
	}
	cmd := n.queue[0]
	n.queue = n.queue[1:]
	m.start(n, cmd)
}

func (m *Manager) start(n *node, cmd command) {
	switch cmd.kind {
	case cmdCreate, cmdReconcile:
		if n.state == StatePresent {
			if cmd.kind == cmdCreate {
				m.logger.Warn("create of existing node, updating", "node_id", cmd.nodeID)
			}
			m.startUpdate(n, cmd)
			return
		}
		m.startCreate(n, cmd)
	case cmdUpdate:
		if n.state == StateAbsent {
			m.startCreate(n, cmd)
			return
		}
		m.startUpdate(n, cmd)
	case cmdDelete:
		m.startDelete(n, cmd)
	case cmdPoll:
		m.startPoll(n, cmd)
	}
}

func (m *Manager) startCreate(n *node, cmd command) {
	n.state = StateCreating
	n.cfg = cmd.cfg
	m.logger.Debug("creating node", "node_id", cmd.nodeID)
	m.createFanout(cmd, func(err error) {
		n.state = StatePresent
		cmd.done.Complete(struct{}{}, err)
		m.next(cmd.nodeID)
	})
}

func (m *Manager) startUpdate(n *node, cmd command) {
	n.state = StateUpdating
	n.cfg = cmd.cfg
	m.logger.Debug("updating node", "node_id", cmd.nodeID)
	m.deleteFanout(cmd.nodeID, func(results []result) {
		if err := firstFailure(results, alreadyAbsent); err != nil {
			m.logger.Warn("delete before update failed, creating anyway", "node_id", cmd.nodeID, "error", err)
		}
		m.createFanout(cmd, func(err error) {
			n.state = StatePresent
			cmd.done.Complete(struct{}{}, err)
			m.next(cmd.nodeID)
		})
	})
}

func (m *Manager) startDelete(n *node, cmd command) {
	prev := n.state
	n.state = StateDeleting
	m.logger.Debug("deleting node", "node_id", cmd.nodeID)
	m.deleteFanout(cmd.nodeID, func(results []result) {
		err := firstFailure(results, alreadyAbsent)
		if err != nil {
			for _, r := range results {
				if r.err != nil && !alreadyAbsent(r.err) {
					m.logger.Error("node delete failed", "node_id", cmd.nodeID, "peer", r.member, "error", r.err)
				}
			}
			if prev == StateAbsent {
				prev = StatePresent
			}
			n.state = prev
		} else {
			err = m.deleteRecord(cmd.nodeID)
			n.state = StateAbsent
		}
		cmd.done.Complete(struct{}{}, err)
		m.next(cmd.nodeID)
	})
}

func (m *Manager) startPoll(n *node, cmd command) {
	if n.state == StateAbsent {
		cmd.done.Complete(struct{}{}, domain.ErrNodeNotFound.WithDetails(cmd.nodeID))
		m.next(cmd.nodeID)
		return
	}
	cfg := n.cfg
	m.fanout(opStatus,
		func(ctx context.Context) (domain.DeviceNodeRecord, error) {
			return m.local.Status(ctx, cmd.nodeID)
		},
		func(ctx context.Context, ep peer.Endpoint) (domain.DeviceNodeRecord, error) {
			return ep.NodeStatus(ctx, cmd.nodeID)
		},
		func(results []result) {
			for _, r := range results[1:] {
				if r.err != nil {
					m.logger.Warn("peer status poll failed", "node_id", cmd.nodeID, "peer", r.member, "error", r.err)
				}
			}
			cmd.done.Complete(struct{}{}, m.writeRecord(mergeRecord(cfg, results)))
			m.next(cmd.nodeID)
		})
}

// createFanout creates cmd.cfg everywhere and writes the outcome: the
// merged record when every member succeeded, the local view otherwise.
func (m *Manager) createFanout(cmd command, finish func(error)) {
	cfg := cmd.cfg
	m.fanout(opCreate,
		func(ctx context.Context) (domain.DeviceNodeRecord, error) {
			return m.local.Create(ctx, cfg)
		},
		func(ctx context.Context, ep peer.Endpoint) (domain.DeviceNodeRecord, error) {
			return ep.CreateNode(ctx, cfg)
		},
		func(results []result) {
			failure := firstFailure(results, nil)
			if failure == nil {
				finish(m.writeRecord(mergeRecord(cfg, results)))
				return
			}

			for _, r := range results[1:] {
				if r.err != nil {
					m.logger.Error("peer failed to create node", "node_id", cfg.ID, "peer", r.member, "error", r.err)
				}
			}
			local := results[0]
			view := local.record
			if local.err != nil {
				m.logger.Error("local create failed", "node_id", cfg.ID, "error", local.err)
				if view.ID == "" {
					view = domain.FailedRecord(cfg, m.self)
				}
			}
			if err := m.writeRecord(view); err != nil {
				finish(err)
				return
			}
			finish(failure)
		})
}

func (m *Manager) deleteFanout(nodeID string, then func([]result)) {
	m.fanout(opDelete,
		func(ctx context.Context) (domain.DeviceNodeRecord, error) {
			return domain.DeviceNodeRecord{}, m.local.Delete(ctx, nodeID)
		},
		func(ctx context.Context, ep peer.Endpoint) (domain.DeviceNodeRecord, error) {
			return domain.DeviceNodeRecord{}, ep.DeleteNode(ctx, nodeID)
		},
		then)
}

func alreadyAbsent(err error) bool {
	return errors.Is(err, domain.ErrNodeNotFound)
}

// writeRecord stores rec if this member still owns the topology.
func (m *Manager) writeRecord(rec domain.DeviceNodeRecord) error {
	if !m.coordinator.IsOwner(m.entity) {
		m.logger.Warn("ownership lost, skipping record write", "node_id", rec.ID)
		return domain.ErrNotOwner.WithDetails("topology " + m.topologyID)
	}
	ctx, cancel := context.WithTimeout(m.ctx, m.writeTimeout)
	defer cancel()
	if err := m.store.PutRecord(ctx, rec); err != nil {
		m.logger.Error("failed to write node record", "node_id", rec.ID, "error", err)
		return fmt.Errorf("write record %s: %w", rec.ID, err)
	}
	m.logger.Info("node record written", "node_id", rec.ID, "status", string(rec.Status))
	return nil
}

func (m *Manager) deleteRecord(nodeID string) error {
	if !m.coordinator.IsOwner(m.entity) {
		m.logger.Warn("ownership lost, skipping record delete", "node_id", nodeID)
		return domain.ErrNotOwner.WithDetails("topology " + m.topologyID)
	}
	ctx, cancel := context.WithTimeout(m.ctx, m.writeTimeout)
	defer cancel()
	if err := m.store.DeleteRecord(ctx, nodeID); err != nil {
		m.logger.Error("failed to delete node record", "node_id", nodeID, "error", err)
		return fmt.Errorf("delete record %s: %w", nodeID, err)
	}
	return nil
}
