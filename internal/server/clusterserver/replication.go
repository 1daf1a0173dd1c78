package clusterserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/hashicorp/raft"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/core/topology"
)

// Consensus is the part of RaftNode the replicator needs.
type Consensus interface {
	IsLeader() bool
	LeaderID() string
	Apply(data []byte, timeout time.Duration) error
}

// Proposer commits log entries to the replicated state.
type Proposer interface {
	Propose(ctx context.Context, t LogEntryType, payload any) error
}

// ReplicatorConfig configures a Replicator.
type ReplicatorConfig struct {
	// Raft is the local raft node.
	Raft Consensus

	// Resolve returns the rpc address of a member. Required to forward
	// entries from followers.
	Resolve func(memberID string) (rpcAddr string, ok bool)

	// HTTPClient is used to reach the leader.
	// Default: http.DefaultClient
	HTTPClient connect.HTTPClient

	// ApplyTimeout bounds a raft apply when ctx has no deadline.
	// Default: 5s
	ApplyTimeout time.Duration

	// Logger for logging.
	Logger *slog.Logger
}

// Replicator applies entries through raft on the leader and forwards them
// to the leader's ClusterService from followers.
type Replicator struct {
	raft         Consensus
	resolve      func(string) (string, bool)
	httpClient   connect.HTTPClient
	applyTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client[ApplyLogRequest, Empty]
}

var (
	_ Proposer = (*Replicator)(nil)
	_ Applier  = (*Replicator)(nil)
)

// NewReplicator creates a replicator.
func NewReplicator(cfg ReplicatorConfig) *Replicator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}
	if cfg.Resolve == nil {
		cfg.Resolve = func(string) (string, bool) { return "", false }
	}
	return &Replicator{
		raft:         cfg.Raft,
		resolve:      cfg.Resolve,
		httpClient:   cfg.HTTPClient,
		applyTimeout: cfg.ApplyTimeout,
		logger:       cfg.Logger,
		clients:      make(map[string]*Client[ApplyLogRequest, Empty]),
	}
}

// Propose implements Proposer.
func (r *Replicator) Propose(ctx context.Context, t LogEntryType, payload any) error {
	entry, err := NewLogEntry(t, payload)
	if err != nil {
		return err
	}
	if r.raft.IsLeader() {
		return r.ApplyLocal(ctx, entry)
	}

	leader := r.raft.LeaderID()
	if leader == "" {
		return domain.ErrNoLeader
	}
	addr, ok := r.resolve(leader)
	if !ok {
		return domain.ErrNoLeader.WithDetails("no rpc address for leader " + leader)
	}

	if _, err := r.client(addr).Call(ctx, &ApplyLogRequest{Entry: entry}); err != nil {
		r.logger.Debug("forward to leader failed", "leader", leader, "type", entry.Type, "error", err)
		return err
	}
	return nil
}

// ApplyLocal implements Applier. It fails with ErrNoLeader when this node
// is not the raft leader.
func (r *Replicator) ApplyLocal(ctx context.Context, entry LogEntry) error {
	if !r.raft.IsLeader() {
		return domain.ErrNoLeader.WithDetails("not the raft leader")
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}

	timeout := r.applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return context.DeadlineExceeded
		}
	}

	if err := r.raft.Apply(data, timeout); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return domain.ErrNoLeader.WithCause(err)
		}
		return err
	}
	return nil
}

func (r *Replicator) client(addr string) *Client[ApplyLogRequest, Empty] {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[addr]
	if !ok {
		httpClient := r.httpClient
		if httpClient == nil {
			httpClient = http.DefaultClient
		}
		c = NewClient[ApplyLogRequest, Empty](httpClient, BaseURL(addr), ProcApplyLog)
		r.clients[addr] = c
	}
	return c
}

// Store exposes the replicated node configuration and operational records.
// It implements topology.ConfigSource and topology.OperationalStore.
type Store struct {
	fsm      *FSM
	proposer Proposer
}

var (
	_ topology.ConfigSource     = (*Store)(nil)
	_ topology.OperationalStore = (*Store)(nil)
)

// NewStore creates a store over fsm that commits through proposer.
func NewStore(fsm *FSM, proposer Proposer) *Store {
	return &Store{fsm: fsm, proposer: proposer}
}

// Nodes implements topology.ConfigSource.
func (s *Store) Nodes() []domain.NodeConfig {
	return s.fsm.Nodes()
}

// WatchNodes implements topology.ConfigSource.
func (s *Store) WatchNodes(fn func(topology.ConfigChange)) func() {
	return s.fsm.WatchNodes(fn)
}

// Node returns the configuration of one node.
func (s *Store) Node(nodeID string) (domain.NodeConfig, bool) {
	return s.fsm.Node(nodeID)
}

// PutNode validates and stores a node configuration.
func (s *Store) PutNode(ctx context.Context, cfg domain.NodeConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return s.proposer.Propose(ctx, LogEntryConfigPut, cfg)
}

// DeleteNode removes a node configuration.
func (s *Store) DeleteNode(ctx context.Context, nodeID string) error {
	if _, ok := s.fsm.Node(nodeID); !ok {
		return domain.ErrNodeNotFound.WithDetails(nodeID)
	}
	return s.proposer.Propose(ctx, LogEntryConfigDelete, NodeIDPayload{NodeID: nodeID})
}

// PutRecord implements topology.OperationalStore.
func (s *Store) PutRecord(ctx context.Context, rec domain.DeviceNodeRecord) error {
	return s.proposer.Propose(ctx, LogEntryOperPut, rec)
}

// DeleteRecord implements topology.OperationalStore.
func (s *Store) DeleteRecord(ctx context.Context, nodeID string) error {
	return s.proposer.Propose(ctx, LogEntryOperDelete, NodeIDPayload{NodeID: nodeID})
}

// Record returns the operational record of one node.
func (s *Store) Record(nodeID string) (domain.DeviceNodeRecord, bool) {
	return s.fsm.Record(nodeID)
}

// Records returns every operational record.
func (s *Store) Records() []domain.DeviceNodeRecord {
	return s.fsm.Records()
}
