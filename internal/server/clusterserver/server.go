package clusterserver

import (
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strings"

	"connectrpc.com/connect"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/core/peer"
	"github.com/yndnr/topomesh-go/internal/telemetry/metric"
)

// Config configures the cluster layer of one member.
type Config struct {
	// NodeID is the member id, shared by gossip and raft.
	NodeID string

	// RaftAddr is the raft transport address.
	RaftAddr string

	// GossipAddr and GossipPort are the memberlist bind address.
	GossipAddr string
	GossipPort int

	// RPCAddr is the advertised address of this member's RPC server.
	RPCAddr string

	// DataDir holds the raft log, stable store and snapshots.
	DataDir string

	// Bootstrap starts a new single-voter raft cluster when there is no
	// existing raft state.
	Bootstrap bool

	// HTTPClient is used for forwarded log entries.
	// Default: http.DefaultClient
	HTTPClient connect.HTTPClient

	// Metrics for RPC latency.
	// Default: metric.NewRegistry()
	Metrics *metric.Registry

	// Logger for logging.
	Logger *slog.Logger
}

// Status is a point-in-time view of the cluster from one member.
type Status struct {
	NodeID   string            `json:"node_id"`
	IsLeader bool              `json:"is_leader"`
	LeaderID string            `json:"leader_id"`
	Leader   string            `json:"leader"`
	Members  []domain.Member   `json:"members"`
	Owners   map[string]string `json:"owners"`
}

// Server assembles the replicated state, raft, gossip and the services
// built on them.
type Server struct {
	nodeID     string
	fsm        *FSM
	raft       *RaftNode
	discovery  *Discovery
	replicator *Replicator
	election   *Election
	store      *Store
	reconciler *Reconciler
	metrics    *metric.Registry
	logger     *slog.Logger
}

// New creates the cluster layer. Call Start to join the cluster.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metric.NewRegistry()
	}
	if cfg.NodeID == "" {
		return nil, errors.New("cluster: node_id is required")
	}

	fsm := NewFSM(cfg.Logger.With("component", "fsm"))

	raftNode, err := NewRaftNode(RaftConfig{
		NodeID:    cfg.NodeID,
		BindAddr:  cfg.RaftAddr,
		DataDir:   filepath.Join(cfg.DataDir, "raft"),
		Bootstrap: cfg.Bootstrap,
		Logger:    cfg.Logger,
	}, fsm)
	if err != nil {
		return nil, err
	}

	discovery, err := NewDiscovery(DiscoveryConfig{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.GossipAddr,
		BindPort: cfg.GossipPort,
		Meta:     NodeMeta{RaftAddr: cfg.RaftAddr, RPCAddr: cfg.RPCAddr},
		Logger:   cfg.Logger.With("component", "discovery"),
	})
	if err != nil {
		raftNode.Close()
		return nil, err
	}

	replicator := NewReplicator(ReplicatorConfig{
		Raft:       raftNode,
		Resolve:    discovery.Lookup,
		HTTPClient: cfg.HTTPClient,
		Logger:     cfg.Logger,
	})

	s := &Server{
		nodeID:     cfg.NodeID,
		fsm:        fsm,
		raft:       raftNode,
		discovery:  discovery,
		replicator: replicator,
		election: NewElection(ElectionConfig{
			Member:   cfg.NodeID,
			FSM:      fsm,
			Proposer: replicator,
			Logger:   cfg.Logger.With("component", "election"),
		}),
		store: NewStore(fsm, replicator),
		reconciler: NewReconciler(ReconcilerConfig{
			Self:     cfg.NodeID,
			Raft:     raftNode,
			Gossip:   discovery,
			FSM:      fsm,
			Proposer: replicator,
			Logger:   cfg.Logger.With("component", "reconciler"),
		}),
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	discovery.Subscribe(s.reconciler.HandleEvent)
	return s, nil
}

// Start runs the reconciler and joins the seeds.
func (s *Server) Start(seeds []string) error {
	s.reconciler.Start()
	return s.discovery.Join(seeds)
}

// Subscribe calls fn for membership events of other members.
func (s *Server) Subscribe(fn func(peer.Event)) {
	s.discovery.Subscribe(func(ev MemberEvent) {
		if ev.Member.ID == s.nodeID {
			return
		}
		fn(ev.Event)
	})
}

// Members returns the alive members other than this one.
func (s *Server) Members() []domain.Member {
	var out []domain.Member
	for _, m := range s.discovery.Members() {
		if m.ID != s.nodeID {
			out = append(out, m)
		}
	}
	return out
}

// Election returns the ownership primitive.
func (s *Server) Election() *Election { return s.election }

// Store returns the replicated node store.
func (s *Server) Store() *Store { return s.store }

// Handler returns the ClusterService and TopologyService handlers.
func (s *Server) Handler(backend TopologyBackend, opts ...connect.HandlerOption) http.Handler {
	opts = append([]connect.HandlerOption{
		connect.WithInterceptors(DefaultInterceptors(s.logger, s.metrics)...),
	}, opts...)

	mux := http.NewServeMux()
	mux.Handle(NewClusterHandler(s.replicator, opts...))
	mux.Handle(NewTopologyHandler(backend, opts...))
	return mux
}

// Status returns the cluster status seen by this member.
func (s *Server) Status() Status {
	members := s.discovery.Members()
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return Status{
		NodeID:   s.nodeID,
		IsLeader: s.raft.IsLeader(),
		LeaderID: s.raft.LeaderID(),
		Leader:   s.raft.Leader(),
		Members:  members,
		Owners:   s.fsm.Owners(),
	}
}

// Stats samples the values exported by metric.Collector.
func (s *Server) Stats() metric.ClusterStats {
	owned := make(map[string]int)
	for key, owner := range s.fsm.Owners() {
		if owner != s.nodeID {
			continue
		}
		typ, _, _ := strings.Cut(key, "/")
		owned[typ]++
	}
	return metric.ClusterStats{
		Members:       len(s.discovery.Members()),
		IsRaftLeader:  s.raft.IsLeader(),
		OwnedEntities: owned,
	}
}

// Shutdown leaves the cluster and stops raft.
func (s *Server) Shutdown() error {
	s.reconciler.Close()
	s.election.Close()

	var errs []error
	if err := s.discovery.Leave(); err != nil {
		errs = append(errs, err)
	}
	if err := s.discovery.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if err := s.raft.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
