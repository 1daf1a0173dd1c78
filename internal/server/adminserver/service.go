package adminserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/core/txproxy"
	"github.com/yndnr/topomesh-go/internal/server/clusterserver"
	"github.com/yndnr/topomesh-go/pkg/seal"
)

// Procedure names.
const (
	ServiceName = "topomesh.admin.v1.AdminService"

	ProcPutNode       = "/" + ServiceName + "/PutNode"
	ProcDeleteNode    = "/" + ServiceName + "/DeleteNode"
	ProcListNodes     = "/" + ServiceName + "/ListNodes"
	ProcGetNode       = "/" + ServiceName + "/GetNode"
	ProcClusterStatus = "/" + ServiceName + "/ClusterStatus"
	ProcRead          = "/" + ServiceName + "/Read"
	ProcCommit        = "/" + ServiceName + "/Commit"
)

// maskedPassword replaces stored passwords in responses.
const maskedPassword = "******"

// PutNodeRequest creates or replaces a node configuration.
type PutNodeRequest struct {
	Node domain.NodeConfig `json:"node"`
}

// NodeRequest addresses one node.
type NodeRequest struct {
	NodeID string `json:"node_id"`
}

// NodeView is a node's configuration with its operational record, if any.
type NodeView struct {
	Config domain.NodeConfig        `json:"config"`
	Record *domain.DeviceNodeRecord `json:"record,omitempty"`
}

// ListNodesResponse lists every configured node.
type ListNodesResponse struct {
	Nodes []NodeView `json:"nodes"`
}

// ReadRequest reads one path of a device datastore.
type ReadRequest struct {
	NodeID string       `json:"node_id"`
	Store  domain.Store `json:"store"`
	Path   string       `json:"path"`
}

// ReadResponse carries the value read. Found is false for an absent path.
type ReadResponse struct {
	Found bool            `json:"found"`
	Value json.RawMessage `json:"value,omitempty"`
}

// CommitRequest applies a batch of writes to a device atomically.
type CommitRequest struct {
	NodeID string                    `json:"node_id"`
	Ops    []domain.PendingOperation `json:"ops"`
}

// NodeStore is the replicated node store. clusterserver.Store implements it.
type NodeStore interface {
	PutNode(ctx context.Context, cfg domain.NodeConfig) error
	DeleteNode(ctx context.Context, nodeID string) error
	Node(nodeID string) (domain.NodeConfig, bool)
	Nodes() []domain.NodeConfig
	Record(nodeID string) (domain.DeviceNodeRecord, bool)
}

// StatusSource reports cluster status. clusterserver.Server implements it.
type StatusSource interface {
	Status() clusterserver.Status
}

// Mounter gives proxy transactions on a device. mount.Manager implements it.
type Mounter interface {
	Mount(nodeID string) (*txproxy.Factory, error)
}

// Config configures the admin service.
type Config struct {
	Nodes   NodeStore
	Cluster StatusSource
	Mounts  Mounter

	// Sealer seals node passwords before they are stored. May be nil.
	Sealer *seal.Sealer

	// Logger for logging.
	Logger *slog.Logger
}

// Service implements AdminService.
type Service struct {
	nodes   NodeStore
	cluster StatusSource
	mounts  Mounter
	sealer  *seal.Sealer
	logger  *slog.Logger
}

// New creates the admin service.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		nodes:   cfg.Nodes,
		cluster: cfg.Cluster,
		mounts:  cfg.Mounts,
		sealer:  cfg.Sealer,
		logger:  cfg.Logger,
	}
}

// Handler returns the path prefix and handler of AdminService.
func (s *Service) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(ProcPutNode, clusterserver.Unary(ProcPutNode, s.PutNode, opts...))
	mux.Handle(ProcDeleteNode, clusterserver.Unary(ProcDeleteNode, s.DeleteNode, opts...))
	mux.Handle(ProcListNodes, clusterserver.Unary(ProcListNodes, s.ListNodes, opts...))
	mux.Handle(ProcGetNode, clusterserver.Unary(ProcGetNode, s.GetNode, opts...))
	mux.Handle(ProcClusterStatus, clusterserver.Unary(ProcClusterStatus, s.ClusterStatus, opts...))
	mux.Handle(ProcRead, clusterserver.Unary(ProcRead, s.Read, opts...))
	mux.Handle(ProcCommit, clusterserver.Unary(ProcCommit, s.Commit, opts...))
	return "/" + ServiceName + "/", mux
}

// PutNode seals the password and stores the configuration.
func (s *Service) PutNode(ctx context.Context, req *PutNodeRequest) (*clusterserver.Empty, error) {
	cfg := req.Node
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sealed, err := s.sealer.Seal(cfg.Password, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("seal password: %w", err)
	}
	cfg.Password = sealed

	if err := s.nodes.PutNode(ctx, cfg); err != nil {
		return nil, err
	}
	s.logger.Info("node configured", "node_id", cfg.ID, "host", cfg.Host, "port", cfg.Port)
	return &clusterserver.Empty{}, nil
}

// DeleteNode removes a node configuration.
func (s *Service) DeleteNode(ctx context.Context, req *NodeRequest) (*clusterserver.Empty, error) {
	if err := s.nodes.DeleteNode(ctx, req.NodeID); err != nil {
		return nil, err
	}
	s.logger.Info("node removed", "node_id", req.NodeID)
	return &clusterserver.Empty{}, nil
}

// ListNodes returns every configured node.
func (s *Service) ListNodes(_ context.Context, _ *clusterserver.Empty) (*ListNodesResponse, error) {
	nodes := s.nodes.Nodes()
	resp := &ListNodesResponse{Nodes: make([]NodeView, 0, len(nodes))}
	for _, cfg := range nodes {
		resp.Nodes = append(resp.Nodes, s.view(cfg))
	}
	return resp, nil
}

// GetNode returns one node.
func (s *Service) GetNode(_ context.Context, req *NodeRequest) (*NodeView, error) {
	cfg, ok := s.nodes.Node(req.NodeID)
	if !ok {
		return nil, domain.ErrNodeNotFound.WithDetails(req.NodeID)
	}
	v := s.view(cfg)
	return &v, nil
}

// ClusterStatus returns the cluster status seen by this member.
func (s *Service) ClusterStatus(_ context.Context, _ *clusterserver.Empty) (*clusterserver.Status, error) {
	st := s.cluster.Status()
	return &st, nil
}

// Read reads one path through a read-only proxy transaction.
func (s *Service) Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error) {
	factory, err := s.mounts.Mount(req.NodeID)
	if err != nil {
		return nil, err
	}
	tx := factory.NewReadOnlyTransaction()
	defer tx.Close()

	value, found, err := tx.Read(ctx, req.Store, req.Path)
	if err != nil {
		return nil, err
	}
	return &ReadResponse{Found: found, Value: value}, nil
}

// Commit applies a batch of writes through a write-only proxy transaction.
func (s *Service) Commit(ctx context.Context, req *CommitRequest) (*clusterserver.Empty, error) {
	factory, err := s.mounts.Mount(req.NodeID)
	if err != nil {
		return nil, err
	}
	tx := factory.NewWriteOnlyTransaction()

	for _, op := range req.Ops {
		var err error
		switch op.Kind {
		case domain.OpPut:
			err = tx.Put(op.Store, op.Path, op.Payload)
		case domain.OpMerge:
			err = tx.Merge(op.Store, op.Path, op.Payload)
		case domain.OpDelete:
			err = tx.Delete(op.Store, op.Path)
		default:
			err = domain.ErrDeviceRejected.WithDetails(fmt.Sprintf("unknown operation %q", op.Kind))
		}
		if err != nil {
			tx.Cancel()
			return nil, err
		}
	}

	if _, err := tx.Submit().Get(ctx); err != nil {
		return nil, err
	}
	s.logger.Info("device commit", "node_id", req.NodeID, "tx_id", tx.ID(), "ops", len(req.Ops))
	return &clusterserver.Empty{}, nil
}

func (s *Service) view(cfg domain.NodeConfig) NodeView {
	if cfg.Password != "" {
		cfg.Password = maskedPassword
	}
	v := NodeView{Config: cfg}
	if rec, ok := s.nodes.Record(cfg.ID); ok {
		v.Record = &rec
	}
	return v
}
