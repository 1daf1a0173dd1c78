package clusterserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"connectrpc.com/connect"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/core/peer"
	"github.com/yndnr/topomesh-go/internal/core/topology"
)

// Prober answers the discovery handshake. peer.Tracker implements it.
type Prober interface {
	HandleProbe(ctx context.Context, remote domain.Identity) (domain.Identity, error)
}

// Master answers topology ownership questions and routes status change
// notifications. topology.Manager implements it.
type Master interface {
	IsMaster(topologyID string) bool
	NotifyNodeStatusChange(ctx context.Context, nodeID string) error
}

// TxExecutor delivers proxy transaction requests to the local master
// executors. txproxy.Registry implements it.
type TxExecutor interface {
	Execute(ctx context.Context, req domain.TxRequest) domain.TxReply
}

// TopologyBackend holds the local services behind TopologyService.
type TopologyBackend struct {
	Prober   Prober
	Nodes    topology.NodeHandler
	Master   Master
	Executor TxExecutor
}

// NewTopologyHandler returns the path prefix and handler of TopologyService.
func NewTopologyHandler(b TopologyBackend, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()

	mux.Handle(ProcIdentify, Unary(ProcIdentify,
		func(ctx context.Context, req *IdentifyRequest) (*IdentifyResponse, error) {
			id, err := b.Prober.HandleProbe(ctx, req.Identity)
			if err != nil {
				return nil, err
			}
			return &IdentifyResponse{Identity: id}, nil
		}, opts...))

	mux.Handle(ProcCreateNode, Unary(ProcCreateNode,
		func(ctx context.Context, req *CreateNodeRequest) (*RecordResponse, error) {
			rec, err := b.Nodes.Create(ctx, req.Node)
			if err != nil {
				return nil, err
			}
			return &RecordResponse{Record: rec}, nil
		}, opts...))

	mux.Handle(ProcDeleteNode, Unary(ProcDeleteNode,
		func(ctx context.Context, req *NodeRequest) (*Empty, error) {
			if err := b.Nodes.Delete(ctx, req.NodeID); err != nil {
				return nil, err
			}
			return &Empty{}, nil
		}, opts...))

	mux.Handle(ProcNodeStatus, Unary(ProcNodeStatus,
		func(ctx context.Context, req *NodeRequest) (*RecordResponse, error) {
			rec, err := b.Nodes.Status(ctx, req.NodeID)
			if err != nil {
				return nil, err
			}
			return &RecordResponse{Record: rec}, nil
		}, opts...))

	mux.Handle(ProcIsMaster, Unary(ProcIsMaster,
		func(_ context.Context, req *IsMasterRequest) (*IsMasterResponse, error) {
			return &IsMasterResponse{Master: b.Master.IsMaster(req.TopologyID)}, nil
		}, opts...))

	mux.Handle(ProcNotifyNodeStatusChange, Unary(ProcNotifyNodeStatusChange,
		func(ctx context.Context, req *NodeRequest) (*Empty, error) {
			if err := b.Master.NotifyNodeStatusChange(ctx, req.NodeID); err != nil {
				return nil, err
			}
			return &Empty{}, nil
		}, opts...))

	mux.Handle(ProcExecute, Unary(ProcExecute,
		func(ctx context.Context, req *domain.TxRequest) (*domain.TxReply, error) {
			reply := b.Executor.Execute(ctx, *req)
			return &reply, nil
		}, opts...))

	return "/" + TopologyServiceName + "/", mux
}

// TopologyClient calls TopologyService on one member. It implements
// peer.Endpoint.
type TopologyClient struct {
	identify *Client[IdentifyRequest, IdentifyResponse]
	create   *Client[CreateNodeRequest, RecordResponse]
	remove   *Client[NodeRequest, Empty]
	status   *Client[NodeRequest, RecordResponse]
	isMaster *Client[IsMasterRequest, IsMasterResponse]
	notify   *Client[NodeRequest, Empty]
	execute  *Client[domain.TxRequest, domain.TxReply]
}

var _ peer.Endpoint = (*TopologyClient)(nil)

// NewTopologyClient returns a client for the member serving baseURL.
func NewTopologyClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *TopologyClient {
	return &TopologyClient{
		identify: NewClient[IdentifyRequest, IdentifyResponse](httpClient, baseURL, ProcIdentify, opts...),
		create:   NewClient[CreateNodeRequest, RecordResponse](httpClient, baseURL, ProcCreateNode, opts...),
		remove:   NewClient[NodeRequest, Empty](httpClient, baseURL, ProcDeleteNode, opts...),
		status:   NewClient[NodeRequest, RecordResponse](httpClient, baseURL, ProcNodeStatus, opts...),
		isMaster: NewClient[IsMasterRequest, IsMasterResponse](httpClient, baseURL, ProcIsMaster, opts...),
		notify:   NewClient[NodeRequest, Empty](httpClient, baseURL, ProcNotifyNodeStatusChange, opts...),
		execute:  NewClient[domain.TxRequest, domain.TxReply](httpClient, baseURL, ProcExecute, opts...),
	}
}

// Identify implements peer.Endpoint.
func (c *TopologyClient) Identify(ctx context.Context, self domain.Identity) (domain.Identity, error) {
	resp, err := c.identify.Call(ctx, &IdentifyRequest{Identity: self})
	if err != nil {
		return domain.Identity{}, err
	}
	return resp.Identity, nil
}

// CreateNode implements peer.Endpoint.
func (c *TopologyClient) CreateNode(ctx context.Context, cfg domain.NodeConfig) (domain.DeviceNodeRecord, error) {
	resp, err := c.create.Call(ctx, &CreateNodeRequest{Node: cfg})
	if err != nil {
		return domain.DeviceNodeRecord{}, err
	}
	return resp.Record, nil
}

// DeleteNode implements peer.Endpoint.
func (c *TopologyClient) DeleteNode(ctx context.Context, nodeID string) error {
	_, err := c.remove.Call(ctx, &NodeRequest{NodeID: nodeID})
	return err
}

// NodeStatus implements peer.Endpoint.
func (c *TopologyClient) NodeStatus(ctx context.Context, nodeID string) (domain.DeviceNodeRecord, error) {
	resp, err := c.status.Call(ctx, &NodeRequest{NodeID: nodeID})
	if err != nil {
		return domain.DeviceNodeRecord{}, err
	}
	return resp.Record, nil
}

// IsMaster implements peer.Endpoint.
func (c *TopologyClient) IsMaster(ctx context.Context, topologyID string) (bool, error) {
	resp, err := c.isMaster.Call(ctx, &IsMasterRequest{TopologyID: topologyID})
	if err != nil {
		return false, err
	}
	return resp.Master, nil
}

// NotifyNodeStatusChange implements peer.Endpoint.
func (c *TopologyClient) NotifyNodeStatusChange(ctx context.Context, nodeID string) error {
	_, err := c.notify.Call(ctx, &NodeRequest{NodeID: nodeID})
	return err
}

// Execute implements peer.Endpoint.
func (c *TopologyClient) Execute(ctx context.Context, req domain.TxRequest) (domain.TxReply, error) {
	resp, err := c.execute.Call(ctx, &req)
	if err != nil {
		return domain.TxReply{}, err
	}
	return *resp, nil
}

// Dialer resolves TopologyService clients by rpc address. It implements
// peer.Dialer.
type Dialer struct {
	httpClient connect.HTTPClient
	opts       []connect.ClientOption

	mu      sync.Mutex
	clients map[string]*TopologyClient
}

// NewDialer returns a dialer using httpClient (http.DefaultClient if nil).
func NewDialer(httpClient connect.HTTPClient, opts ...connect.ClientOption) *Dialer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Dialer{
		httpClient: httpClient,
		opts:       opts,
		clients:    make(map[string]*TopologyClient),
	}
}

// Dial implements peer.Dialer.
func (d *Dialer) Dial(member domain.Member, _ string) (peer.Endpoint, error) {
	if member.RPCAddr == "" {
		return nil, fmt.Errorf("member %s has no rpc address", member.ID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[member.RPCAddr]; ok {
		return c, nil
	}
	c := NewTopologyClient(d.httpClient, BaseURL(member.RPCAddr), d.opts...)
	d.clients[member.RPCAddr] = c
	return c, nil
}
