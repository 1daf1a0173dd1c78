package adminserver

import (
	"context"

	"connectrpc.com/connect"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/server/clusterserver"
)

// Client calls AdminService.
type Client struct {
	putNode       *clusterserver.Client[PutNodeRequest, clusterserver.Empty]
	deleteNode    *clusterserver.Client[NodeRequest, clusterserver.Empty]
	listNodes     *clusterserver.Client[clusterserver.Empty, ListNodesResponse]
	getNode       *clusterserver.Client[NodeRequest, NodeView]
	clusterStatus *clusterserver.Client[clusterserver.Empty, clusterserver.Status]
	read          *clusterserver.Client[ReadRequest, ReadResponse]
	commit        *clusterserver.Client[CommitRequest, clusterserver.Empty]
}

// NewClient returns a client of the member serving addr.
func NewClient(httpClient connect.HTTPClient, addr string, opts ...connect.ClientOption) *Client {
	base := clusterserver.BaseURL(addr)
	return &Client{
		putNode:       clusterserver.NewClient[PutNodeRequest, clusterserver.Empty](httpClient, base, ProcPutNode, opts...),
		deleteNode:    clusterserver.NewClient[NodeRequest, clusterserver.Empty](httpClient, base, ProcDeleteNode, opts...),
		listNodes:     clusterserver.NewClient[clusterserver.Empty, ListNodesResponse](httpClient, base, ProcListNodes, opts...),
		getNode:       clusterserver.NewClient[NodeRequest, NodeView](httpClient, base, ProcGetNode, opts...),
		clusterStatus: clusterserver.NewClient[clusterserver.Empty, clusterserver.Status](httpClient, base, ProcClusterStatus, opts...),
		read:          clusterserver.NewClient[ReadRequest, ReadResponse](httpClient, base, ProcRead, opts...),
		commit:        clusterserver.NewClient[CommitRequest, clusterserver.Empty](httpClient, base, ProcCommit, opts...),
	}
}

// PutNode stores a node configuration.
func (c *Client) PutNode(ctx context.Context, cfg domain.NodeConfig) error {
	_, err := c.putNode.Call(ctx, &PutNodeRequest{Node: cfg})
	return err
}

// DeleteNode removes a node configuration.
func (c *Client) DeleteNode(ctx context.Context, nodeID string) error {
	_, err := c.deleteNode.Call(ctx, &NodeRequest{NodeID: nodeID})
	return err
}

// ListNodes returns every configured node.
func (c *Client) ListNodes(ctx context.Context) ([]NodeView, error) {
	resp, err := c.listNodes.Call(ctx, &clusterserver.Empty{})
	if err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// GetNode returns one node.
func (c *Client) GetNode(ctx context.Context, nodeID string) (NodeView, error) {
	resp, err := c.getNode.Call(ctx, &NodeRequest{NodeID: nodeID})
	if err != nil {
		return NodeView{}, err
	}
	return *resp, nil
}

// ClusterStatus returns the cluster status seen by the member.
func (c *Client) ClusterStatus(ctx context.Context) (clusterserver.Status, error) {
	resp, err := c.clusterStatus.Call(ctx, &clusterserver.Empty{})
	if err != nil {
		return clusterserver.Status{}, err
	}
	return *resp, nil
}

// Read reads one path of a device datastore.
func (c *Client) Read(ctx context.Context, req ReadRequest) (ReadResponse, error) {
	resp, err := c.read.Call(ctx, &req)
	if err != nil {
		return ReadResponse{}, err
	}
	return *resp, nil
}

// Commit applies a batch of writes to a device.
func (c *Client) Commit(ctx context.Context, nodeID string, ops []domain.PendingOperation) error {
	_, err := c.commit.Call(ctx, &CommitRequest{NodeID: nodeID, Ops: ops})
	return err
}
