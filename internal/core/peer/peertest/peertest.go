// Package peertest provides in-memory peer endpoints for tests.
package peertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/core/peer"
)

// Endpoint is a scriptable peer.Endpoint. Nil hooks fall back to a
// successful default answer for Member.
type Endpoint struct {
	Member     string
	TopologyID string

	IdentifyFunc func(ctx context.Context, self domain.Identity) (domain.Identity, error)
	CreateFunc   func(ctx context.Context, cfg domain.NodeConfig) (domain.DeviceNodeRecord, error)
	DeleteFunc   func(ctx context.Context, nodeID string) error
	StatusFunc   func(ctx context.Context, nodeID string) (domain.DeviceNodeRecord, error)
	IsMasterFunc func(ctx context.Context, topologyID string) (bool, error)
	NotifyFunc   func(ctx context.Context, nodeID string) error
	ExecuteFunc  func(ctx context.Context, req domain.TxRequest) (domain.TxReply, error)

	mu    sync.Mutex
	calls []string
}

// Calls returns the names of the methods called so far, in order.
func (e *Endpoint) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *Endpoint) record(name string) {
	e.mu.Lock()
	e.calls = append(e.calls, name)
	e.mu.Unlock()
}

func (e *Endpoint) Identify(ctx context.Context, self domain.Identity) (domain.Identity, error) {
	e.record("Identify")
	if e.IdentifyFunc != nil {
		return e.IdentifyFunc(ctx, self)
	}
	return domain.Identity{Member: domain.Member{ID: e.Member}, TopologyID: e.TopologyID}, nil
}

func (e *Endpoint) CreateNode(ctx context.Context, cfg domain.NodeConfig) (domain.DeviceNodeRecord, error) {
	e.record("CreateNode")
	if e.CreateFunc != nil {
		return e.CreateFunc(ctx, cfg)
	}
	return domain.ConnectedRecord(cfg, e.Member), nil
}

func (e *Endpoint) DeleteNode(ctx context.Context, nodeID string) error {
	e.record("DeleteNode")
	if e.DeleteFunc != nil {
		return e.DeleteFunc(ctx, nodeID)
	}
	return nil
}

func (e *Endpoint) NodeStatus(ctx context.Context, nodeID string) (domain.DeviceNodeRecord, error) {
	e.record("NodeStatus")
	if e.StatusFunc != nil {
		return e.StatusFunc(ctx, nodeID)
	}
	return domain.DeviceNodeRecord{}, domain.ErrNodeNotFound.WithDetails(nodeID)
}

func (e *Endpoint) IsMaster(ctx context.Context, topologyID string) (bool, error) {
	e.record("IsMaster")
	if e.IsMasterFunc != nil {
		return e.IsMasterFunc(ctx, topologyID)
	}
	return false, nil
}

func (e *Endpoint) NotifyNodeStatusChange(ctx context.Context, nodeID string) error {
	e.record("NotifyNodeStatusChange")
	if e.NotifyFunc != nil {
		return e.NotifyFunc(ctx, nodeID)
	}
	return nil
}

func (e *Endpoint) Execute(ctx context.Context, req domain.TxRequest) (domain.TxReply, error) {
	e.record("Execute")
	if e.ExecuteFunc != nil {
		return e.ExecuteFunc(ctx, req)
	}
	return domain.FailureReply(domain.ErrDeviceRejected.WithDetails("no executor")), nil
}

// Dialer resolves endpoints registered by member id.
type Dialer struct {
	mu        sync.Mutex
	endpoints map[string]peer.Endpoint
}

// NewDialer returns an empty dialer.
func NewDialer() *Dialer {
	return &Dialer{endpoints: make(map[string]peer.Endpoint)}
}

// Register makes ep reachable as member.
func (d *Dialer) Register(member string, ep peer.Endpoint) {
	d.mu.Lock()
	d.endpoints[member] = ep
	d.mu.Unlock()
}

// Dial implements peer.Dialer.
func (d *Dialer) Dial(member domain.Member, _ string) (peer.Endpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ep, ok := d.endpoints[member.ID]
	if !ok {
		return nil, fmt.Errorf("no endpoint for %s", member.ID)
	}
	return ep, nil
}
