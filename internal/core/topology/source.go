package topology

import (
	"context"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/core/peer"
)

// NodeHandler executes lifecycle commands on the local member.
// mount.Manager implements it.
type NodeHandler interface {
	Create(ctx context.Context, cfg domain.NodeConfig) (domain.DeviceNodeRecord, error)
	Delete(ctx context.Context, nodeID string) error
	Status(ctx context.Context, nodeID string) (domain.DeviceNodeRecord, error)
}

// PeerSource returns the confirmed peers. peer.Tracker implements it.
type PeerSource interface {
	Peers() []peer.PeerHandle
}

// OperationalStore is the shared operational state written by the owner.
type OperationalStore interface {
	PutRecord(ctx context.Context, rec domain.DeviceNodeRecord) error
	DeleteRecord(ctx context.Context, nodeID string) error
}

// ConfigChange is a change of one node's configuration. Node is nil when
// the node was removed.
type ConfigChange struct {
	NodeID string
	Node   *domain.NodeConfig
}

// ConfigSource is the node configuration store.
type ConfigSource interface {
	// Nodes returns every configured node.
	Nodes() []domain.NodeConfig

	// WatchNodes calls fn for every change until cancel is called. Calls
	// are made in commit order.
	WatchNodes(fn func(ConfigChange)) (cancel func())
}
