package peer

import (
	"context"

	"github.com/yndnr/topomesh-go/internal/core/domain"
)

// EventKind is the kind of a membership event.
type EventKind int

const (
	MemberUp EventKind = iota
	MemberExited
	MemberRemoved
	Unreachable
	Reachable
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case MemberUp:
		return "member_up"
	case MemberExited:
		return "member_exited"
	case MemberRemoved:
		return "member_removed"
	case Unreachable:
		return "unreachable"
	case Reachable:
		return "reachable"
	default:
		return "unknown"
	}
}

// Event is a membership change reported by the discovery layer.
type Event struct {
	Kind   EventKind
	Member domain.Member
}

// Endpoint is the topology service of one member.
type Endpoint interface {
	// Identify is the discovery handshake: it sends the caller's identity
	// and returns the callee's.
	Identify(ctx context.Context, self domain.Identity) (domain.Identity, error)

	CreateNode(ctx context.Context, cfg domain.NodeConfig) (domain.DeviceNodeRecord, error)
	DeleteNode(ctx context.Context, nodeID string) error
	NodeStatus(ctx context.Context, nodeID string) (domain.DeviceNodeRecord, error)
	IsMaster(ctx context.Context, topologyID string) (bool, error)
	NotifyNodeStatusChange(ctx context.Context, nodeID string) error

	// Execute delivers a proxy transaction request to the member's master
	// executor.
	Execute(ctx context.Context, req domain.TxRequest) (domain.TxReply, error)
}

// Dialer resolves the topology endpoint of a member.
type Dialer interface {
	Dial(member domain.Member, topologyID string) (Endpoint, error)
}

// PeerHandle is a confirmed peer. Handles are immutable; the context they
// carry is cancelled when the peer is removed.
type PeerHandle struct {
	Address  string
	RPCAddr  string
	Endpoint Endpoint

	ctx context.Context
}

// NewHandle returns a handle bound to ctx.
func NewHandle(ctx context.Context, member domain.Member, ep Endpoint) PeerHandle {
	return PeerHandle{Address: member.ID, RPCAddr: member.RPCAddr, Endpoint: ep, ctx: ctx}
}

// Member returns the member the handle points to.
func (h PeerHandle) Member() domain.Member {
	return domain.Member{ID: h.Address, RPCAddr: h.RPCAddr}
}

// Context returns the handle's lifetime context.
func (h PeerHandle) Context() context.Context {
	if h.ctx == nil {
		return context.Background()
	}
	return h.ctx
}

// Bind returns a context that ends when ctx ends or the peer is removed,
// whichever comes first.
func (h PeerHandle) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	bound, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(h.Context(), func() {
		cancel(domain.ErrPeerNoResponse.WithDetails("peer " + h.Address + " removed"))
	})
	return bound, func() {
		stop()
		cancel(context.Canceled)
	}
}
