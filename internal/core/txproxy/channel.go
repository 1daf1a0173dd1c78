package txproxy

import (
	"context"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/core/peer"
	"github.com/yndnr/topomesh-go/pkg/future"
)

// Channel delivers requests to the master executor of a device.
type Channel interface {
	Send(ctx context.Context, req domain.TxRequest) (domain.TxReply, error)
}

// OwnerFunc resolves the channel to the current owner. The future may be
// unresolved while no owner is known.
type OwnerFunc func() *future.Future[Channel]

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, req domain.TxRequest) (domain.TxReply, error)

// Send calls f.
func (f ChannelFunc) Send(ctx context.Context, req domain.TxRequest) (domain.TxReply, error) {
	return f(ctx, req)
}

// RemoteChannel sends requests to a peer's Execute endpoint. Calls fail as
// soon as the peer is removed from membership.
type RemoteChannel struct {
	Peer peer.PeerHandle
}

// Send implements Channel.
func (c RemoteChannel) Send(ctx context.Context, req domain.TxRequest) (domain.TxReply, error) {
	ctx, cancel := c.Peer.Bind(ctx)
	defer cancel()

	reply, err := c.Peer.Endpoint.Execute(ctx, req)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return domain.TxReply{}, cause
		}
		return domain.TxReply{}, err
	}
	return reply, nil
}
