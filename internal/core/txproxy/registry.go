package txproxy

import (
	"context"
	"io"
	"sync"

	"github.com/yndnr/topomesh-go/internal/core/domain"
)

// Registry holds the executors of the devices this member is master for.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]*Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]*Executor)}
}

// Register publishes e for nodeID. Closing the returned handle removes the
// entry and closes e.
func (r *Registry) Register(nodeID string, e *Executor) io.Closer {
	r.mu.Lock()
	prev := r.executors[nodeID]
	r.executors[nodeID] = e
	r.mu.Unlock()

	if prev != nil && prev != e {
		prev.Close()
	}
	return &registration{registry: r, nodeID: nodeID, executor: e}
}

// Lookup returns the executor for nodeID.
func (r *Registry) Lookup(nodeID string) (*Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[nodeID]
	return e, ok
}

// Execute routes req to the local executor of req.NodeID. A member that is
// not master answers with a master-unavailable failure so the caller can
// retry against the new owner.
func (r *Registry) Execute(ctx context.Context, req domain.TxRequest) domain.TxReply {
	e, ok := r.Lookup(req.NodeID)
	if !ok {
		return domain.FailureReply(domain.ErrMasterUnavailable.WithDetails("not master for " + req.NodeID))
	}
	reply, err := e.Send(ctx, req)
	if err != nil {
		return domain.FailureReply(domain.ErrMasterUnavailable.WithDetails(err.Error()))
	}
	return reply
}

type registration struct {
	once     sync.Once
	registry *Registry
	nodeID   string
	executor *Executor
}

func (g *registration) Close() error {
	g.once.Do(func() {
		g.registry.mu.Lock()
		if g.registry.executors[g.nodeID] == g.executor {
			delete(g.registry.executors, g.nodeID)
		}
		g.registry.mu.Unlock()
		g.executor.Close()
	})
	return nil
}
