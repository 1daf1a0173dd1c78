package ownership

import (
	"context"
	"sync"

	"github.com/yndnr/topomesh-go/internal/core/domain"
)

// Change reports that the owner of an entity moved. An empty Owner means
// the entity has no owner.
type Change struct {
	Entity   domain.EntityID
	Previous string
	Owner    string
}

// Primitive is the cluster-wide single-owner election. At most one member
// is the owner of an entity at a time; this package relies on that and does
// not re-verify it.
type Primitive interface {
	// LocalMember returns the identity this member registers under.
	LocalMember() string

	RegisterCandidate(ctx context.Context, entity domain.EntityID) error
	UnregisterCandidate(ctx context.Context, entity domain.EntityID) error

	// Owner returns the current owner of entity.
	Owner(entity domain.EntityID) (member string, ok bool)

	// Watch calls fn for every owner change of entities of entityType until
	// the returned cancel function is called. Calls are made in the order
	// the changes happened.
	Watch(entityType string, fn func(Change)) (cancel func())
}

// Registration is a handle released by Close. Close is idempotent.
type Registration struct {
	once    sync.Once
	release func() error
	err     error
}

// NewRegistration wraps a release function.
func NewRegistration(release func() error) *Registration {
	return &Registration{release: release}
}

// Close releases the registration.
func (r *Registration) Close() error {
	if r == nil {
		return nil
	}
	r.once.Do(func() {
		if r.release != nil {
			r.err = r.release()
		}
	})
	return r.err
}
