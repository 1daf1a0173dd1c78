// Package ownershiptest provides an in-process ownership primitive for
// tests. Several members share one Cluster; the owner of an entity is its
// earliest still-registered candidate.
package ownershiptest

import (
	"context"
	"sync"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/core/ownership"
)

// Cluster is the shared election state.
type Cluster struct {
	mu         sync.Mutex
	candidates map[domain.EntityID][]string
	watchers   map[uint64]watcher
	nextID     uint64

	// deliver serializes change delivery so watchers see changes in order.
	deliver sync.Mutex
}

type watcher struct {
	entityType string
	fn         func(ownership.Change)
}

// NewCluster returns an empty cluster.
func NewCluster() *Cluster {
	return &Cluster{
		candidates: make(map[domain.EntityID][]string),
		watchers:   make(map[uint64]watcher),
	}
}

// Member returns the primitive seen by member.
func (c *Cluster) Member(member string) *Primitive {
	return &Primitive{cluster: c, member: member}
}

// Owner returns the owner of entity.
func (c *Cluster) Owner(entity domain.EntityID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ownerLocked(entity)
}

// Crash drops every candidacy of member, as if it left the cluster.
func (c *Cluster) Crash(member string) {
	c.mutate(func() []ownership.Change {
		var changes []ownership.Change
		for entity := range c.candidates {
			if ch, ok := c.removeLocked(entity, member); ok {
				changes = append(changes, ch)
			}
		}
		return changes
	})
}

func (c *Cluster) ownerLocked(entity domain.EntityID) (string, bool) {
	cands := c.candidates[entity]
	if len(cands) == 0 {
		return "", false
	}
	return cands[0], true
}

func (c *Cluster) removeLocked(entity domain.EntityID, member string) (ownership.Change, bool) {
	before, _ := c.ownerLocked(entity)
	cands := c.candidates[entity]
	for i, m := range cands {
		if m == member {
			c.candidates[entity] = append(cands[:i:i], cands[i+1:]...)
			break
		}
	}
	if len(c.candidates[entity]) == 0 {
		delete(c.candidates, entity)
	}
	after, _ := c.ownerLocked(entity)
	return ownership.Change{Entity: entity, Previous: before, Owner: after}, before != after
}

// mutate applies fn under the state lock and delivers its changes in order.
func (c *Cluster) mutate(fn func() []ownership.Change) {
	c.deliver.Lock()
	defer c.deliver.Unlock()

	c.mu.Lock()
	changes := fn()
	watchers := make([]watcher, 0, len(c.watchers))
	for _, w := range c.watchers {
		watchers = append(watchers, w)
	}
	c.mu.Unlock()

	for _, ch := range changes {
		for _, w := range watchers {
			if w.entityType == ch.Entity.Type {
				w.fn(ch)
			}
		}
	}
}

// Primitive implements ownership.Primitive for one member of a Cluster.
type Primitive struct {
	cluster *Cluster
	member  string
}

// LocalMember returns the member name.
func (p *Primitive) LocalMember() string {
	return p.member
}

// RegisterCandidate appends the member to the entity's candidate list.
func (p *Primitive) RegisterCandidate(ctx context.Context, entity domain.EntityID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := p.cluster
	c.mutate(func() []ownership.Change {
		before, _ := c.ownerLocked(entity)
		for _, m := range c.candidates[entity] {
			if m == p.member {
				return nil
			}
		}
		c.candidates[entity] = append(c.candidates[entity], p.member)
		after, _ := c.ownerLocked(entity)
		if before == after {
			return nil
		}
		return []ownership.Change{{Entity: entity, Previous: before, Owner: after}}
	})
	return nil
}

// UnregisterCandidate removes the member from the entity's candidate list.
func (p *Primitive) UnregisterCandidate(ctx context.Context, entity domain.EntityID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := p.cluster
	c.mutate(func() []ownership.Change {
		if ch, ok := c.removeLocked(entity, p.member); ok {
			return []ownership.Change{ch}
		}
		return nil
	})
	return nil
}

// Owner returns the owner of entity.
func (p *Primitive) Owner(entity domain.EntityID) (string, bool) {
	return p.cluster.Owner(entity)
}

// Watch registers fn for owner changes of entityType.
func (p *Primitive) Watch(entityType string, fn func(ownership.Change)) func() {
	c := p.cluster
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.watchers[id] = watcher{entityType: entityType, fn: fn}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}
