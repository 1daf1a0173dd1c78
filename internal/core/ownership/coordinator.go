package ownership

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/pkg/serial"
)

// Listener receives local ownership transitions for an entity.
type Listener func(entity domain.EntityID, state domain.OwnershipState)

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// Primitive is the election primitive. Required.
	Primitive Primitive

	// Dispatcher serializes notifications per entity. If nil, the
	// coordinator starts and owns one.
	Dispatcher *serial.Dispatcher

	// UnregisterTimeout bounds the unregister issued by Registration.Close.
	// Default: 10s
	UnregisterTimeout time.Duration

	// Logger for logging.
	Logger *slog.Logger
}

// Coordinator tracks candidate registrations and fans ownership changes
// out to listeners.
type Coordinator struct {
	primitive         Primitive
	self              string
	dispatcher        *serial.Dispatcher
	ownsDispatcher    bool
	unregisterTimeout time.Duration
	logger            *slog.Logger

	mu         sync.Mutex
	registered map[domain.EntityID]bool
	subs       map[domain.EntityID]map[uint64]Listener
	state      map[domain.EntityID]domain.OwnershipState
	watches    map[string]func()
	nextSubID  uint64
	closed     bool
}

// NewCoordinator creates a coordinator. Nothing is registered with the
// primitive until RegisterCandidate or Subscribe is called.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.UnregisterTimeout <= 0 {
		cfg.UnregisterTimeout = 10 * time.Second
	}

	c := &Coordinator{
		primitive:         cfg.Primitive,
		self:              cfg.Primitive.LocalMember(),
		dispatcher:        cfg.Dispatcher,
		unregisterTimeout: cfg.UnregisterTimeout,
		logger:            cfg.Logger,
		registered:        make(map[domain.EntityID]bool),
		subs:              make(map[domain.EntityID]map[uint64]Listener),
		state:             make(map[domain.EntityID]domain.OwnershipState),
		watches:           make(map[string]func()),
	}
	if c.dispatcher == nil {
		c.dispatcher = serial.New(serial.WithLogger(cfg.Logger), serial.WithQueueSize(1024))
		c.ownsDispatcher = true
	}
	return c
}

// LocalMember returns the identity of this member.
func (c *Coordinator) LocalMember() string {
	return c.self
}

// RegisterCandidate makes this member a candidate for entity.
//
// Registering an entity that is still registered fails with
// domain.ErrOwnershipConflict; callers must unregister first.
func (c *Coordinator) RegisterCandidate(ctx context.Context, entity domain.EntityID) (*Registration, error) {
	c.mu.Lock()
	if c.registered[entity] {
		c.mu.Unlock()
		return nil, domain.ErrOwnershipConflict.WithDetails(entity.String())
	}
	c.registered[entity] = true
	c.mu.Unlock()

	if err := c.primitive.RegisterCandidate(ctx, entity); err != nil {
		c.mu.Lock()
		delete(c.registered, entity)
		c.mu.Unlock()
		return nil, err
	}

	c.logger.Debug("registered ownership candidate", "entity", entity.String())

	return NewRegistration(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), c.unregisterTimeout)
		defer cancel()
		return c.UnregisterCandidate(ctx, entity)
	}), nil
}

// UnregisterCandidate withdraws the candidacy for entity. Unregistering an
// entity that is not registered is a no-op.
func (c *Coordinator) UnregisterCandidate(ctx context.Context, entity domain.EntityID) error {
	c.mu.Lock()
	if !c.registered[entity] {
		c.mu.Unlock()
		return nil
	}
	delete(c.registered, entity)
	c.mu.Unlock()

	if err := c.primitive.UnregisterCandidate(ctx, entity); err != nil {
		return err
	}
	c.logger.Debug("unregistered ownership candidate", "entity", entity.String())
	return nil
}

// IsRegistered reports whether this member is a candidate for entity.
func (c *Coordinator) IsRegistered(entity domain.EntityID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered[entity]
}

// Owner returns the current owner of entity.
func (c *Coordinator) Owner(entity domain.EntityID) (string, bool) {
	return c.primitive.Owner(entity)
}

// IsOwner reports whether this member currently owns entity.
func (c *Coordinator) IsOwner(entity domain.EntityID) bool {
	owner, ok := c.primitive.Owner(entity)
	return ok && owner == c.self
}

// Subscribe calls listener whenever the local ownership state of entity
// changes. If the entity already has an owner, listener first receives the
// current state.
func (c *Coordinator) Subscribe(entity domain.EntityID, listener Listener) *Registration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return NewRegistration(nil)
	}

	if _, ok := c.watches[entity.Type]; !ok {
		c.watches[entity.Type] = c.primitive.Watch(entity.Type, c.onChange)
	}

	c.nextSubID++
	id := c.nextSubID
	if c.subs[entity] == nil {
		c.subs[entity] = make(map[uint64]Listener)
	}
	c.subs[entity][id] = listener

	current, ok := c.state[entity]
	if !ok {
		owner, has := c.primitive.Owner(entity)
		current = domain.OwnershipState{IsOwner: has && owner == c.self, HasOwner: has}
		c.state[entity] = current
	}
	if current.HasOwner {
		initial := domain.OwnershipState{IsOwner: current.IsOwner, HasOwner: true}
		c.dispatcher.Submit(entity.String(), func() { listener(entity, initial) })
	}

	return NewRegistration(func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[entity], id)
		if len(c.subs[entity]) == 0 {
			delete(c.subs, entity)
			delete(c.state, entity)
		}
		return nil
	})
}

// onChange derives the local state from an owner change and notifies the
// entity's listeners when it differs from the last delivered state.
func (c *Coordinator) onChange(ch Change) {
	c.mu.Lock()
	defer c.mu.Unlock()

	listeners := c.subs[ch.Entity]
	if len(listeners) == 0 {
		return
	}

	prev, ok := c.state[ch.Entity]
	if !ok {
		prev = domain.OwnershipState{IsOwner: ch.Previous == c.self, HasOwner: ch.Previous != ""}
	}
	next := domain.OwnershipState{
		WasOwner: prev.IsOwner,
		IsOwner:  ch.Owner == c.self,
		HasOwner: ch.Owner != "",
	}
	if next.IsOwner == prev.IsOwner && next.HasOwner == prev.HasOwner {
		return
	}
	c.state[ch.Entity] = next

	c.logger.Info("ownership changed",
		"entity", ch.Entity.String(),
		"owner", ch.Owner,
		"is_owner", next.IsOwner)

	entity := ch.Entity
	for _, l := range listeners {
		l := l
		c.dispatcher.Submit(entity.String(), func() { l(entity, next) })
	}
}

// Close stops watching the primitive and drains pending notifications.
// Registered candidacies are left to their Registration handles.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, cancel := range c.watches {
		cancel()
	}
	c.watches = nil
	c.mu.Unlock()

	if c.ownsDispatcher {
		c.dispatcher.Close()
	}
}
