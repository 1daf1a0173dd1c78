package ownership

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/telemetry/metric"
)

// Role is the local role for one entity.
type Role int

const (
	RoleFollower Role = iota
	RoleLeader
)

// String returns the role name.
func (r Role) String() string {
	if r == RoleLeader {
		return "LEADER"
	}
	return "FOLLOWER"
}

// Opener opens the resource held while this member is LEADER.
type Opener func(ctx context.Context) (io.Closer, error)

// RoleConfig configures a RoleStrategy.
type RoleConfig struct {
	// Entity the strategy follows. Required.
	Entity domain.EntityID

	// Open is called on entering LEADER. Required.
	Open Opener

	// OpenTimeout bounds a single Open call.
	// Default: 30s
	OpenTimeout time.Duration

	// Metrics for role transitions. If nil, a private registry is used.
	Metrics *metric.Registry

	// Logger for logging.
	Logger *slog.Logger
}

// RoleStrategy turns ownership notifications into FOLLOWER/LEADER
// transitions. Only the latest pending notification is applied, so a slow
// open or close coalesces the states queued behind it.
type RoleStrategy struct {
	entity      domain.EntityID
	open        Opener
	openTimeout time.Duration
	metrics     *metric.Registry
	logger      *slog.Logger

	mu      sync.Mutex
	pending *domain.OwnershipState
	role    Role

	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// resource is touched only by the run goroutine.
	resource io.Closer
}

// NewRoleStrategy creates a strategy in FOLLOWER and starts its goroutine.
func NewRoleStrategy(cfg RoleConfig) *RoleStrategy {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metric.NewRegistry()
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &RoleStrategy{
		entity:      cfg.Entity,
		open:        cfg.Open,
		openTimeout: cfg.OpenTimeout,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With("entity", cfg.Entity.String()),
		notify:      make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go s.run()
	return s
}

// OnOwnershipChange queues state. It never blocks and has the Listener
// signature so it can be passed to Coordinator.Subscribe.
func (s *RoleStrategy) OnOwnershipChange(entity domain.EntityID, state domain.OwnershipState) {
	if entity != s.entity {
		return
	}
	s.mu.Lock()
	st := state
	s.pending = &st
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Role returns the current role.
func (s *RoleStrategy) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// IsLeader reports whether the strategy is LEADER.
func (s *RoleStrategy) IsLeader() bool {
	return s.Role() == RoleLeader
}

// Close stops the strategy and closes the LEADER resource if one is open.
func (s *RoleStrategy) Close() {
	s.cancel()
	<-s.done
}

func (s *RoleStrategy) run() {
	defer close(s.done)
	defer s.release()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.notify:
		}

		s.mu.Lock()
		state := s.pending
		s.pending = nil
		s.mu.Unlock()

		if state != nil {
			s.apply(*state)
		}
	}
}

func (s *RoleStrategy) apply(state domain.OwnershipState) {
	current := s.Role()

	switch {
	case state.IsOwner && current == RoleFollower:
		ctx, cancel := context.WithTimeout(s.ctx, s.openTimeout)
		res, err := s.open(ctx)
		cancel()
		if err != nil {
			s.logger.Error("failed to open leader resource, staying follower", "error", err)
			return
		}
		s.resource = res
		s.setRole(RoleLeader)

	case !state.IsOwner && current == RoleLeader:
		s.release()
		s.setRole(RoleFollower)
	}
}

func (s *RoleStrategy) setRole(role Role) {
	s.mu.Lock()
	s.role = role
	s.mu.Unlock()

	s.metrics.RoleTransitions.WithLabelValues(s.entity.Type, role.String()).Inc()
	s.logger.Info("role changed", "role", role.String())
}

func (s *RoleStrategy) release() {
	if s.resource == nil {
		return
	}
	if err := s.resource.Close(); err != nil {
		s.logger.Warn("failed to close leader resource", "error", err)
	}
	s.resource = nil
}
