package clusterserver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/core/ownership"
)

// ElectionConfig configures an Election.
type ElectionConfig struct {
	// Member is the local member id.
	Member string

	// FSM is the replicated state holding candidacies.
	FSM *FSM

	// Proposer commits candidate entries.
	Proposer Proposer

	// RetryInterval paces re-registration after the local member was
	// dropped from the candidates.
	// Default: 1s
	RetryInterval time.Duration

	// Logger for logging.
	Logger *slog.Logger
}

// Election is the raft backed single-owner election. It implements
// ownership.Primitive.
//
// When the leader drops this member's candidacies (it was declared dead),
// the member registers again for every entity it still holds locally.
type Election struct {
	member   string
	fsm      *FSM
	proposer Proposer
	retry    time.Duration
	logger   *slog.Logger

	mu         sync.Mutex
	registered map[domain.EntityID]bool

	stopLeave func()
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

var _ ownership.Primitive = (*Election)(nil)

// NewElection creates an election for the local member.
func NewElection(cfg ElectionConfig) *Election {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Election{
		member:     cfg.Member,
		fsm:        cfg.FSM,
		proposer:   cfg.Proposer,
		retry:      cfg.RetryInterval,
		logger:     cfg.Logger,
		registered: make(map[domain.EntityID]bool),
		ctx:        ctx,
		cancel:     cancel,
	}
	e.stopLeave = cfg.FSM.WatchMemberLeave(func(member string) {
		if member != e.member {
			return
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.reassert()
		}()
	})
	return e
}

// LocalMember implements ownership.Primitive.
func (e *Election) LocalMember() string {
	return e.member
}

// RegisterCandidate implements ownership.Primitive.
func (e *Election) RegisterCandidate(ctx context.Context, entity domain.EntityID) error {
	e.mu.Lock()
	e.registered[entity] = true
	e.mu.Unlock()

	err := e.proposer.Propose(ctx, LogEntryRegisterCandidate, CandidatePayload{Entity: entity, Member: e.member})
	if err != nil {
		e.mu.Lock()
		delete(e.registered, entity)
		e.mu.Unlock()
	}
	return err
}

// UnregisterCandidate implements ownership.Primitive.
func (e *Election) UnregisterCandidate(ctx context.Context, entity domain.EntityID) error {
	e.mu.Lock()
	delete(e.registered, entity)
	e.mu.Unlock()

	return e.proposer.Propose(ctx, LogEntryUnregisterCandidate, CandidatePayload{Entity: entity, Member: e.member})
}

// Owner implements ownership.Primitive.
func (e *Election) Owner(entity domain.EntityID) (string, bool) {
	return e.fsm.Owner(entity)
}

// Watch implements ownership.Primitive.
func (e *Election) Watch(entityType string, fn func(ownership.Change)) func() {
	return e.fsm.WatchOwnership(entityType, fn)
}

// Close stops re-registration.
func (e *Election) Close() error {
	e.stopLeave()
	e.cancel()
	e.wg.Wait()
	return nil
}

func (e *Election) missing() []domain.EntityID {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.EntityID
	for entity := range e.registered {
		if !e.fsm.IsCandidate(entity, e.member) {
			out = append(out, entity)
		}
	}
	return out
}

func (e *Election) reassert() {
	for {
		missing := e.missing()
		if len(missing) == 0 {
			return
		}

		e.logger.Warn("candidacies dropped by the cluster, registering again",
			"member", e.member,
			"entities", len(missing))

		failed := false
		for _, entity := range missing {
			ctx, cancel := context.WithTimeout(e.ctx, 5*e.retry)
			err := e.proposer.Propose(ctx, LogEntryRegisterCandidate, CandidatePayload{Entity: entity, Member: e.member})
			cancel()
			if err != nil {
				e.logger.Debug("re-register failed", "entity", entity.String(), "error", err)
				failed = true
			}
		}
		if !failed {
			continue
		}

		select {
		case <-e.ctx.Done():
			return
		case <-time.After(e.retry):
		}
	}
}
