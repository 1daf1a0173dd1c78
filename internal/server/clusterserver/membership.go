package clusterserver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/yndnr/topomesh-go/internal/core/peer"
)

// Voters is the part of RaftNode that manages the raft configuration.
type Voters interface {
	IsLeader() bool
	HasServer(nodeID string) bool
	AddVoter(nodeID, addr string, timeout time.Duration) error
	RemoveServer(nodeID string, timeout time.Duration) error
	LeaderCh() <-chan bool
}

// Gossip is the part of Discovery the reconciler needs.
type Gossip interface {
	Snapshot() []MemberEvent
	Alive(member string) bool
}

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	// Self is the local member id.
	Self string

	Raft     Voters
	Gossip   Gossip
	FSM      *FSM
	Proposer Proposer

	// Interval is the period of the background reconcile pass.
	// Default: 10s
	Interval time.Duration

	// Timeout bounds each raft configuration change and proposal.
	// Default: 5s
	Timeout time.Duration

	// Logger for logging.
	Logger *slog.Logger
}

// Reconciler keeps the raft configuration and the candidate sets in line
// with gossip membership while the local node is the raft leader.
//
// Alive members with a raft address become voters. Members that left
// gracefully are removed from the raft configuration. Members holding
// candidacies that are no longer alive in gossip are applied as left, so
// their entities move to the next candidate.
type Reconciler struct {
	self     string
	raft     Voters
	gossip   Gossip
	fsm      *FSM
	proposer Proposer
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	left map[string]bool

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconciler creates a reconciler. Call Start to run it.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		self:     cfg.Self,
		raft:     cfg.Raft,
		gossip:   cfg.Gossip,
		fsm:      cfg.FSM,
		proposer: cfg.Proposer,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
		left:     make(map[string]bool),
		kick:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// HandleEvent records a membership event and schedules a pass. It never
// blocks.
func (r *Reconciler) HandleEvent(ev MemberEvent) {
	r.mu.Lock()
	switch ev.Kind {
	case peer.MemberRemoved:
		r.left[ev.Member.ID] = true
	case peer.MemberUp, peer.Reachable:
		delete(r.left, ev.Member.ID)
	}
	r.mu.Unlock()
	r.trigger()
}

// Start runs the reconcile loop until Close.
func (r *Reconciler) Start() {
	go r.run()
}

// Close stops the loop.
func (r *Reconciler) Close() {
	r.cancel()
	<-r.done
}

func (r *Reconciler) trigger() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Reconciler) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case leader := <-r.raft.LeaderCh():
			if leader {
				r.logger.Info("raft leadership acquired, reconciling membership")
				r.Reconcile()
			}
		case <-r.kick:
			r.Reconcile()
		case <-ticker.C:
			r.Reconcile()
		}
	}
}

// Reconcile runs one pass. It does nothing on followers.
func (r *Reconciler) Reconcile() {
	if !r.raft.IsLeader() {
		return
	}

	for _, m := range r.gossip.Snapshot() {
		if m.Member.ID == r.self || m.RaftAddr == "" || r.raft.HasServer(m.Member.ID) {
			continue
		}
		if err := r.raft.AddVoter(m.Member.ID, m.RaftAddr, r.timeout); err != nil {
			r.logger.Warn("add voter failed", "member", m.Member.ID, "error", err)
			continue
		}
		r.logger.Info("added raft voter", "member", m.Member.ID, "raft_addr", m.RaftAddr)
	}

	r.mu.Lock()
	left := make([]string, 0, len(r.left))
	for id := range r.left {
		left = append(left, id)
	}
	r.mu.Unlock()

	for _, id := range left {
		if id == r.self || !r.raft.HasServer(id) {
			continue
		}
		if err := r.raft.RemoveServer(id, r.timeout); err != nil {
			r.logger.Warn("remove server failed", "member", id, "error", err)
			continue
		}
		r.logger.Info("removed raft server", "member", id)
	}

	for _, id := range r.fsm.CandidateMembers() {
		if id == r.self || r.gossip.Alive(id) {
			continue
		}
		ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
		err := r.proposer.Propose(ctx, LogEntryMemberLeave, MemberLeavePayload{Member: id})
		cancel()
		if err != nil {
			r.logger.Warn("member leave failed", "member", id, "error", err)
			continue
		}
		r.logger.Info("dropped candidacies of departed member", "member", id)
	}
}
