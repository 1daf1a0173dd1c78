package peer

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/telemetry/metric"
)

// Resyncer replays topology state to a newly confirmed peer.
type Resyncer interface {
	// IsLeader reports whether the local member owns the topology.
	IsLeader() bool

	// Resync replays configured nodes to h. It runs on its own goroutine.
	Resync(ctx context.Context, h PeerHandle)
}

// Config configures a Tracker.
type Config struct {
	// Self is the local member. Required.
	Self domain.Member

	// TopologyID is the topology this member serves. Required.
	TopologyID string

	// Dialer resolves peer endpoints. Required.
	Dialer Dialer

	// ProbeBackoff is the wait before the single probe retry.
	// Default: 5s
	ProbeBackoff time.Duration

	// ProbeTimeout bounds one Identify call.
	// Default: 5s
	ProbeTimeout time.Duration

	// MailboxSize is the capacity of the tracker mailbox.
	// Default: 256
	MailboxSize int

	// Metrics for the peers gauge. If nil, a private registry is used.
	Metrics *metric.Registry

	// Logger for logging.
	Logger *slog.Logger
}

// entry is a confirmed peer.
type entry struct {
	handle PeerHandle
	cancel context.CancelFunc
}

// snapshot is the published read-only view of the peer map.
type snapshot struct {
	list []PeerHandle
	byID map[string]PeerHandle
}

// Tracker maintains the set of confirmed peers.
type Tracker struct {
	self         domain.Member
	topologyID   string
	dialer       Dialer
	probeBackoff time.Duration
	probeTimeout time.Duration
	metrics      *metric.Registry
	logger       *slog.Logger

	mailbox chan func()
	probes  singleflight.Group
	view    atomic.Pointer[snapshot]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the run goroutine.
	peers     map[string]*entry
	pending   map[string]uint64
	gen       uint64
	listeners []func([]PeerHandle)
	resyncer  Resyncer
}

// NewTracker creates a tracker and starts its goroutine.
func NewTracker(cfg Config) *Tracker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metric.NewRegistry()
	}
	if cfg.ProbeBackoff <= 0 {
		cfg.ProbeBackoff = 5 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		self:         cfg.Self,
		topologyID:   cfg.TopologyID,
		dialer:       cfg.Dialer,
		probeBackoff: cfg.ProbeBackoff,
		probeTimeout: cfg.ProbeTimeout,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		mailbox:      make(chan func(), cfg.MailboxSize),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		peers:        make(map[string]*entry),
		pending:      make(map[string]uint64),
	}
	t.view.Store(&snapshot{byID: map[string]PeerHandle{}})
	go t.run()
	return t
}

// Self returns the local identity sent in handshakes.
func (t *Tracker) Self() domain.Identity {
	return domain.Identity{Member: t.self, TopologyID: t.topologyID}
}

// Peers returns the confirmed peers ordered by address.
func (t *Tracker) Peers() []PeerHandle {
	return t.view.Load().list
}

// Lookup returns the peer with the given address.
func (t *Tracker) Lookup(address string) (PeerHandle, bool) {
	h, ok := t.view.Load().byID[address]
	return h, ok
}

// SetResyncer sets the component notified when a peer is added while it
// is leader.
func (t *Tracker) SetResyncer(r Resyncer) {
	t.post(func() { t.resyncer = r })
}

// OnChange registers fn to receive the peer list after every change.
func (t *Tracker) OnChange(fn func([]PeerHandle)) {
	t.post(func() { t.listeners = append(t.listeners, fn) })
}

// HandleEvent feeds a membership event to the tracker.
func (t *Tracker) HandleEvent(ev Event) {
	if ev.Member.ID == t.self.ID {
		return
	}
	t.post(func() { t.onEvent(ev) })
}

// HandleProbe answers an Identify handshake started by remote. An unknown
// remote member is added at once.
func (t *Tracker) HandleProbe(ctx context.Context, remote domain.Identity) (domain.Identity, error) {
	if remote.Member.ID != t.self.ID {
		if remote.TopologyID != t.topologyID {
			t.logger.Warn("probe from another topology",
				"peer", remote.Member.ID,
				"topology_id", remote.TopologyID)
		} else {
			t.post(func() {
				if _, ok := t.peers[remote.Member.ID]; ok {
					return
				}
				t.gen++
				t.pending[remote.Member.ID] = t.gen
				t.connect(remote.Member, t.gen)
			})
		}
	}
	return t.Self(), nil
}

// Close stops the tracker and cancels every peer handle.
func (t *Tracker) Close() {
	t.cancel()
	<-t.done
}

func (t *Tracker) post(fn func()) {
	select {
	case t.mailbox <- fn:
	case <-t.ctx.Done():
	}
}

func (t *Tracker) run() {
	defer close(t.done)
	for {
		select {
		case fn := <-t.mailbox:
			fn()
		case <-t.ctx.Done():
			for id, e := range t.peers {
				e.cancel()
				delete(t.peers, id)
			}
			t.publish()
			return
		}
	}
}

func (t *Tracker) onEvent(ev Event) {
	t.logger.Debug("membership event", "event", ev.Kind.String(), "peer", ev.Member.ID)

	switch ev.Kind {
	case MemberUp, Reachable:
		if _, ok := t.peers[ev.Member.ID]; ok {
			return
		}
		t.gen++
		gen := t.gen
		t.pending[ev.Member.ID] = gen
		go t.probe(ev.Member, gen)

	case MemberExited, MemberRemoved, Unreachable:
		delete(t.pending, ev.Member.ID)
		e, ok := t.peers[ev.Member.ID]
		if !ok {
			return
		}
		e.cancel()
		delete(t.peers, ev.Member.ID)
		t.logger.Info("peer removed", "peer", ev.Member.ID, "event", ev.Kind.String())
		t.changed()
	}
}

// probe confirms member with an Identify handshake, retrying once.
// It runs outside the tracker goroutine.
func (t *Tracker) probe(member domain.Member, gen uint64) {
	_, err, _ := t.probes.Do(member.ID, func() (any, error) {
		err := t.identify(member)
		if err == nil {
			return nil, nil
		}
		t.logger.Warn("peer probe failed, retrying",
			"peer", member.ID,
			"backoff", t.probeBackoff,
			"error", err)

		select {
		case <-time.After(t.probeBackoff):
		case <-t.ctx.Done():
			return nil, t.ctx.Err()
		}
		return nil, t.identify(member)
	})
	if err != nil {
		if t.ctx.Err() == nil {
			t.logger.Error("giving up on peer probe", "peer", member.ID, "error", err)
		}
		return
	}

	t.post(func() { t.connect(member, gen) })
}

func (t *Tracker) identify(member domain.Member) error {
	ep, err := t.dialer.Dial(member, t.topologyID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(t.ctx, t.probeTimeout)
	defer cancel()

	remote, err := ep.Identify(ctx, t.Self())
	if err != nil {
		return err
	}
	if remote.TopologyID != t.topologyID {
		return domain.ErrPeerRejected.WithDetails("topology " + remote.TopologyID)
	}
	return nil
}

// connect inserts member unless it was removed after gen was issued.
func (t *Tracker) connect(member domain.Member, gen uint64) {
	if t.pending[member.ID] != gen {
		return
	}
	delete(t.pending, member.ID)
	if _, ok := t.peers[member.ID]; ok {
		return
	}

	ep, err := t.dialer.Dial(member, t.topologyID)
	if err != nil {
		t.logger.Error("failed to dial peer", "peer", member.ID, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(t.ctx)
	h := NewHandle(ctx, member, ep)
	t.peers[member.ID] = &entry{handle: h, cancel: cancel}
	t.logger.Info("peer added", "peer", member.ID, "rpc_addr", member.RPCAddr)
	t.changed()

	if t.resyncer != nil && t.resyncer.IsLeader() {
		go t.resyncer.Resync(ctx, h)
	}
}

func (t *Tracker) changed() {
	list := t.publish()
	for _, fn := range t.listeners {
		fn(list)
	}
}

func (t *Tracker) publish() []PeerHandle {
	s := &snapshot{
		list: make([]PeerHandle, 0, len(t.peers)),
		byID: make(map[string]PeerHandle, len(t.peers)),
	}
	for id, e := range t.peers {
		s.list = append(s.list, e.handle)
		s.byID[id] = e.handle
	}
	sort.Slice(s.list, func(i, j int) bool { return s.list[i].Address < s.list[j].Address })
	t.view.Store(s)
	t.metrics.Peers.Set(float64(len(s.list)))
	return s.list
}
