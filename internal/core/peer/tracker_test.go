package peer_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/core/peer"
	"github.com/yndnr/topomesh-go/internal/core/peer/peertest"
)

const topo = "topo"

func newTracker(t *testing.T, dialer peer.Dialer) *peer.Tracker {
	t.Helper()
	tr := peer.NewTracker(peer.Config{
		Self:         domain.Member{ID: "self", RPCAddr: "127.0.0.1:7000"},
		TopologyID:   topo,
		Dialer:       dialer,
		ProbeBackoff: 20 * time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(tr.Close)
	return tr
}

func waitPeers(t *testing.T, tr *peer.Tracker, want int) []peer.PeerHandle {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := tr.Peers(); len(got) == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Peers() = %d, want %d", len(tr.Peers()), want)
	return nil
}

func member(id string) domain.Member {
	return domain.Member{ID: id, RPCAddr: id + ":7000"}
}

func TestTracker_MemberUpAddsPeer(t *testing.T) {
	dialer := peertest.NewDialer()
	ep := &peertest.Endpoint{Member: "p1", TopologyID: topo}
	dialer.Register("p1", ep)

	tr := newTracker(t, dialer)
	tr.HandleEvent(peer.Event{Kind: peer.MemberUp, Member: member("p1")})

	peers := waitPeers(t, tr, 1)
	if peers[0].Address != "p1" || peers[0].RPCAddr != "p1:7000" {
		t.Errorf("handle = %+v", peers[0])
	}
	if _, ok := tr.Lookup("p1"); !ok {
		t.Error("Lookup(p1) not found")
	}
	if calls := ep.Calls(); len(calls) != 1 || calls[0] != "Identify" {
		t.Errorf("calls = %v, want one Identify", calls)
	}
}

func TestTracker_IgnoresSelf(t *testing.T) {
	tr := newTracker(t, peertest.NewDialer())
	tr.HandleEvent(peer.Event{Kind: peer.MemberUp, Member: member("self")})
	time.Sleep(30 * time.Millisecond)
	if n := len(tr.Peers()); n != 0 {
		t.Errorf("Peers() = %d, want 0", n)
	}
}

func TestTracker_UnreachableRemovesAndCancels(t *testing.T) {
	dialer := peertest.NewDialer()
	dialer.Register("p1", &peertest.Endpoint{Member: "p1", TopologyID: topo})

	tr := newTracker(t, dialer)
	tr.HandleEvent(peer.Event{Kind: peer.MemberUp, Member: member("p1")})
	h := waitPeers(t, tr, 1)[0]

	// An in-flight call bound to the handle.
	ctx, cancel := h.Bind(context.Background())
	defer cancel()

	tr.HandleEvent(peer.Event{Kind: peer.Unreachable, Member: member("p1")})
	waitPeers(t, tr, 0)

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("bound context not cancelled on removal")
	}
	if cause := context.Cause(ctx); !errors.Is(cause, domain.ErrPeerNoResponse) {
		t.Errorf("Cause() = %v, want ErrPeerNoResponse", cause)
	}
}

func TestTracker_ProbeRetriedOnce(t *testing.T) {
	var attempts atomic.Int32
	dialer := peertest.NewDialer()
	dialer.Register("p1", &peertest.Endpoint{
		Member:     "p1",
		TopologyID: topo,
		IdentifyFunc: func(ctx context.Context, _ domain.Identity) (domain.Identity, error) {
			if attempts.Add(1) == 1 {
				return domain.Identity{}, errors.New("connection refused")
			}
			return domain.Identity{Member: member("p1"), TopologyID: topo}, nil
		},
	})

	tr := newTracker(t, dialer)
	tr.HandleEvent(peer.Event{Kind: peer.MemberUp, Member: member("p1")})
	waitPeers(t, tr, 1)

	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestTracker_ProbeGivesUpAfterRetry(t *testing.T) {
	var attempts atomic.Int32
	dialer := peertest.NewDialer()
	dialer.Register("p1", &peertest.Endpoint{
		IdentifyFunc: func(ctx context.Context, _ domain.Identity) (domain.Identity, error) {
			attempts.Add(1)
			return domain.Identity{}, errors.New("connection refused")
		},
	})

	tr := newTracker(t, dialer)
	tr.HandleEvent(peer.Event{Kind: peer.MemberUp, Member: member("p1")})
	time.Sleep(150 * time.Millisecond)

	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	if n := len(tr.Peers()); n != 0 {
		t.Errorf("Peers() = %d, want 0", n)
	}
}

func TestTracker_RemovedDuringProbeIsNotAdded(t *testing.T) {
	release := make(chan struct{})
	dialer := peertest.NewDialer()
	dialer.Register("p1", &peertest.Endpoint{
		IdentifyFunc: func(ctx context.Context, _ domain.Identity) (domain.Identity, error) {
			<-release
			return domain.Identity{Member: member("p1"), TopologyID: topo}, nil
		},
	})

	tr := newTracker(t, dialer)
	tr.HandleEvent(peer.Event{Kind: peer.MemberUp, Member: member("p1")})
	tr.HandleEvent(peer.Event{Kind: peer.MemberExited, Member: member("p1")})
	time.Sleep(20 * time.Millisecond)
	close(release)

	time.Sleep(50 * time.Millisecond)
	if n := len(tr.Peers()); n != 0 {
		t.Errorf("Peers() = %d, want 0", n)
	}
}

func TestTracker_HandleProbeInsertsUnknown(t *testing.T) {
	dialer := peertest.NewDialer()
	ep := &peertest.Endpoint{Member: "p2", TopologyID: topo}
	dialer.Register("p2", ep)

	tr := newTracker(t, dialer)
	reply, err := tr.HandleProbe(context.Background(), domain.Identity{Member: member("p2"), TopologyID: topo})
	if err != nil {
		t.Fatalf("HandleProbe() error = %v", err)
	}
	if reply.Member.ID != "self" || reply.TopologyID != topo {
		t.Errorf("reply = %+v", reply)
	}

	waitPeers(t, tr, 1)
	if calls := ep.Calls(); len(calls) != 0 {
		t.Errorf("unsolicited probe should not be re-probed, calls = %v", calls)
	}
}

// fakeResyncer records resync requests.
type fakeResyncer struct {
	leader atomic.Bool
	mu     sync.Mutex
	synced []string
	ch     chan string
}

func (f *fakeResyncer) IsLeader() bool { return f.leader.Load() }

func (f *fakeResyncer) Resync(_ context.Context, h peer.PeerHandle) {
	f.mu.Lock()
	f.synced = append(f.synced, h.Address)
	f.mu.Unlock()
	f.ch <- h.Address
}

func TestTracker_ResyncOnlyWhenLeader(t *testing.T) {
	dialer := peertest.NewDialer()
	dialer.Register("p1", &peertest.Endpoint{Member: "p1", TopologyID: topo})
	dialer.Register("p2", &peertest.Endpoint{Member: "p2", TopologyID: topo})

	rs := &fakeResyncer{ch: make(chan string, 4)}
	tr := newTracker(t, dialer)
	tr.SetResyncer(rs)

	tr.HandleEvent(peer.Event{Kind: peer.MemberUp, Member: member("p1")})
	waitPeers(t, tr, 1)

	rs.leader.Store(true)
	tr.HandleEvent(peer.Event{Kind: peer.MemberUp, Member: member("p2")})
	waitPeers(t, tr, 2)

	select {
	case got := <-rs.ch:
		if got != "p2" {
			t.Errorf("resynced %q, want p2", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no resync for p2")
	}
	select {
	case got := <-rs.ch:
		t.Errorf("unexpected resync of %q", got)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestTracker_OnChange(t *testing.T) {
	dialer := peertest.NewDialer()
	dialer.Register("p1", &peertest.Endpoint{Member: "p1", TopologyID: topo})

	changes := make(chan int, 4)
	tr := newTracker(t, dialer)
	tr.OnChange(func(peers []peer.PeerHandle) { changes <- len(peers) })

	tr.HandleEvent(peer.Event{Kind: peer.MemberUp, Member: member("p1")})
	tr.HandleEvent(peer.Event{Kind: peer.MemberUp, Member: member("p1")})
	waitPeers(t, tr, 1)
	tr.HandleEvent(peer.Event{Kind: peer.MemberRemoved, Member: member("p1")})

	for _, want := range []int{1, 0} {
		select {
		case got := <-changes:
			if got != want {
				t.Errorf("change = %d peers, want %d", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing change to %d peers", want)
		}
	}
}

func TestEventKind_String(t *testing.T) {
	if peer.Unreachable.String() != "unreachable" || peer.EventKind(99).String() != "unknown" {
		t.Error("unexpected event names")
	}
}
