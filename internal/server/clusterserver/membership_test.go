package clusterserver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/core/peer"
)

type fakeVoters struct {
	mu       sync.Mutex
	leader   bool
	servers  map[string]string
	leaderCh chan bool
}

func newFakeVoters(self string) *fakeVoters {
	return &fakeVoters{
		leader:   true,
		servers:  map[string]string{self: "self:9000"},
		leaderCh: make(chan bool, 1),
	}
}

func (v *fakeVoters) IsLeader() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.leader
}

func (v *fakeVoters) HasServer(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.servers[id]
	return ok
}

func (v *fakeVoters) AddVoter(id, addr string, _ time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.servers[id] = addr
	return nil
}

func (v *fakeVoters) RemoveServer(id string, _ time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.servers, id)
	return nil
}

func (v *fakeVoters) LeaderCh() <-chan bool { return v.leaderCh }

type fakeGossip struct {
	mu    sync.Mutex
	alive map[string]string // id -> raft addr
}

func (g *fakeGossip) Snapshot() []MemberEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []MemberEvent
	for id, addr := range g.alive {
		out = append(out, MemberEvent{
			Event:    peer.Event{Kind: peer.MemberUp, Member: domain.Member{ID: id}},
			RaftAddr: addr,
		})
	}
	return out
}

func (g *fakeGossip) Alive(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.alive[id]
	return ok
}

func newReconcilerFixture(t *testing.T) (*Reconciler, *fakeVoters, *fakeGossip, *FSM, Proposer) {
	t.Helper()
	fsm := NewFSM(discardLogger())
	rep := NewReplicator(ReplicatorConfig{Raft: newLocalRaft(fsm), Logger: discardLogger()})
	voters := newFakeVoters("m1")
	gossip := &fakeGossip{alive: map[string]string{"m1": "m1:9000"}}
	r := NewReconciler(ReconcilerConfig{
		Self:     "m1",
		Raft:     voters,
		Gossip:   gossip,
		FSM:      fsm,
		Proposer: rep,
		Interval: time.Hour,
		Logger:   discardLogger(),
	})
	return r, voters, gossip, fsm, rep
}

func TestReconciler_AddsAliveMembersAsVoters(t *testing.T) {
	r, voters, gossip, _, _ := newReconcilerFixture(t)
	gossip.alive["m2"] = "m2:9000"
	gossip.alive["m3"] = ""

	r.Reconcile()

	if !voters.HasServer("m2") {
		t.Error("m2 should be a voter")
	}
	if voters.HasServer("m3") {
		t.Error("m3 has no raft address and should not be added")
	}
}

func TestReconciler_RemovesGracefullyLeftMembers(t *testing.T) {
	r, voters, _, _, _ := newReconcilerFixture(t)
	voters.servers["m2"] = "m2:9000"
	voters.servers["m3"] = "m3:9000"

	r.HandleEvent(MemberEvent{Event: peer.Event{Kind: peer.MemberRemoved, Member: domain.Member{ID: "m2"}}})
	r.HandleEvent(MemberEvent{Event: peer.Event{Kind: peer.Unreachable, Member: domain.Member{ID: "m3"}}})
	r.Reconcile()

	if voters.HasServer("m2") {
		t.Error("m2 left gracefully and should be removed")
	}
	if !voters.HasServer("m3") {
		t.Error("unreachable m3 should stay a voter")
	}
}

func TestReconciler_DropsCandidaciesOfDepartedMembers(t *testing.T) {
	r, _, gossip, fsm, rep := newReconcilerFixture(t)
	ctx := context.Background()
	dev := domain.DeviceEntity("r1")
	gossip.alive["m3"] = "m3:9000"

	for _, m := range []string{"m2", "m3", "m1"} {
		if err := rep.Propose(ctx, LogEntryRegisterCandidate, CandidatePayload{Entity: dev, Member: m}); err != nil {
			t.Fatalf("Propose() error = %v", err)
		}
	}

	r.Reconcile()

	if owner, _ := fsm.Owner(dev); owner != "m3" {
		t.Fatalf("Owner() = %q, want m3 after m2 departed", owner)
	}
	if fsm.IsCandidate(dev, "m2") {
		t.Error("m2 should no longer be a candidate")
	}
}

func TestReconciler_FollowerDoesNothing(t *testing.T) {
	r, voters, gossip, _, _ := newReconcilerFixture(t)
	voters.leader = false
	gossip.alive["m2"] = "m2:9000"

	r.Reconcile()

	if voters.HasServer("m2") {
		t.Error("a follower must not change the raft configuration")
	}
}

func TestReconciler_RunsOnLeadership(t *testing.T) {
	r, voters, gossip, _, _ := newReconcilerFixture(t)
	gossip.alive["m2"] = "m2:9000"

	r.Start()
	defer r.Close()
	voters.leaderCh <- true

	deadline := time.Now().Add(2 * time.Second)
	for !voters.HasServer("m2") {
		if time.Now().After(deadline) {
			t.Fatal("leadership did not trigger a reconcile pass")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
