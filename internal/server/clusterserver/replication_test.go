package clusterserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/core/ownership"
)

func TestReplicator_AppliesOnLeader(t *testing.T) {
	fsm := NewFSM(discardLogger())
	rep := NewReplicator(ReplicatorConfig{Raft: newLocalRaft(fsm), Logger: discardLogger()})
	store := NewStore(fsm, rep)

	cfg := domain.NodeConfig{ID: "r1", Host: "10.0.0.1", Port: 830}
	if err := store.PutNode(context.Background(), cfg); err != nil {
		t.Fatalf("PutNode() error = %v", err)
	}
	if got, ok := store.Node("r1"); !ok || got != cfg {
		t.Fatalf("Node() = %+v, %v", got, ok)
	}
	if len(store.Nodes()) != 1 {
		t.Errorf("Nodes() = %v", store.Nodes())
	}
}

func TestReplicator_ForwardsToLeader(t *testing.T) {
	leaderFSM := NewFSM(discardLogger())
	leader := NewReplicator(ReplicatorConfig{Raft: newLocalRaft(leaderFSM), Logger: discardLogger()})

	mux := http.NewServeMux()
	mux.Handle(NewClusterHandler(leader))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	followerRaft := newLocalRaft(NewFSM(discardLogger()))
	followerRaft.leader = false
	followerRaft.leaderID = "m1"
	follower := NewReplicator(ReplicatorConfig{
		Raft: followerRaft,
		Resolve: func(id string) (string, bool) {
			return srv.URL, id == "m1"
		},
		HTTPClient: srv.Client(),
		Logger:     discardLogger(),
	})

	rec := domain.DeviceNodeRecord{ID: "r1", Status: domain.StatusConnected}
	if err := NewStore(leaderFSM, follower).PutRecord(context.Background(), rec); err != nil {
		t.Fatalf("PutRecord() via follower error = %v", err)
	}
	if got, ok := leaderFSM.Record("r1"); !ok || got.Status != domain.StatusConnected {
		t.Fatalf("leader record = %+v, %v", got, ok)
	}
}

func TestReplicator_NoLeader(t *testing.T) {
	r := newLocalRaft(NewFSM(discardLogger()))
	r.leader = false
	rep := NewReplicator(ReplicatorConfig{Raft: r, Logger: discardLogger()})

	err := rep.Propose(context.Background(), LogEntryOperDelete, NodeIDPayload{NodeID: "r1"})
	if !errors.Is(err, domain.ErrNoLeader) {
		t.Fatalf("Propose() without leader error = %v, want no leader", err)
	}

	r.leaderID = "m9"
	err = rep.Propose(context.Background(), LogEntryOperDelete, NodeIDPayload{NodeID: "r1"})
	if !errors.Is(err, domain.ErrNoLeader) {
		t.Fatalf("Propose() with unresolvable leader error = %v, want no leader", err)
	}

	err = rep.ApplyLocal(context.Background(), LogEntry{Type: LogEntryOperDelete})
	if !errors.Is(err, domain.ErrNoLeader) {
		t.Fatalf("ApplyLocal() on follower error = %v, want no leader", err)
	}
}

func TestStore_Validation(t *testing.T) {
	fsm := NewFSM(discardLogger())
	store := NewStore(fsm, NewReplicator(ReplicatorConfig{Raft: newLocalRaft(fsm), Logger: discardLogger()}))
	ctx := context.Background()

	if err := store.PutNode(ctx, domain.NodeConfig{ID: "r1", Port: 830}); !errors.Is(err, domain.ErrInvalidNodeConfig) {
		t.Errorf("PutNode(invalid) error = %v, want invalid config", err)
	}
	if err := store.DeleteNode(ctx, "r1"); !errors.Is(err, domain.ErrNodeNotFound) {
		t.Errorf("DeleteNode(unknown) error = %v, want not found", err)
	}
}

func TestElection_Primitive(t *testing.T) {
	fsm := NewFSM(discardLogger())
	rep := NewReplicator(ReplicatorConfig{Raft: newLocalRaft(fsm), Logger: discardLogger()})
	m1 := NewElection(ElectionConfig{Member: "m1", FSM: fsm, Proposer: rep, Logger: discardLogger()})
	defer m1.Close()
	m2 := NewElection(ElectionConfig{Member: "m2", FSM: fsm, Proposer: rep, Logger: discardLogger()})
	defer m2.Close()

	var changes []ownership.Change
	cancel := m1.Watch(domain.EntityTypeDevice, func(c ownership.Change) { changes = append(changes, c) })
	defer cancel()

	ctx := context.Background()
	dev := domain.DeviceEntity("r1")
	if err := m1.RegisterCandidate(ctx, dev); err != nil {
		t.Fatalf("RegisterCandidate(m1) error = %v", err)
	}
	if err := m2.RegisterCandidate(ctx, dev); err != nil {
		t.Fatalf("RegisterCandidate(m2) error = %v", err)
	}
	if owner, _ := m2.Owner(dev); owner != "m1" {
		t.Fatalf("Owner() = %q, want m1", owner)
	}

	if err := m1.UnregisterCandidate(ctx, dev); err != nil {
		t.Fatalf("UnregisterCandidate() error = %v", err)
	}
	if owner, _ := m1.Owner(dev); owner != "m2" {
		t.Fatalf("Owner() after unregister = %q, want m2", owner)
	}
	if len(changes) != 2 || changes[1].Owner != "m2" {
		t.Errorf("changes = %+v", changes)
	}
}

func TestElection_RegistersAgainAfterBeingDropped(t *testing.T) {
	fsm := NewFSM(discardLogger())
	rep := NewReplicator(ReplicatorConfig{Raft: newLocalRaft(fsm), Logger: discardLogger()})
	e := NewElection(ElectionConfig{
		Member:        "m1",
		FSM:           fsm,
		Proposer:      rep,
		RetryInterval: 10 * time.Millisecond,
		Logger:        discardLogger(),
	})
	defer e.Close()

	ctx := context.Background()
	dev := domain.DeviceEntity("r1")
	if err := e.RegisterCandidate(ctx, dev); err != nil {
		t.Fatalf("RegisterCandidate() error = %v", err)
	}

	if err := rep.Propose(ctx, LogEntryMemberLeave, MemberLeavePayload{Member: "m1"}); err != nil {
		t.Fatalf("Propose(member leave) error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !fsm.IsCandidate(dev, "m1") {
		if time.Now().After(deadline) {
			t.Fatal("m1 did not register again after being dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if owner, _ := e.Owner(dev); owner != "m1" {
		t.Errorf("Owner() = %q, want m1", owner)
	}
}

func TestElection_DroppedAfterUnregisterStaysDropped(t *testing.T) {
	fsm := NewFSM(discardLogger())
	rep := NewReplicator(ReplicatorConfig{Raft: newLocalRaft(fsm), Logger: discardLogger()})
	e := NewElection(ElectionConfig{Member: "m1", FSM: fsm, Proposer: rep, Logger: discardLogger()})

	ctx := context.Background()
	dev := domain.DeviceEntity("r1")
	if err := e.RegisterCandidate(ctx, dev); err != nil {
		t.Fatalf("RegisterCandidate() error = %v", err)
	}
	if err := e.UnregisterCandidate(ctx, dev); err != nil {
		t.Fatalf("UnregisterCandidate() error = %v", err)
	}
	if err := rep.Propose(ctx, LogEntryMemberLeave, MemberLeavePayload{Member: "m1"}); err != nil {
		t.Fatalf("Propose(member leave) error = %v", err)
	}

	// Close waits for the re-registration goroutine.
	e.Close()
	if fsm.IsCandidate(dev, "m1") {
		t.Error("unregistered entity was registered again")
	}
}
