package clusterserver

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/raft"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/core/ownership"
	"github.com/yndnr/topomesh-go/internal/core/topology"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// localRaft applies entries straight to an FSM, in order.
type localRaft struct {
	mu       sync.Mutex
	fsm      *FSM
	index    uint64
	leader   bool
	leaderID string
}

func newLocalRaft(fsm *FSM) *localRaft {
	return &localRaft{fsm: fsm, leader: true}
}

func (r *localRaft) IsLeader() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leader
}

func (r *localRaft) LeaderID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaderID
}

func (r *localRaft) Apply(data []byte, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.leader {
		return raft.ErrNotLeader
	}
	r.index++
	if resp := r.fsm.Apply(&raft.Log{Index: r.index, Term: 1, Data: data}); resp != nil {
		if err, ok := resp.(error); ok {
			return err
		}
	}
	return nil
}

func applyEntry(t *testing.T, f *FSM, index uint64, typ LogEntryType, payload any) {
	t.Helper()
	entry, err := NewLogEntry(typ, payload)
	if err != nil {
		t.Fatalf("NewLogEntry() error = %v", err)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	f.Apply(&raft.Log{Index: index, Term: 1, Data: data})
}

func TestFSM_OwnerIsFirstCandidate(t *testing.T) {
	f := NewFSM(discardLogger())
	dev := domain.DeviceEntity("r1")

	var changes []ownership.Change
	cancel := f.WatchOwnership(domain.EntityTypeDevice, func(c ownership.Change) {
		changes = append(changes, c)
	})
	defer cancel()

	applyEntry(t, f, 1, LogEntryRegisterCandidate, CandidatePayload{Entity: dev, Member: "m1"})
	applyEntry(t, f, 2, LogEntryRegisterCandidate, CandidatePayload{Entity: dev, Member: "m2"})
	applyEntry(t, f, 3, LogEntryRegisterCandidate, CandidatePayload{Entity: dev, Member: "m1"})

	if owner, ok := f.Owner(dev); !ok || owner != "m1" {
		t.Fatalf("Owner() = %q, %v, want m1", owner, ok)
	}
	if !f.IsCandidate(dev, "m2") {
		t.Error("m2 should be a candidate")
	}

	applyEntry(t, f, 4, LogEntryUnregisterCandidate, CandidatePayload{Entity: dev, Member: "m1"})
	if owner, _ := f.Owner(dev); owner != "m2" {
		t.Fatalf("Owner() after unregister = %q, want m2", owner)
	}

	applyEntry(t, f, 5, LogEntryUnregisterCandidate, CandidatePayload{Entity: dev, Member: "m2"})
	if _, ok := f.Owner(dev); ok {
		t.Fatal("entity should have no owner")
	}

	want := []ownership.Change{
		{Entity: dev, Previous: "", Owner: "m1"},
		{Entity: dev, Previous: "m1", Owner: "m2"},
		{Entity: dev, Previous: "m2", Owner: ""},
	}
	if len(changes) != len(want) {
		t.Fatalf("got %d changes, want %d: %+v", len(changes), len(want), changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change[%d] = %+v, want %+v", i, changes[i], want[i])
		}
	}
}

func TestFSM_WatchFiltersByEntityType(t *testing.T) {
	f := NewFSM(discardLogger())

	var topo, dev int
	f.WatchOwnership(domain.EntityTypeTopology, func(ownership.Change) { topo++ })
	cancel := f.WatchOwnership(domain.EntityTypeDevice, func(ownership.Change) { dev++ })

	applyEntry(t, f, 1, LogEntryRegisterCandidate, CandidatePayload{Entity: domain.TopologyEntity("t"), Member: "m1"})
	applyEntry(t, f, 2, LogEntryRegisterCandidate, CandidatePayload{Entity: domain.DeviceEntity("r1"), Member: "m1"})

	cancel()
	applyEntry(t, f, 3, LogEntryRegisterCandidate, CandidatePayload{Entity: domain.DeviceEntity("r2"), Member: "m1"})

	if topo != 1 || dev != 1 {
		t.Errorf("topology changes = %d, device changes = %d, want 1 and 1", topo, dev)
	}
}

func TestFSM_MemberLeave(t *testing.T) {
	f := NewFSM(discardLogger())
	r1, r2 := domain.DeviceEntity("r1"), domain.DeviceEntity("r2")

	applyEntry(t, f, 1, LogEntryRegisterCandidate, CandidatePayload{Entity: r1, Member: "m1"})
	applyEntry(t, f, 2, LogEntryRegisterCandidate, CandidatePayload{Entity: r1, Member: "m2"})
	applyEntry(t, f, 3, LogEntryRegisterCandidate, CandidatePayload{Entity: r2, Member: "m1"})

	var left []string
	f.WatchMemberLeave(func(m string) { left = append(left, m) })
	var moved []ownership.Change
	f.WatchOwnership(domain.EntityTypeDevice, func(c ownership.Change) { moved = append(moved, c) })

	applyEntry(t, f, 4, LogEntryMemberLeave, MemberLeavePayload{Member: "m1"})

	if owner, _ := f.Owner(r1); owner != "m2" {
		t.Errorf("Owner(r1) = %q, want m2", owner)
	}
	if _, ok := f.Owner(r2); ok {
		t.Error("r2 should have no owner")
	}
	if len(moved) != 2 {
		t.Errorf("got %d owner changes, want 2", len(moved))
	}
	if len(left) != 1 || left[0] != "m1" {
		t.Errorf("leave notifications = %v, want [m1]", left)
	}
	if got := f.CandidateMembers(); len(got) != 1 || got[0] != "m2" {
		t.Errorf("CandidateMembers() = %v, want [m2]", got)
	}
}

func TestFSM_ConfigAndOperational(t *testing.T) {
	f := NewFSM(discardLogger())

	var changes []topology.ConfigChange
	f.WatchNodes(func(c topology.ConfigChange) { changes = append(changes, c) })

	cfg := domain.NodeConfig{ID: "r1", Host: "10.0.0.1", Port: 830}
	applyEntry(t, f, 1, LogEntryConfigPut, cfg)
	applyEntry(t, f, 2, LogEntryOperPut, domain.ConnectedRecord(cfg, "m1"))

	if got, ok := f.Node("r1"); !ok || got != cfg {
		t.Fatalf("Node() = %+v, %v", got, ok)
	}
	if rec, ok := f.Record("r1"); !ok || rec.Status != domain.StatusConnected {
		t.Fatalf("Record() = %+v, %v", rec, ok)
	}

	applyEntry(t, f, 3, LogEntryConfigDelete, NodeIDPayload{NodeID: "r1"})
	applyEntry(t, f, 4, LogEntryConfigDelete, NodeIDPayload{NodeID: "r1"})
	applyEntry(t, f, 5, LogEntryOperDelete, NodeIDPayload{NodeID: "r1"})

	if len(f.Nodes()) != 0 || len(f.Records()) != 0 {
		t.Fatalf("nodes = %v, records = %v, want none", f.Nodes(), f.Records())
	}
	if len(changes) != 2 {
		t.Fatalf("got %d config changes, want 2", len(changes))
	}
	if changes[0].Node == nil || changes[0].Node.ID != "r1" {
		t.Errorf("first change = %+v, want put of r1", changes[0])
	}
	if changes[1].Node != nil {
		t.Errorf("second change = %+v, want delete", changes[1])
	}
}

func TestFSM_UnknownEntryPanics(t *testing.T) {
	f := NewFSM(discardLogger())

	defer func() {
		if recover() == nil {
			t.Fatal("Apply() of unknown entry type should panic")
		}
	}()
	applyEntry(t, f, 1, LogEntryType(99), struct{}{})
}

type memorySink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memorySink) ID() string    { return "test" }
func (s *memorySink) Close() error  { return nil }
func (s *memorySink) Cancel() error { s.cancelled = true; return nil }

func TestFSM_SnapshotRestore(t *testing.T) {
	src := NewFSM(discardLogger())
	dev := domain.DeviceEntity("r1")
	cfg := domain.NodeConfig{ID: "r1", Host: "10.0.0.1", Port: 830}

	applyEntry(t, src, 1, LogEntryRegisterCandidate, CandidatePayload{Entity: dev, Member: "m1"})
	applyEntry(t, src, 2, LogEntryConfigPut, cfg)
	applyEntry(t, src, 3, LogEntryOperPut, domain.ConnectedRecord(cfg, "m1"))

	snap, err := src.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	sink := &memorySink{}
	if err := snap.Persist(sink); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	dst := NewFSM(discardLogger())
	var owners []ownership.Change
	dst.WatchOwnership(domain.EntityTypeDevice, func(c ownership.Change) { owners = append(owners, c) })
	var configs []topology.ConfigChange
	dst.WatchNodes(func(c topology.ConfigChange) { configs = append(configs, c) })

	if err := dst.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	if owner, _ := dst.Owner(dev); owner != "m1" {
		t.Errorf("restored owner = %q, want m1", owner)
	}
	if got, ok := dst.Node("r1"); !ok || got != cfg {
		t.Errorf("restored node = %+v, %v", got, ok)
	}
	if _, ok := dst.Record("r1"); !ok {
		t.Error("restored record missing")
	}
	if len(owners) != 1 || owners[0].Owner != "m1" {
		t.Errorf("restore owner notifications = %+v", owners)
	}
	if len(configs) != 1 || configs[0].NodeID != "r1" {
		t.Errorf("restore config notifications = %+v", configs)
	}
}
