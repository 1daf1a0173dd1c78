package clusterserver

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/core/ownership"
	"github.com/yndnr/topomesh-go/internal/core/topology"
)

// LogEntryType defines the type of Raft log entry.
type LogEntryType uint8

const (
	// LogEntryRegisterCandidate adds a member to an entity's candidates.
	LogEntryRegisterCandidate LogEntryType = 1

	// LogEntryUnregisterCandidate removes a member from an entity's candidates.
	LogEntryUnregisterCandidate LogEntryType = 2

	// LogEntryMemberLeave drops every candidacy of a member.
	LogEntryMemberLeave LogEntryType = 3

	// LogEntryConfigPut stores a node configuration.
	LogEntryConfigPut LogEntryType = 4

	// LogEntryConfigDelete removes a node configuration.
	LogEntryConfigDelete LogEntryType = 5

	// LogEntryOperPut stores an operational node record.
	LogEntryOperPut LogEntryType = 6

	// LogEntryOperDelete removes an operational node record.
	LogEntryOperDelete LogEntryType = 7
)

// LogEntry represents a Raft log entry.
type LogEntry struct {
	Type    LogEntryType    `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// CandidatePayload is the payload of candidate entries.
type CandidatePayload struct {
	Entity domain.EntityID `json:"entity"`
	Member string          `json:"member"`
}

// MemberLeavePayload is the payload for member leave events.
type MemberLeavePayload struct {
	Member string `json:"member"`
}

// NodeIDPayload is the payload of delete entries.
type NodeIDPayload struct {
	NodeID string `json:"node_id"`
}

// NewLogEntry encodes payload into an entry of type t.
func NewLogEntry(t LogEntryType, payload any) (LogEntry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return LogEntry{}, fmt.Errorf("encode log payload: %w", err)
	}
	return LogEntry{Type: t, Payload: raw}, nil
}

// fsmState is the replicated state. It is also the snapshot format.
type fsmState struct {
	Candidates map[string][]string                `json:"candidates"`
	Config     map[string]domain.NodeConfig       `json:"config"`
	Oper       map[string]domain.DeviceNodeRecord `json:"oper"`
}

func newFSMState() fsmState {
	return fsmState{
		Candidates: make(map[string][]string),
		Config:     make(map[string]domain.NodeConfig),
		Oper:       make(map[string]domain.DeviceNodeRecord),
	}
}

func (s fsmState) owner(entity string) string {
	if c := s.Candidates[entity]; len(c) > 0 {
		return c[0]
	}
	return ""
}

type ownershipWatcher struct {
	entityType string
	fn         func(ownership.Change)
}

// FSM implements the Raft finite state machine.
//
// The owner of an entity is its first still-registered candidate. After
// each apply, ownership and configuration changes are delivered to
// watchers outside the state lock, in log order.
type FSM struct {
	mu    sync.RWMutex
	state fsmState

	wmu           sync.Mutex
	nextWatcher   uint64
	ownerWatchers map[uint64]ownershipWatcher
	configWatch   map[uint64]func(topology.ConfigChange)
	leaveWatch    map[uint64]func(string)

	logger *slog.Logger
}

// NewFSM creates a new Raft FSM.
func NewFSM(logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}

	return &FSM{
		state:         newFSMState(),
		ownerWatchers: make(map[uint64]ownershipWatcher),
		configWatch:   make(map[uint64]func(topology.ConfigChange)),
		leaveWatch:    make(map[uint64]func(string)),
		logger:        logger,
	}
}

// changes collects the notifications of one apply.
type changes struct {
	owners []ownership.Change
	config []topology.ConfigChange
	left   []string
}

// Apply applies a Raft log entry to the FSM.
//
// Must be deterministic - same input always produces same output.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var entry LogEntry
	if err := json.Unmarshal(log.Data, &entry); err != nil {
		f.logger.Error("FATAL: failed to unmarshal log entry - data corrupted",
			"error", err,
			"log_index", log.Index,
			"log_term", log.Term)
		panic(fmt.Sprintf("FSM.Apply: unmarshal failed at index=%d: %v", log.Index, err))
	}

	var ch changes
	f.mu.Lock()
	switch entry.Type {
	case LogEntryRegisterCandidate:
		p := decodePayload[CandidatePayload](entry)
		ch.owners = f.registerLocked(p.Entity, p.Member)

	case LogEntryUnregisterCandidate:
		p := decodePayload[CandidatePayload](entry)
		ch.owners = f.unregisterLocked(p.Entity, p.Member)

	case LogEntryMemberLeave:
		p := decodePayload[MemberLeavePayload](entry)
		ch.owners = f.memberLeaveLocked(p.Member)
		ch.left = append(ch.left, p.Member)

	case LogEntryConfigPut:
		cfg := decodePayload[domain.NodeConfig](entry)
		f.state.Config[cfg.ID] = cfg
		ch.config = append(ch.config, topology.ConfigChange{NodeID: cfg.ID, Node: &cfg})

	case LogEntryConfigDelete:
		p := decodePayload[NodeIDPayload](entry)
		if _, ok := f.state.Config[p.NodeID]; ok {
			delete(f.state.Config, p.NodeID)
			ch.config = append(ch.config, topology.ConfigChange{NodeID: p.NodeID})
		}

	case LogEntryOperPut:
		rec := decodePayload[domain.DeviceNodeRecord](entry)
		f.state.Oper[rec.ID] = rec

	case LogEntryOperDelete:
		p := decodePayload[NodeIDPayload](entry)
		delete(f.state.Oper, p.NodeID)

	default:
		f.mu.Unlock()
		f.logger.Error("FATAL: unknown log entry type",
			"type", entry.Type,
			"log_index", log.Index)
		panic(fmt.Sprintf("FSM.Apply: unknown log type %d at index=%d", entry.Type, log.Index))
	}
	f.mu.Unlock()

	f.deliver(ch)
	return nil
}

func decodePayload[T any](entry LogEntry) T {
	var v T
	if err := json.Unmarshal(entry.Payload, &v); err != nil {
		panic(fmt.Sprintf("FSM.Apply: unmarshal payload of type %d failed: %v", entry.Type, err))
	}
	return v
}

func (f *FSM) registerLocked(entity domain.EntityID, member string) []ownership.Change {
	key := entity.String()
	before := f.state.owner(key)
	for _, m := range f.state.Candidates[key] {
		if m == member {
			return nil
		}
	}
	f.state.Candidates[key] = append(f.state.Candidates[key], member)
	return ownerChange(entity, before, f.state.owner(key))
}

func (f *FSM) unregisterLocked(entity domain.EntityID, member string) []ownership.Change {
	key := entity.String()
	before := f.state.owner(key)
	cands := f.state.Candidates[key]
	for i, m := range cands {
		if m == member {
			cands = append(cands[:i:i], cands[i+1:]...)
			break
		}
	}
	if len(cands) == 0 {
		delete(f.state.Candidates, key)
	} else {
		f.state.Candidates[key] = cands
	}
	return ownerChange(entity, before, f.state.owner(key))
}

func (f *FSM) memberLeaveLocked(member string) []ownership.Change {
	keys := make([]string, 0, len(f.state.Candidates))
	for key := range f.state.Candidates {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var out []ownership.Change
	for _, key := range keys {
		entity, err := domain.ParseEntityID(key)
		if err != nil {
			continue
		}
		out = append(out, f.unregisterLocked(entity, member)...)
	}
	f.logger.Info("member left", "member", member, "owner_changes", len(out))
	return out
}

func ownerChange(entity domain.EntityID, before, after string) []ownership.Change {
	if before == after {
		return nil
	}
	return []ownership.Change{{Entity: entity, Previous: before, Owner: after}}
}

func (f *FSM) deliver(ch changes) {
	if len(ch.owners) == 0 && len(ch.config) == 0 && len(ch.left) == 0 {
		return
	}

	f.wmu.Lock()
	owners := make([]ownershipWatcher, 0, len(f.ownerWatchers))
	for _, w := range f.ownerWatchers {
		owners = append(owners, w)
	}
	configs := make([]func(topology.ConfigChange), 0, len(f.configWatch))
	for _, fn := range f.configWatch {
		configs = append(configs, fn)
	}
	leaves := make([]func(string), 0, len(f.leaveWatch))
	for _, fn := range f.leaveWatch {
		leaves = append(leaves, fn)
	}
	f.wmu.Unlock()

	for _, c := range ch.owners {
		for _, w := range owners {
			if w.entityType == c.Entity.Type {
				w.fn(c)
			}
		}
	}
	for _, c := range ch.config {
		for _, fn := range configs {
			fn(c)
		}
	}
	for _, m := range ch.left {
		for _, fn := range leaves {
			fn(m)
		}
	}
}

// WatchOwnership calls fn for owner changes of entityType until the
// returned cancel is called.
func (f *FSM) WatchOwnership(entityType string, fn func(ownership.Change)) func() {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	f.nextWatcher++
	id := f.nextWatcher
	f.ownerWatchers[id] = ownershipWatcher{entityType: entityType, fn: fn}
	return func() {
		f.wmu.Lock()
		delete(f.ownerWatchers, id)
		f.wmu.Unlock()
	}
}

// WatchNodes calls fn for node configuration changes until the returned
// cancel is called.
func (f *FSM) WatchNodes(fn func(topology.ConfigChange)) func() {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	f.nextWatcher++
	id := f.nextWatcher
	f.configWatch[id] = fn
	return func() {
		f.wmu.Lock()
		delete(f.configWatch, id)
		f.wmu.Unlock()
	}
}

// WatchMemberLeave calls fn with the member of every applied leave entry
// until the returned cancel is called.
func (f *FSM) WatchMemberLeave(fn func(member string)) func() {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	f.nextWatcher++
	id := f.nextWatcher
	f.leaveWatch[id] = fn
	return func() {
		f.wmu.Lock()
		delete(f.leaveWatch, id)
		f.wmu.Unlock()
	}
}

// IsCandidate reports whether member is registered for entity.
func (f *FSM) IsCandidate(entity domain.EntityID, member string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, m := range f.state.Candidates[entity.String()] {
		if m == member {
			return true
		}
	}
	return false
}

// Owner returns the owner of entity.
func (f *FSM) Owner(entity domain.EntityID) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	owner := f.state.owner(entity.String())
	return owner, owner != ""
}

// Owners returns the owner of every entity that has one.
func (f *FSM) Owners() map[string]string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]string, len(f.state.Candidates))
	for key := range f.state.Candidates {
		out[key] = f.state.owner(key)
	}
	return out
}

// CandidateMembers returns every member holding at least one candidacy.
func (f *FSM) CandidateMembers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	seen := make(map[string]bool)
	for _, cands := range f.state.Candidates {
		for _, m := range cands {
			seen[m] = true
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Nodes returns every configured node ordered by id.
func (f *FSM) Nodes() []domain.NodeConfig {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]domain.NodeConfig, 0, len(f.state.Config))
	for _, cfg := range f.state.Config {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Node returns the configuration of one node.
func (f *FSM) Node(nodeID string) (domain.NodeConfig, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	cfg, ok := f.state.Config[nodeID]
	return cfg, ok
}

// Record returns the operational record of one node.
func (f *FSM) Record(nodeID string) (domain.DeviceNodeRecord, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rec, ok := f.state.Oper[nodeID]
	return rec.Clone(), ok
}

// Records returns every operational record ordered by id.
func (f *FSM) Records() []domain.DeviceNodeRecord {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]domain.DeviceNodeRecord, 0, len(f.state.Oper))
	for _, rec := range f.state.Oper {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot creates a snapshot of the FSM state.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := json.Marshal(f.state)
	if err != nil {
		return nil, fmt.Errorf("encode fsm state: %w", err)
	}
	return &fsmSnapshot{data: data}, nil
}

// Restore restores the FSM state from a snapshot and notifies watchers of
// every difference to the state it replaces.
func (f *FSM) Restore(r io.ReadCloser) error {
	defer r.Close()

	gzReader, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("create gzip reader: %w", err)
	}
	defer gzReader.Close()

	restored := newFSMState()
	if err := json.NewDecoder(gzReader).Decode(&restored); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if restored.Candidates == nil {
		restored.Candidates = make(map[string][]string)
	}
	if restored.Config == nil {
		restored.Config = make(map[string]domain.NodeConfig)
	}
	if restored.Oper == nil {
		restored.Oper = make(map[string]domain.DeviceNodeRecord)
	}

	f.mu.Lock()
	prev := f.state
	f.state = restored
	f.mu.Unlock()

	f.deliver(diffStates(prev, restored))

	f.logger.Info("fsm state restored from snapshot",
		"entities", len(restored.Candidates),
		"nodes", len(restored.Config),
		"records", len(restored.Oper))

	return nil
}

func diffStates(prev, next fsmState) changes {
	var ch changes

	keys := make(map[string]bool)
	for k := range prev.Candidates {
		keys[k] = true
	}
	for k := range next.Candidates {
		keys[k] = true
	}
	for k := range keys {
		entity, err := domain.ParseEntityID(k)
		if err != nil {
			continue
		}
		ch.owners = append(ch.owners, ownerChange(entity, prev.owner(k), next.owner(k))...)
	}

	for id, cfg := range next.Config {
		if old, ok := prev.Config[id]; !ok || old != cfg {
			cfg := cfg
			ch.config = append(ch.config, topology.ConfigChange{NodeID: id, Node: &cfg})
		}
	}
	for id := range prev.Config {
		if _, ok := next.Config[id]; !ok {
			ch.config = append(ch.config, topology.ConfigChange{NodeID: id})
		}
	}
	return ch
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	data []byte
}

// Persist writes the snapshot to the sink, gzip compressed.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		gzWriter := gzip.NewWriter(sink)
		if _, err := gzWriter.Write(s.data); err != nil {
			gzWriter.Close()
			return fmt.Errorf("write snapshot: %w", err)
		}
		if err := gzWriter.Close(); err != nil {
			return fmt.Errorf("close gzip writer: %w", err)
		}
		return nil
	}()

	if err != nil {
		sink.Cancel()
		return err
	}

	return sink.Close()
}

// Release is called when the snapshot is no longer needed.
func (s *fsmSnapshot) Release() {}
