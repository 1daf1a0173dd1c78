package clusterserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/hashicorp/memberlist"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/core/peer"
)

// NodeMeta is the gossip metadata every member publishes.
type NodeMeta struct {
	RaftAddr string `json:"raft_addr"`
	RPCAddr  string `json:"rpc_addr"`
}

// MemberEvent is a membership change with the member's metadata.
type MemberEvent struct {
	peer.Event
	RaftAddr string
}

// Discovery handles node discovery and membership using Gossip protocol.
type Discovery struct {
	memberList *memberlist.Memberlist
	logger     *slog.Logger

	mu       sync.Mutex
	shutdown bool
	dead     map[string]bool
	handlers []func(MemberEvent)
}

// DiscoveryConfig configures the discovery mechanism.
type DiscoveryConfig struct {
	// NodeID is the unique node identifier.
	NodeID string

	// BindAddr is the address to bind for gossip communication.
	BindAddr string

	// BindPort is the port to bind for gossip communication.
	BindPort int

	// Meta is published to other members.
	Meta NodeMeta

	// Logger for logging.
	Logger *slog.Logger
}

// NewDiscovery creates the memberlist instance. Call Join after the
// event handlers are registered.
func NewDiscovery(cfg DiscoveryConfig) (*Discovery, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	meta, err := json.Marshal(cfg.Meta)
	if err != nil {
		return nil, fmt.Errorf("encode node meta: %w", err)
	}
	if len(meta) > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("node meta is %d bytes, limit %d", len(meta), memberlist.MetaMaxSize)
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = cfg.NodeID
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	mlConfig.LogOutput = &slogWriter{logger: cfg.Logger.With("component", "memberlist")}
	mlConfig.Delegate = &metadataDelegate{meta: meta}

	d := &Discovery{
		logger: cfg.Logger,
		dead:   make(map[string]bool),
	}
	mlConfig.Events = &eventDelegate{discovery: d}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}
	d.memberList = ml
	return d, nil
}

// Join contacts the seed nodes. Without seeds the member starts alone.
func (d *Discovery) Join(seeds []string) error {
	if len(seeds) == 0 {
		d.logger.Info("started discovery (bootstrap mode)", "node_id", d.memberList.LocalNode().Name)
		return nil
	}
	n, err := d.memberList.Join(seeds)
	if err != nil {
		return fmt.Errorf("join seed nodes: %w", err)
	}
	d.logger.Info("joined cluster",
		"node_id", d.memberList.LocalNode().Name,
		"seed_nodes", seeds,
		"joined_count", n)
	return nil
}

// Subscribe registers fn for membership events. fn is called on the
// memberlist goroutine and must not block.
func (d *Discovery) Subscribe(fn func(MemberEvent)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, fn)
}

// Members returns the alive members, including the local one.
func (d *Discovery) Members() []domain.Member {
	nodes := d.memberList.Members()
	out := make([]domain.Member, 0, len(nodes))
	for _, n := range nodes {
		if meta, ok := d.nodeMeta(n); ok {
			out = append(out, domain.Member{ID: n.Name, RPCAddr: meta.RPCAddr})
		}
	}
	return out
}

// Snapshot returns a MemberUp event for every alive member.
func (d *Discovery) Snapshot() []MemberEvent {
	nodes := d.memberList.Members()
	out := make([]MemberEvent, 0, len(nodes))
	for _, n := range nodes {
		if meta, ok := d.nodeMeta(n); ok {
			out = append(out, memberEvent(peer.MemberUp, n, meta))
		}
	}
	return out
}

// Lookup returns the rpc address of an alive member.
func (d *Discovery) Lookup(member string) (string, bool) {
	for _, n := range d.memberList.Members() {
		if n.Name == member {
			meta, ok := d.nodeMeta(n)
			return meta.RPCAddr, ok && meta.RPCAddr != ""
		}
	}
	return "", false
}

// Alive reports whether member is currently alive in gossip.
func (d *Discovery) Alive(member string) bool {
	for _, n := range d.memberList.Members() {
		if n.Name == member {
			return n.State == memberlist.StateAlive || n.State == memberlist.StateSuspect
		}
	}
	return false
}

// LocalMember returns the local member.
func (d *Discovery) LocalMember() domain.Member {
	n := d.memberList.LocalNode()
	meta, _ := d.nodeMeta(n)
	return domain.Member{ID: n.Name, RPCAddr: meta.RPCAddr}
}

// Leave gracefully leaves the cluster.
func (d *Discovery) Leave() error {
	if err := d.memberList.Leave(0); err != nil {
		d.logger.Error("failed to leave cluster", "error", err)
		return err
	}
	d.logger.Info("left cluster")
	return nil
}

// Shutdown stops the discovery mechanism.
func (d *Discovery) Shutdown() error {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return nil
	}
	d.shutdown = true
	d.mu.Unlock()

	if err := d.memberList.Shutdown(); err != nil {
		return fmt.Errorf("shutdown memberlist: %w", err)
	}
	d.logger.Info("discovery shutdown complete")
	return nil
}

func (d *Discovery) emit(events ...MemberEvent) {
	d.mu.Lock()
	handlers := slices.Clone(d.handlers)
	d.mu.Unlock()

	for _, ev := range events {
		for _, fn := range handlers {
			fn(ev)
		}
	}
}

// joinKind returns Reachable for a member last seen dead, MemberUp otherwise.
func (d *Discovery) joinKind(name string) peer.EventKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dead[name] {
		delete(d.dead, name)
		return peer.Reachable
	}
	return peer.MemberUp
}

func (d *Discovery) markDead(name string, dead bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dead {
		d.dead[name] = true
	} else {
		delete(d.dead, name)
	}
}

func decodeMeta(raw []byte) (NodeMeta, error) {
	var meta NodeMeta
	if len(raw) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return NodeMeta{}, fmt.Errorf("decode member metadata: %w", err)
	}
	return meta, nil
}

// nodeMeta decodes the metadata of n. Malformed metadata is logged and
// reported as not ok.
func (d *Discovery) nodeMeta(n *memberlist.Node) (NodeMeta, bool) {
	meta, err := decodeMeta(n.Meta)
	if err != nil {
		d.logger.Warn("ignoring member with malformed metadata", "node_id", n.Name, "error", err)
		return NodeMeta{}, false
	}
	return meta, true
}

func memberEvent(kind peer.EventKind, node *memberlist.Node, meta NodeMeta) MemberEvent {
	return MemberEvent{
		Event:    peer.Event{Kind: kind, Member: domain.Member{ID: node.Name, RPCAddr: meta.RPCAddr}},
		RaftAddr: meta.RaftAddr,
	}
}

// eventDelegate implements memberlist.EventDelegate.
type eventDelegate struct {
	discovery *Discovery
}

// NotifyJoin is called when a node joins.
func (e *eventDelegate) NotifyJoin(node *memberlist.Node) {
	meta, ok := e.discovery.nodeMeta(node)
	if !ok {
		return
	}
	ev := memberEvent(e.discovery.joinKind(node.Name), node, meta)
	if ev.Member.RPCAddr == "" {
		e.discovery.logger.Warn("node joined without metadata", "node_id", node.Name)
	}

	e.discovery.logger.Info("node joined",
		"node_id", node.Name,
		"event", ev.Kind.String(),
		"rpc_addr", ev.Member.RPCAddr,
		"raft_addr", ev.RaftAddr)

	e.discovery.emit(ev)
}

// NotifyLeave is called when a node leaves or is declared dead.
func (e *eventDelegate) NotifyLeave(node *memberlist.Node) {
	dead := node.State == memberlist.StateDead
	e.discovery.markDead(node.Name, dead)

	e.discovery.logger.Info("node left",
		"node_id", node.Name,
		"addr", node.Addr.String(),
		"dead", dead)

	// Removal only needs the member id, so malformed metadata still leaves.
	meta, _ := decodeMeta(node.Meta)
	if dead {
		e.discovery.emit(memberEvent(peer.Unreachable, node, meta))
		return
	}
	e.discovery.emit(memberEvent(peer.MemberExited, node, meta), memberEvent(peer.MemberRemoved, node, meta))
}

// NotifyUpdate is called when a node's metadata changes.
func (e *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	e.discovery.logger.Debug("node updated",
		"node_id", node.Name,
		"addr", node.Addr.String())
}

// slogWriter adapts slog.Logger to io.Writer for memberlist and raft.
type slogWriter struct {
	logger *slog.Logger
}

// Write implements io.Writer.
func (w *slogWriter) Write(p []byte) (n int, err error) {
	w.logger.Debug(string(bytes.TrimSpace(p)))
	return len(p), nil
}

// metadataDelegate provides node metadata to memberlist.
type metadataDelegate struct {
	meta []byte
}

// NodeMeta returns metadata about this node.
func (m *metadataDelegate) NodeMeta(limit int) []byte {
	if len(m.meta) > limit {
		return m.meta[:limit]
	}
	return m.meta
}

func (m *metadataDelegate) NotifyMsg([]byte)                           {}
func (m *metadataDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (m *metadataDelegate) LocalState(join bool) []byte                { return nil }
func (m *metadataDelegate) MergeRemoteState(buf []byte, join bool)     {}
