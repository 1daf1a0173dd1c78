package clusterserver

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// RaftConfig configures the Raft node.
type RaftConfig struct {
	// NodeID is the unique node identifier (the gossip member name).
	NodeID string

	// BindAddr is the address to bind for Raft communication.
	BindAddr string

	// DataDir is the directory for Raft data.
	DataDir string

	// Bootstrap indicates if this is the bootstrap node.
	Bootstrap bool

	// Logger for logging.
	Logger *slog.Logger
}

// RaftNode wraps hashicorp/raft with the topomesh store layout.
type RaftNode struct {
	raft      *raft.Raft
	transport *raft.NetworkTransport
	fsm       *FSM
	logger    *slog.Logger

	logStore    *raftboltdb.BoltStore
	stableStore *raftboltdb.BoltStore

	leaderCh chan bool
}

// NewRaftNode creates a new Raft node.
func NewRaftNode(cfg RaftConfig, fsm *FSM) (*RaftNode, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.DataDir == "" {
		return nil, fmt.Errorf("raft: data_dir is required")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.Logger = newHCLogger(cfg.Logger, "raft")

	// Tuning for lower latency
	raftConfig.HeartbeatTimeout = 1000 * time.Millisecond
	raftConfig.ElectionTimeout = 1000 * time.Millisecond
	raftConfig.CommitTimeout = 50 * time.Millisecond
	raftConfig.LeaderLeaseTimeout = 500 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind addr: %w", err)
	}

	logWriter := &slogWriter{logger: cfg.Logger.With("component", "raft")}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, logWriter)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		logStore.Close()
		transport.Close()
		return nil, fmt.Errorf("create stable store: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 3, logWriter)
	if err != nil {
		stableStore.Close()
		logStore.Close()
		transport.Close()
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	leaderCh := make(chan bool, 10)
	raftConfig.NotifyCh = leaderCh

	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		stableStore.Close()
		logStore.Close()
		transport.Close()
		return nil, fmt.Errorf("create raft: %w", err)
	}

	node := &RaftNode{
		raft:        r,
		transport:   transport,
		fsm:         fsm,
		logger:      cfg.Logger,
		logStore:    logStore,
		stableStore: stableStore,
		leaderCh:    leaderCh,
	}

	if cfg.Bootstrap {
		hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
		if err != nil {
			node.Close()
			return nil, fmt.Errorf("check raft state: %w", err)
		}
		if !hasState {
			configuration := raft.Configuration{
				Servers: []raft.Server{
					{
						ID:      raft.ServerID(cfg.NodeID),
						Address: transport.LocalAddr(),
					},
				},
			}
			if err := r.BootstrapCluster(configuration).Error(); err != nil {
				node.Close()
				return nil, fmt.Errorf("bootstrap cluster: %w", err)
			}
			cfg.Logger.Info("raft cluster bootstrapped",
				"node_id", cfg.NodeID,
				"addr", cfg.BindAddr)
		}
	}

	cfg.Logger.Info("raft node created",
		"node_id", cfg.NodeID,
		"bind_addr", cfg.BindAddr,
		"bootstrap", cfg.Bootstrap)

	return node, nil
}

// Apply applies a log entry to the Raft cluster.
//
// This is a synchronous operation that waits for the log to be committed.
func (n *RaftNode) Apply(data []byte, timeout time.Duration) error {
	f := n.raft.Apply(data, timeout)
	if err := f.Error(); err != nil {
		return fmt.Errorf("raft apply: %w", err)
	}

	if resp := f.Response(); resp != nil {
		if err, ok := resp.(error); ok {
			return err
		}
	}

	return nil
}

// IsLeader returns true if this node is the Raft leader.
func (n *RaftNode) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// Leader returns the current leader address.
func (n *RaftNode) Leader() string {
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

// LeaderID returns the current leader ID.
func (n *RaftNode) LeaderID() string {
	_, id := n.raft.LeaderWithID()
	return string(id)
}

// AddVoter adds a voting member to the Raft cluster.
func (n *RaftNode) AddVoter(nodeID, addr string, timeout time.Duration) error {
	f := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, timeout)
	if err := f.Error(); err != nil {
		return fmt.Errorf("add voter: %w", err)
	}
	return nil
}

// RemoveServer removes a server from the Raft cluster.
func (n *RaftNode) RemoveServer(nodeID string, timeout time.Duration) error {
	f := n.raft.RemoveServer(raft.ServerID(nodeID), 0, timeout)
	if err := f.Error(); err != nil {
		return fmt.Errorf("remove server: %w", err)
	}
	return nil
}

// HasServer reports whether nodeID is part of the Raft configuration.
func (n *RaftNode) HasServer(nodeID string) bool {
	f := n.raft.GetConfiguration()
	if f.Error() != nil {
		return false
	}
	for _, s := range f.Configuration().Servers {
		if string(s.ID) == nodeID {
			return true
		}
	}
	return false
}

// Snapshot triggers a snapshot.
func (n *RaftNode) Snapshot() error {
	if err := n.raft.Snapshot().Error(); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	return nil
}

// LeaderCh returns a channel that notifies on leader changes.
func (n *RaftNode) LeaderCh() <-chan bool {
	return n.leaderCh
}

// Stats returns Raft statistics.
func (n *RaftNode) Stats() map[string]string {
	return n.raft.Stats()
}

// Close gracefully shuts down the Raft node.
func (n *RaftNode) Close() error {
	n.logger.Info("shutting down raft node")

	if err := n.raft.Shutdown().Error(); err != nil {
		n.logger.Error("raft shutdown failed", "error", err)
	}

	if err := n.stableStore.Close(); err != nil {
		n.logger.Error("close stable store failed", "error", err)
	}
	if err := n.logStore.Close(); err != nil {
		n.logger.Error("close log store failed", "error", err)
	}
	if err := n.transport.Close(); err != nil {
		n.logger.Error("close transport failed", "error", err)
	}

	n.logger.Info("raft node shutdown complete")
	return nil
}

// hcLogger adapts slog.Logger to hashicorp/go-hclog.Logger.
type hcLogger struct {
	logger *slog.Logger
	name   string
	args   []any
	level  hclog.Level
}

func newHCLogger(logger *slog.Logger, name string) *hcLogger {
	return &hcLogger{logger: logger.With("component", name), name: name, level: hclog.Info}
}

func (l *hcLogger) Log(level hclog.Level, msg string, args ...any) {
	switch level {
	case hclog.Trace, hclog.Debug:
		l.Debug(msg, args...)
	case hclog.Warn:
		l.Warn(msg, args...)
	case hclog.Error:
		l.Error(msg, args...)
	default:
		l.Info(msg, args...)
	}
}

func (l *hcLogger) Trace(msg string, args ...any) { l.Debug(msg, args...) }
func (l *hcLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, append(l.args, args...)...) }
func (l *hcLogger) Info(msg string, args ...any)  { l.logger.Info(msg, append(l.args, args...)...) }
func (l *hcLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, append(l.args, args...)...) }
func (l *hcLogger) Error(msg string, args ...any) { l.logger.Error(msg, append(l.args, args...)...) }

func (l *hcLogger) IsTrace() bool { return false }
func (l *hcLogger) IsDebug() bool { return l.level <= hclog.Debug }
func (l *hcLogger) IsInfo() bool  { return l.level <= hclog.Info }
func (l *hcLogger) IsWarn() bool  { return l.level <= hclog.Warn }
func (l *hcLogger) IsError() bool { return l.level <= hclog.Error }

func (l *hcLogger) ImpliedArgs() []any { return l.args }

func (l *hcLogger) With(args ...any) hclog.Logger {
	c := *l
	c.args = append(append([]any(nil), l.args...), args...)
	return &c
}

func (l *hcLogger) Name() string { return l.name }

func (l *hcLogger) Named(name string) hclog.Logger {
	c := *l
	if c.name != "" {
		c.name += "." + name
	} else {
		c.name = name
	}
	return &c
}

func (l *hcLogger) ResetNamed(name string) hclog.Logger {
	c := *l
	c.name = name
	return &c
}

func (l *hcLogger) SetLevel(level hclog.Level) { l.level = level }
func (l *hcLogger) GetLevel() hclog.Level      { return l.level }

func (l *hcLogger) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.New(l.StandardWriter(opts), "", 0)
}

func (l *hcLogger) StandardWriter(*hclog.StandardLoggerOptions) io.Writer {
	return &slogWriter{logger: l.logger}
}
