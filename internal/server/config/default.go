package config

import "time"

// Default configuration values.
const (
	DefaultTopologyID = "topology-netconf"

	DefaultRaftAddr   = "127.0.0.1:7000"
	DefaultGossipAddr = "127.0.0.1"
	DefaultGossipPort = 7946
	DefaultRPCAddr    = "127.0.0.1:7080"
	DefaultClusterDir = "/var/lib/topomesh-server/cluster"

	DefaultAskTimeout    = 5 * time.Second
	DefaultTxIdleTimeout = 60 * time.Second

	DefaultFanoutTimeout = 30 * time.Second
	DefaultResyncRate    = 20.0
	DefaultProbeBackoff  = 5 * time.Second

	DefaultDataDir    = "/var/lib/topomesh-server/devices"
	DefaultGCInterval = 10 * time.Minute

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default server configuration.
func Default() *ServerConfig {
	return &ServerConfig{
		Node: NodeSection{
			TopologyID: DefaultTopologyID,
		},
		Cluster: ClusterSection{
			RaftAddr:   DefaultRaftAddr,
			GossipAddr: DefaultGossipAddr,
			GossipPort: DefaultGossipPort,
			RPCAddr:    DefaultRPCAddr,
			DataDir:    DefaultClusterDir,
		},
		Mount: MountSection{
			AskTimeout:    DefaultAskTimeout,
			TxIdleTimeout: DefaultTxIdleTimeout,
		},
		Topology: TopologySection{
			FanoutTimeout: DefaultFanoutTimeout,
			ResyncRate:    DefaultResyncRate,
			ProbeBackoff:  DefaultProbeBackoff,
		},
		Storage: StorageSection{
			DataDir:    DefaultDataDir,
			GCInterval: DefaultGCInterval,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
