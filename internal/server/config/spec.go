package config

import "time"

// ServerConfig is the root configuration of topomesh-server.
type ServerConfig struct {
	Node      NodeSection      `koanf:"node"`
	Cluster   ClusterSection   `koanf:"cluster"`
	Mount     MountSection     `koanf:"mount"`
	Topology  TopologySection  `koanf:"topology"`
	Storage   StorageSection   `koanf:"storage"`
	Security  SecuritySection  `koanf:"security"`
	Telemetry TelemetrySection `koanf:"telemetry"`
	Log       LogSection       `koanf:"log"`
}

// NodeSection identifies this member.
type NodeSection struct {
	// ID is the member id. If empty, one is generated at startup.
	ID string `koanf:"id"`

	// TopologyID is the topology this member serves.
	TopologyID string `koanf:"topology_id"`
}

// ClusterSection configures raft, gossip and the member RPC listener.
type ClusterSection struct {
	// RaftAddr is the raft TCP bind address (e.g. "10.0.0.1:7000").
	RaftAddr string `koanf:"raft_addr"`

	// GossipAddr is the gossip bind address (e.g. "10.0.0.1").
	GossipAddr string `koanf:"gossip_addr"`

	// GossipPort is the gossip bind port.
	GossipPort int `koanf:"gossip_port"`

	// RPCAddr is the HTTP listener of the cluster, topology and admin RPC.
	RPCAddr string `koanf:"rpc_addr"`

	// Bootstrap makes this member bootstrap a new cluster.
	// Mutually exclusive with Seeds.
	Bootstrap bool `koanf:"bootstrap"`

	// Seeds are gossip addresses of existing members.
	Seeds []string `koanf:"seeds"`

	// DataDir holds the raft log and snapshots.
	DataDir string `koanf:"data_dir"`
}

// MountSection configures device mounts and proxy transactions.
type MountSection struct {
	AskTimeout    time.Duration `koanf:"ask_timeout"`
	TxIdleTimeout time.Duration `koanf:"tx_idle_timeout"`

	// ProbeDevices dials each device before mounting it.
	ProbeDevices bool `koanf:"probe_devices"`
}

// TopologySection configures the topology manager and peer tracker.
type TopologySection struct {
	FanoutTimeout time.Duration `koanf:"fanout_timeout"`
	ResyncRate    float64       `koanf:"resync_rate"`
	ProbeBackoff  time.Duration `koanf:"probe_backoff"`
}

// StorageSection configures the device datastore.
type StorageSection struct {
	DataDir    string        `koanf:"data_dir"`
	GCInterval time.Duration `koanf:"gc_interval"`
}

// SecuritySection configures credential sealing and admin access.
type SecuritySection struct {
	// CredentialKey is the hex encoded 32-byte key sealing device
	// passwords. Empty stores passwords unsealed.
	CredentialKey string `koanf:"credential_key"`

	// AdminAllowList restricts admin RPC clients by IP or CIDR.
	AdminAllowList []string `koanf:"admin_allow_list"`

	// AdminRateLimit is the per-client admin request rate. Zero disables it.
	AdminRateLimit int `koanf:"admin_rate_limit"`
}

// TelemetrySection configures metrics.
type TelemetrySection struct {
	// MetricsAddr serves /metrics on a separate listener. Empty serves it
	// on the RPC listener.
	MetricsAddr string `koanf:"metrics_addr"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}
