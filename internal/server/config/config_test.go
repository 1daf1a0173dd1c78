package config

import (
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Node.TopologyID != DefaultTopologyID {
		t.Errorf("Node.TopologyID = %q, want %q", cfg.Node.TopologyID, DefaultTopologyID)
	}
	if cfg.Cluster.RPCAddr != DefaultRPCAddr {
		t.Errorf("Cluster.RPCAddr = %q, want %q", cfg.Cluster.RPCAddr, DefaultRPCAddr)
	}
	if cfg.Mount.AskTimeout != DefaultAskTimeout {
		t.Errorf("Mount.AskTimeout = %v, want %v", cfg.Mount.AskTimeout, DefaultAskTimeout)
	}
	if cfg.Topology.FanoutTimeout != DefaultFanoutTimeout {
		t.Errorf("Topology.FanoutTimeout = %v, want %v", cfg.Topology.FanoutTimeout, DefaultFanoutTimeout)
	}
	if cfg.Log.Level != DefaultLogLevel || cfg.Log.Format != DefaultLogFormat {
		t.Errorf("Log = %+v", cfg.Log)
	}

	if err := Verify(cfg); err != nil {
		t.Errorf("Verify(Default()) error = %v", err)
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ServerConfig)
		want   string
	}{
		{"missing topology", func(c *ServerConfig) { c.Node.TopologyID = "" }, "node.topology_id"},
		{"bad raft addr", func(c *ServerConfig) { c.Cluster.RaftAddr = "no-port" }, "cluster.raft_addr"},
		{"gossip port", func(c *ServerConfig) { c.Cluster.GossipPort = 0 }, "cluster.gossip_port"},
		{"bootstrap with seeds", func(c *ServerConfig) {
			c.Cluster.Bootstrap = true
			c.Cluster.Seeds = []string{"10.0.0.2:7946"}
		}, "mutually exclusive"},
		{"zero ask timeout", func(c *ServerConfig) { c.Mount.AskTimeout = 0 }, "mount.ask_timeout"},
		{"zero resync rate", func(c *ServerConfig) { c.Topology.ResyncRate = 0 }, "topology.resync_rate"},
		{"short key", func(c *ServerConfig) { c.Security.CredentialKey = "abcd" }, "security.credential_key"},
		{"bad acl", func(c *ServerConfig) { c.Security.AdminAllowList = []string{"10.0.0.0/33"} }, "admin_allow_list"},
		{"log level", func(c *ServerConfig) { c.Log.Level = "trace" }, "log.level"},
		{"log format", func(c *ServerConfig) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Verify(cfg)
			if err == nil {
				t.Fatal("Verify() should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Verify() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestVerify_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Node.TopologyID = ""
	cfg.Log.Level = "trace"

	err := Verify(cfg)
	if err == nil {
		t.Fatal("Verify() should fail")
	}
	for _, want := range []string{"node.topology_id", "log.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Verify() error = %v, missing %q", err, want)
		}
	}
}

func TestVerify_ValidKeyAndACL(t *testing.T) {
	cfg := Default()
	cfg.Security.CredentialKey = strings.Repeat("ab", 32)
	cfg.Security.AdminAllowList = []string{"10.0.0.1", "192.168.0.0/16", "::1"}
	if err := Verify(cfg); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestSanitize(t *testing.T) {
	key := strings.Repeat("ab", 32)
	cfg := Default()
	cfg.Security.CredentialKey = key

	sanitized := Sanitize(cfg)

	if cfg.Security.CredentialKey != key {
		t.Error("Sanitize() modified the original config")
	}
	got := sanitized.Security.CredentialKey
	if got == key || !strings.HasPrefix(got, "ab") || !strings.Contains(got, "****") {
		t.Errorf("sanitized key = %q", got)
	}
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"abcdef", "****"},
		{"abcdefgh", "ab****gh"},
		{"0123456789abcdef", "01****ef"},
	}
	for _, tt := range tests {
		if got := maskSecret(tt.in); got != tt.want {
			t.Errorf("maskSecret(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
