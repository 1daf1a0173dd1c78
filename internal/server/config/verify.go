package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Verify validates the configuration.
func Verify(cfg *ServerConfig) error {
	var errs []error
	if cfg.Node.TopologyID == "" {
		errs = append(errs, errors.New("node.topology_id is required"))
	}
	errs = append(errs, verifyCluster(&cfg.Cluster)...)
	errs = append(errs, verifyTimeouts(cfg)...)

	if cfg.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required"))
	}
	if key := cfg.Security.CredentialKey; key != "" {
		if raw, err := hex.DecodeString(key); err != nil || len(raw) != 32 {
			errs = append(errs, errors.New("security.credential_key must be 64 hex characters"))
		}
	}
	for _, entry := range cfg.Security.AdminAllowList {
		if !validACLEntry(entry) {
			errs = append(errs, fmt.Errorf("security.admin_allow_list: invalid entry %q", entry))
		}
	}
	if cfg.Security.AdminRateLimit < 0 {
		errs = append(errs, errors.New("security.admin_rate_limit must not be negative"))
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", cfg.Log.Level))
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", cfg.Log.Format))
	}
	return errors.Join(errs...)
}

func verifyCluster(cfg *ClusterSection) []error {
	var errs []error
	if err := verifyHostPort("cluster.raft_addr", cfg.RaftAddr); err != nil {
		errs = append(errs, err)
	}
	if err := verifyHostPort("cluster.rpc_addr", cfg.RPCAddr); err != nil {
		errs = append(errs, err)
	}
	if cfg.GossipPort <= 0 || cfg.GossipPort > 65535 {
		errs = append(errs, fmt.Errorf("cluster.gossip_port %d out of range", cfg.GossipPort))
	}
	if cfg.Bootstrap && len(cfg.Seeds) > 0 {
		errs = append(errs, errors.New("cluster.bootstrap and cluster.seeds are mutually exclusive"))
	}
	if cfg.DataDir == "" {
		errs = append(errs, errors.New("cluster.data_dir is required"))
	}
	return errs
}

func verifyTimeouts(cfg *ServerConfig) []error {
	checks := []struct {
		key string
		ok  bool
	}{
		{"mount.ask_timeout", cfg.Mount.AskTimeout > 0},
		{"mount.tx_idle_timeout", cfg.Mount.TxIdleTimeout > 0},
		{"topology.fanout_timeout", cfg.Topology.FanoutTimeout > 0},
		{"topology.probe_backoff", cfg.Topology.ProbeBackoff > 0},
		{"topology.resync_rate", cfg.Topology.ResyncRate > 0},
	}
	var errs []error
	for _, c := range checks {
		if !c.ok {
			errs = append(errs, fmt.Errorf("%s must be positive", c.key))
		}
	}
	return errs
}

func verifyHostPort(key, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s is required", key)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func validACLEntry(entry string) bool {
	if strings.Contains(entry, "/") {
		_, _, err := net.ParseCIDR(entry)
		return err == nil
	}
	return net.ParseIP(entry) != nil
}
