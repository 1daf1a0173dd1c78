package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/yndnr/topomesh-go/internal/server/clusterserver"
	"github.com/yndnr/topomesh-go/internal/telemetry/metric"
)

// ToClusterConfig converts ServerConfig to clusterserver.Config. An empty
// node id is generated and written back to cfg.
func ToClusterConfig(cfg *ServerConfig, httpClient *http.Client, metrics *metric.Registry, logger *slog.Logger) (clusterserver.Config, error) {
	if cfg == nil {
		return clusterserver.Config{}, errors.New("server config is nil")
	}

	if cfg.Node.ID == "" {
		generated, err := generateNodeID()
		if err != nil {
			return clusterserver.Config{}, fmt.Errorf("generate node ID: %w", err)
		}
		cfg.Node.ID = generated
		logger.Info("generated member id", "node_id", generated)
	}

	out := clusterserver.Config{
		NodeID:     cfg.Node.ID,
		RaftAddr:   cfg.Cluster.RaftAddr,
		GossipAddr: cfg.Cluster.GossipAddr,
		GossipPort: cfg.Cluster.GossipPort,
		RPCAddr:    cfg.Cluster.RPCAddr,
		DataDir:    cfg.Cluster.DataDir,
		Bootstrap:  cfg.Cluster.Bootstrap,
		Metrics:    metrics,
		Logger:     logger,
	}
	if httpClient != nil {
		out.HTTPClient = httpClient
	}
	return out, nil
}

// generateNodeID generates a unique member id of the form
// tpmember-<16 hex chars>.
func generateNodeID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return "tpmember-" + hex.EncodeToString(buf), nil
}
