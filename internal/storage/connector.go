package storage

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/yndnr/topomesh-go/internal/core/domain"
)

// ConnectionState is published in the operational store of every
// connected device under the path "connection".
type ConnectionState struct {
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	Username    string    `json:"username,omitempty"`
	TCPOnly     bool      `json:"tcp_only"`
	Reachable   bool      `json:"reachable"`
	ConnectedAt time.Time `json:"connected_at"`
}

// ConnectorConfig configures a Connector.
type ConnectorConfig struct {
	// Datastore holds the device namespaces. Required.
	Datastore *Datastore

	// Probe dials the device address before mounting it. Without a probe
	// the device is mounted unconditionally.
	Probe bool

	// DefaultConnectTimeout applies when a node has no ConnectTimeout.
	// Default: 10s
	DefaultConnectTimeout time.Duration

	// Logger for logging.
	Logger *slog.Logger
}

// Connector mounts devices onto the datastore.
type Connector struct {
	ds             *Datastore
	probe          bool
	connectTimeout time.Duration
	dialer         net.Dialer
	logger         *slog.Logger
}

// NewConnector creates a connector.
func NewConnector(cfg ConnectorConfig) *Connector {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DefaultConnectTimeout <= 0 {
		cfg.DefaultConnectTimeout = 10 * time.Second
	}
	return &Connector{
		ds:             cfg.Datastore,
		probe:          cfg.Probe,
		connectTimeout: cfg.DefaultConnectTimeout,
		logger:         cfg.Logger,
	}
}

// Connect returns the engine of the device described by cfg.
func (c *Connector) Connect(ctx context.Context, cfg domain.NodeConfig) (domain.DeviceEngine, error) {
	reachable := false
	if c.probe {
		timeout := cfg.ConnectTimeout
		if timeout <= 0 {
			timeout = c.connectTimeout
		}
		dctx, cancel := context.WithTimeout(ctx, timeout)
		conn, err := c.dialer.DialContext(dctx, "tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
		cancel()
		if err != nil {
			return nil, fmt.Errorf("dial %s:%d: %w", cfg.Host, cfg.Port, err)
		}
		conn.Close()
		reachable = true
	}

	engine, err := c.ds.Engine(cfg.ID)
	if err != nil {
		return nil, err
	}

	state := ConnectionState{
		Host:        cfg.Host,
		Port:        cfg.Port,
		Username:    cfg.Username,
		TCPOnly:     cfg.TCPOnly,
		Reachable:   reachable,
		ConnectedAt: time.Now().UTC(),
	}
	if err := engine.writeOperational("connection", state); err != nil {
		return nil, fmt.Errorf("publish connection state: %w", err)
	}

	c.logger.Debug("device connected", "node_id", cfg.ID, "reachable", reachable)
	return engine, nil
}
