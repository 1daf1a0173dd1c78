package domain

import (
	"fmt"
	"time"
)

// ConnectionStatus is the connection state of a device node.
type ConnectionStatus string

const (
	StatusConnecting ConnectionStatus = "connecting"
	StatusConnected  ConnectionStatus = "connected"
	StatusFailed     ConnectionStatus = "failed"
)

// NodeConfig is the operator-supplied configuration of a device node.
type NodeConfig struct {
	ID             string        `json:"id"`
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	Username       string        `json:"username,omitempty"`
	Password       string        `json:"password,omitempty"`
	TCPOnly        bool          `json:"tcp_only,omitempty"`
	KeepaliveDelay time.Duration `json:"keepalive_delay,omitempty"`
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`
}

// Validate checks the configuration.
func (c NodeConfig) Validate() error {
	if c.ID == "" {
		return ErrInvalidNodeConfig.WithDetails("id is required")
	}
	if c.Host == "" {
		return ErrInvalidNodeConfig.WithDetails("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return ErrInvalidNodeConfig.WithDetails(fmt.Sprintf("port %d out of range", c.Port))
	}
	return nil
}

// MemberStatus is one member's view of a device connection.
type MemberStatus struct {
	Member string           `json:"member"`
	Status ConnectionStatus `json:"status"`
}

// DeviceNodeRecord is the operational state of a device node.
type DeviceNodeRecord struct {
	ID        string           `json:"id"`
	Host      string           `json:"host"`
	Port      int              `json:"port"`
	Status    ConnectionStatus `json:"status"`
	Members   []MemberStatus   `json:"members,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// InitialRecord returns the record of a node whose connection is being set up.
func InitialRecord(cfg NodeConfig, member string) DeviceNodeRecord {
	return newRecord(cfg, member, StatusConnecting)
}

// ConnectedRecord returns the record of a connected node.
func ConnectedRecord(cfg NodeConfig, member string) DeviceNodeRecord {
	return newRecord(cfg, member, StatusConnected)
}

// FailedRecord returns the record of a node that could not be connected.
func FailedRecord(cfg NodeConfig, member string) DeviceNodeRecord {
	return newRecord(cfg, member, StatusFailed)
}

func newRecord(cfg NodeConfig, member string, status ConnectionStatus) DeviceNodeRecord {
	return DeviceNodeRecord{
		ID:        cfg.ID,
		Host:      cfg.Host,
		Port:      cfg.Port,
		Status:    status,
		Members:   []MemberStatus{{Member: member, Status: status}},
		UpdatedAt: time.Now().UTC(),
	}
}

// Clone returns a deep copy.
func (r DeviceNodeRecord) Clone() DeviceNodeRecord {
	c := r
	if r.Members != nil {
		c.Members = append([]MemberStatus(nil), r.Members...)
	}
	return c
}
