package domain

import (
	"fmt"
	"strings"
)

// Entity types elected through the ownership primitive.
const (
	EntityTypeTopology = "topology"
	EntityTypeDevice   = "device"
)

// EntityID identifies a unit of ownership election.
type EntityID struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// TopologyEntity returns the entity electing the owner of a whole topology.
func TopologyEntity(topologyID string) EntityID {
	return EntityID{Type: EntityTypeTopology, Name: topologyID}
}

// DeviceEntity returns the entity electing the master mount point of a node.
func DeviceEntity(nodeID string) EntityID {
	return EntityID{Type: EntityTypeDevice, Name: nodeID}
}

// String returns the "type/name" form used as a map and hash key.
func (e EntityID) String() string {
	return e.Type + "/" + e.Name
}

// ParseEntityID parses the "type/name" form.
func ParseEntityID(s string) (EntityID, error) {
	typ, name, ok := strings.Cut(s, "/")
	if !ok || typ == "" || name == "" {
		return EntityID{}, fmt.Errorf("invalid entity id %q", s)
	}
	return EntityID{Type: typ, Name: name}, nil
}

// OwnershipState is an ownership transition seen from the local member.
//
// It is a transition record: consumers derive the current role from the
// latest value only, intermediate states may have been coalesced.
type OwnershipState struct {
	WasOwner bool `json:"was_owner"`
	IsOwner  bool `json:"is_owner"`
	HasOwner bool `json:"has_owner"`
}

// Member identifies a cluster member.
type Member struct {
	// ID is the member's opaque network identity (gossip node name).
	ID string `json:"id"`
	// RPCAddr is the host:port of the member's RPC listener.
	RPCAddr string `json:"rpc_addr"`
}

// Identity is exchanged by the peer discovery handshake.
type Identity struct {
	Member     Member `json:"member"`
	TopologyID string `json:"topology_id"`
}
