// Package clusterserver is the cluster layer of a topomesh member.
//
// Membership comes from memberlist gossip (Discovery). Candidacies, node
// configuration and operational records live in a raft replicated state
// machine (FSM, RaftNode); followers forward their writes to the leader
// over ClusterService. Election implements ownership.Primitive on top of
// it, Store implements the topology configuration and operational stores,
// and TopologyService carries the peer calls of the topology manager and
// the proxy transaction channel. All RPC uses connect with a JSON codec.
package clusterserver
