// Package peer tracks the other members of the cluster and the topology
// endpoints through which they are called.
//
// A Tracker consumes membership events, confirms each new member with an
// Identify handshake and keeps one PeerHandle per confirmed member. All
// tracker state is owned by a single goroutine; readers get immutable
// snapshots.
//
// Usage:
//
//	t := peer.NewTracker(peer.Config{Self: self, TopologyID: "topo", Dialer: d})
//	defer t.Close()
//	discovery.Subscribe(t.HandleEvent)
//	for _, h := range t.Peers() { ... }
package peer
