// Command topomesh-server runs one member of a topomesh cluster.
//
// A member joins the raft and gossip cluster, takes part in the topology
// and device ownership elections, mounts the device nodes it is asked to
// host and serves the cluster, topology and admin RPC services on one
// HTTP listener.
//
// Usage:
//
//	topomesh-server --config /etc/topomesh/server.yaml
//	topomesh-server --set cluster.bootstrap=true --set node.id=m1
//
// Configuration is layered: built-in defaults, the YAML file, TOPOMESH_*
// environment variables, then --set overrides.
package main
