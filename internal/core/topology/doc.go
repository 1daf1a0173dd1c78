// Package topology coordinates the lifecycle of device nodes across the
// cluster.
//
// One member owns the topology entity. While it does, its Manager listens
// to the node configuration store and, for every change, runs the command
// on the local mount manager and on every confirmed peer, waits for all of
// them and writes the merged outcome to the shared operational store.
// Non-owners run commands on their local mount manager only, which is what
// the owner's fan-out reaches through the topology RPC service.
//
// Commands for one node never overlap. A command arriving while the node
// is CREATING, UPDATING or DELETING waits in the node's queue:
//
//	ABSENT -> CREATING -> PRESENT -> (UPDATING -> PRESENT)* -> DELETING -> ABSENT
package topology
