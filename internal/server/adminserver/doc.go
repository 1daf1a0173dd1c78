// Package adminserver is the operator RPC of a topomesh member.
//
// AdminService maps node configuration onto the replicated config store,
// reports cluster status and runs device reads and commits through proxy
// transactions, so an operator can talk to any member regardless of which
// one owns a device.
package adminserver
