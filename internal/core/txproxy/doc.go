// Package txproxy provides device transactions that can be used from any
// member of the cluster.
//
// A ProxyTransaction buffers writes locally and sends reads and the final
// submit to the master executor of the device, which lives on whichever
// member owns the device. The owner is reached through a Channel: the local
// Executor on the owning member, a remote peer endpoint elsewhere.
//
// Every wait for the owner is bounded by the ask timeout. An owner that does
// not answer in time, or cannot be reached, fails the operation with
// domain.ErrMasterUnavailable. Errors raised by the device itself travel
// back unchanged.
package txproxy
