// Package domain defines the core domain models for TopoMesh.
//
// Domain models are plain values without IO dependencies. This package
// contains:
//
//   - EntityID / OwnershipState: ownership election keys and transitions
//   - NodeConfig / DeviceNodeRecord: device node configuration and status
//   - TxRequest / TxReply: the master mount point message contract
//   - DeviceEngine: the transaction engine boundary
//   - Errors: domain error codes and their wire form
package domain
