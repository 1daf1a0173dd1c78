// Package ownership turns a single-owner election primitive into local
// role changes.
//
// The Coordinator registers candidates and derives, per entity, the local
// ownership state (am I the owner, is there an owner) from the primitive's
// owner-change feed. Listeners are called only when that local state
// changes, one entity at a time and in order.
//
// A RoleStrategy consumes those notifications for one entity and keeps a
// single resource open while the local member is LEADER.
package ownership
