// Package storage provides the Badger-backed device datastore.
//
// One Badger database holds every device known to the member. Each device
// is a key namespace:
//
//	device/<node id>/<store>/<path>
//
// A device engine opens Badger transactions on its namespace, so a
// read-write transaction commits all of its writes at once or none of
// them. The operational store is maintained by the connector and is
// read-only for transactions.
//
// The datastore runs the value-log GC in the background and can export
// its size gauges to Prometheus.
package storage
