// Package httpserver hosts the HTTP surface of a topomesh member.
//
// One listener carries the connect services (cluster, topology, admin)
// next to /health, /ready and /metrics. Admin routes additionally pass an
// IP allow list and a per-client rate limit.
package httpserver
