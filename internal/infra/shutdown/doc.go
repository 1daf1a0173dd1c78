// Package shutdown coordinates graceful shutdown of a topomesh member.
package shutdown
