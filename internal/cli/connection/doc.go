// Package connection builds the topomesh-cli client of a member.
package connection
