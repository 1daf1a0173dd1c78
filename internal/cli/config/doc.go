// Package config holds the topomesh-cli profile.
//
// The profile lives at ~/.topomesh/cli.yaml and supplies defaults for the
// global flags. Flags and TOPOMESH_* environment variables win over it.
package config
