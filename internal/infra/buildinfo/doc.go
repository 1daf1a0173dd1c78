// Package buildinfo carries the version of topomesh binaries.
//
// Values are injected at build time via ldflags:
//
//	go build -ldflags "-X github.com/yndnr/topomesh-go/internal/infra/buildinfo.Version=v1.0.0"
package buildinfo
