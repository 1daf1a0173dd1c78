// Package config provides the topomesh-server configuration.
//
//   - spec.go: ServerConfig struct definition
//   - default.go: default values
//   - verify.go: validation
//   - sanitize.go: masking secrets for logs
//   - cluster.go: mapping onto clusterserver.Config
//
// Configuration is loaded through internal/infra/confloader.
package config
