package config

import "time"

// CLIConfig is the profile of topomesh-cli.
type CLIConfig struct {
	// Server is the RPC address of the member to talk to.
	Server string `yaml:"server" json:"server"`

	// Output is the default output format: table, json or yaml.
	Output string `yaml:"output" json:"output"`

	// Timeout bounds each command.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// Default returns the default CLI configuration.
func Default() *CLIConfig {
	return &CLIConfig{
		Server:  "127.0.0.1:7080",
		Output:  "table",
		Timeout: 30 * time.Second,
	}
}
