package command

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/topomesh-go/internal/cli/config"
	"github.com/yndnr/topomesh-go/internal/cli/connection"
	"github.com/yndnr/topomesh-go/internal/cli/output"
	"github.com/yndnr/topomesh-go/internal/infra/buildinfo"
)

const settingsKey = "settings"

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:    "topomesh-cli",
		Usage:   "topomesh command-line management tool",
		Version: buildinfo.String(),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			NodeCommand(),
			ClusterCommand(),
			DeviceCommand(),
			ConfigCommand(),
			VersionCommand(),
		},
		Before: func(c *cli.Context) error {
			s, err := resolveSettings(c)
			if err != nil {
				return err
			}
			if c.App.Metadata == nil {
				c.App.Metadata = map[string]any{}
			}
			c.App.Metadata[settingsKey] = s
			return nil
		},
	}
}

// globalFlags returns the global CLI flags. Flags without a value fall back
// to the profile.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Aliases: []string{"s"},
			Usage:   "member RPC address (e.g. 127.0.0.1:7080)",
			EnvVars: []string{"TOPOMESH_SERVER"},
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "output format: table, json, yaml",
			EnvVars: []string{"TOPOMESH_OUTPUT"},
		},
		&cli.DurationFlag{
			Name:    "timeout",
			Aliases: []string{"t"},
			Usage:   "timeout of each command",
			EnvVars: []string{"TOPOMESH_TIMEOUT"},
		},
		&cli.BoolFlag{
			Name:    "wide",
			Aliases: []string{"w"},
			Usage:   "show wide output (more columns)",
		},
		&cli.StringFlag{
			Name:    "profile",
			Usage:   "CLI profile path",
			EnvVars: []string{"TOPOMESH_CLI_PROFILE"},
			Value:   config.DefaultConfigPath(),
		},
	}
}

// Settings are the effective global options of one invocation.
type Settings struct {
	Server      string
	Output      output.Format
	Timeout     time.Duration
	Wide        bool
	ProfilePath string
}

func resolveSettings(c *cli.Context) (*Settings, error) {
	profile, err := config.Load(c.String("profile"))
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	s := &Settings{
		Server:      profile.Server,
		Timeout:     profile.Timeout,
		Wide:        c.Bool("wide"),
		ProfilePath: c.String("profile"),
	}
	if c.IsSet("server") {
		s.Server = c.String("server")
	}
	if c.IsSet("timeout") {
		s.Timeout = c.Duration("timeout")
	}
	if s.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %v", s.Timeout)
	}

	format := profile.Output
	if c.IsSet("output") {
		format = c.String("output")
	}
	if s.Output, err = output.ParseFormat(format); err != nil {
		return nil, err
	}
	return s, nil
}

// GetSettings returns the settings resolved in Before.
func GetSettings(c *cli.Context) *Settings {
	if s, ok := c.App.Metadata[settingsKey].(*Settings); ok {
		return s
	}
	return &Settings{Server: config.Default().Server, Output: output.FormatTable, Timeout: config.Default().Timeout}
}

// newClient returns a client of the configured member and a context bounded
// by the command timeout.
func newClient(c *cli.Context) (*connection.Client, context.Context, context.CancelFunc) {
	s := GetSettings(c)
	ctx, cancel := context.WithTimeout(c.Context, s.Timeout)
	return connection.New(s.Server, s.Timeout), ctx, cancel
}

// render writes data in the selected output format.
func render(c *cli.Context, data any) error {
	s := GetSettings(c)
	return output.NewFormatter(s.Output, s.Wide).Format(c.App.Writer, data)
}

// PrintError prints an error message to stderr.
func PrintError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
}
