package command

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/topomesh-go/internal/cli/config"
)

// ConfigCommand returns the config subcommand group.
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "CLI profile",
		Subcommands: []*cli.Command{
			{
				Name:   "show",
				Usage:  "Show the profile",
				Action: configShow,
			},
			{
				Name:      "set",
				Usage:     "Set a profile key (server, output, timeout)",
				ArgsUsage: "KEY VALUE",
				Action:    configSet,
			},
		},
	}
}

func configShow(c *cli.Context) error {
	cfg, err := config.Load(GetSettings(c).ProfilePath)
	if err != nil {
		return err
	}
	return render(c, cfg)
}

func configSet(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: config set KEY VALUE")
	}
	path := GetSettings(c).ProfilePath

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := config.Set(cfg, c.Args().Get(0), c.Args().Get(1)); err != nil {
		return err
	}
	if err := config.Save(cfg, path); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "%s updated in %s\n", c.Args().Get(0), path)
	return nil
}
