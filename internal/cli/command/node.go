package command

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/yndnr/topomesh-go/internal/cli/connection"
	"github.com/yndnr/topomesh-go/internal/cli/output"
	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/server/adminserver"
)

// NodeCommand returns the node subcommand group.
func NodeCommand() *cli.Command {
	return &cli.Command{
		Name:  "node",
		Usage: "Device node configuration",
		Subcommands: []*cli.Command{
			{
				Name:      "put",
				Usage:     "Create or update a device node",
				ArgsUsage: "NODE_ID",
				Flags:     nodePutFlags(),
				Action:    nodePut,
			},
			{
				Name:      "delete",
				Aliases:   []string{"rm"},
				Usage:     "Delete a device node",
				ArgsUsage: "NODE_ID",
				Action:    nodeDelete,
			},
			{
				Name:      "get",
				Usage:     "Show a device node and its connection status",
				ArgsUsage: "NODE_ID",
				Action:    nodeGet,
			},
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List device nodes",
				Action:  nodeList,
			},
		},
	}
}

func nodePutFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "read the node from a YAML or JSON file"},
		&cli.StringFlag{Name: "host", Usage: "device host"},
		&cli.IntFlag{Name: "port", Usage: "device port", Value: 830},
		&cli.StringFlag{Name: "username", Aliases: []string{"u"}, Usage: "device username"},
		&cli.StringFlag{Name: "password", Aliases: []string{"p"}, Usage: "device password", EnvVars: []string{"TOPOMESH_DEVICE_PASSWORD"}},
		&cli.BoolFlag{Name: "tcp-only", Usage: "plain TCP transport"},
		&cli.DurationFlag{Name: "keepalive-delay", Usage: "keepalive interval"},
		&cli.DurationFlag{Name: "connect-timeout", Usage: "device connect timeout"},
		&cli.BoolFlag{Name: "wait", Usage: "wait until the node is connected or failed"},
	}
}

// nodeFile is the file form of a node configuration.
type nodeFile struct {
	ID             string        `yaml:"id"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TCPOnly        bool          `yaml:"tcp_only"`
	KeepaliveDelay time.Duration `yaml:"keepalive_delay"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

func loadNodeFile(path string) (domain.NodeConfig, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return domain.NodeConfig{}, err
	}
	// JSON is valid YAML.
	var f nodeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return domain.NodeConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return domain.NodeConfig(f), nil
}

// nodeFromFlags builds the node from --file, then applies explicit flags.
func nodeFromFlags(c *cli.Context) (domain.NodeConfig, error) {
	var cfg domain.NodeConfig
	if path := c.String("file"); path != "" {
		var err error
		if cfg, err = loadNodeFile(path); err != nil {
			return cfg, err
		}
	}
	if id := c.Args().First(); id != "" {
		cfg.ID = id
	}
	if c.IsSet("host") {
		cfg.Host = c.String("host")
	}
	if c.IsSet("port") || cfg.Port == 0 {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("username") {
		cfg.Username = c.String("username")
	}
	if c.IsSet("password") {
		cfg.Password = c.String("password")
	}
	if c.IsSet("tcp-only") {
		cfg.TCPOnly = c.Bool("tcp-only")
	}
	if c.IsSet("keepalive-delay") {
		cfg.KeepaliveDelay = c.Duration("keepalive-delay")
	}
	if c.IsSet("connect-timeout") {
		cfg.ConnectTimeout = c.Duration("connect-timeout")
	}
	return cfg, cfg.Validate()
}

func nodePut(c *cli.Context) error {
	cfg, err := nodeFromFlags(c)
	if err != nil {
		return err
	}

	client, ctx, cancel := newClient(c)
	defer cancel()

	if err := client.PutNode(ctx, cfg); err != nil {
		return fmt.Errorf("put node %s: %w", cfg.ID, err)
	}
	if !c.Bool("wait") {
		fmt.Fprintf(c.App.Writer, "node %s configured\n", cfg.ID)
		return nil
	}

	spinner := output.NewSpinner(c.App.ErrWriter, "waiting for "+cfg.ID)
	spinner.Start()
	view, err := waitConnected(ctx, client, cfg.ID, spinner.Update)
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	if view.Record.Status == domain.StatusFailed {
		spinner.Fail(fmt.Sprintf("node %s failed to connect", cfg.ID))
		return render(c, nodeDetail(view))
	}
	spinner.Success(fmt.Sprintf("node %s connected", cfg.ID))
	return render(c, nodeDetail(view))
}

func nodeDelete(c *cli.Context) error {
	nodeID, err := requireArg(c, "NODE_ID")
	if err != nil {
		return err
	}

	client, ctx, cancel := newClient(c)
	defer cancel()

	if err := client.DeleteNode(ctx, nodeID); err != nil {
		return fmt.Errorf("delete node %s: %w", nodeID, err)
	}
	fmt.Fprintf(c.App.Writer, "node %s deleted\n", nodeID)
	return nil
}

func nodeGet(c *cli.Context) error {
	nodeID, err := requireArg(c, "NODE_ID")
	if err != nil {
		return err
	}

	client, ctx, cancel := newClient(c)
	defer cancel()

	view, err := client.GetNode(ctx, nodeID)
	if err != nil {
		return err
	}
	return render(c, nodeDetail(view))
}

func nodeList(c *cli.Context) error {
	client, ctx, cancel := newClient(c)
	defer cancel()

	nodes, err := client.ListNodes(ctx)
	if err != nil {
		return err
	}
	return render(c, nodeRows(nodes))
}

// nodeRows renders one row per node.
type nodeRows []adminserver.NodeView

func (l nodeRows) Table(wide bool) *output.Table {
	t := &output.Table{Headers: []string{"ID", "HOST", "PORT", "STATUS"}}
	if wide {
		t.Headers = append(t.Headers, "USERNAME", "TCP_ONLY", "MEMBERS", "UPDATED")
	}
	for _, v := range l {
		row := []string{v.Config.ID, v.Config.Host, strconv.Itoa(v.Config.Port), recordStatus(v.Record)}
		if wide {
			members, updated := "-", "-"
			if v.Record != nil {
				members = strconv.Itoa(len(v.Record.Members))
				if !v.Record.UpdatedAt.IsZero() {
					updated = v.Record.UpdatedAt.Local().Format(time.RFC3339)
				}
			}
			row = append(row, dash(v.Config.Username), strconv.FormatBool(v.Config.TCPOnly), members, updated)
		}
		t.AddRow(row...)
	}
	return t
}

// nodeDetail renders a node as FIELD/VALUE rows plus one row per member.
type nodeDetail adminserver.NodeView

func (d nodeDetail) Table(bool) *output.Table {
	t := &output.Table{Headers: []string{"FIELD", "VALUE"}}
	t.AddRow("id", d.Config.ID)
	t.AddRow("host", d.Config.Host)
	t.AddRow("port", strconv.Itoa(d.Config.Port))
	t.AddRow("username", dash(d.Config.Username))
	t.AddRow("password", dash(d.Config.Password))
	t.AddRow("tcp_only", strconv.FormatBool(d.Config.TCPOnly))
	if d.Config.KeepaliveDelay > 0 {
		t.AddRow("keepalive_delay", d.Config.KeepaliveDelay.String())
	}
	if d.Config.ConnectTimeout > 0 {
		t.AddRow("connect_timeout", d.Config.ConnectTimeout.String())
	}
	t.AddRow("status", recordStatus(d.Record))
	if d.Record != nil {
		for _, m := range d.Record.Members {
			t.AddRow("member/"+m.Member, string(m.Status))
		}
	}
	return t
}

func recordStatus(rec *domain.DeviceNodeRecord) string {
	if rec == nil || rec.Status == "" {
		return "pending"
	}
	return string(rec.Status)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func requireArg(c *cli.Context, name string) (string, error) {
	v := c.Args().First()
	if v == "" {
		return "", fmt.Errorf("%s required", name)
	}
	return v, nil
}

// waitPollInterval is the GetNode interval of put --wait.
var waitPollInterval = 500 * time.Millisecond

// waitConnected polls the node until its record settles on connected or
// failed, or ctx ends.
func waitConnected(ctx context.Context, client *connection.Client, nodeID string, progress func(string)) (adminserver.NodeView, error) {
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		view, err := client.GetNode(ctx, nodeID)
		if err != nil && !domain.IsDomainError(err, domain.ErrNodeNotFound.Code) {
			if ctx.Err() != nil {
				return view, fmt.Errorf("node %s: %w", nodeID, errors.Join(errWaitTimeout, ctx.Err()))
			}
			return view, err
		}
		if err == nil && view.Record != nil {
			switch view.Record.Status {
			case domain.StatusConnected, domain.StatusFailed:
				return view, nil
			}
			progress(fmt.Sprintf("node %s %s", nodeID, view.Record.Status))
		}

		select {
		case <-ctx.Done():
			return view, fmt.Errorf("node %s: %w", nodeID, errors.Join(errWaitTimeout, ctx.Err()))
		case <-ticker.C:
		}
	}
}

var errWaitTimeout = errors.New("timed out waiting for node status")
