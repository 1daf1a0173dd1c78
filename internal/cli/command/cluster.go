package command

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/topomesh-go/internal/cli/output"
	"github.com/yndnr/topomesh-go/internal/server/clusterserver"
)

// ClusterCommand returns the cluster subcommand group.
func ClusterCommand() *cli.Command {
	return &cli.Command{
		Name:  "cluster",
		Usage: "Cluster state",
		Subcommands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "Show members, raft leader and entity owners",
				Action: clusterStatus,
			},
			{
				Name:   "health",
				Usage:  "Check member readiness",
				Action: clusterHealth,
			},
		},
	}
}

func clusterStatus(c *cli.Context) error {
	client, ctx, cancel := newClient(c)
	defer cancel()

	st, err := client.ClusterStatus(ctx)
	if err != nil {
		return err
	}
	return render(c, statusView(st))
}

func clusterHealth(c *cli.Context) error {
	client, ctx, cancel := newClient(c)
	defer cancel()

	h, err := client.Ready(ctx)
	if err != nil {
		return fmt.Errorf("member unreachable: %w", err)
	}
	if err := render(c, h); err != nil {
		return err
	}
	if h.Status != "ready" {
		return fmt.Errorf("member not ready: %s", h.Reason)
	}
	return nil
}

// statusView renders the members table followed by the owners table.
type statusView clusterserver.Status

func (s statusView) Table(wide bool) *output.Table {
	t := &output.Table{Headers: []string{"KIND", "NAME", "DETAIL"}}
	t.AddRow("self", s.NodeID, "raft leader: "+strconv.FormatBool(s.IsLeader))
	leader := s.LeaderID
	if leader == "" {
		leader = "-"
	}
	detail := s.Leader
	if detail == "" {
		detail = "-"
	}
	t.AddRow("leader", leader, detail)

	for _, m := range s.Members {
		t.AddRow("member", m.ID, dash(m.RPCAddr))
	}

	entities := make([]string, 0, len(s.Owners))
	for e := range s.Owners {
		entities = append(entities, e)
	}
	sort.Strings(entities)
	for _, e := range entities {
		t.AddRow("owner", e, s.Owners[e])
	}
	return t
}
