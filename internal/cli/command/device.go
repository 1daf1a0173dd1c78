package command

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/topomesh-go/internal/core/domain"
	"github.com/yndnr/topomesh-go/internal/server/adminserver"
)

// DeviceCommand returns the device subcommand group.
func DeviceCommand() *cli.Command {
	storeFlag := &cli.StringFlag{
		Name:  "store",
		Usage: "datastore: config or operational",
		Value: string(domain.StoreConfig),
	}
	return &cli.Command{
		Name:  "device",
		Usage: "Device datastore access through the master mount point",
		Subcommands: []*cli.Command{
			{
				Name:      "read",
				Usage:     "Read one path",
				ArgsUsage: "NODE_ID PATH",
				Flags:     []cli.Flag{storeFlag},
				Action:    deviceRead,
			},
			{
				Name:      "put",
				Usage:     "Replace the value at a path",
				ArgsUsage: "NODE_ID PATH JSON|@FILE",
				Flags:     []cli.Flag{storeFlag},
				Action:    deviceWrite(domain.OpPut),
			},
			{
				Name:      "merge",
				Usage:     "Merge a JSON object into the value at a path",
				ArgsUsage: "NODE_ID PATH JSON|@FILE",
				Flags:     []cli.Flag{storeFlag},
				Action:    deviceWrite(domain.OpMerge),
			},
			{
				Name:      "delete",
				Usage:     "Delete the value at a path",
				ArgsUsage: "NODE_ID PATH",
				Flags:     []cli.Flag{storeFlag},
				Action:    deviceWrite(domain.OpDelete),
			},
		},
	}
}

func deviceRead(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: device read NODE_ID PATH")
	}
	store, err := domain.ParseStore(c.String("store"))
	if err != nil {
		return err
	}

	client, ctx, cancel := newClient(c)
	defer cancel()

	resp, err := client.Read(ctx, adminserver.ReadRequest{
		NodeID: c.Args().Get(0),
		Store:  store,
		Path:   c.Args().Get(1),
	})
	if err != nil {
		return err
	}
	if !resp.Found {
		return fmt.Errorf("%s: not found in %s store", c.Args().Get(1), store)
	}
	return render(c, resp)
}

func deviceWrite(kind domain.OpKind) cli.ActionFunc {
	return func(c *cli.Context) error {
		want := 3
		if kind == domain.OpDelete {
			want = 2
		}
		if c.NArg() != want {
			return fmt.Errorf("usage: device %s %s", kind, c.Command.ArgsUsage)
		}
		store, err := domain.ParseStore(c.String("store"))
		if err != nil {
			return err
		}

		op := domain.PendingOperation{Kind: kind, Store: store, Path: c.Args().Get(1)}
		if kind != domain.OpDelete {
			if op.Payload, err = payloadArg(c.Args().Get(2)); err != nil {
				return err
			}
		}

		client, ctx, cancel := newClient(c)
		defer cancel()

		nodeID := c.Args().Get(0)
		if err := client.Commit(ctx, nodeID, []domain.PendingOperation{op}); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "%s %s committed on %s\n", kind, op.Path, nodeID)
		return nil
	}
}

// payloadArg reads a JSON argument, or the file named by @path.
func payloadArg(arg string) (json.RawMessage, error) {
	data := []byte(arg)
	if len(arg) > 1 && arg[0] == '@' {
		var err error
		if data, err = os.ReadFile(arg[1:]); err != nil {
			return nil, err
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}
