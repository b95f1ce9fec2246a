package cmd

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/circuitd/cli/render"
	"github.com/pithecene-io/circuitd/rpc"
	"github.com/pithecene-io/circuitd/service"
	"github.com/pithecene-io/circuitd/types"
)

// StatusCommand returns the status command.
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show download state of registered circuits",
		ArgsUsage: "[name...]",
		Flags:     clientFlags(ReadOnlyFlags()...),
		Action:    statusAction,
	}
}

func statusAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	client, err := connect(c.Context, c)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if c.NArg() == 0 {
		circuits, err := client.List(c.Context)
		if err != nil {
			return fmt.Errorf("list circuits: %w", err)
		}
		return r.RenderCircuits(circuits)
	}

	circuits := make([]types.Circuit, 0, c.NArg())
	for _, name := range c.Args().Slice() {
		circuit, err := client.Get(c.Context, name)
		if err != nil {
			var re *rpc.RemoteError
			if errors.As(err, &re) && re.Code == service.CodeNotFound {
				return cli.Exit(fmt.Sprintf("circuit %q is not registered", name), exitFailure)
			}
			return fmt.Errorf("get %s: %w", name, err)
		}
		circuits = append(circuits, circuit)
	}
	return r.RenderCircuits(circuits)
}
