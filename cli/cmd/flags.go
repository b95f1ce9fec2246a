// Package cmd provides CLI commands for the circuitd binary.
package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/circuitd/cli/config"
	"github.com/pithecene-io/circuitd/rpc"
	"github.com/pithecene-io/circuitd/service"
)

// Exit codes.
const (
	exitSuccess     = 0
	exitFailure     = 1
	exitUnavailable = 2
	exitConfig      = 3
)

// Shared flags for read-only commands.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}
)

// ReadOnlyFlags returns the shared output flags.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		FormatFlag,
		NoColorFlag,
	}
}

// ConnectFlags locate a running circuitd.
func ConnectFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "network",
			Usage:   "Socket network: unix or tcp",
			Value:   config.DefaultNetwork,
			EnvVars: []string{"CIRCUITD_NETWORK"},
		},
		&cli.StringFlag{
			Name:    "address",
			Aliases: []string{"a"},
			Usage:   "Socket path or host:port of circuitd serve",
			Value:   config.DefaultSocket,
			EnvVars: []string{"CIRCUITD_ADDRESS"},
		},
	}
}

// clientFlags returns ConnectFlags plus extra.
func clientFlags(extra ...cli.Flag) []cli.Flag {
	return append(ConnectFlags(), extra...)
}

// connect dials the serve process named by the connect flags. Stream
// ports are dialed on the same address.
func connect(ctx context.Context, c *cli.Context) (*service.Client, error) {
	d := rpc.NetDialer{Network: c.String("network"), Address: c.String("address")}
	ep, err := rpc.Dial(ctx, d, rpc.Options{Name: "cli"})
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("circuitd is not reachable: %v", err), exitUnavailable)
	}
	return service.NewClient(ep), nil
}
