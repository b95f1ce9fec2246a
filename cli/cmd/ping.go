package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

// PingCommand returns the ping command.
func PingCommand() *cli.Command {
	return &cli.Command{
		Name:      "ping",
		Usage:     "Check that circuitd is answering",
		ArgsUsage: "[message]",
		Flags:     clientFlags(),
		Action: func(c *cli.Context) error {
			msg := c.Args().First()
			if msg == "" {
				msg = "ping"
			}
			client, err := connect(c.Context, c)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			reply, err := client.Ping(c.Context, msg)
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
			_, err = fmt.Fprintln(c.App.Writer, reply)
			return err
		},
	}
}
