package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/circuitd/cli/render"
	"github.com/pithecene-io/circuitd/types"
)

// FetchResponse summarizes a fetch.
type FetchResponse struct {
	Circuit string `json:"circuit"`
	File    string `json:"file"`
	Output  string `json:"output"`
	Bytes   int64  `json:"bytes"`
	Mode    string `json:"mode"`
}

// FetchCommand returns the fetch command.
func FetchCommand() *cli.Command {
	return &cli.Command{
		Name:      "fetch",
		Usage:     "Write a circuit file, served from the chunk cache where possible",
		ArgsUsage: "<name> <zkey|wasm>",
		Flags: clientFlags(append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Destination path, - for stdout (default <name>.<kind>)",
			},
			&cli.BoolFlag{
				Name:  "unary",
				Usage: "Receive the file in a single response instead of a stream",
			},
		)...),
		Action: fetchAction,
	}
}

func fetchAction(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("fetch requires <name> and <zkey|wasm>", exitConfig)
	}
	name := c.Args().Get(0)
	kind, err := types.ParseFileKind(c.Args().Get(1))
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}

	output := c.String("output")
	if output == "" {
		output = fmt.Sprintf("%s.%s", name, kind)
	}

	client, err := connect(c.Context, c)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	var w io.Writer
	if output == "-" {
		w = c.App.Writer
	} else {
		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create %s: %w", output, err)
		}
		defer func() { _ = f.Close() }()
		w = f
	}

	resp := FetchResponse{Circuit: name, File: string(kind), Output: output, Mode: "stream"}
	if c.Bool("unary") {
		resp.Mode = "unary"
		data, err := client.Load(c.Context, name, kind)
		if err != nil {
			return fmt.Errorf("load %s %s: %w", name, kind, err)
		}
		n, err := w.Write(data)
		if err != nil {
			return fmt.Errorf("write %s: %w", output, err)
		}
		resp.Bytes = int64(n)
	} else {
		resp.Bytes, err = client.Stream(c.Context, name, kind, w)
		if err != nil {
			return fmt.Errorf("stream %s %s: %w", name, kind, err)
		}
	}

	if output == "-" {
		return nil
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	return r.Render(resp)
}
