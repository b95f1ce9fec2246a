package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/circuitd/cli/config"
	"github.com/pithecene-io/circuitd/cli/render"
	"github.com/pithecene-io/circuitd/types"
)

// AddCommand returns the add command.
func AddCommand() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "Register a circuit and start downloading it",
		ArgsUsage: "<name>",
		Flags: clientFlags(append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:  "file",
				Usage: "Read the circuit from a YAML file instead of flags",
			},
			&cli.StringFlag{Name: "zkey-url", Usage: "Proving key URL"},
			&cli.StringFlag{Name: "zkey-version", Usage: "Proving key version"},
			&cli.StringFlag{Name: "wasm-url", Usage: "Circuit module URL"},
			&cli.StringFlag{Name: "wasm-version", Usage: "Circuit module version"},
			&cli.Int64Flag{Name: "chunk-size", Usage: "Chunk size in bytes for both files (default 1 MiB)"},
			&cli.StringFlag{Name: "description", Usage: "Catalog description"},
			&cli.StringFlag{Name: "icon-url", Usage: "Catalog icon URL"},
			&cli.StringFlag{Name: "tag", Usage: "Catalog tag"},
		)...),
		Action: addAction,
	}
}

func addAction(c *cli.Context) error {
	circuit, err := circuitFromFlags(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}
	if err := circuit.Validate(); err != nil {
		return cli.Exit(err.Error(), exitConfig)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	client, err := connect(c.Context, c)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	resp, err := client.Add(c.Context, circuit)
	if err != nil {
		return fmt.Errorf("add %s: %w", circuit.Name, err)
	}
	return r.Render(resp)
}

// circuitFromFlags builds the circuit from --file, overlaid by flags.
func circuitFromFlags(c *cli.Context) (types.Circuit, error) {
	var circuit types.Circuit
	if path := c.String("file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return types.Circuit{}, fmt.Errorf("read circuit file: %w", err)
		}
		expanded, err := config.ExpandEnv(string(data))
		if err != nil {
			return types.Circuit{}, fmt.Errorf("circuit file %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(expanded), &circuit); err != nil {
			return types.Circuit{}, fmt.Errorf("invalid circuit file %s: %w", path, err)
		}
	}

	if name := c.Args().First(); name != "" {
		circuit.Name = name
	}
	set := func(flag string, dst *string) {
		if c.IsSet(flag) {
			*dst = c.String(flag)
		}
	}
	set("zkey-url", &circuit.ZKey.URL)
	set("zkey-version", &circuit.ZKey.Version)
	set("wasm-url", &circuit.Wasm.URL)
	set("wasm-version", &circuit.Wasm.Version)
	set("description", &circuit.Description)
	set("icon-url", &circuit.IconURL)
	set("tag", &circuit.Tag)
	if c.IsSet("chunk-size") {
		circuit.ZKey.ChunkSize = c.Int64("chunk-size")
		circuit.Wasm.ChunkSize = c.Int64("chunk-size")
	}
	return circuit, nil
}
