package main

import (
	"context"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/mgemm/internal/verify"
)

func scenariosCmd() *cli.Command {
	var (
		format string
		scale  int64
	)

	return &cli.Command{
		Name:  "scenarios",
		Usage: "List the built-in verification scenarios",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "format",
				Usage:       "output format (table, json, yaml)",
				Value:       "table",
				Destination: &format,
			},
			&cli.Int64Flag{
				Name:        "scale",
				Usage:       "show the shapes divided by this factor",
				Value:       1,
				Destination: &scale,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cat := verify.Catalogue()
			for i := range cat {
				cat[i] = cat[i].Scaled(int(scale))
			}

			switch format {
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(cat)
			case "yaml":
				enc := yaml.NewEncoder(os.Stdout)
				enc.SetIndent(2)
				if err := enc.Encode(map[string]any{"scenarios": cat}); err != nil {
					return err
				}
				return enc.Close()
			case "table":
			default:
				return cli.Exit(fmt.Sprintf("error: unknown format %q", format), 1)
			}

			t := newTable("Name", "Shape", "Sizes", "DType", "Passes", "Description")
			for _, s := range cat {
				sizes := s.GroupSizes()
				passes := "fwd"
				if s.Backward {
					passes = "fwd+bwd"
				}
				if s.ZeroGroupCheck {
					passes += " +zero-group"
				}
				t.Row(s.Name, shapeText(len(sizes), s.Rows(), s.K, s.N), fmt.Sprint(sizes),
					s.DType.String(), passes, s.Description)
			}
			fmt.Println(t.Render())
			return nil
		},
	}
}
