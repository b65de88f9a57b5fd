package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/samcharles93/mgemm/internal/groupgemm"
	"github.com/samcharles93/mgemm/internal/version"

	"github.com/urfave/cli/v3"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			info := version.Resolve()
			fmt.Printf("version:    %s\n", info.Version)
			if info.Commit != "" {
				commit := info.Commit
				if info.Modified {
					commit += " (modified)"
				}
				fmt.Printf("commit:     %s\n", commit)
			}
			if info.BuildTime != "" {
				fmt.Printf("build time: %s\n", info.BuildTime)
			}
			fmt.Printf("go:         %s %s\n", info.GoVersion, info.Platform)
			if features := groupgemm.CPUFeatures(); len(features) > 0 {
				fmt.Printf("cpu:        %s\n", strings.Join(features, " "))
			}
			return nil
		},
	}
}
