package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mgemm/internal/logger"
)

// userConfig is loaded once in the root Before hook.
var userConfig Config

func main() {
	app := &cli.Command{
		Name:  "mgemm",
		Usage: "Grouped GEMM engine and verification harness",
		Flags: loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			userConfig = LoadConfig()
			applyLoggingConfig(cmd, userConfig)
			level := logger.ParseLevel(logLevel)
			if debug {
				level = slog.LevelDebug
			}
			return logger.WithContext(ctx, logger.ForFormat(logFormat, os.Stderr, level)), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			verifyCmd(),
			benchCmd(),
			scenariosCmd(),
			serveCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
