package main

import (
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mgemm/internal/groupgemm"
	"github.com/samcharles93/mgemm/internal/logger"
)

var (
	logLevel  string
	logFormat string
	debug     bool

	tileM       int64
	tileN       int64
	tileK       int64
	workers     int64
	reduction   string
	wide        bool
	maxElements int64
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "tile-m",
			Usage:       "row tile size (0 picks per shape)",
			Destination: &tileM,
		},
		&cli.Int64Flag{
			Name:        "tile-n",
			Usage:       "column tile size (0 picks per shape)",
			Destination: &tileN,
		},
		&cli.Int64Flag{
			Name:        "tile-k",
			Usage:       "contraction block size (0 picks per shape)",
			Destination: &tileK,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Aliases:     []string{"j"},
			Usage:       "worker goroutines per dispatch (0 uses GOMAXPROCS)",
			Destination: &workers,
		},
		&cli.StringFlag{
			Name:        "reduction",
			Usage:       "grad_W reduction (owner, atomic, tree)",
			Value:       "owner",
			Destination: &reduction,
		},
		&cli.BoolFlag{
			Name:        "wide",
			Usage:       "accumulate in float64",
			Destination: &wide,
		},
		&cli.Int64Flag{
			Name:        "max-elements",
			Usage:       "refuse outputs and workspaces larger than this many elements (0 disables)",
			Destination: &maxElements,
		},
	}
}

// engineConfig builds the engine configuration from the engine flags.
func engineConfig(log logger.Logger) (groupgemm.Config, error) {
	cfg := groupgemm.DefaultConfig()
	red, err := groupgemm.ParseReduction(reduction)
	if err != nil {
		return cfg, err
	}
	for name, v := range map[string]int64{"tile-m": tileM, "tile-n": tileN, "tile-k": tileK, "workers": workers, "max-elements": maxElements} {
		if v < 0 {
			return cfg, fmt.Errorf("--%s must not be negative, got %d", name, v)
		}
	}
	cfg.Reduction = red
	cfg.TileM = int(tileM)
	cfg.TileN = int(tileN)
	cfg.TileK = int(tileK)
	cfg.Workers = int(workers)
	cfg.WideAccumulator = wide
	cfg.MaxElements = int(maxElements)
	cfg.Logger = log
	return cfg, nil
}
