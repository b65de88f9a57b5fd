package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mgemm/internal/api"
	"github.com/samcharles93/mgemm/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		rate        float64
		burst       int64
		scale       int64
		minScale    int64
		maxReports  int64
		seed        int64
	)

	flags := append([]cli.Flag{}, engineFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
		&cli.Float64Flag{
			Name:        "rate",
			Usage:       "verification requests per second (0 disables the limit)",
			Value:       0.2,
			Destination: &rate,
		},
		&cli.Int64Flag{
			Name:        "burst",
			Usage:       "verification request burst",
			Value:       2,
			Destination: &burst,
		},
		&cli.Int64Flag{
			Name:        "scale",
			Usage:       "default divisor for catalogue scenarios",
			Value:       16,
			Destination: &scale,
		},
		&cli.Int64Flag{
			Name:        "min-scale",
			Usage:       "smallest divisor a request may ask for",
			Value:       4,
			Destination: &minScale,
		},
		&cli.Int64Flag{
			Name:        "max-reports",
			Usage:       "reports kept in memory",
			Value:       32,
			Destination: &maxReports,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "default random seed",
			Destination: &seed,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the verification REST API",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyEngineConfig(cmd, userConfig)
			applyServeConfig(cmd, userConfig, &addr, &rate, &burst, &scale, &seed)

			cfg, err := engineConfig(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			server := api.NewServer(api.Options{
				Engine:     cfg,
				Scale:      int(scale),
				MinScale:   int(minScale),
				Seed:       seed,
				Rate:       rate,
				Burst:      int(burst),
				MaxReports: int(maxReports),
				Logger:     log,
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "scale", scale, "rate", rate)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
