package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mgemm/internal/logger"
	"github.com/samcharles93/mgemm/internal/tensor"
	"github.com/samcharles93/mgemm/internal/verify"
)

func verifyCmd() *cli.Command {
	var (
		scenarios  []string
		sweepPath  string
		scale      int64
		dtype      string
		seed       int64
		reportPath string
		atol       float64
		rtol       float64
		noProgress bool
	)

	flags := append([]cli.Flag{}, engineFlags()...)
	flags = append(flags,
		&cli.StringSliceFlag{
			Name:        "scenario",
			Aliases:     []string{"s"},
			Usage:       "catalogue scenarios to run (default: all unless --config is given)",
			Destination: &scenarios,
		},
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "YAML sweep file with custom scenarios",
			Destination: &sweepPath,
		},
		&cli.Int64Flag{
			Name:        "scale",
			Usage:       "divide catalogue M, K and N by this factor (1 runs full size)",
			Value:       16,
			Destination: &scale,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "override the element type of every case (f32, f16, bf16)",
			Destination: &dtype,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "random seed for X; W and grad_Y use seed+1 and seed+2",
			Destination: &seed,
		},
		&cli.StringFlag{
			Name:        "report",
			Aliases:     []string{"o"},
			Usage:       "write the report to this file (.json, .yaml or .yml)",
			Destination: &reportPath,
		},
		&cli.Float64Flag{
			Name:        "atol",
			Usage:       "absolute tolerance override",
			Destination: &atol,
		},
		&cli.Float64Flag{
			Name:        "rtol",
			Usage:       "relative tolerance override",
			Destination: &rtol,
		},
		&cli.BoolFlag{
			Name:        "no-progress",
			Usage:       "disable the progress bar",
			Destination: &noProgress,
		},
	)

	return &cli.Command{
		Name:  "verify",
		Usage: "Check the engine against the float64 reference over a scenario sweep",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyEngineConfig(cmd, userConfig)
			applyVerifyConfig(cmd, userConfig, &dtype, &scale, &seed)

			if scale < 1 {
				return cli.Exit(fmt.Sprintf("error: --scale must be at least 1, got %d", scale), 1)
			}
			cases, err := collectCases(scenarios, sweepPath, int(scale))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if strings.TrimSpace(dtype) != "" {
				d, err := tensor.ParseDType(dtype)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				for i := range cases {
					cases[i].DType = d
				}
			}

			cfg, err := engineConfig(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			runner := &verify.Runner{Config: cfg, Seed: seed, Log: log}
			if cmd.IsSet("atol") || cmd.IsSet("rtol") {
				runner.Tolerance = &verify.Tolerance{ATol: atol, RTol: rtol}
			}
			var bar *progressbar.ProgressBar
			if !noProgress {
				bar = progressbar.NewOptions(len(cases),
					progressbar.OptionSetDescription("verify"),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionShowCount(),
					progressbar.OptionSetTheme(progressbar.ThemeASCII),
					progressbar.OptionClearOnFinish(),
				)
				runner.OnCase = func(done, total int, res verify.CaseResult) {
					bar.Describe(fmt.Sprintf("verify %-10s", res.Scenario.Name))
					_ = bar.Add(1)
				}
			}

			log.Info("starting sweep", "cases", len(cases), "scale", scale, "reduction", cfg.Reduction, "seed", seed)
			rep, err := runner.Run(ctx, cases)
			if bar != nil {
				_ = bar.Finish()
			}
			if rep != nil {
				fmt.Println(titleStyle.Render("Verification"))
				fmt.Println(summaryTable(rep))
				fmt.Printf("%d passed, %d failed, %d errors in %s\n",
					rep.Summary.Passed, rep.Summary.Failed, rep.Summary.Errors, durationText(rep.Finished.Sub(rep.Started)))
				for _, c := range rep.Failed() {
					fmt.Printf("  %s: %s\n", c.Scenario.Name, c.Error)
				}
				if reportPath != "" {
					if werr := rep.WriteFile(reportPath); werr != nil {
						return cli.Exit(fmt.Sprintf("error: write report: %v", werr), 1)
					}
					log.Info("report written", "path", reportPath, "id", rep.ID)
				}
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if !rep.Summary.OK() {
				return cli.Exit(fmt.Sprintf("%d of %d cases failed", rep.Summary.Total-rep.Summary.Passed, rep.Summary.Total), 1)
			}
			return nil
		},
	}
}

// collectCases resolves the catalogue selection and the sweep file into the
// cases to run. Catalogue cases are scaled; sweep cases run as written.
func collectCases(names []string, sweepPath string, scale int) ([]verify.Scenario, error) {
	var cases []verify.Scenario
	if len(names) > 0 || sweepPath == "" {
		if len(names) == 0 {
			for _, sc := range verify.Catalogue() {
				names = append(names, sc.Name)
			}
		}
		found, err := verify.Lookup(splitNames(names)...)
		if err != nil {
			return nil, err
		}
		for _, sc := range found {
			cases = append(cases, sc.Scaled(scale))
		}
	}
	if sweepPath != "" {
		sweep, err := verify.LoadSweep(sweepPath)
		if err != nil {
			return nil, err
		}
		cases = append(cases, sweep...)
	}
	return cases, nil
}

// splitNames accepts both repeated flags and comma separated lists.
func splitNames(in []string) []string {
	var out []string
	for _, s := range in {
		for _, name := range strings.Split(s, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}
