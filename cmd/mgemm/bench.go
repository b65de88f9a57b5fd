package main

import (
	"context"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mgemm/internal/groupgemm"
	"github.com/samcharles93/mgemm/internal/logger"
	"github.com/samcharles93/mgemm/internal/tensor"
)

func benchCmd() *cli.Command {
	var (
		m          int64
		k          int64
		n          int64
		groups     int64
		dtype      string
		warmupRuns int64
		benchRuns  int64
		backward   bool
		perGroup   bool
		autotune   bool
		seed       int64
	)

	flags := append([]cli.Flag{}, engineFlags()...)
	flags = append(flags,
		&cli.Int64Flag{Name: "m", Usage: "total rows of X", Value: 8192, Destination: &m},
		&cli.Int64Flag{Name: "k", Usage: "contraction size", Value: 7168, Destination: &k},
		&cli.Int64Flag{Name: "n", Usage: "output columns", Value: 4096, Destination: &n},
		&cli.Int64Flag{
			Name:        "groups",
			Aliases:     []string{"g"},
			Usage:       "number of groups; rows are split evenly",
			Value:       4,
			Destination: &groups,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "element type (f32, f16, bf16)",
			Value:       "f16",
			Destination: &dtype,
		},
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       3,
			Destination: &benchRuns,
		},
		&cli.BoolFlag{
			Name:        "backward",
			Usage:       "also time the backward pass",
			Destination: &backward,
		},
		&cli.BoolFlag{
			Name:        "per-group-weight",
			Usage:       "give every group its own weight",
			Destination: &perGroup,
		},
		&cli.BoolFlag{
			Name:        "autotune",
			Usage:       "score candidate tile sizes on this shape before timing",
			Destination: &autotune,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "random seed for the operands",
			Value:       42,
			Destination: &seed,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Time forward and backward passes on a synthetic problem",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyEngineConfig(cmd, userConfig)

			if m < 0 || k <= 0 || n <= 0 || groups <= 0 || benchRuns <= 0 || warmupRuns < 0 {
				return cli.Exit("error: m must be non-negative; k, n, groups and runs must be positive", 1)
			}
			d, err := tensor.ParseDType(dtype)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			cfg, err := engineConfig(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if perGroup {
				cfg.Layout = groupgemm.PerGroupWeight
			}

			sizes := groupgemm.EvenSplit(int(m), int(groups))
			wRows := int(n)
			if perGroup {
				wRows *= int(groups)
			}
			x, err := randomMat(d, int(m), int(k), seed)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: allocate X: %v", err), 1)
			}
			w, err := randomMat(d, wRows, int(k), seed+1)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: allocate W: %v", err), 1)
			}
			var gy tensor.Mat
			if backward {
				if gy, err = randomMat(d, int(m), int(n), seed+2); err != nil {
					return cli.Exit(fmt.Sprintf("error: allocate grad_Y: %v", err), 1)
				}
			}

			flops := 2 * float64(m) * float64(k) * float64(n)
			if autotune {
				shape := groupgemm.Shape{Groups: int(groups), M: int(m), K: int(k), N: int(n)}
				tuner := groupgemm.NewTuner()
				start := time.Now()
				cfg = tuner.GetConfig(shape, cfg, func(c groupgemm.Config) float64 {
					t0 := time.Now()
					if _, err := groupgemm.New(c).Forward(&x, &w, sizes); err != nil {
						log.Warn("autotune candidate failed", "tile_m", c.TileM, "tile_n", c.TileN, "tile_k", c.TileK, "error", err)
						return 0
					}
					return gflops(flops, time.Since(t0))
				})
				tuned, _ := tuner.Lookup(shape)
				log.Info("autotune finished", "tile_m", cfg.TileM, "tile_n", cfg.TileN, "tile_k", cfg.TileK,
					"gflops", fmt.Sprintf("%.1f", tuned.Score), "took", time.Since(start).Round(time.Millisecond))
			}
			engine := groupgemm.New(cfg)

			operandBytes := uint64(x.R*x.C+w.R*w.C+int(m)*int(n)) * uint64(d.Size())
			fmt.Println(titleStyle.Render("Grouped GEMM benchmark"))
			info := newTable("", "")
			info.Row("Shape", shapeText(int(groups), int(m), int(k), int(n)))
			info.Row("DType", d.String())
			info.Row("Layout", cfg.Layout.String())
			info.Row("Reduction", cfg.Reduction.String())
			info.Row("Tiles", fmt.Sprintf("%s x %s x %s", tileText(cfg.TileM), tileText(cfg.TileN), tileText(cfg.TileK)))
			info.Row("Operands", humanize.Bytes(operandBytes))
			info.Row("CPUs", fmt.Sprintf("%d (GOMAXPROCS %d)", runtime.NumCPU(), runtime.GOMAXPROCS(0)))
			info.Row("Runs", fmt.Sprintf("%d (+%d warmup)", benchRuns, warmupRuns))
			fmt.Println(info.Render())

			runOnce := func() (fwd, bwd time.Duration, err error) {
				t0 := time.Now()
				if _, err = engine.Forward(&x, &w, sizes); err != nil {
					return 0, 0, err
				}
				fwd = time.Since(t0)
				if backward {
					t1 := time.Now()
					if _, _, err = engine.Backward(&gy, &x, &w, sizes); err != nil {
						return fwd, 0, err
					}
					bwd = time.Since(t1)
				}
				return fwd, bwd, nil
			}

			for i := range int(warmupRuns) {
				log.Info("warmup run", "run", i+1)
				if _, _, err := runOnce(); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}

			results := newTable("Run", "Forward", "GFLOP/s", "Backward", "GFLOP/s")
			var sumFwd, sumBwd time.Duration
			for i := range int(benchRuns) {
				log.Debug("benchmark run", "run", i+1)
				fwd, bwd, err := runOnce()
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
				}
				sumFwd += fwd
				sumBwd += bwd
				results.Row(strconv.Itoa(i+1), durationText(fwd), fmt.Sprintf("%.1f", gflops(flops, fwd)),
					durationText(bwd), rateText(2*flops, bwd))
			}
			runs := time.Duration(benchRuns)
			results.Row("avg", durationText(sumFwd/runs), fmt.Sprintf("%.1f", gflops(flops, sumFwd/runs)),
				durationText(sumBwd/runs), rateText(2*flops, sumBwd/runs))
			fmt.Println(results.Render())

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("Memory: %s alloc, %s sys\n", humanize.Bytes(mem.Alloc), humanize.Bytes(mem.Sys))
			return nil
		},
	}
}

// rateText formats GFLOP/s, or "-" for a pass that did not run.
func rateText(flops float64, d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f", gflops(flops, d))
}

func tileText(v int) string {
	if v == 0 {
		return "auto"
	}
	return strconv.Itoa(v)
}

func randomMat(d tensor.DType, r, c int, seed int64) (tensor.Mat, error) {
	m, err := tensor.NewMatOf(d, r, c)
	if err != nil {
		return tensor.Mat{}, err
	}
	tensor.FillNormal(&m, seed)
	return m, nil
}
