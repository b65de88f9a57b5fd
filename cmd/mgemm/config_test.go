package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mgemm/internal/groupgemm"
	"github.com/samcharles93/mgemm/internal/logger"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing file gives zero config", func(t *testing.T) {
		cfg := loadConfigFrom(filepath.Join(t.TempDir(), "absent.yaml"))
		if cfg.Scale != nil || cfg.Reduction != "" {
			t.Fatalf("expected zero config, got %+v", cfg)
		}
	})

	t.Run("invalid yaml gives zero config", func(t *testing.T) {
		cfg := loadConfigFrom(writeFile(t, "config.yaml", "scale: [1, 2"))
		if cfg.Scale != nil {
			t.Fatalf("expected zero config, got %+v", cfg)
		}
	})

	t.Run("fields decode", func(t *testing.T) {
		cfg := loadConfigFrom(writeFile(t, "config.yaml", `
log_level: debug
reduction: tree
tile_k: 128
wide_accumulator: true
scale: 8
seed: 7
server_address: 0.0.0.0:9000
rate: 1.5
`))
		if cfg.LogLevel != "debug" || cfg.Reduction != "tree" || cfg.ServerAddress != "0.0.0.0:9000" {
			t.Fatalf("unexpected strings: %+v", cfg)
		}
		if cfg.TileK == nil || *cfg.TileK != 128 || cfg.Scale == nil || *cfg.Scale != 8 {
			t.Fatalf("unexpected ints: tile_k=%v scale=%v", cfg.TileK, cfg.Scale)
		}
		if cfg.Wide == nil || !*cfg.Wide || cfg.Rate == nil || *cfg.Rate != 1.5 {
			t.Fatalf("unexpected wide/rate: %v %v", cfg.Wide, cfg.Rate)
		}
		if cfg.TileM != nil {
			t.Fatalf("unset tile_m should stay nil")
		}
	})
}

// runEngineFlags parses args with the engine flags and applies cfg the way
// the subcommands do.
func runEngineFlags(t *testing.T, cfg Config, args ...string) groupgemm.Config {
	t.Helper()
	var out groupgemm.Config
	cmd := &cli.Command{
		Name:  "test",
		Flags: engineFlags(),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyEngineConfig(c, cfg)
			var err error
			out, err = engineConfig(logger.Discard())
			return err
		},
	}
	if err := cmd.Run(context.Background(), append([]string{"test"}, args...)); err != nil {
		t.Fatalf("run: %v", err)
	}
	return out
}

func TestApplyEngineConfig(t *testing.T) {
	tk := int64(96)
	w := int64(3)
	yes := true
	cfg := Config{TileK: &tk, Workers: &w, Reduction: "atomic", Wide: &yes}

	t.Run("config fills unset flags", func(t *testing.T) {
		got := runEngineFlags(t, cfg)
		if got.TileK != 96 || got.Workers != 3 || got.Reduction != groupgemm.ReduceAtomic || !got.WideAccumulator {
			t.Fatalf("config not applied: %+v", got)
		}
	})

	t.Run("flags win over config", func(t *testing.T) {
		got := runEngineFlags(t, cfg, "--tile-k", "32", "--reduction", "tree")
		if got.TileK != 32 || got.Reduction != groupgemm.ReduceTree {
			t.Fatalf("flags not preferred: %+v", got)
		}
		if got.Workers != 3 {
			t.Fatalf("unrelated config value lost: %+v", got)
		}
	})

	t.Run("defaults without config", func(t *testing.T) {
		got := runEngineFlags(t, Config{})
		if got.Reduction != groupgemm.ReduceOwner || got.TileK != 0 || got.WideAccumulator {
			t.Fatalf("unexpected defaults: %+v", got)
		}
	})
}

func TestEngineConfigRejectsBadValues(t *testing.T) {
	for _, args := range [][]string{
		{"test", "--reduction", "sideways"},
		{"test", "--workers=-2"},
	} {
		cmd := &cli.Command{
			Name:  "test",
			Flags: engineFlags(),
			Action: func(ctx context.Context, c *cli.Command) error {
				_, err := engineConfig(logger.Discard())
				return err
			},
		}
		if err := cmd.Run(context.Background(), args); err == nil {
			t.Fatalf("%v: expected error", args[1:])
		}
	}
}

func TestCollectCases(t *testing.T) {
	t.Run("default is the whole catalogue, scaled", func(t *testing.T) {
		cases, err := collectCases(nil, "", 32)
		if err != nil {
			t.Fatalf("collectCases: %v", err)
		}
		if len(cases) != 8 {
			t.Fatalf("expected 8 cases, got %d", len(cases))
		}
		if cases[0].K != 7168/32 {
			t.Fatalf("scale not applied: K=%d", cases[0].K)
		}
	})

	t.Run("comma separated names", func(t *testing.T) {
		cases, err := collectCases([]string{"a, d", "B"}, "", 1)
		if err != nil {
			t.Fatalf("collectCases: %v", err)
		}
		if len(cases) != 3 || cases[0].Name != "A" || cases[1].Name != "D" || cases[2].Name != "B" {
			t.Fatalf("unexpected cases: %v", cases)
		}
	})

	t.Run("sweep only", func(t *testing.T) {
		path := writeFile(t, "sweep.yaml", `
scenarios:
  - name: tiny
    sizes: [3, 0, 5]
    k: 4
    n: 2
    backward: true
`)
		cases, err := collectCases(nil, path, 16)
		if err != nil {
			t.Fatalf("collectCases: %v", err)
		}
		if len(cases) != 1 || cases[0].Name != "tiny" || cases[0].K != 4 {
			t.Fatalf("sweep cases should run unscaled: %+v", cases)
		}
	})

	t.Run("unknown scenario", func(t *testing.T) {
		if _, err := collectCases([]string{"nope"}, "", 1); err == nil {
			t.Fatalf("expected error for unknown scenario")
		}
	})
}
