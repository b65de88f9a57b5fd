package groupgemm

import (
	"fmt"
	"strings"

	"golang.org/x/sys/cpu"

	"github.com/samcharles93/mgemm/internal/logger"
)

const (
	defaultTileM = 32
	defaultTileN = 32
	defaultTileK = 64

	maxTileM = 128
	maxTileN = 128
	maxTileK = 512
)

// Reduction selects how grad_W partial products from different groups are
// combined in the shared-weight layout.
type Reduction uint8

const (
	// ReduceOwner gives every grad_W tile a single writer that walks the
	// groups in ascending order. Results are bit-reproducible for a fixed
	// tile configuration and need no extra memory.
	ReduceOwner Reduction = iota
	// ReduceAtomic computes one task per (group, tile) and adds partial tiles
	// into a shared workspace with compare-and-swap. Addition order depends
	// on scheduling, so results may differ in the last bits between runs.
	ReduceAtomic
	// ReduceTree computes per-group partials in parallel and sums them with
	// a fixed pairwise tree. Reproducible, at the cost of one N×K partial per
	// non-empty group.
	ReduceTree
)

func (r Reduction) String() string {
	switch r {
	case ReduceOwner:
		return "owner"
	case ReduceAtomic:
		return "atomic"
	case ReduceTree:
		return "tree"
	default:
		return fmt.Sprintf("reduction(%d)", uint8(r))
	}
}

// Deterministic reports whether repeated runs produce identical bits.
func (r Reduction) Deterministic() bool {
	return r != ReduceAtomic
}

func ParseReduction(s string) (Reduction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "owner", "":
		return ReduceOwner, nil
	case "atomic":
		return ReduceAtomic, nil
	case "tree":
		return ReduceTree, nil
	default:
		return ReduceOwner, fmt.Errorf("unknown reduction %q", s)
	}
}

func (r Reduction) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Reduction) UnmarshalText(b []byte) error {
	v, err := ParseReduction(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// WeightLayout says how W is shared between groups.
type WeightLayout uint8

const (
	// SharedWeight applies one (N, K) weight to every group.
	SharedWeight WeightLayout = iota
	// PerGroupWeight stacks G weights as (G·N, K); group g uses rows
	// [g·N, (g+1)·N).
	PerGroupWeight
)

func (l WeightLayout) String() string {
	if l == PerGroupWeight {
		return "per-group"
	}
	return "shared"
}

// Config controls tiling and scheduling. Zero tile sizes are chosen per call
// from the problem shape.
type Config struct {
	TileM int
	TileN int
	TileK int

	// Workers caps the number of pool workers a dispatch uses; <= 0 means
	// GOMAXPROCS.
	Workers int

	Reduction Reduction
	Layout    WeightLayout

	// WideAccumulator accumulates in float64 instead of float32.
	WideAccumulator bool

	// MaxElements bounds the element count of any output; 0 disables the
	// check.
	MaxElements int

	Logger logger.Logger
}

func DefaultConfig() Config {
	return Config{Reduction: ReduceOwner, Layout: SharedWeight}
}

// SelectTiles picks tile sizes for an (m, k) x (k, n) product. Deep
// contractions get longer k blocks so each packed tile is reused more.
func SelectTiles(m, k, n int) (tm, tn, tk int) {
	tm, tn, tk = defaultTileM, defaultTileN, defaultTileK

	switch {
	case k >= 2048:
		tk = 256
	case k >= 512:
		tk = 128
	}
	if cpu.X86.HasAVX512F || cpu.ARM64.HasSVE {
		tn = 64
	}
	// Small problems would leave most workers idle with full-size tiles.
	if m > 0 && m < tm {
		tm = max(8, roundUp(m, 8))
	}
	if n > 0 && n < tn {
		tn = max(8, roundUp(n, 8))
	}

	return clampTile(tm, maxTileM), clampTile(tn, maxTileN), clampTile(tk, maxTileK)
}

// tiles resolves the configured tile sizes for a problem shape.
func (c Config) tiles(m, k, n int) (tm, tn, tk int) {
	tm, tn, tk = SelectTiles(m, k, n)
	if c.TileM > 0 {
		tm = clampTile(c.TileM, maxTileM)
	}
	if c.TileN > 0 {
		tn = clampTile(c.TileN, maxTileN)
	}
	if c.TileK > 0 {
		tk = clampTile(c.TileK, maxTileK)
	}
	return tm, tn, tk
}

func clampTile(v, max int) int {
	if v < 1 {
		return 1
	}
	if v > max {
		return max
	}
	return v
}

func roundUp(v, to int) int {
	return (v + to - 1) / to * to
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
