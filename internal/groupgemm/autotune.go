package groupgemm

import "sync"

// Shape keys the autotune cache.
type Shape struct {
	Groups int
	M      int
	K      int
	N      int
}

type TunedConfig struct {
	Cfg   Config
	Score float64
}

// Tuner picks tile sizes per shape by scoring candidate configurations and
// caches the winner. Higher scores win.
type Tuner struct {
	mu    sync.RWMutex
	cache map[Shape]TunedConfig
}

func NewTuner() *Tuner {
	return &Tuner{
		cache: make(map[Shape]TunedConfig),
	}
}

// Lookup returns the cached configuration for shape, if any.
func (t *Tuner) Lookup(shape Shape) (TunedConfig, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tuned, ok := t.cache[shape]
	return tuned, ok
}

// GetConfig returns the best configuration for shape, scoring base and its
// candidates with run on the first request.
func (t *Tuner) GetConfig(
	shape Shape,
	base Config,
	run func(cfg Config) float64,
) Config {
	if tuned, ok := t.Lookup(shape); ok {
		return tuned.Cfg
	}

	base = resolveTiles(base, shape)
	bestCfg := base
	bestScore := run(base)

	for _, cfg := range candidateConfigs(base) {
		score := run(cfg)
		if score > bestScore {
			bestCfg = cfg
			bestScore = score
		}
	}

	t.mu.Lock()
	t.cache[shape] = TunedConfig{
		Cfg:   bestCfg,
		Score: bestScore,
	}
	t.mu.Unlock()

	return bestCfg
}

// resolveTiles fills zero tile sizes with the shape's default selection.
func resolveTiles(cfg Config, shape Shape) Config {
	cfg.TileM, cfg.TileN, cfg.TileK = cfg.tiles(shape.M, shape.K, shape.N)
	return cfg
}

func candidateConfigs(base Config) []Config {
	var out []Config

	for _, tk := range []int{
		base.TileK / 2,
		base.TileK * 2,
		64,
		256,
	} {
		if tk <= 0 || clampTile(tk, maxTileK) == base.TileK {
			continue
		}
		cfg := base
		cfg.TileK = clampTile(tk, maxTileK)
		out = append(out, cfg)
	}
	for _, tmn := range [][2]int{{16, 64}, {64, 32}, {64, 64}} {
		if tmn[0] == base.TileM && tmn[1] == base.TileN {
			continue
		}
		cfg := base
		cfg.TileM, cfg.TileN = tmn[0], tmn[1]
		out = append(out, cfg)
	}

	return out
}
