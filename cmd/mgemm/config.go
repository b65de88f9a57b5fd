package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the mgemm configuration file (~/.config/mgemm/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Engine defaults
	TileM       *int64 `yaml:"tile_m"`
	TileN       *int64 `yaml:"tile_n"`
	TileK       *int64 `yaml:"tile_k"`
	Workers     *int64 `yaml:"workers"`
	Reduction   string `yaml:"reduction"`
	Wide        *bool  `yaml:"wide_accumulator"`
	MaxElements *int64 `yaml:"max_elements"`

	// Verification defaults
	DType string `yaml:"dtype"`
	Scale *int64 `yaml:"scale"`
	Seed  *int64 `yaml:"seed"`

	// Server
	ServerAddress string   `yaml:"server_address"`
	Rate          *float64 `yaml:"rate"`
	Burst         *int64   `yaml:"burst"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "mgemm", "config.yaml")
}

// LoadConfig reads the user config file. Returns a zero Config if the file
// doesn't exist or cannot be parsed.
func LoadConfig() Config {
	return loadConfigFrom(configPath())
}

func loadConfigFrom(path string) Config {
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// applyLoggingConfig applies config file defaults to the global logging
// flags when they were not set on the command line.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyEngineConfig applies config file defaults to the engine flags.
func applyEngineConfig(c *cli.Command, cfg Config) {
	if cfg.TileM != nil && !c.IsSet("tile-m") {
		tileM = *cfg.TileM
	}
	if cfg.TileN != nil && !c.IsSet("tile-n") {
		tileN = *cfg.TileN
	}
	if cfg.TileK != nil && !c.IsSet("tile-k") {
		tileK = *cfg.TileK
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
	if cfg.Reduction != "" && !c.IsSet("reduction") {
		reduction = cfg.Reduction
	}
	if cfg.Wide != nil && !c.IsSet("wide") {
		wide = *cfg.Wide
	}
	if cfg.MaxElements != nil && !c.IsSet("max-elements") {
		maxElements = *cfg.MaxElements
	}
}

// applyVerifyConfig applies config file defaults to verify command variables.
func applyVerifyConfig(c *cli.Command, cfg Config, dtype *string, scale, seed *int64) {
	if cfg.DType != "" && !c.IsSet("dtype") {
		*dtype = cfg.DType
	}
	if cfg.Scale != nil && !c.IsSet("scale") {
		*scale = *cfg.Scale
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, rate *float64, burst, scale, seed *int64) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.Rate != nil && !c.IsSet("rate") {
		*rate = *cfg.Rate
	}
	if cfg.Burst != nil && !c.IsSet("burst") {
		*burst = *cfg.Burst
	}
	if cfg.Scale != nil && !c.IsSet("scale") {
		*scale = *cfg.Scale
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
}
