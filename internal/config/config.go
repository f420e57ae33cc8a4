// Package config loads MindFry's server configuration from the
// environment, modeled on internal/llm.NewTier's prefix-with-fallback
// resolution pattern and cmd/agsh/main.go's godotenv.Load(".env") call.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds every tunable named in spec §6 Configuration plus the
// ambient host/port/data-dir triad.
type Config struct {
	Host string
	Port int

	DataDir string

	MaxLineages     uint32
	MaxBonds        uint32
	MaxBondsPerNode int

	PrimingDecay    float64
	MaxPrimingDepth int
	PruneFloor      float64

	GCTickMs          int
	ComaThresholdSecs int

	ConnLogDir string
	Console    bool
}

// Defaults mirror the constants documented throughout spec §4 and §6.
var Defaults = Config{
	Host:              "127.0.0.1",
	Port:              9527,
	DataDir:           "./data",
	MaxLineages:       1 << 20,
	MaxBonds:          1 << 22,
	MaxBondsPerNode:   20,
	PrimingDecay:      0.5,
	MaxPrimingDepth:   3,
	PruneFloor:        0.01,
	GCTickMs:          1_000,
	ComaThresholdSecs: 3600,
}

// Load reads .env (if present, ignored if absent — matching
// cmd/agsh/main.go's best-effort godotenv.Load) then resolves every field
// from the environment, falling back to Defaults.
//
// Expectations:
//   - Absent .env file is not an error
//   - Every field falls back to Defaults when its env var is unset
//   - A present env var overrides the default
//   - A malformed numeric env var returns a wrapped error, never panics
func Load() (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Defaults
	var err error

	cfg.Host = getString("HOST", cfg.Host)
	if cfg.Port, err = getInt("PORT", cfg.Port); err != nil {
		return Config{}, err
	}
	cfg.DataDir = getString("DATA_DIR", cfg.DataDir)

	var u64 int
	if u64, err = getInt("MAX_LINEAGES", int(cfg.MaxLineages)); err != nil {
		return Config{}, err
	}
	cfg.MaxLineages = uint32(u64)
	if u64, err = getInt("MAX_BONDS", int(cfg.MaxBonds)); err != nil {
		return Config{}, err
	}
	cfg.MaxBonds = uint32(u64)
	if cfg.MaxBondsPerNode, err = getInt("MAX_BONDS_PER_NODE", cfg.MaxBondsPerNode); err != nil {
		return Config{}, err
	}

	if cfg.PrimingDecay, err = getFloat("PRIMING_DECAY", cfg.PrimingDecay); err != nil {
		return Config{}, err
	}
	if cfg.MaxPrimingDepth, err = getInt("MAX_PRIMING_DEPTH", cfg.MaxPrimingDepth); err != nil {
		return Config{}, err
	}
	if cfg.PruneFloor, err = getFloat("PRUNE_FLOOR", cfg.PruneFloor); err != nil {
		return Config{}, err
	}

	if cfg.GCTickMs, err = getInt("GC_TICK_MS", cfg.GCTickMs); err != nil {
		return Config{}, err
	}
	if cfg.ComaThresholdSecs, err = getInt("COMA_THRESHOLD_SECS", cfg.ComaThresholdSecs); err != nil {
		return Config{}, err
	}
	cfg.ConnLogDir = getString("CONN_LOG_DIR", cfg.ConnLogDir)
	cfg.Console = getString("CONSOLE", "") == "1"

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configuration that would make the server unable to
// start, exiting with code 2 per spec §6's exit-code convention — Load's
// caller is responsible for the os.Exit(2), not this function.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: PORT out of range: %d", c.Port)
	}
	if c.MaxLineages == 0 {
		return fmt.Errorf("config: MAX_LINEAGES must be > 0")
	}
	if c.MaxBondsPerNode <= 0 {
		return fmt.Errorf("config: MAX_BONDS_PER_NODE must be > 0")
	}
	if c.PruneFloor < 0 || c.PruneFloor > 1 {
		return fmt.Errorf("config: PRUNE_FLOOR must be in [0,1]")
	}
	if c.MaxPrimingDepth <= 0 {
		return fmt.Errorf("config: MAX_PRIMING_DEPTH must be > 0")
	}
	return nil
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}
