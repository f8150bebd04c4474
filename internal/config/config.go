package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DataDir       string        `toml:"data_dir"`
	RecoveryMode  string        `toml:"recovery_mode"` // fail_fast | best_effort
	Durability    Durability    `toml:"durability"`
	Signals       Signals       `toml:"signals"`
	Checkpoint    Checkpoint    `toml:"checkpoint"`
	Observability Observability `toml:"observability"`
}

type Durability struct {
	Policy        string        `toml:"policy"` // sync | batched | async
	BatchInterval time.Duration `toml:"batch_interval"`
	BatchMax      int           `toml:"batch_max"`
}

type Signals struct {
	Disabled       bool          `toml:"disabled"`
	BufferSize     int           `toml:"buffer_size"`
	Coalescing     bool          `toml:"coalescing"`
	CoalesceWindow time.Duration `toml:"coalesce_window"`
}

type Checkpoint struct {
	Interval       time.Duration `toml:"interval"`
	SegmentMaxSize int64         `toml:"segment_max_size"`
	SignalHorizon  time.Duration `toml:"signal_horizon"`
	Keep           int           `toml:"keep"`
}

type Observability struct {
	Addr         string `toml:"addr"`          // e.g. ":9107"; empty disables the HTTP server
	OTLPEndpoint string `toml:"otlp_endpoint"` // e.g. "localhost:4317"; empty disables tracing
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.DataDir == "" {
		cfg.DataDir = "./fxd-data"
	}
	if cfg.RecoveryMode == "" {
		cfg.RecoveryMode = "fail_fast"
	}
	// Batched group commit is the default durability posture; callers
	// needing per-write guarantees use policy "sync" or the Sync barrier.
	if cfg.Durability.Policy == "" {
		cfg.Durability.Policy = "batched"
	}
	if cfg.Durability.BatchInterval == 0 {
		cfg.Durability.BatchInterval = 5 * time.Millisecond
	}
	if cfg.Durability.BatchMax == 0 {
		cfg.Durability.BatchMax = 128
	}
	if cfg.Signals.BufferSize == 0 {
		cfg.Signals.BufferSize = 1024
	}
	if cfg.Signals.CoalesceWindow == 0 {
		cfg.Signals.CoalesceWindow = 20 * time.Millisecond
	}
	if cfg.Checkpoint.Interval == 0 {
		cfg.Checkpoint.Interval = 5 * time.Minute
	}
	if cfg.Checkpoint.SegmentMaxSize == 0 {
		cfg.Checkpoint.SegmentMaxSize = 16 << 20
	}
	if cfg.Checkpoint.SignalHorizon == 0 {
		cfg.Checkpoint.SignalHorizon = time.Hour
	}
	if cfg.Checkpoint.Keep == 0 {
		cfg.Checkpoint.Keep = 3
	}
}
