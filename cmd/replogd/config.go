package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// FileConfig is the daemon's TOML configuration file.
type FileConfig struct {
	// Addr is the address this node's replica server listens on, and the
	// address peers use to reach it.
	Addr string `toml:"addr"`
	// Peers are the other members of the group.
	Peers []string `toml:"peers"`
	// Path is where the replica stores its records.
	Path string `toml:"path"`
	// Quorum is the number of replicas that must agree on every operation.
	Quorum int `toml:"quorum"`
	// AutoInitialize lets a completely fresh group bootstrap itself without
	// the offline initialize tool.
	AutoInitialize bool `toml:"auto_initialize"`
	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string `toml:"log_level"`
	// PhaseTimeout bounds each consensus broadcast phase.
	PhaseTimeout duration `toml:"phase_timeout"`
	// RetryInterval is how long recovery waits between attempts.
	RetryInterval duration `toml:"retry_interval"`
}

// duration lets timeouts be written as strings like "10s" in the file.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func loadConfig(path string) (*FileConfig, error) {
	cfg := &FileConfig{
		LogLevel:      "info",
		PhaseTimeout:  duration{10 * time.Second},
		RetryInterval: duration{10 * time.Second},
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decoding config file %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
	}

	if cfg.Addr == "" {
		return nil, fmt.Errorf("config must set addr")
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("config must set path")
	}
	if cfg.Quorum <= 0 {
		return nil, fmt.Errorf("config must set a positive quorum, got %d", cfg.Quorum)
	}
	return cfg, nil
}
