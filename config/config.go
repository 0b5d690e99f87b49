package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// AethirConfig tunes the Aethir adapter.
type AethirConfig struct {
	Enabled           bool   `toml:"Enabled"`
	OracleAddress     string `toml:"OracleAddress"`
	ClaimCliffSeconds int64  `toml:"ClaimCliffSeconds"`
	UnbondingSeconds  int64  `toml:"UnbondingSeconds"`
}

// XAIConfig tunes the XAI adapter.
type XAIConfig struct {
	Enabled          bool     `toml:"Enabled"`
	Pools            []string `toml:"Pools"`
	UnbondingSeconds int64    `toml:"UnbondingSeconds"`
}

// SophonConfig tunes the Sophon adapter.
type SophonConfig struct {
	Enabled bool `toml:"Enabled"`
}

// AdaptersConfig groups the per-ecosystem adapter settings.
type AdaptersConfig struct {
	Aethir AethirConfig `toml:"Aethir"`
	XAI    XAIConfig    `toml:"XAI"`
	Sophon SophonConfig `toml:"Sophon"`
}

// Config is the daemon configuration loaded from TOML.
type Config struct {
	RPCAddress     string         `toml:"RPCAddress"`
	MetricsAddress string         `toml:"MetricsAddress"`
	DataDir        string         `toml:"DataDir"`
	Instance       string         `toml:"Instance"`
	AdminAddress   string         `toml:"AdminAddress"`
	LogFile        string         `toml:"LogFile"`
	Adapters       AdaptersConfig `toml:"Adapters"`
}

// Load reads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8645"
	}
	if strings.TrimSpace(cfg.MetricsAddress) == "" {
		cfg.MetricsAddress = ":9464"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./yieldpass-data"
	}
	if strings.TrimSpace(cfg.Instance) == "" {
		cfg.Instance = "yieldpass-local"
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.AdminAddress) == "" {
		return fmt.Errorf("config: AdminAddress is required")
	}
	if cfg.Adapters.Aethir.Enabled {
		if strings.TrimSpace(cfg.Adapters.Aethir.OracleAddress) == "" {
			return fmt.Errorf("config: Adapters.Aethir.OracleAddress is required when the adapter is enabled")
		}
		if cfg.Adapters.Aethir.UnbondingSeconds < 0 || cfg.Adapters.Aethir.ClaimCliffSeconds < 0 {
			return fmt.Errorf("config: Aethir delays must be non-negative")
		}
	}
	if cfg.Adapters.XAI.Enabled {
		if len(cfg.Adapters.XAI.Pools) == 0 {
			return fmt.Errorf("config: Adapters.XAI.Pools must list at least one pool when the adapter is enabled")
		}
		if cfg.Adapters.XAI.UnbondingSeconds < 0 {
			return fmt.Errorf("config: XAI unbonding delay must be non-negative")
		}
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Adapters.Sophon.Enabled = true

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, fmt.Errorf("config: wrote default config to %s; set AdminAddress and restart", path)
}
