package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the ~/.vmledger/config.toml file.
type Config struct {
	RPC RPC `toml:"rpc,omitempty" json:"rpc"`
}

// RPC holds RPC Adapter defaults (spec.md §6 "Configuration recognised by the core").
type RPC struct {
	Port  int `toml:"port,omitempty" json:"port"`
	QMax  int `toml:"q_max,omitempty" json:"q_max"`
	MaxVMs int `toml:"max_vms,omitempty" json:"max_vms"`
}

// configDirOverride is set by the --data-dir flag or VMLEDGER_HOME env var.
var configDirOverride string

// SetConfigDir allows the CLI to pass in the --data-dir / VMLEDGER_HOME value.
func SetConfigDir(dir string) {
	configDirOverride = dir
}

// DataDir returns the data directory path under which every VM's dir,
// the config file, and the factory's child registry live.
// Precedence: --data-dir flag / SetConfigDir > VMLEDGER_HOME env > ~/.vmledger
func DataDir() string {
	if configDirOverride != "" {
		return configDirOverride
	}
	if v := os.Getenv("VMLEDGER_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".vmledger")
	}
	return filepath.Join(home, ".vmledger")
}

// ConfigPath returns the full path to config.toml.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// EnsureDir creates the data directory if it does not exist.
func EnsureDir() error {
	return os.MkdirAll(DataDir(), 0o755)
}

// Load reads config.toml and returns a Config struct.
// If the file does not exist, it returns defaults.
func Load() (*Config, error) {
	cfg := &Config{RPC: RPC{Port: 5555, QMax: 1000}}
	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config.toml: %w", err)
	}
	if cfg.RPC.Port == 0 {
		cfg.RPC.Port = 5555
	}
	if cfg.RPC.QMax == 0 {
		cfg.RPC.QMax = 1000
	}
	return cfg, nil
}

// Save writes the Config struct back to config.toml.
func Save(cfg *Config) error {
	if err := EnsureDir(); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(ConfigPath(), data, 0o644)
}

// validKeys lists the dot-separated keys that can be used with Get/Set.
var validKeys = map[string]bool{
	"rpc.port":    true,
	"rpc.q_max":   true,
	"rpc.max_vms": true,
}

// Get retrieves a single config value by dot-separated key.
func Get(key string) (string, error) {
	if !validKeys[key] {
		return "", fmt.Errorf("unknown config key: %s", key)
	}
	cfg, err := Load()
	if err != nil {
		return "", err
	}
	return getField(cfg, key)
}

// Set sets a single config value by dot-separated key.
func Set(key, value string) error {
	if !validKeys[key] {
		return fmt.Errorf("unknown config key: %s", key)
	}
	cfg, err := Load()
	if err != nil {
		return err
	}
	if err := setField(cfg, key, value); err != nil {
		return err
	}
	return Save(cfg)
}

func getField(cfg *Config, key string) (string, error) {
	switch key {
	case "rpc.port":
		return strconv.Itoa(cfg.RPC.Port), nil
	case "rpc.q_max":
		return strconv.Itoa(cfg.RPC.QMax), nil
	case "rpc.max_vms":
		return strconv.Itoa(cfg.RPC.MaxVMs), nil
	default:
		return "", fmt.Errorf("unknown config key: %s", key)
	}
}

func setField(cfg *Config, key, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("value for %s must be an integer: %w", key, err)
	}
	switch key {
	case "rpc.port":
		cfg.RPC.Port = n
	case "rpc.q_max":
		cfg.RPC.QMax = n
	case "rpc.max_vms":
		cfg.RPC.MaxVMs = n
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	return nil
}
