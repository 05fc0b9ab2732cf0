// Package config provides layered configuration for the dapxd control-plane
// daemon: defaults are overridden by a YAML file, which is overridden by
// DAPX_*-prefixed environment variables (bound through viper), which is
// overridden by CLI flags. See cmd/dapxd for the flag/env wiring.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DebugEnabled mirrors Config.Debug process-wide. It is set during startup
// from config/flags.
var DebugEnabled bool

// Config holds the daemon's own settings -- not the settings-store keys
// (those live in internal/store's "settings" table and are read/written
// at runtime through internal/store.Settings).
type Config struct {
	// StateDir holds the sqlite database, Badger inventory cache, and log
	// file. Defaults to $XDG_STATE_HOME/dapxd or ~/.local/state/dapxd.
	StateDir string `yaml:"state_dir"`

	// SSHKeyPath is the control plane's private key used to reach every
	// managed node -- a key pair stored at a fixed path under the daemon's home.
	SSHKeyPath string `yaml:"ssh_key_path"`

	// DefaultSSHUser is used when a Node definition does not override it.
	DefaultSSHUser string `yaml:"default_ssh_user"`

	Debug bool `yaml:"debug"`

	// SchedulerTickSeconds overrides the default 60s scheduler tick, for
	// tests and local development only.
	SchedulerTickSeconds int `yaml:"scheduler_tick_seconds"`
}

// DefaultConfig returns the zero-value-safe defaults.
func DefaultConfig() *Config {
	return &Config{
		StateDir:             defaultStateDir(),
		SSHKeyPath:           defaultSSHKeyPath(),
		DefaultSSHUser:       "root",
		SchedulerTickSeconds: 60,
	}
}

func defaultStateDir() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "dapxd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dapxd"
	}
	return filepath.Join(home, ".local", "state", "dapxd")
}

func defaultSSHKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "id_ed25519_dapxd"
	}
	return filepath.Join(home, ".ssh", "dapxd_ed25519")
}

// MergeWithFile loads a YAML file and overlays any set fields onto c.
func (c *Config) MergeWithFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if file.StateDir != "" {
		c.StateDir = file.StateDir
	}
	if file.SSHKeyPath != "" {
		c.SSHKeyPath = file.SSHKeyPath
	}
	if file.DefaultSSHUser != "" {
		c.DefaultSSHUser = file.DefaultSSHUser
	}
	if file.SchedulerTickSeconds != 0 {
		c.SchedulerTickSeconds = file.SchedulerTickSeconds
	}
	if file.Debug {
		c.Debug = true
	}

	return nil
}

// Validate checks that required fields are present and sane.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir must not be empty")
	}
	if c.SSHKeyPath == "" {
		return fmt.Errorf("ssh_key_path must not be empty")
	}
	if c.SchedulerTickSeconds <= 0 {
		return fmt.Errorf("scheduler_tick_seconds must be positive")
	}
	return nil
}

// DBPath returns the sqlite database path under StateDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.StateDir, "dapxd.db")
}

// InventoryCacheDir returns the Badger inventory-cache directory under StateDir.
func (c *Config) InventoryCacheDir() string {
	return filepath.Join(c.StateDir, "invcache")
}
