// Package config manages the iab configuration file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Dicklesworthstone/iiif_auth_broker/internal/db"
	"github.com/Dicklesworthstone/iiif_auth_broker/internal/relay"
)

// DefaultListen is the control API address used when none is configured.
const DefaultListen = "127.0.0.1:7891"

// Config is the iab configuration.
type Config struct {
	// Listen is the control API address. The relay host page is served here
	// too, so it also determines the default Origin.
	Listen string `yaml:"listen"`

	// Origin is the host origin sent to auth services. Empty derives it from
	// Listen.
	Origin string `yaml:"origin,omitempty"`

	PollInterval time.Duration `yaml:"poll_interval"`

	// CheckRelayOrigin drops relay messages not sent by the token service's
	// origin.
	CheckRelayOrigin bool `yaml:"check_relay_origin"`

	Browser  BrowserConfig  `yaml:"browser"`
	Database DatabaseConfig `yaml:"database"`
}

// BrowserConfig configures the chromium instance hosting popups and relay
// frames.
type BrowserConfig struct {
	Headless    bool   `yaml:"headless"`
	ExecPath    string `yaml:"exec_path,omitempty"`
	UserDataDir string `yaml:"user_data_dir,omitempty"`
}

// DatabaseConfig configures the audit log.
type DatabaseConfig struct {
	Path     string `yaml:"path,omitempty"`
	Disabled bool   `yaml:"disabled"`
	// Retention is how long transitions are kept. Zero keeps them forever.
	Retention time.Duration `yaml:"retention"`
}

// DefaultRetention is the default audit log retention.
const DefaultRetention = 30 * 24 * time.Hour

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:           DefaultListen,
		PollInterval:     time.Second,
		CheckRelayOrigin: true,
		Database:         DatabaseConfig{Retention: DefaultRetention},
	}
}

// ConfigPath returns the path to the config file.
func ConfigPath() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "iab", "config.yaml")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "iab", "config.yaml")
	}
	return filepath.Join(homeDir, ".config", "iab", "config.yaml")
}

// Load reads the config from ConfigPath.
func Load() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads the config at path. A missing file yields the defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to path, creating its directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// Validate checks field values.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen %q: %w", c.Listen, err)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.Database.Retention < 0 {
		return fmt.Errorf("database.retention must not be negative, got %s", c.Database.Retention)
	}
	if c.Origin != "" {
		if _, err := relay.NormalizeOrigin(c.Origin); err != nil {
			return fmt.Errorf("origin: %w", err)
		}
	}
	return nil
}

// HostOrigin returns Origin, or http://<listen> when unset. A wildcard
// listen host maps to 127.0.0.1.
func (c *Config) HostOrigin() string {
	if c.Origin != "" {
		return c.Origin
	}
	host, port, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return "http://" + c.Listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// DatabasePath returns the configured path or db.DefaultPath.
func (c *Config) DatabasePath() string {
	if p := strings.TrimSpace(c.Database.Path); p != "" {
		return p
	}
	return db.DefaultPath()
}
