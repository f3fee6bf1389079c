// Package node wires the fujid daemon: storage, chain access, the swap
// provider, the covenant and the wallet, plus the registry of running
// swap attempts.
package node

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fuji-money/fujiswap/internal/config"
)

// Config holds all configuration for the daemon.
type Config struct {
	// Network is liquid, testnet or regtest.
	Network config.NetworkType `yaml:"network"`

	// Storage
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Endpoints of the remote services. Empty values fall back to the
	// network defaults.
	Endpoints config.Endpoints `yaml:"endpoints"`

	// API is the control interface.
	API APIConfig `yaml:"api"`

	// Monitor
	Monitor MonitorConfig `yaml:"monitor"`
}

// IsMainnet returns true if running on Liquid mainnet.
func (c *Config) IsMainnet() bool {
	return c.Network == config.Liquid
}

// ResolvedEndpoints returns the configured endpoints with blanks filled
// from the network defaults.
func (c *Config) ResolvedEndpoints() config.Endpoints {
	out := c.Endpoints
	defaults := config.DefaultEndpoints(c.Network)
	if out.ElectrumURL == "" {
		out.ElectrumURL = defaults.ElectrumURL
	}
	if out.EsploraURL == "" {
		out.EsploraURL = defaults.EsploraURL
	}
	if out.BoltzURL == "" {
		out.BoltzURL = defaults.BoltzURL
	}
	if out.CovenantURL == "" {
		out.CovenantURL = defaults.CovenantURL
	}
	if out.WalletURL == "" {
		out.WalletURL = defaults.WalletURL
	}
	return out
}

// KeyPassphrase reads the swap key passphrase from the configured
// environment variable. Empty means keys are stored unsealed.
func (c *Config) KeyPassphrase() string {
	if c.Storage.KeyPassphraseEnv == "" {
		return ""
	}
	return os.Getenv(c.Storage.KeyPassphraseEnv)
}

// Validate checks the configuration for values the daemon cannot run
// with.
func (c *Config) Validate() error {
	if _, err := config.ParseNetwork(string(c.Network)); err != nil {
		return err
	}
	if c.API.Listen == "" {
		return fmt.Errorf("api.listen must be set")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}
	return nil
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`

	// KeyPassphraseEnv names the environment variable holding the
	// passphrase swap keys are sealed with.
	KeyPassphraseEnv string `yaml:"key_passphrase_env"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is the output format (text, json, logfmt).
	Format string `yaml:"format"`
}

// APIConfig holds control API settings.
type APIConfig struct {
	// Listen is the address the JSON-RPC and websocket server binds.
	Listen string `yaml:"listen"`
}

// MonitorConfig holds confirmation monitor settings.
type MonitorConfig struct {
	// Interval between confirmation checks of unconfirmed positions.
	Interval time.Duration `yaml:"interval"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Network: config.Liquid,
		Storage: StorageConfig{
			DataDir:          "~/.fujiswap",
			KeyPassphraseEnv: "FUJI_KEY_PASSPHRASE",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		API: APIConfig{
			Listen: "127.0.0.1:7070",
		},
		Monitor: MonitorConfig{
			Interval: 30 * time.Second,
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}

		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	network, err := config.ParseNetwork(string(cfg.Network))
	if err != nil {
		return nil, err
	}
	cfg.Network = network

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# fujid configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
