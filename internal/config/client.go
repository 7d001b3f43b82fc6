package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig is the synccli configuration, stored as YAML in the data
// directory
type ClientConfig struct {
	DataDir    string                 `yaml:"data_dir"`
	Server     ClientServerConfig     `yaml:"server"`
	Compaction ClientCompactionConfig `yaml:"compaction"`
	Hooks      HooksConfig            `yaml:"hooks"`
	Encryption EncryptionConfig       `yaml:"encryption"`
	Logging    LoggingConfig          `yaml:"logging"`
}

// ClientServerConfig holds the sync server endpoint and credentials
type ClientServerConfig struct {
	URL          string        `yaml:"url"`
	Token        string        `yaml:"token"`
	Timeout      time.Duration `yaml:"timeout"`
	DownloadPage int           `yaml:"download_page"`
}

// ClientCompactionConfig controls op log compaction
type ClientCompactionConfig struct {
	Threshold int           `yaml:"threshold"`
	Interval  time.Duration `yaml:"interval"`
}

// HooksConfig bounds post-apply hooks
type HooksConfig struct {
	Workers int           `yaml:"workers"`
	Timeout time.Duration `yaml:"timeout"`
}

// EncryptionConfig enables end-to-end payload encryption. The password is
// never stored; it is read from OPSYNC_PASSWORD or prompted for.
type EncryptionConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ClientConfigFile is the config file name inside the data directory
const ClientConfigFile = "config.yaml"

// LoadClient loads the client configuration from path
func LoadClient(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(path)
	}
	SetClientDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// SaveClient writes cfg to path
func SaveClient(path string, cfg *ClientConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	// holds the bearer token
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SetClientDefaults fills unspecified values
func SetClientDefaults(cfg *ClientConfig) {
	if cfg.Server.Timeout == 0 {
		cfg.Server.Timeout = 30 * time.Second
	}
	if cfg.Server.DownloadPage == 0 {
		cfg.Server.DownloadPage = 500
	}
	if cfg.Compaction.Threshold == 0 {
		cfg.Compaction.Threshold = 500
	}
	if cfg.Hooks.Workers == 0 {
		cfg.Hooks.Workers = 4
	}
	if cfg.Hooks.Timeout == 0 {
		cfg.Hooks.Timeout = 2 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "warn"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
}

// Validate validates the client configuration
func (c *ClientConfig) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Server.URL != "" {
		u, err := url.Parse(c.Server.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("server.url must be an absolute URL")
		}
	}
	if c.Compaction.Threshold < 1 {
		return fmt.Errorf("compaction.threshold must be positive")
	}
	if c.Hooks.Timeout <= 0 {
		return fmt.Errorf("hooks.timeout must be positive")
	}
	return nil
}
