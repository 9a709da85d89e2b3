package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BaseURLEnv names the environment variable holding the backend base URL
const BaseURLEnv = "IMAGEGEN_API_BASE_URL"

// DefaultBaseURL is used when neither the environment nor the file sets a URL
const DefaultBaseURL = "http://localhost:8000"

// Config holds client configuration
type Config struct {
	API     APIConfig     `yaml:"api"`
	Polling PollingConfig `yaml:"polling"`
	Log     LogConfig     `yaml:"log"`

	// BaseURLSource records where API.URL came from: "env", "file" or "default"
	BaseURLSource string `yaml:"-"`
}

// APIConfig holds backend connection settings
type APIConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// PollingConfig holds status polling settings
type PollingConfig struct {
	Interval time.Duration `yaml:"interval"` // Default: 2s
	Timeout  time.Duration `yaml:"timeout"`  // Default: 5m, measured from poll start
}

// LogConfig holds logging settings
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// APIBase returns the root of the backend's JSON API
func (c *Config) APIBase() string {
	return strings.TrimRight(c.API.URL, "/") + "/api"
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file. An empty path or a missing
// file yields the defaults. The base URL environment variable overrides the file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if cfg.API.URL != "" {
		cfg.BaseURLSource = "file"
	}
	if env := strings.TrimSpace(os.Getenv(BaseURLEnv)); env != "" {
		cfg.API.URL = env
		cfg.BaseURLSource = "env"
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.API.URL == "" {
		c.API.URL = DefaultBaseURL
		c.BaseURLSource = "default"
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = 30 * time.Second
	}
	if c.Polling.Interval == 0 {
		c.Polling.Interval = 2 * time.Second
	}
	if c.Polling.Timeout == 0 {
		c.Polling.Timeout = 5 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks if the configuration is valid and returns detailed errors
func (c *Config) Validate() error {
	if c.API.URL == "" {
		return fmt.Errorf("API URL not configured")
	}
	u, err := url.Parse(c.API.URL)
	if err != nil {
		return fmt.Errorf("invalid API URL %q: %w", c.API.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid API URL scheme %q (expected http or https)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid API URL %q: missing host", c.API.URL)
	}
	if c.API.Timeout < 0 {
		return fmt.Errorf("api.timeout must be positive, got %v", c.API.Timeout)
	}
	if c.Polling.Interval <= 0 {
		return fmt.Errorf("polling.interval must be positive, got %v", c.Polling.Interval)
	}
	if c.Polling.Timeout <= c.Polling.Interval {
		return fmt.Errorf("polling.timeout (%v) must exceed polling.interval (%v)", c.Polling.Timeout, c.Polling.Interval)
	}
	return nil
}

// SaveConfig saves the configuration back to a YAML file
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
