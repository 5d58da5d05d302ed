// Package config handles cgpu configuration loading and validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cgpu-dev/cgpu/internal/tier"
)

// Config is the top-level cgpu configuration.
type Config struct {
	API     APIConfig     `json:"api"`
	Runtime RuntimeConfig `json:"runtime"`
	Kernel  KernelConfig  `json:"kernel"`
}

// APIConfig defines how the client reaches the control plane.
type APIConfig struct {
	BaseURL       string   `json:"base_url"`
	Token         string   `json:"token"`
	TLSSkipVerify bool     `json:"tls_skip_verify,omitempty"` // dev only
	Timeout       Duration `json:"timeout,omitempty"`
}

// RuntimeConfig defines runtime assignment and connection behavior.
type RuntimeConfig struct {
	Tier                 string   `json:"tier,omitempty"` // subscription tier; default "free"
	NotebookPath         string   `json:"notebook_path,omitempty"`
	KernelName           string   `json:"kernel_name,omitempty"`
	MaxReconnectAttempts int      `json:"max_reconnect_attempts,omitempty"`
	ReconnectBaseDelay   Duration `json:"reconnect_base_delay,omitempty"`
	KeepAliveInterval    Duration `json:"keep_alive_interval,omitempty"`
	HealthCheckInterval  Duration `json:"health_check_interval,omitempty"`
	LogLevel             string   `json:"log_level,omitempty"`
}

// KernelConfig defines per-execution behavior.
type KernelConfig struct {
	ExecuteTimeout Duration `json:"execute_timeout,omitempty"`
}

// Duration wraps time.Duration to accept either a duration string ("30s")
// or a bare number of seconds in JSON.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// DefaultPath returns the per-user config file location.
func DefaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "cgpu", "config.json")
	}
	return "cgpu-config.json"
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.API.Token == "" {
		return fmt.Errorf("api.token is required")
	}
	if c.Runtime.Tier != "" && !tier.Known(c.Runtime.Tier) {
		return fmt.Errorf("unknown tier: %s", c.Runtime.Tier)
	}
	switch c.Runtime.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %s", c.Runtime.LogLevel)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.API.Timeout.Duration == 0 {
		c.API.Timeout.Duration = 30 * time.Second
	}
	if c.Runtime.Tier == "" {
		c.Runtime.Tier = tier.Free
	}
	if c.Runtime.NotebookPath == "" {
		c.Runtime.NotebookPath = "/content/notebook.ipynb"
	}
	if c.Runtime.KernelName == "" {
		c.Runtime.KernelName = "python3"
	}
	if c.Runtime.MaxReconnectAttempts == 0 {
		c.Runtime.MaxReconnectAttempts = 5
	}
	if c.Runtime.ReconnectBaseDelay.Duration == 0 {
		c.Runtime.ReconnectBaseDelay.Duration = time.Second
	}
	if c.Runtime.KeepAliveInterval.Duration == 0 {
		c.Runtime.KeepAliveInterval.Duration = 60 * time.Second
	}
	if c.Runtime.HealthCheckInterval.Duration == 0 {
		c.Runtime.HealthCheckInterval.Duration = 30 * time.Second
	}
	if c.Runtime.LogLevel == "" {
		c.Runtime.LogLevel = "info"
	}
	if c.Kernel.ExecuteTimeout.Duration == 0 {
		c.Kernel.ExecuteTimeout.Duration = 5 * time.Minute
	}
}
