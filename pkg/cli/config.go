// Package cli loads tool configuration from an optional YAML file and translates it into the
// collaborators the profile layer needs (policy gate, per-profile timeouts, log level).
package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bluekit/btprofile/internal/log"
	"github.com/bluekit/btprofile/pkg/policy"
	"github.com/bluekit/btprofile/pkg/profile"
)

// Duration wraps time.Duration for YAML fields written as "30s", "12s", etc.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config mirrors the YAML configuration file.
type Config struct {
	// LogLevel is one of "none", "error", "warning", "info", "debug". Empty means "warning".
	LogLevel string `yaml:"log_level"`

	// Transport selects the link implementation: "loopback", "gatt", or "bluez".
	Transport string `yaml:"transport"`

	// AdapterID names the local controller (e.g. "hci0"). Empty selects the default.
	AdapterID string `yaml:"adapter_id"`

	// AllowAll disables the allowlist and admits every device.
	AllowAll bool `yaml:"allow_all"`

	// Allowlist seeds the set of devices permitted to connect.
	Allowlist []string `yaml:"allowlist"`

	// Timeouts overrides the transient-state guard per profile name.
	Timeouts map[string]Duration `yaml:"timeouts"`
}

// LoadConfig reads filename. An empty filename yields a default Config (loopback transport,
// admit all devices).
func LoadConfig(filename string) (*Config, error) {
	config := &Config{Transport: "loopback", AllowAll: true}
	if filename == "" {
		return config, nil
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if config.Transport == "" {
		config.Transport = "loopback"
	}
	return config, nil
}

// Level translates the configured log level name.
func (c *Config) Level() (log.Level, error) {
	switch c.LogLevel {
	case "none":
		return log.LevelNone, nil
	case "error":
		return log.LevelError, nil
	case "", "warning":
		return log.LevelWarning, nil
	case "info":
		return log.LevelInfo, nil
	case "debug":
		return log.LevelDebug, nil
	}
	return log.LevelNone, fmt.Errorf("unknown log level %q", c.LogLevel)
}

// Gate builds the policy gate described by the config. When AllowAll is false the returned gate
// is a *policy.Allowlist seeded from Allowlist, so callers can mutate it at runtime.
func (c *Config) Gate() policy.Gate {
	if c.AllowAll {
		return policy.AllowAll()
	}
	return policy.NewAllowlist(c.Allowlist...)
}

// ApplyTimeout returns p with its guard timeout overridden by the config, if an override exists.
func (c *Config) ApplyTimeout(p profile.Profile) profile.Profile {
	if override, ok := c.Timeouts[p.Name]; ok && override > 0 {
		p.Timeout = time.Duration(override)
	}
	return p
}
