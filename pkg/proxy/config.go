// Copyright 2024-2026 Aiku AI

package proxy

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// PlatformTuning overrides conversation timing for one platform.
type PlatformTuning struct {
	SettleDelayMS     int `yaml:"settle_delay_ms"`
	ResponseTimeoutMS int `yaml:"response_timeout_ms"`
}

// Config holds the proxy configuration. Values are loaded from the embedded
// defaults, then an optional YAML file, then BRIDGEPROXY_* environment
// variables.
type Config struct {
	HomeserverURL  string   `yaml:"homeserver_url"`
	ServerDomain   string   `yaml:"server_domain"`
	ListenAddr     string   `yaml:"listen_addr"`
	PushGatewayURL string   `yaml:"push_gateway_url"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	LogLevel       string   `yaml:"log_level"`

	AutoJoinDelayMS      int `yaml:"autojoin_delay_ms"`
	ScrollbackLimit      int `yaml:"scrollback_limit"`
	AccountScanLimit     int `yaml:"account_scan_limit"`
	LogoutCommandDelayMS int `yaml:"logout_command_delay_ms"`

	DefaultSettleDelayMS     int                       `yaml:"default_settle_delay_ms"`
	DefaultResponseTimeoutMS int                       `yaml:"default_response_timeout_ms"`
	Platforms                map[string]PlatformTuning `yaml:"platforms"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// LoadConfig builds the configuration. path may be empty, in which case only
// the embedded defaults and environment overrides apply.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BRIDGEPROXY_HOMESERVER_URL"); v != "" {
		c.HomeserverURL = v
	}
	if v := os.Getenv("BRIDGEPROXY_SERVER_DOMAIN"); v != "" {
		c.ServerDomain = v
	}
	if v := os.Getenv("BRIDGEPROXY_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("BRIDGEPROXY_PUSH_GATEWAY_URL"); v != "" {
		c.PushGatewayURL = v
	}
	if v := os.Getenv("BRIDGEPROXY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) validate() error {
	if c.HomeserverURL == "" {
		return fmt.Errorf("homeserver_url is required")
	}
	if c.ServerDomain == "" {
		return fmt.Errorf("server_domain is required")
	}
	return nil
}

// SettleDelay returns the pause between scripted messages for a platform.
func (c *Config) SettleDelay(platform string) time.Duration {
	if t, ok := c.Platforms[platform]; ok && t.SettleDelayMS > 0 {
		return time.Duration(t.SettleDelayMS) * time.Millisecond
	}
	if c.DefaultSettleDelayMS > 0 {
		return time.Duration(c.DefaultSettleDelayMS) * time.Millisecond
	}
	return time.Second
}

// ResponseTimeout returns the classification deadline for a platform's
// scripted conversations.
func (c *Config) ResponseTimeout(platform string) time.Duration {
	if t, ok := c.Platforms[platform]; ok && t.ResponseTimeoutMS > 0 {
		return time.Duration(t.ResponseTimeoutMS) * time.Millisecond
	}
	if c.DefaultResponseTimeoutMS > 0 {
		return time.Duration(c.DefaultResponseTimeoutMS) * time.Millisecond
	}
	return 10 * time.Second
}

// AutoJoinDelay returns the settling delay between automatic room joins.
func (c *Config) AutoJoinDelay() time.Duration {
	if c.AutoJoinDelayMS > 0 {
		return time.Duration(c.AutoJoinDelayMS) * time.Millisecond
	}
	return 1200 * time.Millisecond
}

// LogoutCommandDelay returns the pause before the machine-directed logout
// command is sent.
func (c *Config) LogoutCommandDelay() time.Duration {
	if c.LogoutCommandDelayMS > 0 {
		return time.Duration(c.LogoutCommandDelayMS) * time.Millisecond
	}
	return 400 * time.Millisecond
}

// Scrollback returns the history fetch size for message queries.
func (c *Config) Scrollback() int {
	if c.ScrollbackLimit > 0 {
		return c.ScrollbackLimit
	}
	return 50
}

// AccountScan returns the per-room event cap for the linked-accounts scan.
func (c *Config) AccountScan() int {
	if c.AccountScanLimit > 0 {
		return c.AccountScanLimit
	}
	return 200
}
