// Package config loads sandbridge configuration from a file and SANDBRIDGE_* environment variables.
package config

import (
	"encoding/json"
	"time"

	"github.com/harun/sandbridge/internal/logger"
	"github.com/harun/sandbridge/pkg/capability"
)

// Isolation modes for plugin sandboxes
const (
	IsolationInProcess = "inprocess"
	IsolationProcess   = "process"
	// IsolationRemote waits for sandboxes to attach over WebSocket.
	IsolationRemote = "remote"
)

// Config represents the sandbridge configuration
type Config struct {
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Sandbox SandboxConfig `json:"sandbox" mapstructure:"sandbox"`
	Host    HostConfig    `json:"host" mapstructure:"host"`
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level" validate:"oneof=trace debug info warn error"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size" validate:"gte=0"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age" validate:"gte=0"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// SandboxConfig configures the plugin side of the bridge
type SandboxConfig struct {
	Codec string `json:"codec" mapstructure:"codec" validate:"oneof=json cbor"`
	// PendingTimeout bounds each bridge call. Zero waits until the call
	// settles or the sandbox shuts down.
	PendingTimeout     time.Duration `json:"pending_timeout" mapstructure:"pending_timeout" validate:"gte=0"`
	MailboxSize        int           `json:"mailbox_size" mapstructure:"mailbox_size" validate:"gte=1"`
	AllowMissingPlugin bool          `json:"allow_missing_plugin" mapstructure:"allow_missing_plugin"`
}

// HostConfig configures the reference host
type HostConfig struct {
	PluginsDir       string        `json:"plugins_dir" mapstructure:"plugins_dir" validate:"required"`
	Listen           string        `json:"listen" mapstructure:"listen" validate:"required,hostname_port"`
	DBPath           string        `json:"db_path" mapstructure:"db_path" validate:"required"`
	Isolation        string        `json:"isolation" mapstructure:"isolation" validate:"oneof=inprocess process remote"`
	ReadyTimeout     time.Duration `json:"ready_timeout" mapstructure:"ready_timeout" validate:"gt=0"`
	InvokeTimeout    time.Duration `json:"invoke_timeout" mapstructure:"invoke_timeout" validate:"gte=0"`
	FetchTimeout     time.Duration `json:"fetch_timeout" mapstructure:"fetch_timeout" validate:"gt=0"`
	MaxResponseBytes int64         `json:"max_response_bytes" mapstructure:"max_response_bytes" validate:"gt=0"`
	MaxBodyBytes     int64         `json:"max_body_bytes" mapstructure:"max_body_bytes" validate:"gte=0"`
	Version          string        `json:"version" mapstructure:"version" validate:"required,semver"`
	HookPrefix       string        `json:"hook_prefix" mapstructure:"hook_prefix"`
	Watch            bool          `json:"watch" mapstructure:"watch"`
	// Grants maps a plugin id to the permissions the operator granted it.
	Grants map[string][]string `json:"grants" mapstructure:"grants"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Listen  string `json:"listen" mapstructure:"listen" validate:"omitempty,hostname_port"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Sandbox: SandboxConfig{
			Codec:       "json",
			MailboxSize: 64,
		},
		Host: HostConfig{
			PluginsDir:       "plugins",
			Listen:           "127.0.0.1:8080",
			DBPath:           "sandbridge.db",
			Isolation:        IsolationInProcess,
			ReadyTimeout:     10 * time.Second,
			InvokeTimeout:    30 * time.Second,
			FetchTimeout:     15 * time.Second,
			MaxResponseBytes: 5 << 20,
			MaxBodyBytes:     1 << 20,
			Version:          "1.0.0",
			Watch:            true,
			Grants:           map[string][]string{},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9090",
		},
	}
}

// LoggerConfig converts the logging section for the logger package.
// output is "stdout" or "stderr".
func (c LoggingConfig) LoggerConfig(output string) logger.Config {
	return logger.Config{
		Level:     c.Level,
		Output:    output,
		Console:   true,
		Pretty:    c.Pretty,
		File:      c.File,
		Redaction: c.Redaction,
		MaxSize:   c.MaxSize,
		MaxAge:    c.MaxAge,
		Compress:  c.Compress,
	}
}

// GrantsFor returns the permissions granted to a plugin
func (h HostConfig) GrantsFor(plugin string) *capability.Grants {
	return capability.ParseGrants(h.Grants[plugin])
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
