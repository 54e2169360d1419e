package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level: must be one of [trace debug info warn error]",
		},
		{
			name:    "unknown isolation",
			mutate:  func(c *Config) { c.Host.Isolation = "vm" },
			wantErr: "host.isolation",
		},
		{
			name:    "listen without port",
			mutate:  func(c *Config) { c.Host.Listen = "localhost" },
			wantErr: "host.listen: must be host:port",
		},
		{
			name:    "missing plugins dir",
			mutate:  func(c *Config) { c.Host.PluginsDir = "" },
			wantErr: "host.plugins_dir: required",
		},
		{
			name:    "host version is not semver",
			mutate:  func(c *Config) { c.Host.Version = "latest" },
			wantErr: "host.version: must be a semantic version",
		},
		{
			name:    "zero ready timeout",
			mutate:  func(c *Config) { c.Host.ReadyTimeout = 0 },
			wantErr: "host.ready_timeout",
		},
		{
			name:    "empty mailbox",
			mutate:  func(c *Config) { c.Sandbox.MailboxSize = 0 },
			wantErr: "sandbox.mailbox_size",
		},
		{
			name:    "metrics enabled without listener",
			mutate:  func(c *Config) { c.Metrics.Listen = "" },
			wantErr: "metrics.listen: required when metrics are enabled",
		},
		{
			name:   "metrics disabled without listener",
			mutate: func(c *Config) { c.Metrics = MetricsConfig{} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidate_ReportsEveryField(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sandbox.Codec = "xml"
	cfg.Host.Isolation = "vm"

	err := cfg.Validate()
	assert.ErrorContains(t, err, "sandbox.codec")
	assert.ErrorContains(t, err, "host.isolation")
}
