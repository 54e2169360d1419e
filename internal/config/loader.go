package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. SANDBRIDGE_HOST_LISTEN
const EnvPrefix = "SANDBRIDGE"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load reads the config file when it exists, applies environment overrides
// on top and validates the result.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := l.Path()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if l.configPath != "" {
			// An explicitly requested file must exist.
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Host.Grants == nil {
		cfg.Host.Grants = map[string][]string{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the config file path. Without an explicit path this is
// $HOME/.sandbridge/sandbridge.yaml.
func (l *Loader) Path() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".sandbridge", "sandbridge.yaml")
}

// setDefaults registers every key so AutomaticEnv can override it even when
// the config file does not mention it.
func setDefaults(v *viper.Viper, cfg *Config) {
	defaults := map[string]any{
		"logging.level":     cfg.Logging.Level,
		"logging.pretty":    cfg.Logging.Pretty,
		"logging.file":      cfg.Logging.File,
		"logging.max_size":  cfg.Logging.MaxSize,
		"logging.max_age":   cfg.Logging.MaxAge,
		"logging.compress":  cfg.Logging.Compress,
		"logging.redaction": cfg.Logging.Redaction,

		"sandbox.codec":                cfg.Sandbox.Codec,
		"sandbox.pending_timeout":      cfg.Sandbox.PendingTimeout,
		"sandbox.mailbox_size":         cfg.Sandbox.MailboxSize,
		"sandbox.allow_missing_plugin": cfg.Sandbox.AllowMissingPlugin,

		"host.plugins_dir":        cfg.Host.PluginsDir,
		"host.listen":             cfg.Host.Listen,
		"host.db_path":            cfg.Host.DBPath,
		"host.isolation":          cfg.Host.Isolation,
		"host.ready_timeout":      cfg.Host.ReadyTimeout,
		"host.invoke_timeout":     cfg.Host.InvokeTimeout,
		"host.fetch_timeout":      cfg.Host.FetchTimeout,
		"host.max_response_bytes": cfg.Host.MaxResponseBytes,
		"host.max_body_bytes":     cfg.Host.MaxBodyBytes,
		"host.version":            cfg.Host.Version,
		"host.hook_prefix":        cfg.Host.HookPrefix,
		"host.watch":              cfg.Host.Watch,

		"metrics.enabled": cfg.Metrics.Enabled,
		"metrics.listen":  cfg.Metrics.Listen,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
