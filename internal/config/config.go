// Package config provides configuration management for stashsync.
//
// Configuration is loaded from three sources with the following precedence
// (highest to lowest):
//  1. CLI flags
//  2. Environment variables (STASHSYNC_ prefix, plus the container
//     variable names listed in envAliases)
//  3. Config file (.stashsync.yaml)
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Supported log levels.
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Supported log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Defaults for the registry loop.
const (
	DefaultPort            = 9293
	DefaultInterval        = 700 * time.Millisecond
	DefaultPollInterval    = time.Second
	DefaultGemstashCommand = "bundle exec gemstash"
	DefaultRubyCommand     = "ruby"
	DefaultGemCommand      = "gem"
)

// envAliases maps config keys to the environment variable names used by
// the container image, accepted in addition to the STASHSYNC_ names.
var envAliases = map[string]string{
	"gems-dir":         "LOCAL_GEMS_DIR",
	"port":             "SERVER_PORT",
	"work-dir":         "GEMSTASH_WORKDIR",
	"build-dir":        "GEM_BUILD_DIR",
	"app-dir":          "APPDIR",
	"emptiness-marker": "EMPTINESS_CHECK",
}

// Config represents the global configuration for stashsync.
type Config struct {
	// LogLevel controls the verbosity of log output.
	// Valid values: debug, info, warn, error.
	LogLevel string `mapstructure:"log-level" json:"logLevel"`

	// LogFormat controls the format of log output.
	// Valid values: text, json.
	LogFormat string `mapstructure:"log-format" json:"logFormat"`

	// NoColor disables colored role tags on subprocess output.
	NoColor bool `mapstructure:"no-color" json:"noColor"`

	// Quiet suppresses all log output below error level.
	Quiet bool `mapstructure:"quiet" json:"quiet"`

	// GemsDir is the mounted base directory the tracked gem paths are
	// relative to.
	GemsDir string `mapstructure:"gems-dir" json:"gemsDir"`

	// Port is the fixed port the Gemstash server listens on.
	Port int `mapstructure:"port" json:"port"`

	// WorkDir is Gemstash's storage directory. Its contents are wiped on
	// every server launch.
	WorkDir string `mapstructure:"work-dir" json:"workDir"`

	// BuildDir receives the temporary gem artifact.
	BuildDir string `mapstructure:"build-dir" json:"buildDir"`

	// AppDir holds the generated Gemstash config.yml.
	AppDir string `mapstructure:"app-dir" json:"appDir"`

	// EmptinessMarker is a file name that, when it is the only entry in
	// GemsDir, indicates nothing was mounted over the directory.
	EmptinessMarker string `mapstructure:"emptiness-marker" json:"emptinessMarker"`

	// Interval is the change debounce window.
	Interval time.Duration `mapstructure:"interval" json:"interval"`

	// PollInterval is the spacing between port checks while waiting for
	// the server to start or stop.
	PollInterval time.Duration `mapstructure:"poll-interval" json:"pollInterval"`

	// ReadyTimeout bounds each wait for the server port. Zero waits forever.
	ReadyTimeout time.Duration `mapstructure:"ready-timeout" json:"readyTimeout"`

	// GemstashCommand is the command line prefix used to invoke gemstash.
	GemstashCommand string `mapstructure:"gemstash-command" json:"gemstashCommand"`

	// RubyCommand is the interpreter used to load gemspecs out of process.
	RubyCommand string `mapstructure:"ruby-command" json:"rubyCommand"`

	// GemCommand is the RubyGems CLI used to build and list gems.
	GemCommand string `mapstructure:"gem-command" json:"gemCommand"`

	// ConfigFile is the resolved path to the config file used.
	// Set after Load(), not read from config itself.
	ConfigFile string `mapstructure:"-" json:"-"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel:        LogLevelInfo,
		LogFormat:       LogFormatText,
		Port:            DefaultPort,
		BuildDir:        os.TempDir(),
		AppDir:          ".",
		Interval:        DefaultInterval,
		PollInterval:    DefaultPollInterval,
		GemstashCommand: DefaultGemstashCommand,
		RubyCommand:     DefaultRubyCommand,
		GemCommand:      DefaultGemCommand,
	}
}

// Validate checks that all config values are valid.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		// valid
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", c.LogLevel)
	}

	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
		// valid
	default:
		return fmt.Errorf("invalid log format %q: must be one of text, json", c.LogFormat)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Port)
	}

	if c.Interval <= 0 {
		return fmt.Errorf("invalid interval %s: must be positive", c.Interval)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("invalid poll interval %s: must be positive", c.PollInterval)
	}

	if c.ReadyTimeout < 0 {
		return fmt.Errorf("invalid ready timeout %s: must not be negative", c.ReadyTimeout)
	}

	return nil
}

// EffectiveLogLevel returns the log level to use. When Quiet is true the log
// level is overridden to "error" regardless of the configured LogLevel.
func (c *Config) EffectiveLogLevel() string {
	if c.Quiet {
		return LogLevelError
	}

	return c.LogLevel
}

// ServerAddress returns the loopback host:port of the registry server.
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("127.0.0.1:%d", c.Port)
}

// Load initialises configuration from flags, environment variables, and an
// optional config file. A fresh viper instance is used on every call so that
// Load is safe for concurrent tests.
func Load(cmd *cobra.Command, configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := configureEnv(v); err != nil {
		return nil, err
	}

	if err := configureFile(v, configFile); err != nil {
		return nil, err
	}

	if err := bindFlags(v, cmd); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Store the resolved config file path so downstream code can locate it.
	cfg.ConfigFile = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults registers default values in viper.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("log-level", d.LogLevel)
	v.SetDefault("log-format", d.LogFormat)
	v.SetDefault("no-color", d.NoColor)
	v.SetDefault("quiet", d.Quiet)
	v.SetDefault("gems-dir", d.GemsDir)
	v.SetDefault("port", d.Port)
	v.SetDefault("work-dir", d.WorkDir)
	v.SetDefault("build-dir", d.BuildDir)
	v.SetDefault("app-dir", d.AppDir)
	v.SetDefault("emptiness-marker", d.EmptinessMarker)
	v.SetDefault("interval", d.Interval)
	v.SetDefault("poll-interval", d.PollInterval)
	v.SetDefault("ready-timeout", d.ReadyTimeout)
	v.SetDefault("gemstash-command", d.GemstashCommand)
	v.SetDefault("ruby-command", d.RubyCommand)
	v.SetDefault("gem-command", d.GemCommand)
}

// configureEnv sets up environment variable support.
func configureEnv(v *viper.Viper) error {
	v.SetEnvPrefix("STASHSYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	for key, alias := range envAliases {
		prefixed := "STASHSYNC_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		if err := v.BindEnv(key, prefixed, alias); err != nil {
			return fmt.Errorf("binding env %q: %w", alias, err)
		}
	}

	return nil
}

// configureFile sets up the config file source.
func configureFile(v *viper.Viper, configFile string) error {
	if configFile != "" {
		v.SetConfigFile(configFile)

		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %q: %w", configFile, err)
		}

		return nil
	}

	// Auto-discovery mode.
	v.SetConfigName(".stashsync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "stashsync"))
	}

	if err := v.ReadInConfig(); err != nil {
		// No config file found → perfectly fine in auto-discovery.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}

		// Found a file but it was malformed.
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// bindFlags walks from cmd up to the root and binds all PersistentFlags.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	if cmd == nil {
		return nil
	}

	// Bind the current command's own flags.
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}

	// Walk up to root and bind all persistent flags at each level.
	for c := cmd; c != nil; c = c.Parent() {
		if err := v.BindPFlags(c.PersistentFlags()); err != nil {
			return fmt.Errorf("binding persistent flags: %w", err)
		}
	}

	return nil
}

// ---------------------------------------------------------------------------
// Context helpers
// ---------------------------------------------------------------------------

type ctxKey struct{}

// NewContext returns a child context carrying cfg.
func NewContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, ctxKey{}, cfg)
}

// FromContext extracts a Config from ctx, falling back to Default().
func FromContext(ctx context.Context) *Config {
	if cfg, ok := ctx.Value(ctxKey{}).(*Config); ok {
		return cfg
	}

	return Default()
}
