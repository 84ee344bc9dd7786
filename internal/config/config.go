// Package config loads parkingsync settings from defaults, a TOML file
// and PARKINGSYNC_* environment variables, in increasing precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// FileName is the config file name searched for without an explicit path.
const FileName = "parkingsync.toml"

// EnvPrefix prefixes environment overrides, e.g. PARKINGSYNC_REMOTE_URL.
const EnvPrefix = "PARKINGSYNC"

// Config is the full parkingsync configuration.
type Config struct {
	Device    DeviceConfig    `mapstructure:"device"`
	Store     StoreConfig     `mapstructure:"store"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Query     QueryConfig     `mapstructure:"query"`
	Location  LocationConfig  `mapstructure:"location"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Server    ServerConfig    `mapstructure:"server"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`

	// path is the file the config was read from, empty when none.
	path string
}

// DeviceConfig identifies this device's reports.
type DeviceConfig struct {
	Reporter string `mapstructure:"reporter"`
}

// StoreConfig locates the local cache.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// RemoteConfig points at the remote store.
type RemoteConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SyncConfig tunes the engine and scheduler.
type SyncConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	BackgroundInterval time.Duration `mapstructure:"background_interval"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`
	Jitter             float64       `mapstructure:"jitter"`
	ManualMinSpacing   time.Duration `mapstructure:"manual_min_spacing"`
	PageSize           int           `mapstructure:"page_size"`
	CheckInterval      time.Duration `mapstructure:"check_interval"`
	Follow             bool          `mapstructure:"follow"`
}

// QueryConfig tunes nearby queries.
type QueryConfig struct {
	Freshness     time.Duration `mapstructure:"freshness"`
	DefaultRadius float64       `mapstructure:"default_radius_m"`
}

// LocationConfig filters location fixes.
type LocationConfig struct {
	MaxAccuracy     float64 `mapstructure:"max_accuracy_m"`
	MinDisplacement float64 `mapstructure:"min_displacement_m"`
}

// LogConfig controls the process log and the cycle event log.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
	Events     string `mapstructure:"events"`
}

// TelemetryConfig enables OTLP metric export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Insecure bool          `mapstructure:"insecure"`
	Interval time.Duration `mapstructure:"interval"`
}

// ServerConfig configures `remote serve`.
type ServerConfig struct {
	Addr  string `mapstructure:"addr"`
	DSN   string `mapstructure:"dsn"`
	Token string `mapstructure:"token"`
}

// DashboardConfig configures the live dashboard.
type DashboardConfig struct {
	Addr string `mapstructure:"addr"`
}

// defaults is the single source of default values. Keys are viper paths.
var defaults = []struct {
	key   string
	value any
}{
	{"device.reporter", ""},
	{"store.path", ".parkingsync/cache.db"},
	{"remote.url", "http://localhost:8090"},
	{"remote.token", ""},
	{"remote.timeout", 15 * time.Second},
	{"sync.interval", 5 * time.Minute},
	{"sync.background_interval", 15 * time.Minute},
	{"sync.backoff_base", 30 * time.Second},
	{"sync.backoff_max", 30 * time.Minute},
	{"sync.jitter", 0.2},
	{"sync.manual_min_spacing", 10 * time.Second},
	{"sync.page_size", 200},
	{"sync.check_interval", 30 * time.Second},
	{"sync.follow", true},
	{"query.freshness", 15 * time.Minute},
	{"query.default_radius_m", 5000.0},
	{"location.max_accuracy_m", 100.0},
	{"location.min_displacement_m", 10.0},
	{"log.file", ""},
	{"log.max_size_mb", 10},
	{"log.max_backups", 3},
	{"log.max_age_days", 28},
	{"log.compress", true},
	{"log.events", ""},
	{"telemetry.endpoint", ""},
	{"telemetry.insecure", true},
	{"telemetry.interval", 30 * time.Second},
	{"server.addr", ":8090"},
	{"server.dsn", ".parkingsync/remote.db"},
	{"server.token", ""},
	{"dashboard.addr", "127.0.0.1:8091"},
}

func newViper() *viper.Viper {
	v := viper.New()
	for _, d := range defaults {
		v.SetDefault(d.key, d.value)
	}
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration, ignoring files and the
// environment.
func Default() *Config {
	v := viper.New()
	for _, d := range defaults {
		v.SetDefault(d.key, d.value)
	}
	cfg := &Config{}
	// Defaults always decode.
	_ = v.Unmarshal(cfg)
	return cfg
}

// Load reads the configuration. An explicit path must exist; otherwise
// parkingsync.toml is looked up in the working directory and then in
// $XDG_CONFIG_HOME/parkingsync, and a missing file is not an error.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(strings.TrimSuffix(FileName, ".toml"))
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "parkingsync"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.path = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the config was read from, or "" for none.
func (c *Config) Path() string { return c.path }

// Validate checks value ranges.
func (c *Config) Validate() error {
	var problems []string
	positive := map[string]time.Duration{
		"sync.interval":            c.Sync.Interval,
		"sync.background_interval": c.Sync.BackgroundInterval,
		"sync.backoff_base":        c.Sync.BackoffBase,
		"sync.backoff_max":         c.Sync.BackoffMax,
		"query.freshness":          c.Query.Freshness,
	}
	for _, key := range slices.Sorted(maps.Keys(positive)) {
		if positive[key] <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive", key))
		}
	}
	if c.Sync.BackoffMax < c.Sync.BackoffBase {
		problems = append(problems, "sync.backoff_max must not be below sync.backoff_base")
	}
	if c.Sync.Jitter < 0 || c.Sync.Jitter > 1 {
		problems = append(problems, "sync.jitter must be within [0, 1]")
	}
	if c.Sync.PageSize <= 0 {
		problems = append(problems, "sync.page_size must be positive")
	}
	if c.Store.Path == "" {
		problems = append(problems, "store.path is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Tree returns the configuration as nested sections with durations
// spelled as strings, the shape written to TOML files.
func (c *Config) Tree() map[string]map[string]any {
	return map[string]map[string]any{
		"device": {"reporter": c.Device.Reporter},
		"store":  {"path": c.Store.Path},
		"remote": {
			"url":     c.Remote.URL,
			"token":   c.Remote.Token,
			"timeout": c.Remote.Timeout.String(),
		},
		"sync": {
			"interval":            c.Sync.Interval.String(),
			"background_interval": c.Sync.BackgroundInterval.String(),
			"backoff_base":        c.Sync.BackoffBase.String(),
			"backoff_max":         c.Sync.BackoffMax.String(),
			"jitter":              c.Sync.Jitter,
			"manual_min_spacing":  c.Sync.ManualMinSpacing.String(),
			"page_size":           c.Sync.PageSize,
			"check_interval":      c.Sync.CheckInterval.String(),
			"follow":              c.Sync.Follow,
		},
		"query": {
			"freshness":        c.Query.Freshness.String(),
			"default_radius_m": c.Query.DefaultRadius,
		},
		"location": {
			"max_accuracy_m":     c.Location.MaxAccuracy,
			"min_displacement_m": c.Location.MinDisplacement,
		},
		"log": {
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
			"compress":     c.Log.Compress,
			"events":       c.Log.Events,
		},
		"telemetry": {
			"endpoint": c.Telemetry.Endpoint,
			"insecure": c.Telemetry.Insecure,
			"interval": c.Telemetry.Interval.String(),
		},
		"server": {
			"addr":  c.Server.Addr,
			"dsn":   c.Server.DSN,
			"token": c.Server.Token,
		},
		"dashboard": {"addr": c.Dashboard.Addr},
	}
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c.Tree()); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteDefault writes the default configuration to path. An existing
// file is only replaced when force is set.
func WriteDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	data, err := Default().Encode()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
