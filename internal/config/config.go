package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	Database DatabaseConfig
	Logging  LoggingConfig
	Probe    ProbeConfig
	Metrics  MetricsConfig
	Schedule Schedule
	Colors   Colors

	v    *viper.Viper
	file string
}

// DatabaseConfig holds database-related settings.
type DatabaseConfig struct {
	Path string
}

// LoggingConfig holds logging-related settings.
type LoggingConfig struct {
	Level  string
	Format string
}

// ProbeConfig holds probe settings.
type ProbeConfig struct {
	Workers            int
	Strategy           string
	DailyCheckInterval time.Duration
}

// MetricsConfig holds the prometheus endpoint settings. An empty Listen
// disables the endpoint.
type MetricsConfig struct {
	Listen string
}

// Schedule holds the sampling and flush cadences, in minutes.
type Schedule struct {
	PollMinutes          int
	SessionUpdateMinutes int
	DBFlushMinutes       int
}

// PollInterval returns the poll cadence.
func (s Schedule) PollInterval() time.Duration {
	return time.Duration(s.PollMinutes) * time.Minute
}

// SessionUpdateInterval returns the session update cadence.
func (s Schedule) SessionUpdateInterval() time.Duration {
	return time.Duration(s.SessionUpdateMinutes) * time.Minute
}

// FlushInterval returns the database flush cadence.
func (s Schedule) FlushInterval() time.Duration {
	return time.Duration(s.DBFlushMinutes) * time.Minute
}

// Colors are display settings passed through to presentation untouched.
type Colors struct {
	Capacity string
	Delta    string
}

const (
	DefaultPollMinutes          = 10
	DefaultSessionUpdateMinutes = 60
	DefaultDBFlushMinutes       = 60
	DefaultDailyCheckInterval   = time.Minute
	DefaultWorkers              = 4
	DefaultCapacityColor        = "#ff0000"
	DefaultDeltaColor           = "#00aa00"
)

// DefaultDatabasePath is the database location when none is configured.
func DefaultDatabasePath() string {
	return filepath.Join(xdg.DataHome, "capscout", "capacity.db")
}

// Load reads configuration from the specified file path, or searches the
// usual locations when configPath is empty. It never fails: the returned
// Config is always usable, and any value that could not be read is replaced
// by its default and reported in the returned error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("capscout")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, "capscout"))
		v.AddConfigPath("/etc/capscout")
		v.AddConfigPath(".")
	}

	var problems []error
	file := ""
	if err := v.ReadInConfig(); err == nil {
		file = v.ConfigFileUsed()
	} else {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			// Start over so no half-read value survives.
			problems = append(problems, fmt.Errorf("reading config, using defaults: %w", err))
			v = viper.New()
			setDefaults(v)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		problems = append(problems, err)
	}
	cfg.file = file
	return cfg, errors.Join(problems...)
}

// Default returns the default configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, _ := decode(v)
	return cfg
}

// File returns the config file in use, or "" when running on defaults.
func (c *Config) File() string {
	return c.file
}

// Watch calls fn with the re-decoded configuration whenever the config file
// changes. It does nothing when no config file is in use.
func (c *Config) Watch(fn func(*Config, error)) bool {
	if c.File() == "" {
		return false
	}
	v, file := c.v, c.file
	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := decode(v)
		cfg.file = file
		fn(cfg, err)
	})
	v.WatchConfig()
	return true
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath())
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("probe.workers", DefaultWorkers)
	v.SetDefault("probe.strategy", "auto")
	v.SetDefault("probe.daily_check_interval", DefaultDailyCheckInterval)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("poll_minutes", DefaultPollMinutes)
	v.SetDefault("session_update_minutes", DefaultSessionUpdateMinutes)
	v.SetDefault("db_flush_minutes", DefaultDBFlushMinutes)
	v.SetDefault("colors.capacity", DefaultCapacityColor)
	v.SetDefault("colors.delta", DefaultDeltaColor)
}

// decode reads every key on its own so one bad value only resets that key.
func decode(v *viper.Viper) (*Config, error) {
	d := decoder{v: v}

	cfg := &Config{
		Database: DatabaseConfig{
			Path: d.strKey("database.path", DefaultDatabasePath(), nil),
		},
		Logging: LoggingConfig{
			Level:  d.strKey("logging.level", "info", oneOf("debug", "info", "warn", "warning", "error")),
			Format: d.strKey("logging.format", "text", oneOf("text", "json")),
		},
		Probe: ProbeConfig{
			Workers:            d.intKey("probe.workers", DefaultWorkers, 1, 64),
			Strategy:           d.strKey("probe.strategy", "auto", oneOf("auto", "walk", "du", "ceph")),
			DailyCheckInterval: d.durationKey("probe.daily_check_interval", DefaultDailyCheckInterval, time.Second),
		},
		Metrics: MetricsConfig{
			Listen: d.strKey("metrics.listen", "", nil),
		},
		Schedule: Schedule{
			PollMinutes:          d.intKey("poll_minutes", DefaultPollMinutes, 1, 120),
			SessionUpdateMinutes: d.intKey("session_update_minutes", DefaultSessionUpdateMinutes, 1, 240),
			DBFlushMinutes:       d.intKey("db_flush_minutes", DefaultDBFlushMinutes, 1, 1440),
		},
		Colors: Colors{
			Capacity: d.strKey("colors.capacity", DefaultCapacityColor, nil),
			Delta:    d.strKey("colors.delta", DefaultDeltaColor, nil),
		},
		v: v,
	}

	if cfg.Database.Path == "" {
		d.fail("database.path", "is empty", DefaultDatabasePath())
		cfg.Database.Path = DefaultDatabasePath()
	}

	return cfg, errors.Join(d.problems...)
}

type decoder struct {
	v        *viper.Viper
	problems []error
}

func (d *decoder) fail(key, reason string, def interface{}) {
	d.problems = append(d.problems, fmt.Errorf("%s %s, using default %v", key, reason, def))
}

func (d *decoder) intKey(key string, def, lo, hi int) int {
	n, err := cast.ToIntE(d.v.Get(key))
	if err != nil {
		d.fail(key, fmt.Sprintf("is not a number (%v)", err), def)
		return def
	}
	if n < lo || n > hi {
		d.fail(key, fmt.Sprintf("must be between %d and %d, got %d", lo, hi, n), def)
		return def
	}
	return n
}

func (d *decoder) durationKey(key string, def, lo time.Duration) time.Duration {
	dur, err := cast.ToDurationE(d.v.Get(key))
	if err != nil {
		d.fail(key, fmt.Sprintf("is not a duration (%v)", err), def)
		return def
	}
	if dur < lo {
		d.fail(key, fmt.Sprintf("must be at least %s", lo), def)
		return def
	}
	return dur
}

func (d *decoder) strKey(key, def string, valid func(string) bool) string {
	s, err := cast.ToStringE(d.v.Get(key))
	if err != nil {
		d.fail(key, fmt.Sprintf("is not a string (%v)", err), def)
		return def
	}
	s = strings.TrimSpace(s)
	if valid != nil && !valid(s) {
		d.fail(key, fmt.Sprintf("has unsupported value %q", s), def)
		return def
	}
	return s
}

func oneOf(values ...string) func(string) bool {
	return func(s string) bool {
		for _, v := range values {
			if strings.EqualFold(s, v) {
				return true
			}
		}
		return false
	}
}
