package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// CalendarConfig describes one calendar source. Exactly one of Path and URL
// is set: Path is a local ICS file that snooze and dismiss write back to,
// URL a read-only ICS subscription.
type CalendarConfig struct {
	// ID is the stable identifier used in timer keys and logs.
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`

	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	URL  string `yaml:"url,omitempty" json:"url,omitempty"`

	SuppressAlarms bool `yaml:"suppress_alarms" json:"suppress_alarms"`
	Disabled       bool `yaml:"disabled" json:"disabled"`

	// BatchSize is how many items a query delivers per batch.
	BatchSize int `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone all-day and floating times are read in.
	// "Local" uses the host zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is the cron schedule of the periodic alarm refresh
	// (e.g. "@every 6h" or "0 */6 * * *").
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// WindowHours is how far ahead timers are armed.
	WindowHours int `yaml:"window_hours" json:"window_hours"`

	// MaxSnoozeMonths bounds how far back missed and snoozed alarms are
	// looked for, and how far ahead items are queried.
	MaxSnoozeMonths int `yaml:"max_snooze_months" json:"max_snooze_months"`

	ShowMissedAlarms     bool `yaml:"show_missed_alarms" json:"show_missed_alarms"`
	DefaultSnoozeMinutes int  `yaml:"default_snooze_minutes" json:"default_snooze_minutes"`
	MaxAlarmsPerMinute   int  `yaml:"max_alarms_per_minute" json:"max_alarms_per_minute"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	// CacheDir keeps the last good body of every subscribed calendar.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`
	// PollMinutes is how often subscribed calendars are fetched.
	PollMinutes int `yaml:"poll_minutes" json:"poll_minutes"`

	Calendars []CalendarConfig `yaml:"calendars" json:"calendars"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen       = "127.0.0.1:8080"
	defaultTimezone     = "Local"
	defaultRefreshCron  = "@every 6h"
	defaultWindowHours  = 6
	defaultSnoozeMonths = 1
	defaultSnoozeMins   = 5
	defaultMaxPerMinute = 5
	defaultLogLevel     = "info"
	defaultCacheDir     = "/var/lib/calalarm/ics-cache"
	defaultPollMinutes  = 15
	defaultBatchSize    = 50
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:               defaultListen,
		Timezone:             defaultTimezone,
		RefreshCron:          defaultRefreshCron,
		WindowHours:          defaultWindowHours,
		MaxSnoozeMonths:      defaultSnoozeMonths,
		ShowMissedAlarms:     true,
		DefaultSnoozeMinutes: defaultSnoozeMins,
		MaxAlarmsPerMinute:   defaultMaxPerMinute,
		LogLevel:             defaultLogLevel,
		CacheDir:             defaultCacheDir,
		PollMinutes:          defaultPollMinutes,
		Calendars:            []CalendarConfig{},
		BasicAuth:            nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.WindowHours <= 0 {
		c.WindowHours = defaultWindowHours
	}
	if c.MaxSnoozeMonths <= 0 {
		c.MaxSnoozeMonths = defaultSnoozeMonths
	}
	if c.DefaultSnoozeMinutes <= 0 {
		c.DefaultSnoozeMinutes = defaultSnoozeMins
	}
	if c.MaxAlarmsPerMinute <= 0 {
		c.MaxAlarmsPerMinute = defaultMaxPerMinute
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.PollMinutes <= 0 {
		c.PollMinutes = defaultPollMinutes
	}
	if c.Calendars == nil {
		c.Calendars = []CalendarConfig{}
	}
	for i := range c.Calendars {
		cal := &c.Calendars[i]
		if cal.Name == "" {
			cal.Name = cal.ID
		}
		if cal.BatchSize <= 0 {
			cal.BatchSize = defaultBatchSize
		}
	}
}

// Validate reports configuration errors Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	seen := make(map[string]bool, len(c.Calendars))
	for i, cal := range c.Calendars {
		switch {
		case cal.ID == "":
			errs = append(errs, fmt.Errorf("calendars[%d]: id is required", i))
		case seen[cal.ID]:
			errs = append(errs, fmt.Errorf("calendars[%d]: duplicate id %q", i, cal.ID))
		}
		seen[cal.ID] = true
		if (cal.Path == "") == (cal.URL == "") {
			errs = append(errs, fmt.Errorf("calendars[%d]: exactly one of path and url is required", i))
		}
	}
	return errors.Join(errs...)
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func (c *Config) DefaultSnooze() time.Duration {
	return time.Duration(c.DefaultSnoozeMinutes) * time.Minute
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollMinutes) * time.Minute
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML over the defaults, so omitted keys keep their default
//   - normalize and validate
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calalarm-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
