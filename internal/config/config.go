// Package config loads the YAML configuration file and the environment
// overrides for credentials and storage.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"calmirror/internal/models"
)

// DefaultPath is used when no --config flag is given.
const DefaultPath = "calmirror.yaml"

// CalDAVConfig holds the server endpoint and credentials.
type CalDAVConfig struct {
	URL      string        `yaml:"url"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password,omitempty"`
	Timeout  time.Duration `yaml:"timeout"`
}

// CalendarEntry is one calendar in the registry.
type CalendarEntry struct {
	Name        string `yaml:"name"`
	Path        string `yaml:"path"`
	DisplayName string `yaml:"display_name"`
}

// CalendarsConfig is the fixed calendar registry.
type CalendarsConfig struct {
	// Default receives events created without a calendar name.
	Default string          `yaml:"default"`
	Entries []CalendarEntry `yaml:"entries"`
}

// SyncConfig tunes the reconciliation cycle.
type SyncConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Schedule is a cron spec; when empty it is derived from Interval.
	Schedule               string `yaml:"schedule"`
	RetentionMonths        int    `yaml:"retention_months"`
	DeletionRetentionDays  int    `yaml:"deletion_retention_days"`
	MaxPropagationAttempts int    `yaml:"max_propagation_attempts"`
	FetchConcurrency       int    `yaml:"fetch_concurrency"`
}

// DatabaseConfig selects the cache backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Config is the top-level application configuration.
type Config struct {
	CalDAV    CalDAVConfig    `yaml:"caldav"`
	Calendars CalendarsConfig `yaml:"calendars"`
	Sync      SyncConfig      `yaml:"sync"`
	Database  DatabaseConfig  `yaml:"database"`
	// Timezone is the IANA zone used for events without their own zone.
	Timezone string `yaml:"timezone"`
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Normalize()
	return cfg
}

// Normalize fills in missing or zero values with defaults.
func (c *Config) Normalize() {
	if c.CalDAV.Timeout <= 0 {
		c.CalDAV.Timeout = 30 * time.Second
	}
	if c.Calendars.Entries == nil {
		c.Calendars.Entries = []CalendarEntry{}
	}
	for i := range c.Calendars.Entries {
		if c.Calendars.Entries[i].DisplayName == "" {
			c.Calendars.Entries[i].DisplayName = c.Calendars.Entries[i].Name
		}
	}
	if c.Calendars.Default == "" && len(c.Calendars.Entries) > 0 {
		c.Calendars.Default = c.Calendars.Entries[0].Name
	}
	if c.Sync.Interval <= 0 {
		c.Sync.Interval = 5 * time.Minute
	}
	if c.Sync.Schedule == "" {
		c.Sync.Schedule = "@every " + c.Sync.Interval.String()
	}
	if c.Sync.RetentionMonths <= 0 {
		c.Sync.RetentionMonths = 6
	}
	if c.Sync.DeletionRetentionDays <= 0 {
		c.Sync.DeletionRetentionDays = 30
	}
	if c.Sync.MaxPropagationAttempts <= 0 {
		c.Sync.MaxPropagationAttempts = 5
	}
	if c.Sync.FetchConcurrency <= 0 {
		c.Sync.FetchConcurrency = 4
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "calmirror.db"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// ApplyEnv overrides file settings with environment variables. Call it
// after loading any .env file.
func (c *Config) ApplyEnv() {
	set := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.CalDAV.URL, "CALDAV_URL")
	set(&c.CalDAV.Username, "CALDAV_USERNAME")
	set(&c.CalDAV.Password, "CALDAV_PASSWORD")
	set(&c.Database.Driver, "CALMIRROR_DB_DRIVER")
	set(&c.Database.DSN, "CALMIRROR_DB_DSN")
	set(&c.LogLevel, "LOG_LEVEL")
}

// Validate reports the first setting that would stop the process from
// running.
func (c *Config) Validate() error {
	switch {
	case c.CalDAV.URL == "":
		return errors.New("caldav.url (CALDAV_URL) is required")
	case c.CalDAV.Username == "":
		return errors.New("caldav.username (CALDAV_USERNAME) is required")
	case c.CalDAV.Password == "":
		return errors.New("caldav.password (CALDAV_PASSWORD) is required")
	}
	if err := c.ValidateCalendars(); err != nil {
		return err
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver %q: must be sqlite or postgres", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn (CALMIRROR_DB_DSN) is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// ValidateCalendars checks the calendar registry on its own.
func (c *Config) ValidateCalendars() error {
	if len(c.Calendars.Entries) == 0 {
		return errors.New("calendars.entries: at least one calendar is required")
	}
	seen := make(map[string]bool, len(c.Calendars.Entries))
	for i, e := range c.Calendars.Entries {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			return fmt.Errorf("calendars.entries[%d]: name is required", i)
		}
		if strings.TrimSpace(e.Path) == "" {
			return fmt.Errorf("calendars.entries[%d] (%s): path is required", i, name)
		}
		if seen[name] {
			return fmt.Errorf("calendars.entries[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
	}
	if c.Calendars.Default != "" && !seen[c.Calendars.Default] {
		return fmt.Errorf("calendars.default %q is not a configured calendar", c.Calendars.Default)
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, ok := models.LookupLocation(c.Timezone)
	if !ok {
		return nil, fmt.Errorf("timezone %q: unknown zone", c.Timezone)
	}
	return loc, nil
}

// Descriptors converts the registry entries.
func (c *Config) Descriptors() []models.CalendarDescriptor {
	out := make([]models.CalendarDescriptor, 0, len(c.Calendars.Entries))
	for _, e := range c.Calendars.Entries {
		out = append(out, models.CalendarDescriptor{Name: e.Name, Path: e.Path, DisplayName: e.DisplayName})
	}
	return out
}

// Load reads the YAML file at path. When the file does not exist a default
// configuration is written there and returned.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes cfg to path atomically with 0600 permissions.
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

	tmp, err := os.CreateTemp(dir, ".calmirror-config-*.tmp")
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

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
