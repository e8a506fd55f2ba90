package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.CalDAV.URL = "https://dav.example.com/"
	cfg.CalDAV.Username = "alice"
	cfg.CalDAV.Password = "secret"
	cfg.Calendars.Entries = []CalendarEntry{
		{Name: "work", Path: "/cal/work/"},
		{Name: "home", Path: "/cal/home/"},
	}
	cfg.Normalize()
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 30*time.Second, cfg.CalDAV.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, "@every 5m0s", cfg.Sync.Schedule)
	assert.Equal(t, 6, cfg.Sync.RetentionMonths)
	assert.Equal(t, 30, cfg.Sync.DeletionRetentionDays)
	assert.Equal(t, 5, cfg.Sync.MaxPropagationAttempts)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "calmirror.db", cfg.Database.DSN)
	assert.Equal(t, "UTC", cfg.Timezone)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.NotNil(t, cfg.Calendars.Entries)
}

func TestLoadCreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "calmirror.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "UTC", cfg.Timezone)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calmirror.yaml")
	cfg := validConfig()
	cfg.Timezone = "Asia/Seoul"
	cfg.Sync.Interval = 90 * time.Second
	cfg.Sync.Schedule = ""

	require.NoError(t, cfg.Save(path))
	got, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "Asia/Seoul", got.Timezone)
	assert.Equal(t, 90*time.Second, got.Sync.Interval)
	assert.Equal(t, "@every 1m30s", got.Sync.Schedule)
	assert.Equal(t, "work", got.Calendars.Default)
	require.Len(t, got.Calendars.Entries, 2)
	assert.Equal(t, "home", got.Calendars.Entries[1].DisplayName)

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".calmirror-config-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calmirror.yaml")
	data := `caldav:
  url: https://dav.example.com/
  username: bob
  timeout: 10s
calendars:
  default: home
  entries:
    - name: work
      path: /cal/work/
      display_name: Work
    - name: home
      path: /cal/home/
sync:
  schedule: "*/10 * * * *"
database:
  driver: postgres
  dsn: postgres://localhost/calmirror
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.CalDAV.Timeout)
	assert.Equal(t, "home", cfg.Calendars.Default)
	assert.Equal(t, "Work", cfg.Calendars.Entries[0].DisplayName)
	assert.Equal(t, "*/10 * * * *", cfg.Sync.Schedule)
	assert.Equal(t, "postgres", cfg.Database.Driver)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calmirror.yaml")
	require.NoError(t, os.WriteFile(path, []byte("caldav: [unterminated"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CALDAV_URL", "https://env.example.com/")
	t.Setenv("CALDAV_USERNAME", "env-user")
	t.Setenv("CALDAV_PASSWORD", "env-pass")
	t.Setenv("CALMIRROR_DB_DRIVER", "postgres")
	t.Setenv("CALMIRROR_DB_DSN", "postgres://db/calmirror")
	t.Setenv("LOG_LEVEL", "")

	cfg := validConfig()
	cfg.ApplyEnv()

	assert.Equal(t, "https://env.example.com/", cfg.CalDAV.URL)
	assert.Equal(t, "env-user", cfg.CalDAV.Username)
	assert.Equal(t, "env-pass", cfg.CalDAV.Password)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://db/calmirror", cfg.Database.DSN)
	assert.Equal(t, "info", cfg.LogLevel, "empty variables do not override")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing url", mutate: func(c *Config) { c.CalDAV.URL = "" }, errMsg: "caldav.url"},
		{name: "missing username", mutate: func(c *Config) { c.CalDAV.Username = "" }, errMsg: "caldav.username"},
		{name: "missing password", mutate: func(c *Config) { c.CalDAV.Password = "" }, errMsg: "caldav.password"},
		{name: "no calendars", mutate: func(c *Config) { c.Calendars.Entries = nil }, errMsg: "at least one calendar"},
		{
			name:   "missing path",
			mutate: func(c *Config) { c.Calendars.Entries[1].Path = "" },
			errMsg: "path is required",
		},
		{
			name:   "duplicate name",
			mutate: func(c *Config) { c.Calendars.Entries[1].Name = "work" },
			errMsg: "duplicate name",
		},
		{name: "unknown default", mutate: func(c *Config) { c.Calendars.Default = "travel" }, errMsg: "calendars.default"},
		{name: "bad driver", mutate: func(c *Config) { c.Database.Driver = "mysql" }, errMsg: "database.driver"},
		{name: "bad timezone", mutate: func(c *Config) { c.Timezone = "Mars/Olympus" }, errMsg: "timezone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestDescriptorsAndLocation(t *testing.T) {
	cfg := validConfig()
	cfg.Timezone = "Europe/Berlin"

	descs := cfg.Descriptors()
	require.Len(t, descs, 2)
	assert.Equal(t, "work", descs[0].Name)
	assert.Equal(t, "/cal/home/", descs[1].Path)
	assert.Equal(t, "work", descs[0].DisplayName)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
}
