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
)

// NOTE: Load creates the file with defaults on first run. Save always writes
// through a temp file and leaves the result with 0600 permissions.

const (
	DefaultListen   = "127.0.0.1:8080"
	DefaultDatabase = "/var/lib/calplan/calplan.db"
	DefaultLogLevel = "info"
	DefaultTimezone = "UTC"

	DefaultSyncCron     = "*/15 * * * *"
	DefaultDeferCron    = "15 0 * * *"
	DefaultScheduleCron = "20 0 * * *"

	JobDisabled = "-"
)

// JobsConfig holds the cron specs of the background jobs. Empty specs get the
// defaults; JobDisabled turns a job off.
type JobsConfig struct {
	// CalendarSync runs SyncAllCalendars.
	CalendarSync string `yaml:"calendar_sync" json:"calendar_sync"`
	// DeferOverdue moves overdue placed tasks one day forward.
	DeferOverdue string `yaml:"defer_overdue" json:"defer_overdue"`
	// AutoSchedule places unscheduled tasks for every user.
	AutoSchedule string `yaml:"auto_schedule" json:"auto_schedule"`
}

// SyncConfig controls provider fetching.
type SyncConfig struct {
	// PastDays and FutureDays bound the window of a full sync.
	PastDays   int `yaml:"past_days" json:"past_days"`
	FutureDays int `yaml:"future_days" json:"future_days"`

	// HTTPTimeoutSeconds is the per-request timeout of provider calls.
	HTTPTimeoutSeconds int `yaml:"http_timeout_seconds" json:"http_timeout_seconds"`

	// RequestsPerSecond throttles provider calls across all calendars.
	RequestsPerSecond int `yaml:"requests_per_second" json:"requests_per_second"`

	// ICSCacheDir keeps the last good body of every ICS feed. Empty disables
	// the cache.
	ICSCacheDir string `yaml:"ics_cache_dir" json:"ics_cache_dir"`

	// MaxOccurrences caps the expansion of one recurring ICS series.
	MaxOccurrences int `yaml:"max_occurrences" json:"max_occurrences"`
}

func (s SyncConfig) HTTPTimeout() time.Duration {
	return time.Duration(s.HTTPTimeoutSeconds) * time.Second
}

type SchedulerConfig struct {
	// BufferMinutes is kept free after every placed task.
	BufferMinutes int `yaml:"buffer_minutes" json:"buffer_minutes"`
	LookaheadDays int `yaml:"lookahead_days" json:"lookahead_days"`
}

func (s SchedulerConfig) Buffer() time.Duration {
	return time.Duration(s.BufferMinutes) * time.Minute
}

// OAuthClient is one OAuth application registration.
type OAuthClient struct {
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"-"`
	// TokenURL overrides the provider's token endpoint.
	TokenURL string `yaml:"token_url,omitempty" json:"token_url,omitempty"`
	// Tenant is only used by Microsoft. Empty means "common".
	Tenant string   `yaml:"tenant,omitempty" json:"tenant,omitempty"`
	Scopes []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
	// APIBase overrides the REST base URL of the provider.
	APIBase string `yaml:"api_base,omitempty" json:"api_base,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the ops API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address of the ops API.
	Listen string `yaml:"listen" json:"listen"`

	// Database is the SQLite file path.
	Database string `yaml:"database" json:"database"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// DefaultTimezone is the IANA zone used for users without a timezone.
	DefaultTimezone string `yaml:"default_timezone" json:"default_timezone"`

	Jobs      JobsConfig      `yaml:"jobs" json:"jobs"`
	Sync      SyncConfig      `yaml:"sync" json:"sync"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`

	Google    OAuthClient `yaml:"google" json:"google"`
	Microsoft OAuthClient `yaml:"microsoft" json:"microsoft"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{
		Sync: SyncConfig{
			ICSCacheDir: "/var/cache/calplan/ics",
		},
	}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = DefaultLogLevel
	}
	if c.DefaultTimezone == "" {
		c.DefaultTimezone = DefaultTimezone
	}

	if c.Jobs.CalendarSync == "" {
		c.Jobs.CalendarSync = DefaultSyncCron
	}
	if c.Jobs.DeferOverdue == "" {
		c.Jobs.DeferOverdue = DefaultDeferCron
	}
	if c.Jobs.AutoSchedule == "" {
		c.Jobs.AutoSchedule = DefaultScheduleCron
	}

	if c.Sync.PastDays <= 0 {
		c.Sync.PastDays = 30
	}
	if c.Sync.FutureDays <= 0 {
		c.Sync.FutureDays = 90
	}
	if c.Sync.HTTPTimeoutSeconds <= 0 {
		c.Sync.HTTPTimeoutSeconds = 30
	}
	if c.Sync.RequestsPerSecond <= 0 {
		c.Sync.RequestsPerSecond = 5
	}
	if c.Sync.MaxOccurrences <= 0 {
		c.Sync.MaxOccurrences = 5000
	}

	if c.Scheduler.BufferMinutes <= 0 {
		c.Scheduler.BufferMinutes = 10
	}
	if c.Scheduler.LookaheadDays <= 0 {
		c.Scheduler.LookaheadDays = 7
	}

	// Basic auth needs a username.
	if c.BasicAuth != nil && c.BasicAuth.Username == "" {
		c.BasicAuth = nil
	}
}

// Validate reports settings that Normalize cannot repair.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("default_timezone: %w", err)
	}
	if c.Microsoft.ClientID != "" && c.Microsoft.ClientSecret == "" {
		return errors.New("microsoft: client_secret is required with client_id")
	}
	if c.Google.ClientID != "" && c.Google.ClientSecret == "" {
		return errors.New("google: client_secret is required with client_id")
	}
	return nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     permissions (creating the parent directory) and returned.
//   - Otherwise the YAML is read, unmarshalled and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
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

	tmp, err := os.CreateTemp(dir, ".calplan-config-*.tmp")
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
