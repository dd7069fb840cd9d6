package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	appLog "billcal/internal/log"
)

var (
	ErrEmptyPath = errors.New("config path is empty")
	ErrNilConfig = errors.New("config is nil")

	ErrDuplicateSource = errors.New("duplicate source key")
)

const (
	defaultListen     = "127.0.0.1:8080"
	defaultTimezone   = "UTC"
	defaultRefresh    = "*/15 * * * *"
	defaultCacheDir   = "./var/ics-cache"
	defaultLogLevel   = "info"
	defaultDebounceMs = 300
)

// SourceConfig describes one calendar document to load, either from an
// HTTP(S) URL or a local path.
type SourceConfig struct {
	// ID is an internal identifier used for de-dup, logging and API lookups.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
	// URL is an ICS subscription endpoint.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
	// Path is a local .ics file. Ignored when URL is set.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// Key returns the identifier used for this source: ID, then Name, then
// URL/Path.
func (s SourceConfig) Key() string {
	switch {
	case s.ID != "":
		return s.ID
	case s.Name != "":
		return s.Name
	case s.URL != "":
		return s.URL
	default:
		return s.Path
	}
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

	// LogLevel is one of debug, info, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// FloatingTimezone is the IANA zone used to anchor floating DATE /
	// DATE-TIME values (no Z suffix, no TZID).
	FloatingTimezone string `yaml:"floating_timezone" json:"floating_timezone"`

	// RefreshCron is a cron-style schedule string (e.g. "*/15 * * * *")
	// for re-fetching and re-parsing Sources.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// CacheDir holds the per-URL HTTP cache.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// DebounceMs is the quiet period used by -watch before re-parsing.
	DebounceMs int `yaml:"debounce_ms" json:"debounce_ms"`

	// Sources is the list of calendar documents served by /api/sources.
	Sources []SourceConfig `yaml:"sources" json:"sources"`

	// CORSOrigins lists origins allowed to call the API from a browser.
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:           defaultListen,
		LogLevel:         defaultLogLevel,
		FloatingTimezone: defaultTimezone,
		RefreshCron:      defaultRefresh,
		CacheDir:         defaultCacheDir,
		DebounceMs:       defaultDebounceMs,
		Sources:          []SourceConfig{},
		CORSOrigins:      []string{"*"},
		BasicAuth:        nil,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	switch c.LogLevel {
	case "debug", "info", "error":
		// ok
	default:
		c.LogLevel = defaultLogLevel
	}
	if c.FloatingTimezone == "" {
		c.FloatingTimezone = defaultTimezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefresh
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir
	}
	if c.DebounceMs <= 0 {
		c.DebounceMs = defaultDebounceMs
	}
	if c.Sources == nil {
		c.Sources = []SourceConfig{}
	}
	if c.CORSOrigins == nil {
		c.CORSOrigins = []string{"*"}
	}
}

// FloatingLocation resolves FloatingTimezone, falling back to UTC.
func (c *Config) FloatingLocation() (*time.Location, error) {
	loc, err := time.LoadLocation(c.FloatingTimezone)
	if err != nil {
		return time.UTC, fmt.Errorf("load floating timezone %q: %w", c.FloatingTimezone, err)
	}
	return loc, nil
}

// Debounce returns DebounceMs as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
//
// In both cases environment overrides (optionally from a .env file next to
// the working directory) are applied last; see ApplyEnv.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}

	if err := loadDotEnv(".env"); err != nil {
		appLog.Error("failed to load .env", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				cfg.ApplyEnv()
				return cfg, err
			}
			cfg.ApplyEnv()
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.ApplyEnv()

	return &cfg, nil
}

// loadDotEnv loads environment files. A missing file is the normal case
// and is not an error.
func loadDotEnv(filenames ...string) error {
	err := godotenv.Load(filenames...)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Validate rejects sources that resolve to the same Key, since results and
// API lookups are keyed by it.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Sources))
	for _, s := range c.Sources {
		key := s.Key()
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateSource, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// ApplyEnv overrides selected fields from the environment:
//
//	BILLCAL_LISTEN, BILLCAL_LOG_LEVEL, BILLCAL_TIMEZONE, BILLCAL_REFRESH
func (c *Config) ApplyEnv() {
	c.Listen = getEnv("BILLCAL_LISTEN", c.Listen)
	c.LogLevel = getEnv("BILLCAL_LOG_LEVEL", c.LogLevel)
	c.FloatingTimezone = getEnv("BILLCAL_TIMEZONE", c.FloatingTimezone)
	c.RefreshCron = getEnv("BILLCAL_REFRESH", c.RefreshCron)
	c.Normalize()
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
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
		return ErrEmptyPath
	}
	if cfg == nil {
		return ErrNilConfig
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

	tmp, err := os.CreateTemp(dir, ".billcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
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
