// Package config loads and validates the phytod configuration from YAML,
// environment variables, and defaults.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/Alaa-nl/phytod/internal/registry"
)

// Config is the top-level configuration for phytod.
type Config struct {
	ListenAddr string         `mapstructure:"listen_addr"`
	LogFormat  string         `mapstructure:"log_format"`
	Storage    StorageConfig  `mapstructure:"storage"`
	Upstream   UpstreamConfig `mapstructure:"upstream"`
	Sync       SyncConfig     `mapstructure:"sync"`
	Cache      CacheConfig    `mapstructure:"cache"`
	Devices    []DeviceConfig `mapstructure:"devices"`
}

// DeviceConfig defines one sensor installation to monitor.
type DeviceConfig struct {
	DeviceID  string            `mapstructure:"device_id"`
	SetupID   string            `mapstructure:"setup_id"`
	Channels  map[string]string `mapstructure:"channels"` // quantity -> upstream channel ID
	ValidFrom string            `mapstructure:"valid_from"`
	ValidTo   string            `mapstructure:"valid_to"`
	Crop      string            `mapstructure:"crop"`
	Variety   string            `mapstructure:"variety"`
	Location  string            `mapstructure:"location"`
}

// StorageConfig defines the database backend.
type StorageConfig struct {
	Driver   string         `mapstructure:"driver"` // "sqlite" or "postgres"
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig holds PostgreSQL-specific configuration.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// UpstreamConfig defines the external sensor API.
type UpstreamConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxSpan        time.Duration `mapstructure:"max_span"`         // largest range per request
	RequestsPerMin int           `mapstructure:"requests_per_min"` // pacing for chunked fetches
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
}

// SyncConfig defines background sync behavior.
type SyncConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	LivenessThreshold time.Duration `mapstructure:"liveness_threshold"`
	BackfillOnStartup bool          `mapstructure:"backfill_on_startup"`
	BackfillMaxDays   int           `mapstructure:"backfill_max_days"`
}

// CacheConfig defines the live-result cache.
type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// Load reads configuration from flag path, env vars, then default file paths.
// Precedence: flag → $PHYTOD_CONFIG env → ~/.config/phytod/config.yaml → /etc/phytod/config.yaml
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_format", "json")
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("upstream.timeout", 30*time.Second)
	v.SetDefault("upstream.max_span", 7*24*time.Hour)
	v.SetDefault("upstream.requests_per_min", 30)
	v.SetDefault("upstream.max_body_bytes", int64(64<<20))
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.liveness_threshold", 5*time.Minute)
	v.SetDefault("sync.backfill_on_startup", true)
	v.SetDefault("sync.backfill_max_days", 30)
	v.SetDefault("cache.ttl", 5*time.Minute)

	// Env var support
	v.SetEnvPrefix("PHYTOD")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else if envPath := os.Getenv("PHYTOD_CONFIG"); envPath != "" {
		v.SetConfigFile(envPath)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "phytod"))
		}
		v.AddConfigPath("/etc/phytod")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else {
		// Warn if config file is world-readable; it carries the API key.
		if cfgPath := v.ConfigFileUsed(); cfgPath != "" {
			if info, err := os.Stat(cfgPath); err == nil {
				perm := info.Mode().Perm()
				if perm&0004 != 0 {
					slog.Warn("config file is world-readable", "path", cfgPath, "permissions", fmt.Sprintf("%04o", perm))
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Viper's AutomaticEnv cannot reach nested keys that are absent from the
	// config file, so map the secrets explicitly for container injection.
	if key := os.Getenv("PHYTOD_UPSTREAM_API_KEY"); key != "" {
		cfg.Upstream.APIKey = key
	}
	if dsn := os.Getenv("PHYTOD_STORAGE_POSTGRES_DSN"); dsn != "" {
		cfg.Storage.Postgres.DSN = dsn
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the configuration is complete and correct.
func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("at least one device is required")
	}
	for i, d := range c.Devices {
		if d.DeviceID == "" {
			return fmt.Errorf("device[%d]: device_id is required", i)
		}
		if d.SetupID == "" {
			return fmt.Errorf("device[%d]: setup_id is required", i)
		}
		if len(d.Channels) == 0 {
			return fmt.Errorf("device[%d]: at least one channel is required", i)
		}
		if d.ValidFrom == "" {
			return fmt.Errorf("device[%d]: valid_from is required", i)
		}
		if _, err := time.Parse(time.RFC3339, d.ValidFrom); err != nil {
			return fmt.Errorf("device[%d]: invalid valid_from: %w", i, err)
		}
		if d.ValidTo != "" {
			if _, err := time.Parse(time.RFC3339, d.ValidTo); err != nil {
				return fmt.Errorf("device[%d]: invalid valid_to: %w", i, err)
			}
		}
	}

	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if u, err := url.Parse(c.Upstream.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream.base_url %q is not a valid URL", c.Upstream.BaseURL)
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if c.Upstream.MaxSpan <= 0 {
		return fmt.Errorf("upstream.max_span must be positive")
	}

	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Sync.BackfillMaxDays < 1 || c.Sync.BackfillMaxDays > 365 {
		return fmt.Errorf("sync.backfill_max_days must be between 1 and 365, got %d", c.Sync.BackfillMaxDays)
	}

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required for sqlite driver")
		}
		dir := filepath.Dir(c.Storage.SQLite.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return fmt.Errorf("creating storage directory %q: %w", dir, err)
			}
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be 'sqlite' or 'postgres', got %q", c.Storage.Driver)
	}

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr %q is not a valid address: %w", c.ListenAddr, err)
	}

	return nil
}

// DSN returns the appropriate DSN for the configured storage driver.
func (c *Config) DSN() string {
	switch c.Storage.Driver {
	case "sqlite":
		return c.Storage.SQLite.Path
	case "postgres":
		return c.Storage.Postgres.DSN
	default:
		return ""
	}
}

// Descriptors converts the device table into registry descriptors. Validate
// must have passed first; timestamps are assumed parsable.
func (c *Config) Descriptors() []registry.Descriptor {
	out := make([]registry.Descriptor, 0, len(c.Devices))
	for _, d := range c.Devices {
		desc := registry.Descriptor{
			DeviceID: d.DeviceID,
			SetupID:  d.SetupID,
			Channels: d.Channels,
			Crop:     d.Crop,
			Variety:  d.Variety,
			Location: d.Location,
		}
		desc.ValidFrom, _ = time.Parse(time.RFC3339, d.ValidFrom)
		if d.ValidTo != "" {
			desc.ValidTo, _ = time.Parse(time.RFC3339, d.ValidTo)
		}
		out = append(out, desc)
	}
	return out
}
