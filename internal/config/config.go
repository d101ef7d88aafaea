package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/cozy-insight/composer/internal/layout"
	"github.com/cozy-insight/composer/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. COMPOSER_SERVER_PORT
const EnvPrefix = "COMPOSER"

// Config represents the composer configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Grid       layout.Config    `mapstructure:"grid"`
	Dataset    DatasetConfig    `mapstructure:"dataset"`
	Permission PermissionConfig `mapstructure:"permission"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Log        LogConfig        `mapstructure:"log"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout bounds the graceful drain on SIGINT/SIGTERM
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	// Live enables the WebSocket stream endpoint
	Live bool `mapstructure:"live"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig represents snapshot store configuration
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
	Table  string `mapstructure:"table"`
}

// CacheConfig represents the permission cache backend
type CacheConfig struct {
	Backend  string        `mapstructure:"backend"`
	TTL      time.Duration `mapstructure:"ttl"`
	Prefix   string        `mapstructure:"prefix"`
	Sweep    time.Duration `mapstructure:"sweep"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
}

// DatasetConfig represents the BI backend the dataset client talks to
type DatasetConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PermissionConfig selects how composition operations are gated
type PermissionConfig struct {
	// Mode is "allow" (everything permitted) or "http" (ask the BI backend)
	Mode    string        `mapstructure:"mode"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AuthConfig represents bearer token verification
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// JobsConfig represents the background jobs
type JobsConfig struct {
	Autosave    string        `mapstructure:"autosave"`
	Sweep       string        `mapstructure:"sweep"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.live", true)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.url", "composer.db")
	v.SetDefault("database.table", "dashboard_snapshots")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.prefix", "composer:")
	v.SetDefault("cache.sweep", "1m")
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)

	grid := layout.DefaultConfig()
	v.SetDefault("grid.cols", grid.Cols)
	v.SetDefault("grid.row_height", grid.RowHeight)
	v.SetDefault("grid.max_rows", grid.MaxRows)
	v.SetDefault("grid.allow_overlap", grid.AllowOverlap)

	v.SetDefault("dataset.base_url", "http://localhost:8081")
	v.SetDefault("dataset.timeout", "30s")

	v.SetDefault("permission.mode", "allow")
	v.SetDefault("permission.base_url", "")
	v.SetDefault("permission.timeout", "5s")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("log.level", "info")

	v.SetDefault("jobs.autosave", "@every 30s")
	v.SetDefault("jobs.sweep", "@every 1m")
	v.SetDefault("jobs.idle_timeout", "30m")
}

// Load reads composer.yml (or the file at path), applies COMPOSER_*
// environment overrides and validates the result. A missing default file is
// not an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("composer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Permission.BaseURL == "" {
		cfg.Permission.BaseURL = cfg.Dataset.BaseURL
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateConfig validates the configuration
func validateConfig(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got: %d", cfg.Server.Port)
	}

	switch cfg.Database.Driver {
	case "sqlite3", "postgres", "pgx":
	default:
		return fmt.Errorf("database.driver must be sqlite3, postgres or pgx, got: %s", cfg.Database.Driver)
	}
	if cfg.Database.URL == "" {
		return errors.New("database.url is required")
	}

	switch cfg.Cache.Backend {
	case "memory":
	case "redis":
		if cfg.Cache.Addr == "" {
			return errors.New("cache.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got: %s", cfg.Cache.Backend)
	}

	if err := cfg.Grid.Validate(); err != nil {
		return fmt.Errorf("grid: %w", err)
	}

	if !strings.HasPrefix(cfg.Dataset.BaseURL, "http://") && !strings.HasPrefix(cfg.Dataset.BaseURL, "https://") {
		return fmt.Errorf("dataset.base_url must be an http(s) URL, got: %s", cfg.Dataset.BaseURL)
	}

	switch cfg.Permission.Mode {
	case "allow", "http":
	default:
		return fmt.Errorf("permission.mode must be allow or http, got: %s", cfg.Permission.Mode)
	}

	if !logging.ValidLevel(cfg.Log.Level) {
		return fmt.Errorf("log.level must be debug, info, warn or error, got: %s", cfg.Log.Level)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for key, spec := range map[string]string{"jobs.autosave": cfg.Jobs.Autosave, "jobs.sweep": cfg.Jobs.Sweep} {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("%s: invalid schedule %q: %w", key, spec, err)
		}
	}
	if cfg.Jobs.IdleTimeout < 0 {
		return fmt.Errorf("jobs.idle_timeout must not be negative, got: %s", cfg.Jobs.IdleTimeout)
	}
	return nil
}
