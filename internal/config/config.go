// Package config provides configuration management for keysync.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, SERVER_PORT)
// 3. Default values
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "keysync.io/keysync/internal/pkg/errors"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Log       LogConfig        `mapstructure:"log"`
	River     RiverConfig      `mapstructure:"river"`
	Sync      SyncConfig       `mapstructure:"sync"`
	Providers []ProviderConfig `mapstructure:"providers"`
}

// ServerConfig contains admin HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains PostgreSQL connection settings for the River
// task queue. Leaving both URL and Host empty disables River; the
// interval task runner is used instead.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns int32 `mapstructure:"max_conns"`
	MinConns int32 `mapstructure:"min_conns"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// Enabled reports whether a queue database is configured at all.
func (c DatabaseConfig) Enabled() bool {
	return c.URL != "" || c.Host != ""
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River Queue settings.
type RiverConfig struct {
	MaxWorkers int `mapstructure:"max_workers"`
}

// SyncConfig contains full-sync cadence settings shared by all providers.
type SyncConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// ProviderConfig describes one directory provider instance.
type ProviderConfig struct {
	ID         string `mapstructure:"id"`
	BaseURL    string `mapstructure:"base_url"`
	Realm      string `mapstructure:"realm"`
	LoginRealm string `mapstructure:"login_realm"`

	// Exactly one credential mode must be fully set: username/password
	// or client_id/client_secret.
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`

	UserQuerySize  int `mapstructure:"user_query_size"`
	GroupQuerySize int `mapstructure:"group_query_size"`
	MaxConcurrency int `mapstructure:"max_concurrency"`

	// BriefRepresentation is a pointer so an omitted value can default
	// to true while an explicit false is still honored.
	BriefRepresentation *bool `mapstructure:"brief_representation"`
}

// Brief returns the brief-representation flag, defaulting to true.
func (p *ProviderConfig) Brief() bool {
	if p.BriefRepresentation == nil {
		return true
	}
	return *p.BriefRepresentation
}

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/keysync")

	// Environment variable override without prefix: database.max_conns
	// maps to DATABASE_MAX_CONNS, log.level to LOG_LEVEL, and so on.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyProviderDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// applyProviderDefaults fills per-provider defaults the file may omit.
func (c *Config) applyProviderDefaults() {
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Realm == "" {
			p.Realm = "master"
		}
		if p.LoginRealm == "" {
			p.LoginRealm = "master"
		}
		if p.UserQuerySize <= 0 {
			p.UserQuerySize = 100
		}
		if p.GroupQuerySize <= 0 {
			p.GroupQuerySize = 100
		}
		if p.MaxConcurrency <= 0 {
			p.MaxConcurrency = 20
		}
	}
}

// Validate checks for critical configuration errors. Invalid credential
// combinations are rejected here, at load, not at sync time.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if err := p.Validate(); err != nil {
			return err
		}
		if _, dup := seen[p.ID]; dup {
			return apperrors.BadRequest(apperrors.CodeConfigInvalid,
				fmt.Sprintf("duplicate provider id %q", p.ID))
		}
		seen[p.ID] = struct{}{}
	}
	return nil
}

// Validate enforces the provider invariants: a base URL, an id, and
// exactly one fully-populated credential mode.
func (p *ProviderConfig) Validate() error {
	if p.ID == "" {
		return apperrors.BadRequest(apperrors.CodeConfigInvalid,
			"provider id must not be empty")
	}
	if p.BaseURL == "" {
		return apperrors.BadRequest(apperrors.CodeConfigInvalid,
			fmt.Sprintf("provider %q: base_url must not be empty", p.ID))
	}
	if p.ClientID != "" && p.ClientSecret == "" {
		return apperrors.BadRequest(apperrors.CodeConfigInvalid,
			fmt.Sprintf("provider %q: client_secret must be provided when client_id is defined", p.ID))
	}
	if p.ClientSecret != "" && p.ClientID == "" {
		return apperrors.BadRequest(apperrors.CodeConfigInvalid,
			fmt.Sprintf("provider %q: client_id must be provided when client_secret is defined", p.ID))
	}
	if p.Username != "" && p.Password == "" {
		return apperrors.BadRequest(apperrors.CodeConfigInvalid,
			fmt.Sprintf("provider %q: password must be provided when username is defined", p.ID))
	}
	if p.Password != "" && p.Username == "" {
		return apperrors.BadRequest(apperrors.CodeConfigInvalid,
			fmt.Sprintf("provider %q: username must be provided when password is defined", p.ID))
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database (River queue; optional)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)

	// Logging
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.max_workers", 10)

	// Sync cadence
	v.SetDefault("sync.interval", "30m")
}
