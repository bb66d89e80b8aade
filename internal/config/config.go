// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// Database backends.
const (
	DBTypeSQLite   = "sqlite"
	DBTypePostgres = "postgresql"
)

// DefaultMaxDBSize is the soft database size cap: 1 GiB.
const DefaultMaxDBSize = int64(1) << 30

// Config is the resolved runtime configuration.
type Config struct {
	DBType              string
	DBPath              string
	DBTemplatePath      string
	DatabaseURL         string
	DatabaseInternalURL string
	DatabaseSSL         bool
	MaxDBSize           int64

	Port             int
	TelemetryDisabled bool

	OperatorUsername string
	OperatorPassword string
	OperatorRole     string

	LogLevel string
	LogFile  string

	OTelEnabled bool
}

// Load reads configuration from the environment. Every key has a
// default, so an empty environment yields a working embedded setup.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("DB_TYPE", DBTypeSQLite)
	v.SetDefault("DB_PATH", "data/telemetry.db")
	v.SetDefault("DB_TEMPLATE_PATH", "")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DATABASE_INTERNAL_URL", "")
	v.SetDefault("DATABASE_SSL", false)
	v.SetDefault("DB_MAX_SIZE", DefaultMaxDBSize)
	v.SetDefault("PORT", 3100)
	v.SetDefault("TELEMETRY_DISABLED", false)
	v.SetDefault("COPILOT_USERNAME", "")
	v.SetDefault("COPILOT_PASSWORD", "")
	v.SetDefault("COPILOT_ROLE", "administrator")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("OTEL_ENABLED", false)

	cfg := &Config{
		DBType:              strings.ToLower(v.GetString("DB_TYPE")),
		DBPath:              v.GetString("DB_PATH"),
		DBTemplatePath:      v.GetString("DB_TEMPLATE_PATH"),
		DatabaseURL:         v.GetString("DATABASE_URL"),
		DatabaseInternalURL: v.GetString("DATABASE_INTERNAL_URL"),
		DatabaseSSL:         v.GetBool("DATABASE_SSL"),
		MaxDBSize:           v.GetInt64("DB_MAX_SIZE"),
		Port:                v.GetInt("PORT"),
		TelemetryDisabled:   v.GetBool("TELEMETRY_DISABLED"),
		OperatorUsername:    v.GetString("COPILOT_USERNAME"),
		OperatorPassword:    v.GetString("COPILOT_PASSWORD"),
		OperatorRole:        v.GetString("COPILOT_ROLE"),
		LogLevel:            v.GetString("LOG_LEVEL"),
		LogFile:             v.GetString("LOG_FILE"),
		OTelEnabled:         v.GetBool("OTEL_ENABLED"),
	}

	switch cfg.DBType {
	case DBTypeSQLite, DBTypePostgres:
	default:
		return nil, fmt.Errorf("unsupported DB_TYPE %q", cfg.DBType)
	}
	if cfg.MaxDBSize <= 0 {
		cfg.MaxDBSize = DefaultMaxDBSize
	}
	if cfg.DBType == DBTypePostgres && cfg.DatabaseURL == "" && cfg.DatabaseInternalURL == "" {
		return nil, fmt.Errorf("DB_TYPE postgresql requires DATABASE_URL or DATABASE_INTERNAL_URL")
	}
	return cfg, nil
}

// PostgresDSN resolves the connection string. The internal URL wins when
// set and runs without TLS; the external URL negotiates TLS per
// DATABASE_SSL.
func (c *Config) PostgresDSN() (string, error) {
	if c.DatabaseInternalURL != "" {
		return withSSLMode(c.DatabaseInternalURL, "disable")
	}
	mode := "disable"
	if c.DatabaseSSL {
		mode = "require"
	}
	return withSSLMode(c.DatabaseURL, mode)
}

// withSSLMode forces sslmode on a URL-style DSN, overriding any value
// already present.
func withSSLMode(dsn, mode string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse database url: %w", err)
	}
	q := u.Query()
	q.Set("sslmode", mode)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
