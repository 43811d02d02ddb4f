package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/triage/triage/internal/platform/db"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Port              string   `mapstructure:"PORT"`
	Env               string   `mapstructure:"ENV"`
	StoreDriver       string   `mapstructure:"STORE_DRIVER"`
	DatabaseURL       string   `mapstructure:"DATABASE_URL"`
	DBSchema          string   `mapstructure:"DB_SCHEMA"`
	DBMaxConns        int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer        string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience      string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey    string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins       []string `mapstructure:"CORS_ORIGINS"`
	BodyLimit         string   `mapstructure:"BODY_LIMIT"`
	NATSURL           string   `mapstructure:"NATS_URL"`
	NATSSubjectPrefix string   `mapstructure:"NATS_SUBJECT_PREFIX"`
	RedisURL          string   `mapstructure:"REDIS_URL"`
	RedisFeedLength   int      `mapstructure:"REDIS_FEED_LENGTH"`
	NotifyQueueSize   int      `mapstructure:"NOTIFY_QUEUE_SIZE"`
	NotifyWorkers     int      `mapstructure:"NOTIFY_WORKERS"`
}

var keys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "DB_SCHEMA", "DB_MAX_CONNS",
	"DB_MIN_CONNS", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "BODY_LIMIT", "NATS_URL", "NATS_SUBJECT_PREFIX", "REDIS_URL",
	"REDIS_FEED_LENGTH", "NOTIFY_QUEUE_SIZE", "NOTIFY_WORKERS",
}

// Load reads configuration from an optional .env file and the environment.
// Environment variables win over the file.
func Load() (*Config, error) {
	return load(".env")
}

func load(file string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(file)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("NATS_SUBJECT_PREFIX", "triage.case")
	v.SetDefault("REDIS_FEED_LENGTH", 100)
	v.SetDefault("NOTIFY_QUEUE_SIZE", 256)
	v.SetDefault("NOTIFY_WORKERS", 2)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StoreDriverPostgres)
		}
		if !db.ValidSchema(c.DBSchema) {
			return fmt.Errorf("DB_SCHEMA %q is not a valid schema name", c.DBSchema)
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.StoreDriver)
	}

	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q; refusing to start without authentication", c.Env)
	}
	if c.NotifyQueueSize < 0 {
		return fmt.Errorf("NOTIFY_QUEUE_SIZE must not be negative, got %d", c.NotifyQueueSize)
	}
	if c.NotifyWorkers < 0 {
		return fmt.Errorf("NOTIFY_WORKERS must not be negative, got %d", c.NotifyWorkers)
	}
	if c.RedisFeedLength < 0 {
		return fmt.Errorf("REDIS_FEED_LENGTH must not be negative, got %d", c.RedisFeedLength)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
