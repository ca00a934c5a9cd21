package creditledger

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the top-level ledger configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store" toml:"store"`
	Tiers   TierTable     `yaml:"tiers" toml:"tiers"`
	Log     LogConfig     `yaml:"log" toml:"log"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
	Stripe  StripeConfig  `yaml:"stripe" toml:"stripe"`
	Sweep   SweepConfig   `yaml:"sweep" toml:"sweep"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverDynamoDB = "dynamodb"
)

// DefaultSQLitePath is the database file used when no store is configured.
const DefaultSQLitePath = "creditledger.db"

// StoreConfig selects and configures the backend.
type StoreConfig struct {
	Driver        string `yaml:"driver" toml:"driver"`
	DSN           string `yaml:"dsn" toml:"dsn"`
	TablePrefix   string `yaml:"table_prefix" toml:"table_prefix"`
	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" toml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix" toml:"key_prefix"`
	DynamoDBTable string `yaml:"dynamodb_table" toml:"dynamodb_table"`
}

// LogConfig configures the slog handler built by the binaries.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig configures the metrics listener.
type MetricsConfig struct {
	Listen string `yaml:"listen" toml:"listen"`
}

// StripeConfig configures the billing webhook.
type StripeConfig struct {
	WebhookSecret string `yaml:"webhook_secret" toml:"webhook_secret"`
}

// SweepConfig configures the stuck-reservation sweep.
type SweepConfig struct {
	StuckAfter Duration `yaml:"stuck_after" toml:"stuck_after"`
	Limit      int      `yaml:"limit" toml:"limit"`
}

// Duration is a time.Duration that decodes from strings such as "15m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// LoadConfig reads and parses a YAML or TOML config file, chosen by extension.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("creditledger: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return Config{}, fmt.Errorf("creditledger: parse config: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("creditledger: parse config: %w", err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// DefaultConfig returns the configuration used when no file is given: a
// SQLite file in the working directory, the default tier table and text
// logging at info.
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
		if c.Store.DSN == "" {
			c.Store.DSN = DefaultSQLitePath
		}
	}
	// Configured tiers override the built-in ones by name.
	tiers := DefaultTiers()
	maps.Copy(tiers, c.Tiers)
	c.Tiers = tiers
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Sweep.StuckAfter.Duration == 0 {
		c.Sweep.StuckAfter.Duration = 15 * time.Minute
	}
	if c.Sweep.Limit == 0 {
		c.Sweep.Limit = 100
	}
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("creditledger: config: store: dsn is required for driver %q", c.Store.Driver)
		}
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("creditledger: config: store: redis_addr is required for driver %q", c.Store.Driver)
		}
	case DriverDynamoDB:
		if c.Store.DynamoDBTable == "" {
			return fmt.Errorf("creditledger: config: store: dynamodb_table is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("creditledger: config: store: invalid driver %q", c.Store.Driver)
	}

	if err := c.Tiers.Validate(); err != nil {
		return fmt.Errorf("creditledger: config: %w", err)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("creditledger: config: log: invalid level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("creditledger: config: log: invalid format %q", c.Log.Format)
	}

	if c.Sweep.StuckAfter.Duration < 0 {
		return fmt.Errorf("creditledger: config: sweep: stuck_after must not be negative")
	}
	if c.Sweep.Limit < 0 {
		return fmt.Errorf("creditledger: config: sweep: limit must not be negative")
	}
	return nil
}
