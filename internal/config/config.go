// Package config loads server settings from an optional YAML or TOML file
// and then applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/recoveryroom/round-engine/internal/model"
)

// ErrInvalid is returned when the loaded settings fail validation.
var ErrInvalid = errors.New("config: invalid")

// Oracle kinds.
const (
	OracleManual = "manual"
	OracleBeacon = "beacon"
	OracleNATS   = "nats"
)

// Config holds everything cmd/server needs.
type Config struct {
	Port          string        `yaml:"port" toml:"port" env:"PORT"`
	DatabaseURL   string        `yaml:"database_url" toml:"database_url" env:"DATABASE_URL"`
	RedisURL      string        `yaml:"redis_url" toml:"redis_url" env:"REDIS_URL"`
	CacheTTL      time.Duration `yaml:"cache_ttl" toml:"cache_ttl" env:"RR_CACHE_TTL"`
	BoltPath      string        `yaml:"bolt_path" toml:"bolt_path" env:"RR_BOLT_PATH"`
	NATSURL       string        `yaml:"nats_url" toml:"nats_url" env:"RR_NATS_URL"`
	ClickHouseDSN string        `yaml:"clickhouse_dsn" toml:"clickhouse_dsn" env:"RR_CLICKHOUSE_DSN"`
	OTLPEndpoint  string        `yaml:"otlp_endpoint" toml:"otlp_endpoint" env:"RR_OTLP_ENDPOINT"`

	// Program names the deployment; derived addresses are scoped to it.
	Program            string                   `yaml:"program" toml:"program" env:"RR_PROGRAM"`
	UnknownTokenPolicy model.UnknownTokenPolicy `yaml:"unknown_token_policy" toml:"unknown_token_policy" env:"RR_UNKNOWN_TOKEN_POLICY"`
	AdminJWTSecret     string                   `yaml:"admin_jwt_secret" toml:"admin_jwt_secret" env:"RR_ADMIN_JWT_SECRET"`
	// AllowNoAuth permits an empty AdminJWTSecret, leaving admin routes open.
	// Local development only.
	AllowNoAuth bool `yaml:"allow_no_auth" toml:"allow_no_auth" env:"RR_ALLOW_NO_AUTH"`

	Oracle    OracleConfig    `yaml:"oracle" toml:"oracle"`
	Crank     CrankConfig     `yaml:"crank" toml:"crank"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Bootstrap BootstrapConfig `yaml:"bootstrap" toml:"bootstrap"`
}

// OracleConfig selects the randomness source.
type OracleConfig struct {
	Kind           string        `yaml:"kind" toml:"kind" env:"RR_ORACLE"`
	BeaconSeed     string        `yaml:"beacon_seed" toml:"beacon_seed" env:"RR_BEACON_SEED"`
	BeaconDelay    time.Duration `yaml:"beacon_delay" toml:"beacon_delay" env:"RR_BEACON_DELAY"`
	RequestSubject string        `yaml:"request_subject" toml:"request_subject" env:"RR_ORACLE_REQUEST_SUBJECT"`
	FulfilSubject  string        `yaml:"fulfil_subject" toml:"fulfil_subject" env:"RR_ORACLE_FULFIL_SUBJECT"`
	// BeaconLogPath is a bbolt file holding the beacon chain across restarts.
	// Empty keeps the chain in memory.
	BeaconLogPath string `yaml:"beacon_log_path" toml:"beacon_log_path" env:"RR_BEACON_LOG_PATH"`
}

// CrankConfig controls automatic round advancement.
type CrankConfig struct {
	Enabled  bool          `yaml:"enabled" toml:"enabled" env:"RR_CRANK_ENABLED"`
	Interval time.Duration `yaml:"interval" toml:"interval" env:"RR_CRANK_INTERVAL"`
}

// RateLimitConfig bounds entry submissions per client IP.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second" toml:"per_second" env:"RR_RATE_LIMIT_RPS"`
	Burst     int     `yaml:"burst" toml:"burst" env:"RR_RATE_LIMIT_BURST"`
}

// BootstrapConfig initializes the protocol on startup when Authority is set
// and no protocol config exists yet.
type BootstrapConfig struct {
	Authority         string        `yaml:"authority" toml:"authority" env:"RR_AUTHORITY"`
	RoundDuration     time.Duration `yaml:"round_duration" toml:"round_duration" env:"RR_ROUND_DURATION"`
	MinLossPercentage uint8         `yaml:"min_loss_percentage" toml:"min_loss_percentage" env:"RR_MIN_LOSS_PERCENTAGE"`
	MaxEntriesPerUser uint8         `yaml:"max_entries_per_user" toml:"max_entries_per_user" env:"RR_MAX_ENTRIES_PER_USER"`
}

// Default returns the settings used when neither file nor environment says
// otherwise.
func Default() Config {
	return Config{
		Port:               "8080",
		CacheTTL:           30 * time.Second,
		Program:            "recovery-room/v1",
		UnknownTokenPolicy: model.PolicyStrict,
		Oracle: OracleConfig{
			Kind:           OracleManual,
			BeaconDelay:    2 * time.Second,
			RequestSubject: "recoveryroom.oracle.request",
			FulfilSubject:  "recoveryroom.oracle.fulfil",
		},
		Crank: CrankConfig{
			Interval: time.Minute,
		},
		RateLimit: RateLimitConfig{
			PerSecond: 5,
			Burst:     10,
		},
		Bootstrap: BootstrapConfig{
			RoundDuration:     time.Hour,
			MinLossPercentage: 50,
			MaxEntriesPerUser: 10,
		},
	}
}

// Load reads path (if non-empty and present), applies environment overrides
// and validates the result. The file format follows the extension: .toml is
// TOML, anything else is YAML.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Environment only.
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := decode(path, data, &cfg); err != nil {
				return nil, err
			}
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("failed to unmarshal toml config: %w", err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("%w: port is required", ErrInvalid)
	}
	if c.Program == "" {
		return fmt.Errorf("%w: program is required", ErrInvalid)
	}
	if c.AdminJWTSecret == "" && !c.AllowNoAuth {
		return fmt.Errorf("%w: admin_jwt_secret is required unless allow_no_auth is set", ErrInvalid)
	}
	switch c.UnknownTokenPolicy {
	case model.PolicyStrict, model.PolicyLenient:
	default:
		return fmt.Errorf("%w: unknown_token_policy %q", ErrInvalid, c.UnknownTokenPolicy)
	}

	switch c.Oracle.Kind {
	case OracleManual:
	case OracleBeacon:
		if c.Oracle.BeaconSeed == "" {
			return fmt.Errorf("%w: beacon oracle needs beacon_seed", ErrInvalid)
		}
		if c.BoltPath != "" && c.Oracle.BeaconLogPath == c.BoltPath {
			return fmt.Errorf("%w: beacon_log_path must differ from bolt_path", ErrInvalid)
		}
	case OracleNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("%w: nats oracle needs nats_url", ErrInvalid)
		}
		if c.Oracle.RequestSubject == "" || c.Oracle.FulfilSubject == "" {
			return fmt.Errorf("%w: nats oracle needs request and fulfil subjects", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: oracle kind %q", ErrInvalid, c.Oracle.Kind)
	}

	if c.Crank.Enabled && c.Crank.Interval <= 0 {
		return fmt.Errorf("%w: crank interval must be positive", ErrInvalid)
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst < 1 {
		return fmt.Errorf("%w: rate limit must allow at least one request", ErrInvalid)
	}
	if c.RedisURL != "" && c.CacheTTL <= 0 {
		return fmt.Errorf("%w: cache_ttl must be positive", ErrInvalid)
	}
	return nil
}
