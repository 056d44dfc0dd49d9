// Package config loads the cashback server configuration from a YAML file.
// Command-line flags in cmd/server override individual values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/cashback-engine/ledger"
	"gopkg.in/yaml.v3"
)

// Config represents the contents of the server YAML file.
type Config struct {
	Port     int    `yaml:"port"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	Sweep      SweepConfig      `yaml:"sweep"`
	Accrual    AccrualConfig    `yaml:"accrual"`
	Redemption RedemptionConfig `yaml:"redemption"`
	CORS       CORSConfig       `yaml:"cors"`
}

// SweepConfig controls the scheduled expiration sweep.
type SweepConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Workers  int           `yaml:"workers"`
}

type AccrualConfig struct {
	// DefaultExpirationDays applies to programs without their own rule.
	DefaultExpirationDays int `yaml:"default_expiration_days"`
}

type RedemptionConfig struct {
	// Denominations is the server-wide kiosk set. Programs may override it.
	Denominations []float64 `yaml:"denominations"`
	// BcryptCost is used when hashing operator PINs of new organizations.
	BcryptCost int `yaml:"bcrypt_cost"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Port:     8080,
		DBPath:   "cashback.db",
		LogLevel: "info",
		Sweep: SweepConfig{
			Enabled:  true,
			Interval: 24 * time.Hour,
			Workers:  1,
		},
		Accrual: AccrualConfig{
			DefaultExpirationDays: ledger.DefaultExpirationDays,
		},
		Redemption: RedemptionConfig{
			Denominations: []float64{10, 20, 30, 50},
			BcryptCost:    10,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
	}
}

// Load reads path on top of Default. An empty path returns the defaults;
// a missing file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Sweep.Enabled && c.Sweep.Interval <= 0 {
		return fmt.Errorf("sweep.interval must be positive")
	}
	if err := c.DefaultExpiration().Validate(); err != nil {
		return fmt.Errorf("accrual.default_expiration_days: %w", err)
	}
	for _, d := range c.Redemption.Denominations {
		if d <= 0 {
			return fmt.Errorf("redemption denomination %v must be positive", d)
		}
	}
	return nil
}

// DenominationSet converts the configured denominations to decimals.
func (c *Config) DenominationSet() []decimal.Decimal {
	set := make([]decimal.Decimal, 0, len(c.Redemption.Denominations))
	for _, d := range c.Redemption.Denominations {
		set = append(set, decimal.NewFromFloat(d))
	}
	return set
}

// DefaultExpiration returns the server-wide accrual expiration rule.
func (c *Config) DefaultExpiration() *ledger.ExpirationRule {
	return &ledger.ExpirationRule{Value: c.Accrual.DefaultExpirationDays, Unit: ledger.UnitDays}
}
