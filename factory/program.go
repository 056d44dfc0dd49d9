/*
Package factory provides JSON to Go cashback program conversion.

PURPOSE:
  Converts JSON program configurations into ledger.ProgramConfig values
  and back. The settings screen and the database both hold the JSON form;
  the engines only ever see the validated Go struct.

JSON SCHEMA:
  {
    "default_expiration": {"value": 3, "unit": "months"},
    "denominations": [10, 20, 30, 50]
  }

  Both fields are optional. Without default_expiration an accrual that
  carries no rule of its own expires after 30 days. Without denominations
  the kiosk accepts the server-wide set.

KEY FEATURES:
  - Validates units and positive values
  - Rejects duplicate or non-positive denominations
  - Round-trips: Encode(Parse(x)) is stable

USAGE:
  f := factory.NewProgramFactory()
  cfg, err := f.ParseProgram(`{"default_expiration":{"value":60,"unit":"days"}}`)
  store.SaveProgram(ctx, ledger.Program{OrganizationID: org, Config: cfg})

SEE ALSO:
  - ledger/types.go: ProgramConfig
  - store/sqlite/sqlite.go: Persists the encoded form
*/
package factory

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"github.com/warp/cashback-engine/ledger"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// ProgramJSON is the JSON representation of a program configuration.
type ProgramJSON struct {
	DefaultExpiration *ExpirationJSON   `json:"default_expiration,omitempty"`
	Denominations     []decimal.Decimal `json:"denominations,omitempty"`
}

// ExpirationJSON represents an expiration rule.
type ExpirationJSON struct {
	Value int    `json:"value"`
	Unit  string `json:"unit"` // days, weeks, months, years
}

// =============================================================================
// PROGRAM FACTORY
// =============================================================================

// ProgramFactory converts JSON program configurations to Go structs.
type ProgramFactory struct{}

func NewProgramFactory() *ProgramFactory {
	return &ProgramFactory{}
}

// ParseProgram parses and validates a JSON configuration. An empty string
// yields the zero configuration.
func (f *ProgramFactory) ParseProgram(jsonStr string) (ledger.ProgramConfig, error) {
	if jsonStr == "" {
		return ledger.ProgramConfig{}, nil
	}
	var pj ProgramJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return ledger.ProgramConfig{}, fmt.Errorf("%w: invalid program JSON: %v", ledger.ErrInvalidArgument, err)
	}
	return f.FromJSON(pj)
}

// FromJSON validates an already decoded configuration.
func (f *ProgramFactory) FromJSON(pj ProgramJSON) (ledger.ProgramConfig, error) {
	var cfg ledger.ProgramConfig

	if pj.DefaultExpiration != nil {
		unit, err := ledger.ParseExpirationUnit(pj.DefaultExpiration.Unit)
		if err != nil {
			return cfg, err
		}
		rule := ledger.ExpirationRule{Value: pj.DefaultExpiration.Value, Unit: unit}
		if err := rule.Validate(); err != nil {
			return cfg, fmt.Errorf("default_expiration: %w", err)
		}
		cfg.DefaultExpiration = &rule
	}

	seen := make(map[string]bool, len(pj.Denominations))
	for _, d := range pj.Denominations {
		if !d.IsPositive() {
			return cfg, fmt.Errorf("%w: denomination %s must be positive", ledger.ErrInvalidArgument, d)
		}
		k := d.String()
		if seen[k] {
			return cfg, fmt.Errorf("%w: duplicate denomination %s", ledger.ErrInvalidArgument, d)
		}
		seen[k] = true
		cfg.Denominations = append(cfg.Denominations, d)
	}
	sort.Slice(cfg.Denominations, func(i, j int) bool {
		return cfg.Denominations[i].LessThan(cfg.Denominations[j])
	})

	return cfg, nil
}

// ToJSON converts a configuration back to its JSON form.
func (f *ProgramFactory) ToJSON(cfg ledger.ProgramConfig) ProgramJSON {
	var pj ProgramJSON
	if cfg.DefaultExpiration != nil {
		pj.DefaultExpiration = &ExpirationJSON{
			Value: cfg.DefaultExpiration.Value,
			Unit:  string(cfg.DefaultExpiration.Unit),
		}
	}
	pj.Denominations = append(pj.Denominations, cfg.Denominations...)
	return pj
}

// Encode serializes a configuration for storage.
func (f *ProgramFactory) Encode(cfg ledger.ProgramConfig) (string, error) {
	data, err := json.Marshal(f.ToJSON(cfg))
	if err != nil {
		return "", fmt.Errorf("encode program config: %w", err)
	}
	return string(data), nil
}
