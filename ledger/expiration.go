package ledger

import (
	"fmt"
	"strings"
	"time"
)

// DefaultExpirationDays applies when neither the accrual nor the program
// carries an expiration rule.
const DefaultExpirationDays = 30

type ExpirationUnit string

const (
	UnitDays   ExpirationUnit = "days"
	UnitWeeks  ExpirationUnit = "weeks"
	UnitMonths ExpirationUnit = "months"
	UnitYears  ExpirationUnit = "years"
)

// ParseExpirationUnit accepts singular and plural forms, case-insensitive.
func ParseExpirationUnit(s string) (ExpirationUnit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "day", "days":
		return UnitDays, nil
	case "week", "weeks":
		return UnitWeeks, nil
	case "month", "months":
		return UnitMonths, nil
	case "year", "years":
		return UnitYears, nil
	}
	return "", fmt.Errorf("%w: unknown expiration unit %q", ErrInvalidArgument, s)
}

// ExpirationRule is "value units after accrual".
type ExpirationRule struct {
	Value int
	Unit  ExpirationUnit
}

// MaxExpirationYears bounds how far ahead a lot may expire. Stored
// timestamps need a four-digit year to compare correctly.
const MaxExpirationYears = 100

var maxRuleValue = map[ExpirationUnit]int{
	UnitDays:   MaxExpirationYears * 366,
	UnitWeeks:  MaxExpirationYears * 53,
	UnitMonths: MaxExpirationYears * 12,
	UnitYears:  MaxExpirationYears,
}

// Validate rejects unknown units and values outside [1, MaxExpirationYears].
func (r ExpirationRule) Validate() error {
	limit, ok := maxRuleValue[r.Unit]
	if !ok {
		return fmt.Errorf("%w: unknown expiration unit %q", ErrInvalidArgument, r.Unit)
	}
	if r.Value <= 0 || r.Value > limit {
		return fmt.Errorf("%w: expiration of %d %s must be between 1 and %d",
			ErrInvalidArgument, r.Value, r.Unit, limit)
	}
	return nil
}

// Usable reports whether the rule can compute a date.
func (r *ExpirationRule) Usable() bool {
	return r != nil && r.Validate() == nil
}

// From returns from shifted by the rule. Callers check Usable first.
func (r ExpirationRule) From(from time.Time) time.Time {
	switch r.Unit {
	case UnitWeeks:
		return from.AddDate(0, 0, 7*r.Value)
	case UnitMonths:
		return from.AddDate(0, r.Value, 0)
	case UnitYears:
		return from.AddDate(r.Value, 0, 0)
	default:
		return from.AddDate(0, 0, r.Value)
	}
}

// ExpiresAt resolves the expiration date of an accrual made at now: the
// first usable rule wins, otherwise DefaultExpirationDays.
func ExpiresAt(now time.Time, rules ...*ExpirationRule) time.Time {
	for _, r := range rules {
		if r.Usable() {
			return r.From(now)
		}
	}
	return now.AddDate(0, 0, DefaultExpirationDays)
}
