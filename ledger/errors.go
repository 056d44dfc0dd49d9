/*
errors.go - Centralized error types for the cashback ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Engines wrap these errors with additional context; the API layer maps
  them to HTTP status codes with the helpers at the bottom of this file.

ERROR CATEGORIES:
  1. Authorization - bad operator credential at the kiosk
  2. Not found - missing organization, program or balance
  3. Validation - malformed amount, denomination, insufficient balance
  4. Store - ledger insert failures and illegal row states

NO-OPS ARE NOT ERRORS:
  An accrual with nothing to grant (no program, no sale value for a
  percentage rule, non-positive amount) returns a nil result and a nil
  error. Those are valid campaign configurations, not failures.

SEE ALSO:
  - cashback/redemption.go: Raises most validation errors
  - api/handlers.go: Maps errors to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnauthorized is returned when the operator credential does not
	// match the organization secret.
	ErrUnauthorized = errors.New("unauthorized")

	ErrOrganizationNotFound = errors.New("organization not found")
	ErrProgramNotFound      = errors.New("cashback program not found")
	ErrBalanceNotFound      = errors.New("balance not found")
	ErrTransactionNotFound  = errors.New("transaction not found")

	// ErrOrganizationExists is returned when creating an organization whose
	// ID is already taken.
	ErrOrganizationExists = errors.New("organization already exists")

	// ErrInsufficientBalance is returned when a redemption exceeds the
	// available balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidDenomination is returned when a redemption amount is not
	// one of the allowed kiosk denominations.
	ErrInvalidDenomination = errors.New("amount is not an allowed denomination")

	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidAccrualKind = errors.New("invalid accrual kind")
	ErrInvalidArgument    = errors.New("invalid argument")

	// ErrLedgerInsert is returned when the store accepts a ledger row but
	// yields no identifier. The enclosing unit of work is rolled back.
	ErrLedgerInsert = errors.New("ledger insert returned no identifier")

	// ErrLotNotActive is returned when expiring a lot that is already terminal.
	ErrLotNotActive = errors.New("accrual lot is not active")

	// ErrIllegalTransactionState is returned for kind/status/amount
	// combinations the ledger constructors never produce.
	ErrIllegalTransactionState = errors.New("illegal transaction state")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	Key       BalanceKey
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s",
		e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// DenominationError lists the denominations that would have been accepted.
type DenominationError struct {
	Requested decimal.Decimal
	Allowed   []decimal.Decimal
}

func (e *DenominationError) Error() string {
	return fmt.Sprintf("amount %s is not an allowed denomination %v", e.Requested, e.Allowed)
}

func (e *DenominationError) Unwrap() error {
	return ErrInvalidDenomination
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidDenomination) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidAccrualKind) ||
		errors.Is(err, ErrInvalidArgument)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrganizationNotFound) ||
		errors.Is(err, ErrProgramNotFound) ||
		errors.Is(err, ErrBalanceNotFound) ||
		errors.Is(err, ErrTransactionNotFound)
}

func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsConflict returns true if the error reports an already existing resource.
func IsConflict(err error) bool {
	return errors.Is(err, ErrOrganizationExists)
}
