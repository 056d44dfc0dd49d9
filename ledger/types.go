/*
Package ledger provides the cashback ledger domain model.

PURPOSE:
  This package holds the types shared by every cashback engine: programs,
  per-client balances and the transaction ledger. It has no knowledge of
  HTTP or of a specific database; engines in package cashback read and
  write these types through the interfaces in store.go.

KEY CONCEPTS IN THIS FILE (types.go):
  - Program: One cashback program per organization (tenant)
  - Balance: Running totals per (organization, client, program)
  - Transaction: A ledger row with a before/after balance snapshot
  - Kind/Status: Closed variants; illegal combinations are unrepresentable

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal for every monetary value
  2. Type Safety: Distinct ID types for organizations, clients and programs
  3. Auditability: Every row snapshots the available balance around it
  4. Append-mostly: Only an ACCRUAL lot may change after insert (expiration)

USAGE:
  tx := ledger.NewAccrual(ledger.AccrualParams{
      Key:        key,
      Amount:     ledger.NewMoney(15),
      Before:     balance.Available,
      ExpiresAt:  now.AddDate(0, 0, 30),
  })

SEE ALSO:
  - store.go: BalanceStore, LedgerStore and UnitOfWork interfaces
  - errors.go: Error taxonomy
  - expiration.go: Expiration rules
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// MoneyPlaces is the number of decimal places kept on computed amounts.
const MoneyPlaces = 2

func NewMoney(value float64) decimal.Decimal {
	return decimal.NewFromFloat(value)
}

func NewMoneyFromInt(value int64) decimal.Decimal {
	return decimal.NewFromInt(value)
}

// MustParseMoney parses s and returns zero when s is not a number.
func MustParseMoney(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OrganizationID string
type ClientID string
type ProgramID string
type TransactionID string
type CampaignID string
type SaleID string

// BalanceKey identifies the single balance row of a client within a program.
type BalanceKey struct {
	OrganizationID OrganizationID
	ClientID       ClientID
	ProgramID      ProgramID
}

func (k BalanceKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.OrganizationID, k.ClientID, k.ProgramID)
}

// =============================================================================
// ORGANIZATION & PROGRAM
// =============================================================================

// Organization is the tenant. The engine only needs enough of it to
// validate the kiosk operator credential.
type Organization struct {
	ID              OrganizationID
	Name            string
	TaxID           string
	OperatorPINHash string
	CreatedAt       time.Time
}

// Program is the cashback program of an organization. At most one exists
// per organization.
type Program struct {
	ID             ProgramID
	OrganizationID OrganizationID
	Config         ProgramConfig
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProgramConfig carries the accrual defaults of a program.
type ProgramConfig struct {
	// DefaultExpiration applies when an accrual does not carry its own rule.
	DefaultExpiration *ExpirationRule

	// Denominations overrides the redemption denomination set when non-empty.
	Denominations []decimal.Decimal
}

// =============================================================================
// BALANCE
// =============================================================================

// Balance holds the running totals of one client within one program.
// Available may go negative when an expiration lands on a pool already
// drawn down by redemptions; it is never clamped.
type Balance struct {
	Key                 BalanceKey
	Available           decimal.Decimal
	LifetimeAccumulated decimal.Decimal
	LifetimeRedeemed    decimal.Decimal
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NewBalance returns an all-zero balance for key.
func NewBalance(key BalanceKey, now time.Time) Balance {
	return Balance{
		Key:                 key,
		Available:           decimal.Zero,
		LifetimeAccumulated: decimal.Zero,
		LifetimeRedeemed:    decimal.Zero,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// BalanceDelta is a change applied to a balance row.
type BalanceDelta struct {
	Available   decimal.Decimal
	Accumulated decimal.Decimal
	Redeemed    decimal.Decimal
}

// Apply returns b with d applied. Lifetime totals never decrease.
func (b Balance) Apply(d BalanceDelta, now time.Time) (Balance, error) {
	if d.Accumulated.IsNegative() || d.Redeemed.IsNegative() {
		return b, fmt.Errorf("%w: lifetime totals cannot decrease", ErrInvalidAmount)
	}
	b.Available = b.Available.Add(d.Available)
	b.LifetimeAccumulated = b.LifetimeAccumulated.Add(d.Accumulated)
	b.LifetimeRedeemed = b.LifetimeRedeemed.Add(d.Redeemed)
	b.UpdatedAt = now
	return b, nil
}

// =============================================================================
// KIND & STATUS - closed variants
// =============================================================================

type Kind string

const (
	KindAccrual    Kind = "ACCRUAL"
	KindRedemption Kind = "REDEMPTION"
	KindExpiration Kind = "EXPIRATION"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindAccrual, KindRedemption, KindExpiration:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrIllegalTransactionState, s)
}

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusConsumed Status = "CONSUMED"
	StatusExpired  Status = "EXPIRED"
)

func (s Status) Terminal() bool { return s == StatusConsumed || s == StatusExpired }

// Lot is the mutable part of an ACCRUAL row. Only accruals carry one.
type Lot struct {
	Remaining decimal.Decimal
	ExpiresAt time.Time
	Expired   bool
}

// =============================================================================
// TRANSACTION - ledger row
// =============================================================================

// Transaction is one monetary event. Construct it with NewAccrual,
// NewRedemption or NewExpiration so kind, status, sign and snapshots
// are always consistent.
type Transaction struct {
	ID            TransactionID
	Key           BalanceKey
	SaleID        *SaleID
	CampaignID    *CampaignID
	Kind          Kind
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Lot           *Lot
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Status derives the lifecycle status from the kind and lot state.
func (t Transaction) Status() Status {
	switch t.Kind {
	case KindRedemption:
		return StatusConsumed
	case KindExpiration:
		return StatusExpired
	}
	if t.Lot != nil && t.Lot.Expired {
		return StatusExpired
	}
	return StatusActive
}

// Remaining is the unexpired value of an accrual lot; zero for other kinds.
func (t Transaction) Remaining() decimal.Decimal {
	if t.Lot == nil {
		return decimal.Zero
	}
	return t.Lot.Remaining
}

// ExpiresAt is only set on accruals.
func (t Transaction) ExpiresAt() *time.Time {
	if t.Lot == nil {
		return nil
	}
	at := t.Lot.ExpiresAt
	return &at
}

type AccrualParams struct {
	Key        BalanceKey
	CampaignID *CampaignID
	SaleID     *SaleID
	Amount     decimal.Decimal
	Before     decimal.Decimal
	ExpiresAt  time.Time
	At         time.Time
}

func NewAccrual(p AccrualParams) Transaction {
	return Transaction{
		Key:           p.Key,
		SaleID:        p.SaleID,
		CampaignID:    p.CampaignID,
		Kind:          KindAccrual,
		Amount:        p.Amount,
		BalanceBefore: p.Before,
		BalanceAfter:  p.Before.Add(p.Amount),
		Lot:           &Lot{Remaining: p.Amount, ExpiresAt: p.ExpiresAt},
		CreatedAt:     p.At,
		UpdatedAt:     p.At,
	}
}

// NewRedemption records a withdrawal of amount (a positive value).
func NewRedemption(key BalanceKey, amount, before decimal.Decimal, at time.Time) Transaction {
	return newOffset(key, KindRedemption, amount, before, at)
}

// NewExpiration records the forfeiture of amount (a positive value).
func NewExpiration(key BalanceKey, amount, before decimal.Decimal, at time.Time) Transaction {
	return newOffset(key, KindExpiration, amount, before, at)
}

func newOffset(key BalanceKey, kind Kind, amount, before decimal.Decimal, at time.Time) Transaction {
	delta := amount.Abs().Neg()
	return Transaction{
		Key:           key,
		Kind:          kind,
		Amount:        delta,
		BalanceBefore: before,
		BalanceAfter:  before.Add(delta),
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

// Validate checks the row invariants. Stores call it on insert and load.
func (t Transaction) Validate() error {
	if !t.BalanceAfter.Sub(t.BalanceBefore).Equal(t.Amount) {
		return fmt.Errorf("%w: snapshot %s -> %s does not match amount %s",
			ErrIllegalTransactionState, t.BalanceBefore, t.BalanceAfter, t.Amount)
	}
	switch t.Kind {
	case KindAccrual:
		if t.Lot == nil {
			return fmt.Errorf("%w: accrual without lot", ErrIllegalTransactionState)
		}
		if !t.Amount.IsPositive() {
			return fmt.Errorf("%w: accrual amount must be positive", ErrIllegalTransactionState)
		}
		if t.Lot.Remaining.IsNegative() || t.Lot.Remaining.GreaterThan(t.Amount) {
			return fmt.Errorf("%w: remaining %s outside [0, %s]", ErrIllegalTransactionState, t.Lot.Remaining, t.Amount)
		}
		if t.Lot.Expired && !t.Lot.Remaining.IsZero() {
			return fmt.Errorf("%w: expired lot with remaining value", ErrIllegalTransactionState)
		}
	case KindRedemption, KindExpiration:
		if t.Lot != nil {
			return fmt.Errorf("%w: %s row cannot carry a lot", ErrIllegalTransactionState, t.Kind)
		}
		if t.Amount.IsPositive() {
			return fmt.Errorf("%w: %s amount must not be positive", ErrIllegalTransactionState, t.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrIllegalTransactionState, t.Kind)
	}
	return nil
}

// RestoreStatus rebuilds the closed variant from persisted kind and status.
// It rejects combinations the constructors can never produce.
func RestoreStatus(t *Transaction, status Status) error {
	switch t.Kind {
	case KindAccrual:
		if t.Lot == nil {
			return fmt.Errorf("%w: accrual without lot", ErrIllegalTransactionState)
		}
		switch status {
		case StatusActive:
			t.Lot.Expired = false
		case StatusExpired:
			t.Lot.Expired = true
		default:
			return fmt.Errorf("%w: accrual with status %s", ErrIllegalTransactionState, status)
		}
	case KindRedemption:
		if status != StatusConsumed {
			return fmt.Errorf("%w: redemption with status %s", ErrIllegalTransactionState, status)
		}
	case KindExpiration:
		if status != StatusExpired {
			return fmt.Errorf("%w: expiration with status %s", ErrIllegalTransactionState, status)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrIllegalTransactionState, t.Kind)
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Page is offset pagination. Limit <= 0 means DefaultPageLimit.
type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// DateRange filters on insert time, inclusive on both ends. Zero bounds are open.
type DateRange struct {
	From time.Time
	To   time.Time
}

func (r *DateRange) Contains(t time.Time) bool {
	if r == nil {
		return true
	}
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// TransactionPage is a page of ledger rows plus the unpaginated count.
type TransactionPage struct {
	Items []Transaction
	Total int
}

// RankBy selects the lifetime total used to rank clients.
type RankBy string

const (
	RankByAccumulated RankBy = "accumulated"
	RankByRedeemed    RankBy = "redeemed"
)

func ParseRankBy(s string) (RankBy, error) {
	switch r := RankBy(s); r {
	case RankByAccumulated, RankByRedeemed:
		return r, nil
	case "":
		return RankByAccumulated, nil
	}
	return "", fmt.Errorf("%w: unknown ranking %q", ErrInvalidArgument, s)
}
