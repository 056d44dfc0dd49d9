package ledger

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = BalanceKey{OrganizationID: "org-1", ClientID: "client-1", ProgramID: "prog-1"}

func TestNewAccrual_SnapshotsAndLot(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	expires := at.AddDate(0, 0, 30)

	tx := NewAccrual(AccrualParams{
		Key:       testKey,
		Amount:    NewMoneyFromInt(15),
		Before:    NewMoneyFromInt(5),
		ExpiresAt: expires,
		At:        at,
	})

	require.NoError(t, tx.Validate())
	assert.Equal(t, KindAccrual, tx.Kind)
	assert.Equal(t, StatusActive, tx.Status())
	assert.True(t, tx.BalanceAfter.Equal(NewMoneyFromInt(20)))
	assert.True(t, tx.Remaining().Equal(NewMoneyFromInt(15)))
	require.NotNil(t, tx.ExpiresAt())
	assert.Equal(t, expires, *tx.ExpiresAt())
}

func TestNewRedemption_IsNegativeAndConsumed(t *testing.T) {
	tx := NewRedemption(testKey, NewMoneyFromInt(10), NewMoneyFromInt(25), time.Now())

	require.NoError(t, tx.Validate())
	assert.True(t, tx.Amount.Equal(NewMoneyFromInt(-10)))
	assert.True(t, tx.BalanceAfter.Equal(NewMoneyFromInt(15)))
	assert.Equal(t, StatusConsumed, tx.Status())
	assert.Nil(t, tx.Lot)
	assert.Nil(t, tx.ExpiresAt())
	assert.True(t, tx.Remaining().IsZero())
}

func TestNewExpiration_SignIsNormalised(t *testing.T) {
	// Passing a negative value still yields a negative offset.
	tx := NewExpiration(testKey, NewMoneyFromInt(-15), NewMoneyFromInt(0), time.Now())

	require.NoError(t, tx.Validate())
	assert.True(t, tx.Amount.Equal(NewMoneyFromInt(-15)))
	assert.True(t, tx.BalanceAfter.Equal(NewMoneyFromInt(-15)))
	assert.Equal(t, StatusExpired, tx.Status())
}

func TestTransactionValidate_RejectsIllegalRows(t *testing.T) {
	now := time.Now()
	accrual := func() Transaction {
		return NewAccrual(AccrualParams{Key: testKey, Amount: NewMoneyFromInt(10), Before: decimal.Zero, At: now})
	}

	tests := []struct {
		name   string
		mutate func(*Transaction)
	}{
		{"snapshot mismatch", func(tx *Transaction) { tx.BalanceAfter = NewMoneyFromInt(99) }},
		{"accrual without lot", func(tx *Transaction) { tx.Lot = nil }},
		{"remaining above amount", func(tx *Transaction) { tx.Lot.Remaining = NewMoneyFromInt(11) }},
		{"negative remaining", func(tx *Transaction) { tx.Lot.Remaining = NewMoneyFromInt(-1) }},
		{"expired with remaining", func(tx *Transaction) { tx.Lot.Expired = true }},
		{"unknown kind", func(tx *Transaction) { tx.Kind = "BONUS" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := accrual()
			tt.mutate(&tx)
			assert.ErrorIs(t, tx.Validate(), ErrIllegalTransactionState)
		})
	}

	t.Run("redemption with lot", func(t *testing.T) {
		tx := NewRedemption(testKey, NewMoneyFromInt(10), NewMoneyFromInt(10), now)
		tx.Lot = &Lot{Remaining: decimal.Zero}
		assert.ErrorIs(t, tx.Validate(), ErrIllegalTransactionState)
	})
}

func TestRestoreStatus(t *testing.T) {
	now := time.Now()

	t.Run("accrual expired", func(t *testing.T) {
		tx := NewAccrual(AccrualParams{Key: testKey, Amount: NewMoneyFromInt(10), Before: decimal.Zero, At: now})
		tx.Lot.Remaining = decimal.Zero
		require.NoError(t, RestoreStatus(&tx, StatusExpired))
		assert.Equal(t, StatusExpired, tx.Status())
		assert.True(t, tx.Status().Terminal())
	})

	t.Run("accrual consumed is illegal", func(t *testing.T) {
		tx := NewAccrual(AccrualParams{Key: testKey, Amount: NewMoneyFromInt(10), Before: decimal.Zero, At: now})
		assert.ErrorIs(t, RestoreStatus(&tx, StatusConsumed), ErrIllegalTransactionState)
	})

	t.Run("redemption active is illegal", func(t *testing.T) {
		tx := NewRedemption(testKey, NewMoneyFromInt(10), NewMoneyFromInt(10), now)
		assert.ErrorIs(t, RestoreStatus(&tx, StatusActive), ErrIllegalTransactionState)
	})

	t.Run("expiration expired", func(t *testing.T) {
		tx := NewExpiration(testKey, NewMoneyFromInt(10), NewMoneyFromInt(10), now)
		assert.NoError(t, RestoreStatus(&tx, StatusExpired))
	})
}

func TestBalanceApply(t *testing.T) {
	now := time.Now()
	b := NewBalance(testKey, now)

	b, err := b.Apply(BalanceDelta{Available: NewMoneyFromInt(20), Accumulated: NewMoneyFromInt(20)}, now)
	require.NoError(t, err)
	b, err = b.Apply(BalanceDelta{Available: NewMoneyFromInt(-10), Redeemed: NewMoneyFromInt(10)}, now)
	require.NoError(t, err)

	assert.True(t, b.Available.Equal(NewMoneyFromInt(10)))
	assert.True(t, b.LifetimeAccumulated.Equal(NewMoneyFromInt(20)))
	assert.True(t, b.LifetimeRedeemed.Equal(NewMoneyFromInt(10)))

	_, err = b.Apply(BalanceDelta{Accumulated: NewMoneyFromInt(-1)}, now)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestPageNormalize(t *testing.T) {
	assert.Equal(t, Page{Limit: DefaultPageLimit}, Page{}.Normalize())
	assert.Equal(t, Page{Limit: MaxPageLimit, Offset: 0}, Page{Limit: 10_000, Offset: -3}.Normalize())
	assert.Equal(t, Page{Limit: 5, Offset: 10}, Page{Limit: 5, Offset: 10}.Normalize())
}

func TestDateRangeContains(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	r := &DateRange{From: from, To: to}

	assert.True(t, r.Contains(from))
	assert.True(t, r.Contains(to))
	assert.False(t, r.Contains(from.Add(-time.Second)))
	assert.False(t, r.Contains(to.Add(time.Second)))

	var open *DateRange
	assert.True(t, open.Contains(time.Now()))
}

func TestParseRankBy(t *testing.T) {
	by, err := ParseRankBy("")
	require.NoError(t, err)
	assert.Equal(t, RankByAccumulated, by)

	by, err = ParseRankBy("redeemed")
	require.NoError(t, err)
	assert.Equal(t, RankByRedeemed, by)

	_, err = ParseRankBy("balance")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestErrorHelpers(t *testing.T) {
	insufficient := &InsufficientBalanceError{Key: testKey, Available: NewMoneyFromInt(5), Requested: NewMoneyFromInt(10)}
	assert.True(t, errors.Is(insufficient, ErrInsufficientBalance))
	assert.True(t, IsClientError(insufficient))
	assert.Contains(t, insufficient.Error(), "available 5")

	denom := &DenominationError{Requested: NewMoneyFromInt(25)}
	assert.True(t, IsClientError(denom))
	assert.False(t, IsNotFound(denom))

	assert.True(t, IsNotFound(ErrBalanceNotFound))
	assert.True(t, IsUnauthorized(ErrUnauthorized))
	assert.False(t, IsClientError(ErrLedgerInsert))
	assert.True(t, IsConflict(fmt.Errorf("%w: org-1", ErrOrganizationExists)))
	assert.False(t, IsConflict(ErrOrganizationNotFound))
}
