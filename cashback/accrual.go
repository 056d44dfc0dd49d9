package cashback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/cashback-engine/ledger"
)

// AccrualKind selects how a campaign rule turns into an amount.
type AccrualKind string

const (
	AccrualFixed      AccrualKind = "FIXED"
	AccrualPercentage AccrualKind = "PERCENTAGE"
)

func ParseAccrualKind(s string) (AccrualKind, error) {
	switch k := AccrualKind(strings.ToUpper(strings.TrimSpace(s))); k {
	case AccrualFixed, AccrualPercentage:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ledger.ErrInvalidAccrualKind, s)
}

var hundred = decimal.NewFromInt(100)

// AccrualRequest is what a campaign trigger hands to the engine.
type AccrualRequest struct {
	OrganizationID ledger.OrganizationID
	ClientID       ledger.ClientID
	CampaignID     ledger.CampaignID
	Kind           AccrualKind
	Value          decimal.Decimal

	// SaleValue and SaleID are nil for non-sale triggers (birthday,
	// segment entry...). SaleValue is required for PERCENTAGE.
	SaleValue *decimal.Decimal
	SaleID    *ledger.SaleID

	Expiration *ledger.ExpirationRule
}

// AccrualResult describes a granted accrual.
type AccrualResult struct {
	Amount                 decimal.Decimal
	TransactionID          ledger.TransactionID
	NewAvailable           decimal.Decimal
	NewLifetimeAccumulated decimal.Decimal
	ExpiresAt              time.Time
}

// Amount computes the cashback for the request. A zero amount with a
// non-empty reason means there is nothing to grant.
func (r AccrualRequest) Amount() (decimal.Decimal, string, error) {
	switch r.Kind {
	case AccrualFixed:
		return r.Value, "", nil
	case AccrualPercentage:
		if r.SaleValue == nil || !r.SaleValue.IsPositive() {
			return decimal.Zero, "percentage accrual without a positive sale value", nil
		}
		return r.SaleValue.Mul(r.Value).Div(hundred).Round(ledger.MoneyPlaces), "", nil
	}
	return decimal.Zero, "", fmt.Errorf("%w: %q", ledger.ErrInvalidAccrualKind, r.Kind)
}

// AccrualEngine grants cashback when a campaign trigger fires.
type AccrualEngine struct {
	Store  ledger.Store
	Logger *slog.Logger
	Now    func() time.Time

	// DefaultExpiration applies when neither the request nor the program
	// carries a usable rule.
	DefaultExpiration *ledger.ExpirationRule
}

// Accrue grants cashback to a client. It returns (nil, nil) when there is
// nothing to grant: no program for the organization, a percentage rule
// without a sale value, or a non-positive amount.
//
// Accrue is not idempotent; every call with a positive amount writes a
// new lot. Duplicate triggers are filtered upstream by frequency caps.
func (e *AccrualEngine) Accrue(ctx context.Context, req AccrualRequest) (*AccrualResult, error) {
	log := e.Logger.With(
		"organization_id", req.OrganizationID,
		"client_id", req.ClientID,
		"campaign_id", req.CampaignID,
	)

	if req.ClientID == "" {
		return nil, fmt.Errorf("%w: client id is required", ledger.ErrInvalidArgument)
	}
	// A rule with no value or unit falls back; anything else must be valid.
	if r := req.Expiration; r != nil && r.Value > 0 && r.Unit != "" {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	amount, skip, err := req.Amount()
	if err != nil {
		return nil, err
	}
	if skip != "" {
		log.Info("accrual skipped", "reason", skip)
		return nil, nil
	}
	if !amount.IsPositive() {
		log.Info("accrual skipped", "reason", "non-positive amount", "amount", amount.String())
		return nil, nil
	}

	now := e.Now()
	var result *AccrualResult

	err = e.Store.WithTx(ctx, func(uow ledger.UnitOfWork) error {
		program, err := uow.ProgramByOrganization(ctx, req.OrganizationID)
		if err != nil {
			return fmt.Errorf("load program: %w", err)
		}
		if program == nil {
			log.Info("accrual skipped", "reason", "organization has no cashback program")
			return nil
		}

		key := ledger.BalanceKey{
			OrganizationID: req.OrganizationID,
			ClientID:       req.ClientID,
			ProgramID:      program.ID,
		}
		balance, err := uow.FindOrCreateBalance(ctx, key, now)
		if err != nil {
			return fmt.Errorf("find or create balance: %w", err)
		}

		updated, err := uow.ApplyDelta(ctx, key, ledger.BalanceDelta{
			Available:   amount,
			Accumulated: amount,
		}, now)
		if err != nil {
			return fmt.Errorf("apply accrual: %w", err)
		}

		campaignID := optional(req.CampaignID)
		expiresAt := ledger.ExpiresAt(now, req.Expiration, program.Config.DefaultExpiration, e.DefaultExpiration)
		id, err := insertTransaction(ctx, uow, ledger.NewAccrual(ledger.AccrualParams{
			Key:        key,
			CampaignID: campaignID,
			SaleID:     req.SaleID,
			Amount:     amount,
			Before:     balance.Available,
			ExpiresAt:  expiresAt,
			At:         now,
		}))
		if err != nil {
			return err
		}

		result = &AccrualResult{
			Amount:                 amount,
			TransactionID:          id,
			NewAvailable:           updated.Available,
			NewLifetimeAccumulated: updated.LifetimeAccumulated,
			ExpiresAt:              expiresAt,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result != nil {
		log.Info("cashback accrued",
			"transaction_id", result.TransactionID,
			"amount", result.Amount.String(),
			"available", result.NewAvailable.String(),
			"expires_at", result.ExpiresAt,
		)
	}
	return result, nil
}

func optional[T ~string](v T) *T {
	if v == "" {
		return nil
	}
	return &v
}
