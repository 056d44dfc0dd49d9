package cashback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/cashback-engine/ledger"
)

// RedemptionRequest is what the point-of-interaction kiosk submits.
type RedemptionRequest struct {
	OrganizationID     ledger.OrganizationID
	ClientID           ledger.ClientID
	Amount             decimal.Decimal
	OperatorCredential string
}

type RedemptionResult struct {
	TransactionID       ledger.TransactionID
	NewAvailable        decimal.Decimal
	NewLifetimeRedeemed decimal.Decimal
}

// RedemptionProcessor debits a client's available cashback.
type RedemptionProcessor struct {
	Store         ledger.Store
	Logger        *slog.Logger
	Now           func() time.Time
	Denominations []decimal.Decimal
}

// Redeem validates and applies a withdrawal. The organization, program,
// denomination, credential and balance checks all run in the unit of work
// that debits the balance and return before any write, so two concurrent
// redemptions cannot both spend the same available value.
//
// Redemption draws from the aggregate available pool; it does not reduce
// the remaining value of any accrual lot.
func (p *RedemptionProcessor) Redeem(ctx context.Context, req RedemptionRequest) (*RedemptionResult, error) {
	log := p.Logger.With("organization_id", req.OrganizationID, "client_id", req.ClientID)

	if req.ClientID == "" {
		return nil, fmt.Errorf("%w: client id is required", ledger.ErrInvalidArgument)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: redemption amount must be positive", ledger.ErrInvalidAmount)
	}

	now := p.Now()
	var result *RedemptionResult

	err := p.Store.WithTx(ctx, func(uow ledger.UnitOfWork) error {
		org, err := uow.Organization(ctx, req.OrganizationID)
		if err != nil {
			return fmt.Errorf("load organization: %w", err)
		}
		if org == nil {
			return fmt.Errorf("%w: %s", ledger.ErrOrganizationNotFound, req.OrganizationID)
		}
		program, err := uow.ProgramByOrganization(ctx, req.OrganizationID)
		if err != nil {
			return fmt.Errorf("load program: %w", err)
		}
		if program == nil {
			return fmt.Errorf("%w: %s", ledger.ErrProgramNotFound, req.OrganizationID)
		}

		allowed := p.denominationsFor(program)
		if !containsAmount(allowed, req.Amount) {
			return &ledger.DenominationError{Requested: req.Amount, Allowed: allowed}
		}
		if !VerifyOperatorCredential(*org, req.OperatorCredential) {
			log.Warn("redemption rejected", "reason", "invalid operator credential")
			return ledger.ErrUnauthorized
		}

		key := ledger.BalanceKey{
			OrganizationID: req.OrganizationID,
			ClientID:       req.ClientID,
			ProgramID:      program.ID,
		}
		balance, err := uow.GetBalance(ctx, key)
		if err != nil {
			return fmt.Errorf("load balance: %w", err)
		}
		if balance == nil {
			return fmt.Errorf("%w: %s", ledger.ErrBalanceNotFound, key)
		}
		if balance.Available.LessThan(req.Amount) {
			return &ledger.InsufficientBalanceError{
				Key:       key,
				Available: balance.Available,
				Requested: req.Amount,
			}
		}

		updated, err := uow.ApplyDelta(ctx, key, ledger.BalanceDelta{
			Available: req.Amount.Neg(),
			Redeemed:  req.Amount,
		}, now)
		if err != nil {
			return fmt.Errorf("apply redemption: %w", err)
		}

		id, err := insertTransaction(ctx, uow, ledger.NewRedemption(key, req.Amount, balance.Available, now))
		if err != nil {
			return err
		}

		result = &RedemptionResult{
			TransactionID:       id,
			NewAvailable:        updated.Available,
			NewLifetimeRedeemed: updated.LifetimeRedeemed,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("cashback redeemed",
		"transaction_id", result.TransactionID,
		"amount", req.Amount.String(),
		"available", result.NewAvailable.String(),
	)
	return result, nil
}

func (p *RedemptionProcessor) denominationsFor(program *ledger.Program) []decimal.Decimal {
	if program != nil && len(program.Config.Denominations) > 0 {
		return program.Config.Denominations
	}
	if len(p.Denominations) > 0 {
		return p.Denominations
	}
	return DefaultDenominations
}

func containsAmount(set []decimal.Decimal, v decimal.Decimal) bool {
	for _, d := range set {
		if d.Equal(v) {
			return true
		}
	}
	return false
}
