package cashback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/cashback-engine/ledger"
	"golang.org/x/sync/errgroup"
)

// Sweeper expires accrual lots whose expiration date has passed.
type Sweeper struct {
	Store   ledger.Store
	Logger  *slog.Logger
	Now     func() time.Time
	Workers int
}

// SweepReport summarises one organization's sweep.
type SweepReport struct {
	OrganizationID ledger.OrganizationID
	AsOf           time.Time
	ExpiredLots    int
	ExpiredTotal   decimal.Decimal
	StartedAt      time.Time
	CompletedAt    time.Time
	Err            error
}

// Run sweeps every organization, at most Workers at a time. A failing
// organization is reported in its SweepReport and does not stop the
// others. The returned error is only set when the organization list
// cannot be loaded.
func (s *Sweeper) Run(ctx context.Context) ([]SweepReport, error) {
	orgs, err := s.Store.ListOrganizations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}

	workers := s.Workers
	if workers <= 0 {
		workers = 1
	}

	asOf := s.Now()
	reports := make([]SweepReport, len(orgs))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, org := range orgs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				reports[i] = SweepReport{OrganizationID: org.ID, AsOf: asOf, ExpiredTotal: decimal.Zero, Err: err}
				return nil
			}
			report, err := s.SweepOrganization(ctx, org.ID, asOf)
			if err != nil {
				s.Logger.Error("sweep failed", "organization_id", org.ID, "error", err)
			}
			reports[i] = report
			return nil
		})
	}
	// Per-organization failures live in the reports, never in Wait.
	g.Wait()

	return reports, nil
}

// SweepOrganization expires every ACTIVE accrual lot of the organization
// with remaining value and expiresAt <= asOf, all in one unit of work.
// Re-running it finds nothing left to expire.
//
// The lot's full remaining value is subtracted from the client's current
// available balance, which may go negative when redemptions already drew
// the pool down. The result is not clamped.
func (s *Sweeper) SweepOrganization(ctx context.Context, orgID ledger.OrganizationID, asOf time.Time) (SweepReport, error) {
	report := SweepReport{
		OrganizationID: orgID,
		AsOf:           asOf,
		ExpiredTotal:   decimal.Zero,
		StartedAt:      s.Now(),
	}
	log := s.Logger.With("organization_id", orgID)

	var expired int
	var total decimal.Decimal

	err := s.Store.WithTx(ctx, func(uow ledger.UnitOfWork) error {
		expired, total = 0, decimal.Zero

		lots, err := uow.FindActiveAccrualsPastExpiration(ctx, orgID, asOf)
		if err != nil {
			return fmt.Errorf("find expired lots: %w", err)
		}

		now := s.Now()
		for _, lot := range lots {
			value := lot.Remaining()

			balance, err := uow.GetBalance(ctx, lot.Key)
			if err != nil {
				return fmt.Errorf("load balance %s: %w", lot.Key, err)
			}
			before := decimal.Zero
			if balance != nil {
				before = balance.Available
			} else {
				log.Warn("expiring lot without balance row", "transaction_id", lot.ID, "client_id", lot.Key.ClientID)
			}

			if _, err := insertTransaction(ctx, uow, ledger.NewExpiration(lot.Key, value, before, now)); err != nil {
				return err
			}
			if err := uow.ExpireLot(ctx, lot.ID, now); err != nil {
				return fmt.Errorf("expire lot %s: %w", lot.ID, err)
			}
			if balance != nil {
				if _, err := uow.ApplyDelta(ctx, lot.Key, ledger.BalanceDelta{Available: value.Neg()}, now); err != nil {
					return fmt.Errorf("apply expiration: %w", err)
				}
			}

			expired++
			total = total.Add(value)
		}
		return nil
	})

	report.CompletedAt = s.Now()
	if err != nil {
		report.Err = err
		return report, err
	}

	report.ExpiredLots = expired
	report.ExpiredTotal = total
	if expired > 0 {
		log.Info("cashback expired", "lots", expired, "total", total.String(), "as_of", asOf)
	}
	return report, nil
}
