/*
Package cashback implements the cashback ledger engines.

COMPONENTS:
  AccrualEngine:       Grants cashback from a campaign trigger
  RedemptionProcessor: Withdraws cashback at a point-of-interaction kiosk
  Sweeper:             Expires overdue accrual lots, one unit of work per org
  Queries:             Read-only balance, ledger and ranking views

ATOMICITY:
  Each engine call runs inside one ledger.Store.WithTx. The balance row is
  read, the new value computed and both the balance and the ledger row are
  written before commit; any failure rolls back every write.

LOT TRACKING:
  Redemptions draw from the aggregate available pool and never touch the
  remaining value of individual accrual lots. Expiration subtracts a lot's
  full remaining value from whatever is available at that moment, so a
  client who already spent the lot ends with a negative balance. The
  sweeper surfaces that instead of clamping it.

USAGE:
  engine := cashback.New(store, cashback.Options{Logger: logger})
  res, err := engine.Accrual.Accrue(ctx, cashback.AccrualRequest{...})
  reports, err := engine.Sweeper.Run(ctx)

SEE ALSO:
  - ledger/: Domain types and store interfaces
  - api/: HTTP surface and sweep scheduler
*/
package cashback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/cashback-engine/ledger"
)

// DefaultDenominations is the kiosk redemption set when a program does not
// configure its own.
var DefaultDenominations = []decimal.Decimal{
	decimal.NewFromInt(10),
	decimal.NewFromInt(20),
	decimal.NewFromInt(30),
	decimal.NewFromInt(50),
}

// Options configures every engine built by New.
type Options struct {
	Logger *slog.Logger

	// Now defaults to time.Now in UTC.
	Now func() time.Time

	// Denominations defaults to DefaultDenominations.
	Denominations []decimal.Decimal

	// DefaultExpiration is the server-wide accrual expiry when a program
	// has none. Defaults to ledger.DefaultExpirationDays days.
	DefaultExpiration *ledger.ExpirationRule

	// SweepWorkers bounds how many organizations are swept in parallel.
	SweepWorkers int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if len(o.Denominations) == 0 {
		o.Denominations = DefaultDenominations
	}
	if o.SweepWorkers <= 0 {
		o.SweepWorkers = 1
	}
	if !o.DefaultExpiration.Usable() {
		o.DefaultExpiration = &ledger.ExpirationRule{Value: ledger.DefaultExpirationDays, Unit: ledger.UnitDays}
	}
	return o
}

// Engine groups the components that share one store.
type Engine struct {
	Accrual    *AccrualEngine
	Redemption *RedemptionProcessor
	Sweeper    *Sweeper
	Queries    *Queries
}

func New(store ledger.Store, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		Accrual: &AccrualEngine{
			Store:             store,
			Logger:            opts.Logger.With("component", "accrual"),
			Now:               opts.Now,
			DefaultExpiration: opts.DefaultExpiration,
		},
		Redemption: &RedemptionProcessor{
			Store:         store,
			Logger:        opts.Logger.With("component", "redemption"),
			Now:           opts.Now,
			Denominations: opts.Denominations,
		},
		Sweeper: &Sweeper{
			Store:   store,
			Logger:  opts.Logger.With("component", "sweeper"),
			Now:     opts.Now,
			Workers: opts.SweepWorkers,
		},
		Queries: &Queries{Store: store},
	}
}

func insertTransaction(ctx context.Context, uow ledger.UnitOfWork, tx ledger.Transaction) (ledger.TransactionID, error) {
	id, err := uow.InsertTransaction(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("insert %s: %w", tx.Kind, err)
	}
	if id == "" {
		return "", ledger.ErrLedgerInsert
	}
	return id, nil
}
