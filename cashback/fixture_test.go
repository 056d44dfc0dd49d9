package cashback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/warp/cashback-engine/ledger"
	"github.com/warp/cashback-engine/ledger/store"
	"github.com/warp/cashback-engine/logging"
	"github.com/warp/cashback-engine/store/sqlite"
	"golang.org/x/crypto/bcrypt"
)

const (
	testOrg    ledger.OrganizationID = "org-1"
	testClient ledger.ClientID       = "client-1"
	testTaxID                        = "12.345.678/0001-90"
	testPIN                          = "1234"
)

// testClock is a settable clock shared by every engine of a fixture.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store  ledger.Store
	engine *Engine
	clock  *testClock
}

// storeFactories lists every ledger.Store implementation the engine
// tests run against.
func storeFactories() map[string]func(t *testing.T) ledger.Store {
	return map[string]func(t *testing.T) ledger.Store{
		"memory": func(t *testing.T) ledger.Store {
			return store.NewMemory()
		},
		"sqlite": func(t *testing.T) ledger.Store {
			s, err := sqlite.New(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

// eachStore runs fn once per store implementation.
func eachStore(t *testing.T, fn func(t *testing.T, newStore func(t *testing.T) ledger.Store)) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			fn(t, newStore)
		})
	}
}

// newFixture creates an organization with a program using cfg.
func newFixture(t *testing.T, s ledger.Store, cfg ledger.ProgramConfig) *fixture {
	t.Helper()
	ctx := context.Background()

	org, err := NewOrganization(testOrg, "Padaria Central", testTaxID, bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, s.CreateOrganization(ctx, org))
	require.NoError(t, s.SaveProgram(ctx, ledger.Program{OrganizationID: testOrg, Config: cfg}))

	return newEngineFixture(s)
}

func newEngineFixture(s ledger.Store) *fixture {
	clock := &testClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	return &fixture{
		store: s,
		clock: clock,
		engine: New(s, Options{
			Logger:       logging.Discard(),
			Now:          clock.Now,
			SweepWorkers: 2,
		}),
	}
}

func (f *fixture) accrueFixed(t *testing.T, client ledger.ClientID, value int64, rule *ledger.ExpirationRule) *AccrualResult {
	t.Helper()
	res, err := f.engine.Accrual.Accrue(context.Background(), AccrualRequest{
		OrganizationID: testOrg,
		ClientID:       client,
		CampaignID:     "camp-1",
		Kind:           AccrualFixed,
		Value:          decimal.NewFromInt(value),
		Expiration:     rule,
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func (f *fixture) redeem(client ledger.ClientID, amount int64) (*RedemptionResult, error) {
	return f.engine.Redemption.Redeem(context.Background(), RedemptionRequest{
		OrganizationID:     testOrg,
		ClientID:           client,
		Amount:             decimal.NewFromInt(amount),
		OperatorCredential: testPIN,
	})
}

func (f *fixture) balance(t *testing.T, client ledger.ClientID) ledger.Balance {
	t.Helper()
	b, err := f.engine.Queries.Balance(context.Background(), testOrg, client)
	require.NoError(t, err)
	return *b
}

func (f *fixture) ledgerRows(t *testing.T, client ledger.ClientID) []ledger.Transaction {
	t.Helper()
	page, err := f.engine.Queries.ClientTransactions(context.Background(), testOrg, client, ledger.Page{Limit: ledger.MaxPageLimit}, nil)
	require.NoError(t, err)
	return page.Items
}

func (f *fixture) rowsOfKind(t *testing.T, client ledger.ClientID, kind ledger.Kind) []ledger.Transaction {
	t.Helper()
	var out []ledger.Transaction
	for _, tx := range f.ledgerRows(t, client) {
		if tx.Kind == kind {
			out = append(out, tx)
		}
	}
	return out
}

// requireConservation checks available = accumulated - redeemed - expired.
func (f *fixture) requireConservation(t *testing.T, client ledger.ClientID) {
	t.Helper()
	b := f.balance(t, client)

	expired := decimal.Zero
	for _, tx := range f.rowsOfKind(t, client, ledger.KindExpiration) {
		expired = expired.Add(tx.Amount.Abs())
	}
	want := b.LifetimeAccumulated.Sub(b.LifetimeRedeemed).Sub(expired)
	require.True(t, b.Available.Equal(want),
		"available %s != accumulated %s - redeemed %s - expired %s",
		b.Available, b.LifetimeAccumulated, b.LifetimeRedeemed, expired)
}

func money(v int64) decimal.Decimal { return decimal.NewFromInt(v) }
