package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/cashback-engine/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedProgram(t *testing.T, s *Store, cfg ledger.ProgramConfig) ledger.BalanceKey {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateOrganization(ctx, ledger.Organization{
		ID: "org-1", Name: "Padaria", TaxID: "12345678000190", OperatorPINHash: "hash",
	}))
	require.NoError(t, s.SaveProgram(ctx, ledger.Program{OrganizationID: "org-1", Config: cfg}))
	p, err := s.GetProgram(ctx, "org-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	return ledger.BalanceKey{OrganizationID: "org-1", ClientID: "client-1", ProgramID: p.ID}
}

func insertAccrual(t *testing.T, s *Store, key ledger.BalanceKey, amount int64, at time.Time) ledger.TransactionID {
	t.Helper()
	ctx := context.Background()
	var id ledger.TransactionID
	err := s.WithTx(ctx, func(uow ledger.UnitOfWork) error {
		b, err := uow.FindOrCreateBalance(ctx, key, at)
		if err != nil {
			return err
		}
		v := decimal.NewFromInt(amount)
		if _, err := uow.ApplyDelta(ctx, key, ledger.BalanceDelta{Available: v, Accumulated: v}, at); err != nil {
			return err
		}
		id, err = uow.InsertTransaction(ctx, ledger.NewAccrual(ledger.AccrualParams{
			Key: key, Amount: v, Before: b.Available, ExpiresAt: at.AddDate(0, 0, 30), At: at,
		}))
		return err
	})
	require.NoError(t, err)
	return id
}

func TestNew_MigratesFileDatabaseOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cashback.db")

	s, err := New(path)
	require.NoError(t, err)
	key := seedProgram(t, s, ledger.ProgramConfig{})
	insertAccrual(t, s, key, 10, time.Now().UTC())
	require.NoError(t, s.Close())

	// Reopening runs goose again without touching existing data.
	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()

	b, err := s.GetBalanceForClient(ctx, "org-1", "client-1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.True(t, b.Available.Equal(decimal.NewFromInt(10)))
}

func TestOrganization_CreateAndList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, id := range []ledger.OrganizationID{"org-b", "org-a"} {
		require.NoError(t, s.CreateOrganization(ctx, ledger.Organization{
			ID: id, Name: string(id), TaxID: "1234", OperatorPINHash: "h", CreatedAt: created,
		}))
	}

	orgs, err := s.ListOrganizations(ctx)
	require.NoError(t, err)
	require.Len(t, orgs, 2)
	assert.Equal(t, ledger.OrganizationID("org-a"), orgs[0].ID)
	assert.Equal(t, created, orgs[0].CreatedAt)

	missing, err := s.GetOrganization(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestProgram_ConfigPersistsAndIDIsStable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	key := seedProgram(t, s, ledger.ProgramConfig{})

	cfg := ledger.ProgramConfig{
		DefaultExpiration: &ledger.ExpirationRule{Value: 2, Unit: ledger.UnitMonths},
		Denominations:     []decimal.Decimal{decimal.NewFromInt(5), decimal.NewFromInt(15)},
	}
	require.NoError(t, s.SaveProgram(ctx, ledger.Program{OrganizationID: "org-1", Config: cfg}))

	p, err := s.GetProgram(ctx, "org-1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, key.ProgramID, p.ID, "updating config keeps the program id")
	require.NotNil(t, p.Config.DefaultExpiration)
	assert.Equal(t, ledger.UnitMonths, p.Config.DefaultExpiration.Unit)
	require.Len(t, p.Config.Denominations, 2)

	err = s.SaveProgram(ctx, ledger.Program{OrganizationID: "missing"})
	assert.ErrorIs(t, err, ledger.ErrOrganizationNotFound)

	none, err := s.GetProgram(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestWithTx_RollsBackEveryWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := seedProgram(t, s, ledger.ProgramConfig{})
	now := time.Now().UTC()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(uow ledger.UnitOfWork) error {
		if _, err := uow.FindOrCreateBalance(ctx, key, now); err != nil {
			return err
		}
		v := decimal.NewFromInt(10)
		if _, err := uow.ApplyDelta(ctx, key, ledger.BalanceDelta{Available: v, Accumulated: v}, now); err != nil {
			return err
		}
		if _, err := uow.InsertTransaction(ctx, ledger.NewAccrual(ledger.AccrualParams{
			Key: key, Amount: v, Before: decimal.Zero, ExpiresAt: now, At: now,
		})); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	b, err := s.GetBalanceForClient(ctx, "org-1", "client-1")
	require.NoError(t, err)
	assert.Nil(t, b)

	page, err := s.ListByOrganization(ctx, "org-1", ledger.Page{}, nil)
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestTransaction_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := seedProgram(t, s, ledger.ProgramConfig{})
	at := time.Date(2025, 6, 1, 10, 30, 0, 123456789, time.UTC)

	saleID := ledger.SaleID("sale-1")
	campaignID := ledger.CampaignID("camp-1")
	err := s.WithTx(ctx, func(uow ledger.UnitOfWork) error {
		if _, err := uow.FindOrCreateBalance(ctx, key, at); err != nil {
			return err
		}
		_, err := uow.InsertTransaction(ctx, ledger.NewAccrual(ledger.AccrualParams{
			Key:        key,
			SaleID:     &saleID,
			CampaignID: &campaignID,
			Amount:     decimal.RequireFromString("12.34"),
			Before:     decimal.Zero,
			ExpiresAt:  at.AddDate(0, 1, 0),
			At:         at,
		}))
		return err
	})
	require.NoError(t, err)

	page, err := s.ListByClient(ctx, "org-1", "client-1", ledger.Page{}, nil)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	tx := page.Items[0]

	assert.Equal(t, ledger.KindAccrual, tx.Kind)
	assert.Equal(t, ledger.StatusActive, tx.Status())
	assert.Equal(t, "12.34", tx.Amount.String())
	assert.Equal(t, "12.34", tx.Remaining().String())
	assert.Equal(t, at, tx.CreatedAt)
	require.NotNil(t, tx.ExpiresAt())
	assert.Equal(t, at.AddDate(0, 1, 0), *tx.ExpiresAt())
	require.NotNil(t, tx.SaleID)
	assert.Equal(t, saleID, *tx.SaleID)
	require.NotNil(t, tx.CampaignID)
	assert.Equal(t, campaignID, *tx.CampaignID)
}

func TestExpireLot_GuardedUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := seedProgram(t, s, ledger.ProgramConfig{})
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	id := insertAccrual(t, s, key, 10, at)

	err := s.WithTx(ctx, func(uow ledger.UnitOfWork) error {
		lots, err := uow.FindActiveAccrualsPastExpiration(ctx, "org-1", at.AddDate(0, 0, 30))
		if err != nil {
			return err
		}
		if len(lots) != 1 || lots[0].ID != id {
			return errors.New("expected the single due lot")
		}
		return uow.ExpireLot(ctx, id, at.AddDate(0, 0, 30))
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(uow ledger.UnitOfWork) error {
		return uow.ExpireLot(ctx, id, time.Now())
	})
	assert.ErrorIs(t, err, ledger.ErrLotNotActive)

	err = s.WithTx(ctx, func(uow ledger.UnitOfWork) error {
		return uow.ExpireLot(ctx, "missing", time.Now())
	})
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)

	err = s.WithTx(ctx, func(uow ledger.UnitOfWork) error {
		lots, err := uow.FindActiveAccrualsPastExpiration(ctx, "org-1", at.AddDate(1, 0, 0))
		if err != nil {
			return err
		}
		assert.Empty(t, lots, "expired lots are never returned again")
		return nil
	})
	require.NoError(t, err)
}

func TestSchema_RejectsIllegalStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := seedProgram(t, s, ledger.ProgramConfig{})
	insertAccrual(t, s, key, 10, time.Now().UTC())

	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cashback_transactions
		(id, organization_id, client_id, program_id, kind, status, amount, balance_before, balance_after, created_at, updated_at)
		VALUES ('bad', ?, ?, ?, 'REDEMPTION', 'ACTIVE', '-5', '10', '5', ?, ?)
	`, key.OrganizationID, key.ClientID, key.ProgramID, now, now)
	assert.Error(t, err, "a redemption can only be CONSUMED")

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cashback_transactions
		(id, organization_id, client_id, program_id, kind, status, amount, balance_before, balance_after, created_at, updated_at)
		VALUES ('orphan', 'org-1', 'nobody', ?, 'REDEMPTION', 'CONSUMED', '-5', '10', '5', ?, ?)
	`, key.ProgramID, now, now)
	assert.Error(t, err, "ledger rows need a balance row")
}

func TestTopClients_OrdersNumerically(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := seedProgram(t, s, ledger.ProgramConfig{})
	now := time.Now().UTC()

	// "9" > "100" lexically; ranking must compare numbers.
	for client, amount := range map[ledger.ClientID]int64{"ana": 9, "bia": 100} {
		k := key
		k.ClientID = client
		insertAccrual(t, s, k, amount, now)
	}

	top, err := s.TopClients(ctx, "org-1", ledger.RankByAccumulated, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, ledger.ClientID("bia"), top[0].Key.ClientID)
}

func TestSweepRuns_SaveAndQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	started := time.Date(2025, 5, 1, 3, 0, 0, 0, time.UTC)

	run := SweepRun{
		ID:             "run-1",
		OrganizationID: "org-1",
		AsOf:           started,
		Status:         "running",
		ExpiredTotal:   decimal.Zero,
		StartedAt:      started,
	}
	require.NoError(t, s.SaveSweepRun(ctx, run))

	completed := started.Add(time.Minute)
	run.Status = "completed"
	run.ExpiredLots = 3
	run.ExpiredTotal = decimal.RequireFromString("45.5")
	run.CompletedAt = &completed
	require.NoError(t, s.SaveSweepRun(ctx, run))

	require.NoError(t, s.SaveSweepRun(ctx, SweepRun{
		ID: "run-2", OrganizationID: "org-2", AsOf: started, Status: "failed",
		ExpiredTotal: decimal.Zero, Error: "boom", StartedAt: started.Add(time.Hour),
	}))

	runs, err := s.GetSweepRuns(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID, "newest first")
	assert.Equal(t, "boom", runs[0].Error)
	assert.Nil(t, runs[0].CompletedAt)

	runs, err = s.GetSweepRuns(ctx, "org-1", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "completed", runs[0].Status)
	assert.Equal(t, 3, runs[0].ExpiredLots)
	assert.Equal(t, "45.5", runs[0].ExpiredTotal.String())
	require.NotNil(t, runs[0].CompletedAt)
	assert.Equal(t, completed, *runs[0].CompletedAt)
}

func TestOrganization_CreateRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateOrganization(ctx, ledger.Organization{
		ID: "org-1", Name: "Padaria", TaxID: "12345678000190", OperatorPINHash: "first",
	}))
	err := s.CreateOrganization(ctx, ledger.Organization{
		ID: "org-1", Name: "Outra", TaxID: "99999999000199", OperatorPINHash: "second",
	})
	assert.ErrorIs(t, err, ledger.ErrOrganizationExists)
	assert.True(t, ledger.IsConflict(err))

	org, err := s.GetOrganization(ctx, "org-1")
	require.NoError(t, err)
	require.NotNil(t, org)
	assert.Equal(t, "Padaria", org.Name)
	assert.Equal(t, "first", org.OperatorPINHash)
}

func TestScan_CorruptTimestampIsAnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	key := seedProgram(t, s, ledger.ProgramConfig{})
	insertAccrual(t, s, key, 10, time.Now().UTC())

	_, err := s.db.ExecContext(ctx, `UPDATE cashback_transactions SET expires_at = 'not-a-time'`)
	require.NoError(t, err)

	_, err = s.ListByClient(ctx, "org-1", "client-1", ledger.Page{}, nil)
	assert.ErrorContains(t, err, "not-a-time")

	_, err = s.db.ExecContext(ctx, `UPDATE organizations SET created_at = ''`)
	require.NoError(t, err)
	_, err = s.GetOrganization(ctx, "org-1")
	assert.Error(t, err)
}
