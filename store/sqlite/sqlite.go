/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists organizations, cashback programs, balances and the transaction
  ledger. In production the same patterns apply to PostgreSQL with only
  minor SQL dialect differences.

KEY TABLES:
  organizations:         Tenants and their operator PIN hash
  cashback_programs:     One program per organization (config as JSON)
  cashback_balances:     One row per (organization, client, program)
  cashback_transactions: Append-mostly ledger with balance snapshots
  sweep_runs:            History of expiration sweeps

APPEND-MOSTLY ENFORCEMENT:
  - No DELETE statements on cashback_transactions
  - The only UPDATE is ExpireLot, guarded by kind = 'ACCRUAL' AND status = 'ACTIVE'
  - A CHECK constraint rejects illegal kind/status combinations

CONCURRENCY:
  Units of work are opened with _txlock=immediate, so SQLite takes the
  write lock at BEGIN and the balance read inside WithTx cannot be stale.
  A sync.RWMutex additionally serialises writers within the process.

MONEY & TIME:
  Decimals are stored as TEXT to avoid float rounding. Times are stored as
  fixed-width UTC text so lexical order equals chronological order.

MIGRATION:
  Schema is managed by goose with the SQL files embedded from migrations/.

USAGE:
  store, err := sqlite.New("./data/cashback.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	"github.com/warp/cashback-engine/factory"
	"github.com/warp/cashback-engine/ledger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.Store using SQLite.
type Store struct {
	db       *sql.DB
	mu       sync.RWMutex
	programs *factory.ProgramFactory
}

var _ ledger.Store = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db, programs: factory.NewProgramFactory()}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.UnitOfWork) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&unitOfWork{q: sqlTx, parent: s}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type unitOfWork struct {
	q      querier
	parent *Store
}

func (u *unitOfWork) Organization(ctx context.Context, id ledger.OrganizationID) (*ledger.Organization, error) {
	return getOrganization(ctx, u.q, id)
}

func (u *unitOfWork) ProgramByOrganization(ctx context.Context, orgID ledger.OrganizationID) (*ledger.Program, error) {
	return u.parent.getProgram(ctx, u.q, orgID)
}

func (u *unitOfWork) FindOrCreateBalance(ctx context.Context, key ledger.BalanceKey, now time.Time) (ledger.Balance, error) {
	_, err := u.q.ExecContext(ctx, `
		INSERT INTO cashback_balances
		(organization_id, client_id, program_id, available, lifetime_accumulated, lifetime_redeemed, created_at, updated_at)
		VALUES (?, ?, ?, '0', '0', '0', ?, ?)
		ON CONFLICT(organization_id, client_id, program_id) DO NOTHING
	`, key.OrganizationID, key.ClientID, key.ProgramID, formatTime(now), formatTime(now))
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("failed to create balance: %w", err)
	}

	b, err := getBalance(ctx, u.q, key)
	if err != nil {
		return ledger.Balance{}, err
	}
	if b == nil {
		return ledger.Balance{}, fmt.Errorf("%w: %s", ledger.ErrBalanceNotFound, key)
	}
	return *b, nil
}

func (u *unitOfWork) GetBalance(ctx context.Context, key ledger.BalanceKey) (*ledger.Balance, error) {
	return getBalance(ctx, u.q, key)
}

func (u *unitOfWork) ApplyDelta(ctx context.Context, key ledger.BalanceKey, delta ledger.BalanceDelta, now time.Time) (ledger.Balance, error) {
	b, err := getBalance(ctx, u.q, key)
	if err != nil {
		return ledger.Balance{}, err
	}
	if b == nil {
		return ledger.Balance{}, fmt.Errorf("%w: %s", ledger.ErrBalanceNotFound, key)
	}
	updated, err := b.Apply(delta, now)
	if err != nil {
		return ledger.Balance{}, err
	}

	_, err = u.q.ExecContext(ctx, `
		UPDATE cashback_balances
		SET available = ?, lifetime_accumulated = ?, lifetime_redeemed = ?, updated_at = ?
		WHERE organization_id = ? AND client_id = ? AND program_id = ?
	`,
		updated.Available.String(),
		updated.LifetimeAccumulated.String(),
		updated.LifetimeRedeemed.String(),
		formatTime(now),
		key.OrganizationID, key.ClientID, key.ProgramID,
	)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("failed to update balance: %w", err)
	}
	return updated, nil
}

func (u *unitOfWork) InsertTransaction(ctx context.Context, tx ledger.Transaction) (ledger.TransactionID, error) {
	if err := tx.Validate(); err != nil {
		return "", err
	}
	if tx.ID == "" {
		tx.ID = ledger.TransactionID(uuid.NewString())
	}

	var expiresAt sql.NullString
	if at := tx.ExpiresAt(); at != nil {
		expiresAt = sql.NullString{String: formatTime(*at), Valid: true}
	}

	_, err := u.q.ExecContext(ctx, `
		INSERT INTO cashback_transactions
		(id, organization_id, client_id, program_id, sale_id, campaign_id, kind, status,
		 amount, remaining, balance_before, balance_after, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID,
		tx.Key.OrganizationID,
		tx.Key.ClientID,
		tx.Key.ProgramID,
		nullPtr(tx.SaleID),
		nullPtr(tx.CampaignID),
		tx.Kind,
		tx.Status(),
		tx.Amount.String(),
		tx.Remaining().String(),
		tx.BalanceBefore.String(),
		tx.BalanceAfter.String(),
		expiresAt,
		formatTime(tx.CreatedAt),
		formatTime(tx.UpdatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert transaction: %w", err)
	}
	return tx.ID, nil
}

func (u *unitOfWork) ListByClient(ctx context.Context, orgID ledger.OrganizationID, clientID ledger.ClientID, page ledger.Page, dates *ledger.DateRange) (ledger.TransactionPage, error) {
	return listTransactions(ctx, u.q, "organization_id = ? AND client_id = ?", []any{orgID, clientID}, page, dates)
}

func (u *unitOfWork) FindActiveAccrualsPastExpiration(ctx context.Context, orgID ledger.OrganizationID, asOf time.Time) ([]ledger.Transaction, error) {
	rows, err := u.q.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM cashback_transactions
		WHERE organization_id = ? AND kind = 'ACCRUAL' AND status = 'ACTIVE'
		  AND CAST(remaining AS REAL) > 0 AND expires_at <= ?
		ORDER BY expires_at ASC, created_at ASC
	`, orgID, formatTime(asOf))
	if err != nil {
		return nil, fmt.Errorf("failed to query expired lots: %w", err)
	}
	return collectTransactions(rows)
}

func (u *unitOfWork) ExpireLot(ctx context.Context, id ledger.TransactionID, now time.Time) error {
	res, err := u.q.ExecContext(ctx, `
		UPDATE cashback_transactions
		SET status = 'EXPIRED', remaining = '0', updated_at = ?
		WHERE id = ? AND kind = 'ACCRUAL' AND status = 'ACTIVE'
	`, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("failed to expire lot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var count int
	if err := u.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM cashback_transactions WHERE id = ?", id).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrTransactionNotFound, id)
	}
	return fmt.Errorf("%w: %s", ledger.ErrLotNotActive, id)
}

// =============================================================================
// ORGANIZATION STORE
// =============================================================================

// CreateOrganization inserts an organization. A taken ID fails with
// ledger.ErrOrganizationExists.
func (s *Store) CreateOrganization(ctx context.Context, org ledger.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, tax_id, operator_pin_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, org.ID, org.Name, org.TaxID, org.OperatorPINHash, formatTime(org.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ledger.ErrOrganizationExists, org.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create organization: %w", err)
	}
	return nil
}

// GetOrganization returns nil when the organization does not exist.
func (s *Store) GetOrganization(ctx context.Context, id ledger.OrganizationID) (*ledger.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getOrganization(ctx, s.db, id)
}

// ListOrganizations returns all organizations ordered by ID.
func (s *Store) ListOrganizations(ctx context.Context) ([]ledger.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+orgColumns+" FROM organizations ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []ledger.Organization
	for rows.Next() {
		o, err := scanOrganization(rows)
		if err != nil {
			return nil, err
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

const orgColumns = "id, name, tax_id, operator_pin_hash, created_at"

func getOrganization(ctx context.Context, q querier, id ledger.OrganizationID) (*ledger.Organization, error) {
	o, err := scanOrganization(q.QueryRowContext(ctx, "SELECT "+orgColumns+" FROM organizations WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func scanOrganization(scanner interface{ Scan(...any) error }) (ledger.Organization, error) {
	var (
		o         ledger.Organization
		createdAt string
	)
	if err := scanner.Scan(&o.ID, &o.Name, &o.TaxID, &o.OperatorPINHash, &createdAt); err != nil {
		return o, err
	}
	var err error
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return o, err
	}
	return o, nil
}

// =============================================================================
// PROGRAM STORE
// =============================================================================

// SaveProgram creates the organization's program or updates its
// configuration. The program ID never changes once created.
func (s *Store) SaveProgram(ctx context.Context, p ledger.Program) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	org, err := getOrganization(ctx, s.db, p.OrganizationID)
	if err != nil {
		return err
	}
	if org == nil {
		return fmt.Errorf("%w: %s", ledger.ErrOrganizationNotFound, p.OrganizationID)
	}

	configJSON, err := s.programs.Encode(p.Config)
	if err != nil {
		return err
	}
	if p.ID == "" {
		p.ID = ledger.ProgramID(uuid.NewString())
	}
	now := formatTime(time.Now())

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cashback_programs (id, organization_id, config_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(organization_id) DO UPDATE SET
			config_json = excluded.config_json,
			updated_at = excluded.updated_at
	`, p.ID, p.OrganizationID, configJSON, now, now)
	if err != nil {
		return fmt.Errorf("failed to save program: %w", err)
	}
	return nil
}

// GetProgram returns nil when the organization has no program.
func (s *Store) GetProgram(ctx context.Context, orgID ledger.OrganizationID) (*ledger.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProgram(ctx, s.db, orgID)
}

func (s *Store) getProgram(ctx context.Context, q querier, orgID ledger.OrganizationID) (*ledger.Program, error) {
	var (
		p                    ledger.Program
		configJSON           string
		createdAt, updatedAt string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, organization_id, config_json, created_at, updated_at
		FROM cashback_programs WHERE organization_id = ?
	`, orgID).Scan(&p.ID, &p.OrganizationID, &configJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	p.Config, err = s.programs.ParseProgram(configJSON)
	if err != nil {
		return nil, fmt.Errorf("program %s has invalid config: %w", p.ID, err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// =============================================================================
// BALANCE QUERIES
// =============================================================================

const balanceColumns = `organization_id, client_id, program_id, available,
	lifetime_accumulated, lifetime_redeemed, created_at, updated_at`

func getBalance(ctx context.Context, q querier, key ledger.BalanceKey) (*ledger.Balance, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+balanceColumns+` FROM cashback_balances
		WHERE organization_id = ? AND client_id = ? AND program_id = ?
	`, key.OrganizationID, key.ClientID, key.ProgramID)
	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}
	return &b, nil
}

func scanBalance(scanner interface{ Scan(...any) error }) (ledger.Balance, error) {
	var (
		b                                ledger.Balance
		available, accumulated, redeemed string
		createdAt, updatedAt             string
	)
	err := scanner.Scan(
		&b.Key.OrganizationID, &b.Key.ClientID, &b.Key.ProgramID,
		&available, &accumulated, &redeemed, &createdAt, &updatedAt,
	)
	if err != nil {
		return b, err
	}
	b.Available = ledger.MustParseMoney(available)
	b.LifetimeAccumulated = ledger.MustParseMoney(accumulated)
	b.LifetimeRedeemed = ledger.MustParseMoney(redeemed)
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return b, err
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return b, err
	}
	return b, nil
}

// GetBalanceForClient returns the client's balance in the organization's
// program, or nil.
func (s *Store) GetBalanceForClient(ctx context.Context, orgID ledger.OrganizationID, clientID ledger.ClientID) (*ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT b.organization_id, b.client_id, b.program_id, b.available,
		       b.lifetime_accumulated, b.lifetime_redeemed, b.created_at, b.updated_at
		FROM cashback_balances b
		JOIN cashback_programs p ON p.id = b.program_id AND p.organization_id = b.organization_id
		WHERE b.organization_id = ? AND b.client_id = ?
	`, orgID, clientID)
	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// TopClients ranks balances by a lifetime total, highest first.
func (s *Store) TopClients(ctx context.Context, orgID ledger.OrganizationID, by ledger.RankBy, limit int) ([]ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	column := "lifetime_accumulated"
	if by == ledger.RankByRedeemed {
		column = "lifetime_redeemed"
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+balanceColumns+` FROM cashback_balances
		WHERE organization_id = ?
		ORDER BY CAST(`+column+` AS REAL) DESC, client_id ASC
		LIMIT ?
	`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []ledger.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// =============================================================================
// LEDGER QUERIES
// =============================================================================

const txColumns = `id, organization_id, client_id, program_id, sale_id, campaign_id, kind, status,
	amount, remaining, balance_before, balance_after, expires_at, created_at, updated_at`

// ListByClient returns a page of the client's ledger, newest first.
func (s *Store) ListByClient(ctx context.Context, orgID ledger.OrganizationID, clientID ledger.ClientID, page ledger.Page, dates *ledger.DateRange) (ledger.TransactionPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listTransactions(ctx, s.db, "organization_id = ? AND client_id = ?", []any{orgID, clientID}, page, dates)
}

// ListByOrganization returns a page of the organization's ledger, newest first.
func (s *Store) ListByOrganization(ctx context.Context, orgID ledger.OrganizationID, page ledger.Page, dates *ledger.DateRange) (ledger.TransactionPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listTransactions(ctx, s.db, "organization_id = ?", []any{orgID}, page, dates)
}

func listTransactions(ctx context.Context, q querier, where string, args []any, page ledger.Page, dates *ledger.DateRange) (ledger.TransactionPage, error) {
	page = page.Normalize()

	conds := []string{where}
	if dates != nil {
		if !dates.From.IsZero() {
			conds = append(conds, "created_at >= ?")
			args = append(args, formatTime(dates.From))
		}
		if !dates.To.IsZero() {
			conds = append(conds, "created_at <= ?")
			args = append(args, formatTime(dates.To))
		}
	}
	filter := strings.Join(conds, " AND ")

	result := ledger.TransactionPage{Items: []ledger.Transaction{}}
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM cashback_transactions WHERE "+filter, args...).Scan(&result.Total); err != nil {
		return result, fmt.Errorf("failed to count transactions: %w", err)
	}

	rows, err := q.QueryContext(ctx,
		"SELECT "+txColumns+" FROM cashback_transactions WHERE "+filter+
			" ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?",
		append(args, page.Limit, page.Offset)...,
	)
	if err != nil {
		return result, fmt.Errorf("failed to query transactions: %w", err)
	}
	items, err := collectTransactions(rows)
	if err != nil {
		return result, err
	}
	result.Items = append(result.Items, items...)
	return result, nil
}

func collectTransactions(rows *sql.Rows) ([]ledger.Transaction, error) {
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx                   ledger.Transaction
		saleID, campaignID   sql.NullString
		kind, status         string
		amount, remaining    string
		before, after        string
		expiresAt            sql.NullString
		createdAt, updatedAt string
	)

	err := rows.Scan(
		&tx.ID, &tx.Key.OrganizationID, &tx.Key.ClientID, &tx.Key.ProgramID,
		&saleID, &campaignID, &kind, &status,
		&amount, &remaining, &before, &after, &expiresAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if tx.Kind, err = ledger.ParseKind(kind); err != nil {
		return tx, err
	}
	if saleID.Valid {
		id := ledger.SaleID(saleID.String)
		tx.SaleID = &id
	}
	if campaignID.Valid {
		id := ledger.CampaignID(campaignID.String)
		tx.CampaignID = &id
	}
	tx.Amount = ledger.MustParseMoney(amount)
	tx.BalanceBefore = ledger.MustParseMoney(before)
	tx.BalanceAfter = ledger.MustParseMoney(after)
	if tx.CreatedAt, err = parseTime(createdAt); err != nil {
		return tx, fmt.Errorf("transaction %s: %w", tx.ID, err)
	}
	if tx.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return tx, fmt.Errorf("transaction %s: %w", tx.ID, err)
	}

	if tx.Kind == ledger.KindAccrual {
		tx.Lot = &ledger.Lot{Remaining: ledger.MustParseMoney(remaining)}
		if expiresAt.Valid {
			if tx.Lot.ExpiresAt, err = parseTime(expiresAt.String); err != nil {
				return tx, fmt.Errorf("transaction %s expires_at: %w", tx.ID, err)
			}
		}
	}
	if err := ledger.RestoreStatus(&tx, ledger.Status(status)); err != nil {
		return tx, fmt.Errorf("transaction %s: %w", tx.ID, err)
	}
	return tx, nil
}

// =============================================================================
// SWEEP RUNS STORE
// =============================================================================

// SweepRun records one organization's expiration sweep.
type SweepRun struct {
	ID             string
	OrganizationID string
	AsOf           time.Time
	Status         string // running, completed, failed
	ExpiredLots    int
	ExpiredTotal   decimal.Decimal
	Error          string
	StartedAt      time.Time
	CompletedAt    *time.Time
}

// SaveSweepRun inserts or updates a sweep run.
func (s *Store) SaveSweepRun(ctx context.Context, r SweepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completedAt sql.NullString
	if r.CompletedAt != nil {
		completedAt = sql.NullString{String: formatTime(*r.CompletedAt), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sweep_runs
		(id, organization_id, as_of, status, expired_lots, expired_total, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			expired_lots = excluded.expired_lots,
			expired_total = excluded.expired_total,
			error = excluded.error,
			completed_at = excluded.completed_at
	`,
		r.ID, r.OrganizationID, formatTime(r.AsOf), r.Status, r.ExpiredLots,
		r.ExpiredTotal.String(), nullString(r.Error), formatTime(r.StartedAt), completedAt,
	)
	return err
}

// GetSweepRuns returns the most recent runs, optionally for one organization.
func (s *Store) GetSweepRuns(ctx context.Context, orgID string, limit int) ([]SweepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, organization_id, as_of, status, expired_lots, expired_total, error, started_at, completed_at
		FROM sweep_runs`
	var args []any
	if orgID != "" {
		query += " WHERE organization_id = ?"
		args = append(args, orgID)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []SweepRun
	for rows.Next() {
		var (
			r                    SweepRun
			asOf, total, started string
			runErr, completed    sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.OrganizationID, &asOf, &r.Status, &r.ExpiredLots,
			&total, &runErr, &started, &completed); err != nil {
			return nil, err
		}
		var err error
		if r.AsOf, err = parseTime(asOf); err != nil {
			return nil, err
		}
		r.ExpiredTotal = ledger.MustParseMoney(total)
		r.Error = runErr.String
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if completed.Valid {
			t, err := parseTime(completed.String)
			if err != nil {
				return nil, err
			}
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullPtr[T ~string](v *T) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return nullString(string(*v))
}
