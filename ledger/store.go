/*
store.go - Persistence interfaces for balances and the transaction ledger

PURPOSE:
  Defines the interface between the cashback engines and the database.
  Different implementations can use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  BalanceStore: One row per (organization, client, program)
  LedgerStore:  Append-mostly transaction log
  UnitOfWork:   Both of the above bound to one database transaction
  Store:        Opens units of work and serves read-only queries

ATOMIC READ-MODIFY-WRITE:
  Every engine operation is "begin -> read balance -> compute -> write
  balance and ledger row -> commit" inside WithTx. Implementations must
  serialise units of work that touch the same balance row, so two
  redemptions for one client cannot both read the same available value.

APPEND-MOSTLY CONTRACT:
  InsertTransaction is the only way rows enter the ledger. ExpireLot is
  the only post-insert mutation and only applies to ACTIVE accrual lots.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite with goose migrations
  - ledger/store/memory.go: In-memory for testing

SEE ALSO:
  - cashback/: Engines using these interfaces
*/
package ledger

import (
	"context"
	"time"
)

// BalanceStore is the data-access surface for balance rows. The three
// engines are its only writers.
type BalanceStore interface {
	// FindOrCreateBalance returns the balance for key, inserting an
	// all-zero row when none exists.
	FindOrCreateBalance(ctx context.Context, key BalanceKey, now time.Time) (Balance, error)

	// GetBalance returns nil when no row exists.
	GetBalance(ctx context.Context, key BalanceKey) (*Balance, error)

	// ApplyDelta adds delta to the row and returns the updated balance.
	// Fails with ErrBalanceNotFound if the row does not exist.
	ApplyDelta(ctx context.Context, key BalanceKey, delta BalanceDelta, now time.Time) (Balance, error)
}

// LedgerStore is the data-access surface for ledger rows.
type LedgerStore interface {
	// InsertTransaction validates and persists tx, returning its ID.
	InsertTransaction(ctx context.Context, tx Transaction) (TransactionID, error)

	// ListByClient returns the client's rows, newest first.
	ListByClient(ctx context.Context, orgID OrganizationID, clientID ClientID, page Page, dates *DateRange) (TransactionPage, error)

	// FindActiveAccrualsPastExpiration returns ACTIVE accrual lots of the
	// organization with remaining > 0 and expiresAt <= asOf, oldest first.
	FindActiveAccrualsPastExpiration(ctx context.Context, orgID OrganizationID, asOf time.Time) ([]Transaction, error)

	// ExpireLot sets status EXPIRED and remaining 0 on an ACTIVE accrual.
	// Fails with ErrLotNotActive otherwise.
	ExpireLot(ctx context.Context, id TransactionID, now time.Time) error
}

// UnitOfWork binds both stores to one database transaction.
type UnitOfWork interface {
	BalanceStore
	LedgerStore

	Organization(ctx context.Context, id OrganizationID) (*Organization, error)
	ProgramByOrganization(ctx context.Context, orgID OrganizationID) (*Program, error)
}

// Store opens units of work and answers read-only queries.
type Store interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(UnitOfWork) error) error

	// CreateOrganization fails with ErrOrganizationExists when org.ID is taken.
	CreateOrganization(ctx context.Context, org Organization) error
	GetOrganization(ctx context.Context, id OrganizationID) (*Organization, error)
	ListOrganizations(ctx context.Context) ([]Organization, error)

	// SaveProgram creates or updates the program of program.OrganizationID.
	SaveProgram(ctx context.Context, program Program) error
	GetProgram(ctx context.Context, orgID OrganizationID) (*Program, error)

	GetBalanceForClient(ctx context.Context, orgID OrganizationID, clientID ClientID) (*Balance, error)
	ListByClient(ctx context.Context, orgID OrganizationID, clientID ClientID, page Page, dates *DateRange) (TransactionPage, error)
	ListByOrganization(ctx context.Context, orgID OrganizationID, page Page, dates *DateRange) (TransactionPage, error)
	TopClients(ctx context.Context, orgID OrganizationID, by RankBy, limit int) ([]Balance, error)
}
