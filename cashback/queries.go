package cashback

import (
	"context"
	"fmt"

	"github.com/warp/cashback-engine/ledger"
)

const (
	DefaultTopClients = 10
	MaxTopClients     = 100
)

// Queries is the read-only surface exposed to other subsystems. Every
// query is scoped by organization.
type Queries struct {
	Store ledger.Store
}

// Balance returns the client's current balance in the organization's program.
func (q *Queries) Balance(ctx context.Context, orgID ledger.OrganizationID, clientID ledger.ClientID) (*ledger.Balance, error) {
	program, err := q.Store.GetProgram(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if program == nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrProgramNotFound, orgID)
	}
	b, err := q.Store.GetBalanceForClient(ctx, orgID, clientID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("%w: client %s", ledger.ErrBalanceNotFound, clientID)
	}
	return b, nil
}

func (q *Queries) ClientTransactions(ctx context.Context, orgID ledger.OrganizationID, clientID ledger.ClientID, page ledger.Page, dates *ledger.DateRange) (ledger.TransactionPage, error) {
	return q.Store.ListByClient(ctx, orgID, clientID, page.Normalize(), dates)
}

func (q *Queries) OrganizationTransactions(ctx context.Context, orgID ledger.OrganizationID, page ledger.Page, dates *ledger.DateRange) (ledger.TransactionPage, error) {
	return q.Store.ListByOrganization(ctx, orgID, page.Normalize(), dates)
}

// TopClients ranks the organization's clients by a lifetime total.
func (q *Queries) TopClients(ctx context.Context, orgID ledger.OrganizationID, by ledger.RankBy, n int) ([]ledger.Balance, error) {
	if n <= 0 {
		n = DefaultTopClients
	}
	if n > MaxTopClients {
		n = MaxTopClients
	}
	return q.Store.TopClients(ctx, orgID, by, n)
}
