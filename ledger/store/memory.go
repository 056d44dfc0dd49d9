// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/cashback-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything in maps guarded by one RWMutex. A unit of work
// holds the write lock for its whole duration and works on a staged copy
// that replaces the live state only on commit.
type Memory struct {
	mu    sync.RWMutex
	state state
}

type state struct {
	orgs     map[ledger.OrganizationID]ledger.Organization
	programs map[ledger.OrganizationID]ledger.Program
	balances map[ledger.BalanceKey]ledger.Balance
	txs      []ledger.Transaction
	byID     map[ledger.TransactionID]int
}

func NewMemory() *Memory {
	return &Memory{state: state{
		orgs:     make(map[ledger.OrganizationID]ledger.Organization),
		programs: make(map[ledger.OrganizationID]ledger.Program),
		balances: make(map[ledger.BalanceKey]ledger.Balance),
		byID:     make(map[ledger.TransactionID]int),
	}}
}

var _ ledger.Store = (*Memory)(nil)

// WithTx runs fn against a staged copy and commits it if fn returns nil.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.UnitOfWork) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := m.state.clone()
	if err := fn(&memTx{state: &staged}); err != nil {
		return err
	}
	m.state = staged
	return nil
}

func (s state) clone() state {
	c := state{
		orgs:     s.orgs,
		programs: s.programs,
		balances: make(map[ledger.BalanceKey]ledger.Balance, len(s.balances)),
		txs:      make([]ledger.Transaction, len(s.txs)),
		byID:     make(map[ledger.TransactionID]int, len(s.byID)),
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for i, tx := range s.txs {
		c.txs[i] = copyTx(tx)
	}
	for k, v := range s.byID {
		c.byID[k] = v
	}
	return c
}

func copyTx(tx ledger.Transaction) ledger.Transaction {
	if tx.Lot != nil {
		lot := *tx.Lot
		tx.Lot = &lot
	}
	return tx
}

// =============================================================================
// ORGANIZATIONS & PROGRAMS
// =============================================================================

func (m *Memory) CreateOrganization(_ context.Context, org ledger.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.state.orgs[org.ID]; ok {
		return fmt.Errorf("%w: %s", ledger.ErrOrganizationExists, org.ID)
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	orgs := make(map[ledger.OrganizationID]ledger.Organization, len(m.state.orgs)+1)
	for k, v := range m.state.orgs {
		orgs[k] = v
	}
	orgs[org.ID] = org
	m.state.orgs = orgs
	return nil
}

func (m *Memory) GetOrganization(_ context.Context, id ledger.OrganizationID) (*ledger.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.organization(id), nil
}

// ListOrganizations returns organizations ordered by ID.
func (m *Memory) ListOrganizations(_ context.Context) ([]ledger.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	orgs := make([]ledger.Organization, 0, len(m.state.orgs))
	for _, o := range m.state.orgs {
		orgs = append(orgs, o)
	}
	sort.Slice(orgs, func(i, j int) bool { return orgs[i].ID < orgs[j].ID })
	return orgs, nil
}

func (m *Memory) SaveProgram(_ context.Context, p ledger.Program) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.state.orgs[p.OrganizationID]; !ok {
		return ledger.ErrOrganizationNotFound
	}
	now := time.Now().UTC()
	if existing, ok := m.state.programs[p.OrganizationID]; ok {
		p.ID = existing.ID
		p.CreatedAt = existing.CreatedAt
	} else {
		if p.ID == "" {
			p.ID = ledger.ProgramID(uuid.NewString())
		}
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	programs := make(map[ledger.OrganizationID]ledger.Program, len(m.state.programs)+1)
	for k, v := range m.state.programs {
		programs[k] = v
	}
	programs[p.OrganizationID] = p
	m.state.programs = programs
	return nil
}

func (m *Memory) GetProgram(_ context.Context, orgID ledger.OrganizationID) (*ledger.Program, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.program(orgID), nil
}

func (s *state) organization(id ledger.OrganizationID) *ledger.Organization {
	o, ok := s.orgs[id]
	if !ok {
		return nil
	}
	return &o
}

func (s *state) program(orgID ledger.OrganizationID) *ledger.Program {
	p, ok := s.programs[orgID]
	if !ok {
		return nil
	}
	return &p
}

// =============================================================================
// READ-ONLY QUERIES
// =============================================================================

// GetBalanceForClient resolves the organization's program and returns the
// client's balance in it, or nil.
func (m *Memory) GetBalanceForClient(_ context.Context, orgID ledger.OrganizationID, clientID ledger.ClientID) (*ledger.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := m.state.program(orgID)
	if p == nil {
		return nil, nil
	}
	b, ok := m.state.balances[ledger.BalanceKey{OrganizationID: orgID, ClientID: clientID, ProgramID: p.ID}]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *Memory) ListByClient(_ context.Context, orgID ledger.OrganizationID, clientID ledger.ClientID, page ledger.Page, dates *ledger.DateRange) (ledger.TransactionPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.list(func(tx ledger.Transaction) bool {
		return tx.Key.OrganizationID == orgID && tx.Key.ClientID == clientID
	}, page, dates), nil
}

func (m *Memory) ListByOrganization(_ context.Context, orgID ledger.OrganizationID, page ledger.Page, dates *ledger.DateRange) (ledger.TransactionPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.list(func(tx ledger.Transaction) bool {
		return tx.Key.OrganizationID == orgID
	}, page, dates), nil
}

// list returns matching rows newest first.
func (s *state) list(match func(ledger.Transaction) bool, page ledger.Page, dates *ledger.DateRange) ledger.TransactionPage {
	page = page.Normalize()

	var matched []ledger.Transaction
	for i := len(s.txs) - 1; i >= 0; i-- {
		tx := s.txs[i]
		if match(tx) && dates.Contains(tx.CreatedAt) {
			matched = append(matched, tx)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	result := ledger.TransactionPage{Items: []ledger.Transaction{}, Total: len(matched)}
	if page.Offset >= len(matched) {
		return result
	}
	end := page.Offset + page.Limit
	if end > len(matched) {
		end = len(matched)
	}
	for _, tx := range matched[page.Offset:end] {
		result.Items = append(result.Items, copyTx(tx))
	}
	return result
}

func (m *Memory) TopClients(_ context.Context, orgID ledger.OrganizationID, by ledger.RankBy, limit int) ([]ledger.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var balances []ledger.Balance
	for k, b := range m.state.balances {
		if k.OrganizationID == orgID {
			balances = append(balances, b)
		}
	}
	sort.Slice(balances, func(i, j int) bool {
		a, b := balances[i].LifetimeAccumulated, balances[j].LifetimeAccumulated
		if by == ledger.RankByRedeemed {
			a, b = balances[i].LifetimeRedeemed, balances[j].LifetimeRedeemed
		}
		if !a.Equal(b) {
			return a.GreaterThan(b)
		}
		return balances[i].Key.ClientID < balances[j].Key.ClientID
	})
	if limit > 0 && len(balances) > limit {
		balances = balances[:limit]
	}
	return balances, nil
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

type memTx struct {
	state *state
}

func (t *memTx) Organization(_ context.Context, id ledger.OrganizationID) (*ledger.Organization, error) {
	return t.state.organization(id), nil
}

func (t *memTx) ProgramByOrganization(_ context.Context, orgID ledger.OrganizationID) (*ledger.Program, error) {
	return t.state.program(orgID), nil
}

func (t *memTx) FindOrCreateBalance(_ context.Context, key ledger.BalanceKey, now time.Time) (ledger.Balance, error) {
	if b, ok := t.state.balances[key]; ok {
		return b, nil
	}
	b := ledger.NewBalance(key, now)
	t.state.balances[key] = b
	return b, nil
}

func (t *memTx) GetBalance(_ context.Context, key ledger.BalanceKey) (*ledger.Balance, error) {
	b, ok := t.state.balances[key]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (t *memTx) ApplyDelta(_ context.Context, key ledger.BalanceKey, delta ledger.BalanceDelta, now time.Time) (ledger.Balance, error) {
	b, ok := t.state.balances[key]
	if !ok {
		return ledger.Balance{}, fmt.Errorf("%w: %s", ledger.ErrBalanceNotFound, key)
	}
	updated, err := b.Apply(delta, now)
	if err != nil {
		return ledger.Balance{}, err
	}
	t.state.balances[key] = updated
	return updated, nil
}

func (t *memTx) InsertTransaction(_ context.Context, tx ledger.Transaction) (ledger.TransactionID, error) {
	if err := tx.Validate(); err != nil {
		return "", err
	}
	if tx.ID == "" {
		tx.ID = ledger.TransactionID(uuid.NewString())
	}
	if _, exists := t.state.byID[tx.ID]; exists {
		return "", fmt.Errorf("duplicate transaction id %s", tx.ID)
	}
	t.state.byID[tx.ID] = len(t.state.txs)
	t.state.txs = append(t.state.txs, copyTx(tx))
	return tx.ID, nil
}

func (t *memTx) ListByClient(_ context.Context, orgID ledger.OrganizationID, clientID ledger.ClientID, page ledger.Page, dates *ledger.DateRange) (ledger.TransactionPage, error) {
	return t.state.list(func(tx ledger.Transaction) bool {
		return tx.Key.OrganizationID == orgID && tx.Key.ClientID == clientID
	}, page, dates), nil
}

func (t *memTx) FindActiveAccrualsPastExpiration(_ context.Context, orgID ledger.OrganizationID, asOf time.Time) ([]ledger.Transaction, error) {
	var lots []ledger.Transaction
	for _, tx := range t.state.txs {
		if tx.Key.OrganizationID != orgID || tx.Kind != ledger.KindAccrual {
			continue
		}
		if tx.Status() != ledger.StatusActive || !tx.Remaining().IsPositive() {
			continue
		}
		if tx.Lot.ExpiresAt.After(asOf) {
			continue
		}
		lots = append(lots, copyTx(tx))
	}
	sort.SliceStable(lots, func(i, j int) bool {
		return lots[i].Lot.ExpiresAt.Before(lots[j].Lot.ExpiresAt)
	})
	return lots, nil
}

func (t *memTx) ExpireLot(_ context.Context, id ledger.TransactionID, now time.Time) error {
	i, ok := t.state.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ledger.ErrTransactionNotFound, id)
	}
	tx := t.state.txs[i]
	if tx.Kind != ledger.KindAccrual || tx.Status() != ledger.StatusActive {
		return fmt.Errorf("%w: %s", ledger.ErrLotNotActive, id)
	}
	tx.Lot.Remaining = decimal.Zero
	tx.Lot.Expired = true
	tx.UpdatedAt = now
	t.state.txs[i] = tx
	return nil
}
