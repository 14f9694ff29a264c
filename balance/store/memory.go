// Package store provides in-memory implementations of the balance store contracts.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/balance-engine/balance"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	accounts     map[balance.AccountKey]balance.Account
	transactions map[txKey]balance.Transaction
	snapshots    map[balance.AccountKey][]balance.Snapshot // sorted by Date
}

type txKey struct {
	TenantID balance.TenantID
	ID       balance.TransactionID
}

func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[balance.AccountKey]balance.Account),
		transactions: make(map[txKey]balance.Transaction),
		snapshots:    make(map[balance.AccountKey][]balance.Snapshot),
	}
}

// =============================================================================
// ACCOUNT DIRECTORY
// =============================================================================

func (m *Memory) Account(_ context.Context, tenantID balance.TenantID, accountID balance.AccountID) (*balance.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.accountLocked(tenantID, accountID)
}

func (m *Memory) accountLocked(tenantID balance.TenantID, accountID balance.AccountID) (*balance.Account, error) {
	acct, ok := m.accounts[balance.AccountKey{TenantID: tenantID, AccountID: accountID}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", balance.ErrAccountNotFound, tenantID, accountID)
	}
	return &acct, nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]balance.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]balance.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key().String() < result[j].Key().String() })
	return result, nil
}

// =============================================================================
// AGGREGATION QUERY
// =============================================================================

func (m *Memory) SumByDay(_ context.Context, acct balance.Account, rng balance.Range) (map[balance.Day]balance.DaySums, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sums := make(map[balance.Day]balance.DaySums)
	for _, tx := range m.transactions {
		if !counts(tx, acct) || !rng.Contains(tx.OccurredOn) {
			continue
		}
		day := balance.DayOf(tx.OccurredOn.Time)
		s := sums[day]
		if tx.Direction == balance.DirectionInflow {
			s.Inflow = s.Inflow.Add(tx.Amount)
		} else {
			s.Outflow = s.Outflow.Add(tx.Amount)
		}
		sums[day] = s
	}
	return sums, nil
}

func (m *Memory) FirstActivity(_ context.Context, acct balance.Account) (balance.Day, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var first balance.Day
	found := false
	for _, tx := range m.transactions {
		if !counts(tx, acct) {
			continue
		}
		if !found || tx.OccurredOn.Before(first) {
			first, found = tx.OccurredOn, true
		}
	}
	return first, found, nil
}

// counts applies the aggregation filter: same account, not soft-deleted,
// same currency as the account.
func counts(tx balance.Transaction, acct balance.Account) bool {
	return tx.TenantID == acct.TenantID &&
		tx.AccountID == acct.ID &&
		!tx.IsDeleted() &&
		tx.Currency == acct.Currency
}

// =============================================================================
// SNAPSHOT STORE
// =============================================================================

// UpsertMany inserts or overwrites rows keyed by (tenant, account, date).
func (m *Memory) UpsertMany(_ context.Context, rows []balance.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		m.upsertLocked(row)
	}
	return nil
}

func (m *Memory) upsertLocked(row balance.Snapshot) {
	k := row.Key()
	snaps := m.snapshots[k]

	// Binary search for the row's position: O(log n)
	i := sort.Search(len(snaps), func(i int) bool {
		return !snaps[i].Date.Before(row.Date)
	})
	if i < len(snaps) && snaps[i].Date.Equal(row.Date) {
		snaps[i] = row
		return
	}

	snaps = append(snaps, balance.Snapshot{})
	copy(snaps[i+1:], snaps[i:])
	snaps[i] = row
	m.snapshots[k] = snaps
}

func (m *Memory) FindBefore(_ context.Context, tenantID balance.TenantID, accountID balance.AccountID, day balance.Day) (*balance.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := m.snapshots[balance.AccountKey{TenantID: tenantID, AccountID: accountID}]
	i := sort.Search(len(snaps), func(i int) bool {
		return !snaps[i].Date.Before(day)
	})
	if i == 0 {
		return nil, nil
	}
	s := snaps[i-1]
	return &s, nil
}

func (m *Memory) FindRange(_ context.Context, tenantID balance.TenantID, accountID balance.AccountID, rng balance.Range) ([]balance.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []balance.Snapshot
	for _, s := range m.snapshots[balance.AccountKey{TenantID: tenantID, AccountID: accountID}] {
		if rng.Contains(s.Date) {
			result = append(result, s)
		}
	}
	return result, nil
}

func (m *Memory) FindOne(_ context.Context, tenantID balance.TenantID, accountID balance.AccountID, day balance.Day) (*balance.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.snapshots[balance.AccountKey{TenantID: tenantID, AccountID: accountID}] {
		if s.Date.Equal(day) {
			s := s
			return &s, nil
		}
	}
	return nil, nil
}

func (m *Memory) LastDate(_ context.Context, tenantID balance.TenantID, accountID balance.AccountID) (balance.Day, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastDateLocked(balance.AccountKey{TenantID: tenantID, AccountID: accountID})
}

func (m *Memory) FirstDate(_ context.Context, tenantID balance.TenantID, accountID balance.AccountID) (balance.Day, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.firstDateLocked(balance.AccountKey{TenantID: tenantID, AccountID: accountID})
}

func (m *Memory) firstDateLocked(k balance.AccountKey) (balance.Day, bool, error) {
	snaps := m.snapshots[k]
	if len(snaps) == 0 {
		return balance.Day{}, false, nil
	}
	return snaps[0].Date, true, nil
}

func (m *Memory) lastDateLocked(k balance.AccountKey) (balance.Day, bool, error) {
	snaps := m.snapshots[k]
	if len(snaps) == 0 {
		return balance.Day{}, false, nil
	}
	return snaps[len(snaps)-1].Date, true, nil
}

// =============================================================================
// TRANSACTION READS
// =============================================================================

func (m *Memory) GetTransaction(_ context.Context, tenantID balance.TenantID, id balance.TransactionID) (*balance.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(tenantID, id), nil
}

func (m *Memory) getLocked(tenantID balance.TenantID, id balance.TransactionID) *balance.Transaction {
	tx, ok := m.transactions[txKey{TenantID: tenantID, ID: id}]
	if !ok {
		return nil
	}
	return &tx
}

// ListTransactions returns the account's transactions in rng, soft-deleted
// ones included, ordered by date then creation.
func (m *Memory) ListTransactions(_ context.Context, tenantID balance.TenantID, accountID balance.AccountID, rng balance.Range) ([]balance.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []balance.Transaction
	for _, tx := range m.transactions {
		if tx.TenantID == tenantID && tx.AccountID == accountID && rng.Contains(tx.OccurredOn) {
			result = append(result, tx)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].OccurredOn.Equal(result[j].OccurredOn) {
			return result[i].OccurredOn.Before(result[j].OccurredOn)
		}
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// =============================================================================
// TRANSACTIONAL WRITES
// =============================================================================

// Reset clears all data (for demo/testing).
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = make(map[balance.AccountKey]balance.Account)
	m.transactions = make(map[txKey]balance.Transaction)
	m.snapshots = make(map[balance.AccountKey][]balance.Snapshot)
	return nil
}

// WithTx executes fn within a transaction.
// For the memory store this is simulated with a copy + restore on error.
func (m *Memory) WithTx(ctx context.Context, fn func(balance.TransactionWriter) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Snapshot current state
	saved := m.copyState()

	if err := fn(&txView{parent: m}); err != nil {
		// Rollback
		m.restore(saved)
		return err
	}
	return nil
}

type memoryState struct {
	accounts     map[balance.AccountKey]balance.Account
	transactions map[txKey]balance.Transaction
}

// Snapshots are written only by the recalculator, outside WithTx, so they
// are not part of the saved state.
func (m *Memory) copyState() memoryState {
	accts := make(map[balance.AccountKey]balance.Account, len(m.accounts))
	for k, v := range m.accounts {
		accts[k] = v
	}
	txs := make(map[txKey]balance.Transaction, len(m.transactions))
	for k, v := range m.transactions {
		txs[k] = v
	}
	return memoryState{accounts: accts, transactions: txs}
}

func (m *Memory) restore(s memoryState) {
	m.accounts = s.accounts
	m.transactions = s.transactions
}

// txView operates on the parent's maps directly; the parent's lock is held
// by WithTx for the view's whole lifetime.
type txView struct {
	parent *Memory
}

func (v *txView) GetTransaction(_ context.Context, tenantID balance.TenantID, id balance.TransactionID) (*balance.Transaction, error) {
	return v.parent.getLocked(tenantID, id), nil
}

func (v *txView) InsertTransaction(_ context.Context, tx balance.Transaction) error {
	k := txKey{TenantID: tx.TenantID, ID: tx.ID}
	if _, ok := v.parent.transactions[k]; ok {
		return fmt.Errorf("%w: %s", balance.ErrDuplicateTransaction, tx.ID)
	}
	v.parent.transactions[k] = tx
	return nil
}

func (v *txView) UpdateTransaction(_ context.Context, tx balance.Transaction) error {
	k := txKey{TenantID: tx.TenantID, ID: tx.ID}
	if _, ok := v.parent.transactions[k]; !ok {
		return fmt.Errorf("%w: %s", balance.ErrTransactionNotFound, tx.ID)
	}
	v.parent.transactions[k] = tx
	return nil
}

func (v *txView) DeleteTransaction(_ context.Context, tenantID balance.TenantID, id balance.TransactionID) error {
	k := txKey{TenantID: tenantID, ID: id}
	if _, ok := v.parent.transactions[k]; !ok {
		return fmt.Errorf("%w: %s", balance.ErrTransactionNotFound, id)
	}
	delete(v.parent.transactions, k)
	return nil
}

func (v *txView) Account(_ context.Context, tenantID balance.TenantID, accountID balance.AccountID) (*balance.Account, error) {
	return v.parent.accountLocked(tenantID, accountID)
}

func (v *txView) SaveAccount(_ context.Context, acct balance.Account) error {
	v.parent.accounts[acct.Key()] = acct
	return nil
}

func (v *txView) CreateAccount(_ context.Context, acct balance.Account) error {
	if _, ok := v.parent.accounts[acct.Key()]; ok {
		return fmt.Errorf("%w: %s", balance.ErrAccountExists, acct.ID)
	}
	v.parent.accounts[acct.Key()] = acct
	return nil
}

func (v *txView) LastSnapshotDate(_ context.Context, key balance.AccountKey) (balance.Day, bool, error) {
	return v.parent.lastDateLocked(key)
}

func (v *txView) FirstSnapshotDate(_ context.Context, key balance.AccountKey) (balance.Day, bool, error) {
	return v.parent.firstDateLocked(key)
}

var (
	_ balance.Storage           = (*Memory)(nil)
	_ balance.TransactionReader = (*Memory)(nil)
	_ balance.AccountLister     = (*Memory)(nil)
)
