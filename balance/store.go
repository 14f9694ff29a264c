/*
store.go - Persistence contracts for the balance engine

KEY INTERFACES:
  AccountDirectory: account identity, currency and declared opening balance
  Aggregator:       per-day inflow/outflow sums (the aggregation query)
  SnapshotStore:    one row per (tenant, account, day)
  TxStore:          transactional writes to the transaction store
  Locker:           per-account exclusive scope for recomputation

NOT FOUND:
  Single-row lookups return (nil, nil) when the row does not exist, except
  AccountDirectory.Account which returns ErrAccountNotFound because a
  recompute against an unknown account is a validation failure.

IMPLEMENTATIONS:
  - balance/store/memory.go: in-memory, for tests and dev
  - store/sqlite/sqlite.go:  SQLite
  - store/postgres:          PostgreSQL with advisory locks
*/
package balance

import (
	"context"
	"time"
)

// =============================================================================
// ACCOUNT DIRECTORY
// =============================================================================

type AccountDirectory interface {
	// Account returns the account or ErrAccountNotFound.
	Account(ctx context.Context, tenantID TenantID, accountID AccountID) (*Account, error)
}

// AccountLister is implemented by directories that can enumerate accounts.
// Used by the roll-forward scheduler.
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]Account, error)
}

// =============================================================================
// AGGREGATION QUERY
// =============================================================================

type Aggregator interface {
	// SumByDay returns inflow/outflow totals per day in rng, in one query.
	// Soft-deleted rows and rows whose currency differs from acct.Currency
	// are excluded. Days without activity are absent from the map.
	SumByDay(ctx context.Context, acct Account, rng Range) (map[Day]DaySums, error)

	// FirstActivity returns the earliest day with a counted transaction.
	FirstActivity(ctx context.Context, acct Account) (Day, bool, error)
}

// =============================================================================
// SNAPSHOT STORE
// =============================================================================

type SnapshotStore interface {
	// UpsertMany writes all rows atomically, keyed by (tenant, account, date).
	UpsertMany(ctx context.Context, rows []Snapshot) error

	// FindBefore returns the latest snapshot strictly before day.
	FindBefore(ctx context.Context, tenantID TenantID, accountID AccountID, day Day) (*Snapshot, error)

	// FindRange returns snapshots in rng ordered by date ascending.
	FindRange(ctx context.Context, tenantID TenantID, accountID AccountID, rng Range) ([]Snapshot, error)

	// FindOne returns the snapshot on day.
	FindOne(ctx context.Context, tenantID TenantID, accountID AccountID, day Day) (*Snapshot, error)

	// LastDate returns the date of the latest snapshot of the account.
	LastDate(ctx context.Context, tenantID TenantID, accountID AccountID) (Day, bool, error)

	// FirstDate returns the date of the earliest snapshot of the account.
	FirstDate(ctx context.Context, tenantID TenantID, accountID AccountID) (Day, bool, error)
}

// =============================================================================
// TRANSACTION STORE - Writes happen inside WithTx
// =============================================================================

// TransactionWriter is the view of the transaction store inside one write.
type TransactionWriter interface {
	GetTransaction(ctx context.Context, tenantID TenantID, id TransactionID) (*Transaction, error)
	InsertTransaction(ctx context.Context, tx Transaction) error
	UpdateTransaction(ctx context.Context, tx Transaction) error
	DeleteTransaction(ctx context.Context, tenantID TenantID, id TransactionID) error

	// Account reads and the opening-balance write go through the same
	// transaction so currency checks and tracking see uncommitted state.
	Account(ctx context.Context, tenantID TenantID, accountID AccountID) (*Account, error)
	SaveAccount(ctx context.Context, acct Account) error
	// CreateAccount inserts only, returning ErrAccountExists when the ID is taken.
	CreateAccount(ctx context.Context, acct Account) error

	// LastSnapshotDate is the tracker's lookup. It must not take locks the
	// enclosing WithTx already holds.
	LastSnapshotDate(ctx context.Context, key AccountKey) (Day, bool, error)

	// FirstSnapshotDate bounds the recompute after an opening balance change.
	FirstSnapshotDate(ctx context.Context, key AccountKey) (Day, bool, error)
}

// TxStore runs fn in one storage transaction.
// If fn returns an error the transaction is rolled back; otherwise committed.
type TxStore interface {
	WithTx(ctx context.Context, fn func(TransactionWriter) error) error
}

// TransactionReader is the read side used by the API.
type TransactionReader interface {
	GetTransaction(ctx context.Context, tenantID TenantID, id TransactionID) (*Transaction, error)
	ListTransactions(ctx context.Context, tenantID TenantID, accountID AccountID, rng Range) ([]Transaction, error)
}

// =============================================================================
// LOCKER - Per-account mutual exclusion for recomputation
// =============================================================================

type Locker interface {
	// WithLock runs fn while holding the exclusive scope for key.
	WithLock(ctx context.Context, key AccountKey, fn func(ctx context.Context) error) error
}

// Clock lets tests pin "now".
type Clock func() time.Time
