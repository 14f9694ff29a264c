/*
Package sqlite provides a SQLite-backed implementation of the balance storage interfaces.

PURPOSE:
  Implements every persistence contract the balance engine needs (account
  directory, transaction store, aggregation query, snapshot store) on one
  SQLite database. The PostgreSQL store in store/postgres follows the same
  schema with dialect changes only.

INTERFACES IMPLEMENTED:
  balance.Storage:           AccountDirectory + Aggregator + SnapshotStore + TxStore
  balance.TransactionReader: transaction lookups for the API
  balance.AccountLister:     account enumeration for the roll-forward scheduler

KEY TABLES:
  accounts:       identity, currency, declared opening balance
  transactions:   mutable ledger rows; soft delete via deleted_at
  daily_balances: one row per (tenant, account, date), written only by recompute

AMOUNTS AND DATES:
  Amounts are INTEGER minor units. Dates are TEXT "YYYY-MM-DD", so text
  comparison is date comparison and BETWEEN works on ranges.

INDEXES:
  - idx_transactions_account_day: the aggregation query (hot path), partial
    on live rows only
  - daily_balances primary key: upsert target and range reads

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection: SQLite has one
  writer at a time, and ":memory:" databases are per connection. A busy or
  locked database surfaces as balance.ErrConcurrentModification so the
  recalculator retries the whole range.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better crash recovery.

USAGE:
  store, err := sqlite.New("./data/balances.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := balance.NewEngine(store, balance.Options{})

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - balance/store.go: Interface definitions
  - balance/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/balance-engine/balance"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		currency TEXT NOT NULL,
		opening_balance INTEGER NOT NULL DEFAULT 0,
		opening_date TEXT,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE TABLE IF NOT EXISTS transactions (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		direction TEXT NOT NULL CHECK (direction IN ('inflow', 'outflow')),
		amount INTEGER NOT NULL CHECK (amount >= 0),
		currency TEXT NOT NULL,
		occurred_on TEXT NOT NULL,
		note TEXT,
		deleted_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, id),
		FOREIGN KEY (tenant_id, account_id) REFERENCES accounts(tenant_id, id)
	);

	-- Aggregation query: live rows of one account over a date range
	CREATE INDEX IF NOT EXISTS idx_transactions_account_day
		ON transactions(tenant_id, account_id, occurred_on)
		WHERE deleted_at IS NULL;

	-- Materialized daily balances, one row per account per day
	CREATE TABLE IF NOT EXISTS daily_balances (
		tenant_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		date TEXT NOT NULL,
		opening INTEGER NOT NULL,
		inflow INTEGER NOT NULL,
		outflow INTEGER NOT NULL,
		closing INTEGER NOT NULL,
		currency TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, account_id, date)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ACCOUNT DIRECTORY
// =============================================================================

const accountColumns = `tenant_id, id, name, currency, opening_balance, opening_date`

func (s *Store) Account(ctx context.Context, tenantID balance.TenantID, accountID balance.AccountID) (*balance.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, tenantID, accountID)
}

func getAccount(ctx context.Context, q queryer, tenantID balance.TenantID, accountID balance.AccountID) (*balance.Account, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE tenant_id = ? AND id = ?`,
		tenantID, accountID)
	acct, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", balance.ErrAccountNotFound, tenantID, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return &acct, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]balance.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY tenant_id, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var result []balance.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, acct)
	}
	return result, rows.Err()
}

func saveAccount(ctx context.Context, q queryer, acct balance.Account) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, id) DO UPDATE SET
			name = excluded.name,
			currency = excluded.currency,
			opening_balance = excluded.opening_balance,
			opening_date = excluded.opening_date
	`,
		acct.TenantID, acct.ID, acct.Name, acct.Currency,
		int64(acct.OpeningBalance), nullDay(acct.OpeningDate),
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to save account: %w", err))
	}
	return nil
}

func createAccount(ctx context.Context, q queryer, acct balance.Account) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		acct.TenantID, acct.ID, acct.Name, acct.Currency,
		int64(acct.OpeningBalance), nullDay(acct.OpeningDate),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", balance.ErrAccountExists, acct.ID)
		}
		return mapError(fmt.Errorf("failed to create account: %w", err))
	}
	return nil
}

// =============================================================================
// AGGREGATION QUERY
// =============================================================================

// SumByDay runs the aggregation query: one GROUP BY over the account's live,
// same-currency transactions in rng.
func (s *Store) SumByDay(ctx context.Context, acct balance.Account, rng balance.Range) (map[balance.Day]balance.DaySums, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_on,
			COALESCE(SUM(CASE WHEN direction = 'inflow' THEN amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN direction = 'outflow' THEN amount ELSE 0 END), 0)
		FROM transactions
		WHERE tenant_id = ? AND account_id = ?
			AND deleted_at IS NULL
			AND currency = ?
			AND occurred_on BETWEEN ? AND ?
		GROUP BY occurred_on
	`, acct.TenantID, acct.ID, acct.Currency, rng.From.String(), rng.To.String())
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to aggregate transactions: %w", err))
	}
	defer rows.Close()

	sums := make(map[balance.Day]balance.DaySums)
	for rows.Next() {
		var day string
		var in, out int64
		if err := rows.Scan(&day, &in, &out); err != nil {
			return nil, err
		}
		d, err := balance.ParseDay(day)
		if err != nil {
			return nil, err
		}
		sums[d] = balance.DaySums{Inflow: balance.Amount(in), Outflow: balance.Amount(out)}
	}
	return sums, rows.Err()
}

func (s *Store) FirstActivity(ctx context.Context, acct balance.Account) (balance.Day, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var first sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(occurred_on) FROM transactions
		WHERE tenant_id = ? AND account_id = ? AND deleted_at IS NULL AND currency = ?
	`, acct.TenantID, acct.ID, acct.Currency).Scan(&first)
	if err != nil {
		return balance.Day{}, false, err
	}
	return parseNullDay(first)
}

// =============================================================================
// SNAPSHOT STORE
// =============================================================================

const snapshotColumns = `tenant_id, account_id, date, opening, inflow, outflow, closing, currency`

// UpsertMany writes all rows in one database transaction.
func (s *Store) UpsertMany(ctx context.Context, rows []balance.Snapshot) error {
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	stmt, err := sqlTx.PrepareContext(ctx, `
		INSERT INTO daily_balances (`+snapshotColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, account_id, date) DO UPDATE SET
			opening = excluded.opening,
			inflow = excluded.inflow,
			outflow = excluded.outflow,
			closing = excluded.closing,
			currency = excluded.currency,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return mapError(fmt.Errorf("failed to prepare upsert: %w", err))
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, r := range rows {
		_, err := stmt.ExecContext(ctx,
			r.TenantID, r.AccountID, r.Date.String(),
			int64(r.Opening), int64(r.Inflow), int64(r.Outflow), int64(r.Closing),
			r.Currency, now,
		)
		if err != nil {
			return mapError(fmt.Errorf("failed to upsert snapshot %s: %w", r.Date, err))
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit snapshots: %w", err))
	}
	return nil
}

func (s *Store) FindBefore(ctx context.Context, tenantID balance.TenantID, accountID balance.AccountID, day balance.Day) (*balance.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findSnapshot(ctx, `
		SELECT `+snapshotColumns+` FROM daily_balances
		WHERE tenant_id = ? AND account_id = ? AND date < ?
		ORDER BY date DESC LIMIT 1
	`, tenantID, accountID, day.String())
}

func (s *Store) FindOne(ctx context.Context, tenantID balance.TenantID, accountID balance.AccountID, day balance.Day) (*balance.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findSnapshot(ctx, `
		SELECT `+snapshotColumns+` FROM daily_balances
		WHERE tenant_id = ? AND account_id = ? AND date = ?
	`, tenantID, accountID, day.String())
}

func (s *Store) findSnapshot(ctx context.Context, query string, args ...any) (*balance.Snapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return &snap, nil
}

func (s *Store) FindRange(ctx context.Context, tenantID balance.TenantID, accountID balance.AccountID, rng balance.Range) ([]balance.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+` FROM daily_balances
		WHERE tenant_id = ? AND account_id = ? AND date BETWEEN ? AND ?
		ORDER BY date ASC
	`, tenantID, accountID, rng.From.String(), rng.To.String())
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshots: %w", err)
	}
	defer rows.Close()

	var result []balance.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}

func (s *Store) LastDate(ctx context.Context, tenantID balance.TenantID, accountID balance.AccountID) (balance.Day, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotBound(ctx, s.db, "MAX", balance.AccountKey{TenantID: tenantID, AccountID: accountID})
}

func (s *Store) FirstDate(ctx context.Context, tenantID balance.TenantID, accountID balance.AccountID) (balance.Day, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotBound(ctx, s.db, "MIN", balance.AccountKey{TenantID: tenantID, AccountID: accountID})
}

// snapshotBound returns MIN or MAX of the account's snapshot dates.
func snapshotBound(ctx context.Context, q queryer, agg string, key balance.AccountKey) (balance.Day, bool, error) {
	var bound sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT `+agg+`(date) FROM daily_balances WHERE tenant_id = ? AND account_id = ?`,
		key.TenantID, key.AccountID,
	).Scan(&bound)
	if err != nil {
		return balance.Day{}, false, err
	}
	return parseNullDay(bound)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const transactionColumns = `tenant_id, id, account_id, direction, amount, currency, occurred_on, note, deleted_at, created_at, updated_at`

func (s *Store) GetTransaction(ctx context.Context, tenantID balance.TenantID, id balance.TransactionID) (*balance.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTransaction(ctx, s.db, tenantID, id)
}

func getTransaction(ctx context.Context, q queryer, tenantID balance.TenantID, id balance.TransactionID) (*balance.Transaction, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE tenant_id = ? AND id = ?`,
		tenantID, id)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return &tx, nil
}

// ListTransactions returns the account's transactions in rng, soft-deleted
// ones included.
func (s *Store) ListTransactions(ctx context.Context, tenantID balance.TenantID, accountID balance.AccountID, rng balance.Range) ([]balance.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE tenant_id = ? AND account_id = ? AND occurred_on BETWEEN ? AND ?
		ORDER BY occurred_on, created_at, id
	`, tenantID, accountID, rng.From.String(), rng.To.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var result []balance.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func insertTransaction(ctx context.Context, q queryer, tx balance.Transaction) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, transactionArgs(tx)...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", balance.ErrDuplicateTransaction, tx.ID)
		}
		return mapError(fmt.Errorf("failed to insert transaction: %w", err))
	}
	return nil
}

func updateTransaction(ctx context.Context, q queryer, tx balance.Transaction) error {
	res, err := q.ExecContext(ctx, `
		UPDATE transactions SET
			account_id = ?, direction = ?, amount = ?, currency = ?, occurred_on = ?,
			note = ?, deleted_at = ?, updated_at = ?
		WHERE tenant_id = ? AND id = ?
	`,
		tx.AccountID, tx.Direction, int64(tx.Amount), tx.Currency, tx.OccurredOn.String(),
		nullString(tx.Note), nullTime(tx.DeletedAt), tx.UpdatedAt.UTC().Format(time.RFC3339Nano),
		tx.TenantID, tx.ID,
	)
	if err != nil {
		return mapError(fmt.Errorf("failed to update transaction: %w", err))
	}
	return expectOneRow(res, tx.ID)
}

func deleteTransaction(ctx context.Context, q queryer, tenantID balance.TenantID, id balance.TransactionID) error {
	res, err := q.ExecContext(ctx, `DELETE FROM transactions WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return mapError(fmt.Errorf("failed to delete transaction: %w", err))
	}
	return expectOneRow(res, id)
}

func expectOneRow(res sql.Result, id balance.TransactionID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", balance.ErrTransactionNotFound, id)
	}
	return nil
}

func transactionArgs(tx balance.Transaction) []any {
	return []any{
		tx.TenantID, tx.ID, tx.AccountID, tx.Direction, int64(tx.Amount), tx.Currency,
		tx.OccurredOn.String(), nullString(tx.Note), nullTime(tx.DeletedAt),
		tx.CreatedAt.UTC().Format(time.RFC3339Nano), tx.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// =============================================================================
// TRANSACTION SUPPORT
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(balance.TransactionWriter) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapError(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

// txStore runs every statement on the open *sql.Tx. It never touches the
// parent's mutex or pool, both of which WithTx already holds.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetTransaction(ctx context.Context, tenantID balance.TenantID, id balance.TransactionID) (*balance.Transaction, error) {
	return getTransaction(ctx, ts.tx, tenantID, id)
}

func (ts *txStore) InsertTransaction(ctx context.Context, tx balance.Transaction) error {
	return insertTransaction(ctx, ts.tx, tx)
}

func (ts *txStore) UpdateTransaction(ctx context.Context, tx balance.Transaction) error {
	return updateTransaction(ctx, ts.tx, tx)
}

func (ts *txStore) DeleteTransaction(ctx context.Context, tenantID balance.TenantID, id balance.TransactionID) error {
	return deleteTransaction(ctx, ts.tx, tenantID, id)
}

func (ts *txStore) Account(ctx context.Context, tenantID balance.TenantID, accountID balance.AccountID) (*balance.Account, error) {
	return getAccount(ctx, ts.tx, tenantID, accountID)
}

func (ts *txStore) SaveAccount(ctx context.Context, acct balance.Account) error {
	return saveAccount(ctx, ts.tx, acct)
}

func (ts *txStore) CreateAccount(ctx context.Context, acct balance.Account) error {
	return createAccount(ctx, ts.tx, acct)
}

func (ts *txStore) LastSnapshotDate(ctx context.Context, key balance.AccountKey) (balance.Day, bool, error) {
	return snapshotBound(ctx, ts.tx, "MAX", key)
}

func (ts *txStore) FirstSnapshotDate(ctx context.Context, key balance.AccountKey) (balance.Day, bool, error) {
	return snapshotBound(ctx, ts.tx, "MIN", key)
}

// =============================================================================
// UTILITY
// =============================================================================

// Reset clears all data (for demo/testing).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"daily_balances", "transactions", "accounts"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (balance.Account, error) {
	var (
		acct        balance.Account
		openingDate sql.NullString
		opening     int64
	)
	if err := row.Scan(&acct.TenantID, &acct.ID, &acct.Name, &acct.Currency, &opening, &openingDate); err != nil {
		return balance.Account{}, err
	}
	acct.OpeningBalance = balance.Amount(opening)
	day, _, err := parseNullDay(openingDate)
	if err != nil {
		return balance.Account{}, err
	}
	acct.OpeningDate = day
	return acct, nil
}

func scanSnapshot(row scanner) (balance.Snapshot, error) {
	var (
		snap                              balance.Snapshot
		date                              string
		opening, inflow, outflow, closing int64
	)
	err := row.Scan(&snap.TenantID, &snap.AccountID, &date, &opening, &inflow, &outflow, &closing, &snap.Currency)
	if err != nil {
		return balance.Snapshot{}, err
	}
	day, err := balance.ParseDay(date)
	if err != nil {
		return balance.Snapshot{}, err
	}
	snap.Date = day
	snap.Opening = balance.Amount(opening)
	snap.Inflow = balance.Amount(inflow)
	snap.Outflow = balance.Amount(outflow)
	snap.Closing = balance.Amount(closing)
	return snap, nil
}

func scanTransaction(row scanner) (balance.Transaction, error) {
	var (
		tx                   balance.Transaction
		amount               int64
		occurredOn           string
		note, deletedAt      sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&tx.TenantID, &tx.ID, &tx.AccountID, &tx.Direction, &amount, &tx.Currency,
		&occurredOn, &note, &deletedAt, &createdAt, &updatedAt)
	if err != nil {
		return balance.Transaction{}, err
	}

	tx.Amount = balance.Amount(amount)
	tx.Note = note.String
	if tx.OccurredOn, err = balance.ParseDay(occurredOn); err != nil {
		return balance.Transaction{}, err
	}
	if tx.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return balance.Transaction{}, err
	}
	if tx.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return balance.Transaction{}, err
	}
	if deletedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, deletedAt.String)
		if err != nil {
			return balance.Transaction{}, err
		}
		tx.DeletedAt = &t
	}
	return tx, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDay(d balance.Day) sql.NullString {
	if d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func parseNullDay(s sql.NullString) (balance.Day, bool, error) {
	if !s.Valid || s.String == "" {
		return balance.Day{}, false, nil
	}
	d, err := balance.ParseDay(s.String)
	if err != nil {
		return balance.Day{}, false, err
	}
	return d, true, nil
}

func isUniqueConstraintError(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// mapError turns SQLite busy/locked errors into balance.ErrConcurrentModification.
func mapError(err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) && (serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", balance.ErrConcurrentModification, err)
	}
	return err
}

var (
	_ balance.Storage           = (*Store)(nil)
	_ balance.TransactionReader = (*Store)(nil)
	_ balance.AccountLister     = (*Store)(nil)
)
