/*
Package postgres provides a PostgreSQL implementation of the balance storage
interfaces, plus a Locker backed by session advisory locks.

Same tables as store/sqlite, with native DATE / BIGINT / TIMESTAMPTZ columns.
Use the AdvisoryLocker when several processes recompute the same accounts:
the in-process balance.KeyedMutex only serializes one host.

Serialization failures (40001), deadlocks (40P01) and lock timeouts (55P03)
surface as balance.ErrConcurrentModification.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/balance-engine/balance"
)

type Store struct {
	pool *pgxpool.Pool
}

// New connects, pings and migrates.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 0
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() { s.pool.Close() }

// Pool exposes the pool for the advisory locker.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS accounts (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		currency TEXT NOT NULL,
		opening_balance BIGINT NOT NULL DEFAULT 0,
		opening_date DATE,
		PRIMARY KEY (tenant_id, id)
	);

	CREATE TABLE IF NOT EXISTS transactions (
		tenant_id TEXT NOT NULL,
		id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		direction TEXT NOT NULL CHECK (direction IN ('inflow', 'outflow')),
		amount BIGINT NOT NULL CHECK (amount >= 0),
		currency TEXT NOT NULL,
		occurred_on DATE NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		deleted_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, id),
		FOREIGN KEY (tenant_id, account_id) REFERENCES accounts (tenant_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_account_day
		ON transactions (tenant_id, account_id, occurred_on)
		WHERE deleted_at IS NULL;

	CREATE TABLE IF NOT EXISTS daily_balances (
		tenant_id TEXT NOT NULL,
		account_id TEXT NOT NULL,
		date DATE NOT NULL,
		opening BIGINT NOT NULL,
		inflow BIGINT NOT NULL,
		outflow BIGINT NOT NULL,
		closing BIGINT NOT NULL,
		currency TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (tenant_id, account_id, date)
	);
	`)
	return err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// dbConn is satisfied by both *pgxpool.Pool and *pgxpool.Conn.
type dbConn interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

type lockConnKey struct{}

// withLockConn makes the connection holding an advisory lock the one every
// Store call under ctx runs on. A lock holder therefore never waits on the
// pool while it owns a connection.
func withLockConn(ctx context.Context, conn *pgxpool.Conn) context.Context {
	return context.WithValue(ctx, lockConnKey{}, conn)
}

func (s *Store) conn(ctx context.Context) dbConn {
	if c, ok := ctx.Value(lockConnKey{}).(*pgxpool.Conn); ok {
		return c
	}
	return s.pool
}

// =============================================================================
// ACCOUNTS
// =============================================================================

const accountColumns = `tenant_id, id, name, currency, opening_balance, opening_date`

func (s *Store) Account(ctx context.Context, tenantID balance.TenantID, accountID balance.AccountID) (*balance.Account, error) {
	return getAccount(ctx, s.conn(ctx), tenantID, accountID)
}

func getAccount(ctx context.Context, q querier, tenantID balance.TenantID, accountID balance.AccountID) (*balance.Account, error) {
	rows, err := q.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE tenant_id = $1 AND id = $2`,
		string(tenantID), string(accountID))
	if err != nil {
		return nil, mapError(err)
	}
	acct, err := pgx.CollectExactlyOneRow(rows, rowToAccount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", balance.ErrAccountNotFound, tenantID, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return &acct, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]balance.Account, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY tenant_id, id`)
	if err != nil {
		return nil, mapError(err)
	}
	return pgx.CollectRows(rows, rowToAccount)
}

func saveAccount(ctx context.Context, q querier, acct balance.Account) error {
	_, err := q.Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, id) DO UPDATE SET
			name = EXCLUDED.name,
			currency = EXCLUDED.currency,
			opening_balance = EXCLUDED.opening_balance,
			opening_date = EXCLUDED.opening_date
	`, string(acct.TenantID), string(acct.ID), acct.Name, string(acct.Currency),
		int64(acct.OpeningBalance), dateArg(acct.OpeningDate))
	if err != nil {
		return mapError(fmt.Errorf("failed to save account: %w", err))
	}
	return nil
}

func createAccount(ctx context.Context, q querier, acct balance.Account) error {
	_, err := q.Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, string(acct.TenantID), string(acct.ID), acct.Name, string(acct.Currency),
		int64(acct.OpeningBalance), dateArg(acct.OpeningDate))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", balance.ErrAccountExists, acct.ID)
		}
		return mapError(fmt.Errorf("failed to create account: %w", err))
	}
	return nil
}

func rowToAccount(row pgx.CollectableRow) (balance.Account, error) {
	var (
		tenantID, id, name, currency string
		opening                      int64
		openingDate                  pgtype.Date
	)
	if err := row.Scan(&tenantID, &id, &name, &currency, &opening, &openingDate); err != nil {
		return balance.Account{}, err
	}
	acct := balance.Account{
		ID:             balance.AccountID(id),
		TenantID:       balance.TenantID(tenantID),
		Name:           name,
		Currency:       balance.Currency(currency),
		OpeningBalance: balance.Amount(opening),
	}
	if openingDate.Valid {
		acct.OpeningDate = balance.DayOf(openingDate.Time)
	}
	return acct, nil
}

// =============================================================================
// AGGREGATION QUERY
// =============================================================================

func (s *Store) SumByDay(ctx context.Context, acct balance.Account, rng balance.Range) (map[balance.Day]balance.DaySums, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT occurred_on,
			COALESCE(SUM(amount) FILTER (WHERE direction = 'inflow'), 0)::BIGINT,
			COALESCE(SUM(amount) FILTER (WHERE direction = 'outflow'), 0)::BIGINT
		FROM transactions
		WHERE tenant_id = $1 AND account_id = $2
			AND deleted_at IS NULL
			AND currency = $3
			AND occurred_on BETWEEN $4 AND $5
		GROUP BY occurred_on
	`, string(acct.TenantID), string(acct.ID), string(acct.Currency), rng.From.Time, rng.To.Time)
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to aggregate transactions: %w", err))
	}

	sums := make(map[balance.Day]balance.DaySums)
	var (
		day     time.Time
		in, out int64
	)
	_, err = pgx.ForEachRow(rows, []any{&day, &in, &out}, func() error {
		sums[balance.DayOf(day)] = balance.DaySums{Inflow: balance.Amount(in), Outflow: balance.Amount(out)}
		return nil
	})
	if err != nil {
		return nil, mapError(err)
	}
	return sums, nil
}

func (s *Store) FirstActivity(ctx context.Context, acct balance.Account) (balance.Day, bool, error) {
	var first pgtype.Date
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT MIN(occurred_on) FROM transactions
		WHERE tenant_id = $1 AND account_id = $2 AND deleted_at IS NULL AND currency = $3
	`, string(acct.TenantID), string(acct.ID), string(acct.Currency)).Scan(&first)
	if err != nil {
		return balance.Day{}, false, mapError(err)
	}
	if !first.Valid {
		return balance.Day{}, false, nil
	}
	return balance.DayOf(first.Time), true, nil
}

// =============================================================================
// SNAPSHOT STORE
// =============================================================================

const snapshotColumns = `tenant_id, account_id, date, opening, inflow, outflow, closing, currency`

const upsertSnapshot = `
	INSERT INTO daily_balances (` + snapshotColumns + `, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	ON CONFLICT (tenant_id, account_id, date) DO UPDATE SET
		opening = EXCLUDED.opening,
		inflow = EXCLUDED.inflow,
		outflow = EXCLUDED.outflow,
		closing = EXCLUDED.closing,
		currency = EXCLUDED.currency,
		updated_at = EXCLUDED.updated_at
`

// UpsertMany sends every row in one batch inside one transaction.
func (s *Store) UpsertMany(ctx context.Context, rows []balance.Snapshot) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.conn(ctx).Begin(ctx)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(upsertSnapshot,
			string(r.TenantID), string(r.AccountID), r.Date.Time,
			int64(r.Opening), int64(r.Inflow), int64(r.Outflow), int64(r.Closing),
			string(r.Currency))
	}
	br := tx.SendBatch(ctx, batch)
	for range rows {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return mapError(fmt.Errorf("failed to upsert snapshots: %w", err))
		}
	}
	if err := br.Close(); err != nil {
		return mapError(err)
	}
	return mapError(tx.Commit(ctx))
}

func (s *Store) FindBefore(ctx context.Context, tenantID balance.TenantID, accountID balance.AccountID, day balance.Day) (*balance.Snapshot, error) {
	return s.findSnapshot(ctx, `
		SELECT `+snapshotColumns+` FROM daily_balances
		WHERE tenant_id = $1 AND account_id = $2 AND date < $3
		ORDER BY date DESC LIMIT 1
	`, string(tenantID), string(accountID), day.Time)
}

func (s *Store) FindOne(ctx context.Context, tenantID balance.TenantID, accountID balance.AccountID, day balance.Day) (*balance.Snapshot, error) {
	return s.findSnapshot(ctx, `
		SELECT `+snapshotColumns+` FROM daily_balances
		WHERE tenant_id = $1 AND account_id = $2 AND date = $3
	`, string(tenantID), string(accountID), day.Time)
}

func (s *Store) findSnapshot(ctx context.Context, query string, args ...any) (*balance.Snapshot, error) {
	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	snap, err := pgx.CollectOneRow(rows, rowToSnapshot)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return &snap, nil
}

func (s *Store) FindRange(ctx context.Context, tenantID balance.TenantID, accountID balance.AccountID, rng balance.Range) ([]balance.Snapshot, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+snapshotColumns+` FROM daily_balances
		WHERE tenant_id = $1 AND account_id = $2 AND date BETWEEN $3 AND $4
		ORDER BY date ASC
	`, string(tenantID), string(accountID), rng.From.Time, rng.To.Time)
	if err != nil {
		return nil, mapError(err)
	}
	return pgx.CollectRows(rows, rowToSnapshot)
}

func (s *Store) LastDate(ctx context.Context, tenantID balance.TenantID, accountID balance.AccountID) (balance.Day, bool, error) {
	return snapshotBound(ctx, s.conn(ctx), "MAX", balance.AccountKey{TenantID: tenantID, AccountID: accountID})
}

func (s *Store) FirstDate(ctx context.Context, tenantID balance.TenantID, accountID balance.AccountID) (balance.Day, bool, error) {
	return snapshotBound(ctx, s.conn(ctx), "MIN", balance.AccountKey{TenantID: tenantID, AccountID: accountID})
}

// snapshotBound returns MIN or MAX of the account's snapshot dates.
func snapshotBound(ctx context.Context, q querier, agg string, key balance.AccountKey) (balance.Day, bool, error) {
	var bound pgtype.Date
	err := q.QueryRow(ctx, `SELECT `+agg+`(date) FROM daily_balances WHERE tenant_id = $1 AND account_id = $2`,
		string(key.TenantID), string(key.AccountID)).Scan(&bound)
	if err != nil {
		return balance.Day{}, false, mapError(err)
	}
	if !bound.Valid {
		return balance.Day{}, false, nil
	}
	return balance.DayOf(bound.Time), true, nil
}

func rowToSnapshot(row pgx.CollectableRow) (balance.Snapshot, error) {
	var (
		tenantID, accountID, currency     string
		date                              time.Time
		opening, inflow, outflow, closing int64
	)
	if err := row.Scan(&tenantID, &accountID, &date, &opening, &inflow, &outflow, &closing, &currency); err != nil {
		return balance.Snapshot{}, err
	}
	return balance.Snapshot{
		TenantID:  balance.TenantID(tenantID),
		AccountID: balance.AccountID(accountID),
		Date:      balance.DayOf(date),
		Opening:   balance.Amount(opening),
		Inflow:    balance.Amount(inflow),
		Outflow:   balance.Amount(outflow),
		Closing:   balance.Amount(closing),
		Currency:  balance.Currency(currency),
	}, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const transactionColumns = `tenant_id, id, account_id, direction, amount, currency, occurred_on, note, deleted_at, created_at, updated_at`

func (s *Store) GetTransaction(ctx context.Context, tenantID balance.TenantID, id balance.TransactionID) (*balance.Transaction, error) {
	return getTransaction(ctx, s.conn(ctx), tenantID, id)
}

func getTransaction(ctx context.Context, q querier, tenantID balance.TenantID, id balance.TransactionID) (*balance.Transaction, error) {
	rows, err := q.Query(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE tenant_id = $1 AND id = $2`,
		string(tenantID), string(id))
	if err != nil {
		return nil, mapError(err)
	}
	tx, err := pgx.CollectOneRow(rows, rowToTransaction)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return &tx, nil
}

func (s *Store) ListTransactions(ctx context.Context, tenantID balance.TenantID, accountID balance.AccountID, rng balance.Range) ([]balance.Transaction, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE tenant_id = $1 AND account_id = $2 AND occurred_on BETWEEN $3 AND $4
		ORDER BY occurred_on, created_at, id
	`, string(tenantID), string(accountID), rng.From.Time, rng.To.Time)
	if err != nil {
		return nil, mapError(err)
	}
	return pgx.CollectRows(rows, rowToTransaction)
}

func rowToTransaction(row pgx.CollectableRow) (balance.Transaction, error) {
	var (
		tenantID, id, accountID, direction, currency, note string
		amount                                             int64
		occurredOn, createdAt, updatedAt                   time.Time
		deletedAt                                          *time.Time
	)
	err := row.Scan(&tenantID, &id, &accountID, &direction, &amount, &currency,
		&occurredOn, &note, &deletedAt, &createdAt, &updatedAt)
	if err != nil {
		return balance.Transaction{}, err
	}
	return balance.Transaction{
		ID:         balance.TransactionID(id),
		TenantID:   balance.TenantID(tenantID),
		AccountID:  balance.AccountID(accountID),
		Direction:  balance.Direction(direction),
		Amount:     balance.Amount(amount),
		Currency:   balance.Currency(currency),
		OccurredOn: balance.DayOf(occurredOn),
		Note:       note,
		DeletedAt:  deletedAt,
		CreatedAt:  createdAt.UTC(),
		UpdatedAt:  updatedAt.UTC(),
	}, nil
}

// =============================================================================
// TRANSACTIONAL WRITES
// =============================================================================

// WithTx runs fn in one READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(balance.TransactionWriter) error) error {
	tx, err := s.conn(ctx).BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapError(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

type txStore struct {
	tx pgx.Tx
}

func (ts *txStore) GetTransaction(ctx context.Context, tenantID balance.TenantID, id balance.TransactionID) (*balance.Transaction, error) {
	return getTransaction(ctx, ts.tx, tenantID, id)
}

func (ts *txStore) InsertTransaction(ctx context.Context, t balance.Transaction) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, string(t.TenantID), string(t.ID), string(t.AccountID), string(t.Direction), int64(t.Amount),
		string(t.Currency), t.OccurredOn.Time, t.Note, t.DeletedAt, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", balance.ErrDuplicateTransaction, t.ID)
		}
		return mapError(fmt.Errorf("failed to insert transaction: %w", err))
	}
	return nil
}

func (ts *txStore) UpdateTransaction(ctx context.Context, t balance.Transaction) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE transactions SET
			account_id = $3, direction = $4, amount = $5, currency = $6, occurred_on = $7,
			note = $8, deleted_at = $9, updated_at = $10
		WHERE tenant_id = $1 AND id = $2
	`, string(t.TenantID), string(t.ID), string(t.AccountID), string(t.Direction), int64(t.Amount),
		string(t.Currency), t.OccurredOn.Time, t.Note, t.DeletedAt, t.UpdatedAt)
	if err != nil {
		return mapError(fmt.Errorf("failed to update transaction: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", balance.ErrTransactionNotFound, t.ID)
	}
	return nil
}

func (ts *txStore) DeleteTransaction(ctx context.Context, tenantID balance.TenantID, id balance.TransactionID) error {
	tag, err := ts.tx.Exec(ctx, `DELETE FROM transactions WHERE tenant_id = $1 AND id = $2`, string(tenantID), string(id))
	if err != nil {
		return mapError(fmt.Errorf("failed to delete transaction: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", balance.ErrTransactionNotFound, id)
	}
	return nil
}

// Account locks the row for the rest of the transaction so two writers
// cannot race on the opening balance.
func (ts *txStore) Account(ctx context.Context, tenantID balance.TenantID, accountID balance.AccountID) (*balance.Account, error) {
	rows, err := ts.tx.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE tenant_id = $1 AND id = $2 FOR UPDATE`,
		string(tenantID), string(accountID))
	if err != nil {
		return nil, mapError(err)
	}
	acct, err := pgx.CollectExactlyOneRow(rows, rowToAccount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", balance.ErrAccountNotFound, tenantID, accountID)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &acct, nil
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

// Reset clears all data (for demo/testing).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE daily_balances, transactions, accounts`)
	return err
}

// =============================================================================
// HELPERS
// =============================================================================

func dateArg(d balance.Day) pgtype.Date {
	if d.IsZero() {
		return pgtype.Date{}
	}
	return pgtype.Date{Time: d.Time, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// mapError turns serialization failures, deadlocks and lock timeouts into
// balance.ErrConcurrentModification.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %v", balance.ErrConcurrentModification, err)
		}
	}
	return err
}

var (
	_ balance.Storage           = (*Store)(nil)
	_ balance.TransactionReader = (*Store)(nil)
	_ balance.AccountLister     = (*Store)(nil)
)
