/*
engine.go - Write batches and the balance read API

PURPOSE:
  Wires the tracker, scheduler and recalculator around a store.

WRITE PATH (Write):
  1. Open one storage transaction.
  2. Each mutation on the Batch reads the before image inside that
     transaction, writes, and tells the batch's Tracker.
  3. Commit. If fn or the commit fails, nothing is scheduled.
  4. After commit, drain the tracker and hand the ranges to the Scheduler.

  Change notifications are therefore a plain list owned by one batch and
  delivered only after commit; there is no observer on a live transaction.

EXTERNAL WRITES (Apply):
  When another service owns the transaction store and sends committed change
  notifications (see events/kafka), Apply tracks and schedules them the same way.

READ PATH:
  BalanceOnDate:     read; if missing, recompute up to the date and re-read
  BalancesForPeriod: always recompute the period, then read ascending
*/
package balance

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Storage is everything the engine needs from one backing store.
type Storage interface {
	AccountDirectory
	Aggregator
	SnapshotStore
	TxStore
}

// Options tune an Engine. Zero values pick defaults.
type Options struct {
	Locker      Locker // default: in-process KeyedMutex
	MaxAttempts int    // whole-range retries on conflict, default 3
	Workers     int    // parallel accounts per scheduler run, default 1
	Notifier    RecomputeNotifier
	Log         zerolog.Logger
	Now         Clock
}

type Engine struct {
	Store     Storage
	Recalc    *Recalculator
	Scheduler *Scheduler
	Log       zerolog.Logger
	now       Clock
}

func NewEngine(store Storage, opts Options) *Engine {
	locker := opts.Locker
	if locker == nil {
		locker = NewKeyedMutex()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	recalc := &Recalculator{
		Accounts:    store,
		Sums:        store,
		Snapshots:   store,
		Locks:       locker,
		MaxAttempts: opts.MaxAttempts,
		Notifier:    opts.Notifier,
		Log:         opts.Log.With().Str("component", "recalc").Logger(),
	}
	return &Engine{
		Store:  store,
		Recalc: recalc,
		Scheduler: &Scheduler{
			Recalc:  recalc,
			Workers: opts.Workers,
			Log:     opts.Log.With().Str("component", "scheduler").Logger(),
		},
		Log: opts.Log,
		now: now,
	}
}

// =============================================================================
// WRITE PATH
// =============================================================================

// Write runs fn inside one storage transaction and recomputes the affected
// ranges once the transaction has committed. A *ScheduleError return means
// the write is durable but some ranges still need a retry.
func (e *Engine) Write(ctx context.Context, fn func(ctx context.Context, b *Batch) error) error {
	var pending []PendingRange
	err := e.Store.WithTx(ctx, func(w TransactionWriter) error {
		b := &Batch{w: w, tracker: NewTracker(w.LastSnapshotDate), now: e.now}
		if err := fn(ctx, b); err != nil {
			return err
		}
		pending = b.tracker.Drain()
		return nil
	})
	if err != nil {
		return err
	}
	return e.Scheduler.Run(ctx, pending)
}

// Apply schedules changes that were committed elsewhere.
func (e *Engine) Apply(ctx context.Context, changes []Change) error {
	tracker := NewTracker(func(ctx context.Context, key AccountKey) (Day, bool, error) {
		return e.Store.LastDate(ctx, key.TenantID, key.AccountID)
	})
	for _, c := range changes {
		if err := tracker.Track(ctx, c); err != nil {
			return err
		}
	}
	return e.Scheduler.Run(ctx, tracker.Drain())
}

// Batch is the write handle inside Engine.Write.
type Batch struct {
	w       TransactionWriter
	tracker *Tracker
	now     Clock
}

func (b *Batch) existing(ctx context.Context, tenantID TenantID, id TransactionID) (*Transaction, error) {
	tx, err := b.w.GetTransaction(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	return tx, nil
}

// matchCurrency defaults an empty currency to the account's and rejects any other.
func matchCurrency(tx *Transaction, acct Account) error {
	if tx.Currency == "" {
		tx.Currency = acct.Currency
		return nil
	}
	if tx.Currency != acct.Currency {
		return fmt.Errorf("%w: account %s holds %s, got %s", ErrCurrencyMismatch, acct.ID, acct.Currency, tx.Currency)
	}
	return nil
}

// Insert records a new transaction. An empty currency defaults to the account's.
func (b *Batch) Insert(ctx context.Context, tx Transaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	acct, err := b.w.Account(ctx, tx.TenantID, tx.AccountID)
	if err != nil {
		return err
	}
	if err := matchCurrency(&tx, *acct); err != nil {
		return err
	}
	tx.OccurredOn = DayOf(tx.OccurredOn.Time)
	now := b.now().UTC()
	tx.CreatedAt, tx.UpdatedAt = now, now

	if err := b.w.InsertTransaction(ctx, tx); err != nil {
		return err
	}
	return b.tracker.Track(ctx, Inserted(tx))
}

// Update replaces a transaction's account, direction, amount, currency,
// date and note. Soft-delete state is left alone; use SoftDelete/Restore.
func (b *Batch) Update(ctx context.Context, tx Transaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	before, err := b.existing(ctx, tx.TenantID, tx.ID)
	if err != nil {
		return err
	}
	acct, err := b.w.Account(ctx, tx.TenantID, tx.AccountID)
	if err != nil {
		return err
	}
	if err := matchCurrency(&tx, *acct); err != nil {
		return err
	}
	tx.OccurredOn = DayOf(tx.OccurredOn.Time)
	tx.CreatedAt = before.CreatedAt
	tx.DeletedAt = before.DeletedAt
	tx.UpdatedAt = b.now().UTC()

	if err := b.w.UpdateTransaction(ctx, tx); err != nil {
		return err
	}
	return b.tracker.Track(ctx, Updated(*before, tx))
}

// SoftDelete marks a transaction deleted. Deleting twice is a no-op.
func (b *Batch) SoftDelete(ctx context.Context, tenantID TenantID, id TransactionID) error {
	before, err := b.existing(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if before.IsDeleted() {
		return nil
	}
	after := *before
	now := b.now().UTC()
	after.DeletedAt = &now
	after.UpdatedAt = now
	if err := b.w.UpdateTransaction(ctx, after); err != nil {
		return err
	}
	return b.tracker.Track(ctx, Updated(*before, after))
}

// Restore clears a soft delete.
func (b *Batch) Restore(ctx context.Context, tenantID TenantID, id TransactionID) error {
	before, err := b.existing(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if !before.IsDeleted() {
		return nil
	}
	after := *before
	after.DeletedAt = nil
	after.UpdatedAt = b.now().UTC()
	if err := b.w.UpdateTransaction(ctx, after); err != nil {
		return err
	}
	return b.tracker.Track(ctx, Updated(*before, after))
}

// Delete removes a transaction for good.
func (b *Batch) Delete(ctx context.Context, tenantID TenantID, id TransactionID) error {
	before, err := b.existing(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if err := b.w.DeleteTransaction(ctx, tenantID, id); err != nil {
		return err
	}
	return b.tracker.Track(ctx, Deleted(*before))
}

func normalizeAccount(acct *Account) error {
	switch {
	case acct.ID == "":
		return &FieldError{Field: "id", Reason: "required"}
	case acct.TenantID == "":
		return &FieldError{Field: "tenant_id", Reason: "required"}
	case !acct.Currency.Known():
		return &FieldError{Field: "currency", Reason: fmt.Sprintf("unknown currency %q", acct.Currency)}
	}
	if acct.HasOpeningDate() {
		acct.OpeningDate = DayOf(acct.OpeningDate.Time)
	}
	return nil
}

// CreateAccount adds a new account and fails with ErrAccountExists when the
// ID is taken, also against a concurrent create.
func (b *Batch) CreateAccount(ctx context.Context, acct Account) error {
	if err := normalizeAccount(&acct); err != nil {
		return err
	}
	return b.w.CreateAccount(ctx, acct)
}

// SaveAccount creates an account or updates its name and declared opening
// balance. Changing an existing account's currency is rejected.
func (b *Batch) SaveAccount(ctx context.Context, acct Account) error {
	if err := normalizeAccount(&acct); err != nil {
		return err
	}

	before, err := b.w.Account(ctx, acct.TenantID, acct.ID)
	if err != nil && !IsNotFound(err) {
		return err
	}
	if before != nil && before.Currency != acct.Currency {
		return &FieldError{Field: "currency", Reason: "cannot change the currency of an existing account"}
	}
	if err := b.w.SaveAccount(ctx, acct); err != nil {
		return err
	}
	if before == nil {
		return nil
	}
	first, _, err := b.w.FirstSnapshotDate(ctx, acct.Key())
	if err != nil {
		return fmt.Errorf("first snapshot date for %s: %w", acct.Key(), err)
	}
	return b.tracker.TrackOpeningBalance(ctx, *before, acct, first)
}

// =============================================================================
// OPERATIONAL API
// =============================================================================

// RecalcRange recomputes [from, to] for one account. Idempotent; safe for
// forced rebuilds.
func (e *Engine) RecalcRange(ctx context.Context, tenantID TenantID, accountID AccountID, from, to Day) error {
	return e.Recalc.RecalcRange(ctx, tenantID, accountID, from, to)
}

// Rebuild recomputes an account from its inception (the earlier of the
// declared opening date and its first transaction) through `through`.
func (e *Engine) Rebuild(ctx context.Context, tenantID TenantID, accountID AccountID, through Day) (Range, error) {
	acct, err := e.Store.Account(ctx, tenantID, accountID)
	if err != nil {
		return Range{}, err
	}
	from, err := e.inception(ctx, *acct)
	if err != nil {
		return Range{}, err
	}
	if from.IsZero() || from.After(through) {
		from = through
	}
	rng, err := NewRange(from, through)
	if err != nil {
		return Range{}, err
	}
	return rng, e.RecalcRange(ctx, tenantID, accountID, rng.From, rng.To)
}

func (e *Engine) inception(ctx context.Context, acct Account) (Day, error) {
	first, ok, err := e.Store.FirstActivity(ctx, acct)
	if err != nil {
		return Day{}, fmt.Errorf("first activity of %s: %w", acct.Key(), err)
	}
	switch {
	case ok && acct.HasOpeningDate():
		return MinDay(first, acct.OpeningDate), nil
	case ok:
		return first, nil
	default:
		return acct.OpeningDate, nil
	}
}

// =============================================================================
// READ API
// =============================================================================

// BalanceOnDate returns the snapshot of day, computing it when absent.
func (e *Engine) BalanceOnDate(ctx context.Context, tenantID TenantID, accountID AccountID, day Day) (*Snapshot, error) {
	day = DayOf(day.Time)
	snap, err := e.Store.FindOne(ctx, tenantID, accountID, day)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		return snap, nil
	}

	from, err := e.gapStart(ctx, tenantID, accountID, day)
	if err != nil {
		return nil, err
	}
	if err := e.RecalcRange(ctx, tenantID, accountID, from, day); err != nil {
		return nil, err
	}
	return e.Store.FindOne(ctx, tenantID, accountID, day)
}

// BalancesForPeriod recomputes [from, to] and returns it ordered by date.
func (e *Engine) BalancesForPeriod(ctx context.Context, tenantID TenantID, accountID AccountID, from, to Day) ([]Snapshot, error) {
	rng, err := NewRange(from, to)
	if err != nil {
		return nil, err
	}
	start, err := e.gapStart(ctx, tenantID, accountID, rng.From)
	if err != nil {
		return nil, err
	}
	if err := e.RecalcRange(ctx, tenantID, accountID, start, rng.To); err != nil {
		return nil, err
	}
	return e.Store.FindRange(ctx, tenantID, accountID, rng)
}

// gapStart returns the first day that must be computed so that the chain
// reaching day has no hole: the day after the previous snapshot, or the
// account's inception when there is none. It equals day when the previous
// day already has a snapshot.
func (e *Engine) gapStart(ctx context.Context, tenantID TenantID, accountID AccountID, day Day) (Day, error) {
	acct, err := e.Store.Account(ctx, tenantID, accountID)
	if err != nil {
		return Day{}, err
	}
	prev, err := e.Store.FindBefore(ctx, tenantID, accountID, day)
	if err != nil {
		return Day{}, err
	}
	if prev != nil {
		return MinDay(prev.Date.AddDays(1), day), nil
	}
	start, err := e.inception(ctx, *acct)
	if err != nil {
		return Day{}, err
	}
	if start.IsZero() || start.After(day) {
		return day, nil
	}
	return start, nil
}
