/*
tracker.go - Change tracking for one write batch

PURPOSE:
  Turns each create/update/delete of a transaction into the smallest
  (account, date-range) that must be recomputed, and merges ranges per
  account across the batch.

RANGES:
  insert/delete:  [date, max(date, last)]
  update:         [min(old, new), max(old, new, last)]
  account move:   one range per account, each against its own last date
  opening change: [min(first, oldDate, newDate), max(oldDate, newDate, last)]

  "last" is the account's last known snapshot date. Closing balances chain
  forward, so every snapshot after the earliest touched day is stale, but
  nothing past the last existing snapshot needs writing.

MEMOIZATION:
  last is looked up at most once per account per batch. The memo table is
  a field of the Tracker, which lives for exactly one batch; Drain discards it.
*/
package balance

import (
	"context"
	"fmt"
)

// Entry is one side of a change: where the transaction sat.
type Entry struct {
	AccountID AccountID
	Date      Day
}

// Change is the explicit before/after pair a writer reports for one mutation.
// Before is nil for an insert, After is nil for a delete.
type Change struct {
	TenantID TenantID
	Before   *Entry
	After    *Entry
}

func entryOf(tx Transaction) *Entry {
	return &Entry{AccountID: tx.AccountID, Date: tx.OccurredOn}
}

// Inserted reports a new transaction.
func Inserted(tx Transaction) Change {
	return Change{TenantID: tx.TenantID, After: entryOf(tx)}
}

// Updated reports an edit, including soft delete and restore.
func Updated(before, after Transaction) Change {
	return Change{TenantID: after.TenantID, Before: entryOf(before), After: entryOf(after)}
}

// Deleted reports a hard delete.
func Deleted(tx Transaction) Change {
	return Change{TenantID: tx.TenantID, Before: entryOf(tx)}
}

// PendingRange is a merged range waiting for recomputation.
type PendingRange struct {
	Key   AccountKey
	Range Range
}

// LastDateFunc looks up the last known snapshot date of an account.
type LastDateFunc func(ctx context.Context, key AccountKey) (Day, bool, error)

type lastDate struct {
	day Day
	ok  bool
}

// Tracker collects pending ranges for one write batch. Not safe for
// concurrent use; each batch gets its own.
type Tracker struct {
	lookup  LastDateFunc
	memo    map[AccountKey]lastDate
	pending map[AccountKey]Range
	order   []AccountKey
}

func NewTracker(lookup LastDateFunc) *Tracker {
	return &Tracker{
		lookup:  lookup,
		memo:    make(map[AccountKey]lastDate),
		pending: make(map[AccountKey]Range),
	}
}

// Track records the impact of one change.
func (t *Tracker) Track(ctx context.Context, c Change) error {
	switch {
	case c.Before == nil && c.After == nil:
		return fmt.Errorf("%w: no before or after image", ErrInvalidChange)
	case c.Before == nil:
		return t.touch(ctx, c.TenantID, c.After.AccountID, c.After.Date, c.After.Date)
	case c.After == nil:
		return t.touch(ctx, c.TenantID, c.Before.AccountID, c.Before.Date, c.Before.Date)
	case c.Before.AccountID == c.After.AccountID:
		return t.touch(ctx, c.TenantID, c.After.AccountID,
			MinDay(c.Before.Date, c.After.Date), MaxDay(c.Before.Date, c.After.Date))
	default:
		if err := t.touch(ctx, c.TenantID, c.Before.AccountID, c.Before.Date, c.Before.Date); err != nil {
			return err
		}
		return t.touch(ctx, c.TenantID, c.After.AccountID, c.After.Date, c.After.Date)
	}
}

// TrackOpeningBalance records a change to an account's declared opening
// balance or date. first is the account's earliest snapshot date, zero when
// it has none.
//
// The declared balance seeds the earliest snapshot of the chain as well as
// the declared date, so an amount change reaches back to first. A date change
// alone affects the old and new dates only.
func (t *Tracker) TrackOpeningBalance(ctx context.Context, before, after Account, first Day) error {
	amountChanged := before.OpeningBalance != after.OpeningBalance
	if !amountChanged && before.OpeningDate.Equal(after.OpeningDate) {
		return nil
	}

	var from, to Day
	widen := func(d Day) {
		if d.IsZero() {
			return
		}
		if from.IsZero() || d.Before(from) {
			from = d
		}
		if to.IsZero() || d.After(to) {
			to = d
		}
	}
	widen(before.OpeningDate)
	widen(after.OpeningDate)
	if amountChanged {
		widen(first)
	}
	if from.IsZero() {
		return nil
	}
	return t.touch(ctx, after.TenantID, after.ID, from, to)
}

func (t *Tracker) touch(ctx context.Context, tenantID TenantID, accountID AccountID, from, to Day) error {
	if from.IsZero() || to.IsZero() {
		return fmt.Errorf("%w: missing date", ErrInvalidChange)
	}
	key := AccountKey{TenantID: tenantID, AccountID: accountID}

	last, err := t.last(ctx, key)
	if err != nil {
		return err
	}
	if last.ok {
		to = MaxDay(to, last.day)
	}

	rng := Range{From: from, To: to}
	if existing, ok := t.pending[key]; ok {
		t.pending[key] = existing.Union(rng)
		return nil
	}
	t.pending[key] = rng
	t.order = append(t.order, key)
	return nil
}

func (t *Tracker) last(ctx context.Context, key AccountKey) (lastDate, error) {
	if ld, ok := t.memo[key]; ok {
		return ld, nil
	}
	day, ok, err := t.lookup(ctx, key)
	if err != nil {
		return lastDate{}, fmt.Errorf("last snapshot date for %s: %w", key, err)
	}
	ld := lastDate{day: day, ok: ok}
	t.memo[key] = ld
	return ld, nil
}

// Pending returns the merged ranges without clearing them.
func (t *Tracker) Pending() []PendingRange {
	out := make([]PendingRange, 0, len(t.order))
	for _, key := range t.order {
		out = append(out, PendingRange{Key: key, Range: t.pending[key]})
	}
	return out
}

// Drain returns the merged ranges in first-tracked order and resets the
// tracker, memo table included.
func (t *Tracker) Drain() []PendingRange {
	out := t.Pending()
	t.memo = make(map[AccountKey]lastDate)
	t.pending = make(map[AccountKey]Range)
	t.order = nil
	return out
}
