/*
recalc.go - Daily balance recalculation

PURPOSE:
  Recomputes the snapshot chain of one account over one date range and
  upserts it. This is the only code that writes snapshots.

ALGORITHM (RecalcRange):
  1. Validate from <= to (day granularity). Reject otherwise, no writes.
  2. Under the account's exclusive lock, resolve the opening balance of `from`:
       a. closing of the last snapshot strictly before `from`, else
       b. the declared opening balance (zero when none), and
       c. on the declared opening date, the declared balance wins over (a).
  3. Fetch per-day sums for the whole range in ONE aggregation call.
  4. Walk from..to: closing = opening + inflow - outflow; opening = closing.
  5. Upsert every row as one batch.

RETRIES:
  A store reporting ErrConcurrentModification makes the whole range run
  again from step 2. Partial results are never merged.

IDEMPOTENCE:
  Rows are a pure function of (account, prior snapshot, transactions), so
  running the same range twice with unchanged data writes identical rows.
*/
package balance

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

const defaultMaxAttempts = 3

// RecomputeNotifier is told about every range that was recomputed and stored.
type RecomputeNotifier interface {
	Recomputed(ctx context.Context, key AccountKey, rng Range) error
}

type Recalculator struct {
	Accounts  AccountDirectory
	Sums      Aggregator
	Snapshots SnapshotStore
	Locks     Locker

	// MaxAttempts bounds whole-range retries on concurrent modification.
	MaxAttempts int

	Notifier RecomputeNotifier
	Log      zerolog.Logger
}

// RecalcRange recomputes and stores snapshots for [from, to].
func (r *Recalculator) RecalcRange(ctx context.Context, tenantID TenantID, accountID AccountID, from, to Day) error {
	rng, err := NewRange(from, to)
	if err != nil {
		return err
	}
	key := AccountKey{TenantID: tenantID, AccountID: accountID}

	// Fail fast on unknown accounts before queueing on the lock.
	if _, err := r.Accounts.Account(ctx, tenantID, accountID); err != nil {
		return err
	}

	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}

	log := r.Log.With().Str("account", key.String()).Stringer("range", rng).Logger()

	for attempt := 1; ; attempt++ {
		err = r.Locks.WithLock(ctx, key, func(ctx context.Context) error {
			return r.recalcLocked(ctx, key, rng)
		})
		if err == nil {
			break
		}
		if !IsRetryable(err) || attempt >= attempts {
			log.Error().Err(err).Int("attempt", attempt).Msg("recalc failed")
			return err
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("recalc conflict, retrying whole range")
	}

	log.Debug().Int("days", rng.Len()).Msg("recalc done")

	if r.Notifier != nil {
		if err := r.Notifier.Recomputed(ctx, key, rng); err != nil {
			// Snapshots are already stored; downstream delivery is best effort.
			log.Warn().Err(err).Msg("recompute notification failed")
		}
	}
	return nil
}

func (r *Recalculator) recalcLocked(ctx context.Context, key AccountKey, rng Range) error {
	acct, err := r.Accounts.Account(ctx, key.TenantID, key.AccountID)
	if err != nil {
		return err
	}

	opening, err := r.openingFor(ctx, *acct, rng.From)
	if err != nil {
		return err
	}

	sums, err := r.Sums.SumByDay(ctx, *acct, rng)
	if err != nil {
		return fmt.Errorf("aggregate %s %s: %w", key, rng, err)
	}

	rows := Chain(*acct, opening, rng, sums)
	if err := r.Snapshots.UpsertMany(ctx, rows); err != nil {
		return fmt.Errorf("upsert snapshots %s %s: %w", key, rng, err)
	}
	return nil
}

// openingFor resolves the opening balance of day.
func (r *Recalculator) openingFor(ctx context.Context, acct Account, day Day) (Amount, error) {
	if acct.HasOpeningDate() && day.Equal(acct.OpeningDate) {
		return acct.OpeningBalance, nil
	}
	prev, err := r.Snapshots.FindBefore(ctx, acct.TenantID, acct.ID, day)
	if err != nil {
		return 0, fmt.Errorf("snapshot before %s: %w", day, err)
	}
	if prev != nil {
		return prev.Closing, nil
	}
	return acct.OpeningBalance, nil
}

// Chain forward-chains one snapshot per day of rng starting from opening.
// On the account's declared opening date the declared balance replaces the
// carried-over opening.
func Chain(acct Account, opening Amount, rng Range, sums map[Day]DaySums) []Snapshot {
	rows := make([]Snapshot, 0, rng.Len())
	for _, day := range rng.Days() {
		if acct.HasOpeningDate() && day.Equal(acct.OpeningDate) {
			opening = acct.OpeningBalance
		}
		s := sums[day]
		closing := opening.Add(s.Inflow).Sub(s.Outflow)
		rows = append(rows, Snapshot{
			TenantID:  acct.TenantID,
			AccountID: acct.ID,
			Date:      day,
			Opening:   opening,
			Inflow:    s.Inflow,
			Outflow:   s.Outflow,
			Closing:   closing,
			Currency:  acct.Currency,
		})
		opening = closing
	}
	return rows
}
