package balance_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/balance-engine/balance"
	"github.com/warp/balance-engine/balance/store"
)

func TestChain(t *testing.T) {
	// GIVEN: An account whose declared opening (500) is on 01-03
	// WHEN: Chaining 01-01..01-04 from an opening of 0
	// THEN: Each day carries forward, and 01-03 restarts from 500

	acct := balance.Account{ID: "a", TenantID: tenant, Currency: "RUB", OpeningBalance: 500, OpeningDate: jan(3)}
	sums := map[balance.Day]balance.DaySums{
		jan(2): {Inflow: 100},
		jan(3): {Inflow: 10, Outflow: 30},
	}

	rows := balance.Chain(acct, 0, balance.Range{From: jan(1), To: jan(4)}, sums)

	require.Len(t, rows, 4)
	want := []struct{ opening, inflow, outflow, closing balance.Amount }{
		{0, 0, 0, 0},
		{0, 100, 0, 100},
		{500, 10, 30, 480},
		{480, 0, 0, 480},
	}
	for i, w := range want {
		assert.Equal(t, jan(i+1), rows[i].Date)
		assert.Equal(t, w.opening, rows[i].Opening, "opening of %s", rows[i].Date)
		assert.Equal(t, w.inflow, rows[i].Inflow)
		assert.Equal(t, w.outflow, rows[i].Outflow)
		assert.Equal(t, w.closing, rows[i].Closing, "closing of %s", rows[i].Date)
		assert.Equal(t, balance.Currency("RUB"), rows[i].Currency)
	}
}

// flakyUpserts reports a concurrent modification on the first `failures` upserts.
type flakyUpserts struct {
	*store.Memory
	failures int
	calls    int
}

func (f *flakyUpserts) UpsertMany(ctx context.Context, rows []balance.Snapshot) error {
	f.calls++
	if f.calls <= f.failures {
		return fmt.Errorf("upsert: %w", balance.ErrConcurrentModification)
	}
	return f.Memory.UpsertMany(ctx, rows)
}

// recordingNotifier collects Recomputed calls.
type recordingNotifier struct {
	ranges []balance.Range
	err    error
}

func (n *recordingNotifier) Recomputed(_ context.Context, _ balance.AccountKey, rng balance.Range) error {
	n.ranges = append(n.ranges, rng)
	return n.err
}

func newRecalculator(t *testing.T, failures int) (*balance.Recalculator, *flakyUpserts, *recordingNotifier) {
	t.Helper()
	mem := store.NewMemory()
	openAccount(t, newEngineOn(mem), "acc", 1000, jan(1))

	flaky := &flakyUpserts{Memory: mem, failures: failures}
	notifier := &recordingNotifier{}
	r := &balance.Recalculator{
		Accounts:    mem,
		Sums:        mem,
		Snapshots:   flaky,
		Locks:       balance.NewKeyedMutex(),
		MaxAttempts: 3,
		Notifier:    notifier,
	}
	return r, flaky, notifier
}

func TestRecalculator_RetriesWholeRangeOnConflict(t *testing.T) {
	// GIVEN: A store that reports two conflicts before accepting the upsert
	// WHEN: Recomputing a range with 3 attempts allowed
	// THEN: The third attempt stores the full range and the notifier fires once

	r, flaky, notifier := newRecalculator(t, 2)
	ctx := context.Background()

	require.NoError(t, r.RecalcRange(ctx, tenant, "acc", jan(1), jan(5)))

	assert.Equal(t, 3, flaky.calls)
	rows := stored(t, flaky.Memory, "acc", januaryThrough(5))
	require.Len(t, rows, 5)
	assertChain(t, rows)
	assert.Equal(t, []balance.Range{{From: jan(1), To: jan(5)}}, notifier.ranges)
}

func TestRecalculator_GivesUpAfterMaxAttempts(t *testing.T) {
	r, flaky, notifier := newRecalculator(t, 10)

	err := r.RecalcRange(context.Background(), tenant, "acc", jan(1), jan(5))

	assert.ErrorIs(t, err, balance.ErrConcurrentModification)
	assert.True(t, balance.IsRetryable(err))
	assert.Equal(t, 3, flaky.calls)
	assert.Empty(t, stored(t, flaky.Memory, "acc", januaryThrough(5)))
	assert.Empty(t, notifier.ranges)
}

func TestRecalculator_NotifierFailureIsNotFatal(t *testing.T) {
	r, flaky, notifier := newRecalculator(t, 0)
	notifier.err = errBoom

	require.NoError(t, r.RecalcRange(context.Background(), tenant, "acc", jan(1), jan(2)))
	assert.Len(t, stored(t, flaky.Memory, "acc", januaryThrough(2)), 2)
}

func TestRecalculator_SingleDay(t *testing.T) {
	r, flaky, _ := newRecalculator(t, 0)

	require.NoError(t, r.RecalcRange(context.Background(), tenant, "acc", jan(3), jan(3)))

	rows := stored(t, flaky.Memory, "acc", januaryThrough(31))
	require.Len(t, rows, 1)
	assert.Equal(t, balance.Amount(1000), rows[0].Opening)
	assert.Equal(t, balance.Amount(1000), rows[0].Closing)
}

func TestRecalculator_CancelledWhileWaitingForLock(t *testing.T) {
	r, _, _ := newRecalculator(t, 0)
	ctx, cancel := context.WithCancel(context.Background())

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = r.Locks.WithLock(context.Background(), key("acc"), func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	cancel()
	err := r.RecalcRange(ctx, tenant, "acc", jan(1), jan(2))
	close(release)

	assert.ErrorIs(t, err, context.Canceled)
}
