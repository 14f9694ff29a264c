package balance_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/balance-engine/balance"
	"github.com/warp/balance-engine/balance/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const tenant = balance.TenantID("tenant-1")

var errBoom = errors.New("boom")

func jan(d int) balance.Day { return balance.NewDay(2024, time.January, d) }

func januaryThrough(d int) balance.Range { return balance.Range{From: jan(1), To: jan(d)} }

func newTestEngine(t *testing.T) (*balance.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return newEngineOn(mem), mem
}

func newEngineOn(s balance.Storage) *balance.Engine {
	now := time.Date(2024, time.February, 1, 9, 0, 0, 0, time.UTC)
	return balance.NewEngine(s, balance.Options{Now: func() time.Time { return now }})
}

func openAccount(t *testing.T, eng *balance.Engine, id balance.AccountID, opening balance.Amount, on balance.Day) {
	t.Helper()
	err := eng.Write(context.Background(), func(ctx context.Context, b *balance.Batch) error {
		return b.SaveAccount(ctx, balance.Account{
			ID:             id,
			TenantID:       tenant,
			Name:           string(id),
			Currency:       "RUB",
			OpeningBalance: opening,
			OpeningDate:    on,
		})
	})
	require.NoError(t, err)
}

func inflow(id balance.TransactionID, acct balance.AccountID, amount balance.Amount, on balance.Day) balance.Transaction {
	return balance.Transaction{
		ID:         id,
		TenantID:   tenant,
		AccountID:  acct,
		Direction:  balance.DirectionInflow,
		Amount:     amount,
		OccurredOn: on,
	}
}

func outflow(id balance.TransactionID, acct balance.AccountID, amount balance.Amount, on balance.Day) balance.Transaction {
	tx := inflow(id, acct, amount, on)
	tx.Direction = balance.DirectionOutflow
	return tx
}

func insert(t *testing.T, eng *balance.Engine, txs ...balance.Transaction) {
	t.Helper()
	err := eng.Write(context.Background(), func(ctx context.Context, b *balance.Batch) error {
		for _, tx := range txs {
			if err := b.Insert(ctx, tx); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func stored(t *testing.T, mem *store.Memory, acct balance.AccountID, rng balance.Range) []balance.Snapshot {
	t.Helper()
	rows, err := mem.FindRange(context.Background(), tenant, acct, rng)
	require.NoError(t, err)
	return rows
}

// assertChain checks the row invariants: balanced rows, opening equals the
// previous closing, and no missing days.
func assertChain(t *testing.T, rows []balance.Snapshot) {
	t.Helper()
	for i, row := range rows {
		assert.True(t, row.Balanced(), "row %s is not balanced", row.Date)
		if i == 0 {
			continue
		}
		prev := rows[i-1]
		assert.True(t, prev.Date.AddDays(1).Equal(row.Date), "gap between %s and %s", prev.Date, row.Date)
		assert.Equal(t, prev.Closing, row.Opening, "opening of %s", row.Date)
	}
}

// assertClosings checks every row's closing against want(day).
func assertClosings(t *testing.T, rows []balance.Snapshot, want func(d balance.Day) balance.Amount) {
	t.Helper()
	for _, row := range rows {
		assert.Equal(t, want(row.Date), row.Closing, "closing on %s", row.Date)
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestEngine_ScenarioA_OpeningBalanceOnly(t *testing.T) {
	// GIVEN: An account declaring 1000.00 on 2024-01-01, no transactions
	// WHEN: Reading the balance on 2024-01-15
	// THEN: It is 1000.00, and every day in between has opening == closing

	eng, mem := newTestEngine(t)
	ctx := context.Background()
	openAccount(t, eng, "acc", 100000, jan(1))

	snap, err := eng.BalanceOnDate(ctx, tenant, "acc", jan(15))
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, balance.Amount(100000), snap.Closing)

	rows := stored(t, mem, "acc", januaryThrough(15))
	require.Len(t, rows, 15)
	assertChain(t, rows)
	for _, row := range rows {
		assert.Equal(t, balance.Amount(100000), row.Opening)
		assert.Equal(t, row.Opening, row.Closing)
	}
	assert.Equal(t, balance.Currency("RUB"), rows[0].Currency)
}

func TestEngine_ScenarioB_SingleInflow(t *testing.T) {
	// GIVEN: The scenario A account
	// WHEN: An inflow of 500.00 lands on 2024-01-05
	// THEN: Days before 01-05 close at 1000.00, days from 01-05 at 1500.00

	eng, mem := newTestEngine(t)
	ctx := context.Background()
	openAccount(t, eng, "acc", 100000, jan(1))
	insert(t, eng, inflow("tx-1", "acc", 50000, jan(5)))

	rows, err := eng.BalancesForPeriod(ctx, tenant, "acc", jan(1), jan(31))
	require.NoError(t, err)
	require.Len(t, rows, 31)
	assertChain(t, rows)
	assertClosings(t, rows, func(d balance.Day) balance.Amount {
		if d.Before(jan(5)) {
			return 100000
		}
		return 150000
	})

	day5 := rows[4]
	assert.Equal(t, balance.Amount(100000), day5.Opening)
	assert.Equal(t, balance.Amount(50000), day5.Inflow)
	assert.Equal(t, balance.Amount(0), day5.Outflow)

	assert.Equal(t, rows, stored(t, mem, "acc", januaryThrough(31)))
}

func TestEngine_ScenarioC_MoveTransactionDate(t *testing.T) {
	// GIVEN: The scenario B state, materialized through 01-31
	// WHEN: The inflow moves from 01-05 to 01-10
	// THEN: The post-commit recompute reverts 01-05..01-09 to 1000.00
	//       and sets 01-10 onward to 1500.00 without any read-side recompute

	eng, mem := newTestEngine(t)
	ctx := context.Background()
	openAccount(t, eng, "acc", 100000, jan(1))
	tx := inflow("tx-1", "acc", 50000, jan(5))
	insert(t, eng, tx)
	_, err := eng.BalancesForPeriod(ctx, tenant, "acc", jan(1), jan(31))
	require.NoError(t, err)

	tx.OccurredOn = jan(10)
	err = eng.Write(ctx, func(ctx context.Context, b *balance.Batch) error {
		return b.Update(ctx, tx)
	})
	require.NoError(t, err)

	rows := stored(t, mem, "acc", januaryThrough(31))
	require.Len(t, rows, 31)
	assertChain(t, rows)
	assertClosings(t, rows, func(d balance.Day) balance.Amount {
		if d.Before(jan(10)) {
			return 100000
		}
		return 150000
	})
}

func TestEngine_ScenarioD_SoftDelete(t *testing.T) {
	// GIVEN: The scenario C state
	// WHEN: The transaction is soft-deleted
	// THEN: Its amount disappears from every affected day
	//       AND restoring it brings the amount back

	eng, mem := newTestEngine(t)
	ctx := context.Background()
	openAccount(t, eng, "acc", 100000, jan(1))
	insert(t, eng, inflow("tx-1", "acc", 50000, jan(10)))
	_, err := eng.BalancesForPeriod(ctx, tenant, "acc", jan(1), jan(31))
	require.NoError(t, err)

	err = eng.Write(ctx, func(ctx context.Context, b *balance.Batch) error {
		return b.SoftDelete(ctx, tenant, "tx-1")
	})
	require.NoError(t, err)

	rows := stored(t, mem, "acc", januaryThrough(31))
	assertChain(t, rows)
	assertClosings(t, rows, func(balance.Day) balance.Amount { return 100000 })

	tx, err := mem.GetTransaction(ctx, tenant, "tx-1")
	require.NoError(t, err)
	require.NotNil(t, tx, "soft-deleted row stays on record")
	assert.True(t, tx.IsDeleted())

	err = eng.Write(ctx, func(ctx context.Context, b *balance.Batch) error {
		return b.Restore(ctx, tenant, "tx-1")
	})
	require.NoError(t, err)

	rows = stored(t, mem, "acc", januaryThrough(31))
	assertChain(t, rows)
	assertClosings(t, rows, func(d balance.Day) balance.Amount {
		if d.Before(jan(10)) {
			return 100000
		}
		return 150000
	})
}

// recordingRecalc stands in for a faulty scheduler: it records ranges
// instead of running them so the test can replay them in any order.
type recordingRecalc struct {
	mu    sync.Mutex
	calls []balance.PendingRange
}

func (r *recordingRecalc) RecalcRange(_ context.Context, tenantID balance.TenantID, accountID balance.AccountID, from, to balance.Day) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, balance.PendingRange{
		Key:   balance.AccountKey{TenantID: tenantID, AccountID: accountID},
		Range: balance.Range{From: from, To: to},
	})
	return nil
}

func TestEngine_ScenarioE_OutOfOrderRecomputesConverge(t *testing.T) {
	// GIVEN: Two committed writes whose recompute ranges overlap
	// WHEN: A faulty scheduler runs them in reverse arrival order
	// THEN: The snapshots match the final transaction data

	eng, mem := newTestEngine(t)
	ctx := context.Background()
	openAccount(t, eng, "acc", 0, jan(1))
	_, err := eng.BalancesForPeriod(ctx, tenant, "acc", jan(1), jan(10))
	require.NoError(t, err)

	rec := &recordingRecalc{}
	eng.Scheduler.Recalc = rec

	tx := inflow("tx-1", "acc", 100, jan(5))
	insert(t, eng, tx)
	tx.OccurredOn = jan(3)
	tx.Amount = 300
	require.NoError(t, eng.Write(ctx, func(ctx context.Context, b *balance.Batch) error {
		return b.Update(ctx, tx)
	}))
	require.Len(t, rec.calls, 2)
	assert.Equal(t, balance.Range{From: jan(5), To: jan(10)}, rec.calls[0].Range)
	assert.Equal(t, balance.Range{From: jan(3), To: jan(10)}, rec.calls[1].Range)

	for i := len(rec.calls) - 1; i >= 0; i-- {
		c := rec.calls[i]
		require.NoError(t, eng.RecalcRange(ctx, tenant, c.Key.AccountID, c.Range.From, c.Range.To))
	}

	want := func(d balance.Day) balance.Amount {
		if d.Before(jan(3)) {
			return 0
		}
		return 300
	}
	rows := stored(t, mem, "acc", januaryThrough(10))
	require.Len(t, rows, 10)
	assertChain(t, rows)
	assertClosings(t, rows, want)

	// Same ranges, concurrently: the per-account lock serializes them.
	var wg sync.WaitGroup
	for _, c := range rec.calls {
		for n := 0; n < 5; n++ {
			wg.Add(1)
			go func(c balance.PendingRange) {
				defer wg.Done()
				assert.NoError(t, eng.RecalcRange(ctx, tenant, c.Key.AccountID, c.Range.From, c.Range.To))
			}(c)
		}
	}
	wg.Wait()

	rows = stored(t, mem, "acc", januaryThrough(10))
	assertChain(t, rows)
	assertClosings(t, rows, want)
}

// =============================================================================
// WRITE PATH
// =============================================================================

func TestEngine_AccountMove_RecomputesBothAccounts(t *testing.T) {
	// GIVEN: Two accounts materialized through 01-10, a 200 inflow on A at 01-05
	// WHEN: The transaction moves to B on 01-07
	// THEN: A loses it from 01-05, B gains it from 01-07

	eng, mem := newTestEngine(t)
	ctx := context.Background()
	openAccount(t, eng, "a", 0, jan(1))
	openAccount(t, eng, "b", 0, jan(1))
	tx := inflow("tx-1", "a", 200, jan(5))
	insert(t, eng, tx)
	for _, id := range []balance.AccountID{"a", "b"} {
		_, err := eng.BalancesForPeriod(ctx, tenant, id, jan(1), jan(10))
		require.NoError(t, err)
	}

	tx.AccountID = "b"
	tx.OccurredOn = jan(7)
	require.NoError(t, eng.Write(ctx, func(ctx context.Context, b *balance.Batch) error {
		return b.Update(ctx, tx)
	}))

	rowsA := stored(t, mem, "a", januaryThrough(10))
	assertChain(t, rowsA)
	assertClosings(t, rowsA, func(balance.Day) balance.Amount { return 0 })

	rowsB := stored(t, mem, "b", januaryThrough(10))
	assertChain(t, rowsB)
	assertClosings(t, rowsB, func(d balance.Day) balance.Amount {
		if d.Before(jan(7)) {
			return 0
		}
		return 200
	})
}

func TestEngine_HardDelete(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	openAccount(t, eng, "acc", 1000, jan(1))
	insert(t, eng, outflow("tx-1", "acc", 300, jan(4)))
	_, err := eng.BalancesForPeriod(ctx, tenant, "acc", jan(1), jan(6))
	require.NoError(t, err)

	require.NoError(t, eng.Write(ctx, func(ctx context.Context, b *balance.Batch) error {
		return b.Delete(ctx, tenant, "tx-1")
	}))

	tx, err := mem.GetTransaction(ctx, tenant, "tx-1")
	require.NoError(t, err)
	assert.Nil(t, tx)
	assertClosings(t, stored(t, mem, "acc", januaryThrough(6)), func(balance.Day) balance.Amount { return 1000 })
}

func TestEngine_BatchMergesRangesPerAccount(t *testing.T) {
	// GIVEN: An account materialized through 01-20
	// WHEN: One batch inserts on 01-12 and 01-03
	// THEN: One range [01-03, 01-20] is recomputed

	eng, _ := newTestEngine(t)
	ctx := context.Background()
	openAccount(t, eng, "acc", 0, jan(1))
	_, err := eng.BalancesForPeriod(ctx, tenant, "acc", jan(1), jan(20))
	require.NoError(t, err)

	rec := &recordingRecalc{}
	eng.Scheduler.Recalc = rec
	insert(t, eng,
		inflow("tx-1", "acc", 10, jan(12)),
		inflow("tx-2", "acc", 20, jan(3)),
	)

	require.Len(t, rec.calls, 1)
	assert.Equal(t, balance.Range{From: jan(3), To: jan(20)}, rec.calls[0].Range)
}

func TestEngine_FailedWriteSchedulesNothing(t *testing.T) {
	// GIVEN: A batch that inserts and then fails
	// WHEN: Write returns
	// THEN: The insert is rolled back and no snapshot is written

	eng, mem := newTestEngine(t)
	ctx := context.Background()
	openAccount(t, eng, "acc", 0, jan(1))

	err := eng.Write(ctx, func(ctx context.Context, b *balance.Batch) error {
		if err := b.Insert(ctx, inflow("tx-1", "acc", 10, jan(2))); err != nil {
			return err
		}
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)

	tx, err := mem.GetTransaction(ctx, tenant, "tx-1")
	require.NoError(t, err)
	assert.Nil(t, tx)
	_, ok, err := mem.LastDate(ctx, tenant, "acc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_WriteValidation(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	openAccount(t, eng, "acc", 0, jan(1))
	insert(t, eng, inflow("tx-1", "acc", 10, jan(2)))

	write := func(fn func(ctx context.Context, b *balance.Batch) error) error {
		return eng.Write(ctx, fn)
	}

	t.Run("duplicate id", func(t *testing.T) {
		err := write(func(ctx context.Context, b *balance.Batch) error {
			return b.Insert(ctx, inflow("tx-1", "acc", 10, jan(2)))
		})
		assert.ErrorIs(t, err, balance.ErrDuplicateTransaction)
	})

	t.Run("unknown account", func(t *testing.T) {
		err := write(func(ctx context.Context, b *balance.Batch) error {
			return b.Insert(ctx, inflow("tx-2", "nope", 10, jan(2)))
		})
		assert.ErrorIs(t, err, balance.ErrAccountNotFound)
		assert.True(t, balance.IsNotFound(err))
	})

	t.Run("missing transaction", func(t *testing.T) {
		err := write(func(ctx context.Context, b *balance.Batch) error {
			return b.Update(ctx, inflow("tx-404", "acc", 10, jan(2)))
		})
		assert.ErrorIs(t, err, balance.ErrTransactionNotFound)
	})

	t.Run("negative amount", func(t *testing.T) {
		err := write(func(ctx context.Context, b *balance.Batch) error {
			return b.Insert(ctx, inflow("tx-3", "acc", -1, jan(2)))
		})
		var ferr *balance.FieldError
		require.ErrorAs(t, err, &ferr)
		assert.Equal(t, "amount", ferr.Field)
		assert.True(t, balance.IsClientError(err))
	})

	t.Run("currency change", func(t *testing.T) {
		err := write(func(ctx context.Context, b *balance.Batch) error {
			return b.SaveAccount(ctx, balance.Account{ID: "acc", TenantID: tenant, Currency: "USD"})
		})
		assert.ErrorIs(t, err, balance.ErrInvalidField)
	})

	t.Run("unknown currency", func(t *testing.T) {
		err := write(func(ctx context.Context, b *balance.Batch) error {
			return b.SaveAccount(ctx, balance.Account{ID: "new", TenantID: tenant, Currency: "XYZ"})
		})
		assert.ErrorIs(t, err, balance.ErrInvalidField)
	})
}

func TestEngine_CurrencyMismatchExcluded(t *testing.T) {
	// GIVEN: A RUB account
	// WHEN: A USD transaction is written straight to the store
	// THEN: It is stored but never aggregated

	eng, mem := newTestEngine(t)
	ctx := context.Background()
	openAccount(t, eng, "acc", 500, jan(1))

	usd := inflow("tx-usd", "acc", 999, jan(2))
	usd.Currency = "USD"
	require.NoError(t, mem.WithTx(ctx, func(w balance.TransactionWriter) error {
		return w.InsertTransaction(ctx, usd)
	}))
	insert(t, eng, inflow("tx-rub", "acc", 100, jan(2)))

	snap, err := eng.BalanceOnDate(ctx, tenant, "acc", jan(2))
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, balance.Amount(100), snap.Inflow)
	assert.Equal(t, balance.Amount(600), snap.Closing)

	got, err := mem.GetTransaction(ctx, tenant, "tx-usd")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, balance.Currency("USD"), got.Currency)
}

func TestEngine_BatchRejectsForeignCurrency(t *testing.T) {
	// GIVEN: A RUB account with one RUB transaction
	// WHEN: A batch inserts or updates a transaction in USD
	// THEN: The batch fails with ErrCurrencyMismatch and nothing is stored

	eng, mem := newTestEngine(t)
	ctx := context.Background()
	openAccount(t, eng, "acc", 500, jan(1))
	insert(t, eng, inflow("tx-rub", "acc", 100, jan(2)))

	usd := inflow("tx-usd", "acc", 999, jan(2))
	usd.Currency = "USD"
	err := eng.Write(ctx, func(ctx context.Context, b *balance.Batch) error {
		return b.Insert(ctx, usd)
	})
	assert.ErrorIs(t, err, balance.ErrCurrencyMismatch)
	assert.True(t, balance.IsClientError(err))
	got, err := mem.GetTransaction(ctx, tenant, "tx-usd")
	require.NoError(t, err)
	assert.Nil(t, got)

	edited := inflow("tx-rub", "acc", 100, jan(2))
	edited.Currency = "USD"
	err = eng.Write(ctx, func(ctx context.Context, b *balance.Batch) error {
		return b.Update(ctx, edited)
	})
	assert.ErrorIs(t, err, balance.ErrCurrencyMismatch)
	got, err = mem.GetTransaction(ctx, tenant, "tx-rub")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, balance.Currency("RUB"), got.Currency)
}

func TestEngine_CreateAccountRejectsExisting(t *testing.T) {
	// GIVEN: An existing account
	// WHEN: A batch creates the same ID
	// THEN: ErrAccountExists, the stored account is unchanged

	eng, mem := newTestEngine(t)
	ctx := context.Background()
	openAccount(t, eng, "acc", 1000, jan(1))

	err := eng.Write(ctx, func(ctx context.Context, b *balance.Batch) error {
		return b.CreateAccount(ctx, balance.Account{ID: "acc", TenantID: tenant, Currency: "RUB", OpeningBalance: 5})
	})
	assert.ErrorIs(t, err, balance.ErrAccountExists)
	assert.True(t, balance.IsClientError(err))

	acct, err := mem.Account(ctx, tenant, "acc")
	require.NoError(t, err)
	assert.Equal(t, balance.Amount(1000), acct.OpeningBalance)
}

func TestEngine_OpeningBalanceChange(t *testing.T) {
	// GIVEN: An account materialized through 01-10 with a 50 inflow on 01-03
	// WHEN: The declared opening balance changes from 1000 to 2000
	// THEN: Every day is shifted by 1000

	eng, mem := newTestEngine(t)
	ctx := context.Background()
	openAccount(t, eng, "acc", 1000, jan(1))
	insert(t, eng, inflow("tx-1", "acc", 50, jan(3)))
	_, err := eng.BalancesForPeriod(ctx, tenant, "acc", jan(1), jan(10))
	require.NoError(t, err)

	openAccount(t, eng, "acc", 2000, jan(1))

	rows := stored(t, mem, "acc", januaryThrough(10))
	require.Len(t, rows, 10)
	assertChain(t, rows)
	assert.Equal(t, balance.Amount(2000), rows[0].Opening)
	assertClosings(t, rows, func(d balance.Day) balance.Amount {
		if d.Before(jan(3)) {
			return 2000
		}
		return 2050
	})
}

func TestEngine_OpeningBalanceChange_NoDeclaredDate(t *testing.T) {
	// GIVEN: An account without a declared date and a 500 inflow on 01-05
	// WHEN: The opening balance changes from 1000 to 2000
	// THEN: The stored 01-05 row matches a forced recompute of the same day

	eng, mem := newTestEngine(t)
	ctx := context.Background()
	openAccount(t, eng, "acc", 1000, balance.Day{})
	insert(t, eng, inflow("tx-1", "acc", 500, jan(5)))

	openAccount(t, eng, "acc", 2000, balance.Day{})

	day5, err := mem.FindOne(ctx, tenant, "acc", jan(5))
	require.NoError(t, err)
	require.NotNil(t, day5)
	assert.Equal(t, balance.Amount(2000), day5.Opening)
	assert.Equal(t, balance.Amount(2500), day5.Closing)

	require.NoError(t, eng.RecalcRange(ctx, tenant, "acc", jan(5), jan(5)))
	again, err := mem.FindOne(ctx, tenant, "acc", jan(5))
	require.NoError(t, err)
	assert.Equal(t, *day5, *again)
}

func TestEngine_OpeningBalanceChange_ActivityBeforeDeclaredDate(t *testing.T) {
	// GIVEN: A declared opening on 01-05 and a 100 inflow on 01-02
	// WHEN: The declared balance changes from 1000 to 2000
	// THEN: The chain from 01-02 starts from the new balance

	eng, mem := newTestEngine(t)
	openAccount(t, eng, "acc", 1000, jan(5))
	insert(t, eng, inflow("tx-1", "acc", 100, jan(2)))

	openAccount(t, eng, "acc", 2000, jan(5))

	rows := stored(t, mem, "acc", januaryThrough(31))
	require.Len(t, rows, 4)
	assert.True(t, rows[0].Date.Equal(jan(2)))
	assert.Equal(t, balance.Amount(2000), rows[0].Opening)
	assert.Equal(t, balance.Amount(2100), rows[2].Closing, "01-04 carries forward")
	assert.Equal(t, balance.Amount(2000), rows[3].Opening, "01-05 is the declared opening date")
	assert.Equal(t, balance.Amount(2000), rows[3].Closing)
}

func TestEngine_OpeningDateOverridesCarriedBalance(t *testing.T) {
	// GIVEN: Activity before the declared opening date
	// WHEN: Recomputing across the opening date
	// THEN: The declared balance replaces the carried closing on that day

	eng, mem := newTestEngine(t)
	ctx := context.Background()
	openAccount(t, eng, "acc", 700, jan(5))
	insert(t, eng, inflow("tx-1", "acc", 100, jan(2)))

	rows, err := eng.BalancesForPeriod(ctx, tenant, "acc", jan(2), jan(6))
	require.NoError(t, err)
	require.Len(t, rows, 5)
	for _, row := range rows {
		assert.True(t, row.Balanced())
	}
	assert.Equal(t, balance.Amount(700), rows[0].Opening, "no earlier snapshot: declared balance")
	assert.Equal(t, balance.Amount(800), rows[2].Closing, "01-04 carries forward")
	assert.Equal(t, balance.Amount(700), rows[3].Opening, "01-05 is the declared opening date")
	assert.Equal(t, balance.Amount(700), rows[4].Closing)

	assert.Len(t, stored(t, mem, "acc", januaryThrough(31)), 5)
}

// =============================================================================
// FAILURES
// =============================================================================

// failingSums breaks the aggregation query for one account.
type failingSums struct {
	*store.Memory
	failFor balance.AccountID
}

func (f *failingSums) SumByDay(ctx context.Context, acct balance.Account, rng balance.Range) (map[balance.Day]balance.DaySums, error) {
	if acct.ID == f.failFor {
		return nil, errBoom
	}
	return f.Memory.SumByDay(ctx, acct, rng)
}

func TestEngine_ScheduleErrorAfterCommit(t *testing.T) {
	// GIVEN: A batch touching a healthy and a broken account
	// WHEN: The post-commit recompute runs
	// THEN: The healthy account is recomputed, the write stays committed,
	//       and the broken range is reported in a *ScheduleError

	mem := store.NewMemory()
	eng := newEngineOn(&failingSums{Memory: mem, failFor: "broken"})
	ctx := context.Background()
	openAccount(t, eng, "broken", 0, jan(1))
	openAccount(t, eng, "ok", 0, jan(1))

	err := eng.Write(ctx, func(ctx context.Context, b *balance.Batch) error {
		if err := b.Insert(ctx, inflow("tx-1", "broken", 10, jan(2))); err != nil {
			return err
		}
		return b.Insert(ctx, inflow("tx-2", "ok", 10, jan(2)))
	})

	var serr *balance.ScheduleError
	require.ErrorAs(t, err, &serr)
	require.Len(t, serr.Failures, 1)
	assert.Equal(t, balance.AccountID("broken"), serr.Failures[0].Range.Key.AccountID)
	assert.ErrorIs(t, err, errBoom)

	tx, err := mem.GetTransaction(ctx, tenant, "tx-1")
	require.NoError(t, err)
	assert.NotNil(t, tx, "write is committed")

	snap, err := mem.FindOne(ctx, tenant, "ok", jan(2))
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, balance.Amount(10), snap.Closing)
}

// =============================================================================
// READ / OPERATIONAL API
// =============================================================================

func TestEngine_ReadsRejectBadInput(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	openAccount(t, eng, "acc", 0, jan(1))

	_, err := eng.BalancesForPeriod(ctx, tenant, "acc", jan(10), jan(1))
	assert.ErrorIs(t, err, balance.ErrInvalidRange)

	err = eng.RecalcRange(ctx, tenant, "acc", jan(10), jan(1))
	assert.ErrorIs(t, err, balance.ErrInvalidRange)
	assert.Empty(t, stored(t, mem, "acc", januaryThrough(31)), "nothing written")

	_, err = eng.BalanceOnDate(ctx, tenant, "ghost", jan(1))
	assert.ErrorIs(t, err, balance.ErrAccountNotFound)

	err = eng.RecalcRange(ctx, tenant, "ghost", jan(1), jan(2))
	assert.ErrorIs(t, err, balance.ErrAccountNotFound)
}

func TestEngine_BalanceOnDateFillsGapFromLastSnapshot(t *testing.T) {
	// GIVEN: Snapshots through 01-03 and a 5 inflow on 01-02
	// WHEN: Reading 01-08
	// THEN: 01-04..01-08 are filled in so the chain has no hole

	eng, mem := newTestEngine(t)
	ctx := context.Background()
	openAccount(t, eng, "acc", 10, jan(1))
	_, err := eng.BalanceOnDate(ctx, tenant, "acc", jan(3))
	require.NoError(t, err)
	insert(t, eng, inflow("tx-1", "acc", 5, jan(2)))

	snap, err := eng.BalanceOnDate(ctx, tenant, "acc", jan(8))
	require.NoError(t, err)
	assert.Equal(t, balance.Amount(15), snap.Closing)

	rows := stored(t, mem, "acc", januaryThrough(8))
	require.Len(t, rows, 8)
	assertChain(t, rows)
}

func TestEngine_RecalcRangeIdempotent(t *testing.T) {
	eng, mem := newTestEngine(t)
	ctx := context.Background()
	openAccount(t, eng, "acc", 100, jan(1))
	insert(t, eng, inflow("tx-1", "acc", 5, jan(2)), outflow("tx-2", "acc", 7, jan(4)))

	require.NoError(t, eng.RecalcRange(ctx, tenant, "acc", jan(1), jan(5)))
	first := stored(t, mem, "acc", januaryThrough(5))
	require.NoError(t, eng.RecalcRange(ctx, tenant, "acc", jan(1), jan(5)))
	assert.Equal(t, first, stored(t, mem, "acc", januaryThrough(5)))
}

func TestEngine_Rebuild(t *testing.T) {
	// GIVEN: First activity on 2023-12-30, opening declared on 2024-01-01
	// WHEN: Rebuilding through 01-03
	// THEN: The rebuilt range starts at the earlier of the two

	eng, mem := newTestEngine(t)
	ctx := context.Background()
	openAccount(t, eng, "acc", 1000, jan(1))
	insert(t, eng, inflow("tx-1", "acc", 40, balance.NewDay(2023, time.December, 30)))

	rng, err := eng.Rebuild(ctx, tenant, "acc", jan(3))
	require.NoError(t, err)
	assert.Equal(t, balance.NewDay(2023, time.December, 30), rng.From)
	assert.Equal(t, jan(3), rng.To)

	rows := stored(t, mem, "acc", rng)
	require.Len(t, rows, 5)
	assert.Equal(t, balance.Amount(1040), rows[0].Closing)
	assert.Equal(t, balance.Amount(1000), rows[2].Opening, "declared opening wins on 01-01")
	assert.Equal(t, balance.Amount(1000), rows[4].Closing)
}

func TestEngine_ApplyExternalChanges(t *testing.T) {
	// GIVEN: A transaction written straight to the store, bypassing Write
	// WHEN: The change notification is applied
	// THEN: The affected range is recomputed through the last snapshot

	eng, mem := newTestEngine(t)
	ctx := context.Background()
	openAccount(t, eng, "acc", 0, jan(1))
	_, err := eng.BalancesForPeriod(ctx, tenant, "acc", jan(1), jan(5))
	require.NoError(t, err)

	tx := inflow("tx-1", "acc", 9, jan(2))
	tx.Currency = "RUB"
	require.NoError(t, mem.WithTx(ctx, func(w balance.TransactionWriter) error {
		return w.InsertTransaction(ctx, tx)
	}))

	require.NoError(t, eng.Apply(ctx, []balance.Change{balance.Inserted(tx)}))
	assertClosings(t, stored(t, mem, "acc", januaryThrough(5)), func(d balance.Day) balance.Amount {
		if d.Before(jan(2)) {
			return 0
		}
		return 9
	})

	err = eng.Apply(ctx, []balance.Change{{TenantID: tenant}})
	assert.ErrorIs(t, err, balance.ErrInvalidChange)
}
