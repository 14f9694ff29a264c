package main

import (
	"bytes"
	"context"
	"flag"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/subcommands"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/balance-engine/balance"
	"github.com/warp/balance-engine/store/sqlite"
)

func jan(d int) balance.Day { return balance.NewDay(2024, time.January, d) }

// seedDB writes an account with 1000.00 opening on 01-01 and a 500.00
// inflow on 01-05 to a fresh SQLite file, and points the global flags at it.
func seedDB(t *testing.T) *bytes.Buffer {
	t.Helper()
	dbFile := filepath.Join(t.TempDir(), "ledger.db")

	s, err := sqlite.New(dbFile)
	require.NoError(t, err)
	ctx := context.Background()
	eng := balance.NewEngine(s, balance.Options{})
	require.NoError(t, eng.Write(ctx, func(ctx context.Context, b *balance.Batch) error {
		if err := b.SaveAccount(ctx, balance.Account{
			ID: "acc", TenantID: "tenant-1", Currency: "RUB", OpeningBalance: 100000, OpeningDate: jan(1),
		}); err != nil {
			return err
		}
		return b.Insert(ctx, balance.Transaction{
			ID: "tx-1", TenantID: "tenant-1", AccountID: "acc",
			Direction: balance.DirectionInflow, Amount: 50000, OccurredOn: jan(5),
		})
	}))
	require.NoError(t, s.Close())

	*driver, *dbPath = "sqlite", dbFile
	var buf bytes.Buffer
	out = &buf
	t.Cleanup(func() { *driver, *dbPath = "", "" })
	return &buf
}

func execute(t *testing.T, cmd subcommands.Command, args ...string) subcommands.ExitStatus {
	t.Helper()
	fs := flag.NewFlagSet(cmd.Name(), flag.ContinueOnError)
	cmd.SetFlags(fs)
	require.NoError(t, fs.Parse(args))
	return cmd.Execute(context.Background(), fs)
}

func TestPeriodCmd(t *testing.T) {
	buf := seedDB(t)

	status := execute(t, &periodCmd{}, "-tenant", "tenant-1", "-account", "acc", "-from", "2024-01-03", "-to", "2024-01-06")
	require.Equal(t, subcommands.ExitSuccess, status)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "closing")
	assert.Contains(t, lines[2], "2024-01-04")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(lines[2]), "1000.00"), lines[2])
	assert.True(t, strings.HasSuffix(strings.TrimSpace(lines[3]), "1500.00"), lines[3])
}

func TestBalanceCmd(t *testing.T) {
	buf := seedDB(t)

	status := execute(t, &balanceCmd{}, "-tenant", "tenant-1", "-account", "acc", "-date", "2024-01-09")
	require.Equal(t, subcommands.ExitSuccess, status)
	assert.True(t, strings.HasPrefix(buf.String(), "2024-01-09 "), buf.String())
}

func TestRecalcAndRebuildCmd(t *testing.T) {
	buf := seedDB(t)

	require.Equal(t, subcommands.ExitSuccess,
		execute(t, &recalcCmd{}, "-tenant", "tenant-1", "-account", "acc", "-from", "2024-01-01", "-to", "2024-01-10"))
	assert.Contains(t, buf.String(), "recomputed tenant-1/acc")

	buf.Reset()
	require.Equal(t, subcommands.ExitSuccess,
		execute(t, &rebuildCmd{}, "-tenant", "tenant-1", "-account", "acc", "-through", "2024-01-10"))
	assert.Contains(t, buf.String(), "(10 days)")
}

func TestCmd_UsageErrors(t *testing.T) {
	seedDB(t)

	assert.Equal(t, subcommands.ExitUsageError, execute(t, &balanceCmd{}, "-account", "acc"))
	assert.Equal(t, subcommands.ExitUsageError, execute(t, &periodCmd{}, "-tenant", "tenant-1", "-account", "acc"))
	assert.Equal(t, subcommands.ExitFailure,
		execute(t, &balanceCmd{}, "-tenant", "tenant-1", "-account", "missing", "-date", "2024-01-01"))
	assert.Equal(t, subcommands.ExitFailure,
		execute(t, &recalcCmd{}, "-tenant", "tenant-1", "-account", "acc", "-from", "2024-01-10", "-to", "2024-01-01"))
}
