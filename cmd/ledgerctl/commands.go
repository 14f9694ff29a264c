package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"github.com/warp/balance-engine/api"
	"github.com/warp/balance-engine/balance"
)

// accountFlags are shared by every per-account command.
type accountFlags struct {
	tenant  string
	account string
}

func (a *accountFlags) register(f *flag.FlagSet) {
	f.StringVar(&a.tenant, "tenant", "", "tenant ID (required)")
	f.StringVar(&a.account, "account", "", "account ID (required)")
}

func (a *accountFlags) validate() error {
	if a.tenant == "" || a.account == "" {
		return fmt.Errorf("-tenant and -account are required")
	}
	return nil
}

// parseDay accepts YYYY-MM-DD; empty means today.
func parseDay(s string) (balance.Day, error) {
	if s == "" {
		return balance.Today(), nil
	}
	return balance.ParseDay(s)
}

func fail(err error) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, err)
	return subcommands.ExitFailure
}

// run opens the engine, validates the account flags and calls fn.
func run(ctx context.Context, a *accountFlags, fn func(ctx context.Context, eng *balance.Engine) error) subcommands.ExitStatus {
	if err := a.validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitUsageError
	}
	eng, _, closeStore, err := openEngine(ctx)
	if err != nil {
		return fail(err)
	}
	defer closeStore()

	if err := fn(ctx, eng); err != nil {
		return fail(err)
	}
	return subcommands.ExitSuccess
}

// =============================================================================
// recalc
// =============================================================================

type recalcCmd struct {
	accountFlags
	from, to string
}

func (*recalcCmd) Name() string     { return "recalc" }
func (*recalcCmd) Synopsis() string { return "force-recompute daily balances of one account over a range" }
func (*recalcCmd) Usage() string {
	return `ledgerctl recalc -tenant <id> -account <id> -from <date> [-to <date>]

  Recomputes every day in [from, to] from the transaction store. Safe to
  repeat; use it to retry ranges reported as pending after a write.
`
}

func (c *recalcCmd) SetFlags(f *flag.FlagSet) {
	c.register(f)
	f.StringVar(&c.from, "from", "", "first day, YYYY-MM-DD (required)")
	f.StringVar(&c.to, "to", "", "last day, YYYY-MM-DD (default today)")
}

func (c *recalcCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.from == "" {
		fmt.Fprintln(os.Stderr, "-from is required")
		return subcommands.ExitUsageError
	}
	return run(ctx, &c.accountFlags, func(ctx context.Context, eng *balance.Engine) error {
		from, err := balance.ParseDay(c.from)
		if err != nil {
			return err
		}
		to, err := parseDay(c.to)
		if err != nil {
			return err
		}
		if err := eng.RecalcRange(ctx, balance.TenantID(c.tenant), balance.AccountID(c.account), from, to); err != nil {
			return err
		}
		fmt.Fprintf(out, "recomputed %s/%s [%s, %s]\n", c.tenant, c.account, from, to)
		return nil
	})
}

// =============================================================================
// rebuild
// =============================================================================

type rebuildCmd struct {
	accountFlags
	through string
}

func (*rebuildCmd) Name() string     { return "rebuild" }
func (*rebuildCmd) Synopsis() string { return "recompute one account from its inception" }
func (*rebuildCmd) Usage() string {
	return `ledgerctl rebuild -tenant <id> -account <id> [-through <date>]

  Recomputes from the earlier of the declared opening date and the first
  transaction, through the given day (default today).
`
}

func (c *rebuildCmd) SetFlags(f *flag.FlagSet) {
	c.register(f)
	f.StringVar(&c.through, "through", "", "last day, YYYY-MM-DD (default today)")
}

func (c *rebuildCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(ctx, &c.accountFlags, func(ctx context.Context, eng *balance.Engine) error {
		through, err := parseDay(c.through)
		if err != nil {
			return err
		}
		rng, err := eng.Rebuild(ctx, balance.TenantID(c.tenant), balance.AccountID(c.account), through)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "rebuilt %s/%s %s (%d days)\n", c.tenant, c.account, rng, rng.Len())
		return nil
	})
}

// =============================================================================
// balance
// =============================================================================

type balanceCmd struct {
	accountFlags
	date string
}

func (*balanceCmd) Name() string     { return "balance" }
func (*balanceCmd) Synopsis() string { return "print the balance of one account on a date" }
func (*balanceCmd) Usage() string {
	return `ledgerctl balance -tenant <id> -account <id> [-date <date>]
`
}

func (c *balanceCmd) SetFlags(f *flag.FlagSet) {
	c.register(f)
	f.StringVar(&c.date, "date", "", "day, YYYY-MM-DD (default today)")
}

func (c *balanceCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(ctx, &c.accountFlags, func(ctx context.Context, eng *balance.Engine) error {
		day, err := parseDay(c.date)
		if err != nil {
			return err
		}
		snap, err := eng.BalanceOnDate(ctx, balance.TenantID(c.tenant), balance.AccountID(c.account), day)
		if err != nil {
			return err
		}
		if snap == nil {
			return fmt.Errorf("no balance for %s", day)
		}
		fmt.Fprintf(out, "%s %s\n", snap.Date, snap.Currency.Display(snap.Closing))
		return nil
	})
}

// =============================================================================
// period
// =============================================================================

type periodCmd struct {
	accountFlags
	from, to string
}

func (*periodCmd) Name() string     { return "period" }
func (*periodCmd) Synopsis() string { return "print daily balances of one account over a range" }
func (*periodCmd) Usage() string {
	return `ledgerctl period -tenant <id> -account <id> -from <date> [-to <date>]
`
}

func (c *periodCmd) SetFlags(f *flag.FlagSet) {
	c.register(f)
	f.StringVar(&c.from, "from", "", "first day, YYYY-MM-DD (required)")
	f.StringVar(&c.to, "to", "", "last day, YYYY-MM-DD (default today)")
}

func (c *periodCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.from == "" {
		fmt.Fprintln(os.Stderr, "-from is required")
		return subcommands.ExitUsageError
	}
	return run(ctx, &c.accountFlags, func(ctx context.Context, eng *balance.Engine) error {
		from, err := balance.ParseDay(c.from)
		if err != nil {
			return err
		}
		to, err := parseDay(c.to)
		if err != nil {
			return err
		}
		rows, err := eng.BalancesForPeriod(ctx, balance.TenantID(c.tenant), balance.AccountID(c.account), from, to)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(tw, "date\topening\tinflow\toutflow\tclosing\t")
		for _, r := range rows {
			cur := r.Currency
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n",
				r.Date, cur.Format(r.Opening), cur.Format(r.Inflow), cur.Format(r.Outflow), cur.Format(r.Closing))
		}
		return tw.Flush()
	})
}

// =============================================================================
// rollforward
// =============================================================================

type rollForwardCmd struct{}

func (*rollForwardCmd) Name() string     { return "rollforward" }
func (*rollForwardCmd) Synopsis() string { return "extend every account's daily balances through today" }
func (*rollForwardCmd) Usage() string {
	return `ledgerctl rollforward

  Runs one roll-forward pass, the same one the server runs on its interval.
`
}

func (*rollForwardCmd) SetFlags(*flag.FlagSet) {}

func (*rollForwardCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	eng, backend, closeStore, err := openEngine(ctx)
	if err != nil {
		return fail(err)
	}
	defer closeStore()

	rf := api.NewRollForward(eng, backend, 0, eng.Log)
	res, err := rf.RunOnce(ctx)
	if err != nil {
		return fail(err)
	}
	fmt.Fprintf(out, "extended %d of %d accounts through %s\n", res.Extended, res.Accounts, res.Through)
	return subcommands.ExitSuccess
}
