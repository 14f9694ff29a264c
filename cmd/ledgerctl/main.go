// Command ledgerctl runs balance-engine operations against a store from the
// command line: forced recomputes, rebuilds, and balance reads.
//
//	ledgerctl -driver sqlite -db balances.db period -tenant t1 -account acc -from 2024-01-01 -to 2024-01-31
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"path"

	"github.com/google/subcommands"
	"github.com/warp/balance-engine/balance"
	"github.com/warp/balance-engine/config"
	"github.com/warp/balance-engine/logger"
	"github.com/warp/balance-engine/store"
)

var (
	driver      = flag.String("driver", "", "storage driver: sqlite, postgres or memory (default $DB_DRIVER)")
	dbPath      = flag.String("db", "", "SQLite database path (default $DB_PATH)")
	databaseURL = flag.String("database-url", "", "PostgreSQL URL (default $DATABASE_URL)")
	logLevel    = flag.String("log", "warn", "log level")

	out io.Writer = os.Stdout
)

var commands = []subcommands.Command{
	&recalcCmd{},
	&rebuildCmd{},
	&balanceCmd{},
	&periodCmd{},
	&rollForwardCmd{},
}

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")

	for _, c := range commands {
		commander.Register(c, "")
	}

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}

// openEngine opens the store selected by the environment and flags.
func openEngine(ctx context.Context) (*balance.Engine, store.Backend, func(), error) {
	log := logger.NewWithWriter(os.Stderr).Level(logger.ParseLevel(*logLevel))
	cfg := config.Load(log)
	if *driver != "" {
		cfg.DBDriver = *driver
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *databaseURL != "" {
		cfg.DatabaseURL = *databaseURL
	}

	opened, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	engine := balance.NewEngine(opened.Backend, balance.Options{
		Locker:      opened.Locker,
		MaxAttempts: cfg.RecalcMaxAttempts,
		Workers:     cfg.RecalcWorkers,
		Log:         log,
	})
	return engine, opened.Backend, opened.Close, nil
}
