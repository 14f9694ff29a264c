// Package store opens the storage backend named by the configuration.
package store

import (
	"context"
	"fmt"

	"github.com/warp/balance-engine/balance"
	memstore "github.com/warp/balance-engine/balance/store"
	"github.com/warp/balance-engine/config"
	"github.com/warp/balance-engine/store/postgres"
	"github.com/warp/balance-engine/store/sqlite"
)

// Backend is everything the server and CLI need from a store.
type Backend interface {
	balance.Storage
	balance.AccountLister
	balance.TransactionReader
	Reset(ctx context.Context) error
}

// Opened is an open backend. Locker is nil when the in-process default
// is enough.
type Opened struct {
	Backend Backend
	Locker  balance.Locker
	Close   func()
}

// Open connects to cfg.DBDriver: sqlite (DBPath), postgres (DatabaseURL)
// or memory.
func Open(ctx context.Context, cfg *config.Config) (*Opened, error) {
	switch cfg.DBDriver {
	case "sqlite":
		s, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		return &Opened{Backend: s, Close: func() { s.Close() }}, nil

	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return &Opened{
			Backend: s,
			Locker:  postgres.NewAdvisoryLocker(s.Pool()),
			Close:   s.Close,
		}, nil

	case "memory":
		return &Opened{Backend: memstore.NewMemory(), Close: func() {}}, nil

	default:
		return nil, fmt.Errorf("unknown DB driver %q (want sqlite, postgres or memory)", cfg.DBDriver)
	}
}
