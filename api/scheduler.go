/*
scheduler.go - Roll-forward scheduler

PURPOSE:
  Periodically extends every account's snapshot chain from the day after
  its last snapshot through today, zero-activity days included, so reads
  of recent dates find a stored row instead of computing on demand.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Accounts without any snapshot are rebuilt from inception
  - Accounts already at or past today are skipped
  - One failing account does not stop the others; failures are joined

USAGE:
  rf := NewRollForward(engine, store, time.Hour, log)
  rf.Start()
  // ... later
  rf.Stop()

SEE ALSO:
  - handlers.go: TriggerRollForward endpoint (manual run)
  - balance/engine.go: RecalcRange, Rebuild
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/balance-engine/balance"
)

// RollForward keeps snapshot chains current.
type RollForward struct {
	Engine   *balance.Engine
	Accounts balance.AccountLister
	Interval time.Duration // <= 0 disables the background loop
	Log      zerolog.Logger
	Now      balance.Clock

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// RollForwardResult summarizes one run.
type RollForwardResult struct {
	Accounts int
	Extended int
	Through  balance.Day
}

func NewRollForward(engine *balance.Engine, accounts balance.AccountLister, interval time.Duration, log zerolog.Logger) *RollForward {
	return &RollForward{
		Engine:   engine,
		Accounts: accounts,
		Interval: interval,
		Log:      log.With().Str("component", "roll-forward").Logger(),
		Now:      time.Now,
	}
}

// Start begins the background loop. It runs once immediately.
func (rf *RollForward) Start() {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.Interval <= 0 {
		rf.Log.Info().Msg("disabled, not starting")
		return
	}
	if rf.ticker != nil {
		return
	}

	rf.ticker = time.NewTicker(rf.Interval)
	rf.stop = make(chan struct{})
	rf.wg.Add(1)
	go rf.run()

	rf.Log.Info().Dur("interval", rf.Interval).Msg("started")
}

// Stop stops the loop and waits for an in-flight run to finish.
func (rf *RollForward) Stop() {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.ticker == nil {
		return
	}
	rf.ticker.Stop()
	close(rf.stop)
	rf.wg.Wait()
	rf.ticker = nil
	rf.Log.Info().Msg("stopped")
}

func (rf *RollForward) run() {
	defer rf.wg.Done()

	rf.runLogged()
	for {
		select {
		case <-rf.ticker.C:
			rf.runLogged()
		case <-rf.stop:
			return
		}
	}
}

func (rf *RollForward) runLogged() {
	res, err := rf.RunOnce(context.Background())
	if err != nil {
		rf.Log.Error().Err(err).Int("accounts", res.Accounts).Int("extended", res.Extended).Msg("roll-forward finished with errors")
		return
	}
	rf.Log.Info().Int("accounts", res.Accounts).Int("extended", res.Extended).Stringer("through", res.Through).Msg("roll-forward done")
}

// RunOnce extends every account through today.
func (rf *RollForward) RunOnce(ctx context.Context) (RollForwardResult, error) {
	now := rf.Now
	if now == nil {
		now = time.Now
	}
	today := balance.DayOf(now())

	accounts, err := rf.Accounts.ListAccounts(ctx)
	if err != nil {
		return RollForwardResult{Through: today}, fmt.Errorf("list accounts: %w", err)
	}
	res := RollForwardResult{Accounts: len(accounts), Through: today}

	var errs []error
	for _, acct := range accounts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		extended, err := rf.extend(ctx, acct, today)
		if err != nil {
			rf.Log.Warn().Err(err).Str("account", acct.Key().String()).Msg("roll-forward failed")
			errs = append(errs, fmt.Errorf("%s: %w", acct.Key(), err))
			continue
		}
		if extended {
			res.Extended++
		}
	}
	return res, errors.Join(errs...)
}

func (rf *RollForward) extend(ctx context.Context, acct balance.Account, today balance.Day) (bool, error) {
	last, ok, err := rf.Engine.Store.LastDate(ctx, acct.TenantID, acct.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		if _, err := rf.Engine.Rebuild(ctx, acct.TenantID, acct.ID, today); err != nil {
			return false, err
		}
		return true, nil
	}
	if !last.Before(today) {
		return false, nil
	}
	if err := rf.Engine.RecalcRange(ctx, acct.TenantID, acct.ID, last.AddDays(1), today); err != nil {
		return false, err
	}
	return true, nil
}
