/*
scheduler.go - Post-commit range dispatch

PURPOSE:
  Consumes the merged pending ranges of one committed batch exactly once and
  recomputes each of them.

FAILURE POLICY:
  Best effort over all ranges. A failing account does not stop the others;
  every failure is collected and returned together as *ScheduleError. The
  pending list is drained from the tracker before Run starts, so it is
  cleared whether Run succeeds or not.

ORDERING:
  Ranges of the same account run one after another in input order.
  Different accounts may run in parallel, up to Workers at a time.
*/
package balance

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// RangeRecalculator recomputes one account range. *Recalculator implements it.
type RangeRecalculator interface {
	RecalcRange(ctx context.Context, tenantID TenantID, accountID AccountID, from, to Day) error
}

type Scheduler struct {
	Recalc  RangeRecalculator
	Workers int
	Log     zerolog.Logger
}

type indexedFailure struct {
	idx int
	RangeFailure
}

// Run recomputes every pending range. It returns nil or a *ScheduleError.
func (s *Scheduler) Run(ctx context.Context, pending []PendingRange) error {
	if len(pending) == 0 {
		return nil
	}

	// Group by account, keeping per-account input order.
	var keys []AccountKey
	queues := make(map[AccountKey][]int)
	for i, p := range pending {
		if _, ok := queues[p.Key]; !ok {
			keys = append(keys, p.Key)
		}
		queues[p.Key] = append(queues[p.Key], i)
	}

	workers := s.Workers
	if workers <= 0 {
		workers = 1
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []indexedFailure
		sem      = make(chan struct{}, workers)
	)

	for _, key := range keys {
		idxs := queues[key]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			for _, i := range idxs {
				p := pending[i]
				err := s.Recalc.RecalcRange(ctx, p.Key.TenantID, p.Key.AccountID, p.Range.From, p.Range.To)
				if err != nil {
					s.Log.Error().Err(err).
						Str("account", p.Key.String()).
						Stringer("range", p.Range).
						Msg("scheduled recalc failed")
					mu.Lock()
					failures = append(failures, indexedFailure{idx: i, RangeFailure: RangeFailure{Range: p, Err: err}})
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if len(failures) == 0 {
		s.Log.Debug().Int("ranges", len(pending)).Msg("scheduled recalcs done")
		return nil
	}

	sort.Slice(failures, func(i, j int) bool { return failures[i].idx < failures[j].idx })
	out := make([]RangeFailure, len(failures))
	for i, f := range failures {
		out[i] = f.RangeFailure
	}
	return &ScheduleError{Failures: out}
}
