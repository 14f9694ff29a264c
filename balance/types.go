/*
Package balance provides the incremental daily balance engine.

PURPOSE:
  Maintains, per account and per calendar day, a materialized running balance
  (opening, inflow, outflow, closing) derived from a mutable set of ledger
  transactions. Transactions can be created, edited, moved between days or
  accounts, soft-deleted and hard-deleted; the daily snapshots always stay a
  forward-chained function of the transactions currently on record.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: identity, currency and the user-declared opening balance
  - Transaction: a dated inflow/outflow against one account
  - Snapshot: one persisted row per (tenant, account, day)
  - DaySums: per-day inflow/outflow totals from the aggregation query

DATA FLOW:
  writes -> Tracker (inside the write transaction) -> commit
         -> Scheduler (after commit) -> Recalculator
         -> Aggregator (read) -> SnapshotStore (write) -> read API

INVARIANTS (every persisted snapshot):
  1. Closing = Opening + Inflow - Outflow, in integer minor units
  2. snapshot(d+1).Opening == snapshot(d).Closing
  3. On the declared opening date, Opening == declared opening balance
  4. No gaps inside a recomputed range
  5. Soft-deleted transactions never count

SEE ALSO:
  - tracker.go: change tracking and range merging
  - scheduler.go: post-commit dispatch
  - recalc.go: forward-chaining recomputation
  - engine.go: write batches and read API
*/
package balance

import (
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type AccountID string
type TransactionID string

// AccountKey identifies one account's snapshot chain.
type AccountKey struct {
	TenantID  TenantID
	AccountID AccountID
}

func (k AccountKey) String() string { return string(k.TenantID) + "/" + string(k.AccountID) }

// =============================================================================
// ACCOUNT - Owned by the account directory, read-only here
// =============================================================================

type Account struct {
	ID       AccountID
	TenantID TenantID
	Name     string
	Currency Currency

	// Declared starting point. A zero OpeningDate means nothing was declared;
	// OpeningBalance then still applies when no earlier snapshot exists.
	OpeningBalance Amount
	OpeningDate    Day
}

func (a Account) Key() AccountKey { return AccountKey{TenantID: a.TenantID, AccountID: a.ID} }

// HasOpeningDate reports whether the user declared an opening-balance date.
func (a Account) HasOpeningDate() bool { return !a.OpeningDate.IsZero() }

// =============================================================================
// TRANSACTION - Owned by the transaction store, read-only here
// =============================================================================

type Direction string

const (
	DirectionInflow  Direction = "inflow"
	DirectionOutflow Direction = "outflow"
)

func (d Direction) Valid() bool { return d == DirectionInflow || d == DirectionOutflow }

type Transaction struct {
	ID         TransactionID
	TenantID   TenantID
	AccountID  AccountID
	Direction  Direction
	Amount     Amount // non-negative; Direction carries the sign
	Currency   Currency
	OccurredOn Day
	Note       string

	// DeletedAt marks a soft delete. The row stays on record but is
	// excluded from every aggregation.
	DeletedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (t Transaction) Key() AccountKey { return AccountKey{TenantID: t.TenantID, AccountID: t.AccountID} }

func (t Transaction) IsDeleted() bool { return t.DeletedAt != nil }

// Validate checks the fields a writer must supply.
func (t Transaction) Validate() error {
	switch {
	case t.ID == "":
		return &FieldError{Field: "id", Reason: "required"}
	case t.TenantID == "":
		return &FieldError{Field: "tenant_id", Reason: "required"}
	case t.AccountID == "":
		return &FieldError{Field: "account_id", Reason: "required"}
	case !t.Direction.Valid():
		return &FieldError{Field: "direction", Reason: "must be inflow or outflow"}
	case t.Amount.IsNegative():
		return &FieldError{Field: "amount", Reason: "must not be negative"}
	case t.OccurredOn.IsZero():
		return &FieldError{Field: "occurred_on", Reason: "required"}
	}
	return nil
}

// =============================================================================
// SNAPSHOT - One materialized row per (tenant, account, day)
// =============================================================================

type Snapshot struct {
	TenantID  TenantID
	AccountID AccountID
	Date      Day
	Opening   Amount
	Inflow    Amount
	Outflow   Amount
	Closing   Amount
	Currency  Currency
}

func (s Snapshot) Key() AccountKey { return AccountKey{TenantID: s.TenantID, AccountID: s.AccountID} }

// Balanced reports whether Closing == Opening + Inflow - Outflow.
func (s Snapshot) Balanced() bool {
	return s.Closing == s.Opening.Add(s.Inflow).Sub(s.Outflow)
}

// DaySums is one day of the aggregation query result.
type DaySums struct {
	Inflow  Amount
	Outflow Amount
}
