// Package kafka connects the balance engine to Kafka: a consumer for change
// notifications committed by an external transaction store, and a publisher
// announcing recomputed balance ranges.
package kafka

import (
	"fmt"
	"time"

	"github.com/warp/balance-engine/balance"
)

// Notification kinds.
const (
	KindInsert = "insert"
	KindUpdate = "update"
	KindDelete = "delete"
)

// Notification is one committed transaction change, as published on the
// changes topic. AccountID stands in for whichever side's account is empty.
type Notification struct {
	Kind         string      `json:"kind"`
	TenantID     string      `json:"tenant_id"`
	AccountID    string      `json:"account_id,omitempty"`
	OldAccountID string      `json:"old_account_id,omitempty"`
	NewAccountID string      `json:"new_account_id,omitempty"`
	OldDate      balance.Day `json:"old_date"`
	NewDate      balance.Day `json:"new_date"`
}

// Change converts the notification into the engine's before/after pair.
func (n Notification) Change() (balance.Change, error) {
	if n.TenantID == "" {
		return balance.Change{}, &balance.FieldError{Field: "tenant_id", Reason: "required"}
	}
	c := balance.Change{TenantID: balance.TenantID(n.TenantID)}

	before := func() (*balance.Entry, error) { return side("old", n.OldAccountID, n.AccountID, n.OldDate) }
	after := func() (*balance.Entry, error) { return side("new", n.NewAccountID, n.AccountID, n.NewDate) }

	var err error
	switch n.Kind {
	case KindInsert:
		c.After, err = after()
	case KindDelete:
		c.Before, err = before()
	case KindUpdate:
		if c.Before, err = before(); err == nil {
			c.After, err = after()
		}
	default:
		err = fmt.Errorf("%w: unknown kind %q", balance.ErrInvalidChange, n.Kind)
	}
	if err != nil {
		return balance.Change{}, err
	}
	return c, nil
}

func side(prefix, account, fallback string, day balance.Day) (*balance.Entry, error) {
	if account == "" {
		account = fallback
	}
	if account == "" {
		return nil, &balance.FieldError{Field: prefix + "_account_id", Reason: "required"}
	}
	if day.IsZero() {
		return nil, &balance.FieldError{Field: prefix + "_date", Reason: "required"}
	}
	return &balance.Entry{AccountID: balance.AccountID(account), Date: day}, nil
}

// MessageKey partitions by account so one account's notifications stay ordered.
func MessageKey(tenantID balance.TenantID, accountID balance.AccountID) []byte {
	return []byte(balance.AccountKey{TenantID: tenantID, AccountID: accountID}.String())
}

// RecomputedEvent is published after a range has been recomputed and stored.
type RecomputedEvent struct {
	ID        string      `json:"id"`
	TenantID  string      `json:"tenant_id"`
	AccountID string      `json:"account_id"`
	From      balance.Day `json:"from"`
	To        balance.Day `json:"to"`
	At        time.Time   `json:"at"`
}
