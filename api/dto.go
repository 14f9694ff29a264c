/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Amounts cross the API
  as major-unit decimal strings ("1500.00"); the domain keeps int64 minor
  units. Dates are YYYY-MM-DD.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done in handlers and the engine, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
  - balance/money.go: Currency.Parse / Currency.Format
*/
package api

import (
	"time"

	"github.com/warp/balance-engine/balance"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type AccountDTO struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenant_id"`
	Name           string `json:"name"`
	Currency       string `json:"currency"`
	OpeningBalance string `json:"opening_balance"`
	OpeningDate    string `json:"opening_date,omitempty"`
}

// CreateAccountRequest creates an account. ID is generated when empty.
type CreateAccountRequest struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Currency       string `json:"currency"`
	OpeningBalance string `json:"opening_balance"`
	OpeningDate    string `json:"opening_date"`
}

// OpeningBalanceRequest changes the declared opening balance.
// An empty OpeningDate clears the declared date.
type OpeningBalanceRequest struct {
	OpeningBalance string `json:"opening_balance"`
	OpeningDate    string `json:"opening_date"`
}

func toAccountDTO(a balance.Account) AccountDTO {
	dto := AccountDTO{
		ID:             string(a.ID),
		TenantID:       string(a.TenantID),
		Name:           a.Name,
		Currency:       string(a.Currency),
		OpeningBalance: a.Currency.Format(a.OpeningBalance),
	}
	if a.HasOpeningDate() {
		dto.OpeningDate = a.OpeningDate.String()
	}
	return dto
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TransactionDTO struct {
	ID         string `json:"id"`
	AccountID  string `json:"account_id"`
	Direction  string `json:"direction"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	OccurredOn string `json:"occurred_on"`
	Note       string `json:"note,omitempty"`
	Deleted    bool   `json:"deleted"`
	DeletedAt  string `json:"deleted_at,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// TransactionRequest is the body of both create and update. Currency
// defaults to the account's; any other currency is rejected.
type TransactionRequest struct {
	ID         string `json:"id"`
	AccountID  string `json:"account_id"`
	Direction  string `json:"direction"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	OccurredOn string `json:"occurred_on"`
	Note       string `json:"note"`
}

func toTransactionDTO(tx balance.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:         string(tx.ID),
		AccountID:  string(tx.AccountID),
		Direction:  string(tx.Direction),
		Amount:     tx.Currency.Format(tx.Amount),
		Currency:   string(tx.Currency),
		OccurredOn: tx.OccurredOn.String(),
		Note:       tx.Note,
		Deleted:    tx.IsDeleted(),
		CreatedAt:  tx.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  tx.UpdatedAt.Format(time.RFC3339),
	}
	if tx.DeletedAt != nil {
		dto.DeletedAt = tx.DeletedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// BALANCES
// =============================================================================

// BalanceDTO is one daily snapshot.
type BalanceDTO struct {
	Date     string `json:"date"`
	Currency string `json:"currency"`
	Opening  string `json:"opening"`
	Inflow   string `json:"inflow"`
	Outflow  string `json:"outflow"`
	Closing  string `json:"closing"`
	Display  string `json:"display"`
}

type PeriodDTO struct {
	AccountID string       `json:"account_id"`
	From      string       `json:"from"`
	To        string       `json:"to"`
	Days      []BalanceDTO `json:"days"`
}

func toBalanceDTO(s balance.Snapshot) BalanceDTO {
	c := s.Currency
	return BalanceDTO{
		Date:     s.Date.String(),
		Currency: string(c),
		Opening:  c.Format(s.Opening),
		Inflow:   c.Format(s.Inflow),
		Outflow:  c.Format(s.Outflow),
		Closing:  c.Format(s.Closing),
		Display:  c.Display(s.Closing),
	}
}

// =============================================================================
// OPERATIONS
// =============================================================================

type RecalcRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RebuildRequest rebuilds through Through, today when empty.
type RebuildRequest struct {
	Through string `json:"through"`
}

type RangeDTO struct {
	AccountID string `json:"account_id"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// PendingRangeDTO is a range whose recompute failed after the write committed.
type PendingRangeDTO struct {
	TenantID  string `json:"tenant_id"`
	AccountID string `json:"account_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Error     string `json:"error"`
}

// AcceptedResponse is returned with 202 when a write committed but some
// recomputes failed. Re-running recalc over Pending is always safe.
type AcceptedResponse struct {
	Data    any               `json:"data,omitempty"`
	Pending []PendingRangeDTO `json:"pending"`
}

func toPendingDTOs(serr *balance.ScheduleError) []PendingRangeDTO {
	out := make([]PendingRangeDTO, 0, len(serr.Failures))
	for _, f := range serr.Failures {
		out = append(out, PendingRangeDTO{
			TenantID:  string(f.Range.Key.TenantID),
			AccountID: string(f.Range.Key.AccountID),
			From:      f.Range.Range.From.String(),
			To:        f.Range.Range.To.String(),
			Error:     f.Err.Error(),
		})
	}
	return out
}

type RollForwardDTO struct {
	Accounts int    `json:"accounts"`
	Extended int    `json:"extended"`
	Through  string `json:"through"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
