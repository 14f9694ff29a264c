/*
handlers.go - HTTP API handlers for the balance engine

PURPOSE:
  Exposes the balance engine via REST API. Handles HTTP request/response,
  JSON serialization, amount parsing, and delegates to balance.Engine.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                       Create account
    GET    /api/accounts/{id}                  Get account
    PUT    /api/accounts/{id}/opening-balance  Change declared opening balance
    GET    /api/accounts/{id}/transactions     Transactions in ?from=&to=

  Transactions:
    POST   /api/transactions                   Insert
    GET    /api/transactions/{id}              Get (soft-deleted included)
    PUT    /api/transactions/{id}              Update (date, amount, account...)
    DELETE /api/transactions/{id}              Soft delete; ?hard=true removes
    POST   /api/transactions/{id}/restore      Undo a soft delete

  Balances:
    GET    /api/accounts/{id}/balance?date=    Balance on one date (default today)
    GET    /api/accounts/{id}/balances?from=&to=  Daily balances for a period

  Operations:
    POST   /api/accounts/{id}/recalc           Force-recompute {from, to}
    POST   /api/accounts/{id}/rebuild          Recompute from inception {through}
    POST   /api/admin/roll-forward             Extend every chain through today

REQUEST FLOW:
  1. Resolve tenant from X-Tenant-ID
  2. Parse and validate input (amounts use the account's currency scale)
  3. Call the engine; writes run in one storage transaction
  4. Serialize response

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 202: Write committed, some recomputes failed (body lists the ranges)
  - 400: Validation errors, invalid input, currency mismatch
  - 404: Account or transaction not found
  - 409: Duplicate transaction or account ID, concurrent modification
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/warp/balance-engine/balance"
	"github.com/warp/balance-engine/logger"
)

const tenantHeader = "X-Tenant-ID"

// Store is what the handlers read directly, outside the engine.
type Store interface {
	balance.AccountDirectory
	balance.TransactionReader
	Reset(ctx context.Context) error
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine      *balance.Engine
	Store       Store
	RollForward *RollForward // nil disables /api/admin/roll-forward
	Log         zerolog.Logger

	now balance.Clock

	mu              sync.Mutex
	currentScenario string
}

func NewHandler(engine *balance.Engine, store Store, log zerolog.Logger) *Handler {
	return &Handler{
		Engine: engine,
		Store:  store,
		Log:    log,
		now:    time.Now,
	}
}

func (h *Handler) today() balance.Day { return balance.DayOf(h.now()) }

// Health reports liveness.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// CreateAccount creates an account with an optional declared opening balance.
// POST /api/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	acct := balance.Account{
		ID:       balance.AccountID(req.ID),
		TenantID: tenantID,
		Name:     req.Name,
		Currency: balance.Currency(strings.ToUpper(strings.TrimSpace(req.Currency))),
	}
	if !acct.Currency.Known() {
		writeError(w, http.StatusBadRequest, "Unknown currency", fmt.Errorf("%q is not an ISO 4217 code", req.Currency))
		return
	}
	if err := applyOpening(&acct, req.OpeningBalance, req.OpeningDate); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid opening balance", err)
		return
	}

	serr, err := h.write(ctx, func(ctx context.Context, b *balance.Batch) error {
		return b.CreateAccount(ctx, acct)
	})
	if err != nil {
		h.writeDomainError(ctx, w, "Failed to create account", err)
		return
	}
	respond(w, http.StatusCreated, toAccountDTO(acct), serr)
}

// GetAccount returns a single account.
// GET /api/accounts/{id}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	acct, err := h.Store.Account(ctx, tenantID, balance.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(ctx, w, "Failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(*acct))
}

// UpdateOpeningBalance changes the declared opening balance and date. Every
// day from the earlier of the old and new dates is recomputed.
// PUT /api/accounts/{id}/opening-balance
func (h *Handler) UpdateOpeningBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	var req OpeningBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	current, err := h.Store.Account(ctx, tenantID, balance.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(ctx, w, "Failed to get account", err)
		return
	}
	acct := *current
	if err := applyOpening(&acct, req.OpeningBalance, req.OpeningDate); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid opening balance", err)
		return
	}

	serr, err := h.write(ctx, func(ctx context.Context, b *balance.Batch) error {
		return b.SaveAccount(ctx, acct)
	})
	if err != nil {
		h.writeDomainError(ctx, w, "Failed to update opening balance", err)
		return
	}
	respond(w, http.StatusOK, toAccountDTO(acct), serr)
}

func applyOpening(acct *balance.Account, amount, date string) error {
	acct.OpeningBalance = 0
	if amount != "" {
		a, err := acct.Currency.Parse(amount)
		if err != nil {
			return err
		}
		acct.OpeningBalance = a
	}

	acct.OpeningDate = balance.Day{}
	if date != "" {
		d, err := parseDay("opening_date", date)
		if err != nil {
			return err
		}
		acct.OpeningDate = d
	}
	return nil
}

// ListTransactions returns an account's transactions in [from, to],
// soft-deleted ones included.
// GET /api/accounts/{id}/transactions?from=&to=
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	accountID := balance.AccountID(chi.URLParam(r, "id"))

	rng, err := parseRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		h.writeDomainError(ctx, w, "Invalid range", err)
		return
	}
	if _, err := h.Store.Account(ctx, tenantID, accountID); err != nil {
		h.writeDomainError(ctx, w, "Failed to get account", err)
		return
	}

	txs, err := h.Store.ListTransactions(ctx, tenantID, accountID, rng)
	if err != nil {
		h.writeDomainError(ctx, w, "Failed to list transactions", err)
		return
	}
	dtos := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		dtos = append(dtos, toTransactionDTO(tx))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// CreateTransaction inserts a transaction and recomputes the affected days.
// POST /api/transactions
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	tx, err := h.transactionFrom(ctx, tenantID, req)
	if err != nil {
		h.writeDomainError(ctx, w, "Invalid transaction", err)
		return
	}

	serr, err := h.write(ctx, func(ctx context.Context, b *balance.Batch) error {
		return b.Insert(ctx, tx)
	})
	if err != nil {
		h.writeDomainError(ctx, w, "Failed to create transaction", err)
		return
	}
	h.respondTransaction(ctx, w, http.StatusCreated, tx, serr)
}

// GetTransaction returns a single transaction.
// GET /api/transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	tx, err := h.Store.GetTransaction(ctx, tenantID, balance.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(ctx, w, "Failed to get transaction", err)
		return
	}
	if tx == nil {
		writeError(w, http.StatusNotFound, "Transaction not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// UpdateTransaction replaces a transaction's fields. Moving it to another
// date or account recomputes both the old and new positions.
// PUT /api/transactions/{id}
func (h *Handler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req.ID = chi.URLParam(r, "id")

	tx, err := h.transactionFrom(ctx, tenantID, req)
	if err != nil {
		h.writeDomainError(ctx, w, "Invalid transaction", err)
		return
	}

	serr, err := h.write(ctx, func(ctx context.Context, b *balance.Batch) error {
		return b.Update(ctx, tx)
	})
	if err != nil {
		h.writeDomainError(ctx, w, "Failed to update transaction", err)
		return
	}
	h.respondTransaction(ctx, w, http.StatusOK, tx, serr)
}

// DeleteTransaction soft-deletes a transaction, or removes it with ?hard=true.
// DELETE /api/transactions/{id}
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	id := balance.TransactionID(chi.URLParam(r, "id"))
	hard := r.URL.Query().Get("hard") == "true"

	serr, err := h.write(ctx, func(ctx context.Context, b *balance.Batch) error {
		if hard {
			return b.Delete(ctx, tenantID, id)
		}
		return b.SoftDelete(ctx, tenantID, id)
	})
	if err != nil {
		h.writeDomainError(ctx, w, "Failed to delete transaction", err)
		return
	}

	status := "soft_deleted"
	if hard {
		status = "deleted"
	}
	respond(w, http.StatusOK, map[string]string{"id": string(id), "status": status}, serr)
}

// RestoreTransaction clears a soft delete.
// POST /api/transactions/{id}/restore
func (h *Handler) RestoreTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	id := balance.TransactionID(chi.URLParam(r, "id"))

	serr, err := h.write(ctx, func(ctx context.Context, b *balance.Batch) error {
		return b.Restore(ctx, tenantID, id)
	})
	if err != nil {
		h.writeDomainError(ctx, w, "Failed to restore transaction", err)
		return
	}
	h.respondTransaction(ctx, w, http.StatusOK, balance.Transaction{ID: id, TenantID: tenantID}, serr)
}

// transactionFrom builds a transaction from a request, parsing the amount
// with the account's currency scale.
func (h *Handler) transactionFrom(ctx context.Context, tenantID balance.TenantID, req TransactionRequest) (balance.Transaction, error) {
	if req.AccountID == "" {
		return balance.Transaction{}, &balance.FieldError{Field: "account_id", Reason: "required"}
	}
	acct, err := h.Store.Account(ctx, tenantID, balance.AccountID(req.AccountID))
	if err != nil {
		return balance.Transaction{}, err
	}

	if req.Currency != "" {
		if c := balance.Currency(strings.ToUpper(strings.TrimSpace(req.Currency))); c != acct.Currency {
			return balance.Transaction{}, fmt.Errorf("%w: account %s holds %s, got %s",
				balance.ErrCurrencyMismatch, acct.ID, acct.Currency, c)
		}
	}
	if req.Amount == "" {
		return balance.Transaction{}, &balance.FieldError{Field: "amount", Reason: "required"}
	}
	amount, err := acct.Currency.Parse(req.Amount)
	if err != nil {
		return balance.Transaction{}, err
	}
	day, err := parseDay("occurred_on", req.OccurredOn)
	if err != nil {
		return balance.Transaction{}, err
	}

	return balance.Transaction{
		ID:         balance.TransactionID(req.ID),
		TenantID:   tenantID,
		AccountID:  acct.ID,
		Direction:  balance.Direction(strings.ToLower(req.Direction)),
		Amount:     amount,
		Currency:   acct.Currency,
		OccurredOn: day,
		Note:       req.Note,
	}, nil
}

// respondTransaction re-reads the committed row so timestamps and delete
// state are the stored ones.
func (h *Handler) respondTransaction(ctx context.Context, w http.ResponseWriter, status int, tx balance.Transaction, serr *balance.ScheduleError) {
	stored, err := h.Store.GetTransaction(ctx, tx.TenantID, tx.ID)
	if err != nil {
		h.writeDomainError(ctx, w, "Failed to read transaction", err)
		return
	}
	if stored == nil {
		writeError(w, http.StatusNotFound, "Transaction not found", nil)
		return
	}
	respond(w, status, toTransactionDTO(*stored), serr)
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// GetBalance returns the snapshot of one date, computing it when missing.
// GET /api/accounts/{id}/balance?date=
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	day := h.today()
	if s := r.URL.Query().Get("date"); s != "" {
		d, err := parseDay("date", s)
		if err != nil {
			h.writeDomainError(ctx, w, "Invalid date", err)
			return
		}
		day = d
	}

	snap, err := h.Engine.BalanceOnDate(ctx, tenantID, balance.AccountID(chi.URLParam(r, "id")), day)
	if err != nil {
		h.writeDomainError(ctx, w, "Failed to get balance", err)
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "No balance for date", nil)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(*snap))
}

// GetBalances returns one row per day in [from, to].
// GET /api/accounts/{id}/balances?from=&to=
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	accountID := balance.AccountID(chi.URLParam(r, "id"))

	rng, err := parseRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		h.writeDomainError(ctx, w, "Invalid range", err)
		return
	}

	rows, err := h.Engine.BalancesForPeriod(ctx, tenantID, accountID, rng.From, rng.To)
	if err != nil {
		h.writeDomainError(ctx, w, "Failed to get balances", err)
		return
	}

	days := make([]BalanceDTO, 0, len(rows))
	for _, row := range rows {
		days = append(days, toBalanceDTO(row))
	}
	writeJSON(w, http.StatusOK, PeriodDTO{
		AccountID: string(accountID),
		From:      rng.From.String(),
		To:        rng.To.String(),
		Days:      days,
	})
}

// =============================================================================
// OPERATIONAL ENDPOINTS
// =============================================================================

// Recalc force-recomputes [from, to]. Safe to repeat.
// POST /api/accounts/{id}/recalc
func (h *Handler) Recalc(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	accountID := balance.AccountID(chi.URLParam(r, "id"))

	var req RecalcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	rng, err := parseRange(req.From, req.To)
	if err != nil {
		h.writeDomainError(ctx, w, "Invalid range", err)
		return
	}

	if err := h.Engine.RecalcRange(ctx, tenantID, accountID, rng.From, rng.To); err != nil {
		h.writeDomainError(ctx, w, "Failed to recompute", err)
		return
	}
	writeJSON(w, http.StatusOK, RangeDTO{AccountID: string(accountID), From: rng.From.String(), To: rng.To.String()})
}

// Rebuild recomputes an account from its inception. The body is optional.
// POST /api/accounts/{id}/rebuild
func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}
	accountID := balance.AccountID(chi.URLParam(r, "id"))

	var req RebuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	through := h.today()
	if req.Through != "" {
		d, err := parseDay("through", req.Through)
		if err != nil {
			h.writeDomainError(ctx, w, "Invalid date", err)
			return
		}
		through = d
	}

	rng, err := h.Engine.Rebuild(ctx, tenantID, accountID, through)
	if err != nil {
		h.writeDomainError(ctx, w, "Failed to rebuild", err)
		return
	}
	writeJSON(w, http.StatusOK, RangeDTO{AccountID: string(accountID), From: rng.From.String(), To: rng.To.String()})
}

// TriggerRollForward extends every account's chain through today now,
// instead of waiting for the next tick.
// POST /api/admin/roll-forward
func (h *Handler) TriggerRollForward(w http.ResponseWriter, r *http.Request) {
	if h.RollForward == nil {
		writeError(w, http.StatusNotFound, "Roll-forward is not configured", nil)
		return
	}
	res, err := h.RollForward.RunOnce(r.Context())
	if err != nil {
		h.writeDomainError(r.Context(), w, "Roll-forward failed", err)
		return
	}
	writeJSON(w, http.StatusOK, RollForwardDTO{
		Accounts: res.Accounts,
		Extended: res.Extended,
		Through:  res.Through.String(),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func tenant(w http.ResponseWriter, r *http.Request) (balance.TenantID, bool) {
	id := strings.TrimSpace(r.Header.Get(tenantHeader))
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing "+tenantHeader+" header", nil)
		return "", false
	}
	return balance.TenantID(id), true
}

// write runs fn as one engine write. A committed write whose recomputes
// partly failed is not an error here; the failures come back separately.
func (h *Handler) write(ctx context.Context, fn func(ctx context.Context, b *balance.Batch) error) (*balance.ScheduleError, error) {
	err := h.Engine.Write(ctx, fn)
	var serr *balance.ScheduleError
	if errors.As(err, &serr) {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("write committed, recompute pending")
		return serr, nil
	}
	return nil, err
}

func parseDay(field, s string) (balance.Day, error) {
	if s == "" {
		return balance.Day{}, &balance.FieldError{Field: field, Reason: "required"}
	}
	d, err := balance.ParseDay(s)
	if err != nil {
		return balance.Day{}, &balance.FieldError{Field: field, Reason: "must be YYYY-MM-DD"}
	}
	return d, nil
}

func parseRange(from, to string) (balance.Range, error) {
	f, err := parseDay("from", from)
	if err != nil {
		return balance.Range{}, err
	}
	t, err := parseDay("to", to)
	if err != nil {
		return balance.Range{}, err
	}
	return balance.NewRange(f, t)
}

// respond writes data with status, or 202 with the pending ranges when
// some recomputes failed after commit.
func respond(w http.ResponseWriter, status int, data any, serr *balance.ScheduleError) {
	if serr != nil {
		writeJSON(w, http.StatusAccepted, AcceptedResponse{Data: data, Pending: toPendingDTOs(serr)})
		return
	}
	writeJSON(w, status, data)
}

func (h *Handler) writeDomainError(ctx context.Context, w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, balance.ErrDuplicateTransaction), errors.Is(err, balance.ErrAccountExists), balance.IsRetryable(err):
		writeError(w, http.StatusConflict, message, err)
	case balance.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case balance.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	default:
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
