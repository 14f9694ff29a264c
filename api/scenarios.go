/*
scenarios.go - Demo scenario loaders

PURPOSE:
  Populates the store with one demo account and walks it through the
  canonical balance stories, so the balance endpoints can be explored.

AVAILABLE SCENARIOS (each includes the steps of the one before):
  opening-balance:    1000.00 declared on 2024-01-01, no activity
  single-inflow:      + a 500.00 inflow on 2024-01-05
  moved-transaction:  + that inflow moved to 2024-01-10
  soft-delete:        + that inflow soft-deleted

  All scenarios use tenant "demo" and account "demo-account" in RUB.

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "moved-transaction"}

NOTE:
  Scenarios reset the store. Only use in development/demo environments.
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/warp/balance-engine/balance"
)

const (
	scenarioTenant      balance.TenantID      = "demo"
	scenarioAccount     balance.AccountID     = "demo-account"
	scenarioTransaction balance.TransactionID = "demo-inflow"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "opening-balance",
		Name:        "Opening Balance",
		Description: "1000.00 declared on 2024-01-01 and no January transactions",
	},
	{
		ID:          "single-inflow",
		Name:        "Single Inflow",
		Description: "A 500.00 inflow on 2024-01-05 on top of the opening balance",
	},
	{
		ID:          "moved-transaction",
		Name:        "Moved Transaction",
		Description: "The inflow moved from 2024-01-05 to 2024-01-10",
	},
	{
		ID:          "soft-delete",
		Name:        "Soft Delete",
		Description: "The inflow soft-deleted; every day is back to 1000.00",
	},
}

// scenarioSteps are applied in order; scenario i runs steps[0..i].
var scenarioSteps = []func(ctx context.Context, b *balance.Batch) error{
	func(ctx context.Context, b *balance.Batch) error {
		return b.SaveAccount(ctx, balance.Account{
			ID:             scenarioAccount,
			TenantID:       scenarioTenant,
			Name:           "Demo account",
			Currency:       "RUB",
			OpeningBalance: 100000,
			OpeningDate:    balance.MustParseDay("2024-01-01"),
		})
	},
	func(ctx context.Context, b *balance.Batch) error {
		return b.Insert(ctx, demoInflow("2024-01-05"))
	},
	func(ctx context.Context, b *balance.Batch) error {
		return b.Update(ctx, demoInflow("2024-01-10"))
	},
	func(ctx context.Context, b *balance.Batch) error {
		return b.SoftDelete(ctx, scenarioTenant, scenarioTransaction)
	},
}

func demoInflow(day string) balance.Transaction {
	return balance.Transaction{
		ID:         scenarioTransaction,
		TenantID:   scenarioTenant,
		AccountID:  scenarioAccount,
		Direction:  balance.DirectionInflow,
		Amount:     50000,
		OccurredOn: balance.MustParseDay(day),
		Note:       "demo inflow",
	}
}

// ListScenarios returns available demo scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"scenario_id": current})
}

// LoadScenario resets the store and loads a scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	stage := -1
	for i, s := range scenarios {
		if s.ID == req.ScenarioID {
			stage = i
		}
	}
	if stage < 0 {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("%q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.loadScenario(r.Context(), stage); err != nil {
		h.writeDomainError(r.Context(), w, "Failed to load scenario", err)
		return
	}
	h.currentScenario = req.ScenarioID

	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "loaded",
		"scenario_id": req.ScenarioID,
		"tenant_id":   string(scenarioTenant),
		"account_id":  string(scenarioAccount),
	})
}

func (h *Handler) loadScenario(ctx context.Context, stage int) error {
	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	for i := 0; i <= stage; i++ {
		if err := h.Engine.Write(ctx, scenarioSteps[i]); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}
