/*
scenarios.go - Demo scenario loaders

PURPOSE:
  Provides pre-built scenarios that populate the ledger with realistic
  meter activity for demos and manual testing. Each scenario registers
  meters for its own demo account and applies a scripted sequence of
  transactions through the ledger service, so notifications, cache
  invalidation and subscriber updates all happen as in production.

AVAILABLE SCENARIOS:
  healthy-meter:  Large purchase, steady consumption, no alerts
  low-balance:    Consumption drops below the threshold (medium alert)
  depleting:      Walks through every band down to zero
  household:      Two meters on one account, one of them low

RELOADING:
  Every step carries an idempotency key derived from the scenario, so
  loading a scenario twice applies nothing the second time.

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "depleting"}

SEE ALSO:
  - handlers.go: ApplyTransaction, the same path scenarios use
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/token-ledger/ledger"
	"github.com/warp/token-ledger/logging"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenarioStep struct {
	meter  string
	typ    ledger.TransactionType
	amount int64
	vendor string
}

type scenario struct {
	ScenarioDTO
	meters []ledger.Meter
	steps  []scenarioStep
}

func purchase(meter string, amount int64) scenarioStep {
	return scenarioStep{meter: meter, typ: ledger.TxPurchase, amount: amount, vendor: "demo-vendor"}
}

func consume(meter string, amount int64) scenarioStep {
	return scenarioStep{meter: meter, typ: ledger.TxConsumption, amount: amount}
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "healthy-meter",
			Name:        "Healthy Meter",
			Description: "Large purchase and steady consumption, balance stays above the threshold",
			AccountID:   "demo-healthy",
		},
		meters: []ledger.Meter{{MeterID: "M-1001", AccountID: "demo-healthy", Label: "Electricity"}},
		steps: []scenarioStep{
			purchase("M-1001", 500),
			consume("M-1001", 12),
			consume("M-1001", 15),
			consume("M-1001", 11),
			consume("M-1001", 14),
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "low-balance",
			Name:        "Low Balance",
			Description: "Consumption takes the balance under the default threshold of 50",
			AccountID:   "demo-low",
		},
		meters: []ledger.Meter{{MeterID: "M-2001", AccountID: "demo-low", Label: "Electricity"}},
		steps: []scenarioStep{
			purchase("M-2001", 120),
			consume("M-2001", 30),
			consume("M-2001", 25),
			consume("M-2001", 20),
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "depleting",
			Name:        "Depleting",
			Description: "Low, then critically low, then depleted: one alert per band",
			AccountID:   "demo-depleting",
		},
		meters: []ledger.Meter{{MeterID: "M-3001", AccountID: "demo-depleting", Label: "Electricity"}},
		steps: []scenarioStep{
			purchase("M-3001", 60),
			consume("M-3001", 25),
			consume("M-3001", 20),
			consume("M-3001", 20),
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "household",
			Name:        "Household",
			Description: "Electricity and water meters on one account; water runs low, then a refund",
			AccountID:   "demo-household",
		},
		meters: []ledger.Meter{
			{MeterID: "M-4001", AccountID: "demo-household", Label: "Electricity"},
			{MeterID: "M-4002", AccountID: "demo-household", Label: "Water"},
		},
		steps: []scenarioStep{
			purchase("M-4001", 300),
			purchase("M-4002", 80),
			consume("M-4001", 20),
			consume("M-4002", 40),
			{meter: "M-4002", typ: ledger.TxRefund, amount: 10},
		},
	},
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoadScenario loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	s, ok := findScenario(req.ScenarioID)
	if !ok {
		h.writeError(w, r, ledger.Errorf(ledger.ErrNotFound, "unknown scenario %q", req.ScenarioID))
		return
	}
	res, err := h.loadScenario(r.Context(), s)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.WithFields(logging.Fields{
		"scenario": s.ID,
		"applied":  res.Applied,
		"skipped":  res.Skipped,
	}).Info("scenario loaded")
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) loadScenario(ctx context.Context, s scenario) (ScenarioLoadDTO, error) {
	res := ScenarioLoadDTO{Scenario: s.ScenarioDTO}
	for _, m := range s.meters {
		if err := h.meters.RegisterMeter(ctx, m); err != nil {
			return res, err
		}
	}
	for i, step := range s.steps {
		meta := ledger.Meta{
			Vendor:          step.vendor,
			ReferenceNumber: fmt.Sprintf("%s-%02d", s.ID, i+1),
			IdempotencyKey:  fmt.Sprintf("scenario/%s/%d", s.ID, i+1),
		}
		_, err := h.ledger.ApplyTransaction(ctx, s.AccountID, step.meter,
			decimal.NewFromInt(step.amount), step.typ, meta)
		switch {
		case errors.Is(err, ledger.ErrDuplicate):
			res.Skipped++
		case err != nil:
			return res, err
		default:
			res.Applied++
		}
	}
	return res, nil
}
