/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built insurance scenarios that run one or more batches
	through the coordinator and show a specific warehouse behavior.

AVAILABLE SCENARIOS:

	marital-status-change: customer C1 goes Single -> Married; two versions
	late-premium:          premium paid 3 months late, late fee derived
	dangling-reference:    payment dated before the policy existed, rejected
	out-of-order:          an update older than the open version, rejected

HOW SCENARIOS WORK:
 1. Each scenario is a list of batches
 2. Batches run in order through the coordinator
 3. The response carries every batch result

Loading a scenario twice is safe: replays are reported as no-ops and
duplicates, never re-applied.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "marital-status-change"}

SEE ALSO:
  - handlers.go: batch handlers
  - insurance/schema.go: dimension and fact schemas
*/
package api

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/warehouse-engine/insurance"
	"github.com/warp/warehouse-engine/warehouse"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	batches func() []warehouse.Batch
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "marital-status-change",
			Name:        "Marital Status Change",
			Description: "Customer C1 is Single from 2020-01-01 and Married from 2021-06-15",
		},
		batches: maritalStatusChangeBatches,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "late-premium",
			Name:        "Late Premium",
			Description: "Premium due 2020-01-01 paid 2020-04-10: three months late",
		},
		batches: latePremiumBatches,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "dangling-reference",
			Name:        "Dangling Reference",
			Description: "Payment on 2019-01-01 for policy P1 whose first version starts 2019-06-01",
		},
		batches: danglingReferenceBatches,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "out-of-order",
			Name:        "Out-of-Order Update",
			Description: "Customer update dated before the open version is rejected",
		},
		batches: outOfOrderBatches,
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

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, 0, len(scenarios))
	for _, s := range scenarios {
		dtos = append(dtos, s.ScenarioDTO)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// LoadScenario runs a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, 1<<20), &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario: "+req.ScenarioID, nil)
		return
	}

	results, err := h.runScenario(r.Context(), s)
	if err != nil {
		writeError(w, statusFor(err), "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scenario": s.ScenarioDTO,
		"batches":  results,
	})
}

// LoadDemo runs every scenario. Used at startup when demo data is enabled.
func (h *Handler) LoadDemo(ctx context.Context) error {
	for _, s := range scenarios {
		if _, err := h.runScenario(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) runScenario(ctx context.Context, s scenario) ([]BatchResponse, error) {
	var out []BatchResponse
	for _, b := range s.batches() {
		res, err := h.Coordinator.Run(ctx, b)
		if err != nil {
			return nil, err
		}
		out = append(out, toBatchResponse(res))
	}
	h.Log.Info("scenario loaded", "scenario", s.ID, "batches", len(out))
	return out, nil
}

// =============================================================================
// SCENARIO DATA
// =============================================================================

func maritalStatusChangeBatches() []warehouse.Batch {
	return []warehouse.Batch{
		{AsOf: date("2020-01-31"), Records: []warehouse.Record{
			customer("C1", "2020-01-01", "Single", "demo_2020.csv"),
		}},
		{AsOf: date("2021-06-30"), Records: []warehouse.Record{
			customer("C1", "2021-06-15", "Married", "demo_2021.csv"),
		}},
	}
}

func latePremiumBatches() []warehouse.Batch {
	return []warehouse.Batch{
		{AsOf: date("2020-04-30"), Records: []warehouse.Record{
			customer("C2", "2019-12-01", "Single", "demo_late.csv"),
			policy("P2", "2019-12-01", "Home", "1200"),
			premium("C2", "P2", "2020-01-01", "2020-04-10", "1000"),
		}},
	}
}

func danglingReferenceBatches() []warehouse.Batch {
	return []warehouse.Batch{
		{AsOf: date("2019-06-30"), Records: []warehouse.Record{
			customer("C3", "2018-01-01", "Married", "demo_dangling.csv"),
			policy("P1", "2019-06-01", "Auto", "800"),
			premium("C3", "P1", "2019-01-01", "2019-01-01", "100"),
		}},
	}
}

func outOfOrderBatches() []warehouse.Batch {
	return []warehouse.Batch{
		{AsOf: date("2021-01-31"), Records: []warehouse.Record{
			customer("C4", "2021-01-01", "Married", "demo_ooo_1.csv"),
		}},
		{AsOf: date("2021-02-28"), Records: []warehouse.Record{
			customer("C4", "2020-06-01", "Single", "demo_ooo_2.csv"),
		}},
	}
}

func date(s string) warehouse.Date { return warehouse.MustParseDate(s) }

func customer(id, effective, marital, source string) warehouse.Record {
	return warehouse.Record{
		Kind:          warehouse.RecordDimension,
		Subject:       string(insurance.DimCustomer),
		NaturalKey:    warehouse.NaturalKey(id),
		EffectiveDate: date(effective),
		Fields: warehouse.Fields{
			insurance.FieldCustomerName:    "Customer " + id,
			insurance.FieldCustomerSegment: "Retail",
			insurance.FieldMaritalStatus:   marital,
			insurance.FieldRegion:          "West",
			insurance.FieldSourceFile:      source,
		},
	}
}

func policy(id, effective, policyType, total string) warehouse.Record {
	return warehouse.Record{
		Kind:          warehouse.RecordDimension,
		Subject:       string(insurance.DimPolicy),
		NaturalKey:    warehouse.NaturalKey(id),
		EffectiveDate: date(effective),
		Fields: warehouse.Fields{
			insurance.FieldPolicyName:     policyType + " Standard",
			insurance.FieldPolicyType:     policyType,
			insurance.FieldPolicyTerm:     "12",
			insurance.FieldPolicyStartDt:  date(effective),
			insurance.FieldTotalPolicyAmt: decimal.RequireFromString(total),
		},
	}
}

func premium(customerID, policyID, due, paid, amount string) warehouse.Record {
	event := date(due)
	fields := warehouse.Fields{
		insurance.FieldNextPremiumDt: date(due),
		insurance.FieldPremiumAmount: decimal.RequireFromString(amount),
	}
	if paid != "" {
		event = date(paid)
		fields[insurance.FieldActualPremiumPaidDt] = date(paid)
	}
	return warehouse.Record{
		Kind:          warehouse.RecordTransaction,
		Subject:       string(insurance.FactPolicyTxn),
		NaturalKey:    warehouse.NaturalKey(insurance.TxnKey(policyID, date(due))),
		EffectiveDate: event,
		Fields:        fields,
		References: map[warehouse.DimensionKind]warehouse.NaturalKey{
			insurance.DimCustomer: warehouse.NaturalKey(customerID),
			insurance.DimPolicy:   warehouse.NaturalKey(policyID),
		},
	}
}
