/*
Package factory provides JSON to warehouse configuration conversion.

PURPOSE:
  Converts JSON definitions into late-fee schedules and dimension/fact
  schemas. Rates and tracked fields can then change without a rebuild.

JSON SCHEMA (late-fee schedule):
  {
    "rules": [
      {"name": "on_time", "min_months": 0, "max_months": 1, "rate": "0"},
      {"name": "late",    "min_months": 1, "max_months": 6, "rate": "0.01"},
      {"name": "capped",  "min_months": 6,                  "rate": "0.05"}
    ]
  }

JSON SCHEMA (schemas):
  {
    "dimensions": [
      {"kind": "agent", "tracked": ["name", "branch", "quota"], "informational": ["source_file"], "numeric": ["quota"]}
    ],
    "facts": [
      {
        "table": "commission",
        "references": ["agent", "policy"],
        "measures": ["amount"],
        "late_fee": {"expected_date": "due_dt", "actual_date": "paid_dt", "amount": "amount"}
      }
    ]
  }

KEY FEATURES:
  - Schedules go through warehouse.NewLateFeeSchedule, so gaps, overlaps
    and decreasing rates are rejected at load time
  - Schemas are validated before anything is registered
  - ToJSON round-trips a schedule for the API

USAGE:
  f := factory.New()
  schedule, err := f.ParseSchedule(data)
  err = f.RegisterSchemas(data, catalog)

SEE ALSO:
  - warehouse/latefee.go: schedule validation
  - warehouse/catalog.go: schema types
  - insurance/schema.go: built-in insurance schemas
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"github.com/warp/warehouse-engine/warehouse"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

type ScheduleJSON struct {
	Rules []RuleJSON `json:"rules"`
}

type RuleJSON struct {
	Name      string          `json:"name"`
	MinMonths int             `json:"min_months"`
	MaxMonths *int            `json:"max_months,omitempty"`
	Rate      decimal.Decimal `json:"rate"`
}

type SchemasJSON struct {
	Dimensions []DimensionJSON `json:"dimensions,omitempty"`
	Facts      []FactJSON      `json:"facts,omitempty"`
}

type DimensionJSON struct {
	Kind          string   `json:"kind"`
	Tracked       []string `json:"tracked"`
	Informational []string `json:"informational,omitempty"`
	Numeric       []string `json:"numeric,omitempty"`
}

type FactJSON struct {
	Table      string       `json:"table"`
	References []string     `json:"references"`
	Measures   []string     `json:"measures,omitempty"`
	LateFee    *LateFeeJSON `json:"late_fee,omitempty"`
}

type LateFeeJSON struct {
	ExpectedDate string `json:"expected_date"`
	ActualDate   string `json:"actual_date,omitempty"`
	Amount       string `json:"amount"`
}

// =============================================================================
// FACTORY
// =============================================================================

// Factory converts JSON definitions to warehouse configuration.
type Factory struct{}

func New() *Factory {
	return &Factory{}
}

// ParseSchedule parses and validates a late-fee schedule.
func (f *Factory) ParseSchedule(data []byte) (*warehouse.LateFeeSchedule, error) {
	var sj ScheduleJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		return nil, fmt.Errorf("failed to parse schedule JSON: %w", err)
	}
	return f.ScheduleFromJSON(sj)
}

// ScheduleFromJSON validates the rules. Configuration errors are returned
// unwrapped so callers can classify them with warehouse.IsConfigError.
func (f *Factory) ScheduleFromJSON(sj ScheduleJSON) (*warehouse.LateFeeSchedule, error) {
	rules := make([]warehouse.LateFeeRule, 0, len(sj.Rules))
	for i, rj := range sj.Rules {
		name := rj.Name
		if name == "" {
			name = fmt.Sprintf("bucket_%d", i)
		}
		rules = append(rules, warehouse.LateFeeRule{
			Name:      name,
			MinMonths: rj.MinMonths,
			MaxMonths: rj.MaxMonths,
			Rate:      rj.Rate,
		})
	}
	return warehouse.NewLateFeeSchedule(rules)
}

// ScheduleToJSON converts a schedule back to its JSON form.
func (f *Factory) ScheduleToJSON(s *warehouse.LateFeeSchedule) ScheduleJSON {
	var sj ScheduleJSON
	for _, r := range s.Rules() {
		sj.Rules = append(sj.Rules, RuleJSON{
			Name:      r.Name,
			MinMonths: r.MinMonths,
			MaxMonths: r.MaxMonths,
			Rate:      r.Rate,
		})
	}
	return sj
}

// ParseSchemas parses dimension and fact schemas. Every schema is
// validated; nothing is registered.
func (f *Factory) ParseSchemas(data []byte) ([]warehouse.DimensionSchema, []warehouse.FactSchema, error) {
	var sj SchemasJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		return nil, nil, fmt.Errorf("failed to parse schemas JSON: %w", err)
	}

	dims := make([]warehouse.DimensionSchema, 0, len(sj.Dimensions))
	for _, dj := range sj.Dimensions {
		d := warehouse.DimensionSchema{
			Kind:          warehouse.DimensionKind(dj.Kind),
			Tracked:       dj.Tracked,
			Informational: dj.Informational,
			Numeric:       dj.Numeric,
		}
		if err := d.Validate(); err != nil {
			return nil, nil, err
		}
		dims = append(dims, d)
	}

	facts := make([]warehouse.FactSchema, 0, len(sj.Facts))
	for _, fj := range sj.Facts {
		fs := warehouse.FactSchema{
			Table:    warehouse.FactTable(fj.Table),
			Measures: fj.Measures,
		}
		for _, ref := range fj.References {
			fs.References = append(fs.References, warehouse.DimensionKind(ref))
		}
		if fj.LateFee != nil {
			fs.LateFee = &warehouse.LateFeeFields{
				ExpectedDate: fj.LateFee.ExpectedDate,
				ActualDate:   fj.LateFee.ActualDate,
				Amount:       fj.LateFee.Amount,
			}
		}
		if err := fs.Validate(); err != nil {
			return nil, nil, err
		}
		facts = append(facts, fs)
	}
	return dims, facts, nil
}

// RegisterSchemas parses schemas and adds them to the catalog.
// Dimensions are registered before facts.
func (f *Factory) RegisterSchemas(data []byte, catalog *warehouse.Catalog) error {
	dims, facts, err := f.ParseSchemas(data)
	if err != nil {
		return err
	}
	for _, d := range dims {
		if err := catalog.AddDimension(d); err != nil {
			return err
		}
	}
	for _, fs := range facts {
		if err := catalog.AddFact(fs); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// FILES
// =============================================================================

func (f *Factory) LoadScheduleFile(path string) (*warehouse.LateFeeSchedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule %s: %w", path, err)
	}
	return f.ParseSchedule(data)
}

func (f *Factory) LoadSchemasFile(path string, catalog *warehouse.Catalog) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read schemas %s: %w", path, err)
	}
	return f.RegisterSchemas(data, catalog)
}
