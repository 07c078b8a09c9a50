package factory_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/warehouse-engine/factory"
	"github.com/warp/warehouse-engine/warehouse"
)

const scheduleJSON = `{
  "rules": [
    {"name": "on_time", "min_months": 0, "max_months": 1, "rate": "0"},
    {"name": "late",    "min_months": 1, "max_months": 3, "rate": "0.01"},
    {"name": "3_plus",  "min_months": 3,                  "rate": 0.025}
  ]
}`

func TestParseSchedule(t *testing.T) {
	// GIVEN: a three-bucket schedule with a numeric and string rates
	// WHEN: parsing
	s, err := factory.New().ParseSchedule([]byte(scheduleJSON))

	// THEN: lookups land in the right bucket
	require.NoError(t, err)
	assert.Equal(t, "on_time", s.Lookup(0).Name)
	assert.Equal(t, "late", s.Lookup(2).Name)
	assert.True(t, s.Lookup(3).Rate.Equal(decimal.RequireFromString("0.025")))
}

func TestParseSchedule_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		json string
		want error
	}{
		{
			name: "gap",
			json: `{"rules":[{"min_months":0,"max_months":1,"rate":"0"},{"min_months":2,"rate":"0.1"}]}`,
			want: warehouse.ErrRuleGap,
		},
		{
			name: "overlap",
			json: `{"rules":[{"min_months":0,"max_months":3,"rate":"0"},{"min_months":2,"rate":"0.1"}]}`,
			want: warehouse.ErrAmbiguousRuleMatch,
		},
		{
			name: "decreasing",
			json: `{"rules":[{"min_months":0,"max_months":1,"rate":"0.2"},{"min_months":1,"rate":"0.1"}]}`,
			want: warehouse.ErrNonMonotonicRates,
		},
		{
			name: "empty",
			json: `{"rules":[]}`,
			want: warehouse.ErrRuleGap,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := factory.New().ParseSchedule([]byte(tt.json))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, warehouse.IsConfigError(err))
		})
	}
}

func TestParseSchedule_InvalidJSON(t *testing.T) {
	_, err := factory.New().ParseSchedule([]byte(`{"rules": [`))
	require.Error(t, err)
	assert.False(t, warehouse.IsConfigError(err))
}

func TestScheduleToJSON_RoundTrip(t *testing.T) {
	f := factory.New()
	s, err := f.ParseSchedule([]byte(scheduleJSON))
	require.NoError(t, err)

	data, err := json.Marshal(f.ScheduleToJSON(s))
	require.NoError(t, err)

	again, err := f.ParseSchedule(data)
	require.NoError(t, err)
	assert.Equal(t, len(s.Rules()), len(again.Rules()))
	for m := 0; m < 6; m++ {
		assert.True(t, s.Lookup(m).Rate.Equal(again.Lookup(m).Rate), "months=%d", m)
	}
}

const schemasJSON = `{
  "dimensions": [
    {"kind": "agent", "tracked": ["name", "branch", "quota"], "informational": ["source_file"], "numeric": ["quota"]}
  ],
  "facts": [
    {
      "table": "commission",
      "references": ["agent"],
      "measures": ["amount"],
      "late_fee": {"expected_date": "due_dt", "actual_date": "paid_dt", "amount": "amount"}
    }
  ]
}`

func TestRegisterSchemas(t *testing.T) {
	catalog := warehouse.NewCatalog()

	err := factory.New().RegisterSchemas([]byte(schemasJSON), catalog)
	require.NoError(t, err)

	dim, ok := catalog.Dimension("agent")
	require.True(t, ok)
	assert.Equal(t, []string{"name", "branch", "quota"}, dim.Tracked)
	assert.Equal(t, []string{"quota"}, dim.Numeric)

	fact, ok := catalog.Fact("commission")
	require.True(t, ok)
	require.NotNil(t, fact.LateFee)
	assert.Equal(t, "due_dt", fact.LateFee.ExpectedDate)
}

func TestRegisterSchemas_InvalidLeavesCatalogUntouched(t *testing.T) {
	catalog := warehouse.NewCatalog()
	bad := `{"dimensions":[{"kind":"ok","tracked":["a"]},{"kind":"broken","tracked":[]}]}`

	err := factory.New().RegisterSchemas([]byte(bad), catalog)

	assert.ErrorIs(t, err, warehouse.ErrInvalidSchema)
	assert.Empty(t, catalog.Dimensions())

	undeclared := `{"dimensions":[{"kind":"agent","tracked":["name"],"numeric":["quota"]}]}`
	err = factory.New().RegisterSchemas([]byte(undeclared), catalog)
	assert.ErrorIs(t, err, warehouse.ErrInvalidSchema)
	assert.Empty(t, catalog.Dimensions())
}

func TestLoadFiles(t *testing.T) {
	dir := t.TempDir()
	schedulePath := filepath.Join(dir, "schedule.json")
	schemasPath := filepath.Join(dir, "schemas.json")
	require.NoError(t, os.WriteFile(schedulePath, []byte(scheduleJSON), 0o600))
	require.NoError(t, os.WriteFile(schemasPath, []byte(schemasJSON), 0o600))

	f := factory.New()
	s, err := f.LoadScheduleFile(schedulePath)
	require.NoError(t, err)
	assert.Len(t, s.Rules(), 3)

	catalog := warehouse.NewCatalog()
	require.NoError(t, f.LoadSchemasFile(schemasPath, catalog))
	_, ok := catalog.Fact("commission")
	assert.True(t, ok)

	_, err = f.LoadScheduleFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
