package warehouse_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/warehouse-engine/warehouse"
)

func TestMonthsBetween(t *testing.T) {
	tests := []struct {
		from, to string
		want     int
	}{
		{"2020-01-01", "2020-01-01", 0},
		{"2020-01-01", "2020-01-31", 0},
		{"2020-01-01", "2020-02-01", 1},
		{"2020-01-01", "2020-04-10", 3},
		{"2020-01-15", "2020-04-14", 2},
		{"2020-01-31", "2020-02-29", 0},
		{"2020-01-31", "2020-03-31", 2},
		{"2019-11-20", "2021-11-20", 24},
		{"2020-04-10", "2020-01-01", -3},
	}
	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			assert.Equal(t, tt.want, warehouse.MonthsBetween(d(tt.from), d(tt.to)))
		})
	}
}

func TestParseDate(t *testing.T) {
	got, err := warehouse.ParseDate("2021-06-15T13:45:00Z")
	require.NoError(t, err)
	assert.Equal(t, "2021-06-15", got.String())

	_, err = warehouse.ParseDate("15/06/2021")
	assert.Error(t, err)
}

func TestDate_JSON(t *testing.T) {
	// GIVEN a struct with a set and a zero date
	type row struct {
		From warehouse.Date `json:"from"`
		To   warehouse.Date `json:"to"`
	}
	b, err := json.Marshal(row{From: d("2020-01-01")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"from":"2020-01-01","to":null}`, string(b))

	// WHEN decoding it back
	var back row
	require.NoError(t, json.Unmarshal(b, &back))

	// THEN the zero date survives as zero
	assert.True(t, back.From.Equal(d("2020-01-01")))
	assert.True(t, back.To.IsZero())
}

func TestValidity_Contains(t *testing.T) {
	closed := warehouse.OpenFrom(d("2020-01-01")).Close(d("2021-06-15"))

	assert.False(t, closed.Contains(d("2019-12-31")))
	assert.True(t, closed.Contains(d("2020-01-01")), "valid_from is inclusive")
	assert.True(t, closed.Contains(d("2021-06-14")))
	assert.False(t, closed.Contains(d("2021-06-15")), "valid_to is exclusive")
	assert.Equal(t, "[2020-01-01, 2021-06-15)", closed.String())

	open := warehouse.OpenFrom(d("2021-06-15"))
	assert.True(t, open.IsOpen())
	assert.True(t, open.Contains(d("2099-01-01")))
}

func TestFields_CanonicalComparison(t *testing.T) {
	// GIVEN a decimal written by the engine and the string a store reads back
	written := warehouse.Fields{"premium": dec("120.50"), "due": d("2020-01-01")}
	loaded := warehouse.Fields{"premium": "120.5", "due": "2020-01-01"}

	// THEN they compare equal and hash the same
	names := []string{"premium", "due"}
	assert.True(t, written.EqualOn(loaded, names))
	assert.Equal(t, written.HashOn(names), loaded.HashOn(names))
	assert.Empty(t, written.Diff(loaded, names))
}
