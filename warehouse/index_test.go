package warehouse_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/warehouse-engine/warehouse"
)

func version(sk warehouse.SurrogateKey, id, from, to string) warehouse.DimensionVersion {
	v := warehouse.DimensionVersion{
		SurrogateKey: sk,
		Kind:         dimCustomer,
		NaturalKey:   warehouse.NaturalKey(id),
		Validity:     warehouse.OpenFrom(d(from)),
		IsCurrent:    to == "",
	}
	if to != "" {
		v.Validity = v.Validity.Close(d(to))
	}
	return v
}

func TestVersionIndex_Lookups(t *testing.T) {
	x := warehouse.NewVersionIndex()

	// GIVEN a chain put out of order and another key interleaved
	x.Put(version(3, "C1", "2022-01-01", ""))
	x.Put(version(1, "C1", "2020-01-01", "2021-06-15"))
	x.Put(version(9, "C2", "2020-01-01", ""))
	x.Put(version(2, "C1", "2021-06-15", "2022-01-01"))

	// THEN lookups follow valid_from order
	cur, ok := x.Current(customerKey("C1"))
	require.True(t, ok)
	assert.Equal(t, warehouse.SurrogateKey(3), cur.SurrogateKey)

	tests := []struct {
		at   string
		want warehouse.SurrogateKey
		ok   bool
	}{
		{"2019-12-31", 0, false},
		{"2020-01-01", 1, true},
		{"2021-06-14", 1, true},
		{"2021-06-15", 2, true},
		{"2021-12-31", 2, true},
		{"2022-01-01", 3, true},
		{"2030-01-01", 3, true},
	}
	for _, tt := range tests {
		v, ok := x.AsOf(customerKey("C1"), d(tt.at))
		assert.Equal(t, tt.ok, ok, tt.at)
		assert.Equal(t, tt.want, v.SurrogateKey, tt.at)
	}

	history := x.History(customerKey("C1"))
	require.Len(t, history, 3)
	assert.Equal(t, warehouse.SurrogateKey(1), history[0].SurrogateKey)
	assert.Equal(t, warehouse.SurrogateKey(3), history[2].SurrogateKey)

	assert.Equal(t, []warehouse.EntityKey{customerKey("C1"), customerKey("C2")}, x.Keys())
	assert.Equal(t, 4, x.Len())
}

func TestVersionIndex_ReplaceAndRetract(t *testing.T) {
	x := warehouse.NewVersionIndex()
	x.Put(version(1, "C1", "2020-01-01", ""))

	// Closing through Replace leaves no current version.
	closed := version(1, "C1", "2020-01-01", "2021-01-01")
	require.True(t, x.Replace(closed))
	_, ok := x.Current(customerKey("C1"))
	assert.False(t, ok)

	x.Put(version(2, "C1", "2021-01-01", ""))

	// Only the last put version can be retracted.
	assert.False(t, x.Retract(1))
	assert.True(t, x.Retract(2))
	assert.False(t, x.Retract(2))
	assert.Len(t, x.History(customerKey("C1")), 1)

	_, ok = x.Get(2)
	assert.False(t, ok)
	assert.False(t, x.Replace(version(7, "C1", "2020-01-01", "")))
}
