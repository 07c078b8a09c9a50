package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/warehouse-engine/warehouse"
	"github.com/warp/warehouse-engine/warehouse/store"
)

var key = warehouse.EntityKey{Kind: "customer", NaturalKey: "C1"}

func open(from string, status string) warehouse.DimensionVersion {
	return warehouse.DimensionVersion{
		Kind:       key.Kind,
		NaturalKey: key.NaturalKey,
		Attributes: warehouse.Fields{"marital_status": status},
		Validity:   warehouse.OpenFrom(warehouse.MustParseDate(from)),
	}
}

func TestMemory_InsertIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	v, err := m.InsertVersion(ctx, open("2020-01-01", "Single"))
	require.NoError(t, err)
	assert.Equal(t, warehouse.SurrogateKey(1), v.SurrogateKey)
	assert.True(t, v.IsCurrent)

	// WHEN a second writer inserts without closing the open version
	_, err = m.InsertVersion(ctx, open("2021-01-01", "Married"))

	// THEN the store refuses a second current version
	assert.ErrorIs(t, err, warehouse.ErrConcurrentSupersession)
}

func TestMemory_CloseRequiresCurrentVersion(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	v, err := m.InsertVersion(ctx, open("2020-01-01", "Single"))
	require.NoError(t, err)

	// Closing on valid_from would leave an empty interval.
	_, err = m.CloseVersion(ctx, v.SurrogateKey, warehouse.MustParseDate("2020-01-01"))
	assert.ErrorIs(t, err, warehouse.ErrOutOfOrderEffectiveDate)

	closed, err := m.CloseVersion(ctx, v.SurrogateKey, warehouse.MustParseDate("2021-01-01"))
	require.NoError(t, err)
	assert.False(t, closed.IsCurrent)
	require.NotNil(t, closed.Validity.To)

	// A second close loses the race.
	_, err = m.CloseVersion(ctx, v.SurrogateKey, warehouse.MustParseDate("2022-01-01"))
	assert.ErrorIs(t, err, warehouse.ErrConcurrentSupersession)

	_, err = m.CloseVersion(ctx, 99, warehouse.MustParseDate("2022-01-01"))
	assert.ErrorIs(t, err, warehouse.ErrVersionNotFound)

	_, err = m.TouchVersion(ctx, v.SurrogateKey, warehouse.Fields{"source_file": "x.csv"})
	assert.ErrorIs(t, err, warehouse.ErrConcurrentSupersession)
}

func TestMemory_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	first, err := m.InsertVersion(ctx, open("2020-01-01", "Single"))
	require.NoError(t, err)

	// WHEN a supersession fails after closing the open version
	boom := errors.New("boom")
	err = m.WithTx(ctx, func(tx warehouse.Store) error {
		if _, err := tx.CloseVersion(ctx, first.SurrogateKey, warehouse.MustParseDate("2021-01-01")); err != nil {
			return err
		}
		if _, err := tx.InsertVersion(ctx, open("2021-01-01", "Married")); err != nil {
			return err
		}
		if err := tx.AppendFacts(ctx, []warehouse.FactRecord{{ID: "f1", IdempotencyKey: "k1"}}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// THEN every write of the transaction is undone
	cur, ok, err := m.Current(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.SurrogateKey, cur.SurrogateKey)
	assert.Nil(t, cur.Validity.To)

	history, err := m.History(ctx, key)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	exists, err := m.FactExists(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, exists)

	// AND surrogate keys handed out inside it are not reused
	var next warehouse.DimensionVersion
	err = m.WithTx(ctx, func(tx warehouse.Store) error {
		if _, err := tx.CloseVersion(ctx, first.SurrogateKey, warehouse.MustParseDate("2021-01-01")); err != nil {
			return err
		}
		next, err = tx.InsertVersion(ctx, open("2021-01-01", "Married"))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, warehouse.SurrogateKey(3), next.SurrogateKey)
}

func TestMemory_WithTxCommits(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	first, err := m.InsertVersion(ctx, open("2020-01-01", "Single"))
	require.NoError(t, err)

	err = m.WithTx(ctx, func(tx warehouse.Store) error {
		if _, err := tx.CloseVersion(ctx, first.SurrogateKey, warehouse.MustParseDate("2021-01-01")); err != nil {
			return err
		}
		_, err := tx.InsertVersion(ctx, open("2021-01-01", "Married"))
		return err
	})
	require.NoError(t, err)

	history, err := m.History(ctx, key)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Married", history[1].Attributes.String("marital_status"))

	v, ok, err := m.AsOf(ctx, key, warehouse.MustParseDate("2020-12-31"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.SurrogateKey, v.SurrogateKey)
}

func TestMemory_FactsFilterAndIdempotency(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	day := warehouse.MustParseDate

	require.NoError(t, m.AppendFacts(ctx, []warehouse.FactRecord{
		{ID: "f2", Table: "payment", NaturalKey: "P1|b", EventDate: day("2020-03-01"), IdempotencyKey: "k2"},
		{ID: "f1", Table: "payment", NaturalKey: "P1|a", EventDate: day("2020-01-01"), IdempotencyKey: "k1"},
		{ID: "f3", Table: "claims", NaturalKey: "X", EventDate: day("2020-02-01"), IdempotencyKey: "k3"},
	}))

	err := m.AppendFacts(ctx, []warehouse.FactRecord{{ID: "f4", IdempotencyKey: "k1"}})
	assert.ErrorIs(t, err, warehouse.ErrDuplicateIdempotencyKey)

	all, err := m.Facts(ctx, warehouse.FactFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, warehouse.FactID("f1"), all[0].ID, "ordered by event date")

	from := day("2020-02-01")
	payments, err := m.Facts(ctx, warehouse.FactFilter{Table: "payment", From: &from})
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, warehouse.FactID("f2"), payments[0].ID)

	limited, err := m.Facts(ctx, warehouse.FactFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMemory_BatchLog(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	base := time.Date(2022, time.March, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.SaveBatchRun(ctx, warehouse.BatchRun{ID: "old", Status: warehouse.RunCompleted, StartedAt: base}))
	require.NoError(t, m.SaveBatchRun(ctx, warehouse.BatchRun{ID: "new", Status: warehouse.RunRunning, StartedAt: base.Add(time.Hour)}))
	require.NoError(t, m.SaveBatchRun(ctx, warehouse.BatchRun{ID: "new", Status: warehouse.RunFailed, StartedAt: base.Add(time.Hour)}))

	run, err := m.GetBatchRun(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, warehouse.RunFailed, run.Status)

	_, err = m.GetBatchRun(ctx, "missing")
	assert.ErrorIs(t, err, warehouse.ErrBatchNotFound)

	runs, err := m.ListBatchRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, warehouse.BatchID("new"), runs[0].ID)
}

func TestMemory_SinkOutbox(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	base := time.Date(2022, time.March, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.SavePendingSink(ctx, warehouse.PendingSink{BatchID: "b1", CreatedAt: base}))
	require.NoError(t, m.SavePendingSink(ctx, warehouse.PendingSink{BatchID: "b2", CreatedAt: base.Add(time.Hour)}))

	// A retried batch keeps its position and creation time.
	require.NoError(t, m.SavePendingSink(ctx, warehouse.PendingSink{BatchID: "b1", Attempts: 2, CreatedAt: base.Add(2 * time.Hour)}))

	pending, err := m.PendingSinks(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, warehouse.BatchID("b1"), pending[0].BatchID)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.Equal(t, base, pending[0].CreatedAt)

	require.NoError(t, m.ClearPendingSink(ctx, "b1"))
	require.NoError(t, m.ClearPendingSink(ctx, "b1"))
	pending, err = m.PendingSinks(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, warehouse.BatchID("b2"), pending[0].BatchID)
}
