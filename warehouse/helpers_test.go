package warehouse_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/warp/warehouse-engine/retry"
	"github.com/warp/warehouse-engine/warehouse"
	"github.com/warp/warehouse-engine/warehouse/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	dimCustomer warehouse.DimensionKind = "customer"
	dimPolicy   warehouse.DimensionKind = "policy"
	factPayment warehouse.FactTable     = "payment"
)

func d(s string) warehouse.Date { return warehouse.MustParseDate(s) }

func dp(s string) *warehouse.Date {
	v := d(s)
	return &v
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testCatalog() *warehouse.Catalog {
	c := warehouse.NewCatalog()
	c.MustAddDimension(warehouse.DimensionSchema{
		Kind:          dimCustomer,
		Tracked:       []string{"name", "marital_status"},
		Informational: []string{"source_file"},
	})
	c.MustAddDimension(warehouse.DimensionSchema{
		Kind:    dimPolicy,
		Tracked: []string{"policy_type"},
	})
	c.MustAddFact(warehouse.FactSchema{
		Table:      factPayment,
		References: []warehouse.DimensionKind{dimCustomer, dimPolicy},
		Measures:   []string{"premium"},
		LateFee: &warehouse.LateFeeFields{
			ExpectedDate: "due_date",
			ActualDate:   "paid_date",
			Amount:       "premium",
		},
	})
	return c
}

func testSchedule() *warehouse.LateFeeSchedule {
	return warehouse.MustLateFeeSchedule([]warehouse.LateFeeRule{
		{Name: "on_time", MinMonths: 0, MaxMonths: intp(1), Rate: dec("0")},
		{Name: "short", MinMonths: 1, MaxMonths: intp(3), Rate: dec("0.01")},
		{Name: "medium", MinMonths: 3, MaxMonths: intp(6), Rate: dec("0.025")},
		{Name: "long", MinMonths: 6, Rate: dec("0.05")},
	})
}

func intp(n int) *int { return &n }

func testClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(time.Date(2022, time.March, 1, 12, 0, 0, 0, time.UTC))
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func customerRec(id, effective, marital string) warehouse.Record {
	return warehouse.Record{
		Kind:          warehouse.RecordDimension,
		Subject:       string(dimCustomer),
		NaturalKey:    warehouse.NaturalKey(id),
		EffectiveDate: d(effective),
		Fields: warehouse.Fields{
			"name":           "Customer " + id,
			"marital_status": marital,
			"source_file":    "batch_" + effective + ".csv",
		},
	}
}

func policyRec(id, effective, policyType string) warehouse.Record {
	return warehouse.Record{
		Kind:          warehouse.RecordDimension,
		Subject:       string(dimPolicy),
		NaturalKey:    warehouse.NaturalKey(id),
		EffectiveDate: d(effective),
		Fields:        warehouse.Fields{"policy_type": policyType},
	}
}

func paymentRec(customer, policy, due, paid, premium string) warehouse.Record {
	fields := warehouse.Fields{
		"due_date": d(due),
		"premium":  dec(premium),
	}
	event := d(due)
	if paid != "" {
		fields["paid_date"] = d(paid)
		event = d(paid)
	}
	return warehouse.Record{
		Kind:          warehouse.RecordTransaction,
		Subject:       string(factPayment),
		NaturalKey:    warehouse.NaturalKey(policy + "|" + due),
		EffectiveDate: event,
		Fields:        fields,
		References: map[warehouse.DimensionKind]warehouse.NaturalKey{
			dimCustomer: warehouse.NaturalKey(customer),
			dimPolicy:   warehouse.NaturalKey(policy),
		},
	}
}

func customerKey(id string) warehouse.EntityKey {
	return warehouse.EntityKey{Kind: dimCustomer, NaturalKey: warehouse.NaturalKey(id)}
}

func newTestEngine(s warehouse.TxStore) *warehouse.MergeEngine {
	return warehouse.NewMergeEngine(s, testCatalog(),
		warehouse.WithMergeClock(testClock()),
		warehouse.WithMergeRetry(fastRetry()))
}

func mustApply(t *testing.T, e *warehouse.MergeEngine, rec warehouse.Record) warehouse.MergeResult {
	t.Helper()
	res, err := e.Apply(context.Background(), "test-batch", rec)
	if err != nil {
		t.Fatalf("apply %s %s: %v", rec.NaturalKey, rec.EffectiveDate, err)
	}
	return res
}

// assertChain checks the version chain of one key: exactly one open
// version, the last one, and each version ends where the next starts.
func assertChain(t *testing.T, s warehouse.VersionReader, key warehouse.EntityKey) []warehouse.DimensionVersion {
	t.Helper()
	history, err := s.History(context.Background(), key)
	if err != nil {
		t.Fatalf("history %s: %v", key, err)
	}
	open := 0
	for i, v := range history {
		if v.IsCurrent {
			open++
			if v.Validity.To != nil {
				t.Errorf("%s: current version %d has valid_to %s", key, v.SurrogateKey, v.Validity.To)
			}
			if i != len(history)-1 {
				t.Errorf("%s: current version %d is not the last one", key, v.SurrogateKey)
			}
			continue
		}
		if v.Validity.To == nil {
			t.Errorf("%s: closed version %d has no valid_to", key, v.SurrogateKey)
			continue
		}
		if !v.Validity.To.After(v.Validity.From) {
			t.Errorf("%s: version %d has empty interval %s", key, v.SurrogateKey, v.Validity)
		}
		if i+1 < len(history) && !v.Validity.To.Equal(history[i+1].Validity.From) {
			t.Errorf("%s: gap between %s and %s", key, v.Validity, history[i+1].Validity)
		}
	}
	if len(history) > 0 && open != 1 {
		t.Errorf("%s: %d current versions, want 1", key, open)
	}
	return history
}

// conflictStore fails the first n InsertVersion calls with a
// compare-and-swap conflict, as if another writer had won the race.
type conflictStore struct {
	*store.Memory
	remaining atomic.Int32
}

func newConflictStore(n int32) *conflictStore {
	s := &conflictStore{Memory: store.NewMemory()}
	s.remaining.Store(n)
	return s
}

func (s *conflictStore) WithTx(ctx context.Context, fn func(warehouse.Store) error) error {
	return s.Memory.WithTx(ctx, func(tx warehouse.Store) error {
		return fn(&conflictTx{Store: tx, parent: s})
	})
}

type conflictTx struct {
	warehouse.Store
	parent *conflictStore
}

func (tx *conflictTx) InsertVersion(ctx context.Context, v warehouse.DimensionVersion) (warehouse.DimensionVersion, error) {
	if tx.parent.remaining.Add(-1) >= 0 {
		return warehouse.DimensionVersion{}, warehouse.ErrConcurrentSupersession
	}
	return tx.Store.InsertVersion(ctx, v)
}
