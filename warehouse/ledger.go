/*
ledger.go - Append-only fact ledger

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, fact rows cannot be modified
  3. IDEMPOTENT: Same idempotency key = same fact (no duplicates)

CORRECTIONS:
  A wrong fact is never edited. The source system sends a compensating
  transaction, which becomes a new fact row with its own content hash.

IDEMPOTENCY KEY:
  Content hash of the transaction record: fact table, natural key, event date,
  referenced natural keys and every input field. Derived measures are left
  out because an unpaid premium's late fee depends on the processing date.
*/
package warehouse

import (
	"context"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

type FactLedger struct {
	Store Store
}

func NewFactLedger(store Store) *FactLedger {
	return &FactLedger{Store: store}
}

// Append adds a fact. Fails with ErrDuplicateIdempotencyKey if it exists.
func (l *FactLedger) Append(ctx context.Context, f FactRecord) error {
	return l.AppendBatch(ctx, []FactRecord{f})
}

// AppendBatch adds facts atomically after checking every idempotency key.
func (l *FactLedger) AppendBatch(ctx context.Context, facts []FactRecord) error {
	for _, f := range facts {
		if f.IdempotencyKey == "" {
			continue
		}
		exists, err := l.Store.FactExists(ctx, f.IdempotencyKey)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	return l.Store.AppendFacts(ctx, facts)
}

func (l *FactLedger) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	return l.Store.FactExists(ctx, idempotencyKey)
}

func (l *FactLedger) Facts(ctx context.Context, filter FactFilter) ([]FactRecord, error) {
	return l.Store.Facts(ctx, filter)
}

// FactIdempotencyKey hashes the content of a transaction record.
func FactIdempotencyKey(rec Record) string {
	h := xxhash.New()
	write := func(s string) {
		h.WriteString(s)
		h.WriteString("\x1e")
	}
	write(rec.Subject)
	write(string(rec.NaturalKey))
	write(rec.EffectiveDate.String())

	dims := make([]string, 0, len(rec.References))
	for d := range rec.References {
		dims = append(dims, string(d))
	}
	sort.Strings(dims)
	for _, d := range dims {
		write(d + "=" + string(rec.References[DimensionKind(d)]))
	}

	names := make([]string, 0, len(rec.Fields))
	for n := range rec.Fields {
		names = append(names, n)
	}
	write(strconv.FormatUint(rec.Fields.HashOn(names), 16))

	return rec.Subject + ":" + strconv.FormatUint(h.Sum64(), 16)
}
