// Package store provides in-process Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/warehouse-engine/warehouse"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps dimension versions in a VersionIndex and facts in arrival
// order. Writers are serialized; WithTx records an undo log and replays it
// backwards on error.
type Memory struct {
	mu          sync.RWMutex
	index       *warehouse.VersionIndex
	nextSK      warehouse.SurrogateKey
	facts       []warehouse.FactRecord
	idempotency map[string]bool
	runs        map[warehouse.BatchID]warehouse.BatchRun
	outbox      []warehouse.PendingSink

	inTx bool
	undo []func()
}

func NewMemory() *Memory {
	return &Memory{
		index:       warehouse.NewVersionIndex(),
		idempotency: make(map[string]bool),
		runs:        make(map[warehouse.BatchID]warehouse.BatchRun),
	}
}

// Index exposes the underlying version index (read-only use).
func (m *Memory) Index() *warehouse.VersionIndex { return m.index }

// =============================================================================
// READS
// =============================================================================

func (m *Memory) Current(_ context.Context, key warehouse.EntityKey) (warehouse.DimensionVersion, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.index.Current(key)
	return v, ok, nil
}

func (m *Memory) AsOf(_ context.Context, key warehouse.EntityKey, at warehouse.Date) (warehouse.DimensionVersion, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.index.AsOf(key, at)
	return v, ok, nil
}

func (m *Memory) History(_ context.Context, key warehouse.EntityKey) ([]warehouse.DimensionVersion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index.History(key), nil
}

func (m *Memory) FactExists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}

func (m *Memory) Facts(_ context.Context, filter warehouse.FactFilter) ([]warehouse.FactRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.factsLocked(filter), nil
}

func (m *Memory) factsLocked(filter warehouse.FactFilter) []warehouse.FactRecord {
	var out []warehouse.FactRecord
	for _, f := range m.facts {
		if filter.Table != "" && f.Table != filter.Table {
			continue
		}
		if filter.NaturalKey != "" && f.NaturalKey != filter.NaturalKey {
			continue
		}
		if filter.From != nil && f.EventDate.Before(*filter.From) {
			continue
		}
		if filter.To != nil && f.EventDate.After(*filter.To) {
			continue
		}
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EventDate.Before(out[j].EventDate) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// =============================================================================
// WRITES - Append-only; only validity and informational fields change
// =============================================================================

func (m *Memory) InsertVersion(_ context.Context, v warehouse.DimensionVersion) (warehouse.DimensionVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(v)
}

func (m *Memory) CloseVersion(_ context.Context, sk warehouse.SurrogateKey, at warehouse.Date) (warehouse.DimensionVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked(sk, at)
}

func (m *Memory) TouchVersion(_ context.Context, sk warehouse.SurrogateKey, info warehouse.Fields) (warehouse.DimensionVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touchLocked(sk, info)
}

func (m *Memory) AppendFacts(_ context.Context, facts []warehouse.FactRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendFactsLocked(facts)
}

func (m *Memory) insertLocked(v warehouse.DimensionVersion) (warehouse.DimensionVersion, error) {
	if cur, ok := m.index.Current(v.Key()); ok {
		return warehouse.DimensionVersion{}, fmt.Errorf("%w: %s already has current version %d", warehouse.ErrConcurrentSupersession, v.Key(), cur.SurrogateKey)
	}
	// Surrogate keys are never reused, not even after a rollback.
	m.nextSK++
	v.SurrogateKey = m.nextSK
	v.IsCurrent = true
	v.Validity.To = nil
	m.index.Put(v)

	sk := v.SurrogateKey
	m.record(func() { m.index.Retract(sk) })
	return v, nil
}

func (m *Memory) closeLocked(sk warehouse.SurrogateKey, at warehouse.Date) (warehouse.DimensionVersion, error) {
	prev, ok := m.index.Get(sk)
	if !ok {
		return warehouse.DimensionVersion{}, fmt.Errorf("%w: %d", warehouse.ErrVersionNotFound, sk)
	}
	if !prev.IsCurrent {
		return warehouse.DimensionVersion{}, fmt.Errorf("%w: version %d of %s is already closed", warehouse.ErrConcurrentSupersession, sk, prev.Key())
	}
	if !at.After(prev.Validity.From) {
		return warehouse.DimensionVersion{}, &warehouse.OutOfOrderEffectiveDateError{
			Key: prev.Key(), EffectiveDate: at, OpenFrom: prev.Validity.From, Reason: "close would create an empty interval",
		}
	}

	closed := prev
	closed.Validity = prev.Validity.Close(at)
	closed.IsCurrent = false
	m.index.Replace(closed)
	m.record(func() { m.index.Replace(prev) })
	return closed, nil
}

func (m *Memory) touchLocked(sk warehouse.SurrogateKey, info warehouse.Fields) (warehouse.DimensionVersion, error) {
	prev, ok := m.index.Get(sk)
	if !ok {
		return warehouse.DimensionVersion{}, fmt.Errorf("%w: %d", warehouse.ErrVersionNotFound, sk)
	}
	if !prev.IsCurrent {
		return warehouse.DimensionVersion{}, fmt.Errorf("%w: version %d of %s is closed", warehouse.ErrConcurrentSupersession, sk, prev.Key())
	}

	touched := prev
	touched.Info = info.Clone()
	m.index.Replace(touched)
	m.record(func() { m.index.Replace(prev) })
	return touched, nil
}

func (m *Memory) appendFactsLocked(facts []warehouse.FactRecord) error {
	seen := make(map[string]bool, len(facts))
	for _, f := range facts {
		if f.IdempotencyKey == "" {
			continue
		}
		if m.idempotency[f.IdempotencyKey] || seen[f.IdempotencyKey] {
			return warehouse.ErrDuplicateIdempotencyKey
		}
		seen[f.IdempotencyKey] = true
	}

	n := len(m.facts)
	m.facts = append(m.facts, facts...)
	for k := range seen {
		m.idempotency[k] = true
	}
	m.record(func() {
		m.facts = m.facts[:n]
		for k := range seen {
			delete(m.idempotency, k)
		}
	})
	return nil
}

func (m *Memory) record(undo func()) {
	if m.inTx {
		m.undo = append(m.undo, undo)
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
// Writes are applied directly and undone in reverse order if fn fails.
func (m *Memory) WithTx(ctx context.Context, fn func(warehouse.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inTx = true
	m.undo = m.undo[:0]
	defer func() {
		m.inTx = false
		m.undo = nil
	}()

	if err := fn(&txView{parent: m}); err != nil {
		for i := len(m.undo) - 1; i >= 0; i-- {
			m.undo[i]()
		}
		return err
	}
	return nil
}

// txView runs inside WithTx with the parent lock already held.
type txView struct {
	parent *Memory
}

func (tv *txView) Current(_ context.Context, key warehouse.EntityKey) (warehouse.DimensionVersion, bool, error) {
	v, ok := tv.parent.index.Current(key)
	return v, ok, nil
}

func (tv *txView) AsOf(_ context.Context, key warehouse.EntityKey, at warehouse.Date) (warehouse.DimensionVersion, bool, error) {
	v, ok := tv.parent.index.AsOf(key, at)
	return v, ok, nil
}

func (tv *txView) History(_ context.Context, key warehouse.EntityKey) ([]warehouse.DimensionVersion, error) {
	return tv.parent.index.History(key), nil
}

func (tv *txView) InsertVersion(_ context.Context, v warehouse.DimensionVersion) (warehouse.DimensionVersion, error) {
	return tv.parent.insertLocked(v)
}

func (tv *txView) CloseVersion(_ context.Context, sk warehouse.SurrogateKey, at warehouse.Date) (warehouse.DimensionVersion, error) {
	return tv.parent.closeLocked(sk, at)
}

func (tv *txView) TouchVersion(_ context.Context, sk warehouse.SurrogateKey, info warehouse.Fields) (warehouse.DimensionVersion, error) {
	return tv.parent.touchLocked(sk, info)
}

func (tv *txView) AppendFacts(_ context.Context, facts []warehouse.FactRecord) error {
	return tv.parent.appendFactsLocked(facts)
}

func (tv *txView) FactExists(_ context.Context, idempotencyKey string) (bool, error) {
	return tv.parent.idempotency[idempotencyKey], nil
}

func (tv *txView) Facts(_ context.Context, filter warehouse.FactFilter) ([]warehouse.FactRecord, error) {
	return tv.parent.factsLocked(filter), nil
}

// =============================================================================
// BATCH LOG
// =============================================================================

func (m *Memory) SaveBatchRun(_ context.Context, run warehouse.BatchRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) GetBatchRun(_ context.Context, id warehouse.BatchID) (*warehouse.BatchRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, warehouse.ErrBatchNotFound
	}
	return &run, nil
}

// ListBatchRuns returns runs newest first.
func (m *Memory) ListBatchRuns(_ context.Context, limit int) ([]warehouse.BatchRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := make([]warehouse.BatchRun, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// =============================================================================
// SINK OUTBOX
// =============================================================================

func (m *Memory) SavePendingSink(_ context.Context, p warehouse.PendingSink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.outbox {
		if m.outbox[i].BatchID == p.BatchID {
			p.CreatedAt = m.outbox[i].CreatedAt
			m.outbox[i] = p
			return nil
		}
	}
	m.outbox = append(m.outbox, p)
	return nil
}

func (m *Memory) PendingSinks(_ context.Context) ([]warehouse.PendingSink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]warehouse.PendingSink(nil), m.outbox...), nil
}

func (m *Memory) ClearPendingSink(_ context.Context, batch warehouse.BatchID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.outbox {
		if m.outbox[i].BatchID == batch {
			m.outbox = append(m.outbox[:i:i], m.outbox[i+1:]...)
			return nil
		}
	}
	return nil
}
