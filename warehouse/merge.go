/*
merge.go - SCD Type 2 merge engine

PURPOSE:
  Decides, for one dimension record, how the version chain of its natural
  key changes, and applies that decision atomically.

DECISIONS:
  insert     no current version: open a first version at the effective date
  supersede  tracked attributes changed: close current at the effective date
             and open a new version from it, in one transaction
  touch      only informational fields changed: overwrite them in place
  noop       nothing changed
  duplicate  the record predates the open version but history already holds
             exactly this state on that date (replay of an older batch)

OUT-OF-ORDER POLICY:
  Records that start on or before the open version's valid_from with
  different tracked attributes are rejected with OutOfOrderEffectiveDateError.
  History is never re-sequenced, so facts already bound to a version keep
  pointing at a valid interval. Zero-length intervals cannot occur.

TRANSACTIONS:
  All records of one natural key in a batch are merged in one transaction.
  A cancelled or failed batch leaves each key untouched or fully merged.

CONCURRENCY:
  One natural key is merged by one goroutine at a time (KeyLocks). Across
  processes the store's compare-and-swap on the current version detects
  races; the whole decision is re-planned and retried.

SEE ALSO:
  - batch.go: ordering and same-date tie-break inside a batch
  - store.go: compare-and-swap contract
*/
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jonboulle/clockwork"

	"github.com/warp/warehouse-engine/metrics"
	"github.com/warp/warehouse-engine/retry"
)

// =============================================================================
// PLAN - Pure merge decision
// =============================================================================

type Decision string

const (
	DecisionInsert    Decision = "insert"
	DecisionSupersede Decision = "supersede"
	DecisionTouch     Decision = "touch"
	DecisionNoop      Decision = "noop"
	DecisionDuplicate Decision = "duplicate"
)

// MergePlan is the outcome of Plan, before any write.
type MergePlan struct {
	Decision   Decision
	Key        EntityKey
	Effective  Date
	Attributes Fields // tracked fields of the record
	Info       Fields // informational fields carried by the record
	AttrsHash  uint64
	Current    *DimensionVersion
	// Changed lists tracked fields (supersede) or informational fields
	// (touch) that differ from the current version.
	Changed []string
}

// Plan decides what a dimension record does to its version chain.
//
// current is the open version, nil on first sighting. prior is the version
// in effect on the record's effective date; it is only consulted when the
// record predates the open version and may be nil.
func Plan(schema DimensionSchema, current, prior *DimensionVersion, rec Record) (MergePlan, error) {
	attrs := rec.Fields.Project(schema.Tracked).WithNumeric(schema.Numeric)
	plan := MergePlan{
		Key:        rec.EntityKey(),
		Effective:  rec.EffectiveDate,
		Attributes: attrs,
		Info:       rec.Fields.Project(schema.Informational).WithNumeric(schema.Numeric),
		AttrsHash:  attrs.HashOn(schema.Tracked),
		Current:    current,
	}

	if current == nil {
		plan.Decision = DecisionInsert
		return plan, nil
	}

	sameState := attrs.EqualOn(current.Attributes.WithNumeric(schema.Numeric), schema.Tracked)
	from := current.Validity.From

	switch {
	case rec.EffectiveDate.After(from):
		if !sameState {
			plan.Decision = DecisionSupersede
			plan.Changed = attrs.Diff(current.Attributes.WithNumeric(schema.Numeric), schema.Tracked)
			return plan, nil
		}
		return planInfo(plan, current, schema.Numeric), nil

	case rec.EffectiveDate.Equal(from):
		if sameState {
			return planInfo(plan, current, schema.Numeric), nil
		}
		return plan, &OutOfOrderEffectiveDateError{
			Key:           plan.Key,
			EffectiveDate: rec.EffectiveDate,
			OpenFrom:      from,
			Reason:        "same effective date as open version with different tracked attributes",
		}

	default:
		if prior != nil && prior.Validity.Contains(rec.EffectiveDate) && attrs.EqualOn(prior.Attributes.WithNumeric(schema.Numeric), schema.Tracked) {
			plan.Decision = DecisionDuplicate
			return plan, nil
		}
		return plan, &OutOfOrderEffectiveDateError{
			Key:           plan.Key,
			EffectiveDate: rec.EffectiveDate,
			OpenFrom:      from,
			Reason:        "predates open version",
		}
	}
}

// planInfo returns touch when the record carries informational values that
// differ from the current version, noop otherwise.
func planInfo(plan MergePlan, current *DimensionVersion, numeric []string) MergePlan {
	var present []string
	for name := range plan.Info {
		present = append(present, name)
	}
	if changed := plan.Info.Diff(current.Info.WithNumeric(numeric), present); len(changed) > 0 {
		plan.Decision = DecisionTouch
		plan.Changed = changed
		return plan
	}
	plan.Decision = DecisionNoop
	return plan
}

// =============================================================================
// MERGE ENGINE - Applies plans through the store
// =============================================================================

// MergeResult reports what one record did.
type MergeResult struct {
	Decision  Decision
	Key       EntityKey
	Effective Date
	Events    []VersionEvent
	Changed   []string
}

type MergeEngine struct {
	store   TxStore
	catalog *Catalog
	locks   *KeyLocks
	retry   retry.Config
	clock   clockwork.Clock
	log     *slog.Logger
}

type MergeOption func(*MergeEngine)

func WithMergeRetry(cfg retry.Config) MergeOption {
	return func(e *MergeEngine) { e.retry = cfg }
}

func WithMergeClock(clock clockwork.Clock) MergeOption {
	return func(e *MergeEngine) { e.clock = clock }
}

func WithMergeLogger(log *slog.Logger) MergeOption {
	return func(e *MergeEngine) { e.log = log }
}

// WithKeyLocks shares key locks between engines writing the same store.
func WithKeyLocks(locks *KeyLocks) MergeOption {
	return func(e *MergeEngine) { e.locks = locks }
}

func NewMergeEngine(store TxStore, catalog *Catalog, opts ...MergeOption) *MergeEngine {
	e := &MergeEngine{
		store:   store,
		catalog: catalog,
		locks:   NewKeyLocks(),
		retry:   retry.DefaultConfig(),
		clock:   clockwork.NewRealClock(),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// KeyMerge reports what one natural key's records did in a batch.
type KeyMerge struct {
	Results    []MergeResult
	Rejections []Rejection
}

// Apply merges one dimension record. Record-level problems are returned as
// errors satisfying IsRecordError; exhausted races as
// ConcurrentSupersessionConflictError.
func (e *MergeEngine) Apply(ctx context.Context, batch BatchID, rec Record) (MergeResult, error) {
	out, err := e.MergeKey(ctx, batch, rec.EntityKey(), []Record{rec})
	if err != nil {
		return MergeResult{}, err
	}
	if len(out.Rejections) > 0 {
		return MergeResult{}, out.Rejections[0].Err
	}
	return out.Results[0], nil
}

// MergeKey merges the ordered records of one natural key in a single
// transaction. Records that cannot be merged (bad input, out-of-order
// dates) are reported as rejections and do not abort the others. Any other
// failure, cancellation included, rolls the whole key back, so the key is
// left either as it was or fully merged. A race lost on every attempt
// rejects all of the key's records with ConcurrentSupersessionConflictError.
func (e *MergeEngine) MergeKey(ctx context.Context, batch BatchID, key EntityKey, recs []Record) (KeyMerge, error) {
	var out KeyMerge
	schema, known := e.catalog.Dimension(key.Kind)

	valid := make([]Record, 0, len(recs))
	for _, rec := range recs {
		switch {
		case !known:
			out.Rejections = append(out.Rejections, newRejection(rec, fmt.Errorf("%w: dimension %q", ErrUnknownSubject, rec.Subject)))
		case rec.NaturalKey == "" || rec.EffectiveDate.IsZero():
			out.Rejections = append(out.Rejections, newRejection(rec, fmt.Errorf("%w: %s record needs a natural key and an effective date", ErrInvalidRecord, rec.Subject)))
		default:
			valid = append(valid, rec)
		}
	}
	if len(valid) == 0 {
		return out, nil
	}

	unlock := e.locks.Lock(key)
	defer unlock()

	var applied KeyMerge
	attempts := 0
	err := retry.DoIf(ctx, e.retry, retryableMerge, func() error {
		attempts++
		applied = KeyMerge{}
		return e.store.WithTx(ctx, func(tx Store) error {
			for _, rec := range valid {
				if err := ctx.Err(); err != nil {
					return err
				}
				plan, err := e.plan(ctx, tx, schema, rec)
				if err != nil {
					if IsRecordError(err) {
						applied.Rejections = append(applied.Rejections, newRejection(rec, err))
						continue
					}
					return err
				}
				res, err := e.execute(ctx, tx, batch, plan)
				if err != nil {
					if errors.Is(err, ErrConcurrentSupersession) {
						metrics.SupersessionConflictsTotal.Inc()
						e.log.Warn("supersession conflict, retrying", "key", key.String(), "attempt", attempts)
					}
					return err
				}
				applied.Results = append(applied.Results, res)
			}
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrConcurrentSupersession) {
			conflict := &ConcurrentSupersessionConflictError{Key: key, Attempts: attempts, Err: err}
			for _, rec := range valid {
				out.Rejections = append(out.Rejections, newRejection(rec, conflict))
			}
			return out, nil
		}
		return KeyMerge{}, err
	}

	for _, res := range applied.Results {
		metrics.MergeDecisionsTotal.WithLabelValues(string(key.Kind), string(res.Decision)).Inc()
		e.log.Debug("merged dimension record",
			"batch_id", batch,
			"kind", key.Kind,
			"natural_key", key.NaturalKey,
			"effective_date", res.Effective.String(),
			"decision", res.Decision)
	}
	out.Results = applied.Results
	out.Rejections = append(out.Rejections, applied.Rejections...)
	sort.SliceStable(out.Rejections, func(i, j int) bool {
		return out.Rejections[i].Sequence < out.Rejections[j].Sequence
	})
	return out, nil
}

// retryableMerge accepts compare-and-swap conflicts and transient store
// errors.
func retryableMerge(err error) bool {
	return IsRetryable(err) || retry.IsRetryable(err)
}

func (e *MergeEngine) plan(ctx context.Context, tx Store, schema DimensionSchema, rec Record) (MergePlan, error) {
	key := rec.EntityKey()
	cur, found, err := tx.Current(ctx, key)
	if err != nil {
		return MergePlan{}, err
	}
	if !found {
		return Plan(schema, nil, nil, rec)
	}

	var prior *DimensionVersion
	if rec.EffectiveDate.Before(cur.Validity.From) {
		p, ok, err := tx.AsOf(ctx, key, rec.EffectiveDate)
		if err != nil {
			return MergePlan{}, err
		}
		if ok {
			prior = &p
		}
	}
	return Plan(schema, &cur, prior, rec)
}

func (e *MergeEngine) execute(ctx context.Context, tx Store, batch BatchID, plan MergePlan) (MergeResult, error) {
	result := MergeResult{Decision: plan.Decision, Key: plan.Key, Effective: plan.Effective, Changed: plan.Changed}

	switch plan.Decision {
	case DecisionInsert:
		v, err := tx.InsertVersion(ctx, e.newVersion(batch, plan, nil))
		if err != nil {
			return result, err
		}
		result.Events = []VersionEvent{{Op: OpInsert, Version: v}}

	case DecisionSupersede:
		closed, err := tx.CloseVersion(ctx, plan.Current.SurrogateKey, plan.Effective)
		if err != nil {
			return result, err
		}
		v, err := tx.InsertVersion(ctx, e.newVersion(batch, plan, plan.Current.Info))
		if err != nil {
			return result, err
		}
		result.Events = []VersionEvent{{Op: OpClose, Version: closed}, {Op: OpInsert, Version: v}}

	case DecisionTouch:
		info := plan.Current.Info.Clone()
		for k, v := range plan.Info {
			info[k] = v
		}
		v, err := tx.TouchVersion(ctx, plan.Current.SurrogateKey, info)
		if err != nil {
			return result, err
		}
		result.Events = []VersionEvent{{Op: OpTouch, Version: v}}
	}

	return result, nil
}

// newVersion builds an open version. Informational fields missing from the
// record are carried over from the version being superseded.
func (e *MergeEngine) newVersion(batch BatchID, plan MergePlan, carried Fields) DimensionVersion {
	info := make(Fields, len(carried)+len(plan.Info))
	for k, v := range carried {
		info[k] = v
	}
	for k, v := range plan.Info {
		info[k] = v
	}
	return DimensionVersion{
		Kind:       plan.Key.Kind,
		NaturalKey: plan.Key.NaturalKey,
		Attributes: plan.Attributes,
		Info:       info,
		Validity:   OpenFrom(plan.Effective),
		IsCurrent:  true,
		AttrsHash:  plan.AttrsHash,
		BatchID:    batch,
		CreatedAt:  e.clock.Now().UTC(),
	}
}
