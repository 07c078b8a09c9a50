/*
batch.go - Batch coordinator

PURPOSE:
  Runs one batch of standardized records through the engine in a fixed,
  tested order and reports every rejected record.

ORDERING CONTRACT:
  1. Configuration is checked first; a defect aborts before any write
  2. All dimension records are merged before any transaction record is
     resolved, so a transaction may reference an entity first seen in the
     same batch
  3. Dimension records are partitioned by natural key. Each key is merged by
     one worker, in (effective date, arrival order) order. Records of one key
     sharing an effective date collapse to the last arrival
  4. Transaction records are resolved in arrival order
  5. The version and fact stream is saved to the sink outbox and handed to
     the sink as a retried tail step, after any stream an earlier run failed
     to deliver

IDEMPOTENCE:
  Replaying a batch yields noop/duplicate for every dimension record and a
  duplicate for every fact (content-hash idempotency key), so nothing new is
  written. The sink only receives streams still waiting in the outbox.

FAILURE POLICY:
  Record errors are collected as rejections and the batch continues.
  Configuration errors and store failures stop the batch. Every natural key
  commits its records in one transaction, so a stopped batch leaves each key
  either as it was or fully merged.
*/
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/warp/warehouse-engine/metrics"
	"github.com/warp/warehouse-engine/retry"
)

// =============================================================================
// TYPES
// =============================================================================

// Batch is one ingestion unit. AsOf is the processing date used to price
// unpaid premiums; zero means today.
type Batch struct {
	ID      BatchID
	AsOf    Date
	Records []Record
}

type BatchCounts struct {
	Records        int `json:"records"`
	Inserted       int `json:"inserted"`
	Superseded     int `json:"superseded"`
	Touched        int `json:"touched"`
	Noops          int `json:"noops"`
	Duplicates     int `json:"duplicates"`
	Collapsed      int `json:"collapsed"`
	Facts          int `json:"facts"`
	FactDuplicates int `json:"fact_duplicates"`
	Rejected       int `json:"rejected"`
}

// Rule names reported on rejections.
const (
	RuleEffectiveDateOrder = "scd2_effective_date_order"
	RuleReferenceAsOf      = "reference_as_of_event_date"
	RuleCatalog            = "catalog_subject"
	RuleRecordValidation   = "record_validation"
	RuleSupersessionCAS    = "supersession_compare_and_swap"
)

// Rejection carries what manual reprocessing needs.
type Rejection struct {
	Kind          RecordKind
	Subject       string
	NaturalKey    NaturalKey
	EffectiveDate Date
	Sequence      int
	Rule          string
	Reason        string
	Err           error
}

type BatchResult struct {
	Run        BatchRun
	Counts     BatchCounts
	Events     []VersionEvent
	Facts      []FactRecord
	Rejections []Rejection
	// Redriven lists batches whose stream reached the sink during this run,
	// earlier failed batches first.
	Redriven []BatchID
}

// Sink receives the append-only stream of a batch, e.g. a warehouse loader.
type Sink interface {
	Write(ctx context.Context, batch BatchID, events []VersionEvent, facts []FactRecord) error
}

// =============================================================================
// COORDINATOR
// =============================================================================

type Coordinator struct {
	store     TxStore
	runs      BatchLog
	outbox    SinkOutbox
	catalog   *Catalog
	fees      *LateFeeCalculator
	merge     *MergeEngine
	loader    *FactLoader
	sink      Sink
	sinkRetry retry.Config
	mergeOpts []MergeOption
	workers   int
	clock     clockwork.Clock
	log       *slog.Logger
}

type CoordinatorOption func(*Coordinator)

func WithBatchLog(runs BatchLog) CoordinatorOption {
	return func(c *Coordinator) { c.runs = runs }
}

// WithSinkOutbox keeps unsent streams somewhere other than the store.
func WithSinkOutbox(outbox SinkOutbox) CoordinatorOption {
	return func(c *Coordinator) { c.outbox = outbox }
}

func WithSink(sink Sink, cfg retry.Config) CoordinatorOption {
	return func(c *Coordinator) {
		c.sink = sink
		c.sinkRetry = cfg
	}
}

// WithWorkers bounds how many natural keys merge concurrently.
func WithWorkers(n int) CoordinatorOption {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

func WithClock(clock clockwork.Clock) CoordinatorOption {
	return func(c *Coordinator) { c.clock = clock }
}

func WithLogger(log *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.log = log }
}

func WithMergeOptions(opts ...MergeOption) CoordinatorOption {
	return func(c *Coordinator) { c.mergeOpts = append(c.mergeOpts, opts...) }
}

// NewCoordinator wires the engine over a store. If the store also keeps a
// batch log or a sink outbox they are used unless an option overrides them.
func NewCoordinator(store TxStore, catalog *Catalog, fees *LateFeeCalculator, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:     store,
		catalog:   catalog,
		fees:      fees,
		sinkRetry: retry.DefaultConfig(),
		workers:   4,
		clock:     clockwork.NewRealClock(),
		log:       slog.Default(),
	}
	if runs, ok := store.(BatchLog); ok {
		c.runs = runs
	}
	if outbox, ok := store.(SinkOutbox); ok {
		c.outbox = outbox
	}
	for _, opt := range opts {
		opt(c)
	}

	mergeOpts := append([]MergeOption{WithMergeClock(c.clock), WithMergeLogger(c.log)}, c.mergeOpts...)
	c.merge = NewMergeEngine(store, catalog, mergeOpts...)
	c.loader = NewFactLoader(store, catalog, fees, c.clock, c.log)
	return c
}

func (c *Coordinator) Catalog() *Catalog         { return c.catalog }
func (c *Coordinator) Fees() *LateFeeCalculator  { return c.fees }
func (c *Coordinator) Resolver() *Resolver       { return NewResolver(c.store) }
func (c *Coordinator) Store() TxStore            { return c.store }
func (c *Coordinator) BatchLog() BatchLog        { return c.runs }
func (c *Coordinator) SinkOutbox() SinkOutbox    { return c.outbox }
func (c *Coordinator) MergeEngine() *MergeEngine { return c.merge }
func (c *Coordinator) FactLoader() *FactLoader   { return c.loader }

// ValidateConfig checks that every registered fact table can be loaded:
// its referenced dimensions exist and late fees have a schedule.
func (c *Coordinator) ValidateConfig() error {
	c.catalog.mu.RLock()
	defer c.catalog.mu.RUnlock()

	for _, fs := range c.catalog.facts {
		for _, dim := range fs.References {
			if _, ok := c.catalog.dimensions[dim]; !ok {
				return fmt.Errorf("%w: fact %s references unregistered dimension %s", ErrInvalidSchema, fs.Table, dim)
			}
		}
		if fs.LateFee != nil && c.fees == nil {
			return fmt.Errorf("%w: fact %s derives late fees but no schedule is configured", ErrInvalidSchema, fs.Table)
		}
	}
	if c.fees != nil {
		if c.fees.schedule == nil {
			return &RuleGapError{FromMonths: 0, Reason: "no schedule"}
		}
		if _, err := NewLateFeeSchedule(c.fees.schedule.rules); err != nil {
			return err
		}
	}
	return nil
}

// Run processes a batch. The returned error is non-nil only for fatal
// failures (configuration, store, sink, cancellation); rejected records are
// reported in the result.
func (c *Coordinator) Run(ctx context.Context, b Batch) (*BatchResult, error) {
	start := c.clock.Now()
	if b.ID == "" {
		b.ID = BatchID(uuid.NewString())
	}
	if b.AsOf.IsZero() {
		b.AsOf = DateOf(start)
	}
	b.Records = append([]Record(nil), b.Records...)
	for i := range b.Records {
		b.Records[i].Sequence = i
	}

	result := &BatchResult{
		Run: BatchRun{
			ID:          b.ID,
			Fingerprint: Fingerprint(b.Records),
			AsOf:        b.AsOf,
			Status:      RunRunning,
			StartedAt:   start.UTC(),
		},
	}
	result.Counts.Records = len(b.Records)
	log := c.log.With("batch_id", b.ID)

	if err := c.ValidateConfig(); err != nil {
		return c.fail(ctx, result, start, err)
	}
	if err := c.saveRun(ctx, result.Run); err != nil {
		return nil, err
	}
	log.Info("batch started", "records", len(b.Records), "as_of", b.AsOf.String())

	dims, txns := c.partition(b.Records, result)

	if err := c.mergeDimensions(ctx, b.ID, dims, result); err != nil {
		return c.fail(ctx, result, start, err)
	}
	if err := c.loadFacts(ctx, b, txns, result); err != nil {
		return c.fail(ctx, result, start, err)
	}

	if c.sink != nil {
		redriven, err := c.flushSink(ctx, b.ID, result.Events, result.Facts)
		result.Redriven = redriven
		if err != nil {
			return c.fail(ctx, result, start, err)
		}
	}

	result.Counts.Rejected = len(result.Rejections)
	result.Run.Counts = result.Counts
	result.Run.Status = RunCompleted
	done := c.clock.Now().UTC()
	result.Run.CompletedAt = &done
	if err := c.saveRun(ctx, result.Run); err != nil {
		return nil, err
	}

	metrics.BatchRunsTotal.WithLabelValues(string(RunCompleted)).Inc()
	metrics.BatchDuration.Observe(c.clock.Since(start).Seconds())
	log.Info("batch completed",
		"inserted", result.Counts.Inserted,
		"superseded", result.Counts.Superseded,
		"noops", result.Counts.Noops,
		"facts", result.Counts.Facts,
		"rejected", result.Counts.Rejected)
	return result, nil
}

// flushSink hands this batch's stream to the sink after every stream left
// over by earlier failed runs. With an outbox the stream is saved first, so
// a failure here is redriven by the next run or by Redrive.
func (c *Coordinator) flushSink(ctx context.Context, batch BatchID, events []VersionEvent, facts []FactRecord) ([]BatchID, error) {
	empty := len(events) == 0 && len(facts) == 0
	if c.outbox == nil {
		if empty {
			return nil, nil
		}
		if err := c.writeSink(ctx, batch, events, facts); err != nil {
			return nil, err
		}
		return []BatchID{batch}, nil
	}

	if !empty {
		pending := PendingSink{BatchID: batch, Events: events, Facts: facts, CreatedAt: c.clock.Now().UTC()}
		if err := c.outbox.SavePendingSink(ctx, pending); err != nil {
			return nil, fmt.Errorf("save pending sink: %w", err)
		}
	}
	return c.Redrive(ctx)
}

// Redrive sends every stream waiting in the outbox, oldest first, and stops
// at the first one the sink refuses. It returns the batches delivered.
func (c *Coordinator) Redrive(ctx context.Context) ([]BatchID, error) {
	if c.sink == nil || c.outbox == nil {
		return nil, nil
	}
	pending, err := c.outbox.PendingSinks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending sink: %w", err)
	}

	var sent []BatchID
	for _, p := range pending {
		if err := c.writeSink(ctx, p.BatchID, p.Events, p.Facts); err != nil {
			p.Attempts++
			p.LastError = err.Error()
			if serr := c.outbox.SavePendingSink(context.WithoutCancel(ctx), p); serr != nil {
				c.log.Error("failed to update pending sink", "batch_id", p.BatchID, "error", serr)
			}
			return sent, err
		}
		if err := c.outbox.ClearPendingSink(ctx, p.BatchID); err != nil {
			return sent, fmt.Errorf("clear pending sink %s: %w", p.BatchID, err)
		}
		sent = append(sent, p.BatchID)
		if p.Attempts > 0 {
			c.log.Info("redrove sink stream", "batch_id", p.BatchID, "attempts", p.Attempts+1)
		}
	}
	return sent, nil
}

func (c *Coordinator) writeSink(ctx context.Context, batch BatchID, events []VersionEvent, facts []FactRecord) error {
	err := retry.Do(ctx, c.sinkRetry, func() error {
		return c.sink.Write(ctx, batch, events, facts)
	})
	if err != nil {
		metrics.SinkWritesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("sink: %w", err)
	}
	metrics.SinkWritesTotal.WithLabelValues("success").Inc()
	return nil
}

func (c *Coordinator) fail(ctx context.Context, result *BatchResult, start time.Time, cause error) (*BatchResult, error) {
	result.Counts.Rejected = len(result.Rejections)
	result.Run.Counts = result.Counts
	result.Run.Status = RunFailed
	result.Run.Error = cause.Error()
	done := c.clock.Now().UTC()
	result.Run.CompletedAt = &done

	// The run row is written even when the batch context was cancelled.
	if err := c.saveRun(context.WithoutCancel(ctx), result.Run); err != nil {
		c.log.Error("failed to save batch run", "batch_id", result.Run.ID, "error", err)
	}
	metrics.BatchRunsTotal.WithLabelValues(string(RunFailed)).Inc()
	metrics.BatchDuration.Observe(c.clock.Since(start).Seconds())
	c.log.Error("batch failed", "batch_id", result.Run.ID, "error", cause)
	return result, cause
}

func (c *Coordinator) saveRun(ctx context.Context, run BatchRun) error {
	if c.runs == nil {
		return nil
	}
	return c.runs.SaveBatchRun(ctx, run)
}

// partition splits records by kind; dimension records are grouped per
// natural key and ordered for merging.
func (c *Coordinator) partition(records []Record, result *BatchResult) (map[EntityKey][]Record, []Record) {
	byKey := make(map[EntityKey][]Record)
	var txns []Record
	for _, rec := range records {
		switch rec.Kind {
		case RecordDimension:
			byKey[rec.EntityKey()] = append(byKey[rec.EntityKey()], rec)
		case RecordTransaction:
			txns = append(txns, rec)
		default:
			c.reject(result, rec, fmt.Errorf("%w: record kind %q", ErrInvalidRecord, rec.Kind))
		}
	}
	for key, recs := range byKey {
		ordered, collapsed := OrderDimensionRecords(recs)
		byKey[key] = ordered
		result.Counts.Collapsed += collapsed
	}
	return byKey, txns
}

// OrderDimensionRecords sorts one natural key's records by (effective date,
// arrival order) and keeps only the last arrival per effective date.
func OrderDimensionRecords(recs []Record) ([]Record, int) {
	sorted := append([]Record(nil), recs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if c := sorted[i].EffectiveDate.Compare(sorted[j].EffectiveDate); c != 0 {
			return c < 0
		}
		return sorted[i].Sequence < sorted[j].Sequence
	})

	out := sorted[:0:0]
	for i, rec := range sorted {
		if i+1 < len(sorted) && sorted[i+1].EffectiveDate.Equal(rec.EffectiveDate) {
			continue
		}
		out = append(out, rec)
	}
	return out, len(sorted) - len(out)
}

func (c *Coordinator) mergeDimensions(ctx context.Context, batch BatchID, byKey map[EntityKey][]Record, result *BatchResult) error {
	keys := make([]EntityKey, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var mu sync.Mutex
	outcomes := make(map[EntityKey]*KeyMerge, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, key := range keys {
		recs := byKey[key]
		g.Go(func() error {
			out, err := c.merge.MergeKey(gctx, batch, key, recs)
			if err != nil {
				return fmt.Errorf("merge %s: %w", key, err)
			}
			mu.Lock()
			outcomes[key] = &out
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()

	// Deterministic order regardless of worker scheduling.
	for _, key := range keys {
		out, ok := outcomes[key]
		if !ok {
			continue
		}
		for _, res := range out.Results {
			result.Events = append(result.Events, res.Events...)
			switch res.Decision {
			case DecisionInsert:
				result.Counts.Inserted++
			case DecisionSupersede:
				result.Counts.Superseded++
			case DecisionTouch:
				result.Counts.Touched++
			case DecisionNoop:
				result.Counts.Noops++
			case DecisionDuplicate:
				result.Counts.Duplicates++
			}
		}
		for _, rej := range out.Rejections {
			c.recordRejection(result, rej)
		}
	}
	return err
}

func (c *Coordinator) loadFacts(ctx context.Context, b Batch, txns []Record, result *BatchResult) error {
	for _, rec := range txns {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := c.loader.Load(ctx, b.ID, rec, b.AsOf)
		if err != nil {
			if IsConfigError(err) {
				return err
			}
			if IsRecordError(err) {
				c.reject(result, rec, err)
				continue
			}
			return fmt.Errorf("load %s %s: %w", rec.Subject, rec.NaturalKey, err)
		}
		if res.Duplicate {
			result.Counts.FactDuplicates++
			continue
		}
		result.Facts = append(result.Facts, res.Fact)
		result.Counts.Facts++
	}
	return nil
}

func (c *Coordinator) reject(result *BatchResult, rec Record, err error) {
	c.recordRejection(result, newRejection(rec, err))
}

func (c *Coordinator) recordRejection(result *BatchResult, rej Rejection) {
	result.Rejections = append(result.Rejections, rej)
	metrics.RejectionsTotal.WithLabelValues(string(rej.Kind), rej.Rule).Inc()
	c.log.Warn("record rejected",
		"batch_id", result.Run.ID,
		"subject", rej.Subject,
		"natural_key", rej.NaturalKey,
		"effective_date", rej.EffectiveDate.String(),
		"rule", rej.Rule,
		"error", rej.Err)
}

func newRejection(rec Record, err error) Rejection {
	rule := RuleRecordValidation
	switch {
	case errors.Is(err, ErrOutOfOrderEffectiveDate):
		rule = RuleEffectiveDateOrder
	case errors.Is(err, ErrReferenceResolution):
		rule = RuleReferenceAsOf
	case errors.Is(err, ErrUnknownSubject):
		rule = RuleCatalog
	case errors.Is(err, ErrConcurrentSupersession):
		rule = RuleSupersessionCAS
	}
	return Rejection{
		Kind:          rec.Kind,
		Subject:       rec.Subject,
		NaturalKey:    rec.NaturalKey,
		EffectiveDate: rec.EffectiveDate,
		Sequence:      rec.Sequence,
		Rule:          rule,
		Reason:        err.Error(),
		Err:           err,
	}
}

// Fingerprint hashes batch content in arrival order. Identical batches share
// a fingerprint.
func Fingerprint(records []Record) string {
	h := xxhash.New()
	for _, rec := range records {
		h.WriteString(string(rec.Kind))
		h.WriteString("\x1f")
		h.WriteString(FactIdempotencyKey(rec))
		h.WriteString("\x1e")
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
