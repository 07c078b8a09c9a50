package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/warp/warehouse-engine/metrics"
)

// Derived measure names written when a fact schema enables late fees.
const (
	MeasureLateFee    = "late_fee"
	MeasureTotalDue   = "total_amount_due"
	MeasureMonthsLate = "months_late"
)

// =============================================================================
// FACT LOADER - Binds transactions to dimension versions as of event date
// =============================================================================

// FactLoader only reads dimension versions; it never mutates them.
type FactLoader struct {
	resolver *Resolver
	ledger   *FactLedger
	catalog  *Catalog
	fees     *LateFeeCalculator
	clock    clockwork.Clock
	log      *slog.Logger
}

func NewFactLoader(store Store, catalog *Catalog, fees *LateFeeCalculator, clock clockwork.Clock, log *slog.Logger) *FactLoader {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &FactLoader{
		resolver: NewResolver(store),
		ledger:   NewFactLedger(store),
		catalog:  catalog,
		fees:     fees,
		clock:    clock,
		log:      log,
	}
}

// LoadResult reports one transaction record's outcome.
type LoadResult struct {
	Fact      FactRecord
	Duplicate bool
}

// Load resolves and appends one transaction record. processing is the date
// unpaid premiums are priced at.
func (l *FactLoader) Load(ctx context.Context, batch BatchID, rec Record, processing Date) (LoadResult, error) {
	fact, err := l.Resolve(ctx, batch, rec, processing)
	if err != nil {
		return LoadResult{}, err
	}

	exists, err := l.ledger.Exists(ctx, fact.IdempotencyKey)
	if err != nil {
		return LoadResult{}, err
	}
	if exists {
		metrics.FactsLoadedTotal.WithLabelValues(string(fact.Table), "duplicate").Inc()
		return LoadResult{Fact: fact, Duplicate: true}, nil
	}

	if err := l.ledger.Append(ctx, fact); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			metrics.FactsLoadedTotal.WithLabelValues(string(fact.Table), "duplicate").Inc()
			return LoadResult{Fact: fact, Duplicate: true}, nil
		}
		return LoadResult{}, err
	}

	metrics.FactsLoadedTotal.WithLabelValues(string(fact.Table), "inserted").Inc()
	l.log.Debug("loaded fact",
		"batch_id", batch,
		"table", fact.Table,
		"natural_key", fact.NaturalKey,
		"event_date", fact.EventDate.String())
	return LoadResult{Fact: fact}, nil
}

// Resolve builds the fact row without writing it: every reference is bound to
// the version valid on the event date, measures are parsed and the late fee
// derived.
func (l *FactLoader) Resolve(ctx context.Context, batch BatchID, rec Record, processing Date) (FactRecord, error) {
	schema, ok := l.catalog.Fact(FactTable(rec.Subject))
	if !ok {
		return FactRecord{}, fmt.Errorf("%w: fact table %q", ErrUnknownSubject, rec.Subject)
	}
	if rec.NaturalKey == "" || rec.EffectiveDate.IsZero() {
		return FactRecord{}, fmt.Errorf("%w: %s record needs a natural key and an event date", ErrInvalidRecord, rec.Subject)
	}

	fact := FactRecord{
		ID:             FactID(uuid.NewString()),
		Table:          schema.Table,
		NaturalKey:     rec.NaturalKey,
		EventDate:      rec.EffectiveDate,
		Keys:           make(map[DimensionKind]SurrogateKey, len(schema.References)),
		NaturalKeys:    make(map[DimensionKind]NaturalKey, len(schema.References)),
		Measures:       make(map[string]decimal.Decimal, len(schema.Measures)+3),
		IdempotencyKey: FactIdempotencyKey(rec),
		BatchID:        batch,
		CreatedAt:      l.clock.Now().UTC(),
	}

	for _, dim := range schema.References {
		nk, ok := rec.References[dim]
		if !ok || nk == "" {
			return FactRecord{}, fmt.Errorf("%w: %s %s has no %s reference", ErrInvalidRecord, rec.Subject, rec.NaturalKey, dim)
		}
		key := EntityKey{Kind: dim, NaturalKey: nk}
		v, found, err := l.resolver.Resolve(ctx, key, &rec.EffectiveDate)
		if err != nil {
			return FactRecord{}, err
		}
		if !found {
			earliest, err := l.resolver.Earliest(ctx, key)
			if err != nil {
				return FactRecord{}, err
			}
			return FactRecord{}, &ReferenceResolutionError{
				Table:        schema.Table,
				NaturalKey:   rec.NaturalKey,
				EventDate:    rec.EffectiveDate,
				Dimension:    dim,
				Reference:    nk,
				EarliestFrom: earliest,
			}
		}
		fact.Keys[dim] = v.SurrogateKey
		fact.NaturalKeys[dim] = nk
	}

	for _, m := range schema.Measures {
		d, ok, err := rec.Fields.Decimal(m)
		if err != nil {
			return FactRecord{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		if ok {
			fact.Measures[m] = d
		}
	}

	if schema.LateFee != nil {
		quote, err := l.lateFee(schema, rec, processing)
		if err != nil {
			return FactRecord{}, err
		}
		fact.Measures[MeasureLateFee] = quote.LateFee
		fact.Measures[MeasureTotalDue] = quote.TotalDue
		fact.Measures[MeasureMonthsLate] = decimal.NewFromInt(int64(quote.MonthsLate))
	}

	return fact, nil
}

func (l *FactLoader) lateFee(schema FactSchema, rec Record, processing Date) (LateFeeQuote, error) {
	if l.fees == nil {
		return LateFeeQuote{}, fmt.Errorf("%w: fact %s derives late fees but no schedule is configured", ErrInvalidSchema, schema.Table)
	}
	lf := schema.LateFee

	expected, ok, err := rec.Fields.Date(lf.ExpectedDate)
	if err != nil || !ok {
		return LateFeeQuote{}, fmt.Errorf("%w: %s %s: expected payment date %s missing or invalid", ErrInvalidRecord, rec.Subject, rec.NaturalKey, lf.ExpectedDate)
	}
	premium, ok, err := rec.Fields.Decimal(lf.Amount)
	if err != nil || !ok {
		return LateFeeQuote{}, fmt.Errorf("%w: %s %s: premium %s missing or invalid", ErrInvalidRecord, rec.Subject, rec.NaturalKey, lf.Amount)
	}

	in := LateFeeInput{ExpectedDate: expected, Premium: premium}
	if lf.ActualDate != "" {
		actual, ok, err := rec.Fields.Date(lf.ActualDate)
		if err != nil {
			return LateFeeQuote{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		if ok {
			in.ActualDate = &actual
		}
	}
	return l.fees.CalculateAsOf(in, processing), nil
}
