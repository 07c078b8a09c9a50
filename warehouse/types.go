/*
Package warehouse provides the dimensional-warehouse core engine.

PURPOSE:
  This package contains the domain-agnostic types and algorithms that keep
  slowly-changing dimensions historized (SCD Type 2) and bind immutable
  transactional facts to the dimension versions that were in effect on the
  transaction's date. Whether the entity is a customer, a policy or an
  address, the same engine decides insert / supersede / no-op and resolves
  natural keys as of a date.

KEY CONCEPTS IN THIS FILE (types.go):
  - NaturalKey / SurrogateKey: business identifier vs warehouse identifier
  - DimensionVersion: one historized state of an entity over a Validity
  - Record: a standardized input row (dimension state or transaction)
  - FactRecord: an immutable fact row bound to surrogate keys
  - VersionEvent: the append-only stream handed to the warehouse sink

DESIGN PRINCIPLES:
  1. History is append-only: a version's tracked attributes never change,
     only its validity can be closed
  2. Exactly one open version per natural key
  3. Facts are immutable; corrections are new fact rows
  4. Money uses decimal.Decimal

SEE ALSO:
  - merge.go: SCD-2 merge decisions
  - facts.go: fact resolution
  - latefee.go: late-fee schedule and calculator
  - batch.go: batch coordinator
*/
package warehouse

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type NaturalKey string
type SurrogateKey int64
type DimensionKind string
type FactTable string
type FactID string
type BatchID string

// EntityKey identifies one version chain.
type EntityKey struct {
	Kind       DimensionKind
	NaturalKey NaturalKey
}

func (k EntityKey) String() string { return string(k.Kind) + "/" + string(k.NaturalKey) }

// =============================================================================
// DIMENSION VERSION - One historized state of an entity
// =============================================================================

type DimensionVersion struct {
	SurrogateKey SurrogateKey
	Kind         DimensionKind
	NaturalKey   NaturalKey

	// Attributes are the tracked fields. Immutable once written.
	Attributes Fields
	// Info holds informational fields, overwritten in place on the
	// current version without creating a new one.
	Info Fields

	Validity  Validity
	IsCurrent bool
	AttrsHash uint64

	BatchID   BatchID
	CreatedAt time.Time
}

func (v DimensionVersion) Key() EntityKey {
	return EntityKey{Kind: v.Kind, NaturalKey: v.NaturalKey}
}

func (v DimensionVersion) ValidFrom() Date { return v.Validity.From }
func (v DimensionVersion) ValidTo() *Date  { return v.Validity.To }

// =============================================================================
// RECORD - Standardized input
// =============================================================================

type RecordKind string

const (
	RecordDimension   RecordKind = "dimension"
	RecordTransaction RecordKind = "transaction"
)

// Record is one standardized, already-validated input row.
//
// For dimension records Subject is the DimensionKind and EffectiveDate the
// date the described state starts. For transaction records Subject is the
// FactTable, EffectiveDate is the event date and References holds the
// natural key of each referenced dimension.
type Record struct {
	Kind          RecordKind
	Subject       string
	NaturalKey    NaturalKey
	EffectiveDate Date
	Fields        Fields
	References    map[DimensionKind]NaturalKey

	// Sequence is the arrival order inside the batch, assigned by the
	// coordinator. Later arrivals win same-date ties.
	Sequence int
}

func (r Record) EntityKey() EntityKey {
	return EntityKey{Kind: DimensionKind(r.Subject), NaturalKey: r.NaturalKey}
}

// =============================================================================
// FACT RECORD - Immutable transactional event
// =============================================================================

type FactRecord struct {
	ID         FactID
	Table      FactTable
	NaturalKey NaturalKey
	EventDate  Date

	// Keys are the resolved surrogate keys, one per referenced dimension.
	Keys map[DimensionKind]SurrogateKey
	// NaturalKeys are retained for traceability.
	NaturalKeys map[DimensionKind]NaturalKey

	Measures map[string]decimal.Decimal

	IdempotencyKey string
	BatchID        BatchID
	CreatedAt      time.Time
}

// =============================================================================
// VERSION EVENT - Append-only stream of dimension row operations
// =============================================================================

type VersionOp string

const (
	OpInsert VersionOp = "insert"
	OpClose  VersionOp = "close"
	OpTouch  VersionOp = "touch" // informational fields overwritten
)

type VersionEvent struct {
	Op      VersionOp
	Version DimensionVersion
}
