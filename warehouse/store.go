/*
store.go - Persistence interfaces for dimension versions, facts and runs

PURPOSE:
  Defines the interface between the engine and the database. The Store keeps
  version chains append-only: the only mutation of an existing version is
  closing its validity (valid_to, is_current) or overwriting informational
  fields on the current version.

KEY INTERFACES:
  VersionReader: point lookups by natural key (current / as-of / history)
  Store:         reader + version writes + fact appends
  TxStore:       Store with all-or-nothing grouping (one natural key per tx)
  BatchLog:      batch run bookkeeping
  SinkOutbox:    streams waiting for the warehouse sink

COMPARE-AND-SWAP:
  InsertVersion only succeeds when the natural key has no current version.
  CloseVersion only closes a version that is still current. When either
  expectation fails the store returns ErrConcurrentSupersession and the merge
  engine retries the whole natural key.

IMPLEMENTATIONS:
  - warehouse/store/memory.go: in-memory, version-interval index
  - store/sqlite/sqlite.go: SQLite

SEE ALSO:
  - resolver.go: Natural-key resolver built on VersionReader
  - ledger.go: Idempotent fact ledger built on Store
*/
package warehouse

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

// VersionReader answers point-in-time questions about one natural key.
// Lookups return ok=false (not an error) when nothing matches.
type VersionReader interface {
	// Current returns the open version.
	Current(ctx context.Context, key EntityKey) (DimensionVersion, bool, error)

	// AsOf returns the version whose validity contains the date.
	AsOf(ctx context.Context, key EntityKey, at Date) (DimensionVersion, bool, error)

	// History returns all versions ordered by valid_from.
	History(ctx context.Context, key EntityKey) ([]DimensionVersion, error)
}

// Store handles persistence. No deletes. Ever.
type Store interface {
	VersionReader

	// InsertVersion assigns a new surrogate key and stores the version as
	// current. Fails with ErrConcurrentSupersession if the natural key
	// already has a current version.
	InsertVersion(ctx context.Context, v DimensionVersion) (DimensionVersion, error)

	// CloseVersion ends a current version at `at` (exclusive). Fails with
	// ErrConcurrentSupersession if the version is no longer current.
	CloseVersion(ctx context.Context, sk SurrogateKey, at Date) (DimensionVersion, error)

	// TouchVersion overwrites informational fields of a current version.
	TouchVersion(ctx context.Context, sk SurrogateKey, info Fields) (DimensionVersion, error)

	// AppendFacts persists facts atomically. Returns
	// ErrDuplicateIdempotencyKey if any key exists.
	AppendFacts(ctx context.Context, facts []FactRecord) error

	// FactExists checks an idempotency key.
	FactExists(ctx context.Context, idempotencyKey string) (bool, error)

	// Facts returns facts matching the filter ordered by event date.
	Facts(ctx context.Context, filter FactFilter) ([]FactRecord, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the Store passed to fn
	// is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

type FactFilter struct {
	Table      FactTable
	NaturalKey NaturalKey
	From       *Date
	To         *Date
	Limit      int
}

// =============================================================================
// BATCH LOG - Run bookkeeping, separate from the warehouse data
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

type BatchRun struct {
	ID          BatchID
	Fingerprint string
	AsOf        Date
	Status      RunStatus
	Counts      BatchCounts
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

type BatchLog interface {
	SaveBatchRun(ctx context.Context, run BatchRun) error
	GetBatchRun(ctx context.Context, id BatchID) (*BatchRun, error)
	ListBatchRuns(ctx context.Context, limit int) ([]BatchRun, error)
}

// =============================================================================
// SINK OUTBOX - Streams the sink has not acknowledged
// =============================================================================

// PendingSink is the version and fact stream of one batch, kept until the
// sink accepts it.
type PendingSink struct {
	BatchID   BatchID
	Events    []VersionEvent
	Facts     []FactRecord
	CreatedAt time.Time
	Attempts  int
	LastError string
}

// SinkOutbox persists unsent streams so a failed sink write survives the
// batch. Saving an existing batch replaces its entry but keeps its
// position.
type SinkOutbox interface {
	SavePendingSink(ctx context.Context, p PendingSink) error
	// PendingSinks returns unsent streams, oldest first.
	PendingSinks(ctx context.Context) ([]PendingSink, error)
	// ClearPendingSink drops an acknowledged stream. Unknown batches are
	// ignored.
	ClearPendingSink(ctx context.Context, batch BatchID) error
}
