/*
Package sqlite provides a SQLite-backed implementation of the warehouse
storage interfaces.

PURPOSE:
  Persists dimension version chains, fact rows and batch runs. Used as the
  engine's state store: lookups by natural key run against it, and the
  version/fact stream it accepts is forwarded to the warehouse sink.

INTERFACES IMPLEMENTED:
  warehouse.TxStore:  Dimension versions and facts
  warehouse.BatchLog: Batch run bookkeeping
  warehouse.SinkOutbox: Streams waiting for the warehouse sink

APPEND-ONLY ENFORCEMENT:
  - No DELETE statements on warehouse tables
  - dim_versions rows are only UPDATEd to close them (valid_to, is_current)
    or to overwrite info_json on the current row
  - facts rows are never UPDATEd
  - sink_outbox is the exception: rows are deleted once the sink accepts
    their stream

KEY TABLES:
  dim_versions: One row per dimension version (SCD Type 2)
  facts:        Immutable fact rows, unique idempotency key
  batch_runs:   One row per batch run
  sink_outbox:  One row per batch whose stream the sink has not accepted

INDEXES:
  - idx_dim_versions_current: partial unique index, at most one current row
    per natural key. Violations surface as ErrConcurrentSupersession
  - idx_dim_versions_chain: (kind, natural_key, valid_from) for as-of lookup,
    an index seek followed by LIMIT 1
  - idx_facts_lookup: facts by table, natural key, event date

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. WithTx holds the write lock for the
  duration of the sql.Tx and every statement inside it runs on that Tx.

VALUE ENCODING:
  Dates are stored as YYYY-MM-DD text so they sort correctly. Field maps are
  stored as JSON objects of canonical strings. attrs_hash is hex text since
  SQLite integers are signed.

USAGE:
  store, err := sqlite.New("./data/warehouse.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  coord := warehouse.NewCoordinator(store, catalog, fees)

SEE ALSO:
  - warehouse/store.go: Interface definitions
  - warehouse/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/warehouse-engine/warehouse"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Dimension versions (SCD Type 2)
	CREATE TABLE IF NOT EXISTS dim_versions (
		surrogate_key INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		natural_key TEXT NOT NULL,
		attributes_json TEXT NOT NULL,
		info_json TEXT NOT NULL,
		valid_from TEXT NOT NULL,
		valid_to TEXT,
		is_current INTEGER NOT NULL,
		attrs_hash TEXT NOT NULL,
		batch_id TEXT,
		created_at TEXT NOT NULL,
		CHECK (valid_to IS NULL OR valid_to > valid_from),
		CHECK ((is_current = 1) = (valid_to IS NULL))
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_dim_versions_current
		ON dim_versions(kind, natural_key) WHERE is_current = 1;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_dim_versions_chain
		ON dim_versions(kind, natural_key, valid_from);

	-- Facts (append-only)
	CREATE TABLE IF NOT EXISTS facts (
		id TEXT PRIMARY KEY,
		fact_table TEXT NOT NULL,
		natural_key TEXT NOT NULL,
		event_date TEXT NOT NULL,
		keys_json TEXT NOT NULL,
		natural_keys_json TEXT NOT NULL,
		measures_json TEXT NOT NULL,
		idempotency_key TEXT UNIQUE,
		batch_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_facts_lookup
		ON facts(fact_table, natural_key, event_date);

	-- Batch runs
	CREATE TABLE IF NOT EXISTS batch_runs (
		id TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		as_of TEXT NOT NULL,
		status TEXT NOT NULL,
		counts_json TEXT NOT NULL,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_batch_runs_started
		ON batch_runs(started_at);

	-- Streams not yet accepted by the sink
	CREATE TABLE IF NOT EXISTS sink_outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id TEXT NOT NULL UNIQUE,
		payload_json TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// STORE (warehouse.Store interface)
// =============================================================================

func (s *Store) Current(ctx context.Context, key warehouse.EntityKey) (warehouse.DimensionVersion, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{q: s.db}.current(ctx, key)
}

func (s *Store) AsOf(ctx context.Context, key warehouse.EntityKey, at warehouse.Date) (warehouse.DimensionVersion, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{q: s.db}.asOf(ctx, key, at)
}

func (s *Store) History(ctx context.Context, key warehouse.EntityKey) ([]warehouse.DimensionVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{q: s.db}.history(ctx, key)
}

func (s *Store) FactExists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{q: s.db}.factExists(ctx, idempotencyKey)
}

func (s *Store) Facts(ctx context.Context, filter warehouse.FactFilter) ([]warehouse.FactRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return conn{q: s.db}.facts(ctx, filter)
}

// Writes outside WithTx run in their own transaction.

func (s *Store) InsertVersion(ctx context.Context, v warehouse.DimensionVersion) (out warehouse.DimensionVersion, err error) {
	err = s.WithTx(ctx, func(tx warehouse.Store) error {
		out, err = tx.InsertVersion(ctx, v)
		return err
	})
	return out, err
}

func (s *Store) CloseVersion(ctx context.Context, sk warehouse.SurrogateKey, at warehouse.Date) (out warehouse.DimensionVersion, err error) {
	err = s.WithTx(ctx, func(tx warehouse.Store) error {
		out, err = tx.CloseVersion(ctx, sk, at)
		return err
	})
	return out, err
}

func (s *Store) TouchVersion(ctx context.Context, sk warehouse.SurrogateKey, info warehouse.Fields) (out warehouse.DimensionVersion, err error) {
	err = s.WithTx(ctx, func(tx warehouse.Store) error {
		out, err = tx.TouchVersion(ctx, sk, info)
		return err
	})
	return out, err
}

// AppendFacts adds multiple facts atomically.
func (s *Store) AppendFacts(ctx context.Context, facts []warehouse.FactRecord) error {
	return s.WithTx(ctx, func(tx warehouse.Store) error {
		return tx.AppendFacts(ctx, facts)
	})
}

// =============================================================================
// TRANSACTIONAL STORE (warehouse.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store warehouse.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{conn: conn{q: sqlTx}}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every statement on the open sql.Tx.
type txStore struct {
	conn
}

func (ts *txStore) Current(ctx context.Context, key warehouse.EntityKey) (warehouse.DimensionVersion, bool, error) {
	return ts.current(ctx, key)
}

func (ts *txStore) AsOf(ctx context.Context, key warehouse.EntityKey, at warehouse.Date) (warehouse.DimensionVersion, bool, error) {
	return ts.asOf(ctx, key, at)
}

func (ts *txStore) History(ctx context.Context, key warehouse.EntityKey) ([]warehouse.DimensionVersion, error) {
	return ts.history(ctx, key)
}

func (ts *txStore) InsertVersion(ctx context.Context, v warehouse.DimensionVersion) (warehouse.DimensionVersion, error) {
	return ts.insertVersion(ctx, v)
}

func (ts *txStore) CloseVersion(ctx context.Context, sk warehouse.SurrogateKey, at warehouse.Date) (warehouse.DimensionVersion, error) {
	return ts.closeVersion(ctx, sk, at)
}

func (ts *txStore) TouchVersion(ctx context.Context, sk warehouse.SurrogateKey, info warehouse.Fields) (warehouse.DimensionVersion, error) {
	return ts.touchVersion(ctx, sk, info)
}

func (ts *txStore) AppendFacts(ctx context.Context, facts []warehouse.FactRecord) error {
	return ts.appendFacts(ctx, facts)
}

func (ts *txStore) FactExists(ctx context.Context, idempotencyKey string) (bool, error) {
	return ts.factExists(ctx, idempotencyKey)
}

func (ts *txStore) Facts(ctx context.Context, filter warehouse.FactFilter) ([]warehouse.FactRecord, error) {
	return ts.facts(ctx, filter)
}

// =============================================================================
// STATEMENTS - Shared by *sql.DB reads and *sql.Tx views
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type conn struct {
	q querier
}

const versionColumns = `surrogate_key, kind, natural_key, attributes_json, info_json,
	valid_from, valid_to, is_current, attrs_hash, batch_id, created_at`

func (c conn) current(ctx context.Context, key warehouse.EntityKey) (warehouse.DimensionVersion, bool, error) {
	query := `SELECT ` + versionColumns + ` FROM dim_versions
		WHERE kind = ? AND natural_key = ? AND is_current = 1`
	return c.queryOneVersion(ctx, query, key.Kind, key.NaturalKey)
}

func (c conn) asOf(ctx context.Context, key warehouse.EntityKey, at warehouse.Date) (warehouse.DimensionVersion, bool, error) {
	query := `SELECT ` + versionColumns + ` FROM dim_versions
		WHERE kind = ? AND natural_key = ? AND valid_from <= ?
		ORDER BY valid_from DESC
		LIMIT 1`
	v, ok, err := c.queryOneVersion(ctx, query, key.Kind, key.NaturalKey, at.String())
	if err != nil || !ok {
		return v, ok, err
	}
	if !v.Validity.Contains(at) {
		return warehouse.DimensionVersion{}, false, nil
	}
	return v, true, nil
}

func (c conn) history(ctx context.Context, key warehouse.EntityKey) ([]warehouse.DimensionVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM dim_versions
		WHERE kind = ? AND natural_key = ?
		ORDER BY valid_from ASC`
	rows, err := c.q.QueryContext(ctx, query, key.Kind, key.NaturalKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	defer rows.Close()

	var versions []warehouse.DimensionVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (c conn) version(ctx context.Context, sk warehouse.SurrogateKey) (warehouse.DimensionVersion, bool, error) {
	query := `SELECT ` + versionColumns + ` FROM dim_versions WHERE surrogate_key = ?`
	return c.queryOneVersion(ctx, query, sk)
}

func (c conn) queryOneVersion(ctx context.Context, query string, args ...any) (warehouse.DimensionVersion, bool, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return warehouse.DimensionVersion{}, false, fmt.Errorf("failed to query version: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return warehouse.DimensionVersion{}, false, rows.Err()
	}
	v, err := scanVersion(rows)
	if err != nil {
		return warehouse.DimensionVersion{}, false, err
	}
	return v, true, nil
}

func (c conn) insertVersion(ctx context.Context, v warehouse.DimensionVersion) (warehouse.DimensionVersion, error) {
	attrsJSON, err := json.Marshal(v.Attributes.Canonicalize())
	if err != nil {
		return warehouse.DimensionVersion{}, err
	}
	infoJSON, err := json.Marshal(v.Info.Canonicalize())
	if err != nil {
		return warehouse.DimensionVersion{}, err
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO dim_versions
		(kind, natural_key, attributes_json, info_json, valid_from, valid_to,
		 is_current, attrs_hash, batch_id, created_at)
		VALUES (?, ?, ?, ?, ?, NULL, 1, ?, ?, ?)
	`
	res, err := c.q.ExecContext(ctx, query,
		v.Kind,
		v.NaturalKey,
		string(attrsJSON),
		string(infoJSON),
		v.Validity.From.String(),
		strconv.FormatUint(v.AttrsHash, 16),
		nullString(string(v.BatchID)),
		v.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return warehouse.DimensionVersion{}, fmt.Errorf("%w: %s: %v", warehouse.ErrConcurrentSupersession, v.Key(), err)
		}
		return warehouse.DimensionVersion{}, fmt.Errorf("failed to insert version: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return warehouse.DimensionVersion{}, err
	}
	v.SurrogateKey = warehouse.SurrogateKey(id)
	v.IsCurrent = true
	v.Validity.To = nil
	v.Attributes = warehouse.FieldsFromStrings(v.Attributes.Canonicalize())
	v.Info = warehouse.FieldsFromStrings(v.Info.Canonicalize())
	return v, nil
}

func (c conn) closeVersion(ctx context.Context, sk warehouse.SurrogateKey, at warehouse.Date) (warehouse.DimensionVersion, error) {
	res, err := c.q.ExecContext(ctx, `
		UPDATE dim_versions SET valid_to = ?, is_current = 0
		WHERE surrogate_key = ? AND is_current = 1 AND valid_from < ?
	`, at.String(), sk, at.String())
	if err != nil {
		return warehouse.DimensionVersion{}, fmt.Errorf("failed to close version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return warehouse.DimensionVersion{}, c.explainMiss(ctx, sk, &at)
	}

	v, _, err := c.version(ctx, sk)
	return v, err
}

func (c conn) touchVersion(ctx context.Context, sk warehouse.SurrogateKey, info warehouse.Fields) (warehouse.DimensionVersion, error) {
	infoJSON, err := json.Marshal(info.Canonicalize())
	if err != nil {
		return warehouse.DimensionVersion{}, err
	}
	res, err := c.q.ExecContext(ctx, `
		UPDATE dim_versions SET info_json = ?
		WHERE surrogate_key = ? AND is_current = 1
	`, string(infoJSON), sk)
	if err != nil {
		return warehouse.DimensionVersion{}, fmt.Errorf("failed to touch version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return warehouse.DimensionVersion{}, c.explainMiss(ctx, sk, nil)
	}

	v, _, err := c.version(ctx, sk)
	return v, err
}

// explainMiss turns a zero-row UPDATE into the matching error.
func (c conn) explainMiss(ctx context.Context, sk warehouse.SurrogateKey, closeAt *warehouse.Date) error {
	v, ok, err := c.version(ctx, sk)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d", warehouse.ErrVersionNotFound, sk)
	}
	if !v.IsCurrent {
		return fmt.Errorf("%w: version %d of %s is closed", warehouse.ErrConcurrentSupersession, sk, v.Key())
	}
	if closeAt != nil {
		return &warehouse.OutOfOrderEffectiveDateError{
			Key: v.Key(), EffectiveDate: *closeAt, OpenFrom: v.Validity.From, Reason: "close would create an empty interval",
		}
	}
	return fmt.Errorf("failed to update version %d", sk)
}

func (c conn) appendFacts(ctx context.Context, facts []warehouse.FactRecord) error {
	// Check for duplicate idempotency keys within the batch first
	seen := make(map[string]bool)
	for _, f := range facts {
		if f.IdempotencyKey != "" {
			if seen[f.IdempotencyKey] {
				return warehouse.ErrDuplicateIdempotencyKey
			}
			seen[f.IdempotencyKey] = true
		}
	}

	query := `
		INSERT INTO facts
		(id, fact_table, natural_key, event_date, keys_json, natural_keys_json,
		 measures_json, idempotency_key, batch_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, f := range facts {
		keysJSON, err := json.Marshal(f.Keys)
		if err != nil {
			return err
		}
		nkJSON, err := json.Marshal(f.NaturalKeys)
		if err != nil {
			return err
		}
		measures := make(map[string]string, len(f.Measures))
		for k, v := range f.Measures {
			measures[k] = v.String()
		}
		measuresJSON, err := json.Marshal(measures)
		if err != nil {
			return err
		}
		createdAt := f.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}

		_, err = c.q.ExecContext(ctx, query,
			f.ID,
			f.Table,
			f.NaturalKey,
			f.EventDate.String(),
			string(keysJSON),
			string(nkJSON),
			string(measuresJSON),
			nullString(f.IdempotencyKey),
			nullString(string(f.BatchID)),
			createdAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return warehouse.ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("failed to append fact: %w", err)
		}
	}
	return nil
}

func (c conn) factExists(ctx context.Context, idempotencyKey string) (bool, error) {
	var count int
	err := c.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM facts WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)
	return count > 0, err
}

func (c conn) facts(ctx context.Context, filter warehouse.FactFilter) ([]warehouse.FactRecord, error) {
	var where []string
	var args []any
	if filter.Table != "" {
		where = append(where, "fact_table = ?")
		args = append(args, filter.Table)
	}
	if filter.NaturalKey != "" {
		where = append(where, "natural_key = ?")
		args = append(args, filter.NaturalKey)
	}
	if filter.From != nil {
		where = append(where, "event_date >= ?")
		args = append(args, filter.From.String())
	}
	if filter.To != nil {
		where = append(where, "event_date <= ?")
		args = append(args, filter.To.String())
	}

	query := `
		SELECT id, fact_table, natural_key, event_date, keys_json, natural_keys_json,
		       measures_json, idempotency_key, batch_id, created_at
		FROM facts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY event_date ASC, rowid ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query facts: %w", err)
	}
	defer rows.Close()

	var facts []warehouse.FactRecord
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

func scanVersion(rows *sql.Rows) (warehouse.DimensionVersion, error) {
	var (
		v          warehouse.DimensionVersion
		attrsJSON  string
		infoJSON   string
		validFrom  string
		validTo    sql.NullString
		isCurrent  int
		attrsHash  string
		batchID    sql.NullString
		createdAt  string
		attributes map[string]string
		info       map[string]string
	)

	err := rows.Scan(
		&v.SurrogateKey, &v.Kind, &v.NaturalKey, &attrsJSON, &infoJSON,
		&validFrom, &validTo, &isCurrent, &attrsHash, &batchID, &createdAt,
	)
	if err != nil {
		return v, fmt.Errorf("failed to scan version: %w", err)
	}

	if err := json.Unmarshal([]byte(attrsJSON), &attributes); err != nil {
		return v, fmt.Errorf("version %d attributes: %w", v.SurrogateKey, err)
	}
	if err := json.Unmarshal([]byte(infoJSON), &info); err != nil {
		return v, fmt.Errorf("version %d info: %w", v.SurrogateKey, err)
	}
	v.Attributes = warehouse.FieldsFromStrings(attributes)
	v.Info = warehouse.FieldsFromStrings(info)

	from, err := warehouse.ParseDate(validFrom)
	if err != nil {
		return v, err
	}
	v.Validity = warehouse.OpenFrom(from)
	if validTo.Valid {
		to, err := warehouse.ParseDate(validTo.String)
		if err != nil {
			return v, err
		}
		v.Validity = v.Validity.Close(to)
	}
	v.IsCurrent = isCurrent == 1
	v.AttrsHash, _ = strconv.ParseUint(attrsHash, 16, 64)
	v.BatchID = warehouse.BatchID(batchID.String)
	v.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return v, nil
}

func scanFact(rows *sql.Rows) (warehouse.FactRecord, error) {
	var (
		f              warehouse.FactRecord
		eventDate      string
		keysJSON       string
		nkJSON         string
		measuresJSON   string
		idempotencyKey sql.NullString
		batchID        sql.NullString
		createdAt      string
		measures       map[string]string
	)

	err := rows.Scan(
		&f.ID, &f.Table, &f.NaturalKey, &eventDate, &keysJSON, &nkJSON,
		&measuresJSON, &idempotencyKey, &batchID, &createdAt,
	)
	if err != nil {
		return f, fmt.Errorf("failed to scan fact: %w", err)
	}

	if f.EventDate, err = warehouse.ParseDate(eventDate); err != nil {
		return f, err
	}
	if err := json.Unmarshal([]byte(keysJSON), &f.Keys); err != nil {
		return f, fmt.Errorf("fact %s keys: %w", f.ID, err)
	}
	if err := json.Unmarshal([]byte(nkJSON), &f.NaturalKeys); err != nil {
		return f, fmt.Errorf("fact %s natural keys: %w", f.ID, err)
	}
	if err := json.Unmarshal([]byte(measuresJSON), &measures); err != nil {
		return f, fmt.Errorf("fact %s measures: %w", f.ID, err)
	}
	f.Measures = make(map[string]decimal.Decimal, len(measures))
	for k, v := range measures {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return f, fmt.Errorf("fact %s measure %s: %w", f.ID, k, err)
		}
		f.Measures[k] = d
	}
	f.IdempotencyKey = idempotencyKey.String
	f.BatchID = warehouse.BatchID(batchID.String)
	f.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return f, nil
}

// =============================================================================
// BATCH LOG (warehouse.BatchLog interface)
// =============================================================================

// SaveBatchRun inserts or updates a batch run.
func (s *Store) SaveBatchRun(ctx context.Context, r warehouse.BatchRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	countsJSON, err := json.Marshal(r.Counts)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO batch_runs (id, fingerprint, as_of, status, counts_json, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			counts_json = excluded.counts_json,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	var completedAt *string
	if r.CompletedAt != nil {
		s := r.CompletedAt.UTC().Format(time.RFC3339Nano)
		completedAt = &s
	}

	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.Fingerprint, r.AsOf.String(), r.Status, string(countsJSON),
		nullString(r.Error), r.StartedAt.UTC().Format(time.RFC3339Nano), completedAt,
	)
	return err
}

// GetBatchRun returns one batch run or warehouse.ErrBatchNotFound.
func (s *Store) GetBatchRun(ctx context.Context, id warehouse.BatchID) (*warehouse.BatchRun, error) {
	runs, err := s.queryRuns(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, warehouse.ErrBatchNotFound
	}
	return &runs[0], nil
}

// ListBatchRuns returns batch runs, newest first.
func (s *Store) ListBatchRuns(ctx context.Context, limit int) ([]warehouse.BatchRun, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRuns(ctx, `ORDER BY started_at DESC LIMIT ?`, limit)
}

func (s *Store) queryRuns(ctx context.Context, clause string, args ...any) ([]warehouse.BatchRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, fingerprint, as_of, status, counts_json, error, started_at, completed_at
		FROM batch_runs ` + clause

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []warehouse.BatchRun
	for rows.Next() {
		var (
			r           warehouse.BatchRun
			asOf        string
			countsJSON  string
			runErr      sql.NullString
			startedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Fingerprint, &asOf, &r.Status, &countsJSON, &runErr, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		r.AsOf, _ = warehouse.ParseDate(asOf)
		if err := json.Unmarshal([]byte(countsJSON), &r.Counts); err != nil {
			return nil, fmt.Errorf("batch run %s counts: %w", r.ID, err)
		}
		r.Error = runErr.String
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// =============================================================================
// SINK OUTBOX (warehouse.SinkOutbox interface)
// =============================================================================

type outboxPayload struct {
	Events []warehouse.VersionEvent `json:"events"`
	Facts  []warehouse.FactRecord   `json:"facts"`
}

// SavePendingSink inserts or replaces a batch's unsent stream. A replaced
// row keeps its position.
func (s *Store) SavePendingSink(ctx context.Context, p warehouse.PendingSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := outboxPayload{
		Events: make([]warehouse.VersionEvent, len(p.Events)),
		Facts:  p.Facts,
	}
	for i, ev := range p.Events {
		ev.Version.Attributes = warehouse.FieldsFromStrings(ev.Version.Attributes.Canonicalize())
		ev.Version.Info = warehouse.FieldsFromStrings(ev.Version.Info.Canonicalize())
		payload.Events[i] = ev
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode pending sink %s: %w", p.BatchID, err)
	}

	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sink_outbox (batch_id, payload_json, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(batch_id) DO UPDATE SET
			payload_json = excluded.payload_json,
			attempts = excluded.attempts,
			last_error = excluded.last_error
	`, p.BatchID, string(payloadJSON), p.Attempts, nullString(p.LastError), createdAt.UTC().Format(time.RFC3339Nano))
	return err
}

// PendingSinks returns unsent streams in the order they were first saved.
func (s *Store) PendingSinks(ctx context.Context) ([]warehouse.PendingSink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_id, payload_json, attempts, last_error, created_at
		FROM sink_outbox ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []warehouse.PendingSink
	for rows.Next() {
		var (
			p           warehouse.PendingSink
			payloadJSON string
			lastError   sql.NullString
			createdAt   string
		)
		if err := rows.Scan(&p.BatchID, &payloadJSON, &p.Attempts, &lastError, &createdAt); err != nil {
			return nil, err
		}
		var payload outboxPayload
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("pending sink %s: %w", p.BatchID, err)
		}
		p.Events = payload.Events
		p.Facts = payload.Facts
		p.LastError = lastError.String
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

func (s *Store) ClearPendingSink(ctx context.Context, batch warehouse.BatchID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM sink_outbox WHERE batch_id = ?`, batch)
	return err
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
