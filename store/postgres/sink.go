/*
Package postgres loads the engine's append-only output into a PostgreSQL
warehouse.

PURPOSE:
  The engine keeps its working state in the state store (sqlite or memory).
  After every batch the coordinator hands the new version events and fact
  rows to a Sink as a bounded, retried tail step. This package is that sink
  for PostgreSQL.

WRITE MODEL:
  One transaction per batch, statements pipelined with pgx.Batch:
  - version events are upserts keyed by surrogate key, so insert, close and
    touch events all converge on the final row state
  - facts are INSERT ... ON CONFLICT (idempotency_key) DO NOTHING, so a
    retried flush never duplicates a row

MIGRATIONS:
  Embedded goose migrations under migrations/.
*/
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"

	"github.com/warp/warehouse-engine/metrics"
	"github.com/warp/warehouse-engine/warehouse"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

type Config struct {
	URL           string `env:"URL"`
	MaxConns      int32  `env:"MAX_CONNS" envDefault:"10"`
	RunMigrations bool   `env:"RUN_MIGRATIONS" envDefault:"true"`
}

type Sink struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// Open connects to PostgreSQL and, if enabled, runs migrations.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Sink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres sink: URL is required")
	}

	if cfg.RunMigrations {
		if err := Migrate(cfg.URL); err != nil {
			return nil, err
		}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &Sink{pool: pool, log: log}, nil
}

// Migrate runs the embedded goose migrations.
func Migrate(connStr string) error {
	goose.SetBaseFS(EmbedMigrations)

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *Sink) Close() {
	s.pool.Close()
}

func (s *Sink) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const upsertVersion = `
	INSERT INTO dim_version
		(surrogate_key, kind, natural_key, attributes, info, valid_from, valid_to,
		 is_current, attrs_hash, batch_id, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (surrogate_key) DO UPDATE SET
		info = EXCLUDED.info,
		valid_to = EXCLUDED.valid_to,
		is_current = EXCLUDED.is_current`

const insertFact = `
	INSERT INTO fact
		(id, fact_table, natural_key, event_date, surrogate_keys, natural_keys,
		 measures, idempotency_key, batch_id, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (idempotency_key) DO NOTHING`

// Write implements warehouse.Sink.
func (s *Sink) Write(ctx context.Context, batch warehouse.BatchID, events []warehouse.VersionEvent, facts []warehouse.FactRecord) error {
	b := &pgx.Batch{}
	for _, e := range events {
		v := e.Version
		var validTo *time.Time
		if v.Validity.To != nil {
			t := v.Validity.To.Time()
			validTo = &t
		}
		b.Queue(upsertVersion,
			int64(v.SurrogateKey),
			string(v.Kind),
			string(v.NaturalKey),
			v.Attributes.Canonicalize(),
			v.Info.Canonicalize(),
			v.Validity.From.Time(),
			validTo,
			v.IsCurrent,
			fmt.Sprintf("%x", v.AttrsHash),
			string(v.BatchID),
			v.CreatedAt,
		)
	}
	for _, f := range facts {
		measures := make(map[string]string, len(f.Measures))
		for k, m := range f.Measures {
			measures[k] = m.String()
		}
		b.Queue(insertFact,
			string(f.ID),
			string(f.Table),
			string(f.NaturalKey),
			f.EventDate.Time(),
			f.Keys,
			f.NaturalKeys,
			measures,
			f.IdempotencyKey,
			string(f.BatchID),
			f.CreatedAt,
		)
	}
	if b.Len() == 0 {
		return nil
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, b).Close()
	})
	if err != nil {
		return fmt.Errorf("postgres sink batch %s: %w", batch, err)
	}

	metrics.SinkRowsTotal.WithLabelValues("version_event").Add(float64(len(events)))
	metrics.SinkRowsTotal.WithLabelValues("fact").Add(float64(len(facts)))
	s.log.Info("flushed batch to warehouse", "batch_id", batch, "version_events", len(events), "facts", len(facts))
	return nil
}

// VersionRow is the warehouse copy of a dimension version.
type VersionRow struct {
	SurrogateKey int64
	ValidFrom    time.Time
	ValidTo      *time.Time
	IsCurrent    bool
	Attributes   map[string]string
}

// Versions reads a natural key's chain back from the warehouse.
func (s *Sink) Versions(ctx context.Context, key warehouse.EntityKey) ([]VersionRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT surrogate_key, valid_from, valid_to, is_current, attributes
		FROM dim_version
		WHERE kind = $1 AND natural_key = $2
		ORDER BY valid_from`, string(key.Kind), string(key.NaturalKey))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (VersionRow, error) {
		var r VersionRow
		err := row.Scan(&r.SurrogateKey, &r.ValidFrom, &r.ValidTo, &r.IsCurrent, &r.Attributes)
		return r, err
	})
}

// FactCount returns the number of rows in a fact table.
func (s *Sink) FactCount(ctx context.Context, table warehouse.FactTable) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM fact WHERE fact_table = $1`, string(table)).Scan(&n)
	return n, err
}
