// Package postgres records processed crawl targets in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/statecrawler/internal/session"
)

// DefaultTable receives rows when no table is configured.
const DefaultTable = "crawl_targets"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the connection pool.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// TargetStore writes one row per processed target. It implements
// session.Recorder.
type TargetStore struct {
	pool  execCloser
	table string
	runID string
}

// Open connects to Postgres and returns a store tagging rows with runID.
func Open(ctx context.Context, cfg Config, runID string) (*TargetStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(pool, cfg.Table, runID)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool builds a store over an existing pool.
func NewWithPool(pool execCloser, table, runID string) (*TargetStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &TargetStore{pool: pool, table: table, runID: runID}, nil
}

// Close releases the pool.
func (s *TargetStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the target table when it does not exist.
func (s *TargetStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id       TEXT        NOT NULL,
	target_hash  TEXT        NOT NULL,
	url          TEXT        NOT NULL,
	interaction  BOOLEAN     NOT NULL,
	click_path   JSONB       NOT NULL,
	outcome      TEXT        NOT NULL,
	final_url    TEXT,
	loaded       BOOLEAN     NOT NULL,
	discovered   INTEGER     NOT NULL,
	duration_ms  BIGINT      NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, target_hash)
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// RecordTarget inserts r. A repeated hash within the run overwrites the row.
func (s *TargetStore) RecordTarget(ctx context.Context, r session.Record) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("target store is not configured")
	}
	if r.Hash == "" {
		return fmt.Errorf("target hash is required")
	}
	path := r.ClickPath
	if path == nil {
		path = []int{}
	}
	pathJSON, err := json.Marshal(path)
	if err != nil {
		return fmt.Errorf("marshal click path: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	target_hash,
	url,
	interaction,
	click_path,
	outcome,
	final_url,
	loaded,
	discovered,
	duration_ms,
	processed_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
ON CONFLICT (run_id, target_hash) DO UPDATE SET
	outcome = EXCLUDED.outcome,
	final_url = EXCLUDED.final_url,
	loaded = EXCLUDED.loaded,
	discovered = EXCLUDED.discovered,
	duration_ms = EXCLUDED.duration_ms,
	processed_at = EXCLUDED.processed_at`, s.table)

	args := []any{
		s.runID,
		r.Hash,
		r.URL,
		r.Interaction,
		pathJSON,
		r.Outcome,
		r.FinalURL,
		r.Loaded,
		r.Discovered,
		r.Duration.Milliseconds(),
		r.ProcessedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert target: %w", err)
	}
	return nil
}
