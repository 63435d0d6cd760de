// Package sqlite provides a SQLite-backed es.EventStore.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/codewandler/esbus/adapters/sqlite/migrations"
	"github.com/codewandler/esbus/core/es"
)

type Config struct {
	Log *slog.Logger
	// Path of the database file.
	Path string
}

// Store keeps the event log in one table. The autoincrement primary key is
// the global sequence, so it is assigned in the same transaction as the
// per-stream version check.
type Store struct {
	log *slog.Logger
	db  *sql.DB
}

// Open opens the database at cfg.Path and applies the embedded migrations.
// Writes take the database lock up front (BEGIN IMMEDIATE) and wait up to
// five seconds for it.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", es.ErrInvalidArgument)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	dsn := filepath.Clean(cfg.Path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{
		log: log.With(slog.String("store", "sqlite"), slog.String("path", cfg.Path)),
		db:  db,
	}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Append(
	ctx context.Context,
	streamID string,
	expected es.Version,
	events []es.Envelope,
) (*es.StoreAppendResult, error) {
	envs, err := es.PrepareAppend(streamID, expected, events)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM events WHERE stream_id = ?", streamID,
	).Scan(&current); err != nil {
		return nil, fmt.Errorf("read stream version: %w", err)
	}
	if es.Version(current) != expected {
		return nil, fmt.Errorf(
			"%w: stream %s is at version %d, expected %d",
			es.ErrConcurrencyConflict, streamID, current, expected,
		)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events (
	    event_id, stream_id, version, aggregate_type, event_type,
	    correlation_id, causation_id, actor, occurred_at, data
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	for i := range envs {
		e := &envs[i]
		res, err := stmt.ExecContext(ctx,
			e.ID, e.StreamID, int64(e.Version), e.AggregateType, e.Type,
			e.CorrelationID, e.CausationID, e.Actor, e.OccurredAt.UTC().UnixNano(), e.Data,
		)
		if err != nil {
			if isConstraintError(err) {
				return nil, fmt.Errorf("%w: stream %s: %w", es.ErrConcurrencyConflict, streamID, err)
			}
			return nil, fmt.Errorf("append event %d: %w", i, err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("read global seq: %w", err)
		}
		e.Seq = uint64(seq)
	}

	if err := tx.Commit(); err != nil {
		if isConstraintError(err) {
			return nil, fmt.Errorf("%w: stream %s: %w", es.ErrConcurrencyConflict, streamID, err)
		}
		return nil, fmt.Errorf("commit: %w", err)
	}

	last := envs[len(envs)-1]
	s.log.Debug(
		"append",
		slog.String("stream_id", streamID),
		slog.Uint64("last_seq", last.Seq),
		slog.Int("num_events", len(envs)),
	)
	return &es.StoreAppendResult{Version: last.Version, LastSeq: last.Seq, Committed: envs}, nil
}

const selectEvents = `SELECT global_seq, event_id, stream_id, version, aggregate_type, event_type,
       correlation_id, causation_id, actor, occurred_at, data
  FROM events`

func (s *Store) ReadStream(ctx context.Context, streamID string) iter.Seq2[es.Envelope, error] {
	return s.query(ctx, selectEvents+" WHERE stream_id = ? ORDER BY version", streamID)
}

func (s *Store) ReadAll(ctx context.Context, fromSeq uint64) iter.Seq2[es.Envelope, error] {
	return s.query(ctx, selectEvents+" WHERE global_seq >= ? ORDER BY global_seq", int64(fromSeq))
}

// query streams rows of one statement. The statement reads a single
// snapshot, so the sequence ends at the head seen when iteration started.
func (s *Store) query(ctx context.Context, q string, args ...any) iter.Seq2[es.Envelope, error] {
	return func(yield func(es.Envelope, error) bool) {
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			yield(es.Envelope{}, fmt.Errorf("query events: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			env, err := scanEnvelope(rows)
			if err != nil {
				yield(es.Envelope{}, err)
				return
			}
			if !yield(env, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(es.Envelope{}, fmt.Errorf("iterate events: %w", err))
		}
	}
}

func scanEnvelope(rows *sql.Rows) (es.Envelope, error) {
	var (
		env        es.Envelope
		seq        int64
		version    int64
		occurredAt int64
	)
	if err := rows.Scan(
		&seq, &env.ID, &env.StreamID, &version, &env.AggregateType, &env.Type,
		&env.CorrelationID, &env.CausationID, &env.Actor, &occurredAt, &env.Data,
	); err != nil {
		return env, fmt.Errorf("scan event: %w", err)
	}
	env.Seq = uint64(seq)
	env.Version = es.Version(version)
	env.OccurredAt = time.Unix(0, occurredAt).UTC()
	return env, nil
}

func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3lib.SQLITE_CONSTRAINT ||
		code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
		code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
}

var _ es.EventStore = (*Store)(nil)
