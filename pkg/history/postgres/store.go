package postgres

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/rtcbridge/pkg/history"
)

var _ history.Store = (*Store)(nil)

// Store is a [history.Store] backed by PostgreSQL.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// StartRun implements [history.Store].
func (s *Store) StartRun(ctx context.Context, run history.Run) error {
	const q = `
		INSERT INTO bridge_runs (id, engine, room_id, started_at)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.pool.Exec(ctx, q, run.ID, run.Engine, run.RoomID, run.StartedAt); err != nil {
		return fmt.Errorf("history store: start run: %w", err)
	}
	return nil
}

// EndRun implements [history.Store].
func (s *Store) EndRun(ctx context.Context, runID string, endedAt time.Time, stopErr string) error {
	const q = `
		UPDATE bridge_runs
		SET    ended_at = $2, stop_error = $3
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, runID, endedAt, stopErr)
	if err != nil {
		return fmt.Errorf("history store: end run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return history.ErrRunNotFound
	}
	return nil
}

// WriteEntry implements [history.Store].
func (s *Store) WriteEntry(ctx context.Context, entry history.Entry) error {
	const q = `
		INSERT INTO run_messages (run_id, room_id, user_id, payload, binary_data, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	payload := entry.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.pool.Exec(ctx, q,
		entry.RunID,
		entry.RoomID,
		entry.UserID,
		payload,
		entry.Binary,
		entry.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("history store: write entry: %w", err)
	}
	return nil
}

// Runs implements [history.Store].
func (s *Store) Runs(ctx context.Context, limit int) ([]history.Run, error) {
	q := `
		SELECT id, engine, room_id, started_at, ended_at, stop_error
		FROM   bridge_runs
		ORDER  BY started_at DESC, id`
	var args []any
	if limit > 0 {
		q += "\nLIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history store: runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Run, error) {
		var (
			r     history.Run
			ended *time.Time
		)
		if err := row.Scan(&r.ID, &r.Engine, &r.RoomID, &r.StartedAt, &ended, &r.StopError); err != nil {
			return history.Run{}, err
		}
		if ended != nil {
			r.EndedAt = *ended
		}
		return r, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history store: scan runs: %w", err)
	}
	if runs == nil {
		runs = []history.Run{}
	}
	return runs, nil
}

// Entries implements [history.Store].
func (s *Store) Entries(ctx context.Context, runID string, limit int) ([]history.Entry, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM bridge_runs WHERE id = $1)`, runID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("history store: entries: %w", err)
	}
	if !exists {
		return nil, history.ErrRunNotFound
	}

	q := `
		SELECT run_id, room_id, user_id, payload, binary_data, received_at
		FROM   run_messages
		WHERE  run_id = $1
		ORDER  BY received_at DESC, id DESC`
	args := []any{runID}
	if limit > 0 {
		q += "\nLIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("history store: entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Entry, error) {
		var e history.Entry
		err := row.Scan(&e.RunID, &e.RoomID, &e.UserID, &e.Payload, &e.Binary, &e.ReceivedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("history store: scan entries: %w", err)
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	// Newest first from the query; callers get chronological order.
	slices.Reverse(entries)
	return entries, nil
}
