// Package postgres provides a PostgreSQL-backed [history.Store].
//
// Runs and their room messages live in two tables sharing one
// [pgxpool.Pool]. [Migrate] creates them on first use.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.StartRun(ctx, history.Run{ID: runID, Engine: "wsrelay"})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlRuns = `
CREATE TABLE IF NOT EXISTS bridge_runs (
    id          TEXT         PRIMARY KEY,
    engine      TEXT         NOT NULL,
    room_id     TEXT         NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at    TIMESTAMPTZ,
    stop_error  TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_bridge_runs_started_at
    ON bridge_runs (started_at);
`

const ddlRunMessages = `
CREATE TABLE IF NOT EXISTS run_messages (
    id           BIGSERIAL    PRIMARY KEY,
    run_id       TEXT         NOT NULL REFERENCES bridge_runs (id) ON DELETE CASCADE,
    room_id      TEXT         NOT NULL DEFAULT '',
    user_id      TEXT         NOT NULL DEFAULT '',
    payload      BYTEA        NOT NULL,
    binary_data  BOOLEAN      NOT NULL DEFAULT false,
    received_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_run_messages_run_received
    ON run_messages (run_id, received_at);
`

// Migrate creates the history tables if they do not exist. It is idempotent
// and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlRuns, ddlRunMessages} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
