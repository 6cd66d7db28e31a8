// Package history records bridge runs and the room messages received while
// they were active.
//
// A run is one start/stop cycle of a bridge session, identified by its run
// ID. [Store] is implemented in memory by [MemoryStore] and on PostgreSQL by
// the postgres subpackage.
package history

import (
	"context"
	"errors"
	"time"
)

// ErrRunNotFound is returned when a run ID is unknown to the store.
var ErrRunNotFound = errors.New("history: run not found")

// Run describes one start/stop cycle of a bridge session.
type Run struct {
	// ID is the run ID assigned when the session started.
	ID string `json:"id"`

	// Engine is the configured engine name.
	Engine string `json:"engine"`

	// RoomID is the room the session joined.
	RoomID string `json:"room_id"`

	// StartedAt is when the session joined its room.
	StartedAt time.Time `json:"started_at"`

	// EndedAt is when the session stopped. Zero while the run is active.
	EndedAt time.Time `json:"ended_at,omitzero"`

	// StopError is the error the stop reported, if any.
	StopError string `json:"stop_error,omitempty"`
}

// Active reports whether the run has not ended yet.
func (r Run) Active() bool { return r.EndedAt.IsZero() }

// Entry is one room message received during a run.
type Entry struct {
	RunID      string    `json:"run_id"`
	RoomID     string    `json:"room_id"`
	UserID     string    `json:"user_id"`
	Payload    []byte    `json:"payload"`
	Binary     bool      `json:"binary"`
	ReceivedAt time.Time `json:"received_at"`
}

// Store persists runs and their entries.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// StartRun records a new run.
	StartRun(ctx context.Context, run Run) error

	// EndRun marks runID as ended. Returns [ErrRunNotFound] for unknown runs.
	EndRun(ctx context.Context, runID string, endedAt time.Time, stopErr string) error

	// WriteEntry appends a message to its run.
	WriteEntry(ctx context.Context, entry Entry) error

	// Runs returns up to limit runs, newest first. limit <= 0 means all.
	Runs(ctx context.Context, limit int) ([]Run, error)

	// Entries returns up to limit of the most recent entries of runID in
	// chronological order. limit <= 0 means all. Returns [ErrRunNotFound]
	// for unknown runs.
	Entries(ctx context.Context, runID string, limit int) ([]Entry, error)
}
