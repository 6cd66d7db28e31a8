package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/rtcbridge/pkg/history"
	"github.com/MrWong99/rtcbridge/pkg/history/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if RTCBRIDGE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("RTCBRIDGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RTCBRIDGE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] on a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS run_messages CASCADE",
		"DROP TABLE IF EXISTS bridge_runs CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema: %v", err)
		}
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestNewStore_BadDSN(t *testing.T) {
	t.Parallel()
	if _, err := postgres.NewStore(t.Context(), "postgres://user@localhost:notaport/db"); err == nil {
		t.Fatal("expected error for malformed DSN")
	}
}

func TestStore_Runs(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	t0 := time.Now().UTC().Truncate(time.Microsecond)
	for i, id := range []string{"r1", "r2"} {
		run := history.Run{ID: id, Engine: "loopback", RoomID: "room", StartedAt: t0.Add(time.Duration(i) * time.Second)}
		if err := s.StartRun(ctx, run); err != nil {
			t.Fatalf("StartRun(%s): %v", id, err)
		}
	}
	if err := s.EndRun(ctx, "r1", t0.Add(time.Minute), "left"); err != nil {
		t.Fatalf("EndRun: %v", err)
	}
	if err := s.EndRun(ctx, "missing", t0, ""); !errors.Is(err, history.ErrRunNotFound) {
		t.Errorf("EndRun(missing) = %v, want ErrRunNotFound", err)
	}

	runs, err := s.Runs(ctx, 0)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "r2" || runs[1].ID != "r1" {
		t.Fatalf("Runs() = %+v, want [r2 r1]", runs)
	}
	if !runs[0].Active() {
		t.Error("r2 should still be active")
	}
	if runs[1].Active() || runs[1].StopError != "left" {
		t.Errorf("r1 = %+v, want ended with stop error", runs[1])
	}

	runs, _ = s.Runs(ctx, 1)
	if len(runs) != 1 {
		t.Errorf("Runs(1) len = %d, want 1", len(runs))
	}
}

func TestStore_Entries(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	t0 := time.Now().UTC().Truncate(time.Microsecond)
	if err := s.StartRun(ctx, history.Run{ID: "r", Engine: "wsrelay", StartedAt: t0}); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	for i, p := range []string{"one", "two", "three"} {
		e := history.Entry{RunID: "r", RoomID: "room", UserID: "u", Payload: []byte(p), ReceivedAt: t0.Add(time.Duration(i) * time.Millisecond)}
		if err := s.WriteEntry(ctx, e); err != nil {
			t.Fatalf("WriteEntry: %v", err)
		}
	}

	got, err := s.Entries(ctx, "r", 2)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(got) != 2 || string(got[0].Payload) != "two" || string(got[1].Payload) != "three" {
		t.Errorf("Entries(2) = %+v, want [two three]", got)
	}

	if _, err := s.Entries(ctx, "missing", 0); !errors.Is(err, history.ErrRunNotFound) {
		t.Errorf("Entries(missing) = %v, want ErrRunNotFound", err)
	}
}
