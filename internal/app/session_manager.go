package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/rtcbridge/internal/bridge"
	"github.com/MrWong99/rtcbridge/internal/config"
	"github.com/MrWong99/rtcbridge/internal/resilience"
	"github.com/MrWong99/rtcbridge/pkg/history"
	"github.com/google/uuid"
)

// historyTimeout bounds each write to the run history.
const historyTimeout = 5 * time.Second

var (
	// ErrSessionActive is returned by [SessionManager.Start] while a session
	// is running.
	ErrSessionActive = errors.New("session: a session is already active")

	// ErrNoSession is returned by [SessionManager.Stop] when no session is
	// running.
	ErrNoSession = errors.New("session: no active session")
)

// Bridge is the part of [bridge.Session] the manager drives.
type Bridge interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() bridge.Status
}

var _ Bridge = (*bridge.Session)(nil)

// BuildFunc assembles a bridge session from cfg. The returned release
// function frees what the session was built on (output files, engine
// clients) and is called once the session is replaced or the manager is
// closed.
type BuildFunc func(cfg *config.Config) (b Bridge, release func() error, err error)

// SessionInfo holds metadata about the active session.
type SessionInfo struct {
	// RunID uniquely identifies one start/stop cycle.
	RunID string

	// Engine is the configured engine name.
	Engine string

	// RoomID is the room the session joined.
	RoomID string

	// StartedAt is when the session was started.
	StartedAt time.Time
}

// SessionManager manages the lifecycle of the bridge session.
// Only one session can be active at a time. Start, Stop, Reconfigure and
// Close are serialised; the accessors never wait for them.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	// opMu serialises lifecycle operations.
	opMu    sync.Mutex
	build   BuildFunc
	release func() error
	breaker *resilience.CircuitBreaker
	history history.Store

	mu     sync.Mutex
	cfg    *config.Config
	cur    Bridge
	active bool
	info   SessionInfo
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config *config.Config
	Build  BuildFunc

	// Breaker, when set, guards session starts. After repeated failed
	// starts further attempts fail fast with [resilience.ErrCircuitOpen]
	// until the breaker's reset timeout elapsed.
	Breaker *resilience.CircuitBreaker

	// History, when set, records every run. Failing history writes are
	// logged and never fail the lifecycle operation.
	History history.Store
}

// NewSessionManager creates a SessionManager with the given dependencies.
// The session itself is built lazily on the first Start.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		cfg:     cfg.Config,
		build:   cfg.Build,
		breaker: cfg.Breaker,
		history: cfg.History,
	}
}

// Start builds the session if needed and starts it. It blocks until the
// bridge joined its room or failed to.
//
// Returns [ErrSessionActive] if a session is already active.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.opMu.Lock()
	defer sm.opMu.Unlock()
	return sm.startLocked(ctx)
}

func (sm *SessionManager) startLocked(ctx context.Context) error {
	sm.mu.Lock()
	active, runID, cfg := sm.active, sm.info.RunID, sm.cfg
	sm.mu.Unlock()
	if active {
		return fmt.Errorf("%w (run_id=%s)", ErrSessionActive, runID)
	}

	runID = uuid.NewString()
	log := slog.With("run_id", runID, "engine", cfg.Engine.Name)

	var b Bridge
	start := func() error {
		var err error
		if b, err = sm.ensureBuilt(cfg); err != nil {
			return err
		}
		log.Info("session: starting")
		if err := b.Start(ctx); err != nil {
			return fmt.Errorf("session: start: %w", err)
		}
		return nil
	}
	var err error
	if sm.breaker != nil {
		err = sm.breaker.Execute(start)
	} else {
		err = start()
	}
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return fmt.Errorf("session: start: %w", err)
		}
		return err
	}

	info := SessionInfo{
		RunID:     runID,
		Engine:    cfg.Engine.Name,
		RoomID:    b.Status().RoomID,
		StartedAt: time.Now().UTC(),
	}
	if sm.history != nil {
		hctx, cancel := historyContext(ctx)
		err := sm.history.StartRun(hctx, history.Run{
			ID:        info.RunID,
			Engine:    info.Engine,
			RoomID:    info.RoomID,
			StartedAt: info.StartedAt,
		})
		cancel()
		if err != nil {
			log.Warn("session: record run failed", "err", err)
		}
	}
	sm.mu.Lock()
	sm.active = true
	sm.info = info
	sm.mu.Unlock()

	log.Info("session: started", "room_id", info.RoomID)
	return nil
}

// Stop gracefully ends the active session. The built session is kept and
// reused by the next Start.
//
// Returns [ErrNoSession] if no session is active. If the bridge reports
// [bridge.ErrStopIncomplete] the session stays active and Stop may be
// retried.
func (sm *SessionManager) Stop(ctx context.Context) error {
	sm.opMu.Lock()
	defer sm.opMu.Unlock()
	return sm.stopLocked(ctx)
}

func (sm *SessionManager) stopLocked(ctx context.Context) error {
	sm.mu.Lock()
	active, runID, b := sm.active, sm.info.RunID, sm.cur
	sm.mu.Unlock()
	if !active {
		return ErrNoSession
	}

	err := b.Stop(ctx)
	if errors.Is(err, bridge.ErrStopIncomplete) {
		slog.Warn("session: stop incomplete, session still active", "run_id", runID, "err", err)
		return fmt.Errorf("session: stop: %w", err)
	}

	sm.mu.Lock()
	sm.active = false
	sm.info = SessionInfo{}
	sm.mu.Unlock()

	if sm.history != nil {
		var stopErr string
		if err != nil {
			stopErr = err.Error()
		}
		hctx, cancel := historyContext(ctx)
		if herr := sm.history.EndRun(hctx, runID, time.Now().UTC(), stopErr); herr != nil {
			slog.Warn("session: record run end failed", "run_id", runID, "err", herr)
		}
		cancel()
	}

	if err != nil {
		slog.Warn("session: stop error", "run_id", runID, "err", err)
		return fmt.Errorf("session: stop: %w", err)
	}
	slog.Info("session: stopped", "run_id", runID)
	return nil
}

// Reconfigure replaces the config the session is built from. The current
// session is torn down and rebuilt; if it was running it is started again
// with the new config. The start breaker is reset.
func (sm *SessionManager) Reconfigure(ctx context.Context, cfg *config.Config) error {
	sm.opMu.Lock()
	defer sm.opMu.Unlock()

	wasActive := sm.IsActive()
	var errs []error
	if wasActive {
		if err := sm.stopLocked(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := sm.releaseLocked(); err != nil {
		errs = append(errs, err)
	}

	sm.mu.Lock()
	sm.cfg = cfg
	sm.mu.Unlock()
	if sm.breaker != nil {
		sm.breaker.Reset()
	}
	slog.Info("session: configuration replaced", "engine", cfg.Engine.Name, "restart", wasActive)

	if wasActive {
		if err := sm.startLocked(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close stops the active session, if any, and releases the built session.
func (sm *SessionManager) Close(ctx context.Context) error {
	sm.opMu.Lock()
	defer sm.opMu.Unlock()

	var errs []error
	if sm.IsActive() {
		if err := sm.stopLocked(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := sm.releaseLocked(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns metadata about the active session.
// Returns zero value if no session is active.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Config returns the config the session is built from.
func (sm *SessionManager) Config() *config.Config {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.cfg
}

// Status returns the bridge status of the current session.
func (sm *SessionManager) Status() bridge.Status {
	sm.mu.Lock()
	b := sm.cur
	sm.mu.Unlock()
	if b == nil {
		return bridge.Status{JoinState: bridge.JoinIdle}
	}
	return b.Status()
}

// History returns the run history, or nil if none is recorded.
func (sm *SessionManager) History() history.Store { return sm.history }

// historyContext detaches history writes from ctx so a cancelled request or
// shutdown still records the run end.
func historyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
}

func (sm *SessionManager) ensureBuilt(cfg *config.Config) (Bridge, error) {
	sm.mu.Lock()
	b := sm.cur
	sm.mu.Unlock()
	if b != nil {
		return b, nil
	}
	if sm.build == nil {
		return nil, errors.New("session: no session builder configured")
	}
	b, release, err := sm.build(cfg)
	if err != nil {
		return nil, fmt.Errorf("session: build: %w", err)
	}
	sm.release = release
	sm.mu.Lock()
	sm.cur = b
	sm.mu.Unlock()
	return b, nil
}

func (sm *SessionManager) releaseLocked() error {
	release := sm.release
	sm.release = nil
	sm.mu.Lock()
	sm.cur = nil
	sm.mu.Unlock()
	if release == nil {
		return nil
	}
	if err := release(); err != nil {
		return fmt.Errorf("session: release: %w", err)
	}
	return nil
}
