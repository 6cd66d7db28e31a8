// Package app wires the rtcbridge subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New assembles the session manager
// and the control server, Run starts the bridge session and serves HTTP until
// the context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithEngine,
// WithPipelines, etc.). When an option is not provided, New builds real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/rtcbridge/internal/bridge"
	"github.com/MrWong99/rtcbridge/internal/config"
	"github.com/MrWong99/rtcbridge/internal/message"
	"github.com/MrWong99/rtcbridge/internal/observe"
	"github.com/MrWong99/rtcbridge/internal/resilience"
	"github.com/MrWong99/rtcbridge/pkg/audio"
	"github.com/MrWong99/rtcbridge/pkg/audio/stream"
	"github.com/MrWong99/rtcbridge/pkg/history"
	"github.com/MrWong99/rtcbridge/pkg/rtc"
	"golang.org/x/sync/errgroup"
)

// serverShutdownTimeout bounds the graceful HTTP server shutdown.
const serverShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes of the rtcbridge daemon.
type App struct {
	cfg     *config.Config
	reg     *config.Registry
	metrics *observe.Metrics

	// wake raises recorder events from the control server.
	wake     *stream.Manual
	sessions *SessionManager

	handler http.Handler
	server  *http.Server

	// Injected overrides; nil means build from config.
	engine      rtc.Factory
	openCapture func() (audio.Capture, error)
	openRender  func() (audio.Render, error)
	tone        audio.TonePlayer
	messages    message.Processor
	breaker     *resilience.CircuitBreaker
	history     history.Store

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry sets the engine registry the session's engine is created from.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.reg = r }
}

// WithMetrics injects the metrics instruments instead of the global defaults.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithEngine injects an engine factory instead of creating one through the
// registry.
func WithEngine(f rtc.Factory) Option {
	return func(a *App) { a.engine = f }
}

// WithPipelines injects the capture and render openers instead of the
// file-backed pipelines built from the audio section.
func WithPipelines(openCapture func() (audio.Capture, error), openRender func() (audio.Render, error)) Option {
	return func(a *App) {
		a.openCapture = openCapture
		a.openRender = openRender
	}
}

// WithTonePlayer injects the prompt tone player.
func WithTonePlayer(p audio.TonePlayer) Option {
	return func(a *App) { a.tone = p }
}

// WithMessageProcessor sets the processor room messages are handed to.
// Defaults to logging them.
func WithMessageProcessor(p message.Processor) Option {
	return func(a *App) { a.messages = p }
}

// WithStartBreaker replaces the circuit breaker guarding session starts.
func WithStartBreaker(cb *resilience.CircuitBreaker) Option {
	return func(a *App) { a.breaker = cb }
}

// WithHistory sets the store runs and room messages are recorded in.
// Defaults to an in-memory store sized by the history section.
func WithHistory(s history.Store) Option {
	return func(a *App) { a.history = s }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. The bridge session is built lazily by the
// session manager, so New does not touch the engine or the audio files.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is nil")
	}
	a := &App{
		cfg:  cfg,
		wake: &stream.Manual{},
	}
	for _, o := range opts {
		o(a)
	}
	if a.reg == nil && a.engine == nil {
		return nil, errors.New("app: neither an engine registry nor an engine factory is configured")
	}
	if (a.openCapture == nil) != (a.openRender == nil) {
		return nil, errors.New("app: capture and render openers must be injected together")
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.messages == nil {
		a.messages = message.LogProcessor{}
	}
	if a.breaker == nil {
		a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "session-start",
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
			HalfOpenMax:  1,
		})
	}

	if a.history == nil {
		var maxRuns, maxMessages int
		if h := cfg.History; h != nil {
			maxRuns, maxMessages = h.MaxRuns, h.MaxMessages
		}
		a.history = history.NewMemoryStore(maxRuns, maxMessages)
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:  cfg,
		Build:   a.buildSession,
		Breaker: a.breaker,
		History: a.history,
	})
	a.handler = a.routes()

	if cfg.Server.ListenAddr != "" {
		a.server = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           a.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return a, nil
}

// buildSession is the [BuildFunc] of the app's session manager.
func (a *App) buildSession(cfg *config.Config) (Bridge, func() error, error) {
	bc, err := bridgeConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	creds, err := credentialSource(cfg.Credentials)
	if err != nil {
		return nil, nil, err
	}

	factory := a.engine
	if factory == nil {
		if factory, err = a.reg.CreateEngine(cfg.Engine); err != nil {
			return nil, nil, fmt.Errorf("create engine: %w", err)
		}
	}

	rec := &recorder{
		store: a.history,
		runID: func() string { return a.sessions.Info().RunID },
		now:   time.Now,
	}
	deps := bridge.Deps{
		Credentials: creds,
		Engine:      factory,
		OpenCapture: a.openCapture,
		OpenRender:  a.openRender,
		Recorder:    a.wake.Factory(),
		Tone:        a.tone,
		Messages:    message.Chain{a.messages, rec},
		Metrics:     a.metrics,
	}

	var release func() error
	if deps.OpenCapture == nil {
		p, err := openPipelines(cfg.Audio, bc.Codec)
		if err != nil {
			return nil, nil, err
		}
		deps.OpenCapture = p.openCapture
		deps.OpenRender = p.openRender
		if deps.Tone == nil {
			deps.Tone = p.tone
		}
		release = p.Close
	}

	sess, err := bridge.New(bc, deps)
	if err != nil {
		if release != nil {
			_ = release()
		}
		return nil, nil, err
	}
	return sess, release, nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the bridge session (unless auto start is disabled) and serves
// the control API. It blocks until ctx is cancelled and then returns
// context.Canceled (or the underlying cause). A failing initial start or a
// failing server ends Run early with that error.
func (a *App) Run(ctx context.Context) error {
	if autoStart(a.cfg) {
		if err := a.sessions.Start(ctx); err != nil {
			return fmt.Errorf("app: start session: %w", err)
		}
	} else {
		slog.Info("app: auto start disabled, waiting for a start request")
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.server != nil {
		g.Go(a.serve)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), serverShutdownTimeout)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	slog.Info("app: running", "engine", a.cfg.Engine.Name, "listen_addr", a.cfg.Server.ListenAddr)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// serve runs the control server until it is shut down.
func (a *App) serve() error {
	var err error
	if tls := a.cfg.Server.TLS; tls != nil {
		slog.Info("app: control server listening (TLS)", "addr", a.server.Addr)
		err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	} else {
		slog.Info("app: control server listening", "addr", a.server.Addr)
		err = a.server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("app: control server: %w", err)
}

// ApplyConfig applies a reloaded config. Changes to the sections the session
// is built from restart the session; server, Discord and history changes are
// logged and need a process restart. The log level is owned by the caller.
func (a *App) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	d := config.Diff(a.sessions.Config(), cfg)
	if d.ServerChanged {
		slog.Warn("app: server settings changed; restart the process to apply them")
	}
	if d.DiscordChanged {
		slog.Warn("app: discord settings changed; restart the process to apply them")
	}
	if d.HistoryChanged {
		slog.Warn("app: history settings changed; restart the process to apply them")
	}
	if !d.SessionRestartRequired() {
		return nil
	}
	slog.Info("app: session settings changed, rebuilding session",
		"credentials", d.CredentialsChanged,
		"engine", d.EngineChanged,
		"audio", d.AudioChanged,
		"bridge", d.BridgeChanged,
	)
	if err := a.sessions.Reconfigure(ctx, cfg); err != nil {
		return fmt.Errorf("app: apply config: %w", err)
	}
	return nil
}

// Wake raises a recorder event on the active session, as an on-device wake
// word engine would.
func (a *App) Wake(t audio.RecorderEventType) error {
	if err := a.wake.Fire(t); err != nil {
		return fmt.Errorf("app: wake %s: %w", t, err)
	}
	return nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Handler returns the control API handler.
func (a *App) Handler() http.Handler { return a.handler }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the active session and releases everything it was built on.
// It respects the context deadline through the session's own shutdown.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down")
		if err := a.sessions.Close(ctx); err != nil && !errors.Is(err, ErrNoSession) {
			slog.Warn("app: session close error", "err", err)
			shutdownErr = err
		}
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

func autoStart(cfg *config.Config) bool {
	return cfg.Bridge.AutoStart == nil || *cfg.Bridge.AutoStart
}
