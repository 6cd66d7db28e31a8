package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/rtcbridge/internal/credential"
	"github.com/MrWong99/rtcbridge/internal/message"
	"github.com/MrWong99/rtcbridge/internal/observe"
	"github.com/MrWong99/rtcbridge/pkg/audio"
	"github.com/MrWong99/rtcbridge/pkg/rtc"
)

// Default timings.
const (
	DefaultNoDataRetry      = 15 * time.Millisecond
	DefaultReadTimeout      = 100 * time.Millisecond
	DefaultWorkerStartDelay = 200 * time.Millisecond
	DefaultFinalizeGrace    = time.Second
)

var (
	// ErrAlreadyStarted is returned by [Session.Start] on a started session.
	ErrAlreadyStarted = errors.New("bridge: session already started")

	// ErrNotRunning is returned by [Session.Stop] on a session that is not
	// started.
	ErrNotRunning = errors.New("bridge: session not running")

	// ErrJoinTimeout is returned by [Session.Start] when the join callback did
	// not arrive within [Config.JoinTimeout].
	ErrJoinTimeout = errors.New("bridge: timed out waiting for room join")

	// ErrShutdownTimeout is returned by [Session.Stop] when the workers did not
	// exit within [Config.ShutdownTimeout].
	ErrShutdownTimeout = errors.New("bridge: timed out waiting for workers to stop")

	// ErrStopIncomplete is returned by [Session.Stop] when the wait for the
	// workers ended before both exited. Nothing has been released and the
	// session is still started; Stop may be called again.
	ErrStopIncomplete = errors.New("bridge: workers still running")
)

// JoinState tracks the session's room membership. It only moves forward
// within one start/stop cycle.
type JoinState int32

const (
	JoinIdle JoinState = iota
	JoinJoined
	JoinLeft
)

// String returns the human-readable name of the state.
func (s JoinState) String() string {
	switch s {
	case JoinIdle:
		return "idle"
	case JoinJoined:
		return "joined"
	case JoinLeft:
		return "left"
	default:
		return "unknown"
	}
}

// Config holds the tuning of a [Session]. Use [DefaultConfig] as a starting
// point. Zero sizes and zero retry pauses are replaced with their defaults;
// zero delays and timeouts disable the delay or timeout.
type Config struct {
	// Codec is the audio codec in both directions.
	Codec audio.Codec

	// QueueCapacity is the downlink frame queue capacity.
	QueueCapacity int

	// EnqueueTimeout bounds how long the engine's audio callback waits for
	// queue space.
	EnqueueTimeout time.Duration

	// WakeMode gates uplink audio on recorder wake events.
	WakeMode bool

	// WakePrompt is the tone URI played on wake start. Empty disables it.
	WakePrompt string

	// NoDataRetry is the pause after a capture read yielded nothing while
	// the wake gate is open.
	NoDataRetry time.Duration

	// ReadTimeout bounds one capture read.
	ReadTimeout time.Duration

	// WorkerStartDelay is waited after the recorder was created and before
	// the workers start.
	WorkerStartDelay time.Duration

	// FinalizeGrace is waited between engine Fini and Destroy.
	FinalizeGrace time.Duration

	// JoinTimeout bounds the wait for the join callback in Start. Zero waits
	// until ctx is done.
	JoinTimeout time.Duration

	// ShutdownTimeout bounds the wait for the workers in Stop. Zero waits
	// until ctx is done.
	ShutdownTimeout time.Duration

	// EventBuffer is the control event channel capacity.
	EventBuffer int

	// ScratchSize is the initial length-prefix scratch buffer size.
	ScratchSize int

	// EngineLogLevel is applied with SetLogLevel.
	EngineLogLevel rtc.LogLevel

	// EngineParams are applied with SetParams.
	EngineParams EngineParams

	// RoomOptions are passed to JoinRoom.
	RoomOptions rtc.RoomOptions
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		Codec:            audio.CodecOpus,
		QueueCapacity:    DefaultQueueCapacity,
		EnqueueTimeout:   DefaultEnqueueTimeout,
		WakePrompt:       DefaultWakePrompt,
		NoDataRetry:      DefaultNoDataRetry,
		ReadTimeout:      DefaultReadTimeout,
		WorkerStartDelay: DefaultWorkerStartDelay,
		FinalizeGrace:    DefaultFinalizeGrace,
		EventBuffer:      DefaultEventBuffer,
		ScratchSize:      DefaultScratchSize,
		EngineLogLevel:   rtc.LogError,
		RoomOptions: rtc.RoomOptions{
			AutoSubscribeAudio: true,
			AutoPublishAudio:   true,
		},
	}
}

func (c *Config) applyDefaults() {
	if c.Codec == "" {
		c.Codec = audio.CodecOpus
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if c.NoDataRetry <= 0 {
		c.NoDataRetry = DefaultNoDataRetry
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.ScratchSize <= 0 {
		c.ScratchSize = DefaultScratchSize
	}
}

// Deps are the collaborators of a [Session].
type Deps struct {
	// Credentials is queried once per Start. Required.
	Credentials credential.Source

	// Engine creates the conferencing engine. Required.
	Engine rtc.Factory

	// OpenCapture and OpenRender open the local pipelines. Required.
	OpenCapture func() (audio.Capture, error)
	OpenRender  func() (audio.Render, error)

	// Recorder wraps the capture pipeline. Required.
	Recorder audio.RecorderFactory

	// Tone plays the wake prompt. Optional.
	Tone audio.TonePlayer

	// Messages receives room messages. Optional.
	Messages message.Processor

	// Metrics records bridge metrics. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Session bridges one room and one pair of local pipelines. Start and Stop
// may be repeated; each Start creates a fresh engine instance.
//
// A Session is safe for concurrent use. Start and Stop are serialised.
type Session struct {
	cfg  Config
	deps Deps

	mu  sync.Mutex
	cur atomic.Pointer[run]
}

// New validates cfg and deps and returns a stopped session.
func New(cfg Config, deps Deps) (*Session, error) {
	cfg.applyDefaults()

	var errs []error
	if !cfg.Codec.IsValid() {
		errs = append(errs, fmt.Errorf("unknown codec %q", cfg.Codec))
	}
	if _, err := cfg.EngineParams.Encode(); err != nil {
		errs = append(errs, err)
	}
	if deps.Credentials == nil {
		errs = append(errs, errors.New("credential source is nil"))
	}
	if deps.Engine == nil {
		errs = append(errs, errors.New("engine factory is nil"))
	}
	if deps.OpenCapture == nil {
		errs = append(errs, errors.New("capture opener is nil"))
	}
	if deps.OpenRender == nil {
		errs = append(errs, errors.New("render opener is nil"))
	}
	if deps.Recorder == nil {
		errs = append(errs, errors.New("recorder factory is nil"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("bridge: invalid session: %w", errors.Join(errs...))
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	return &Session{cfg: cfg, deps: deps}, nil
}

// Start fetches credentials, creates and configures the engine, opens the
// pipelines, joins the room and starts the workers. It blocks until the
// engine confirmed the join. On failure everything acquired so far is
// released and the session stays stopped.
func (s *Session) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur.Load() != nil {
		return ErrAlreadyStarted
	}

	ctx, span := observe.StartSpan(ctx, "bridge.Start")
	defer func() { observe.EndSpan(span, err) }()
	log := observe.Logger(ctx)

	creds, err := s.deps.Credentials.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("bridge: fetch credentials: %w", err)
	}
	log.Info("bridge: credentials acquired",
		"app_id", creds.AppID,
		"room_id", creds.RoomID,
		"user_id", creds.UserID,
	)

	r := s.newRun(creds)
	s.cur.Store(r)
	defer func() {
		if err == nil {
			return
		}
		if terr := r.release(context.WithoutCancel(ctx)); terr != nil {
			log.Warn("bridge: rollback incomplete", "err", terr)
		}
		s.cur.Store(nil)
	}()

	eng, err := s.deps.Engine(creds.AppID, r.handler())
	if err != nil {
		return fmt.Errorf("bridge: create engine: %w", err)
	}
	r.engine = eng
	if err := r.configureEngine(); err != nil {
		return err
	}

	capture, err := s.deps.OpenCapture()
	if err != nil {
		return fmt.Errorf("bridge: open capture: %w", err)
	}
	r.capture = capture
	if err := capture.Run(); err != nil {
		return fmt.Errorf("bridge: run capture: %w", err)
	}

	render, err := s.deps.OpenRender()
	if err != nil {
		return fmt.Errorf("bridge: open render: %w", err)
	}
	r.render = render
	if err := render.Run(); err != nil {
		return fmt.Errorf("bridge: run render: %w", err)
	}
	r.gate = newWakeGate(r.wake, render, s.deps.Tone, s.cfg.WakePrompt, r.dispatch, r.metrics)

	bg := context.WithoutCancel(ctx)
	r.startEvents(bg)
	r.dispatch.start(bg)

	if err := eng.JoinRoom(creds.RoomID, creds.UserID, creds.Token, s.cfg.RoomOptions); err != nil {
		return fmt.Errorf("bridge: join room %q: %w", creds.RoomID, err)
	}
	if err := r.waitJoined(ctx); err != nil {
		return err
	}
	r.joinState.Store(int32(JoinJoined))

	recorder, err := s.deps.Recorder(capture, r.gate.HandleEvent)
	if err != nil {
		return fmt.Errorf("bridge: create recorder: %w", err)
	}
	r.recorder = recorder

	if err := sleepCtx(ctx, s.cfg.WorkerStartDelay); err != nil {
		return fmt.Errorf("bridge: start workers: %w", err)
	}
	r.downlink.start(bg, r.runDownlink)
	r.uplink.start(bg, r.runUplink)

	r.started.Store(true)
	r.metrics.ActiveSessions.Add(ctx, 1)
	log.Info("bridge: session started",
		"room_id", creds.RoomID,
		"codec", s.cfg.Codec.String(),
		"wake_mode", s.cfg.WakeMode,
	)
	return nil
}

// Stop stops both workers, destroys the engine and closes the pipelines. It
// returns [ErrNotRunning] if the session is not started.
//
// Nothing is released until both workers have exited. If ctx ends or the
// shutdown timeout elapses first, Stop returns [ErrStopIncomplete] and the
// session stays started. Once the workers are gone teardown runs to
// completion and the returned error joins every failure encountered.
func (s *Session) Stop(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.cur.Load()
	if r == nil {
		return ErrNotRunning
	}

	ctx, span := observe.StartSpan(ctx, "bridge.Stop")
	defer func() { observe.EndSpan(span, err) }()

	log := observe.Logger(ctx)
	log.Info("bridge: stopping session", "room_id", r.creds.RoomID)
	if err := r.stopWorkers(ctx); err != nil {
		log.Warn("bridge: stop incomplete, session left running", "room_id", r.creds.RoomID, "err", err)
		return fmt.Errorf("bridge: stop: %w: %w", ErrStopIncomplete, err)
	}
	err = r.release(ctx)
	s.cur.Store(nil)
	r.metrics.ActiveSessions.Add(ctx, -1)
	if err != nil {
		return fmt.Errorf("bridge: stop: %w", err)
	}
	return nil
}

// Status is a point-in-time view of a session.
type Status struct {
	Running           bool
	RoomID            string
	JoinState         JoinState
	UplinkRunning     bool
	DownlinkRunning   bool
	WakeGateOpen      bool
	QueueLen          int
	QueueCap          int
	OutstandingFrames int64
}

// Status returns the current state of the session. It never blocks on Start
// or Stop. Running is false while Start is still joining or rolling back.
func (s *Session) Status() Status {
	r := s.cur.Load()
	if r == nil {
		return Status{JoinState: JoinIdle}
	}
	return Status{
		Running:           r.started.Load(),
		RoomID:            r.creds.RoomID,
		JoinState:         JoinState(r.joinState.Load()),
		UplinkRunning:     r.uplink.running.Load(),
		DownlinkRunning:   r.downlink.running.Load(),
		WakeGateOpen:      r.wake.IsSet(),
		QueueLen:          r.queue.Len(),
		QueueCap:          r.queue.Cap(),
		OutstandingFrames: r.pool.Outstanding(),
	}
}

// ─── run ──────────────────────────────────────────────────────────────────────

// run is the state of one start/stop cycle.
type run struct {
	cfg      Config
	metrics  *observe.Metrics
	messages message.Processor
	creds    credential.Credentials

	engine   rtc.Engine
	capture  audio.Capture
	render   audio.Render
	recorder audio.Recorder

	pool      *FramePool
	queue     *FrameQueue
	reframer  Reframer
	dispatch  *dispatcher
	wake      *Level
	gate      *WakeGate
	joined    *Signal
	joinState atomic.Int32
	started   atomic.Bool

	events       chan Event
	eventsCancel context.CancelFunc
	eventsDone   chan struct{}

	uplink   worker
	downlink worker
}

func (s *Session) newRun(creds credential.Credentials) *run {
	r := &run{
		cfg:      s.cfg,
		metrics:  s.deps.Metrics,
		messages: s.deps.Messages,
		creds:    creds,
		pool:     NewFramePool(),
		queue:    NewFrameQueue(s.cfg.QueueCapacity, s.cfg.EnqueueTimeout),
		reframer: NewReframer(s.cfg.Codec, s.cfg.ScratchSize),
		dispatch: newDispatcher(0),
		wake:     NewLevel(),
		joined:   NewSignal(),
		events:   make(chan Event, s.cfg.EventBuffer),
	}
	r.uplink.name = "uplink"
	r.downlink.name = "downlink"
	return r
}

// configureEngine applies log level, params, init and codec in that order.
func (r *run) configureEngine() error {
	if err := r.engine.SetLogLevel(r.cfg.EngineLogLevel); err != nil {
		return fmt.Errorf("bridge: set engine log level: %w", err)
	}
	params, err := r.cfg.EngineParams.Encode()
	if err != nil {
		return err
	}
	for _, p := range params {
		if err := r.engine.SetParams(p); err != nil {
			return fmt.Errorf("bridge: set engine params %s: %w", p, err)
		}
	}
	if err := r.engine.Init(); err != nil {
		return fmt.Errorf("bridge: init engine: %w", err)
	}
	if err := r.engine.SetAudioCodec(r.cfg.Codec); err != nil {
		return fmt.Errorf("bridge: set audio codec %s: %w", r.cfg.Codec, err)
	}
	return nil
}

// waitJoined blocks until the join callback fired, ctx is done, or the
// optional join timeout elapsed.
func (r *run) waitJoined(ctx context.Context) error {
	var expire <-chan time.Time
	if r.cfg.JoinTimeout > 0 {
		t := time.NewTimer(r.cfg.JoinTimeout)
		defer t.Stop()
		expire = t.C
	}
	select {
	case <-r.joined.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bridge: wait for room join: %w", ctx.Err())
	case <-expire:
		return ErrJoinTimeout
	}
}

// release frees everything the run acquired, in reverse order of
// acquisition. The workers must have exited. It tolerates a partially
// started run.
func (r *run) release(ctx context.Context) error {
	var errs []error

	if r.engine != nil {
		if err := r.destroyEngine(ctx); err != nil {
			errs = append(errs, err)
		}
		r.joinState.Store(int32(JoinLeft))
	}

	r.stopEvents()
	r.dispatch.stop()

	if r.recorder != nil {
		if err := r.recorder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("bridge: close recorder: %w", err))
		}
	}

	var g errgroup.Group
	if render := r.render; render != nil {
		g.Go(func() error {
			if err := render.Close(); err != nil {
				return fmt.Errorf("bridge: close render: %w", err)
			}
			return nil
		})
	}
	if capture := r.capture; capture != nil {
		g.Go(func() error {
			if err := capture.Close(); err != nil {
				return fmt.Errorf("bridge: close capture: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	if n := r.queue.Close(); n > 0 {
		r.metrics.QueueDepth.Add(context.Background(), int64(-n))
		slog.Debug("bridge: released queued frames", "count", n)
	}
	return errors.Join(errs...)
}

// stopWorkers requests both workers to stop and waits for them to exit.
func (r *run) stopWorkers(ctx context.Context) error {
	r.uplink.requestStop()
	r.downlink.requestStop()
	if r.cfg.WakeMode {
		r.wake.Set()
	}

	var expire <-chan time.Time
	if r.cfg.ShutdownTimeout > 0 {
		t := time.NewTimer(r.cfg.ShutdownTimeout)
		defer t.Stop()
		expire = t.C
	}
	for _, w := range []*worker{&r.uplink, &r.downlink} {
		if w.done == nil {
			continue
		}
		select {
		case <-w.done.Done():
		case <-expire:
			slog.Error("bridge: worker did not stop in time", "worker", w.name)
			return ErrShutdownTimeout
		case <-ctx.Done():
			return fmt.Errorf("bridge: wait for %s worker: %w", w.name, ctx.Err())
		}
	}
	return nil
}

// destroyEngine finalises the engine, waits the finalize grace and destroys
// it. Both steps run even if the first fails.
func (r *run) destroyEngine(ctx context.Context) error {
	var errs []error
	if err := r.engine.Fini(); err != nil {
		errs = append(errs, fmt.Errorf("bridge: finalize engine: %w", err))
	}
	_ = sleepCtx(context.WithoutCancel(ctx), r.cfg.FinalizeGrace)
	if err := r.engine.Destroy(); err != nil {
		errs = append(errs, fmt.Errorf("bridge: destroy engine: %w", err))
	}
	return errors.Join(errs...)
}

// ─── worker ───────────────────────────────────────────────────────────────────

// worker is one long-running loop with its own cancellation and a done
// signal set right before the goroutine exits.
type worker struct {
	name    string
	cancel  context.CancelFunc
	done    *Signal
	running atomic.Bool
}

func (w *worker) start(parent context.Context, fn func(context.Context)) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	w.done = NewSignal()
	w.running.Store(true)
	done := w.done
	go func() {
		defer done.Set()
		defer w.running.Store(false)
		fn(ctx)
	}()
}

func (w *worker) requestStop() {
	w.running.Store(false)
	if w.cancel != nil {
		w.cancel()
	}
}
