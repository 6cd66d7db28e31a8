// Package mock provides in-memory mock implementations of the [audio.Capture],
// [audio.Recorder], [audio.Render], and [audio.TonePlayer] interfaces for use
// in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	capture := &mock.Capture{ReadSize: 4}
//	capture.PushFrame([]byte{1, 2, 3, 4})
//	render := &mock.Render{}
//	recorder := &mock.Recorder{}
//	deps := bridge.Deps{
//	    OpenCapture: func() (audio.Capture, error) { return capture, nil },
//	    OpenRender:  func() (audio.Render, error) { return render, nil },
//	    Recorder:    recorder.Factory(),
//	}
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/rtcbridge/pkg/audio"
)

// ErrClosed is returned by [Capture.Read] after [Capture.Close] was called.
var ErrClosed = errors.New("mock: capture closed")

// ─── Capture ──────────────────────────────────────────────────────────────────

// ReadResult is one scripted outcome of [Capture.Read].
type ReadResult struct {
	// Data is copied into the caller's buffer. Only len(buf) bytes are copied.
	Data []byte

	// Err is returned instead of data when non-nil.
	Err error
}

// Capture is a mock implementation of [audio.Capture]. Reads are served from a
// script fed through [Capture.Push]; when the script is empty Read waits up to
// its timeout and returns [audio.ErrNoData].
type Capture struct {
	mu sync.Mutex

	// ReadSize is returned by DefaultReadSize.
	ReadSize int

	// RunError is returned by Run.
	RunError error

	// CloseError is returned by Close.
	CloseError error

	// CallCountRun records how many times Run was called.
	CallCountRun int

	// CallCountRead records how many times Read was called.
	CallCountRead int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	script chan ReadResult
	closed chan struct{}
	once   sync.Once
}

func (c *Capture) init() {
	c.once.Do(func() {
		c.script = make(chan ReadResult, 1024)
		c.closed = make(chan struct{})
	})
}

// Push appends a scripted read result.
func (c *Capture) Push(r ReadResult) {
	c.init()
	c.script <- r
}

// PushFrame appends a scripted successful read of data.
func (c *Capture) PushFrame(data []byte) {
	c.Push(ReadResult{Data: data})
}

// Pending returns the number of scripted results not yet consumed.
func (c *Capture) Pending() int {
	c.init()
	return len(c.script)
}

// Run implements [audio.Capture].
func (c *Capture) Run() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountRun++
	return c.RunError
}

// DefaultReadSize implements [audio.Capture].
func (c *Capture) DefaultReadSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ReadSize
}

// Read implements [audio.Capture].
func (c *Capture) Read(buf []byte, timeout time.Duration) (int, error) {
	c.init()
	c.mu.Lock()
	c.CallCountRead++
	c.mu.Unlock()

	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}

	select {
	case r := <-c.script:
		if r.Err != nil {
			return 0, r.Err
		}
		return copy(buf, r.Data), nil
	case <-c.closed:
		return 0, ErrClosed
	case <-expire:
		return 0, audio.ErrNoData
	}
}

// Close implements [audio.Capture]. Blocked reads return [ErrClosed].
func (c *Capture) Close() error {
	c.init()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	if c.CallCountClose == 1 {
		close(c.closed)
	}
	return c.CloseError
}

// Reads returns how many times Read was called.
func (c *Capture) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountRead
}

// ─── Recorder ─────────────────────────────────────────────────────────────────

// Recorder is a mock implementation of [audio.Recorder]. Reads are forwarded to
// the wrapped capture. Use [Recorder.Factory] to obtain an
// [audio.RecorderFactory] and [Recorder.Emit] to simulate recorder events.
type Recorder struct {
	mu sync.Mutex

	// FactoryError is returned by the factory instead of the recorder.
	FactoryError error

	// CloseError is returned by Close.
	CloseError error

	// CallCountFactory records how many times the factory was invoked.
	CallCountFactory int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	capture audio.Capture
	onEvent func(audio.RecorderEvent)
}

// Factory returns an [audio.RecorderFactory] that binds r to the supplied
// capture and event callback.
func (r *Recorder) Factory() audio.RecorderFactory {
	return func(capture audio.Capture, onEvent func(audio.RecorderEvent)) (audio.Recorder, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.CallCountFactory++
		if r.FactoryError != nil {
			return nil, r.FactoryError
		}
		r.capture = capture
		r.onEvent = onEvent
		return r, nil
	}
}

// Read implements [audio.Recorder].
func (r *Recorder) Read(buf []byte, timeout time.Duration) (int, error) {
	r.mu.Lock()
	c := r.capture
	r.mu.Unlock()
	if c == nil {
		return 0, audio.ErrNoData
	}
	return c.Read(buf, timeout)
}

// Close implements [audio.Recorder].
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountClose++
	return r.CloseError
}

// Emit delivers ev to the callback bound by the factory. It reports false if
// the factory has not been invoked yet.
func (r *Recorder) Emit(ev audio.RecorderEvent) bool {
	r.mu.Lock()
	cb := r.onEvent
	r.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(ev)
	return true
}

// ─── Render ───────────────────────────────────────────────────────────────────

// Render is a mock implementation of [audio.Render]. It starts in
// [audio.PlayerIdle]; Run switches to [audio.PlayerRunning] and Stop back.
type Render struct {
	mu sync.Mutex

	// RunError is returned by Run. When set the state is left unchanged.
	RunError error

	// StopError is returned by Stop.
	StopError error

	// WriteError is returned by Write. When set the payload is not recorded.
	WriteError error

	// CloseError is returned by Close.
	CloseError error

	// CallCountRun records how many times Run was called.
	CallCountRun int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	state  audio.PlayerState
	writes [][]byte
}

// Run implements [audio.Render].
func (r *Render) Run() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountRun++
	if r.RunError != nil {
		return r.RunError
	}
	r.state = audio.PlayerRunning
	return nil
}

// Stop implements [audio.Render].
func (r *Render) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountStop++
	r.state = audio.PlayerIdle
	return r.StopError
}

// State implements [audio.Render].
func (r *Render) State() audio.PlayerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetState forces the reported state without counting a Run or Stop call.
func (r *Render) SetState(s audio.PlayerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

// Write implements [audio.Render]. A copy of p is recorded.
func (r *Render) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.WriteError != nil {
		return 0, r.WriteError
	}
	r.writes = append(r.writes, append([]byte(nil), p...))
	return len(p), nil
}

// Close implements [audio.Render].
func (r *Render) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountClose++
	r.state = audio.PlayerIdle
	return r.CloseError
}

// Writes returns a snapshot of all recorded payloads in write order.
func (r *Render) Writes() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.writes))
	copy(out, r.writes)
	return out
}

// ─── TonePlayer ───────────────────────────────────────────────────────────────

// TonePlayer is a mock implementation of [audio.TonePlayer].
type TonePlayer struct {
	mu sync.Mutex

	// PlayError is returned by Play.
	PlayError error

	// Hold, when non-nil, makes Play block until it is closed or ctx ends.
	Hold chan struct{}

	// PlayCalls records the URI of every Play invocation.
	PlayCalls []string
}

// Play implements [audio.TonePlayer].
func (p *TonePlayer) Play(ctx context.Context, uri string) error {
	p.mu.Lock()
	p.PlayCalls = append(p.PlayCalls, uri)
	hold := p.Hold
	err := p.PlayError
	p.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Calls returns a snapshot of the URIs passed to Play.
func (p *TonePlayer) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.PlayCalls))
	copy(out, p.PlayCalls)
	return out
}

// Compile-time interface assertions.
var (
	_ audio.Capture    = (*Capture)(nil)
	_ audio.Recorder   = (*Recorder)(nil)
	_ audio.Render     = (*Render)(nil)
	_ audio.TonePlayer = (*TonePlayer)(nil)
)
