package bridge

import (
	"context"
	"sync"
)

// Signal is a one-shot event. Once set it stays set; Done is closed forever.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// NewSignal returns an unset signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Set fires the signal. It reports whether this call was the one that fired
// it; later calls are no-ops.
func (s *Signal) Set() bool {
	fired := false
	s.once.Do(func() {
		close(s.ch)
		fired = true
	})
	return fired
}

// Done returns a channel closed once the signal is set.
func (s *Signal) Done() <-chan struct{} { return s.ch }

// IsSet reports whether the signal has fired.
func (s *Signal) IsSet() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Level is a level-triggered signal that can be set and cleared repeatedly.
// Waiters are released while the level is set.
type Level struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{} // closed while set
}

// NewLevel returns a cleared level.
func NewLevel() *Level {
	return &Level{ch: make(chan struct{})}
}

// Set raises the level. Setting a raised level is a no-op.
func (l *Level) Set() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.set {
		l.set = true
		close(l.ch)
	}
}

// Clear lowers the level. Clearing a lowered level is a no-op.
func (l *Level) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set {
		l.set = false
		l.ch = make(chan struct{})
	}
}

// IsSet reports whether the level is raised.
func (l *Level) IsSet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set
}

// Wait blocks until the level is raised or ctx is done. It does not lower the
// level.
func (l *Level) Wait(ctx context.Context) error {
	l.mu.Lock()
	ch := l.ch
	l.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
