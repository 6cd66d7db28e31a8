package stream

import (
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/rtcbridge/pkg/audio"
)

// ErrNoRecorder is returned by [Manual.Fire] while no recorder is active.
var ErrNoRecorder = errors.New("stream: no active recorder")

// Manual produces recorders whose events are raised by calling [Manual.Fire]
// instead of by an on-device wake word engine. At most one recorder is
// active at a time; creating a new one replaces the previous.
type Manual struct {
	mu     sync.Mutex
	active *manualRecorder
}

// Factory returns an [audio.RecorderFactory] bound to m.
func (m *Manual) Factory() audio.RecorderFactory {
	return func(capture audio.Capture, onEvent func(audio.RecorderEvent)) (audio.Recorder, error) {
		if capture == nil {
			return nil, errors.New("stream: recorder capture is nil")
		}
		rec := &manualRecorder{owner: m, capture: capture, onEvent: onEvent}
		m.mu.Lock()
		m.active = rec
		m.mu.Unlock()
		return rec, nil
	}
}

// Fire delivers an event of type t to the active recorder's callback.
func (m *Manual) Fire(t audio.RecorderEventType) error {
	m.mu.Lock()
	rec := m.active
	m.mu.Unlock()
	if rec == nil {
		return ErrNoRecorder
	}
	if rec.onEvent != nil {
		rec.onEvent(audio.RecorderEvent{Type: t})
	}
	return nil
}

// Active reports whether a recorder is attached.
func (m *Manual) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

type manualRecorder struct {
	owner   *Manual
	capture audio.Capture
	onEvent func(audio.RecorderEvent)
}

func (r *manualRecorder) Read(buf []byte, timeout time.Duration) (int, error) {
	return r.capture.Read(buf, timeout)
}

func (r *manualRecorder) Close() error {
	r.owner.mu.Lock()
	defer r.owner.mu.Unlock()
	if r.owner.active == r {
		r.owner.active = nil
	}
	return nil
}

var _ audio.Recorder = (*manualRecorder)(nil)
