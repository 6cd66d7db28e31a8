// Package audio defines the local audio collaborators of the bridge.
//
// The abstractions mirror the pieces a device audio stack exposes to a
// conferencing client:
//
//   - [Capture]: a running capture pipeline that yields encoded frames.
//   - [Recorder]: a wrapper around a [Capture] that emits wake and voice
//     activity events while passing frames through.
//   - [Render]: a playback pipeline that consumes encoded downlink payloads.
//   - [TonePlayer]: an out-of-band player for short prompt sounds.
//
// Implementations are provided by adapter packages (audio/stream) and by
// audio/mock for tests. This package lives under pkg/ because third-party
// device adapters are expected to implement these interfaces.
package audio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoData is returned by [Capture.Read] and [Recorder.Read] when no frame
// became available before the read timeout elapsed. It is a transient
// condition; callers retry.
var ErrNoData = errors.New("audio: no data available")

// ErrUnsupportedCodec is returned for codec names outside the known set.
var ErrUnsupportedCodec = errors.New("audio: unsupported codec")

// Codec identifies the encoding of frames exchanged with the network engine.
type Codec string

const (
	// CodecOpus is variable-length Opus. Each packet carries its own length
	// on the render side.
	CodecOpus Codec = "opus"

	// CodecG711A is fixed-frame G.711 A-law (PCMA).
	CodecG711A Codec = "g711a"

	// CodecAACLC is fixed-frame AAC low complexity.
	CodecAACLC Codec = "aaclc"
)

// ParseCodec returns the [Codec] named by s. Matching is exact; the empty
// string yields [CodecOpus].
func ParseCodec(s string) (Codec, error) {
	if s == "" {
		return CodecOpus, nil
	}
	c := Codec(s)
	if !c.IsValid() {
		return "", fmt.Errorf("audio: codec %q: %w", s, ErrUnsupportedCodec)
	}
	return c, nil
}

// IsValid reports whether c is one of the known codecs.
func (c Codec) IsValid() bool {
	switch c {
	case CodecOpus, CodecG711A, CodecAACLC:
		return true
	}
	return false
}

// VariableLength reports whether packets of this codec have no fixed size and
// must be length-delimited before they reach a byte-stream decoder.
func (c Codec) VariableLength() bool {
	return c == CodecOpus
}

// String returns the codec name.
func (c Codec) String() string { return string(c) }

// PlayerState is the coarse state of a [Render] pipeline.
type PlayerState int

const (
	// PlayerIdle means the render pipeline is not consuming data. Downlink
	// audio arriving in this state is discarded.
	PlayerIdle PlayerState = iota

	// PlayerRunning means the render pipeline is playing.
	PlayerRunning
)

// String returns the human-readable name of the state.
func (s PlayerState) String() string {
	switch s {
	case PlayerIdle:
		return "IDLE"
	case PlayerRunning:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

// Capture is a running capture pipeline producing encoded frames.
//
// Read blocks for at most timeout waiting for one frame and copies it into
// buf. It returns [ErrNoData] when the timeout elapsed without a frame; any
// other error is a hard read failure. A timeout <= 0 waits indefinitely.
//
// Implementations must allow Read to be called from one goroutine while Close
// is called from another.
type Capture interface {
	// Run starts the pipeline. Frames are only produced after Run returns nil.
	Run() error

	// DefaultReadSize is the size in bytes of one complete encoded frame.
	DefaultReadSize() int

	// Read reads one frame into buf.
	Read(buf []byte, timeout time.Duration) (int, error)

	// Close stops the pipeline and releases its resources. A blocked Read
	// returns promptly once Close is called.
	Close() error
}

// RecorderEventType classifies events emitted by a [Recorder].
type RecorderEventType int

const (
	// RecorderWakeStart is emitted when the wake word is detected.
	RecorderWakeStart RecorderEventType = iota

	// RecorderWakeEnd is emitted when the wake session ends.
	RecorderWakeEnd

	// RecorderVADStart is emitted when voice activity begins.
	RecorderVADStart

	// RecorderVADEnd is emitted when voice activity ends.
	RecorderVADEnd
)

// String returns the human-readable name of the event type.
func (t RecorderEventType) String() string {
	switch t {
	case RecorderWakeStart:
		return "WAKE_START"
	case RecorderWakeEnd:
		return "WAKE_END"
	case RecorderVADStart:
		return "VAD_START"
	case RecorderVADEnd:
		return "VAD_END"
	default:
		return "UNKNOWN"
	}
}

// RecorderEvent is delivered to the callback supplied to a [RecorderFactory].
type RecorderEvent struct {
	Type RecorderEventType
}

// Recorder wraps a [Capture] and emits [RecorderEvent]s while passing frames
// through. Read has the same contract as [Capture.Read].
type Recorder interface {
	Read(buf []byte, timeout time.Duration) (int, error)
	Close() error
}

// RecorderFactory creates a [Recorder] over capture. onEvent is invoked from
// the recorder's own goroutine and must not block.
type RecorderFactory func(capture Capture, onEvent func(RecorderEvent)) (Recorder, error)

// Render is a playback pipeline consuming encoded payloads.
//
// For variable-length codecs every Write carries exactly one length-prefixed
// packet; for fixed-frame codecs Write carries raw codec bytes.
type Render interface {
	// Run starts or resumes playback.
	Run() error

	// Stop pauses playback. State reports [PlayerIdle] afterwards.
	Stop() error

	// State returns the current playback state.
	State() PlayerState

	// Write hands one payload to the pipeline.
	Write(p []byte) (int, error)

	// Close releases the pipeline.
	Close() error
}

// TonePlayer plays short prompt sounds out of band. Play blocks until the
// tone finished playing, ctx is cancelled, or playback failed.
type TonePlayer interface {
	Play(ctx context.Context, uri string) error
}
