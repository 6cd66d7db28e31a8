package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/rtcbridge/pkg/audio"
)

// ErrRenderClosed is returned by [Render] methods after Close.
var ErrRenderClosed = errors.New("stream: render closed")

// ErrMalformedPacket is returned by [Render.Write] when a length-prefixed
// payload does not match its header.
var ErrMalformedPacket = errors.New("stream: malformed length-prefixed packet")

// RenderConfig configures a [Render].
type RenderConfig struct {
	// Codec is the network codec of incoming payloads.
	Codec audio.Codec

	// Format is the PCM format the decoder produces. Zero selects the codec
	// default.
	Format audio.Format

	// Decoder overrides the codec's decoder.
	Decoder Decoder
}

// Render is an [audio.Render] decoding network payloads into a [Sink].
// Payloads of variable-length codecs carry one or more packets, each
// preceded by a two-byte big-endian length. A stopped render discards what
// it is given.
type Render struct {
	sink   *Sink
	codec  audio.Codec
	format audio.Format
	dec    Decoder

	mu     sync.Mutex
	state  audio.PlayerState
	closed bool
}

// NewRender returns a stopped render writing into sink.
func NewRender(sink *Sink, cfg RenderConfig) (*Render, error) {
	if sink == nil {
		return nil, errors.New("stream: render sink is nil")
	}
	if cfg.Codec == "" {
		cfg.Codec = audio.CodecOpus
	}
	format, err := CodecFormat(cfg.Codec, cfg.Format)
	if err != nil {
		return nil, err
	}
	dec := cfg.Decoder
	if dec == nil {
		if dec, err = newDecoder(cfg.Codec, format); err != nil {
			return nil, err
		}
	}
	return &Render{sink: sink, codec: cfg.Codec, format: format, dec: dec}, nil
}

// Run starts or resumes playback.
func (r *Render) Run() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRenderClosed
	}
	r.state = audio.PlayerRunning
	return nil
}

// Stop pauses playback.
func (r *Render) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = audio.PlayerIdle
	return nil
}

// State returns the playback state.
func (r *Render) State() audio.PlayerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Write decodes p and writes the PCM into the sink. Decoding errors of a
// single packet are logged and skipped; framing errors fail the whole
// payload.
func (r *Render) Write(p []byte) (int, error) {
	r.mu.Lock()
	state, closed := r.state, r.closed
	r.mu.Unlock()
	if closed {
		return 0, ErrRenderClosed
	}
	if state != audio.PlayerRunning {
		return len(p), nil
	}

	switch {
	case r.codec == audio.CodecAACLC:
		if err := r.sink.WriteRaw(p); err != nil {
			return 0, err
		}
	case r.codec.VariableLength():
		if err := r.writePrefixed(p); err != nil {
			return 0, err
		}
	default:
		if err := r.decodeAndWrite(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// writePrefixed splits p into length-prefixed packets and decodes each one.
func (r *Render) writePrefixed(p []byte) error {
	for len(p) > 0 {
		if len(p) < 2 {
			return fmt.Errorf("stream: %d trailing bytes: %w", len(p), ErrMalformedPacket)
		}
		n := int(binary.BigEndian.Uint16(p))
		p = p[2:]
		if n > len(p) {
			return fmt.Errorf("stream: header says %d bytes, %d left: %w", n, len(p), ErrMalformedPacket)
		}
		if err := r.decodeAndWrite(p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (r *Render) decodeAndWrite(pkt []byte) error {
	pcm, err := r.dec.Decode(pkt)
	if err != nil {
		slog.Debug("stream: dropping undecodable packet", "codec", r.codec.String(), "bytes", len(pkt), "err", err)
		return nil
	}
	return r.sink.WritePCM(r.format, pcm)
}

// Close stops playback. The sink stays open; it is owned by the caller.
func (r *Render) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.state = audio.PlayerIdle
	return nil
}
