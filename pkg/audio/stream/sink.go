package stream

import (
	"fmt"
	"io"
	"sync"

	"github.com/MrWong99/rtcbridge/pkg/audio"
)

// Sink is the PCM output shared by a [Render] and a [TonePlayer]. Every
// write is converted to the sink format and serialised, so downlink audio and
// prompt tones never interleave within a chunk.
type Sink struct {
	w      io.Writer
	format audio.Format

	mu    sync.Mutex
	convs map[audio.Format]*audio.Converter
}

// NewSink returns a sink writing PCM in format f to w.
func NewSink(w io.Writer, f audio.Format) *Sink {
	return &Sink{w: w, format: f, convs: make(map[audio.Format]*audio.Converter)}
}

// Format returns the PCM format written to the underlying writer.
func (s *Sink) Format() audio.Format { return s.format }

// WritePCM converts pcm from format src and writes it. Misaligned chunks are
// dropped with a warning.
func (s *Sink) WritePCM(src audio.Format, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[src]
	if !ok {
		conv = &audio.Converter{Target: s.format}
		s.convs[src] = conv
	}
	out := conv.Convert(src, pcm)
	if len(out) == 0 {
		return nil
	}
	if _, err := s.w.Write(out); err != nil {
		return fmt.Errorf("stream: write pcm: %w", err)
	}
	return nil
}

// WriteRaw writes p unchanged. It is used for codecs the sink cannot decode.
func (s *Sink) WriteRaw(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(p); err != nil {
		return fmt.Errorf("stream: write raw: %w", err)
	}
	return nil
}

// Close closes the underlying writer when it implements [io.Closer].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
