// Package stream implements the local audio pipelines of the bridge on top of
// plain byte streams: a [Capture] that reads PCM from a file or pipe and
// encodes it for the network, a [Render] that decodes network audio into a
// PCM [Sink], a [TonePlayer] for prompt files and a [Manual] recorder whose
// wake events are raised programmatically.
//
// PCM is always interleaved signed 16-bit little-endian. WAV files are parsed
// with github.com/youpy/go-wav; A-law WAV data is expanded with
// github.com/zaf/g711.
package stream

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/MrWong99/rtcbridge/pkg/audio"
	"github.com/youpy/go-wav"
	"github.com/zaf/g711"
)

// ErrUnsupportedWAV is returned for WAV files that are neither 16-bit PCM nor
// A-law.
var ErrUnsupportedWAV = errors.New("stream: unsupported wav encoding")

// Source is a PCM byte stream of a known format.
type Source struct {
	io.Reader
	Format audio.Format

	closer io.Closer
}

// Close releases the underlying file, if any.
func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// NewRawSource wraps headerless PCM in format f. The caller owns r.
func NewRawSource(r io.Reader, f audio.Format) *Source {
	return &Source{Reader: r, Format: f}
}

// riffReader is the random-access input go-wav parses chunks from.
type riffReader interface {
	io.Reader
	io.ReaderAt
}

// NewWAVSource parses the WAV header of r and returns a source over its
// sample data. A-law data is expanded to 16-bit PCM. c is closed by
// [Source.Close] when non-nil.
func NewWAVSource(r riffReader, c io.Closer) (*Source, error) {
	wr := wav.NewReader(r)
	wf, err := wr.Format()
	if err != nil {
		return nil, fmt.Errorf("stream: read wav header: %w", err)
	}
	f := audio.Format{SampleRate: int(wf.SampleRate), Channels: int(wf.NumChannels)}
	if !f.Valid() {
		return nil, fmt.Errorf("stream: wav format %s: %w", f, ErrUnsupportedWAV)
	}

	switch {
	case wf.AudioFormat == wav.AudioFormatPCM && wf.BitsPerSample == 16:
		return &Source{Reader: wr, Format: f, closer: c}, nil
	case wf.AudioFormat == wav.AudioFormatALaw:
		dec, err := g711.NewAlawDecoder(wr)
		if err != nil {
			return nil, fmt.Errorf("stream: a-law decoder: %w", err)
		}
		return &Source{Reader: dec, Format: f, closer: c}, nil
	default:
		return nil, fmt.Errorf("stream: wav format %d with %d bits: %w", wf.AudioFormat, wf.BitsPerSample, ErrUnsupportedWAV)
	}
}

// OpenFile opens path as a PCM source. Files ending in .wav are parsed as
// WAV; anything else is read as raw PCM in format raw. A path of "-" reads
// raw PCM from stdin.
func OpenFile(path string, raw audio.Format) (*Source, error) {
	if path == "-" {
		return NewRawSource(os.Stdin, raw), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("stream: open %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		src, err := NewWAVSource(f, f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		return src, nil
	}
	if !raw.Valid() {
		_ = f.Close()
		return nil, fmt.Errorf("stream: raw source %s needs a sample rate and channel count", path)
	}
	return &Source{Reader: f, Format: raw, closer: f}, nil
}
