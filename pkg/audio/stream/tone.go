package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"time"

	"github.com/MrWong99/rtcbridge/pkg/audio"
)

// ErrUnsupportedURI is returned by [TonePlayer.Play] for URI schemes it
// cannot resolve.
var ErrUnsupportedURI = errors.New("stream: unsupported tone uri")

// toneChunk is the amount of audio written to the sink per step.
const toneChunk = 20 * time.Millisecond

// TonePlayer plays WAV prompt files into a [Sink].
//
// URIs are resolved as follows:
//
//	spiffs://<label>/<path>  → <Root>/<path>
//	file:///<path>           → /<path>
//	<path>                   → <path>, relative paths below Root
type TonePlayer struct {
	// Sink receives the tone PCM.
	Sink *Sink

	// Root is the directory flash-partition URIs and relative paths resolve
	// against.
	Root string

	// Realtime paces writes at playback speed so Play returns when the tone
	// finished sounding.
	Realtime bool
}

// Play resolves uri, decodes the WAV file and writes it into the sink. It
// returns when the whole tone was written or ctx was cancelled.
func (p *TonePlayer) Play(ctx context.Context, uri string) error {
	path, err := p.Resolve(uri)
	if err != nil {
		return err
	}
	src, err := OpenFile(path, audio.Format{})
	if err != nil {
		return err
	}
	defer src.Close()

	var tick <-chan time.Time
	if p.Realtime {
		t := time.NewTicker(toneChunk)
		defer t.Stop()
		tick = t.C
	}

	buf := make([]byte, src.Format.FrameBytes(toneChunk))
	written := 0
	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			if werr := p.Sink.WritePCM(src.Format, buf[:n-n%(2*src.Format.Channels)]); werr != nil {
				return fmt.Errorf("stream: play %s: %w", uri, werr)
			}
			written += n
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("stream: play %s: %w", uri, err)
		}
		if tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
				return ctx.Err()
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	slog.Debug("stream: tone played", "uri", uri, "bytes", written)
	return nil
}

// Resolve maps a tone URI to a file path.
func (p *TonePlayer) Resolve(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("stream: parse tone uri %q: %w", uri, err)
	}
	switch u.Scheme {
	case "spiffs":
		return filepath.Join(p.Root, filepath.FromSlash(u.Path)), nil
	case "file":
		return filepath.FromSlash(u.Path), nil
	case "":
		if filepath.IsAbs(uri) || p.Root == "" {
			return uri, nil
		}
		return filepath.Join(p.Root, uri), nil
	default:
		return "", fmt.Errorf("stream: %q: %w", uri, ErrUnsupportedURI)
	}
}

var _ audio.TonePlayer = (*TonePlayer)(nil)
