package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/rtcbridge/pkg/audio"
)

// DefaultCaptureBuffer is the number of encoded frames a [Capture] buffers
// ahead of the reader.
const DefaultCaptureBuffer = 50

// ErrCaptureClosed is returned by [Capture.Read] after Close.
var ErrCaptureClosed = errors.New("stream: capture closed")

// CaptureConfig configures a [Capture].
type CaptureConfig struct {
	// Codec is the network codec frames are encoded with.
	Codec audio.Codec

	// Format is the PCM format fed to the encoder. Sources in another format
	// are converted. Zero selects the codec default.
	Format audio.Format

	// FrameDuration is the audio per frame. Zero selects
	// [DefaultFrameDuration].
	FrameDuration time.Duration

	// Bitrate is the constant Opus bitrate. Zero selects
	// [DefaultOpusBitrate].
	Bitrate int

	// PacketSize is the read size for passthrough codecs, whose source
	// already holds encoded packets.
	PacketSize int

	// Realtime paces frames at FrameDuration instead of reading the source as
	// fast as the consumer allows.
	Realtime bool

	// Loop reopens the source at end of stream.
	Loop bool

	// Buffer is the number of frames buffered ahead. Zero selects
	// [DefaultCaptureBuffer].
	Buffer int

	// Encoder overrides the codec's encoder.
	Encoder Encoder
}

// Capture is an [audio.Capture] reading PCM from a [Source] and encoding it
// into fixed-size network frames on its own goroutine.
type Capture struct {
	cfg        CaptureConfig
	open       func() (*Source, error)
	enc        Encoder
	format     audio.Format
	conv       *audio.Converter
	packetSize int

	frames chan []byte
	closed chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewCapture returns a capture that reads from sources returned by open. open
// is called on Run and again on every loop iteration.
func NewCapture(open func() (*Source, error), cfg CaptureConfig) (*Capture, error) {
	if open == nil {
		return nil, errors.New("stream: capture source is nil")
	}
	if cfg.Codec == "" {
		cfg.Codec = audio.CodecOpus
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = DefaultFrameDuration
	}
	if cfg.Bitrate <= 0 {
		cfg.Bitrate = DefaultOpusBitrate
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultCaptureBuffer
	}

	format, err := CodecFormat(cfg.Codec, cfg.Format)
	if err != nil {
		return nil, err
	}

	c := &Capture{
		cfg:    cfg,
		open:   open,
		format: format,
		conv:   &audio.Converter{Target: format},
		frames: make(chan []byte, cfg.Buffer),
		closed: make(chan struct{}),
	}

	switch cfg.Codec {
	case audio.CodecOpus:
		c.packetSize = OpusPacketSize(cfg.Bitrate, cfg.FrameDuration)
	case audio.CodecG711A:
		c.packetSize = format.FrameSamples(cfg.FrameDuration)
	case audio.CodecAACLC:
		if cfg.PacketSize <= 0 {
			return nil, errors.New("stream: aaclc capture needs a packet size")
		}
		c.packetSize = cfg.PacketSize
	}

	c.enc = cfg.Encoder
	if c.enc == nil {
		if c.enc, err = newEncoder(cfg.Codec, format, cfg.FrameDuration, cfg.Bitrate); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Run starts reading the source. Calling Run on a running capture is a no-op.
func (c *Capture) Run() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return ErrCaptureClosed
	default:
	}
	if c.cancel != nil {
		return nil
	}

	src, err := c.openSource()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.pump(ctx, src)
	return nil
}

// DefaultReadSize returns the size of one encoded frame.
func (c *Capture) DefaultReadSize() int { return c.packetSize }

// Read copies the next encoded frame into buf. It returns [audio.ErrNoData]
// when no frame arrived within timeout.
func (c *Capture) Read(buf []byte, timeout time.Duration) (int, error) {
	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}

	select {
	case f := <-c.frames:
		if len(f) > len(buf) {
			return 0, fmt.Errorf("stream: frame of %d bytes: %w", len(f), io.ErrShortBuffer)
		}
		return copy(buf, f), nil
	case <-c.closed:
		return 0, ErrCaptureClosed
	case <-expire:
		return 0, audio.ErrNoData
	}
}

// Close stops the reader goroutine and closes the source. It is safe to call
// more than once.
func (c *Capture) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
	c.wg.Wait()
	return nil
}

// pump reads, converts and encodes frames until ctx is cancelled or the
// source ends without Loop.
func (c *Capture) pump(ctx context.Context, src *Source) {
	defer c.wg.Done()
	defer func() {
		if src != nil {
			_ = src.Close()
		}
	}()

	var tick <-chan time.Time
	if c.cfg.Realtime {
		t := time.NewTicker(c.cfg.FrameDuration)
		defer t.Stop()
		tick = t.C
	}

	read := 0
	for ctx.Err() == nil {
		frame, err := c.readFrame(src)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Error("stream: capture read failed", "err", err)
				return
			}
			if !c.cfg.Loop || read == 0 {
				slog.Info("stream: capture source ended", "frames", read)
				return
			}
			read = 0
			_ = src.Close()
			if src, err = c.openSource(); err != nil {
				slog.Error("stream: failed to reopen capture source", "err", err)
				return
			}
			continue
		}

		read++

		pkt, err := c.enc.Encode(frame)
		if err != nil {
			slog.Warn("stream: encode failed, dropping frame", "err", err)
			continue
		}

		if tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
				return
			}
		}
		select {
		case c.frames <- pkt:
		case <-ctx.Done():
			return
		}
	}
}

// openSource opens a source and checks that its format can be framed.
func (c *Capture) openSource() (*Source, error) {
	src, err := c.open()
	if err != nil {
		return nil, fmt.Errorf("stream: open capture source: %w", err)
	}
	if c.cfg.Codec != audio.CodecAACLC && !src.Format.Valid() {
		_ = src.Close()
		return nil, fmt.Errorf("stream: capture source format %s: %w", src.Format, ErrUnsupportedFormat)
	}
	return src, nil
}

// readFrame reads one frame worth of source audio in the encoder's format.
func (c *Capture) readFrame(src *Source) ([]byte, error) {
	if c.cfg.Codec == audio.CodecAACLC {
		buf := make([]byte, c.packetSize)
		if _, err := io.ReadFull(src, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}

	buf := make([]byte, src.Format.FrameBytes(c.cfg.FrameDuration))
	if _, err := io.ReadFull(src, buf); err != nil {
		return nil, err
	}
	if src.Format == c.format {
		return buf, nil
	}
	out := c.conv.Convert(src.Format, buf)
	want := c.format.FrameBytes(c.cfg.FrameDuration)
	if len(out) != want {
		padded := make([]byte, want)
		copy(padded, out)
		out = padded
	}
	return out, nil
}
