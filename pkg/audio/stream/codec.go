package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/rtcbridge/pkg/audio"
	"github.com/zaf/g711"
	"layeh.com/gopus"
)

const (
	// DefaultFrameDuration is the amount of audio in one network frame.
	DefaultFrameDuration = 20 * time.Millisecond

	// DefaultOpusBitrate is the constant Opus bitrate in bits per second.
	DefaultOpusBitrate = 32000

	// opusMaxFrameSamples is the largest Opus frame (120 ms at 48 kHz).
	opusMaxFrameSamples = 5760
)

// ErrUnsupportedFormat is returned when a codec cannot run at the requested
// PCM format.
var ErrUnsupportedFormat = errors.New("stream: unsupported pcm format")

// Encoder turns one PCM frame into one network packet.
type Encoder interface {
	Encode(pcm []byte) ([]byte, error)
}

// Decoder turns one network packet into PCM.
type Decoder interface {
	Decode(packet []byte) ([]byte, error)
}

// CodecFormat returns the PCM format a codec runs at. Opus keeps f if it is
// one of the rates Opus supports; G.711 always runs at 8 kHz mono.
func CodecFormat(codec audio.Codec, f audio.Format) (audio.Format, error) {
	switch codec {
	case audio.CodecOpus:
		if !f.Valid() {
			return audio.Format{SampleRate: 48000, Channels: 1}, nil
		}
		switch f.SampleRate {
		case 8000, 12000, 16000, 24000, 48000:
		default:
			return f, fmt.Errorf("stream: opus at %d Hz: %w", f.SampleRate, ErrUnsupportedFormat)
		}
		if f.Channels > 2 {
			return f, fmt.Errorf("stream: opus with %d channels: %w", f.Channels, ErrUnsupportedFormat)
		}
		return f, nil
	case audio.CodecG711A:
		return audio.Format{SampleRate: 8000, Channels: 1}, nil
	case audio.CodecAACLC:
		return f, nil
	default:
		return f, fmt.Errorf("stream: codec %q: %w", codec, audio.ErrUnsupportedCodec)
	}
}

// ─── Opus ─────────────────────────────────────────────────────────────────────

// opusEncoder encodes at a constant bitrate so that every packet has the same
// size.
type opusEncoder struct {
	enc        *gopus.Encoder
	frameSize  int
	packetSize int
}

func newOpusEncoder(f audio.Format, frame time.Duration, bitrate int) (*opusEncoder, error) {
	enc, err := gopus.NewEncoder(f.SampleRate, f.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("stream: create opus encoder: %w", err)
	}
	enc.SetBitrate(bitrate)
	enc.SetVbr(false)
	return &opusEncoder{
		enc:        enc,
		frameSize:  f.FrameSamples(frame),
		packetSize: OpusPacketSize(bitrate, frame),
	}, nil
}

// OpusPacketSize returns the size of one constant-bitrate Opus packet.
func OpusPacketSize(bitrate int, frame time.Duration) int {
	return int(int64(bitrate) * int64(frame) / int64(time.Second) / 8)
}

func (e *opusEncoder) Encode(pcm []byte) ([]byte, error) {
	pkt, err := e.enc.Encode(audio.Int16s(pcm), e.frameSize, e.packetSize)
	if err != nil {
		return nil, fmt.Errorf("stream: opus encode: %w", err)
	}
	return pkt, nil
}

type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder(f audio.Format) (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(f.SampleRate, f.Channels)
	if err != nil {
		return nil, fmt.Errorf("stream: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

func (d *opusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusMaxFrameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("stream: opus decode: %w", err)
	}
	return audio.Bytes(pcm), nil
}

// ─── G.711 A-law ──────────────────────────────────────────────────────────────

type alawCodec struct{}

func (alawCodec) Encode(pcm []byte) ([]byte, error) { return g711.EncodeAlaw(pcm), nil }
func (alawCodec) Decode(packet []byte) ([]byte, error) {
	return g711.DecodeAlaw(packet), nil
}

// ─── passthrough ──────────────────────────────────────────────────────────────

// passthrough forwards already encoded packets unchanged.
type passthrough struct{}

func (passthrough) Encode(p []byte) ([]byte, error) { return p, nil }
func (passthrough) Decode(p []byte) ([]byte, error) { return p, nil }

// newEncoder returns the encoder for codec at PCM format f.
func newEncoder(codec audio.Codec, f audio.Format, frame time.Duration, bitrate int) (Encoder, error) {
	switch codec {
	case audio.CodecOpus:
		return newOpusEncoder(f, frame, bitrate)
	case audio.CodecG711A:
		return alawCodec{}, nil
	case audio.CodecAACLC:
		return passthrough{}, nil
	default:
		return nil, fmt.Errorf("stream: codec %q: %w", codec, audio.ErrUnsupportedCodec)
	}
}

// newDecoder returns the decoder for codec at PCM format f.
func newDecoder(codec audio.Codec, f audio.Format) (Decoder, error) {
	switch codec {
	case audio.CodecOpus:
		return newOpusDecoder(f)
	case audio.CodecG711A:
		return alawCodec{}, nil
	case audio.CodecAACLC:
		return passthrough{}, nil
	default:
		return nil, fmt.Errorf("stream: codec %q: %w", codec, audio.ErrUnsupportedCodec)
	}
}
