package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/MrWong99/rtcbridge/pkg/audio"
)

// DefaultScratchSize is the initial capacity of the length-prefix scratch
// buffer. It grows on demand.
const DefaultScratchSize = 512

// lengthPrefixSize is the size of the big-endian packet length header.
const lengthPrefixSize = 2

// ErrPayloadTooLarge is returned by a length-prefixing [Reframer] for payloads
// whose length does not fit the 16-bit header.
var ErrPayloadTooLarge = errors.New("bridge: payload too large for length prefix")

// Reframer converts a downlink payload into the byte layout the render
// pipeline expects. The returned slice is valid until the next call.
// Implementations are not safe for concurrent use.
type Reframer interface {
	Reframe(payload []byte) ([]byte, error)
}

// NewReframer returns the reframer for codec. Variable-length codecs get a
// 2-byte big-endian length prefix; fixed-frame codecs pass through unchanged.
func NewReframer(codec audio.Codec, scratchSize int) Reframer {
	if !codec.VariableLength() {
		return passthrough{}
	}
	if scratchSize <= 0 {
		scratchSize = DefaultScratchSize
	}
	return &lengthPrefixer{scratch: make([]byte, scratchSize)}
}

type passthrough struct{}

func (passthrough) Reframe(payload []byte) ([]byte, error) { return payload, nil }

// lengthPrefixer writes [hi(L), lo(L), payload...] into a reused scratch
// buffer.
type lengthPrefixer struct {
	scratch []byte
}

func (l *lengthPrefixer) Reframe(payload []byte) ([]byte, error) {
	if len(payload) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	need := len(payload) + lengthPrefixSize
	if cap(l.scratch) < need {
		l.scratch = make([]byte, need)
	}
	out := l.scratch[:need]
	binary.BigEndian.PutUint16(out, uint16(len(payload)))
	copy(out[lengthPrefixSize:], payload)
	return out, nil
}
