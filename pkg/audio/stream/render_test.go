package stream

import (
	"bytes"
	"errors"
	"testing"

	"github.com/MrWong99/rtcbridge/pkg/audio"
	"github.com/zaf/g711"
)

func newTestRender(t *testing.T, codec audio.Codec, dec Decoder, out audio.Format) (*Render, *syncBuffer) {
	t.Helper()
	buf := &syncBuffer{}
	r, err := NewRender(NewSink(buf, out), RenderConfig{Codec: codec, Decoder: dec})
	if err != nil {
		t.Fatalf("NewRender: %v", err)
	}
	return r, buf
}

func TestRender_LengthPrefixedPackets(t *testing.T) {
	t.Parallel()
	dec := &fakeCodec{}
	r, buf := newTestRender(t, audio.CodecOpus, dec, audio.Format{SampleRate: 48000, Channels: 1})
	if err := r.Run(); err != nil {
		t.Fatal(err)
	}

	// Two packets in one payload: [0x00 0x02 A B] [0x00 0x01 C].
	payload := []byte{0x00, 0x02, 'A', 'B', 0x00, 0x01, 'C'}
	n, err := r.Write(payload)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(payload) {
		t.Errorf("Write n = %d, want %d", n, len(payload))
	}
	seen := dec.seen()
	if len(seen) != 2 || string(seen[0]) != "AB" || string(seen[1]) != "C" {
		t.Errorf("decoded packets = %q", seen)
	}
	// fakeCodec yields one sample per packet byte.
	if got := buf.Len(); got != 6 {
		t.Errorf("sink got %d bytes, want 6", got)
	}
}

func TestRender_MalformedPrefix(t *testing.T) {
	t.Parallel()
	tests := map[string][]byte{
		"header longer than data": {0x00, 0x05, 1, 2},
		"dangling byte":           {0x00, 0x01, 1, 0x00},
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			r, _ := newTestRender(t, audio.CodecOpus, &fakeCodec{}, audio.Format{SampleRate: 48000, Channels: 1})
			_ = r.Run()
			if _, err := r.Write(payload); !errors.Is(err, ErrMalformedPacket) {
				t.Errorf("Write error = %v, want ErrMalformedPacket", err)
			}
		})
	}
}

func TestRender_UndecodablePacketSkipped(t *testing.T) {
	t.Parallel()
	dec := &fakeCodec{err: errors.New("corrupt")}
	r, buf := newTestRender(t, audio.CodecOpus, dec, audio.Format{SampleRate: 48000, Channels: 1})
	_ = r.Run()
	if _, err := r.Write([]byte{0x00, 0x01, 0xFF}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("sink got %d bytes, want 0", buf.Len())
	}
}

func TestRender_G711ADecodeAndUpsample(t *testing.T) {
	t.Parallel()
	r, buf := newTestRender(t, audio.CodecG711A, nil, audio.Format{SampleRate: 16000, Channels: 1})
	_ = r.Run()

	pcm := sine(160, 8000)
	if _, err := r.Write(g711.EncodeAlaw(pcm)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := buf.Len(); got != 640 {
		t.Errorf("sink got %d bytes, want 640 (320 samples at 16 kHz)", got)
	}
}

func TestRender_AACPassthrough(t *testing.T) {
	t.Parallel()
	r, buf := newTestRender(t, audio.CodecAACLC, nil, audio.Format{SampleRate: 48000, Channels: 2})
	_ = r.Run()
	if _, err := r.Write([]byte("adts")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := buf.Bytes(); !bytes.Equal(got, []byte("adts")) {
		t.Errorf("sink = %q, want adts", got)
	}
}

func TestRender_StateMachine(t *testing.T) {
	t.Parallel()
	dec := &fakeCodec{}
	r, buf := newTestRender(t, audio.CodecOpus, dec, audio.Format{SampleRate: 48000, Channels: 1})

	if r.State() != audio.PlayerIdle {
		t.Fatal("new render not idle")
	}
	if n, err := r.Write([]byte{0x00, 0x01, 1}); err != nil || n != 3 {
		t.Fatalf("idle Write = %d, %v; want discard", n, err)
	}
	if buf.Len() != 0 || len(dec.seen()) != 0 {
		t.Error("idle render decoded audio")
	}

	_ = r.Run()
	if r.State() != audio.PlayerRunning {
		t.Fatal("render not running after Run")
	}
	_ = r.Stop()
	if r.State() != audio.PlayerIdle {
		t.Fatal("render not idle after Stop")
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Run(); !errors.Is(err, ErrRenderClosed) {
		t.Errorf("Run after Close = %v, want ErrRenderClosed", err)
	}
	if _, err := r.Write([]byte{0x00, 0x01, 1}); !errors.Is(err, ErrRenderClosed) {
		t.Errorf("Write after Close = %v, want ErrRenderClosed", err)
	}
}

func TestRender_OpusEndToEnd(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 48000, Channels: 1}
	enc, err := newOpusEncoder(f, DefaultFrameDuration, DefaultOpusBitrate)
	if err != nil {
		t.Fatal(err)
	}
	r, buf := newTestRender(t, audio.CodecOpus, nil, audio.Format{SampleRate: 48000, Channels: 2})
	_ = r.Run()

	pkt, err := enc.Encode(sine(960, 48000))
	if err != nil {
		t.Fatal(err)
	}
	payload := append([]byte{byte(len(pkt) >> 8), byte(len(pkt))}, pkt...)
	if _, err := r.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// 960 samples, upmixed to stereo.
	if got := buf.Len(); got != 960*2*2 {
		t.Errorf("sink got %d bytes, want %d", got, 960*2*2)
	}
}
