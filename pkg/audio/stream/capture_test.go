package stream

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/MrWong99/rtcbridge/pkg/audio"
	"github.com/zaf/g711"
)

func TestCapture_G711AFromRawPCM(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 8000, Channels: 1}
	pcm := sine(480, 8000) // three 20 ms frames

	c, err := NewCapture(rawOpener(pcm, f), CaptureConfig{Codec: audio.CodecG711A})
	if err != nil {
		t.Fatalf("NewCapture: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if got := c.DefaultReadSize(); got != 160 {
		t.Fatalf("DefaultReadSize = %d, want 160", got)
	}
	if err := c.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	frames := readFrames(t, c, 3)
	for i, fr := range frames {
		want := g711.EncodeAlaw(pcm[i*320 : (i+1)*320])
		if !bytes.Equal(fr, want) {
			t.Errorf("frame %d differs from reference A-law encoding", i)
		}
	}

	// The source is exhausted; further reads time out.
	buf := make([]byte, 160)
	if _, err := c.Read(buf, 20*time.Millisecond); !errors.Is(err, audio.ErrNoData) {
		t.Errorf("read after end = %v, want ErrNoData", err)
	}
}

func TestCapture_ConvertsSourceFormat(t *testing.T) {
	t.Parallel()
	src := audio.Format{SampleRate: 16000, Channels: 2}
	pcm := make([]byte, src.FrameBytes(40*time.Millisecond))

	c, err := NewCapture(rawOpener(pcm, src), CaptureConfig{Codec: audio.CodecG711A})
	if err != nil {
		t.Fatalf("NewCapture: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, fr := range readFrames(t, c, 2) {
		if len(fr) != 160 {
			t.Errorf("frame %d is %d bytes, want 160", i, len(fr))
		}
	}
}

func TestCapture_EncoderOverrideAndLoop(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 48000, Channels: 1}
	pcm := sine(1920, 48000) // two 20 ms frames

	opens := 0
	open := func() (*Source, error) {
		opens++
		return NewRawSource(bytes.NewReader(pcm), f), nil
	}
	c, err := NewCapture(open, CaptureConfig{Codec: audio.CodecOpus, Loop: true, Buffer: 1, Encoder: &fakeCodec{}})
	if err != nil {
		t.Fatalf("NewCapture: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for i, fr := range readFrames(t, c, 5) {
		// fakeCodec encodes the PCM length: 1920 bytes.
		if !bytes.Equal(fr, []byte{0x07, 0x80}) {
			t.Errorf("frame %d = %x, want 0780", i, fr)
		}
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if opens < 3 {
		t.Errorf("source opened %d times, want at least 3", opens)
	}
}

func TestCapture_PassthroughPackets(t *testing.T) {
	t.Parallel()
	data := []byte("aaaabbbbcccc")
	c, err := NewCapture(rawOpener(data, audio.Format{}), CaptureConfig{Codec: audio.CodecAACLC, PacketSize: 4})
	if err != nil {
		t.Fatalf("NewCapture: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := readFrames(t, c, 3)
	for i, want := range []string{"aaaa", "bbbb", "cccc"} {
		if string(got[i]) != want {
			t.Errorf("packet %d = %q, want %q", i, got[i], want)
		}
	}
}

func TestCapture_PassthroughNeedsPacketSize(t *testing.T) {
	t.Parallel()
	if _, err := NewCapture(rawOpener(nil, audio.Format{}), CaptureConfig{Codec: audio.CodecAACLC}); err == nil {
		t.Fatal("NewCapture accepted aaclc without packet size")
	}
}

func TestCapture_RejectsUnframableSource(t *testing.T) {
	t.Parallel()
	c, err := NewCapture(rawOpener(nil, audio.Format{}), CaptureConfig{Codec: audio.CodecG711A})
	if err != nil {
		t.Fatalf("NewCapture: %v", err)
	}
	if err := c.Run(); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("Run error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestCapture_ShortBuffer(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 8000, Channels: 1}
	c, err := NewCapture(rawOpener(sine(160, 8000), f), CaptureConfig{Codec: audio.CodecG711A})
	if err != nil {
		t.Fatalf("NewCapture: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	if err := c.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	_, err = c.Read(make([]byte, 10), time.Second)
	if !errors.Is(err, io.ErrShortBuffer) {
		t.Fatalf("Read error = %v, want io.ErrShortBuffer", err)
	}
}

func TestCapture_CloseUnblocksRead(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 8000, Channels: 1}
	c, err := NewCapture(rawOpener(nil, f), CaptureConfig{Codec: audio.CodecG711A})
	if err != nil {
		t.Fatalf("NewCapture: %v", err)
	}
	if err := c.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Read(make([]byte, 160), 0)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrCaptureClosed) {
			t.Errorf("Read error = %v, want ErrCaptureClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Read not unblocked by Close")
	}
	if err := c.Run(); !errors.Is(err, ErrCaptureClosed) {
		t.Errorf("Run after Close = %v, want ErrCaptureClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestCapture_RealtimePacing(t *testing.T) {
	t.Parallel()
	f := audio.Format{SampleRate: 8000, Channels: 1}
	c, err := NewCapture(rawOpener(sine(800, 8000), f), CaptureConfig{
		Codec:         audio.CodecG711A,
		FrameDuration: 10 * time.Millisecond,
		Realtime:      true,
	})
	if err != nil {
		t.Fatalf("NewCapture: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	start := time.Now()
	if err := c.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	readFrames(t, c, 5)
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("5 paced frames took %v, want at least 40ms", elapsed)
	}
}
