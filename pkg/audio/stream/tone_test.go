package stream

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/rtcbridge/pkg/audio"
	audiomock "github.com/MrWong99/rtcbridge/pkg/audio/mock"
)

func TestTonePlayer_Resolve(t *testing.T) {
	t.Parallel()
	p := &TonePlayer{Root: "/data/tones"}
	tests := []struct {
		uri     string
		want    string
		wantErr error
	}{
		{"spiffs://spiffs/dingding.wav", filepath.FromSlash("/data/tones/dingding.wav"), nil},
		{"spiffs://flash/sub/ok.wav", filepath.FromSlash("/data/tones/sub/ok.wav"), nil},
		{"file:///tmp/beep.wav", filepath.FromSlash("/tmp/beep.wav"), nil},
		{"local.wav", filepath.FromSlash("/data/tones/local.wav"), nil},
		{"http://example.com/x.wav", "", ErrUnsupportedURI},
	}
	for _, tt := range tests {
		got, err := p.Resolve(tt.uri)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("Resolve(%q) error = %v, want %v", tt.uri, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.uri, got, tt.want)
		}
	}
}

func TestTonePlayer_PlaysIntoSink(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	f := audio.Format{SampleRate: 16000, Channels: 1}
	writeWAV(t, root, "dingding.wav", sine(1600, 16000), f)

	buf := &syncBuffer{}
	p := &TonePlayer{Sink: NewSink(buf, audio.Format{SampleRate: 16000, Channels: 2}), Root: root}
	if err := p.Play(t.Context(), "spiffs://spiffs/dingding.wav"); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if got := buf.Len(); got != 1600*2*2 {
		t.Errorf("sink got %d bytes, want %d", got, 1600*2*2)
	}
}

func TestTonePlayer_MissingFile(t *testing.T) {
	t.Parallel()
	p := &TonePlayer{Sink: NewSink(&syncBuffer{}, audio.Format{SampleRate: 8000, Channels: 1}), Root: t.TempDir()}
	if err := p.Play(t.Context(), "spiffs://spiffs/none.wav"); err == nil {
		t.Fatal("Play of missing file succeeded")
	}
}

func TestTonePlayer_RealtimeCancel(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	f := audio.Format{SampleRate: 8000, Channels: 1}
	writeWAV(t, root, "long.wav", sine(8000*5, 8000), f)

	p := &TonePlayer{Sink: NewSink(&syncBuffer{}, f), Root: root, Realtime: true}
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := p.Play(ctx, "long.wav")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Play error = %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancelled Play took %v", elapsed)
	}
}

func TestManual_FireRoutesToActiveRecorder(t *testing.T) {
	t.Parallel()
	m := &Manual{}
	if err := m.Fire(audio.RecorderWakeStart); !errors.Is(err, ErrNoRecorder) {
		t.Fatalf("Fire without recorder = %v, want ErrNoRecorder", err)
	}

	capture := &audiomock.Capture{ReadSize: 2}
	capture.PushFrame([]byte{7, 8})
	var events []audio.RecorderEventType
	rec, err := m.Factory()(capture, func(ev audio.RecorderEvent) { events = append(events, ev.Type) })
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	if !m.Active() {
		t.Fatal("recorder not active after factory")
	}

	if err := m.Fire(audio.RecorderWakeStart); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if err := m.Fire(audio.RecorderWakeEnd); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if len(events) != 2 || events[0] != audio.RecorderWakeStart || events[1] != audio.RecorderWakeEnd {
		t.Errorf("events = %v", events)
	}

	buf := make([]byte, 2)
	n, err := rec.Read(buf, time.Second)
	if err != nil || n != 2 || buf[0] != 7 {
		t.Errorf("Read = %d, %v, %v", n, err, buf)
	}

	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if m.Active() {
		t.Error("recorder still active after Close")
	}
	if err := m.Fire(audio.RecorderWakeStart); !errors.Is(err, ErrNoRecorder) {
		t.Errorf("Fire after Close = %v, want ErrNoRecorder", err)
	}
}

func TestManual_NewRecorderReplacesOld(t *testing.T) {
	t.Parallel()
	m := &Manual{}
	first, _ := m.Factory()(&audiomock.Capture{}, nil)
	var fired int
	if _, err := m.Factory()(&audiomock.Capture{}, func(audio.RecorderEvent) { fired++ }); err != nil {
		t.Fatal(err)
	}
	// Closing the replaced recorder must not detach the new one.
	_ = first.Close()
	if err := m.Fire(audio.RecorderWakeStart); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if fired != 1 {
		t.Errorf("fired = %d, want 1", fired)
	}
}
