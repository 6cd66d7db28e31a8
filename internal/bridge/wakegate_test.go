package bridge

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/rtcbridge/internal/observe"
	"github.com/MrWong99/rtcbridge/pkg/audio"
	audiomock "github.com/MrWong99/rtcbridge/pkg/audio/mock"
)

func newTestGate(t *testing.T, tone audio.TonePlayer) (*WakeGate, *audiomock.Render) {
	t.Helper()
	render := &audiomock.Render{}
	if err := render.Run(); err != nil {
		t.Fatal(err)
	}
	d := newDispatcher(0)
	d.start(t.Context())
	t.Cleanup(d.stop)
	return newWakeGate(NewLevel(), render, tone, DefaultWakePrompt, d, observe.DefaultMetrics()), render
}

func TestWakeGate_StartPlaysPromptThenResumesRender(t *testing.T) {
	t.Parallel()
	tone := &audiomock.TonePlayer{Hold: make(chan struct{})}
	g, render := newTestGate(t, tone)

	g.HandleEvent(audio.RecorderEvent{Type: audio.RecorderWakeStart})

	if !g.IsSet() {
		t.Fatal("gate not open after wake start")
	}
	if render.State() != audio.PlayerIdle {
		t.Fatal("render still running while prompt plays")
	}
	waitFor(t, "prompt started", func() bool { return len(tone.Calls()) == 1 })
	if got := tone.Calls()[0]; got != DefaultWakePrompt {
		t.Errorf("prompt = %q, want %q", got, DefaultWakePrompt)
	}

	// Playback resumes only after the tone finished.
	time.Sleep(10 * time.Millisecond)
	if render.State() != audio.PlayerIdle {
		t.Fatal("render resumed before prompt finished")
	}
	close(tone.Hold)
	waitFor(t, "render resumed", func() bool { return render.State() == audio.PlayerRunning })
}

func TestWakeGate_PromptErrorStillResumes(t *testing.T) {
	t.Parallel()
	tone := &audiomock.TonePlayer{PlayError: errors.New("missing file")}
	g, render := newTestGate(t, tone)

	g.HandleEvent(audio.RecorderEvent{Type: audio.RecorderWakeStart})
	waitFor(t, "render resumed", func() bool { return render.State() == audio.PlayerRunning })
}

func TestWakeGate_NoTonePlayer(t *testing.T) {
	t.Parallel()
	g, render := newTestGate(t, nil)

	g.HandleEvent(audio.RecorderEvent{Type: audio.RecorderWakeStart})
	waitFor(t, "render resumed", func() bool { return render.State() == audio.PlayerRunning })
	if !g.IsSet() {
		t.Error("gate not open after wake start")
	}
}

func TestWakeGate_EndClosesGateAndStopsRender(t *testing.T) {
	t.Parallel()
	g, render := newTestGate(t, nil)
	g.Set()

	g.HandleEvent(audio.RecorderEvent{Type: audio.RecorderWakeEnd})
	if g.IsSet() {
		t.Error("gate open after wake end")
	}
	if render.State() != audio.PlayerIdle {
		t.Error("render running after wake end")
	}
}

func TestWakeGate_VADEventsIgnored(t *testing.T) {
	t.Parallel()
	g, render := newTestGate(t, nil)

	g.HandleEvent(audio.RecorderEvent{Type: audio.RecorderVADStart})
	g.HandleEvent(audio.RecorderEvent{Type: audio.RecorderVADEnd})
	if g.IsSet() {
		t.Error("gate opened by VAD event")
	}
	if render.CallCountStop != 0 {
		t.Errorf("render Stop calls = %d, want 0", render.CallCountStop)
	}
}

func TestWakeGate_StopCancelsPendingPrompt(t *testing.T) {
	t.Parallel()
	tone := &audiomock.TonePlayer{Hold: make(chan struct{})}
	render := &audiomock.Render{}
	d := newDispatcher(0)
	d.start(t.Context())
	g := newWakeGate(NewLevel(), render, tone, DefaultWakePrompt, d, observe.DefaultMetrics())

	g.HandleEvent(audio.RecorderEvent{Type: audio.RecorderWakeStart})
	waitFor(t, "prompt started", func() bool { return len(tone.Calls()) == 1 })
	d.stop()

	if render.CallCountRun != 0 {
		t.Error("render resumed after dispatcher stop")
	}
}
