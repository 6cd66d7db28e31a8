package bridge

import (
	"context"
	"log/slog"

	"github.com/MrWong99/rtcbridge/internal/observe"
	"github.com/MrWong99/rtcbridge/pkg/audio"
)

// DefaultWakePrompt is the tone played when the wake word is detected.
const DefaultWakePrompt = "spiffs://spiffs/dingding.wav"

// WakeGate lets uplink audio through only between a wake start and a wake
// end event. It also pauses local playback while the prompt tone plays and
// resumes it once the tone finished.
type WakeGate struct {
	level    *Level
	render   audio.Render
	tone     audio.TonePlayer
	prompt   string
	dispatch *dispatcher
	metrics  *observe.Metrics
}

func newWakeGate(level *Level, render audio.Render, tone audio.TonePlayer, prompt string, d *dispatcher, m *observe.Metrics) *WakeGate {
	return &WakeGate{
		level:    level,
		render:   render,
		tone:     tone,
		prompt:   prompt,
		dispatch: d,
		metrics:  m,
	}
}

// HandleEvent reacts to one recorder event. It is the callback handed to the
// recorder factory and never blocks on playback.
func (g *WakeGate) HandleEvent(ev audio.RecorderEvent) {
	g.metrics.RecordWakeEvent(context.Background(), ev.Type.String())

	switch ev.Type {
	case audio.RecorderWakeStart:
		slog.Info("bridge: wake start")
		if err := g.render.Stop(); err != nil {
			slog.Warn("bridge: failed to stop render on wake", "err", err)
		}
		g.playPrompt()
		g.level.Set()
	case audio.RecorderWakeEnd:
		slog.Info("bridge: wake end")
		g.level.Clear()
		if err := g.render.Stop(); err != nil {
			slog.Warn("bridge: failed to stop render on wake end", "err", err)
		}
	case audio.RecorderVADStart, audio.RecorderVADEnd:
		slog.Debug("bridge: voice activity", "event", ev.Type.String())
	default:
		slog.Debug("bridge: unhandled recorder event", "event", ev.Type.String())
	}
}

// playPrompt queues the prompt tone followed by a render resume.
func (g *WakeGate) playPrompt() {
	g.dispatch.submit("wake-prompt", func(ctx context.Context) {
		if g.tone != nil && g.prompt != "" {
			if err := g.tone.Play(ctx, g.prompt); err != nil {
				slog.Warn("bridge: failed to play wake prompt", "uri", g.prompt, "err", err)
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err := g.render.Run(); err != nil {
			slog.Warn("bridge: failed to resume render after wake prompt", "err", err)
		}
	})
}

// Set opens the gate.
func (g *WakeGate) Set() { g.level.Set() }

// Clear closes the gate.
func (g *WakeGate) Clear() { g.level.Clear() }

// IsSet reports whether the gate is open.
func (g *WakeGate) IsSet() bool { return g.level.IsSet() }

// Wait blocks until the gate is open or ctx is done.
func (g *WakeGate) Wait(ctx context.Context) error { return g.level.Wait(ctx) }
