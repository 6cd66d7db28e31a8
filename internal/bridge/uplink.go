package bridge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/rtcbridge/internal/observe"
	"github.com/MrWong99/rtcbridge/pkg/audio"
	"github.com/MrWong99/rtcbridge/pkg/rtc"
)

// runUplink reads encoded frames from the recorder and publishes complete
// ones to the room until ctx is cancelled. With wake mode enabled it only
// reads while the wake gate is open. The gate is cleared on exit.
func (r *run) runUplink(ctx context.Context) {
	slog.Debug("bridge: uplink worker started", "wake_mode", r.cfg.WakeMode)
	defer slog.Debug("bridge: uplink worker stopped")
	defer r.gate.Clear()

	size := r.capture.DefaultReadSize()
	if size <= 0 {
		slog.Error("bridge: capture reports no frame size, uplink disabled", "size", size)
		<-ctx.Done()
		return
	}
	buf := make([]byte, size)
	info := rtc.FrameInfo{Codec: r.cfg.Codec}

	for ctx.Err() == nil {
		if r.cfg.WakeMode {
			r.uplinkGated(ctx, buf, info)
		} else {
			r.uplinkOnce(ctx, buf, info)
		}
	}
}

// uplinkOnce performs one ungated read. Errors other than a read timeout are
// followed by a retry pause so a failing pipeline cannot spin the worker.
func (r *run) uplinkOnce(ctx context.Context, buf []byte, info rtc.FrameInfo) {
	n, err := r.recorder.Read(buf, r.cfg.ReadTimeout)
	if err != nil {
		if errors.Is(err, audio.ErrNoData) {
			r.metrics.RecordReadSkip(ctx, observe.ReasonNoData)
			return
		}
		r.metrics.RecordReadSkip(ctx, observe.ReasonReadError)
		slog.Debug("bridge: capture read failed", "err", err)
		sleepCtx(ctx, r.cfg.NoDataRetry)
		return
	}
	r.sendIfComplete(ctx, buf, n, info)
}

// uplinkGated waits for the wake gate and performs one read. A read timeout
// is retried after a short pause; a hard error closes the gate again.
func (r *run) uplinkGated(ctx context.Context, buf []byte, info rtc.FrameInfo) {
	if err := r.gate.Wait(ctx); err != nil {
		return
	}
	if ctx.Err() != nil {
		return
	}

	n, err := r.recorder.Read(buf, r.cfg.ReadTimeout)
	switch {
	case errors.Is(err, audio.ErrNoData), err == nil && n == 0:
		r.metrics.RecordReadSkip(ctx, observe.ReasonNoData)
		sleepCtx(ctx, r.cfg.NoDataRetry)
	case err != nil:
		r.metrics.RecordReadSkip(ctx, observe.ReasonReadError)
		slog.Error("bridge: capture read failed, closing wake gate", "err", err)
		r.gate.Clear()
	default:
		r.sendIfComplete(ctx, buf, n, info)
	}
}

// sendIfComplete publishes buf[:n] when it holds a whole frame.
func (r *run) sendIfComplete(ctx context.Context, buf []byte, n int, info rtc.FrameInfo) {
	if n != len(buf) {
		r.metrics.RecordReadSkip(ctx, observe.ReasonPartial)
		slog.Debug("bridge: skipping partial capture frame", "got", n, "want", len(buf))
		return
	}
	if err := r.engine.SendAudioData(r.creds.RoomID, buf, info); err != nil {
		r.metrics.SendErrors.Add(ctx, 1)
		slog.Debug("bridge: send audio failed", "room_id", r.creds.RoomID, "err", err)
		return
	}
	r.metrics.FramesSent.Add(ctx, 1)
}

// sleepCtx waits for d or until ctx is done. It reports ctx.Err().
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
