package bridge

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/rtcbridge/internal/observe"
)

// runDownlink drains the frame queue into the render pipeline until ctx is
// cancelled or the queue is closed. Every dequeued frame is released.
func (r *run) runDownlink(ctx context.Context) {
	slog.Debug("bridge: downlink worker started")
	defer slog.Debug("bridge: downlink worker stopped")

	for ctx.Err() == nil {
		f, err := r.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		r.metrics.QueueDepth.Add(context.Background(), -1)
		r.renderPayload(f.Bytes())
		f.Release()
	}
}

// renderPayload reframes one payload and writes it to the render pipeline.
// Failures are logged and counted; the worker keeps running.
func (r *run) renderPayload(payload []byte) {
	ctx := context.Background()

	out, err := r.reframer.Reframe(payload)
	if err != nil {
		if errors.Is(err, ErrPayloadTooLarge) {
			r.metrics.RecordFrameDropped(ctx, observe.ReasonOversize)
		}
		slog.Warn("bridge: dropping downlink frame", "bytes", len(payload), "err", err)
		return
	}

	if _, err := r.render.Write(out); err != nil {
		r.metrics.RenderErrors.Add(ctx, 1)
		slog.Warn("bridge: render write failed", "bytes", len(out), "err", err)
		return
	}
	r.metrics.FramesRendered.Add(ctx, 1)
}
