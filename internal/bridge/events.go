package bridge

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/rtcbridge/internal/message"
	"github.com/MrWong99/rtcbridge/internal/observe"
	"github.com/MrWong99/rtcbridge/pkg/audio"
	"github.com/MrWong99/rtcbridge/pkg/rtc"
)

// DefaultEventBuffer is the capacity of a session's control event channel.
const DefaultEventBuffer = 32

// EventKind classifies control events raised by the engine.
type EventKind int

const (
	EventRoomError EventKind = iota
	EventConnectionLost
	EventRejoined
	EventUserJoined
	EventUserOffline
	EventUserMuteAudio
	EventUserMuteVideo
	EventVideoData
	EventKeyFrameRequest
	EventMessage
)

// String returns the snake_case name used in logs and metric attributes.
func (k EventKind) String() string {
	switch k {
	case EventRoomError:
		return "room_error"
	case EventConnectionLost:
		return "connection_lost"
	case EventRejoined:
		return "rejoined"
	case EventUserJoined:
		return "user_joined"
	case EventUserOffline:
		return "user_offline"
	case EventUserMuteAudio:
		return "user_mute_audio"
	case EventUserMuteVideo:
		return "user_mute_video"
	case EventVideoData:
		return "video_data"
	case EventKeyFrameRequest:
		return "key_frame_request"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is one control notification from the engine, copied out of the
// callback so it can be handled on the session's own goroutine.
type Event struct {
	Kind    EventKind
	RoomID  string
	UserID  string
	Code    int
	Reason  int
	Text    string
	Muted   bool
	Elapsed time.Duration

	// KeyFrame and Size describe video data; the frame itself is not kept.
	KeyFrame bool
	Size     int

	// Payload and Binary carry a received message.
	Payload []byte
	Binary  bool
}

// handler builds the fixed callback table handed to the engine factory.
// Audio and join callbacks are handled inline; everything else is published
// to the event channel.
func (r *run) handler() rtc.EventHandler {
	return rtc.EventHandler{
		OnJoinRoomSuccess: r.onJoinRoomSuccess,
		OnRejoinRoomSuccess: func(roomID string, elapsed time.Duration) {
			r.onJoinRoomSuccess(roomID, elapsed)
			r.publish(Event{Kind: EventRejoined, RoomID: roomID, Elapsed: elapsed})
		},
		OnRoomError: func(roomID string, code int, msg string) {
			r.publish(Event{Kind: EventRoomError, RoomID: roomID, Code: code, Text: msg})
		},
		OnConnectionLost: func(roomID string) {
			r.publish(Event{Kind: EventConnectionLost, RoomID: roomID})
		},
		OnUserJoined: func(roomID, userID string, elapsed time.Duration) {
			r.publish(Event{Kind: EventUserJoined, RoomID: roomID, UserID: userID, Elapsed: elapsed})
		},
		OnUserOffline: func(roomID, userID string, reason int) {
			r.publish(Event{Kind: EventUserOffline, RoomID: roomID, UserID: userID, Reason: reason})
		},
		OnUserMuteAudio: func(roomID, userID string, muted bool) {
			r.publish(Event{Kind: EventUserMuteAudio, RoomID: roomID, UserID: userID, Muted: muted})
		},
		OnUserMuteVideo: func(roomID, userID string, muted bool) {
			r.publish(Event{Kind: EventUserMuteVideo, RoomID: roomID, UserID: userID, Muted: muted})
		},
		OnAudioData: r.onAudioData,
		OnVideoData: func(roomID, userID string, _ uint16, keyFrame bool, data []byte) {
			r.publish(Event{Kind: EventVideoData, RoomID: roomID, UserID: userID, KeyFrame: keyFrame, Size: len(data)})
		},
		OnKeyFrameGenReq: func(roomID, userID string) {
			r.publish(Event{Kind: EventKeyFrameRequest, RoomID: roomID, UserID: userID})
		},
		OnMessageReceived: func(roomID, userID string, msg []byte, binary bool) {
			r.publish(Event{Kind: EventMessage, RoomID: roomID, UserID: userID, Payload: bytes.Clone(msg), Binary: binary})
		},
	}
}

// onJoinRoomSuccess fires the joined signal. Repeated calls are no-ops.
func (r *run) onJoinRoomSuccess(roomID string, elapsed time.Duration) {
	if r.joined.Set() {
		r.metrics.JoinDuration.Record(context.Background(), elapsed.Seconds())
		slog.Info("bridge: join room success", "room_id", roomID, "elapsed", elapsed)
	}
}

// onAudioData copies a remote payload into a pooled frame and queues it for
// the downlink worker. It never waits longer than the enqueue timeout.
func (r *run) onAudioData(roomID, userID string, _ uint16, _ audio.Codec, data []byte) {
	ctx := context.Background()
	if r.render.State() == audio.PlayerIdle {
		r.metrics.RecordFrameDropped(ctx, observe.ReasonRenderIdle)
		return
	}

	f := r.pool.Get(data)
	if err := r.queue.Enqueue(f); err != nil {
		f.Release()
		if errors.Is(err, ErrQueueFull) {
			slog.Warn("bridge: audio frame queue full, dropping frame",
				"room_id", roomID,
				"user_id", userID,
				"bytes", len(data),
			)
			r.metrics.RecordFrameDropped(ctx, observe.ReasonQueueFull)
			return
		}
		r.metrics.RecordFrameDropped(ctx, observe.ReasonQueueClosed)
		return
	}
	r.metrics.FramesEnqueued.Add(ctx, 1)
	r.metrics.QueueDepth.Add(ctx, 1)
}

// publish hands ev to the event loop without blocking. A full channel drops
// the event.
func (r *run) publish(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.metrics.EventsDropped.Add(context.Background(), 1)
		slog.Warn("bridge: event channel full, dropping event", "kind", ev.Kind.String())
	}
}

// startEvents launches the event loop.
func (r *run) startEvents(ctx context.Context) {
	ctx, r.eventsCancel = context.WithCancel(ctx)
	r.eventsDone = make(chan struct{})
	go r.runEvents(ctx)
}

// stopEvents stops the event loop after it handled every event already
// published.
func (r *run) stopEvents() {
	if r.eventsCancel == nil {
		return
	}
	r.eventsCancel()
	<-r.eventsDone
}

func (r *run) runEvents(ctx context.Context) {
	defer close(r.eventsDone)
	for {
		select {
		case ev := <-r.events:
			r.handleEvent(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-r.events:
					r.handleEvent(ev)
				default:
					return
				}
			}
		}
	}
}

// handleEvent logs and forwards one control event. Room errors and lost
// connections are reported but never trigger a reconnect.
func (r *run) handleEvent(ev Event) {
	r.metrics.RecordEngineEvent(context.Background(), ev.Kind.String())

	switch ev.Kind {
	case EventRoomError:
		slog.Error("bridge: room error", "room_id", ev.RoomID, "code", ev.Code, "msg", ev.Text)
	case EventConnectionLost:
		slog.Warn("bridge: connection lost", "room_id", ev.RoomID)
	case EventRejoined:
		slog.Info("bridge: rejoined room", "room_id", ev.RoomID, "elapsed", ev.Elapsed)
	case EventUserJoined:
		slog.Info("bridge: user joined", "room_id", ev.RoomID, "user_id", ev.UserID)
	case EventUserOffline:
		slog.Info("bridge: user offline", "room_id", ev.RoomID, "user_id", ev.UserID, "reason", ev.Reason)
	case EventUserMuteAudio:
		slog.Info("bridge: user audio mute changed", "room_id", ev.RoomID, "user_id", ev.UserID, "muted", ev.Muted)
	case EventUserMuteVideo:
		slog.Info("bridge: user video mute changed", "room_id", ev.RoomID, "user_id", ev.UserID, "muted", ev.Muted)
	case EventVideoData:
		slog.Debug("bridge: ignoring remote video", "room_id", ev.RoomID, "user_id", ev.UserID, "bytes", ev.Size, "key_frame", ev.KeyFrame)
	case EventKeyFrameRequest:
		slog.Debug("bridge: ignoring key frame request", "room_id", ev.RoomID, "user_id", ev.UserID)
	case EventMessage:
		if r.messages == nil {
			slog.Debug("bridge: message received without processor", "room_id", ev.RoomID, "user_id", ev.UserID)
			return
		}
		r.messages.Process(message.Message{
			RoomID:  ev.RoomID,
			UserID:  ev.UserID,
			Payload: ev.Payload,
			Binary:  ev.Binary,
		})
	}
}
