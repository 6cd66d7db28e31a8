// Package rtc defines the contract between the bridge and a real-time
// conferencing engine.
//
// An [Engine] is created by a [Factory] together with a fixed [EventHandler]
// callback table. The engine is configured ([Engine.SetLogLevel],
// [Engine.SetParams], [Engine.Init], [Engine.SetAudioCodec]), joins exactly
// one room, sends encoded audio frames into it and reports remote activity
// through the handler. [Engine.Fini] followed by [Engine.Destroy] tears it
// down.
//
// Engine adapters live in sub-packages: rtc/loopback (in-process echo),
// rtc/discord (Discord voice), rtc/wsrelay (WebSocket relay) and rtc/mock.
package rtc

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/rtcbridge/pkg/audio"
)

// ErrNotJoined is returned by [Engine.SendAudioData] before the engine joined
// a room or after it left.
var ErrNotJoined = errors.New("rtc: not joined")

// ErrUnsupportedCodec is returned by [Engine.SetAudioCodec] when the engine
// cannot carry the requested codec.
var ErrUnsupportedCodec = errors.New("rtc: unsupported codec")

// LogLevel is the verbosity of an engine's internal logging.
type LogLevel int

const (
	LogTrace LogLevel = iota
	LogDebug
	LogInfo
	LogWarn
	LogError
	LogNone
)

// String returns the lowercase name of the level.
func (l LogLevel) String() string {
	switch l {
	case LogTrace:
		return "trace"
	case LogDebug:
		return "debug"
	case LogInfo:
		return "info"
	case LogWarn:
		return "warn"
	case LogError:
		return "error"
	case LogNone:
		return "none"
	default:
		return fmt.Sprintf("LogLevel(%d)", int(l))
	}
}

// ParseLogLevel parses a level name. The empty string yields [LogError].
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "":
		return LogError, nil
	case "trace":
		return LogTrace, nil
	case "debug":
		return LogDebug, nil
	case "info":
		return LogInfo, nil
	case "warn", "warning":
		return LogWarn, nil
	case "error":
		return LogError, nil
	case "none", "off":
		return LogNone, nil
	}
	return 0, fmt.Errorf("rtc: unknown log level %q", s)
}

// RoomOptions controls automatic subscription and publication on join.
type RoomOptions struct {
	AutoSubscribeAudio bool
	AutoSubscribeVideo bool
	AutoPublishAudio   bool
	AutoPublishVideo   bool
}

// FrameInfo describes one outgoing audio frame.
type FrameInfo struct {
	// Codec is the encoding of the frame data.
	Codec audio.Codec
}

// EventHandler is the callback table an engine invokes. Callbacks run on the
// engine's own goroutines, may be concurrent with each other, and must not
// block. Byte slices passed to callbacks are only valid for the duration of
// the call. Nil fields are skipped.
//
// Engines invoke callbacks only after [Engine.JoinRoom] was called.
type EventHandler struct {
	OnJoinRoomSuccess   func(roomID string, elapsed time.Duration)
	OnRejoinRoomSuccess func(roomID string, elapsed time.Duration)
	OnRoomError         func(roomID string, code int, msg string)
	OnConnectionLost    func(roomID string)
	OnUserJoined        func(roomID, userID string, elapsed time.Duration)
	OnUserOffline       func(roomID, userID string, reason int)
	OnUserMuteAudio     func(roomID, userID string, muted bool)
	OnUserMuteVideo     func(roomID, userID string, muted bool)
	OnAudioData         func(roomID, userID string, sentTS uint16, codec audio.Codec, data []byte)
	OnVideoData         func(roomID, userID string, sentTS uint16, keyFrame bool, data []byte)
	OnKeyFrameGenReq    func(roomID, userID string)
	OnMessageReceived   func(roomID, userID string, msg []byte, binary bool)
}

// JoinRoomSuccess invokes OnJoinRoomSuccess if set.
func (h EventHandler) JoinRoomSuccess(roomID string, elapsed time.Duration) {
	if h.OnJoinRoomSuccess != nil {
		h.OnJoinRoomSuccess(roomID, elapsed)
	}
}

// RejoinRoomSuccess invokes OnRejoinRoomSuccess if set.
func (h EventHandler) RejoinRoomSuccess(roomID string, elapsed time.Duration) {
	if h.OnRejoinRoomSuccess != nil {
		h.OnRejoinRoomSuccess(roomID, elapsed)
	}
}

// RoomError invokes OnRoomError if set.
func (h EventHandler) RoomError(roomID string, code int, msg string) {
	if h.OnRoomError != nil {
		h.OnRoomError(roomID, code, msg)
	}
}

// ConnectionLost invokes OnConnectionLost if set.
func (h EventHandler) ConnectionLost(roomID string) {
	if h.OnConnectionLost != nil {
		h.OnConnectionLost(roomID)
	}
}

// UserJoined invokes OnUserJoined if set.
func (h EventHandler) UserJoined(roomID, userID string, elapsed time.Duration) {
	if h.OnUserJoined != nil {
		h.OnUserJoined(roomID, userID, elapsed)
	}
}

// UserOffline invokes OnUserOffline if set.
func (h EventHandler) UserOffline(roomID, userID string, reason int) {
	if h.OnUserOffline != nil {
		h.OnUserOffline(roomID, userID, reason)
	}
}

// UserMuteAudio invokes OnUserMuteAudio if set.
func (h EventHandler) UserMuteAudio(roomID, userID string, muted bool) {
	if h.OnUserMuteAudio != nil {
		h.OnUserMuteAudio(roomID, userID, muted)
	}
}

// UserMuteVideo invokes OnUserMuteVideo if set.
func (h EventHandler) UserMuteVideo(roomID, userID string, muted bool) {
	if h.OnUserMuteVideo != nil {
		h.OnUserMuteVideo(roomID, userID, muted)
	}
}

// AudioData invokes OnAudioData if set.
func (h EventHandler) AudioData(roomID, userID string, sentTS uint16, codec audio.Codec, data []byte) {
	if h.OnAudioData != nil {
		h.OnAudioData(roomID, userID, sentTS, codec, data)
	}
}

// VideoData invokes OnVideoData if set.
func (h EventHandler) VideoData(roomID, userID string, sentTS uint16, keyFrame bool, data []byte) {
	if h.OnVideoData != nil {
		h.OnVideoData(roomID, userID, sentTS, keyFrame, data)
	}
}

// KeyFrameGenReq invokes OnKeyFrameGenReq if set.
func (h EventHandler) KeyFrameGenReq(roomID, userID string) {
	if h.OnKeyFrameGenReq != nil {
		h.OnKeyFrameGenReq(roomID, userID)
	}
}

// MessageReceived invokes OnMessageReceived if set.
func (h EventHandler) MessageReceived(roomID, userID string, msg []byte, binary bool) {
	if h.OnMessageReceived != nil {
		h.OnMessageReceived(roomID, userID, msg, binary)
	}
}

// Engine is a conferencing engine instance bound to one [EventHandler].
//
// Configuration methods are called before [Engine.JoinRoom]. SendAudioData may
// be called from a single worker goroutine concurrently with callbacks; it must
// not retain data after it returns.
type Engine interface {
	// SetLogLevel sets the engine's internal log verbosity.
	SetLogLevel(level LogLevel) error

	// SetParams applies one JSON-encoded parameter object.
	SetParams(params string) error

	// Init finishes configuration.
	Init() error

	// SetAudioCodec selects the codec used for published and subscribed audio.
	SetAudioCodec(codec audio.Codec) error

	// JoinRoom starts joining a room. It returns once the request was issued;
	// completion is reported through OnJoinRoomSuccess.
	JoinRoom(roomID, userID, token string, opts RoomOptions) error

	// SendAudioData publishes one encoded frame into the room.
	SendAudioData(roomID string, data []byte, info FrameInfo) error

	// Fini stops the engine's background activity. No callbacks are invoked
	// after Fini returns.
	Fini() error

	// Destroy releases the engine.
	Destroy() error
}

// Factory creates an engine for appID bound to handler.
type Factory func(appID string, handler EventHandler) (Engine, error)
