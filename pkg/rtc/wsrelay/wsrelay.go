// Package wsrelay implements [rtc.Engine] on top of a WebSocket relay server.
//
// The relay speaks a small protocol. Control messages are JSON text frames
// carrying a "type" field:
//
//	client → relay: join, leave
//	relay → client: joined, error, user_joined, user_left, mute, message,
//	                keyframe_request
//
// Audio travels in binary frames laid out as
//
//	[1 byte user ID length][user ID][2 bytes big-endian sent timestamp][payload]
//
// Frames sent by the client carry an empty user ID; the relay fills in the
// sender before fanning the frame out to the other room members.
//
// The connection is not re-established after it drops. A lost connection is
// reported through OnConnectionLost.
package wsrelay

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/rtcbridge/pkg/audio"
	"github.com/MrWong99/rtcbridge/pkg/rtc"
	"github.com/coder/websocket"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = time.Second
	closeTimeout        = 2 * time.Second
)

// ErrState is returned when a method is called in the wrong lifecycle state.
var ErrState = errors.New("wsrelay: invalid engine state")

// ErrMalformedFrame is reported for binary frames that do not follow the
// audio frame layout.
var ErrMalformedFrame = errors.New("wsrelay: malformed audio frame")

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithDialTimeout bounds the WebSocket handshake performed by JoinRoom.
func WithDialTimeout(d time.Duration) Option {
	return func(e *Engine) { e.dialTimeout = d }
}

// WithWriteTimeout bounds every frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(e *Engine) { e.writeTimeout = d }
}

// WithHeader adds an HTTP header to the handshake request.
func WithHeader(key, value string) Option {
	return func(e *Engine) { e.header.Add(key, value) }
}

// ── Protocol message types ────────────────────────────────────────────────────

type roomOptions struct {
	AutoSubscribeAudio bool `json:"auto_subscribe_audio"`
	AutoSubscribeVideo bool `json:"auto_subscribe_video"`
	AutoPublishAudio   bool `json:"auto_publish_audio"`
	AutoPublishVideo   bool `json:"auto_publish_video"`
}

type joinMessage struct {
	Type    string            `json:"type"`
	AppID   string            `json:"app_id"`
	RoomID  string            `json:"room_id"`
	UserID  string            `json:"user_id"`
	Token   string            `json:"token,omitempty"`
	Codec   string            `json:"codec"`
	Options roomOptions       `json:"options"`
	Params  []json.RawMessage `json:"params,omitempty"`
}

type leaveMessage struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// serverEvent is the union of all relay → client control messages.
type serverEvent struct {
	Type string `json:"type"`

	// joined / user_joined
	ElapsedMs int64 `json:"elapsed_ms,omitempty"`
	Rejoin    bool  `json:"rejoin,omitempty"`

	// error
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// user_joined / user_left / mute / message / keyframe_request
	UserID string `json:"user_id,omitempty"`

	// user_left
	Reason int `json:"reason,omitempty"`

	// mute
	Kind  string `json:"kind,omitempty"`
	Muted bool   `json:"muted,omitempty"`

	// message
	Data   []byte `json:"data,omitempty"`
	Binary bool   `json:"binary,omitempty"`
}

// ── Engine ─────────────────────────────────────────────────────────────────────

type state int

const (
	stateCreated state = iota
	stateInitialized
	stateJoined
	stateFinalized
	stateDestroyed
)

// Engine is an [rtc.Engine] connected to a relay at a fixed URL.
type Engine struct {
	url          string
	appID        string
	handler      rtc.EventHandler
	header       http.Header
	dialTimeout  time.Duration
	writeTimeout time.Duration

	mu       sync.Mutex
	state    state
	logLevel rtc.LogLevel
	params   []json.RawMessage
	codec    audio.Codec
	roomID   string
	publish  bool
	closing  bool
	lost     bool
	ts       uint16
	conn     *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFactory returns an [rtc.Factory] creating engines that connect to url.
func NewFactory(url string, opts ...Option) rtc.Factory {
	return func(appID string, h rtc.EventHandler) (rtc.Engine, error) {
		return New(url, appID, h, opts...), nil
	}
}

// New creates an engine for the relay at url.
func New(url, appID string, h rtc.EventHandler, opts ...Option) *Engine {
	e := &Engine{
		url:          url,
		appID:        appID,
		handler:      h,
		header:       http.Header{},
		dialTimeout:  defaultDialTimeout,
		writeTimeout: defaultWriteTimeout,
		logLevel:     rtc.LogError,
		codec:        audio.CodecOpus,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetLogLevel records the level. Protocol traces are logged at debug level
// only when the level is [rtc.LogDebug] or more verbose.
func (e *Engine) SetLogLevel(level rtc.LogLevel) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logLevel = level
	return nil
}

// SetParams validates params as a JSON object and forwards it to the relay in
// the join request.
func (e *Engine) SetParams(params string) error {
	var obj map[string]any
	if err := json.Unmarshal([]byte(params), &obj); err != nil {
		return fmt.Errorf("wsrelay: params: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params = append(e.params, json.RawMessage(params))
	return nil
}

// Init finishes configuration.
func (e *Engine) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateCreated {
		return fmt.Errorf("wsrelay: init: %w", ErrState)
	}
	if e.url == "" {
		return errors.New("wsrelay: init: relay URL is empty")
	}
	e.state = stateInitialized
	return nil
}

// SetAudioCodec selects the codec announced to the relay.
func (e *Engine) SetAudioCodec(codec audio.Codec) error {
	if !codec.IsValid() {
		return fmt.Errorf("wsrelay: codec %q: %w", codec, rtc.ErrUnsupportedCodec)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codec = codec
	return nil
}

// JoinRoom dials the relay and sends the join request. Success is reported
// once the relay answers with a joined message.
func (e *Engine) JoinRoom(roomID, userID, token string, opts rtc.RoomOptions) error {
	e.mu.Lock()
	if e.state != stateInitialized {
		e.mu.Unlock()
		return fmt.Errorf("wsrelay: join room: %w", ErrState)
	}
	join := joinMessage{
		Type:   "join",
		AppID:  e.appID,
		RoomID: roomID,
		UserID: userID,
		Token:  token,
		Codec:  e.codec.String(),
		Options: roomOptions{
			AutoSubscribeAudio: opts.AutoSubscribeAudio,
			AutoSubscribeVideo: opts.AutoSubscribeVideo,
			AutoPublishAudio:   opts.AutoPublishAudio,
			AutoPublishVideo:   opts.AutoPublishVideo,
		},
		Params: e.params,
	}
	e.mu.Unlock()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), e.dialTimeout)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, e.url, &websocket.DialOptions{HTTPHeader: e.header})
	if err != nil {
		return fmt.Errorf("wsrelay: dial %s: %w", e.url, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.conn = conn
	e.ctx = ctx
	e.cancel = cancel
	e.roomID = roomID
	e.publish = opts.AutoPublishAudio
	e.done = make(chan struct{})
	e.state = stateJoined
	e.mu.Unlock()

	if err := e.writeJSON(join); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "join failed")
		e.mu.Lock()
		e.state = stateInitialized
		e.conn = nil
		close(e.done)
		e.mu.Unlock()
		return fmt.Errorf("wsrelay: send join: %w", err)
	}
	e.debug("wsrelay: join sent", "room_id", roomID, "user_id", userID, "codec", join.Codec)

	go e.receiveLoop(time.Now())
	return nil
}

// SendAudioData writes one binary audio frame. Frames are silently dropped
// when the room options disable audio publishing.
func (e *Engine) SendAudioData(roomID string, data []byte, _ rtc.FrameInfo) error {
	e.mu.Lock()
	if e.state != stateJoined || e.closing || e.lost || roomID != e.roomID {
		e.mu.Unlock()
		return rtc.ErrNotJoined
	}
	if !e.publish {
		e.mu.Unlock()
		return nil
	}
	e.ts++
	frame := EncodeAudioFrame("", e.ts, data)
	e.mu.Unlock()

	if err := e.write(websocket.MessageBinary, frame); err != nil {
		return fmt.Errorf("wsrelay: send audio: %w", err)
	}
	return nil
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (e *Engine) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wsrelay: marshal: %w", err)
	}
	return e.write(websocket.MessageText, data)
}

func (e *Engine) write(typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(e.ctx, e.writeTimeout)
	defer cancel()
	return e.conn.Write(ctx, typ, data)
}

// receiveLoop reads frames until the connection closes. It owns done.
func (e *Engine) receiveLoop(start time.Time) {
	defer close(e.done)
	for {
		typ, data, err := e.conn.Read(e.ctx)
		if err != nil {
			e.mu.Lock()
			closing := e.closing
			e.mu.Unlock()
			if closing || e.ctx.Err() != nil {
				return
			}
			e.mu.Lock()
			e.lost = true
			e.mu.Unlock()
			slog.Warn("wsrelay: connection lost", "room_id", e.roomID, "err", err)
			e.handler.ConnectionLost(e.roomID)
			return
		}
		if typ == websocket.MessageBinary {
			e.handleAudio(data)
			continue
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			e.debug("wsrelay: ignoring undecodable message", "err", err)
			continue
		}
		e.handleServerEvent(&evt, start)
	}
}

func (e *Engine) handleAudio(data []byte) {
	userID, ts, payload, err := DecodeAudioFrame(data)
	if err != nil {
		e.debug("wsrelay: dropping audio frame", "bytes", len(data), "err", err)
		return
	}
	e.mu.Lock()
	codec := e.codec
	e.mu.Unlock()
	e.handler.AudioData(e.roomID, userID, ts, codec, payload)
}

func (e *Engine) handleServerEvent(evt *serverEvent, start time.Time) {
	room := e.roomID
	elapsed := time.Duration(evt.ElapsedMs) * time.Millisecond
	switch evt.Type {
	case "joined":
		if elapsed == 0 {
			elapsed = time.Since(start)
		}
		if evt.Rejoin {
			e.handler.RejoinRoomSuccess(room, elapsed)
			return
		}
		e.handler.JoinRoomSuccess(room, elapsed)
	case "error":
		e.handler.RoomError(room, evt.Code, evt.Message)
	case "user_joined":
		e.handler.UserJoined(room, evt.UserID, elapsed)
	case "user_left":
		e.handler.UserOffline(room, evt.UserID, evt.Reason)
	case "mute":
		switch evt.Kind {
		case "audio":
			e.handler.UserMuteAudio(room, evt.UserID, evt.Muted)
		case "video":
			e.handler.UserMuteVideo(room, evt.UserID, evt.Muted)
		}
	case "message":
		e.handler.MessageReceived(room, evt.UserID, evt.Data, evt.Binary)
	case "keyframe_request":
		e.handler.KeyFrameGenReq(room, evt.UserID)
	default:
		e.debug("wsrelay: unknown message type", "type", evt.Type)
	}
}

func (e *Engine) debug(msg string, args ...any) {
	e.mu.Lock()
	verbose := e.logLevel <= rtc.LogDebug
	e.mu.Unlock()
	if verbose {
		slog.Debug(msg, args...)
	}
}

// Fini sends a leave message, closes the connection and waits for the
// receive loop to exit.
func (e *Engine) Fini() error {
	e.mu.Lock()
	if e.state != stateJoined || e.closing {
		if e.state == stateInitialized || e.state == stateCreated {
			e.state = stateFinalized
		}
		e.mu.Unlock()
		return nil
	}
	e.closing = true
	roomID := e.roomID
	lost := e.lost
	e.mu.Unlock()

	var errs []error
	if !lost {
		if err := e.writeJSON(leaveMessage{Type: "leave", RoomID: roomID}); err != nil {
			errs = append(errs, fmt.Errorf("wsrelay: send leave: %w", err))
		}
	}
	closed := make(chan error, 1)
	go func() { closed <- e.conn.Close(websocket.StatusNormalClosure, "leave") }()
	select {
	case <-closed:
	case <-time.After(closeTimeout):
		slog.Warn("wsrelay: close handshake timed out", "room_id", roomID)
	}
	e.cancel()
	<-e.done

	e.mu.Lock()
	e.state = stateFinalized
	e.closing = false
	e.mu.Unlock()
	return errors.Join(errs...)
}

// Destroy releases the engine. It finalises first if needed.
func (e *Engine) Destroy() error {
	err := e.Fini()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = stateDestroyed
	return err
}

var _ rtc.Engine = (*Engine)(nil)

// ── Audio frame codec ──────────────────────────────────────────────────────────

// EncodeAudioFrame lays out one binary audio frame.
func EncodeAudioFrame(userID string, ts uint16, payload []byte) []byte {
	if len(userID) > 255 {
		userID = userID[:255]
	}
	out := make([]byte, 0, 1+len(userID)+2+len(payload))
	out = append(out, byte(len(userID)))
	out = append(out, userID...)
	out = binary.BigEndian.AppendUint16(out, ts)
	return append(out, payload...)
}

// DecodeAudioFrame splits a binary audio frame. The returned payload aliases
// data.
func DecodeAudioFrame(data []byte) (userID string, ts uint16, payload []byte, err error) {
	if len(data) < 1 {
		return "", 0, nil, ErrMalformedFrame
	}
	n := int(data[0])
	if len(data) < 1+n+2 {
		return "", 0, nil, ErrMalformedFrame
	}
	userID = string(data[1 : 1+n])
	ts = binary.BigEndian.Uint16(data[1+n:])
	return userID, ts, data[1+n+2:], nil
}
