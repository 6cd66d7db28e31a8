// Package loopback provides an in-process [rtc.Engine] that echoes every sent
// audio frame back as remote audio from a virtual peer. It needs no network
// and is used for local testing of capture and render pipelines.
package loopback

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/rtcbridge/pkg/audio"
	"github.com/MrWong99/rtcbridge/pkg/rtc"
)

// DefaultPeerID is the user ID of the virtual peer.
const DefaultPeerID = "loopback-peer"

const echoBuffer = 64

// ErrState is returned when a method is called in the wrong lifecycle state.
var ErrState = errors.New("loopback: invalid engine state")

// Option configures an [Engine].
type Option func(*Engine)

// WithPeerID sets the virtual peer's user ID.
func WithPeerID(id string) Option {
	return func(e *Engine) { e.peerID = id }
}

// WithJoinDelay delays the join confirmation.
func WithJoinDelay(d time.Duration) Option {
	return func(e *Engine) { e.joinDelay = d }
}

// WithEchoDelay delays every echoed frame.
func WithEchoDelay(d time.Duration) Option {
	return func(e *Engine) { e.echoDelay = d }
}

// WithWelcome makes the virtual peer send msg as a text message after join.
func WithWelcome(msg string) Option {
	return func(e *Engine) { e.welcome = msg }
}

type state int

const (
	stateCreated state = iota
	stateInitialized
	stateJoined
	stateFinalized
	stateDestroyed
)

type echoFrame struct {
	ts    uint16
	codec audio.Codec
	data  []byte
}

// Engine is the loopback [rtc.Engine].
type Engine struct {
	appID     string
	handler   rtc.EventHandler
	peerID    string
	joinDelay time.Duration
	echoDelay time.Duration
	welcome   string

	mu       sync.Mutex
	state    state
	logLevel rtc.LogLevel
	params   []string
	codec    audio.Codec
	roomID   string
	opts     rtc.RoomOptions
	ts       uint16

	echo chan echoFrame
	done chan struct{}
	wg   sync.WaitGroup
}

// NewFactory returns an [rtc.Factory] creating loopback engines.
func NewFactory(opts ...Option) rtc.Factory {
	return func(appID string, h rtc.EventHandler) (rtc.Engine, error) {
		return New(appID, h, opts...), nil
	}
}

// New creates a loopback engine.
func New(appID string, h rtc.EventHandler, opts ...Option) *Engine {
	e := &Engine{
		appID:    appID,
		handler:  h,
		peerID:   DefaultPeerID,
		logLevel: rtc.LogError,
		codec:    audio.CodecOpus,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetLogLevel records the level.
func (e *Engine) SetLogLevel(level rtc.LogLevel) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logLevel = level
	return nil
}

// SetParams validates and records a JSON parameter object.
func (e *Engine) SetParams(params string) error {
	var obj map[string]any
	if err := json.Unmarshal([]byte(params), &obj); err != nil {
		return fmt.Errorf("loopback: params %q: %w", params, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.params = append(e.params, params)
	return nil
}

// Params returns the recorded parameter objects.
func (e *Engine) Params() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.params...)
}

// Init prepares the engine for joining.
func (e *Engine) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateCreated {
		return fmt.Errorf("loopback: init: %w", ErrState)
	}
	e.state = stateInitialized
	return nil
}

// SetAudioCodec accepts every known codec.
func (e *Engine) SetAudioCodec(codec audio.Codec) error {
	if !codec.IsValid() {
		return fmt.Errorf("loopback: codec %q: %w", codec, rtc.ErrUnsupportedCodec)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codec = codec
	return nil
}

// JoinRoom joins a virtual room. Join success, the virtual peer's arrival and
// the optional welcome message are reported asynchronously.
func (e *Engine) JoinRoom(roomID, userID, _ string, opts rtc.RoomOptions) error {
	e.mu.Lock()
	if e.state != stateInitialized {
		e.mu.Unlock()
		return fmt.Errorf("loopback: join room: %w", ErrState)
	}
	e.state = stateJoined
	e.roomID = roomID
	e.opts = opts
	e.echo = make(chan echoFrame, echoBuffer)
	e.done = make(chan struct{})
	e.mu.Unlock()

	slog.Debug("loopback: joining room", "app_id", e.appID, "room_id", roomID, "user_id", userID)
	start := time.Now()
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		if !e.sleep(e.joinDelay) {
			return
		}
		e.handler.JoinRoomSuccess(roomID, time.Since(start))
		e.handler.UserJoined(roomID, e.peerID, time.Since(start))
		if e.welcome != "" {
			e.handler.MessageReceived(roomID, e.peerID, []byte(e.welcome), false)
		}
	}()
	go e.echoLoop(roomID)
	return nil
}

// SendAudioData queues data to be echoed back. Frames are dropped when the
// echo backlog is full or the room options do not publish audio.
func (e *Engine) SendAudioData(roomID string, data []byte, info rtc.FrameInfo) error {
	e.mu.Lock()
	if e.state != stateJoined || roomID != e.roomID {
		e.mu.Unlock()
		return rtc.ErrNotJoined
	}
	if !e.opts.AutoPublishAudio || !e.opts.AutoSubscribeAudio {
		e.mu.Unlock()
		return nil
	}
	e.ts++
	f := echoFrame{ts: e.ts, codec: info.Codec, data: append([]byte(nil), data...)}
	ch := e.echo
	e.mu.Unlock()

	select {
	case ch <- f:
	default:
		slog.Debug("loopback: echo backlog full, dropping frame", "bytes", len(data))
	}
	return nil
}

func (e *Engine) echoLoop(roomID string) {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case f := <-e.echo:
			if !e.sleep(e.echoDelay) {
				return
			}
			e.handler.AudioData(roomID, e.peerID, f.ts, f.codec, f.data)
		}
	}
}

// sleep waits d or until the engine leaves. It reports false on leave.
func (e *Engine) sleep(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-e.done:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-e.done:
		return false
	}
}

// Fini leaves the room and stops all engine goroutines. No callback runs
// after Fini returned.
func (e *Engine) Fini() error {
	e.mu.Lock()
	if e.state == stateFinalized || e.state == stateDestroyed {
		e.mu.Unlock()
		return nil
	}
	joined := e.state == stateJoined
	e.state = stateFinalized
	e.mu.Unlock()

	if joined {
		close(e.done)
		e.wg.Wait()
	}
	return nil
}

// Destroy releases the engine. It finalises first if needed.
func (e *Engine) Destroy() error {
	if err := e.Fini(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = stateDestroyed
	return nil
}

var _ rtc.Engine = (*Engine)(nil)
