// Package mock provides an in-memory mock implementation of [rtc.Engine] for
// use in unit tests.
//
// The mock is safe for concurrent use. It records every method call and the
// [rtc.EventHandler] it was created with, so tests can drive callbacks
// directly:
//
//	eng := &mock.Engine{AutoJoin: true}
//	sess, _ := bridge.New(cfg, bridge.Deps{Engine: eng.Factory(), ...})
//	_ = sess.Start(ctx)
//	eng.Handler().AudioData("room", "peer", 0, audio.CodecOpus, payload)
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/rtcbridge/pkg/audio"
	"github.com/MrWong99/rtcbridge/pkg/rtc"
)

// JoinCall records the arguments of a single [Engine.JoinRoom] invocation.
type JoinCall struct {
	RoomID  string
	UserID  string
	Token   string
	Options rtc.RoomOptions
}

// SentFrame records one [Engine.SendAudioData] invocation. Data is a copy.
type SentFrame struct {
	RoomID string
	Data   []byte
	Info   rtc.FrameInfo
}

// Engine is a mock implementation of [rtc.Engine].
type Engine struct {
	mu sync.Mutex

	// AutoJoin makes JoinRoom report success on a separate goroutine.
	AutoJoin bool

	// FactoryError is returned by the factory instead of the engine.
	FactoryError error

	// SetLogLevelError, SetParamsError, InitError, SetAudioCodecError,
	// JoinRoomError, SendAudioDataError, FiniError and DestroyError are
	// returned by the corresponding methods.
	SetLogLevelError   error
	SetParamsError     error
	InitError          error
	SetAudioCodecError error
	JoinRoomError      error
	SendAudioDataError error
	FiniError          error
	DestroyError       error

	// AppID is the appID passed to the factory.
	AppID string

	// LogLevel is the last level passed to SetLogLevel.
	LogLevel rtc.LogLevel

	// Params records every SetParams argument in call order.
	Params []string

	// Codec is the last codec passed to SetAudioCodec.
	Codec audio.Codec

	// JoinCalls records all JoinRoom invocations.
	JoinCalls []JoinCall

	// CallCountInit, CallCountFini and CallCountDestroy count the respective
	// lifecycle calls.
	CallCountInit    int
	CallCountFini    int
	CallCountDestroy int

	// Order records lifecycle method names in call order.
	Order []string

	handler   rtc.EventHandler
	sent      []SentFrame
	joinCh    chan struct{}
	joinOnce  sync.Once
	chanOnce  sync.Once
	destroyCh chan struct{}
}

func (e *Engine) chans() {
	e.chanOnce.Do(func() {
		e.joinCh = make(chan struct{})
		e.destroyCh = make(chan struct{})
	})
}

// Factory returns an [rtc.Factory] that records appID and handler and returns e.
func (e *Engine) Factory() rtc.Factory {
	return func(appID string, handler rtc.EventHandler) (rtc.Engine, error) {
		e.chans()
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.FactoryError != nil {
			return nil, e.FactoryError
		}
		e.AppID = appID
		e.handler = handler
		e.Order = append(e.Order, "create")
		return e, nil
	}
}

// Handler returns the handler the engine was created with.
func (e *Engine) Handler() rtc.EventHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handler
}

// JoinRequested is closed the first time JoinRoom is called.
func (e *Engine) JoinRequested() <-chan struct{} {
	e.chans()
	return e.joinCh
}

// Destroyed is closed the first time Destroy is called.
func (e *Engine) Destroyed() <-chan struct{} {
	e.chans()
	return e.destroyCh
}

// SetLogLevel implements [rtc.Engine].
func (e *Engine) SetLogLevel(level rtc.LogLevel) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.LogLevel = level
	e.Order = append(e.Order, "set_log_level")
	return e.SetLogLevelError
}

// SetParams implements [rtc.Engine].
func (e *Engine) SetParams(params string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Params = append(e.Params, params)
	e.Order = append(e.Order, "set_params")
	return e.SetParamsError
}

// Init implements [rtc.Engine].
func (e *Engine) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountInit++
	e.Order = append(e.Order, "init")
	return e.InitError
}

// SetAudioCodec implements [rtc.Engine].
func (e *Engine) SetAudioCodec(codec audio.Codec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Codec = codec
	e.Order = append(e.Order, "set_audio_codec")
	return e.SetAudioCodecError
}

// JoinRoom implements [rtc.Engine].
func (e *Engine) JoinRoom(roomID, userID, token string, opts rtc.RoomOptions) error {
	e.chans()
	e.mu.Lock()
	e.JoinCalls = append(e.JoinCalls, JoinCall{RoomID: roomID, UserID: userID, Token: token, Options: opts})
	e.Order = append(e.Order, "join_room")
	err := e.JoinRoomError
	auto := e.AutoJoin
	h := e.handler
	e.mu.Unlock()

	e.joinOnce.Do(func() { close(e.joinCh) })
	if err != nil {
		return err
	}
	if auto {
		go h.JoinRoomSuccess(roomID, time.Millisecond)
	}
	return nil
}

// SendAudioData implements [rtc.Engine]. A copy of data is recorded.
func (e *Engine) SendAudioData(roomID string, data []byte, info rtc.FrameInfo) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.SendAudioDataError != nil {
		return e.SendAudioDataError
	}
	e.sent = append(e.sent, SentFrame{RoomID: roomID, Data: append([]byte(nil), data...), Info: info})
	return nil
}

// Fini implements [rtc.Engine].
func (e *Engine) Fini() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountFini++
	e.Order = append(e.Order, "fini")
	return e.FiniError
}

// Destroy implements [rtc.Engine].
func (e *Engine) Destroy() error {
	e.chans()
	e.mu.Lock()
	e.CallCountDestroy++
	e.Order = append(e.Order, "destroy")
	first := e.CallCountDestroy == 1
	err := e.DestroyError
	e.mu.Unlock()
	if first {
		close(e.destroyCh)
	}
	return err
}

// Sent returns a snapshot of all frames passed to SendAudioData.
func (e *Engine) Sent() []SentFrame {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SentFrame, len(e.sent))
	copy(out, e.sent)
	return out
}

// Calls returns a snapshot of Order.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.Order))
	copy(out, e.Order)
	return out
}

var _ rtc.Engine = (*Engine)(nil)
