// Package discord provides an [rtc.Engine] backed by Discord voice channels
// via the bwmarrin/discordgo library.
//
// The engine requires an active *discordgo.Session (owned by the caller) and
// a guild ID. The room ID passed to [Engine.JoinRoom] is the voice channel ID.
// Discord voice carries Opus only, so [Engine.SetAudioCodec] rejects every
// other codec. Remote audio is reported per SSRC; text messages posted to the
// voice channel's chat are reported as room messages.
package discord

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/rtcbridge/pkg/audio"
	"github.com/MrWong99/rtcbridge/pkg/rtc"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ rtc.Engine = (*Engine)(nil)

const defaultSendTimeout = 40 * time.Millisecond

// ErrState is returned when a method is called in the wrong lifecycle state.
var ErrState = errors.New("discord: invalid engine state")

// ErrSendBacklog is returned by SendAudioData when Discord did not accept the
// frame within the send timeout. The frame is dropped.
var ErrSendBacklog = errors.New("discord: send backlog full")

// Option configures an [Engine].
type Option func(*Engine)

// WithSendTimeout bounds how long SendAudioData waits for the voice
// connection to accept a frame.
func WithSendTimeout(d time.Duration) Option {
	return func(e *Engine) { e.sendTimeout = d }
}

// WithSelfMute joins the voice channel muted. Outgoing frames are dropped.
func WithSelfMute(mute bool) Option {
	return func(e *Engine) { e.mute = mute }
}

type state int

const (
	stateCreated state = iota
	stateInitialized
	stateJoined
	stateFinalized
	stateDestroyed
)

// Engine implements [rtc.Engine] using a discordgo voice connection.
//
// Engine is safe for concurrent use.
type Engine struct {
	session     *discordgo.Session
	guildID     string
	appID       string
	handler     rtc.EventHandler
	sendTimeout time.Duration
	mute        bool

	mu       sync.Mutex
	state    state
	logLevel rtc.LogLevel
	vc       *discordgo.VoiceConnection
	roomID   string
	opts     rtc.RoomOptions
	speaking bool

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	removeHandlers []func()

	// joinVC, addHandler and disconnectVC default to the discordgo session
	// and voice connection; tests replace them.
	joinVC       func(guildID, channelID string, mute, deaf bool) (*discordgo.VoiceConnection, error)
	addHandler   func(handler any) func()
	disconnectVC func(vc *discordgo.VoiceConnection) error
}

// NewFactory returns an [rtc.Factory] creating engines on session for guildID.
func NewFactory(session *discordgo.Session, guildID string, opts ...Option) rtc.Factory {
	return func(appID string, h rtc.EventHandler) (rtc.Engine, error) {
		if session == nil {
			return nil, errors.New("discord: session is nil")
		}
		return New(session, guildID, appID, h, opts...), nil
	}
}

// New creates a Discord engine.
func New(session *discordgo.Session, guildID, appID string, h rtc.EventHandler, opts ...Option) *Engine {
	e := &Engine{
		session:      session,
		guildID:      guildID,
		appID:        appID,
		handler:      h,
		sendTimeout:  defaultSendTimeout,
		logLevel:     rtc.LogError,
		joinVC:       session.ChannelVoiceJoin,
		addHandler:   session.AddHandler,
		disconnectVC: func(vc *discordgo.VoiceConnection) error { return vc.Disconnect() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetLogLevel records the level. Per-packet traces are only logged at
// [rtc.LogTrace].
func (e *Engine) SetLogLevel(level rtc.LogLevel) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logLevel = level
	return nil
}

// SetParams accepts any JSON object. Discord exposes no tunables through this
// path, so the parameters are only logged.
func (e *Engine) SetParams(params string) error {
	var obj map[string]any
	if err := json.Unmarshal([]byte(params), &obj); err != nil {
		return fmt.Errorf("discord: params: %w", err)
	}
	slog.Debug("discord: ignoring engine params", "params", params)
	return nil
}

// Init finishes configuration.
func (e *Engine) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateCreated {
		return fmt.Errorf("discord: init: %w", ErrState)
	}
	if e.guildID == "" {
		return errors.New("discord: init: guild ID is empty")
	}
	e.state = stateInitialized
	return nil
}

// SetAudioCodec accepts [audio.CodecOpus] only.
func (e *Engine) SetAudioCodec(codec audio.Codec) error {
	if codec != audio.CodecOpus {
		return fmt.Errorf("discord: codec %q: %w", codec, rtc.ErrUnsupportedCodec)
	}
	return nil
}

// JoinRoom joins the voice channel roomID. userID and token are ignored; the
// bot identity comes from the session. The join blocks until Discord
// confirms the voice connection; success is then reported asynchronously.
func (e *Engine) JoinRoom(roomID, userID, _ string, opts rtc.RoomOptions) error {
	e.mu.Lock()
	if e.state != stateInitialized {
		e.mu.Unlock()
		return fmt.Errorf("discord: join room: %w", ErrState)
	}
	e.mu.Unlock()

	start := time.Now()
	// deaf mirrors audio subscription: an unsubscribed bot receives nothing.
	vc, err := e.joinVC(e.guildID, roomID, e.mute, !opts.AutoSubscribeAudio)
	if err != nil {
		return fmt.Errorf("discord: join voice channel %q: %w", roomID, err)
	}
	slog.Info("discord: joined voice channel", "guild_id", e.guildID, "channel_id", roomID, "user_id", userID)

	e.mu.Lock()
	e.vc = vc
	e.roomID = roomID
	e.opts = opts
	e.done = make(chan struct{})
	e.state = stateJoined
	e.mu.Unlock()

	e.removeHandlers = append(e.removeHandlers,
		e.addHandler(e.handleVoiceStateUpdate),
		e.addHandler(e.handleMessageCreate),
	)

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.handler.JoinRoomSuccess(roomID, time.Since(start))
	}()
	go e.recvLoop(vc, roomID)
	return nil
}

// SendAudioData hands one Opus packet to the voice connection. The first
// frame sets the speaking flag.
func (e *Engine) SendAudioData(roomID string, data []byte, _ rtc.FrameInfo) error {
	e.mu.Lock()
	if e.state != stateJoined || roomID != e.roomID {
		e.mu.Unlock()
		return rtc.ErrNotJoined
	}
	if e.mute || !e.opts.AutoPublishAudio {
		e.mu.Unlock()
		return nil
	}
	vc := e.vc
	done := e.done
	first := !e.speaking
	e.speaking = true
	e.mu.Unlock()

	if first {
		e.setSpeaking(vc, true)
	}

	pkt := append([]byte(nil), data...)
	t := time.NewTimer(e.sendTimeout)
	defer t.Stop()
	select {
	case vc.OpusSend <- pkt:
		return nil
	case <-done:
		return rtc.ErrNotJoined
	case <-t.C:
		return ErrSendBacklog
	}
}

// recvLoop forwards incoming Opus packets as remote audio keyed by SSRC.
func (e *Engine) recvLoop(vc *discordgo.VoiceConnection, roomID string) {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case pkt, ok := <-vc.OpusRecv:
			if !ok {
				e.mu.Lock()
				leaving := e.state != stateJoined
				e.mu.Unlock()
				if !leaving {
					slog.Warn("discord: voice receive channel closed", "channel_id", roomID)
					e.handler.ConnectionLost(roomID)
				}
				return
			}
			if pkt == nil || len(pkt.Opus) == 0 {
				continue
			}
			ssrc := strconv.FormatUint(uint64(pkt.SSRC), 10)
			if e.trace() {
				slog.Debug("discord: opus packet", "ssrc", ssrc, "seq", pkt.Sequence, "bytes", len(pkt.Opus))
			}
			e.handler.AudioData(roomID, ssrc, pkt.Sequence, audio.CodecOpus, pkt.Opus)
		}
	}
}

// handleVoiceStateUpdate reports participants entering and leaving the
// joined voice channel.
func (e *Engine) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu == nil || vsu.VoiceState == nil || vsu.GuildID != e.guildID {
		return
	}
	e.mu.Lock()
	channelID := e.roomID
	joined := e.state == stateJoined
	e.mu.Unlock()
	if !joined {
		return
	}

	switch {
	case vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == channelID && vsu.ChannelID != channelID:
		e.handler.UserOffline(channelID, vsu.UserID, 0)
	case vsu.ChannelID == channelID && (vsu.BeforeUpdate == nil || vsu.BeforeUpdate.ChannelID != channelID):
		e.handler.UserJoined(channelID, vsu.UserID, 0)
	case vsu.ChannelID == channelID && vsu.BeforeUpdate != nil:
		if vsu.BeforeUpdate.SelfMute != vsu.SelfMute {
			e.handler.UserMuteAudio(channelID, vsu.UserID, vsu.SelfMute)
		}
		if vsu.BeforeUpdate.SelfVideo != vsu.SelfVideo {
			e.handler.UserMuteVideo(channelID, vsu.UserID, !vsu.SelfVideo)
		}
	}
}

// handleMessageCreate reports chat messages posted to the voice channel.
// Messages from bots are ignored.
func (e *Engine) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	e.mu.Lock()
	channelID := e.roomID
	joined := e.state == stateJoined
	e.mu.Unlock()
	if !joined || m.ChannelID != channelID {
		return
	}
	e.handler.MessageReceived(channelID, m.Author.ID, []byte(m.Content), false)
}

func (e *Engine) setSpeaking(vc *discordgo.VoiceConnection, b bool) {
	if err := vc.Speaking(b); err != nil {
		slog.Warn("discord: speaking notification error", "speaking", b, "error", err)
	}
}

func (e *Engine) trace() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.logLevel <= rtc.LogTrace
}

// Fini leaves the voice channel and stops the receive loop. It is safe to
// call more than once.
func (e *Engine) Fini() error {
	e.mu.Lock()
	if e.state != stateJoined {
		if e.state < stateFinalized {
			e.state = stateFinalized
		}
		e.mu.Unlock()
		return nil
	}
	e.state = stateFinalized
	vc := e.vc
	speaking := e.speaking
	e.speaking = false
	e.mu.Unlock()

	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		for _, remove := range e.removeHandlers {
			remove()
		}
		e.removeHandlers = nil
		e.wg.Wait()
		if speaking {
			e.setSpeaking(vc, false)
		}
		if dErr := e.disconnectVC(vc); dErr != nil {
			err = fmt.Errorf("discord: disconnect: %w", dErr)
		}
	})
	return err
}

// Destroy releases the engine. It finalises first if needed.
func (e *Engine) Destroy() error {
	err := e.Fini()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = stateDestroyed
	return err
}
