package discord

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/rtcbridge/pkg/audio"
	"github.com/MrWong99/rtcbridge/pkg/rtc"
	"github.com/bwmarrin/discordgo"
)

// ─── test helpers ─────────────────────────────────────────────────────────────

type joinArgs struct {
	guildID, channelID string
	mute, deaf         bool
}

// fakeVoice records calls the engine makes against discordgo.
type fakeVoice struct {
	mu           sync.Mutex
	vc           *discordgo.VoiceConnection
	joins        []joinArgs
	handlers     int
	removed      int
	disconnects  int
	joinErr      error
	disconnectFn func() error
}

func (f *fakeVoice) join(guildID, channelID string, mute, deaf bool) (*discordgo.VoiceConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, joinArgs{guildID, channelID, mute, deaf})
	if f.joinErr != nil {
		return nil, f.joinErr
	}
	f.vc.ChannelID = channelID
	return f.vc, nil
}

func (f *fakeVoice) addHandler(any) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.removed++
	}
}

func (f *fakeVoice) disconnect(*discordgo.VoiceConnection) error {
	f.mu.Lock()
	f.disconnects++
	fn := f.disconnectFn
	f.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return nil
}

// newTestEngine creates an Engine wired to fake OpusSend/OpusRecv channels
// instead of a real Discord voice connection.
func newTestEngine(t *testing.T, h rtc.EventHandler, opts ...Option) (*Engine, *fakeVoice) {
	t.Helper()
	f := &fakeVoice{vc: &discordgo.VoiceConnection{
		OpusSend: make(chan []byte, 16),
		OpusRecv: make(chan *discordgo.Packet, 16),
	}}
	e := New(&discordgo.Session{}, "guild-test", "app", h, opts...)
	e.joinVC = f.join
	e.addHandler = f.addHandler
	e.disconnectVC = f.disconnect
	t.Cleanup(func() { _ = e.Destroy() })
	return e, f
}

var allOn = rtc.RoomOptions{AutoSubscribeAudio: true, AutoPublishAudio: true}

func mustJoin(t *testing.T, e *Engine, opts rtc.RoomOptions) {
	t.Helper()
	if err := e.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := e.JoinRoom("chan-1", "bot", "", opts); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
}

func voiceState(userID, channelID string) *discordgo.VoiceState {
	return &discordgo.VoiceState{GuildID: "guild-test", UserID: userID, ChannelID: channelID}
}

// ─── tests ────────────────────────────────────────────────────────────────────

func TestEngine_JoinRoom(t *testing.T) {
	t.Parallel()
	joined := make(chan string, 1)
	e, f := newTestEngine(t, rtc.EventHandler{
		OnJoinRoomSuccess: func(roomID string, _ time.Duration) { joined <- roomID },
	})
	mustJoin(t, e, rtc.RoomOptions{AutoPublishAudio: true})

	select {
	case room := <-joined:
		if room != "chan-1" {
			t.Errorf("joined room = %q, want chan-1", room)
		}
	case <-time.After(time.Second):
		t.Fatal("join success not reported")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.joins) != 1 {
		t.Fatalf("joins = %d, want 1", len(f.joins))
	}
	want := joinArgs{guildID: "guild-test", channelID: "chan-1", deaf: true}
	if f.joins[0] != want {
		t.Errorf("join args = %+v, want %+v", f.joins[0], want)
	}
	if f.handlers != 2 {
		t.Errorf("registered %d handlers, want 2", f.handlers)
	}
}

func TestEngine_JoinError(t *testing.T) {
	t.Parallel()
	e, f := newTestEngine(t, rtc.EventHandler{})
	f.joinErr = errors.New("voice timeout")
	_ = e.Init()
	if err := e.JoinRoom("chan-1", "bot", "", allOn); err == nil {
		t.Fatal("JoinRoom succeeded despite join error")
	}
	if err := e.SendAudioData("chan-1", []byte{1}, rtc.FrameInfo{}); !errors.Is(err, rtc.ErrNotJoined) {
		t.Errorf("SendAudioData = %v, want ErrNotJoined", err)
	}
}

func TestEngine_OpusOnly(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, rtc.EventHandler{})
	if err := e.SetAudioCodec(audio.CodecOpus); err != nil {
		t.Errorf("SetAudioCodec(opus): %v", err)
	}
	for _, c := range []audio.Codec{audio.CodecG711A, audio.CodecAACLC} {
		if err := e.SetAudioCodec(c); !errors.Is(err, rtc.ErrUnsupportedCodec) {
			t.Errorf("SetAudioCodec(%s) = %v, want ErrUnsupportedCodec", c, err)
		}
	}
}

func TestEngine_InitRequiresGuild(t *testing.T) {
	t.Parallel()
	e := New(&discordgo.Session{}, "", "app", rtc.EventHandler{})
	if err := e.Init(); err == nil {
		t.Fatal("Init accepted empty guild ID")
	}
}

func TestEngine_SendAudio(t *testing.T) {
	t.Parallel()
	e, f := newTestEngine(t, rtc.EventHandler{})
	mustJoin(t, e, allOn)

	data := []byte{0xF8, 0xFF, 0xFE}
	if err := e.SendAudioData("chan-1", data, rtc.FrameInfo{Codec: audio.CodecOpus}); err != nil {
		t.Fatalf("SendAudioData: %v", err)
	}
	data[0] = 0 // the engine must not retain the caller's buffer

	select {
	case pkt := <-f.vc.OpusSend:
		if len(pkt) != 3 || pkt[0] != 0xF8 {
			t.Errorf("OpusSend packet = %x", pkt)
		}
	case <-time.After(time.Second):
		t.Fatal("no packet on OpusSend")
	}
	if err := e.SendAudioData("other", data, rtc.FrameInfo{}); !errors.Is(err, rtc.ErrNotJoined) {
		t.Errorf("SendAudioData(other room) = %v, want ErrNotJoined", err)
	}
}

func TestEngine_SendBacklog(t *testing.T) {
	t.Parallel()
	e, f := newTestEngine(t, rtc.EventHandler{}, WithSendTimeout(5*time.Millisecond))
	f.vc.OpusSend = make(chan []byte)
	mustJoin(t, e, allOn)

	if err := e.SendAudioData("chan-1", []byte{1}, rtc.FrameInfo{}); !errors.Is(err, ErrSendBacklog) {
		t.Fatalf("SendAudioData = %v, want ErrSendBacklog", err)
	}
}

func TestEngine_SelfMuteDropsAudio(t *testing.T) {
	t.Parallel()
	e, f := newTestEngine(t, rtc.EventHandler{}, WithSelfMute(true))
	mustJoin(t, e, allOn)
	if err := e.SendAudioData("chan-1", []byte{1}, rtc.FrameInfo{}); err != nil {
		t.Fatalf("SendAudioData: %v", err)
	}
	select {
	case pkt := <-f.vc.OpusSend:
		t.Errorf("muted engine sent %x", pkt)
	default:
	}
	if !f.joins[0].mute {
		t.Error("voice channel not joined muted")
	}
}

func TestEngine_RecvForwardsOpus(t *testing.T) {
	t.Parallel()
	type got struct {
		user  string
		seq   uint16
		codec audio.Codec
		data  string
	}
	recv := make(chan got, 4)
	e, f := newTestEngine(t, rtc.EventHandler{
		OnAudioData: func(_, userID string, ts uint16, codec audio.Codec, data []byte) {
			recv <- got{userID, ts, codec, string(data)}
		},
	})
	mustJoin(t, e, allOn)

	f.vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Sequence: 7, Opus: []byte("ab")}
	f.vc.OpusRecv <- &discordgo.Packet{SSRC: 200, Sequence: 8}
	f.vc.OpusRecv <- nil
	f.vc.OpusRecv <- &discordgo.Packet{SSRC: 200, Sequence: 9, Opus: []byte("cd")}

	for _, want := range []got{{"100", 7, audio.CodecOpus, "ab"}, {"200", 9, audio.CodecOpus, "cd"}} {
		select {
		case g := <-recv:
			if g != want {
				t.Errorf("audio = %+v, want %+v", g, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %+v", want)
		}
	}
}

func TestEngine_RecvClosedReportsLoss(t *testing.T) {
	t.Parallel()
	lost := make(chan string, 1)
	e, f := newTestEngine(t, rtc.EventHandler{
		OnConnectionLost: func(roomID string) { lost <- roomID },
	})
	mustJoin(t, e, allOn)
	close(f.vc.OpusRecv)

	select {
	case room := <-lost:
		if room != "chan-1" {
			t.Errorf("lost room = %q", room)
		}
	case <-time.After(time.Second):
		t.Fatal("connection loss not reported")
	}
}

func TestEngine_VoiceStateUpdates(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var events []string
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, s)
	}
	e, _ := newTestEngine(t, rtc.EventHandler{
		OnUserJoined:    func(_, userID string, _ time.Duration) { record("join:" + userID) },
		OnUserOffline:   func(_, userID string, _ int) { record("leave:" + userID) },
		OnUserMuteAudio: func(_, userID string, muted bool) { record("mute:" + userID) },
	})
	mustJoin(t, e, allOn)

	muted := voiceState("alice", "chan-1")
	muted.SelfMute = true
	updates := []*discordgo.VoiceStateUpdate{
		{VoiceState: voiceState("alice", "chan-1")},
		{VoiceState: muted, BeforeUpdate: voiceState("alice", "chan-1")},
		{VoiceState: voiceState("bob", "chan-2")},
		{VoiceState: &discordgo.VoiceState{GuildID: "other", UserID: "carol", ChannelID: "chan-1"}},
		{VoiceState: voiceState("alice", ""), BeforeUpdate: voiceState("alice", "chan-1")},
	}
	for _, u := range updates {
		e.handleVoiceStateUpdate(nil, u)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"join:alice", "mute:alice", "leave:alice"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, events[i], want[i])
		}
	}
}

func TestEngine_MessageCreate(t *testing.T) {
	t.Parallel()
	msgs := make(chan string, 4)
	e, _ := newTestEngine(t, rtc.EventHandler{
		OnMessageReceived: func(_, userID string, msg []byte, _ bool) { msgs <- userID + ":" + string(msg) },
	})
	mustJoin(t, e, allOn)

	e.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "chan-1", Content: "hello", Author: &discordgo.User{ID: "u1"},
	}})
	e.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "chan-1", Content: "beep", Author: &discordgo.User{ID: "b1", Bot: true},
	}})
	e.handleMessageCreate(nil, &discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "elsewhere", Content: "x", Author: &discordgo.User{ID: "u2"},
	}})

	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if m := <-msgs; m != "u1:hello" {
		t.Errorf("message = %q", m)
	}
}

func TestEngine_FiniDisconnectsOnce(t *testing.T) {
	t.Parallel()
	e, f := newTestEngine(t, rtc.EventHandler{})
	mustJoin(t, e, allOn)

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() { _ = e.Fini() })
	}
	wg.Wait()
	_ = e.Destroy()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", f.disconnects)
	}
	if f.removed != 2 {
		t.Errorf("removed %d handlers, want 2", f.removed)
	}
}

func TestEngine_FiniDisconnectError(t *testing.T) {
	t.Parallel()
	e, f := newTestEngine(t, rtc.EventHandler{})
	f.disconnectFn = func() error { return errors.New("gateway gone") }
	mustJoin(t, e, allOn)
	if err := e.Fini(); err == nil {
		t.Fatal("Fini swallowed disconnect error")
	}
}
