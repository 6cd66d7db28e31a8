package app

import (
	"fmt"
	"io"
	"os"

	"github.com/MrWong99/rtcbridge/internal/bridge"
	"github.com/MrWong99/rtcbridge/internal/config"
	"github.com/MrWong99/rtcbridge/internal/credential"
	"github.com/MrWong99/rtcbridge/pkg/audio"
	"github.com/MrWong99/rtcbridge/pkg/audio/stream"
	"github.com/MrWong99/rtcbridge/pkg/rtc"
	"github.com/joho/godotenv"
)

// DefaultEnvPrefix prefixes the credential variables of the env source.
const DefaultEnvPrefix = "RTCBRIDGE_"

// defaultRenderFormat is the PCM format written when the render section
// leaves it unset.
var defaultRenderFormat = audio.Format{SampleRate: 48000, Channels: 2}

// bridgeConfig translates the config file into a [bridge.Config]. Zero
// values keep the bridge defaults.
func bridgeConfig(cfg *config.Config) (bridge.Config, error) {
	bc := bridge.DefaultConfig()

	codec, err := audio.ParseCodec(cfg.Audio.Codec)
	if err != nil {
		return bridge.Config{}, err
	}
	bc.Codec = codec

	b := cfg.Bridge
	if b.QueueCapacity > 0 {
		bc.QueueCapacity = b.QueueCapacity
	}
	if b.EnqueueTimeout > 0 {
		bc.EnqueueTimeout = b.EnqueueTimeout
	}
	if b.NoDataRetry > 0 {
		bc.NoDataRetry = b.NoDataRetry
	}
	if b.ReadTimeout > 0 {
		bc.ReadTimeout = b.ReadTimeout
	}
	if b.FinalizeGrace > 0 {
		bc.FinalizeGrace = b.FinalizeGrace
	}
	if b.EventBuffer > 0 {
		bc.EventBuffer = b.EventBuffer
	}
	if b.ScratchSize > 0 {
		bc.ScratchSize = b.ScratchSize
	}
	if b.WorkerStartDelay != nil {
		bc.WorkerStartDelay = *b.WorkerStartDelay
	}
	if b.WakePrompt != nil {
		bc.WakePrompt = *b.WakePrompt
	}
	bc.WakeMode = b.WakeMode
	bc.JoinTimeout = b.JoinTimeout
	bc.ShutdownTimeout = b.ShutdownTimeout

	e := cfg.Engine
	if bc.EngineLogLevel, err = rtc.ParseLogLevel(e.LogLevel); err != nil {
		return bridge.Config{}, err
	}
	bc.EngineParams = bridge.EngineParams{
		TestEnv:         e.TestEnv,
		LogToConsole:    e.LogToConsole,
		PinnedToCore:    e.Thread.PinnedToCore,
		ThreadPriority:  e.Thread.Priority,
		StackInExt:      e.Thread.StackInExt,
		License:         e.License.Enabled,
		LicenseRootPath: e.License.RootPath,
		Extra:           e.Params,
	}
	return bc, nil
}

// credentialSource builds the credential source selected by c. For the env
// source the optional dotenv file is loaded first; variables already set in
// the process environment win over the file.
func credentialSource(c config.CredentialsConfig) (credential.Source, error) {
	static := credential.Credentials{
		AppID:  c.AppID,
		RoomID: c.RoomID,
		UserID: c.UserID,
		Token:  c.Token,
	}
	if c.Source != config.CredentialEnv {
		return credential.Static(static), nil
	}
	if c.EnvFile != "" {
		if err := godotenv.Load(c.EnvFile); err != nil {
			return nil, fmt.Errorf("load env file %q: %w", c.EnvFile, err)
		}
	}
	prefix := c.EnvPrefix
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}
	return credential.Env{Prefix: prefix, Fallback: static}, nil
}

// pipelines are the file-backed local audio pipelines of one session. The
// render and the tone player share one sink.
type pipelines struct {
	sink *stream.Sink
	tone *stream.TonePlayer

	openCapture func() (audio.Capture, error)
	openRender  func() (audio.Render, error)
}

// openPipelines opens the render output and prepares the openers the bridge
// calls on every start.
func openPipelines(a config.AudioConfig, codec audio.Codec) (*pipelines, error) {
	w, err := openOutput(a.Render.Path)
	if err != nil {
		return nil, err
	}
	format := audio.Format{SampleRate: a.Render.SampleRate, Channels: a.Render.Channels}
	if !format.Valid() {
		format = defaultRenderFormat
	}
	sink := stream.NewSink(w, format)

	c := a.Capture
	raw := audio.Format{SampleRate: c.SampleRate, Channels: c.Channels}
	captureCfg := stream.CaptureConfig{
		Codec:         codec,
		Format:        audio.Format{SampleRate: c.EncodeRate, Channels: c.EncodeChannels},
		FrameDuration: c.FrameDuration,
		Bitrate:       c.Bitrate,
		PacketSize:    c.PacketSize,
		Realtime:      c.Realtime,
		Loop:          c.Loop,
	}

	return &pipelines{
		sink: sink,
		tone: &stream.TonePlayer{Sink: sink, Root: a.Tone.Root, Realtime: a.Tone.Realtime},
		openCapture: func() (audio.Capture, error) {
			capture, err := stream.NewCapture(func() (*stream.Source, error) {
				return stream.OpenFile(c.Path, raw)
			}, captureCfg)
			if err != nil {
				return nil, err
			}
			return capture, nil
		},
		openRender: func() (audio.Render, error) {
			render, err := stream.NewRender(sink, stream.RenderConfig{Codec: codec})
			if err != nil {
				return nil, err
			}
			return render, nil
		},
	}, nil
}

// Close closes the render output.
func (p *pipelines) Close() error {
	return p.sink.Close()
}

// stdout hides the Close method of os.Stdout from the sink.
type stdout struct{ io.Writer }

// openOutput opens the render destination: "-" is stdout, empty discards.
func openOutput(path string) (io.Writer, error) {
	switch path {
	case "":
		return io.Discard, nil
	case "-":
		return stdout{os.Stdout}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open render output: %w", err)
	}
	return f, nil
}
