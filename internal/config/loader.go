package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/MrWong99/rtcbridge/pkg/audio"
	"github.com/MrWong99/rtcbridge/pkg/rtc"
	"gopkg.in/yaml.v3"
)

// KnownEngines lists the engine names the rtcbridge binary registers.
// Used by [Validate] to warn about unrecognised engine names.
var KnownEngines = []string{"loopback", "wsrelay", "discord"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Credentials
	creds := cfg.Credentials
	if creds.Source != "" && !creds.Source.IsValid() {
		errs = append(errs, fmt.Errorf("credentials.source %q is invalid; valid values: static, env", creds.Source))
	}
	if creds.Source == "" || creds.Source == CredentialStatic {
		if creds.AppID == "" || creds.RoomID == "" || creds.UserID == "" {
			errs = append(errs, errors.New("credentials: app_id, room_id and user_id are required for the static source"))
		}
		if creds.EnvFile != "" {
			slog.Warn("credentials.env_file is ignored unless credentials.source is env")
		}
	}

	// Engine
	if cfg.Engine.Name == "" {
		errs = append(errs, errors.New("engine.name is required"))
	} else if !slices.Contains(KnownEngines, cfg.Engine.Name) {
		slog.Warn("unknown engine name, may be a typo or a third-party engine",
			"name", cfg.Engine.Name,
			"known", KnownEngines,
		)
	}
	if _, err := rtc.ParseLogLevel(cfg.Engine.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("engine.log_level: %w", err))
	}
	if cfg.Engine.Thread.PinnedToCore != nil && *cfg.Engine.Thread.PinnedToCore < 0 {
		errs = append(errs, fmt.Errorf("engine.thread.pinned_to_core %d must not be negative", *cfg.Engine.Thread.PinnedToCore))
	}
	if cfg.Engine.License.RootPath != "" && !cfg.Engine.License.Enabled {
		slog.Warn("engine.license.root_path is set but license verification is disabled")
	}

	// Audio
	codec, err := audio.ParseCodec(cfg.Audio.Codec)
	if err != nil {
		errs = append(errs, fmt.Errorf("audio.codec: %w", err))
	}
	capture := cfg.Audio.Capture
	if capture.Path == "" {
		errs = append(errs, errors.New("audio.capture.path is required"))
	}
	if capture.SampleRate < 0 || capture.Channels < 0 || capture.EncodeRate < 0 || capture.EncodeChannels < 0 {
		errs = append(errs, errors.New("audio.capture: sample rates and channel counts must not be negative"))
	}
	if capture.FrameDuration < 0 {
		errs = append(errs, fmt.Errorf("audio.capture.frame_duration %s must not be negative", capture.FrameDuration))
	}
	if codec == audio.CodecAACLC && capture.PacketSize <= 0 {
		errs = append(errs, errors.New("audio.capture.packet_size is required for codec aaclc"))
	}
	if cfg.Audio.Render.SampleRate < 0 || cfg.Audio.Render.Channels < 0 {
		errs = append(errs, errors.New("audio.render: sample rate and channels must not be negative"))
	}

	// Bridge
	b := cfg.Bridge
	if b.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("bridge.queue_capacity %d must not be negative", b.QueueCapacity))
	}
	if b.EventBuffer < 0 {
		errs = append(errs, fmt.Errorf("bridge.event_buffer %d must not be negative", b.EventBuffer))
	}
	if b.ScratchSize < 0 {
		errs = append(errs, fmt.Errorf("bridge.scratch_size %d must not be negative", b.ScratchSize))
	}
	for name, d := range map[string]time.Duration{
		"enqueue_timeout":  b.EnqueueTimeout,
		"no_data_retry":    b.NoDataRetry,
		"read_timeout":     b.ReadTimeout,
		"finalize_grace":   b.FinalizeGrace,
		"join_timeout":     b.JoinTimeout,
		"shutdown_timeout": b.ShutdownTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("bridge.%s %s must not be negative", name, d))
		}
	}
	if b.WorkerStartDelay != nil && *b.WorkerStartDelay < 0 {
		errs = append(errs, fmt.Errorf("bridge.worker_start_delay %s must not be negative", *b.WorkerStartDelay))
	}
	if b.WakeMode && b.WakePrompt != nil && *b.WakePrompt != "" && cfg.Audio.Tone.Root == "" {
		slog.Warn("bridge.wake_prompt is set but audio.tone.root is empty; relative and spiffs:// prompts resolve against the working directory")
	}

	// Discord
	if d := cfg.Discord; d != nil {
		if d.Token == "" {
			errs = append(errs, errors.New("discord.token is required"))
		}
		if d.GuildID == "" {
			errs = append(errs, errors.New("discord.guild_id is required"))
		}
	} else if cfg.Engine.Name == "discord" {
		errs = append(errs, errors.New("engine discord requires the discord section"))
	}

	// History
	if h := cfg.History; h != nil {
		if h.MaxRuns < 0 {
			errs = append(errs, fmt.Errorf("history.max_runs must not be negative, got %d", h.MaxRuns))
		}
		if h.MaxMessages < 0 {
			errs = append(errs, fmt.Errorf("history.max_messages must not be negative, got %d", h.MaxMessages))
		}
	}

	return errors.Join(errs...)
}
