// Package config provides the configuration schema, loader, and engine registry
// for the rtcbridge daemon.
package config

import "time"

// LogLevel controls log verbosity for the rtcbridge process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// CredentialSource selects where session credentials come from.
type CredentialSource string

const (
	// CredentialStatic serves the values from the credentials section.
	CredentialStatic CredentialSource = "static"

	// CredentialEnv reads environment variables and falls back to the
	// credentials section.
	CredentialEnv CredentialSource = "env"
)

// IsValid reports whether s is a recognised credential source.
func (s CredentialSource) IsValid() bool {
	return s == CredentialStatic || s == CredentialEnv
}

// Config is the root configuration structure for rtcbridge.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Engine      EngineConfig      `yaml:"engine"`
	Audio       AudioConfig       `yaml:"audio"`
	Bridge      BridgeConfig      `yaml:"bridge"`

	// Discord configures the Discord gateway connection. It is required by
	// the discord engine and enables the /bridge slash commands.
	Discord *DiscordConfig `yaml:"discord"`

	// History configures where bridge runs and received room messages are
	// recorded. When nil, a bounded in-memory history is kept.
	History *HistoryConfig `yaml:"history"`
}

// ServerConfig holds the HTTP control surface and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the control server listens on (e.g., ":8080").
	// Empty disables the control server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// DiscordConfig holds the Discord bot settings.
type DiscordConfig struct {
	// Token is the bot token without the "Bot " prefix.
	Token string `yaml:"token"`

	// GuildID is the guild whose voice channels the bridge joins and where
	// the slash commands are registered.
	GuildID string `yaml:"guild_id"`

	// OperatorRoleID restricts the controlling slash commands to members
	// with this role. Empty allows everyone.
	OperatorRoleID string `yaml:"operator_role_id"`

	// Commands enables the /bridge slash commands.
	Commands bool `yaml:"commands"`
}

// HistoryConfig selects the run history backend.
type HistoryConfig struct {
	// DSN is a PostgreSQL connection string. Empty keeps the history in
	// memory.
	DSN string `yaml:"dsn"`

	// MaxRuns bounds the in-memory history. Zero selects 100.
	MaxRuns int `yaml:"max_runs"`

	// MaxMessages bounds the messages kept per run in memory. Zero selects
	// 1000.
	MaxMessages int `yaml:"max_messages"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// CredentialsConfig describes how a session obtains its room credentials.
type CredentialsConfig struct {
	// Source is "static" (default) or "env".
	Source CredentialSource `yaml:"source"`

	// EnvPrefix is prepended to APP_ID, ROOM_ID, USER_ID and TOKEN when
	// Source is "env". Defaults to "RTCBRIDGE_".
	EnvPrefix string `yaml:"env_prefix"`

	// EnvFile is an optional dotenv file loaded into the process environment
	// before the variables are read.
	EnvFile string `yaml:"env_file"`

	AppID  string `yaml:"app_id"`
	RoomID string `yaml:"room_id"`
	UserID string `yaml:"user_id"`
	Token  string `yaml:"token"`
}

// EngineConfig selects and tunes the conferencing engine.
type EngineConfig struct {
	// Name selects the registered engine implementation ("loopback",
	// "wsrelay", "discord").
	Name string `yaml:"name"`

	// LogLevel is the engine's internal verbosity: trace, debug, info, warn,
	// error or none. Defaults to error.
	LogLevel string `yaml:"log_level"`

	// TestEnv selects the engine vendor's test environment.
	TestEnv bool `yaml:"test_env"`

	// LogToConsole mirrors engine logs to the console.
	LogToConsole bool `yaml:"log_to_console"`

	// Thread tunes the engine's worker thread.
	Thread ThreadConfig `yaml:"thread"`

	// License enables engine license verification.
	License LicenseConfig `yaml:"license"`

	// Params are extra JSON objects passed to the engine verbatim.
	Params []string `yaml:"params"`

	// Options holds engine-specific settings (relay URL, bot token, ...).
	Options map[string]any `yaml:"options"`
}

// ThreadConfig tunes the engine worker thread.
type ThreadConfig struct {
	PinnedToCore *int `yaml:"pinned_to_core"`
	Priority     int  `yaml:"priority"`
	StackInExt   bool `yaml:"stack_in_ext"`
}

// LicenseConfig enables license verification rooted at RootPath.
type LicenseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	RootPath string `yaml:"root_path"`
}

// AudioConfig describes the local audio pipelines.
type AudioConfig struct {
	// Codec is the frame codec in both directions: opus (default), g711a or
	// aaclc.
	Codec string `yaml:"codec"`

	Capture CaptureConfig `yaml:"capture"`
	Render  RenderConfig  `yaml:"render"`
	Tone    ToneConfig    `yaml:"tone"`
}

// CaptureConfig describes the uplink audio source.
type CaptureConfig struct {
	// Path is a WAV or raw PCM file. "-" reads stdin.
	Path string `yaml:"path"`

	// SampleRate and Channels describe raw PCM input and are ignored for WAV
	// files.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// EncodeRate and EncodeChannels select the encoder format for Opus.
	// Zero selects 48 kHz mono.
	EncodeRate     int `yaml:"encode_rate"`
	EncodeChannels int `yaml:"encode_channels"`

	// FrameDuration is the length of one uplink frame. Defaults to 20ms.
	FrameDuration time.Duration `yaml:"frame_duration"`

	// Bitrate is the constant Opus bitrate in bits per second.
	Bitrate int `yaml:"bitrate"`

	// PacketSize is the fixed packet size for pass-through codecs.
	PacketSize int `yaml:"packet_size"`

	// Realtime paces frames at playback speed.
	Realtime bool `yaml:"realtime"`

	// Loop restarts the source at end of file.
	Loop bool `yaml:"loop"`
}

// RenderConfig describes the downlink audio sink.
type RenderConfig struct {
	// Path is the output file. "-" writes stdout; empty discards audio.
	Path string `yaml:"path"`

	// SampleRate and Channels select the PCM output format. Zero selects
	// 48 kHz stereo.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`
}

// ToneConfig configures the prompt tone player.
type ToneConfig struct {
	// Root is the directory that spiffs:// and relative URIs resolve in.
	Root string `yaml:"root"`

	// Realtime plays tones at playback speed.
	Realtime bool `yaml:"realtime"`
}

// BridgeConfig tunes the session. Zero values select the defaults.
type BridgeConfig struct {
	QueueCapacity    int            `yaml:"queue_capacity"`
	EnqueueTimeout   time.Duration  `yaml:"enqueue_timeout"`
	WakeMode         bool           `yaml:"wake_mode"`
	NoDataRetry      time.Duration  `yaml:"no_data_retry"`
	ReadTimeout      time.Duration  `yaml:"read_timeout"`
	FinalizeGrace    time.Duration  `yaml:"finalize_grace"`
	JoinTimeout      time.Duration  `yaml:"join_timeout"`
	ShutdownTimeout  time.Duration  `yaml:"shutdown_timeout"`
	EventBuffer      int            `yaml:"event_buffer"`
	ScratchSize      int            `yaml:"scratch_size"`
	WorkerStartDelay *time.Duration `yaml:"worker_start_delay"`

	// WakePrompt is the tone URI played on wake start. Nil selects the
	// default prompt; an empty string disables it.
	WakePrompt *string `yaml:"wake_prompt"`

	// AutoStart starts the session when the process starts. Defaults to true.
	AutoStart *bool `yaml:"auto_start"`
}
