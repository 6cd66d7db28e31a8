package config_test

import (
	"testing"
	"time"

	"github.com/MrWong99/rtcbridge/internal/config"
)

func baseConfig() *config.Config {
	core := 2
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Credentials: config.CredentialsConfig{
			AppID:  "app",
			RoomID: "room",
			UserID: "user",
		},
		Engine: config.EngineConfig{
			Name:    "wsrelay",
			Thread:  config.ThreadConfig{PinnedToCore: &core},
			Params:  []string{`{"a":1}`},
			Options: map[string]any{"url": "ws://relay"},
		},
		Audio: config.AudioConfig{
			Codec:   "opus",
			Capture: config.CaptureConfig{Path: "in.wav"},
		},
		Bridge: config.BridgeConfig{QueueCapacity: 30},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.Changed() {
		t.Errorf("identical configs reported as changed: %+v", d)
	}
	if d.SessionRestartRequired() {
		t.Error("identical configs require no restart")
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("LogLevelChanged: got false, want true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel: got %q, want %q", d.NewLogLevel, config.LogDebug)
	}
	if d.SessionRestartRequired() {
		t.Error("log level change must not require a session restart")
	}
}

func TestDiff_Sections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		check   func(config.ConfigDiff) bool
		restart bool
	}{
		{
			name:    "credentials",
			mutate:  func(c *config.Config) { c.Credentials.Token = "rotated" },
			check:   func(d config.ConfigDiff) bool { return d.CredentialsChanged },
			restart: true,
		},
		{
			name:    "engine option",
			mutate:  func(c *config.Config) { c.Engine.Options["url"] = "ws://other" },
			check:   func(d config.ConfigDiff) bool { return d.EngineChanged },
			restart: true,
		},
		{
			name: "engine pinned core",
			mutate: func(c *config.Config) {
				core := 3
				c.Engine.Thread.PinnedToCore = &core
			},
			check:   func(d config.ConfigDiff) bool { return d.EngineChanged },
			restart: true,
		},
		{
			name:    "audio codec",
			mutate:  func(c *config.Config) { c.Audio.Codec = "g711a" },
			check:   func(d config.ConfigDiff) bool { return d.AudioChanged },
			restart: true,
		},
		{
			name:    "bridge timeout",
			mutate:  func(c *config.Config) { c.Bridge.EnqueueTimeout = 20 * time.Millisecond },
			check:   func(d config.ConfigDiff) bool { return d.BridgeChanged },
			restart: true,
		},
		{
			name: "bridge wake prompt",
			mutate: func(c *config.Config) {
				p := ""
				c.Bridge.WakePrompt = &p
			},
			check:   func(d config.ConfigDiff) bool { return d.BridgeChanged },
			restart: true,
		},
		{
			name:    "listen addr",
			mutate:  func(c *config.Config) { c.Server.ListenAddr = ":9090" },
			check:   func(d config.ConfigDiff) bool { return d.ServerChanged },
			restart: false,
		},
		{
			name: "tls",
			mutate: func(c *config.Config) {
				c.Server.TLS = &config.TLSConfig{CertFile: "c", KeyFile: "k"}
			},
			check:   func(d config.ConfigDiff) bool { return d.ServerChanged },
			restart: false,
		},
		{
			name: "discord",
			mutate: func(c *config.Config) {
				c.Discord = &config.DiscordConfig{Token: "t", GuildID: "g"}
			},
			check:   func(d config.ConfigDiff) bool { return d.DiscordChanged },
			restart: false,
		},
		{
			name: "history",
			mutate: func(c *config.Config) {
				c.History = &config.HistoryConfig{DSN: "postgres://localhost/rtcbridge"}
			},
			check:   func(d config.ConfigDiff) bool { return d.HistoryChanged },
			restart: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mutate(new)

			d := config.Diff(old, new)
			if !tt.check(d) {
				t.Errorf("change not detected: %+v", d)
			}
			if !d.Changed() {
				t.Error("Changed(): got false, want true")
			}
			if got := d.SessionRestartRequired(); got != tt.restart {
				t.Errorf("SessionRestartRequired(): got %v, want %v", got, tt.restart)
			}
		})
	}
}

func TestDiff_EqualPointerValues(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	a, b := "tone.wav", "tone.wav"
	old.Bridge.WakePrompt = &a
	new.Bridge.WakePrompt = &b

	if d := config.Diff(old, new); d.BridgeChanged {
		t.Error("pointers to equal values must not count as a change")
	}
}
