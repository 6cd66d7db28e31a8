package main

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/rtcbridge/internal/config"
	"github.com/MrWong99/rtcbridge/pkg/rtc"
	"github.com/MrWong99/rtcbridge/pkg/rtc/loopback"
)

func TestRegisterBuiltinEngines_Names(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinEngines(reg, nil)

	got := reg.Engines()
	for _, name := range config.KnownEngines {
		if !slices.Contains(got, name) {
			t.Errorf("engine %q not registered; got %v", name, got)
		}
	}
}

func TestRegisterBuiltinEngines_Loopback(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinEngines(reg, nil)

	factory, err := reg.CreateEngine(config.EngineConfig{
		Name: "loopback",
		Options: map[string]any{
			"peer_id":    "peer",
			"join_delay": "5ms",
			"echo_delay": 10,
			"welcome":    "hi",
		},
	})
	if err != nil {
		t.Fatalf("CreateEngine() error: %v", err)
	}
	eng, err := factory("app", rtc.EventHandler{})
	if err != nil {
		t.Fatalf("factory() error: %v", err)
	}
	if _, ok := eng.(*loopback.Engine); !ok {
		t.Errorf("engine type = %T, want *loopback.Engine", eng)
	}
	_ = eng.Destroy()
}

func TestRegisterBuiltinEngines_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		entry config.EngineConfig
		want  string
	}{
		{
			name:  "wsrelay without url",
			entry: config.EngineConfig{Name: "wsrelay"},
			want:  "options.url is required",
		},
		{
			name: "wsrelay bad timeout",
			entry: config.EngineConfig{Name: "wsrelay", Options: map[string]any{
				"url":          "ws://localhost/ws",
				"dial_timeout": "soon",
			}},
			want: "options.dial_timeout",
		},
		{
			name:  "loopback bad delay type",
			entry: config.EngineConfig{Name: "loopback", Options: map[string]any{"join_delay": true}},
			want:  "want a duration",
		},
		{
			name:  "discord without bot",
			entry: config.EngineConfig{Name: "discord"},
			want:  "requires the discord section",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			reg := config.NewRegistry()
			registerBuiltinEngines(reg, nil)

			_, err := reg.CreateEngine(tt.entry)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if errors.Is(err, config.ErrNotRegistered) {
				t.Fatalf("engine %q should be registered: %v", tt.entry.Name, err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestRegisterBuiltinEngines_WSRelay(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinEngines(reg, nil)

	_, err := reg.CreateEngine(config.EngineConfig{
		Name: "wsrelay",
		Options: map[string]any{
			"url":           "ws://relay.local/ws",
			"dial_timeout":  "2s",
			"write_timeout": 250,
			"headers":       map[string]any{"Authorization": "Bearer x", "X-Ignored": 3},
		},
	})
	if err != nil {
		t.Fatalf("CreateEngine() error: %v", err)
	}
}

func TestOptDuration(t *testing.T) {
	t.Parallel()

	opts := map[string]any{"str": "1.5s", "ms": 40, "bad": 1.5}

	tests := []struct {
		key     string
		want    time.Duration
		wantErr bool
	}{
		{key: "str", want: 1500 * time.Millisecond},
		{key: "ms", want: 40 * time.Millisecond},
		{key: "missing", want: 0},
		{key: "bad", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Parallel()
			got, err := optDuration(opts, tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("optDuration(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("optDuration(%q) = %s, want %s", tt.key, got, tt.want)
			}
		})
	}
}

func TestOptHelpers(t *testing.T) {
	t.Parallel()

	opts := map[string]any{
		"name":    "x",
		"num":     3,
		"flag":    true,
		"headers": map[string]any{"a": "1", "b": 2},
	}
	if got := optString(opts, "name"); got != "x" {
		t.Errorf("optString(name) = %q, want x", got)
	}
	if got := optString(opts, "num"); got != "" {
		t.Errorf("optString(num) = %q, want empty", got)
	}
	if got := optString(nil, "name"); got != "" {
		t.Errorf("optString(nil) = %q, want empty", got)
	}
	if !optBool(opts, "flag") || optBool(opts, "name") || optBool(nil, "flag") {
		t.Error("optBool returned an unexpected value")
	}
	m := optStringMap(opts, "headers")
	if len(m) != 1 || m["a"] != "1" {
		t.Errorf("optStringMap(headers) = %v, want map[a:1]", m)
	}
	if optStringMap(opts, "name") != nil {
		t.Error("optStringMap on a non-map should be nil")
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := slogLevel(tt.in); got != tt.want {
			t.Errorf("slogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
