// Command rtcbridge is the main entry point for the rtcbridge audio daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/rtcbridge/internal/app"
	"github.com/MrWong99/rtcbridge/internal/config"
	discordbot "github.com/MrWong99/rtcbridge/internal/discord"
	"github.com/MrWong99/rtcbridge/internal/discord/commands"
	"github.com/MrWong99/rtcbridge/internal/observe"
	"github.com/MrWong99/rtcbridge/pkg/history/postgres"
	"github.com/MrWong99/rtcbridge/pkg/rtc"
	"github.com/MrWong99/rtcbridge/pkg/rtc/discord"
	"github.com/MrWong99/rtcbridge/pkg/rtc/loopback"
	"github.com/MrWong99/rtcbridge/pkg/rtc/wsrelay"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// logLevel is shared by the default logger so config reloads can change the
// verbosity in place.
var logLevel = new(slog.LevelVar)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "rtcbridge: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "rtcbridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	slog.SetDefault(newLogger(cfg.Server.LogLevel))

	slog.Info("rtcbridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "rtcbridge",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	reg := config.NewRegistry()

	// ── Run history ───────────────────────────────────────────────────────────
	appOpts := []app.Option{app.WithRegistry(reg)}
	if h := cfg.History; h != nil && h.DSN != "" {
		store, err := postgres.NewStore(ctx, h.DSN)
		if err != nil {
			slog.Error("failed to open history store", "err", err)
			return 1
		}
		defer store.Close()
		appOpts = append(appOpts, app.WithHistory(store))
	}

	// ── Discord bot (optional) ────────────────────────────────────────────────
	var bot *discordbot.Bot
	if d := cfg.Discord; d != nil {
		bot, err = discordbot.New(ctx, discordbot.Config{
			Token:          d.Token,
			GuildID:        d.GuildID,
			OperatorRoleID: d.OperatorRoleID,
		})
		if err != nil {
			slog.Error("failed to create Discord bot", "err", err)
			return 1
		}
	}

	// ── Engine registry ───────────────────────────────────────────────────────
	registerBuiltinEngines(reg, bot)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg, appOpts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		if bot != nil {
			_ = bot.Close()
		}
		return 1
	}

	// Start the Discord bot interaction loop in a separate goroutine.
	if bot != nil {
		if cfg.Discord.Commands {
			commands.NewBridgeCommands(bot, application.Sessions(), application.Wake)
		}
		go func() {
			if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("discord bot error", "err", err)
			}
		}()
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			d := config.Diff(old, new)
			if d.LogLevelChanged {
				logLevel.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			if err := application.ApplyConfig(ctx, new); err != nil {
				slog.Error("failed to apply reloaded config", "err", err)
			}
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	slog.Info("daemon ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	exit := 0
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		exit = 1
	}
	// The session leaves its voice channel before the gateway goes away.
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exit = 1
	}
	if bot != nil {
		if err := bot.Close(); err != nil {
			slog.Warn("discord bot close error", "err", err)
		}
	}
	slog.Info("goodbye")
	return exit
}

// ── Engine wiring ─────────────────────────────────────────────────────────────

// registerBuiltinEngines wires all built-in engine factories into reg. Each
// constructor receives the engine section and reads its engine-specific
// settings from the options map. bot may be nil, in which case the discord
// engine fails to build.
func registerBuiltinEngines(reg *config.Registry, bot *discordbot.Bot) {
	reg.RegisterEngine("loopback", func(entry config.EngineConfig) (rtc.Factory, error) {
		var opts []loopback.Option
		if id := optString(entry.Options, "peer_id"); id != "" {
			opts = append(opts, loopback.WithPeerID(id))
		}
		if d, err := optDuration(entry.Options, "join_delay"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, loopback.WithJoinDelay(d))
		}
		if d, err := optDuration(entry.Options, "echo_delay"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, loopback.WithEchoDelay(d))
		}
		if msg := optString(entry.Options, "welcome"); msg != "" {
			opts = append(opts, loopback.WithWelcome(msg))
		}
		return loopback.NewFactory(opts...), nil
	})

	reg.RegisterEngine("wsrelay", func(entry config.EngineConfig) (rtc.Factory, error) {
		url := optString(entry.Options, "url")
		if url == "" {
			return nil, errors.New("wsrelay: options.url is required")
		}
		var opts []wsrelay.Option
		if d, err := optDuration(entry.Options, "dial_timeout"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, wsrelay.WithDialTimeout(d))
		}
		if d, err := optDuration(entry.Options, "write_timeout"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, wsrelay.WithWriteTimeout(d))
		}
		for k, v := range optStringMap(entry.Options, "headers") {
			opts = append(opts, wsrelay.WithHeader(k, v))
		}
		return wsrelay.NewFactory(url, opts...), nil
	})

	reg.RegisterEngine("discord", func(entry config.EngineConfig) (rtc.Factory, error) {
		if bot == nil {
			return nil, errors.New("discord: engine requires the discord section")
		}
		guildID := bot.GuildID()
		if id := optString(entry.Options, "guild_id"); id != "" {
			guildID = id
		}
		var opts []discord.Option
		if d, err := optDuration(entry.Options, "send_timeout"); err != nil {
			return nil, err
		} else if d > 0 {
			opts = append(opts, discord.WithSendTimeout(d))
		}
		if optBool(entry.Options, "self_mute") {
			opts = append(opts, discord.WithSelfMute(true))
		}
		return discord.NewFactory(bot.Session(), guildID, opts...), nil
	})

	for _, name := range reg.Engines() {
		slog.Debug("registered engine", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        rtcbridge startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Engine", cfg.Engine.Name)
	printRow("Codec", orDefault(cfg.Audio.Codec, "opus"))
	printRow("Capture", cfg.Audio.Capture.Path)
	printRow("Render", orDefault(cfg.Audio.Render.Path, "(discard)"))
	if cfg.Bridge.WakeMode {
		printRow("Wake mode", "on")
	} else {
		printRow("Wake mode", "off")
	}
	if cfg.History != nil && cfg.History.DSN != "" {
		printRow("History", "postgres")
	} else {
		printRow("History", "memory")
	}
	if cfg.Discord != nil {
		printRow("Discord", "connected")
	} else {
		printRow("Discord", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	logLevel.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from an engine Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optBool extracts a bool value. Absent or non-bool values read as false.
func optBool(opts map[string]any, key string) bool {
	b, _ := opts[key].(bool)
	return b
}

// optDuration extracts a duration written as a Go duration string ("50ms")
// or as a whole number of milliseconds. Absent keys read as zero.
func optDuration(opts map[string]any, key string) (time.Duration, error) {
	v, ok := opts[key]
	if !ok {
		return 0, nil
	}
	switch d := v.(type) {
	case string:
		dur, err := time.ParseDuration(d)
		if err != nil {
			return 0, fmt.Errorf("options.%s: %w", key, err)
		}
		return dur, nil
	case int:
		return time.Duration(d) * time.Millisecond, nil
	default:
		return 0, fmt.Errorf("options.%s: want a duration, got %T", key, v)
	}
}

// optStringMap extracts a map of string values, skipping non-string entries.
func optStringMap(opts map[string]any, key string) map[string]string {
	m, ok := opts[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
