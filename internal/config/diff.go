package config

import "reflect"

// ConfigDiff describes what changed between two configs.
//
// Log level changes are applied in place. Changes to any section the bridge
// session was built from take effect only after the session is restarted;
// server, Discord and history changes need a process restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	CredentialsChanged bool
	EngineChanged      bool
	AudioChanged       bool
	BridgeChanged      bool

	// ServerChanged reports a change to the listen address or TLS settings.
	ServerChanged bool

	// DiscordChanged reports a change to the Discord bot settings.
	DiscordChanged bool

	// HistoryChanged reports a change to the history backend.
	HistoryChanged bool
}

// SessionRestartRequired reports whether the bridge session must be rebuilt
// for the new config to take effect.
func (d ConfigDiff) SessionRestartRequired() bool {
	return d.CredentialsChanged || d.EngineChanged || d.AudioChanged || d.BridgeChanged
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.ServerChanged || d.DiscordChanged || d.HistoryChanged || d.SessionRestartRequired()
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.ServerChanged = true
	}

	d.DiscordChanged = !reflect.DeepEqual(old.Discord, new.Discord)
	d.HistoryChanged = !reflect.DeepEqual(old.History, new.History)

	d.CredentialsChanged = old.Credentials != new.Credentials
	d.EngineChanged = !reflect.DeepEqual(old.Engine, new.Engine)
	d.AudioChanged = old.Audio != new.Audio
	d.BridgeChanged = !reflect.DeepEqual(old.Bridge, new.Bridge)

	return d
}
