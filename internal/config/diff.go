package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Session and log
// level changes apply live; everything else needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged reports a new voice or instructions, applied to the next
	// session.
	SessionChanged bool
	NewSession     SessionConfig

	// RestartRequired lists the top-level sections that changed but cannot
	// be applied live.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Session != new.Session {
		d.SessionChanged = true
		d.NewSession = new.Session
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Reconnect != new.Reconnect {
		d.RestartRequired = append(d.RestartRequired, "reconnect")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.S2S, b.S2S) && slices.EqualFunc(a.Fallbacks, b.Fallbacks, entryEqual)
}

func entryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		reflect.DeepEqual(a.Options, b.Options)
}
