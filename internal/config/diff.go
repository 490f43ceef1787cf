package config

// ConfigDiff describes what changed between two configs. Only the log level
// can be applied to a running server; every other change is surfaced under
// RestartRequired so the operator knows a restart is needed.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists dot-paths of changed settings that only take
	// effect after a restart (e.g. "aws.region", "session").
	RestartRequired []string
}

// Empty reports whether the two configs were identical.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}

	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !tlsEqual(old.Server.TLS, new.Server.TLS))
	restart("aws.region", old.AWS.Region != new.AWS.Region)
	restart("aws.profile", old.AWS.Profile != new.AWS.Profile)
	restart("aws.model_id", old.AWS.ModelID != new.AWS.ModelID)
	restart("aws.request_timeout", old.AWS.RequestTimeout != new.AWS.RequestTimeout)
	restart("aws.max_concurrent_streams", old.AWS.MaxConcurrentStreams != new.AWS.MaxConcurrentStreams)
	restart("session", old.Session != new.Session)
	restart("inference", old.Inference != new.Inference)

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
