package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider and
// listen address changes require a restart and are reported as such.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged is true if the default voice or speed changed. Applies to
	// sessions created afterwards.
	VoiceChanged bool

	// PlaybackChanged is true if any playback tunable changed. Applies to
	// queues created afterwards (the next turn).
	PlaybackChanged bool

	// NetworkChanged is true if any monitor setting changed. Applying it
	// restarts the monitor.
	NetworkChanged bool

	// RestartRequired lists top-level fields that changed but cannot be
	// applied at runtime.
	RestartRequired []string
}

// Changed reports whether d contains any change at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.VoiceChanged || d.PlaybackChanged || d.NetworkChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Voice != new.Voice {
		d.VoiceChanged = true
	}
	if !playbackEqual(old.Playback, new.Playback) {
		d.PlaybackChanged = true
	}
	if old.Network != new.Network {
		d.NetworkChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !providerEqual(old.Providers.TTS, new.Providers.TTS) {
		d.RestartRequired = append(d.RestartRequired, "providers.tts")
	}
	if !providerEqual(old.Providers.TTSFallback, new.Providers.TTSFallback) {
		d.RestartRequired = append(d.RestartRequired, "providers.tts_fallback")
	}

	return d
}

// playbackEqual compares two playback sections, dereferencing ItemGap.
func playbackEqual(a, b PlaybackConfig) bool {
	ga, gb := a.ItemGap, b.ItemGap
	a.ItemGap, b.ItemGap = nil, nil
	if a != b {
		return false
	}
	switch {
	case ga == nil && gb == nil:
		return true
	case ga == nil || gb == nil:
		return false
	}
	return *ga == *gb
}

// providerEqual compares the scalar fields of two entries. Options are not
// compared; changing them alone is not detected.
func providerEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
