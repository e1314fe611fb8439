package config

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxline/pkg/audio/playback"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"tts": {"elevenlabs", "piper"},
}

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
// ${VAR} and $VAR references are expanded from the process environment before
// decoding, so secrets can live in the environment or a .env file.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
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

	// Providers
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	errs = append(errs, validateProvider("providers.tts", cfg.Providers.TTS)...)
	if fb := cfg.Providers.TTSFallback; fb.Name != "" {
		errs = append(errs, validateProvider("providers.tts_fallback", fb)...)
		if fb.Name == cfg.Providers.TTS.Name && fb.BaseURL == cfg.Providers.TTS.BaseURL && fb.Model == cfg.Providers.TTS.Model {
			slog.Warn("providers.tts_fallback is identical to providers.tts; failover will not help", "name", fb.Name)
		}
	}

	// Voice
	if s := cfg.Voice.Speed; s != 0 && (s < 0.5 || s > 2.0) {
		errs = append(errs, fmt.Errorf("voice.speed %.2f is out of range [0.5, 2.0]", s))
	}
	if cfg.Voice.VoiceID == "" {
		slog.Warn("voice.voice_id is empty; every request must name a voice")
	}

	// Playback
	pb := cfg.Playback
	errs = append(errs, nonNegative("playback.ready_timeout", pb.ReadyTimeout))
	errs = append(errs, nonNegative("playback.resume_ready_timeout", pb.ResumeReadyTimeout))
	if pb.ItemGap != nil {
		errs = append(errs, nonNegative("playback.item_gap", *pb.ItemGap))
	}
	if ready := cmp.Or(pb.ReadyTimeout, playback.DefaultReadyTimeout); ready > 0 {
		policy := pb.RetryPolicy()
		switch limit := playback.MaxAttemptTimeout(ready, policy); {
		case limit == 0:
			errs = append(errs, fmt.Errorf("playback.ready_timeout %v leaves no room for a retry after playback.server_retry_delay %v",
				ready, policy.ServerRetryDelay))
		case limit < time.Second:
			slog.Warn("playback.ready_timeout caps synthesis attempts below one second",
				"ready_timeout", ready, "attempt_timeout", limit)
		}
	}
	if pb.ReadyTimeout > 0 && pb.ResumeReadyTimeout > 0 && pb.ResumeReadyTimeout < pb.ReadyTimeout {
		errs = append(errs, fmt.Errorf("playback.resume_ready_timeout %v must not be shorter than playback.ready_timeout %v",
			pb.ResumeReadyTimeout, pb.ReadyTimeout))
	}
	errs = append(errs, nonNegative("playback.server_retry_delay", pb.ServerRetryDelay))
	errs = append(errs, nonNegative("playback.rate_limit_delay", pb.RateLimitDelay))
	errs = append(errs, nonNegative("playback.backoff_base", pb.BackoffBase))
	if pb.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("playback.max_attempts %d must not be negative", pb.MaxAttempts))
	}
	if pb.MaxConcurrentSynthesis < 0 {
		errs = append(errs, fmt.Errorf("playback.max_concurrent_synthesis %d must not be negative", pb.MaxConcurrentSynthesis))
	}
	if pb.Output != "" && !pb.Output.IsValid() {
		errs = append(errs, fmt.Errorf("playback.output %q is invalid; valid values: discard, speaker", pb.Output))
	}
	if pb.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("playback.sample_rate %d must not be negative", pb.SampleRate))
	}
	if pb.Channels < 0 || pb.Channels > 2 {
		errs = append(errs, fmt.Errorf("playback.channels %d is invalid; valid values: 1, 2", pb.Channels))
	}

	// Network
	nw := cfg.Network
	if nw.ProbeURL != "" {
		u, err := url.Parse(nw.ProbeURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("network.probe_url %q must be an absolute http(s) URL", nw.ProbeURL))
		}
	}
	errs = append(errs, nonNegative("network.interval", nw.Interval))
	errs = append(errs, nonNegative("network.probe_timeout", nw.ProbeTimeout))
	errs = append(errs, nonNegative("network.excellent_below", nw.ExcellentBelow))
	errs = append(errs, nonNegative("network.good_below", nw.GoodBelow))
	errs = append(errs, nonNegative("network.large_payload_timeout", nw.LargePayloadTimeout))
	if nw.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("network.history_size %d must not be negative", nw.HistorySize))
	}
	if nw.LargePayloadBytes < 0 {
		errs = append(errs, fmt.Errorf("network.large_payload_bytes %d must not be negative", nw.LargePayloadBytes))
	}
	if nw.ExcellentBelow > 0 && nw.GoodBelow > 0 && nw.GoodBelow <= nw.ExcellentBelow {
		errs = append(errs, fmt.Errorf("network.good_below %v must be greater than network.excellent_below %v", nw.GoodBelow, nw.ExcellentBelow))
	}
	if nw.ProbeTimeout > 0 && nw.Interval > 0 && nw.ProbeTimeout > nw.Interval {
		slog.Warn("network.probe_timeout exceeds network.interval; slow probes will be superseded by the next tick",
			"probe_timeout", nw.ProbeTimeout,
			"interval", nw.Interval,
		)
	}
	errs = append(errs,
		nonNegative("network.timeouts.excellent", nw.Timeouts.Excellent),
		nonNegative("network.timeouts.good", nw.Timeouts.Good),
		nonNegative("network.timeouts.poor", nw.Timeouts.Poor),
		nonNegative("network.timeouts.offline", nw.Timeouts.Offline),
	)

	return errors.Join(errs...)
}

// validateProvider checks provider-specific required fields.
func validateProvider(path string, e ProviderEntry) []error {
	if e.Name == "" {
		return nil
	}
	validateProviderName("tts", e.Name)

	var errs []error
	switch e.Name {
	case "piper":
		if e.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required for piper", path))
		}
	case "elevenlabs":
		if e.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required for elevenlabs", path))
		}
	}
	if e.BaseURL != "" {
		if _, err := url.ParseRequestURI(e.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("%s.base_url %q is invalid: %w", path, e.BaseURL, err))
		}
	}
	return errs
}

// nonNegative returns an error for a negative duration, nil otherwise.
func nonNegative(field string, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%s %v must not be negative", field, d)
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
