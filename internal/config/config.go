// Package config provides the configuration schema, loader, and provider registry
// for the voxline audio delivery service.
package config

import (
	"time"

	"github.com/MrWong99/voxline/internal/netquality"
	"github.com/MrWong99/voxline/pkg/audio/playback"
)

// LogLevel controls log verbosity for the voxline server.
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

// OutputKind selects where rendered audio is written.
type OutputKind string

const (
	// OutputDiscard paces audio in real time but drops the bytes. Useful for
	// headless deployments and load tests.
	OutputDiscard OutputKind = "discard"

	// OutputSpeaker plays audio on the local sound device.
	OutputSpeaker OutputKind = "speaker"
)

// IsValid reports whether o is a recognised output kind.
func (o OutputKind) IsValid() bool {
	return o == OutputDiscard || o == OutputSpeaker
}

// Config is the root configuration structure for voxline.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Voice     VoiceConfig     `yaml:"voice"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Network   NetworkConfig   `yaml:"network"`
}

// ServerConfig holds network and logging settings for the voxline server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig selects the synthesis backends.
type ProvidersConfig struct {
	// TTS is the primary synthesis provider.
	TTS ProviderEntry `yaml:"tts"`

	// TTSFallback is used when the primary fails or its circuit is open.
	// Optional.
	TTSFallback ProviderEntry `yaml:"tts_fallback"`
}

// ProviderEntry is the configuration for a single provider.
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "elevenlabs", "piper").
	Name string `yaml:"name"`

	// APIKey is the authentication credential. Usually given as ${VAR} and
	// expanded from the environment at load time.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint. For piper this is the
	// server URL and is required.
	BaseURL string `yaml:"base_url"`

	// Model is the default model ID.
	Model string `yaml:"model"`

	// Options holds provider-specific settings not covered by the common fields.
	Options map[string]any `yaml:"options"`
}

// VoiceConfig is the default voice for sessions that do not name one.
type VoiceConfig struct {
	VoiceID string `yaml:"voice_id"`

	// Speed is the speaking rate multiplier. 0 keeps the provider default.
	Speed float64 `yaml:"speed"`
}

// PlaybackConfig tunes the per-session playback queue. Zero fields keep the
// package defaults.
type PlaybackConfig struct {
	ReadyTimeout       time.Duration  `yaml:"ready_timeout"`
	ResumeReadyTimeout time.Duration  `yaml:"resume_ready_timeout"`
	ItemGap            *time.Duration `yaml:"item_gap"`

	MaxAttempts      int           `yaml:"max_attempts"`
	ServerRetryDelay time.Duration `yaml:"server_retry_delay"`
	RateLimitDelay   time.Duration `yaml:"rate_limit_delay"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	FallbackModel    string        `yaml:"fallback_model"`

	// MaxConcurrentSynthesis caps in-flight synthesis tasks per session.
	// 0 means unbounded.
	MaxConcurrentSynthesis int `yaml:"max_concurrent_synthesis"`

	// Output selects the audio sink. Defaults to [OutputDiscard].
	Output     OutputKind `yaml:"output"`
	SampleRate int        `yaml:"sample_rate"`
	Channels   int        `yaml:"channels"`
}

// RetryPolicy returns the synthesis retry policy with zero fields filled from
// [playback.DefaultRetryPolicy].
func (p PlaybackConfig) RetryPolicy() playback.RetryPolicy {
	r := playback.DefaultRetryPolicy()
	if p.MaxAttempts > 0 {
		r.MaxAttempts = p.MaxAttempts
	}
	if p.ServerRetryDelay > 0 {
		r.ServerRetryDelay = p.ServerRetryDelay
	}
	if p.RateLimitDelay > 0 {
		r.RateLimitDelay = p.RateLimitDelay
	}
	if p.BackoffBase > 0 {
		r.BackoffBase = p.BackoffBase
	}
	if p.FallbackModel != "" {
		r.FallbackModel = p.FallbackModel
	}
	return r
}

// QueueOptions translates the section into playback options. Output and
// observer wiring is left to the caller.
func (p PlaybackConfig) QueueOptions() []playback.Option {
	opts := []playback.Option{
		playback.WithReadyTimeout(p.ReadyTimeout),
		playback.WithResumeReadyTimeout(p.ResumeReadyTimeout),
		playback.WithRetryPolicy(p.RetryPolicy()),
		playback.WithMaxConcurrentSynthesis(p.MaxConcurrentSynthesis),
	}
	if p.ItemGap != nil {
		opts = append(opts, playback.WithItemGap(*p.ItemGap))
	}
	return opts
}

// NetworkConfig configures the network quality monitor.
type NetworkConfig struct {
	// ProbeURL is the liveness endpoint probed with HEAD. Empty probes the
	// server's own /healthz.
	ProbeURL string `yaml:"probe_url"`

	Interval       time.Duration `yaml:"interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	HistorySize    int           `yaml:"history_size"`
	ExcellentBelow time.Duration `yaml:"excellent_below"`
	GoodBelow      time.Duration `yaml:"good_below"`

	Timeouts TimeoutsConfig `yaml:"timeouts"`

	LargePayloadBytes   int           `yaml:"large_payload_bytes"`
	LargePayloadTimeout time.Duration `yaml:"large_payload_timeout"`
}

// TimeoutsConfig is the operation deadline per quality band.
type TimeoutsConfig struct {
	Excellent time.Duration `yaml:"excellent"`
	Good      time.Duration `yaml:"good"`
	Poor      time.Duration `yaml:"poor"`
	Offline   time.Duration `yaml:"offline"`
}

// MonitorConfig translates the section into a [netquality.Config]. Zero fields
// are filled by the monitor.
func (n NetworkConfig) MonitorConfig() netquality.Config {
	return netquality.Config{
		Interval:       n.Interval,
		ProbeTimeout:   n.ProbeTimeout,
		HistorySize:    n.HistorySize,
		ExcellentBelow: n.ExcellentBelow,
		GoodBelow:      n.GoodBelow,
		Timeouts: netquality.Timeouts{
			Excellent: n.Timeouts.Excellent,
			Good:      n.Timeouts.Good,
			Poor:      n.Timeouts.Poor,
			Offline:   n.Timeouts.Offline,
		},
		LargePayloadBytes:   n.LargePayloadBytes,
		LargePayloadTimeout: n.LargePayloadTimeout,
	}
}
