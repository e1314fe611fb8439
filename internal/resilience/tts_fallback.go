package resilience

import (
	"context"

	"github.com/MrWong99/voxline/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across multiple
// synthesis backends. Each backend has its own circuit breaker.
//
// The returned error wraps both [ErrAllFailed] and the last backend error, so
// [tts.Classify] still sees the original failure kind and the playback retry
// policy keeps working through the fallback layer.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
// Unless cfg supplies its own IsFailure, rejected requests ([tts.KindClient])
// do not count against a backend's breaker: the text was bad, not the backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	if cfg.CircuitBreaker.IsFailure == nil {
		cfg.CircuitBreaker.IsFailure = synthesisFailure
	}
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional TTS provider as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// States reports the circuit breaker state of every backend.
func (f *TTSFallback) States() map[string]State {
	return f.group.States()
}

// Names returns the backend names in the order they are tried.
func (f *TTSFallback) Names() []string {
	return f.group.Names()
}

// Synthesize renders req with the first healthy backend. A backend that does
// not know the requested model is asked with its own default instead, so the
// model only applies to the backend it was meant for.
func (f *TTSFallback) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	return executeIndexed(f.group, func(i int, p tts.Provider) (*tts.Result, error) {
		r := req
		if i > 0 {
			r.Model = ""
		}
		return p.Synthesize(ctx, r)
	})
}

// ListVoices returns available voices from the first healthy provider.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// synthesisFailure reports whether err reflects on the backend's health.
func synthesisFailure(err error) bool {
	return countsAsFailure(err) && tts.Classify(err) != tts.KindClient
}
