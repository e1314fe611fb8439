// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or a local
// Piper instance) and presents a uniform request/response interface. The
// playback queue renders one sentence per [Request] via Synthesize; providers
// that can stream audio while text is still arriving additionally implement
// [StreamProvider].
//
// Failures are reported as [*Error] values carrying a [Kind] so that callers
// can decide between retrying, switching model, or giving up.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/voxline/pkg/audio"
)

// Request describes a single synthesis call.
type Request struct {
	// Text is the sentence to speak. Must be non-empty.
	Text string

	// Voice selects the speaker. Providers may fall back to a default voice
	// when Voice.ID is empty.
	Voice VoiceProfile

	// Model overrides the provider's default model. Empty means default.
	Model string

	// Speed adjusts the speaking rate (1.0 = normal). Zero means default.
	Speed float64
}

// Result is the rendered audio for a [Request].
type Result struct {
	// Audio holds 16-bit little-endian PCM in Format.
	Audio []byte

	// Format describes Audio.
	Format audio.Format

	// Model is the model that actually produced the audio.
	Model string

	// RequestID is the provider's correlation id, if it returns one.
	RequestID string
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis requests
// may run in parallel (the playback queue synthesizes ahead of playback).
type Provider interface {
	// Synthesize renders req into PCM audio. The call honours ctx cancellation
	// and deadlines; a deadline that expires maps to [KindTimeout].
	//
	// Errors should be (or wrap) an [*Error] so that [Classify] can categorise
	// them. Unclassified errors are treated as [KindUnknown].
	Synthesize(ctx context.Context, req Request) (*Result, error)

	// ListVoices returns all voice profiles available from this provider. The
	// list reflects the provider's current catalogue and may change between
	// calls.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}

// StreamProvider is implemented by providers with a streaming transport.
type StreamProvider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits raw PCM audio byte slices as they are
	// synthesised.
	//
	// The returned audio channel is closed by the implementation when all text
	// has been synthesised or when ctx is cancelled. The caller must drain the
	// audio channel to avoid blocking the provider's internal goroutines.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// StreamFormat reports the PCM format of the chunks SynthesizeStream emits.
	StreamFormat() audio.Format
}
