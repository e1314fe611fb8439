// Package audio defines the primitives shared by the voxline playback pipeline:
// PCM frames, stream formats, output sinks, and the [Handle] abstraction for a
// playable, pausable audio resource.
//
// Concrete handles live in sub-packages (audio/pcm), concrete outputs in
// audio/speaker. The playback queue in audio/playback only depends on the
// interfaces declared here.
package audio

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStopped is reported by [Handle.Err] after the handle was stopped
	// before reaching its natural end.
	ErrStopped = errors.New("audio: playback stopped")

	// ErrPlayback marks a failure of the output while a handle was playing.
	// Items that fail with ErrPlayback are skipped, never retried.
	ErrPlayback = errors.New("audio: playback failed")
)

// Format describes the sample rate and channel count of 16-bit little-endian
// PCM audio.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the PCM byte rate for the format (int16 samples).
// Returns 0 for an invalid format.
func (f Format) BytesPerSecond() int {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	return f.SampleRate * f.Channels * 2
}

// Duration returns the playback duration of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Valid reports whether the format can describe real PCM data.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// String returns a human-readable form, e.g. "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Frame is a single chunk of PCM audio delivered to an [Output].
type Frame struct {
	// Data holds 16-bit little-endian PCM samples.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for ElevenLabs pcm_16000, 22050 for Piper).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp is the position of the first sample relative to the start of
	// the utterance the frame belongs to.
	Timestamp time.Duration
}

// Format returns the frame's stream format.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Output receives frames for playback. It is called sequentially by a single
// handle at a time. A non-nil error aborts the handle with [ErrPlayback].
type Output func(Frame) error

// Discard is an [Output] that drops every frame. Useful for headless runs
// where only the pipeline timing matters.
func Discard(Frame) error { return nil }
