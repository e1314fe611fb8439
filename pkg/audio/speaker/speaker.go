// Package speaker plays frames on the local sound device.
//
// A [Speaker] is an [audio.Output]: frames in any 16-bit PCM format are
// converted to the device format and written into a pipe that an oto player
// drains. Writes block while the device buffer is full, which keeps upstream
// real-time pacing honest.
package speaker

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/MrWong99/voxline/pkg/audio"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("speaker: closed")

// DefaultFormat is the device format used when none is configured.
var DefaultFormat = audio.Format{SampleRate: 48000, Channels: 2}

// Option configures a [Speaker].
type Option func(*config)

type config struct {
	format audio.Format
}

// WithFormat sets the device format. Oto supports one context per process,
// so the first Speaker fixes the format for the rest of its lifetime.
func WithFormat(f audio.Format) Option {
	return func(c *config) {
		if f.Valid() {
			c.format = f
		}
	}
}

// Speaker converts frames to a fixed device format and writes them to an
// underlying sink. Safe for concurrent use.
type Speaker struct {
	conv *audio.Converter

	mu     sync.Mutex
	w      io.WriteCloser
	closer func() error
	closed bool
}

// NewWriter returns a Speaker that writes device-format PCM to w instead of a
// sound card. Close closes w.
func NewWriter(w io.WriteCloser, f audio.Format) *Speaker {
	return &Speaker{
		conv: &audio.Converter{Target: f},
		w:    w,
	}
}

// Format returns the device format.
func (s *Speaker) Format() audio.Format { return s.conv.Target }

// Write implements [audio.Output].
func (s *Speaker) Write(f audio.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	out := s.conv.Convert(f)
	if len(out.Data) == 0 {
		return nil
	}
	if _, err := s.w.Write(out.Data); err != nil {
		return fmt.Errorf("speaker: write: %w", err)
	}
	return nil
}

// Output returns s.Write as an [audio.Output].
func (s *Speaker) Output() audio.Output { return s.Write }

// Close stops the device player and releases the sink. Idempotent.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.w.Close()
	if s.closer != nil {
		err = errors.Join(err, s.closer())
	}
	return err
}
