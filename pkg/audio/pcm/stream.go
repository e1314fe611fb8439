// Package pcm provides an [audio.Handle] over an in-memory PCM buffer.
//
// A [Stream] slices its buffer into fixed-duration frames and hands them to an
// [audio.Output] at real-time pace, so that pausing a stream leaves the
// remaining audio undelivered and resuming continues from the exact byte
// offset where playback stopped.
package pcm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
)

// DefaultFrameDuration is the duration of audio delivered per output call.
const DefaultFrameDuration = 20 * time.Millisecond

// ErrFinished is returned by Play on a stream that already ended.
var ErrFinished = errors.New("pcm: stream already finished")

// Compile-time assertion that Stream satisfies audio.Handle.
var _ audio.Handle = (*Stream)(nil)

// Option is a functional option for [New].
type Option func(*Stream)

// WithFrameDuration sets the duration of each frame written to the output.
func WithFrameDuration(d time.Duration) Option {
	return func(s *Stream) {
		if d > 0 {
			s.frameDur = d
		}
	}
}

// WithRealtime controls pacing. When disabled the stream writes frames as fast
// as the output accepts them, which is useful for file sinks and tests.
func WithRealtime(on bool) Option {
	return func(s *Stream) {
		s.realtime = on
	}
}

// Stream is a pausable, real-time paced PCM player. Create with [New].
type Stream struct {
	data     []byte
	format   audio.Format
	out      audio.Output
	frameDur time.Duration
	realtime bool

	mu      sync.Mutex
	offset  int
	running bool
	pause   chan struct{} // closed to ask the pump to stop; nil when idle
	pumpEnd chan struct{} // closed by the pump when it returns
	ended   bool
	err     error
	done    chan struct{}
}

// New creates a stream over pcm in format f that writes to out. The buffer is
// not copied; callers must not modify it afterwards.
func New(pcm []byte, f audio.Format, out audio.Output, opts ...Option) *Stream {
	s := &Stream{
		data:     pcm,
		format:   f,
		out:      out,
		frameDur: DefaultFrameDuration,
		realtime: true,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.out == nil {
		s.out = audio.Discard
	}
	return s
}

// FromWAV decodes a 16-bit WAV buffer and wraps its samples in a Stream.
func FromWAV(wav []byte, out audio.Output, opts ...Option) (*Stream, error) {
	data, f, err := audio.DecodeWAV(wav)
	if err != nil {
		return nil, fmt.Errorf("pcm: %w", err)
	}
	return New(data, f, out, opts...), nil
}

// Format returns the stream's PCM format.
func (s *Stream) Format() audio.Format { return s.format }

// Duration returns the total length of the buffered audio.
func (s *Stream) Duration() time.Duration { return s.format.Duration(len(s.data)) }

// Play implements [audio.Handle].
func (s *Stream) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrFinished
	}
	if s.running {
		return nil
	}
	if !s.format.Valid() {
		s.finishLocked(fmt.Errorf("%w: invalid format %s", audio.ErrPlayback, s.format))
		return nil
	}

	// A previous pump may still be flushing its last frame after Pause.
	prev := s.pumpEnd
	s.running = true
	s.pause = make(chan struct{})
	s.pumpEnd = make(chan struct{})
	go s.pump(prev, s.pause, s.pumpEnd)
	return nil
}

// Pause implements [audio.Handle].
func (s *Stream) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.pause)
}

// Stop implements [audio.Handle].
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	if s.running {
		s.running = false
		close(s.pause)
	}
	s.finishLocked(audio.ErrStopped)
}

// Position implements [audio.Handle].
func (s *Stream) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format.Duration(s.offset)
}

// Done implements [audio.Handle].
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err implements [audio.Handle].
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// finishLocked marks the stream as ended. Must be called with s.mu held.
func (s *Stream) finishLocked(err error) {
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.done)
}

func (s *Stream) frameBytes() int {
	n := int(int64(s.format.BytesPerSecond()) * int64(s.frameDur) / int64(time.Second))
	// Keep frames aligned to whole sample frames.
	align := 2 * s.format.Channels
	n -= n % align
	return max(n, align)
}

// pump delivers frames from the current offset until the buffer is exhausted,
// the output fails, or pause is closed.
func (s *Stream) pump(prev <-chan struct{}, pause <-chan struct{}, end chan<- struct{}) {
	defer close(end)
	if prev != nil {
		<-prev
	}

	chunk := s.frameBytes()
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-pause:
			return
		default:
		}

		s.mu.Lock()
		if s.ended {
			s.mu.Unlock()
			return
		}
		start := s.offset
		if start >= len(s.data) {
			s.running = false
			s.finishLocked(nil)
			s.mu.Unlock()
			return
		}
		stop := min(start+chunk, len(s.data))
		s.mu.Unlock()

		frame := audio.Frame{
			Data:       s.data[start:stop],
			SampleRate: s.format.SampleRate,
			Channels:   s.format.Channels,
			Timestamp:  s.format.Duration(start),
		}
		if err := s.out(frame); err != nil {
			s.mu.Lock()
			s.running = false
			s.finishLocked(fmt.Errorf("%w: %w", audio.ErrPlayback, err))
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		s.offset = stop
		s.mu.Unlock()

		if !s.realtime {
			continue
		}
		wait := s.format.Duration(stop - start)
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		select {
		case <-pause:
			return
		case <-timer.C:
		}
	}
}
