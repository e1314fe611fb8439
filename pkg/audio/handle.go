package audio

import "time"

// Handle is an exclusively-owned, playable audio resource. A handle is
// created per utterance, played at most once from start to end, and may be
// paused and continued any number of times in between.
//
// All methods must be safe for concurrent use and must not block on playback:
// Play starts (or continues) playback in the background and returns.
type Handle interface {
	// Play starts playback from the beginning, or continues from the saved
	// position if the handle is paused. Calling Play on a handle that is
	// already playing is a no-op. Returns an error if the handle has already
	// finished or was stopped.
	Play() error

	// Pause suspends playback without resetting the position. A no-op unless
	// the handle is playing.
	Pause()

	// Stop ends playback immediately and releases resources. Done is closed
	// and Err reports [ErrStopped] unless the handle had already finished.
	// Stop is idempotent.
	Stop()

	// Position reports how much audio has been delivered to the output.
	Position() time.Duration

	// Done is closed when the handle reaches its natural end, fails, or is
	// stopped.
	Done() <-chan struct{}

	// Err reports why Done was closed: nil on natural end of stream,
	// [ErrStopped] after Stop, or an error wrapping [ErrPlayback].
	Err() error
}

// Drain reads from ch until it is closed, discarding all values. Use it to
// release a producer goroutine whose output is no longer wanted.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
