package playback

import (
	"log/slog"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/audio/pcm"
	"github.com/MrWong99/voxline/pkg/provider/tts"
	"golang.org/x/sync/semaphore"
)

// Defaults for [New].
const (
	DefaultReadyTimeout       = 10 * time.Second
	DefaultResumeReadyTimeout = 20 * time.Second
	DefaultItemGap            = 150 * time.Millisecond
	DefaultAttemptTimeout     = 15 * time.Second
)

// Renderer turns a synthesis result into a playable handle.
type Renderer func(res *tts.Result) (audio.Handle, error)

// PCMRenderer returns a [Renderer] that plays results as real-time paced
// [pcm.Stream] handles writing to out.
func PCMRenderer(out audio.Output, opts ...pcm.Option) Renderer {
	return func(res *tts.Result) (audio.Handle, error) {
		return pcm.New(res.Audio, res.Format, out, opts...), nil
	}
}

// Observer receives queue events for metrics. All methods must be cheap and
// non-blocking; they are called from the driver and synthesis goroutines.
type Observer interface {
	// SynthesisAttempt is called after every provider call.
	SynthesisAttempt(model string, d time.Duration, err error)
	// ItemFinished is called once per item when it becomes terminal.
	ItemFinished(status Status)
	// Stall is called when the driver had to wait d for an item to settle.
	Stall(d time.Duration)
}

type nopObserver struct{}

func (nopObserver) SynthesisAttempt(string, time.Duration, error) {}
func (nopObserver) ItemFinished(Status)                           {}
func (nopObserver) Stall(time.Duration)                           {}

// Option is a functional option for [New].
type Option func(*Queue)

// WithReadyTimeout bounds how long a freshly started driver waits for the item
// at the cursor to finish synthesis before forcing it to error.
func WithReadyTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.readyTimeout = d
		}
	}
}

// WithResumeReadyTimeout is the wait budget used by a driver restarted by
// Resume, where synthesis may still be catching up.
func WithResumeReadyTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.resumeReadyTimeout = d
		}
	}
}

// WithItemGap sets the pause between consecutive items. Zero disables it.
func WithItemGap(d time.Duration) Option {
	return func(q *Queue) {
		q.itemGap = max(d, 0)
	}
}

// WithRetryPolicy replaces the synthesis retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(q *Queue) {
		q.retry = p
	}
}

// WithTimeoutFunc sets the per-attempt synthesis deadline. The argument is a
// payload size hint in bytes. Typically wired to the network monitor's
// adaptive timeout.
func WithTimeoutFunc(fn func(payloadHint int) time.Duration) Option {
	return func(q *Queue) {
		q.timeoutFunc = fn
	}
}

// WithMaxConcurrentSynthesis caps the number of in-flight synthesis tasks.
// n <= 0 means unbounded.
func WithMaxConcurrentSynthesis(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.sem = semaphore.NewWeighted(int64(n))
		} else {
			q.sem = nil
		}
	}
}

// WithRenderer replaces the default renderer.
func WithRenderer(r Renderer) Option {
	return func(q *Queue) {
		q.render = r
	}
}

// WithOutput sets the output used by the default PCM renderer.
func WithOutput(out audio.Output) Option {
	return func(q *Queue) {
		q.render = PCMRenderer(out)
	}
}

// WithVoice sets the voice used for items enqueued without a voice ID, and the
// speaking rate for all items.
func WithVoice(voiceID string, speed float64) Option {
	return func(q *Queue) {
		q.defaultVoice = voiceID
		q.speed = speed
	}
}

// WithObserver registers a metrics observer.
func WithObserver(o Observer) Option {
	return func(q *Queue) {
		if o != nil {
			q.observer = o
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}
