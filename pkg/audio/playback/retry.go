package playback

import (
	"context"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/tts"
)

// RetryPolicy controls how a failed synthesis attempt is retried.
//
// Auth and client failures are never retried. Timeouts and server failures
// wait ServerRetryDelay and switch the remaining attempts to FallbackModel.
// Rate limits wait RateLimitDelay. Anything else backs off exponentially from
// BackoffBase. MaxAttempts bounds the total number of attempts.
type RetryPolicy struct {
	MaxAttempts      int
	ServerRetryDelay time.Duration
	RateLimitDelay   time.Duration
	BackoffBase      time.Duration

	// FallbackModel is a cheaper or faster model used after the first timeout
	// or server failure. Empty keeps the original model.
	FallbackModel string
}

// DefaultRetryPolicy returns the default policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      3,
		ServerRetryDelay: 500 * time.Millisecond,
		RateLimitDelay:   2 * time.Second,
		BackoffBase:      250 * time.Millisecond,
		FallbackModel:    "eleven_flash_v2_5",
	}
}

// MaxAttemptTimeout is the longest per-attempt deadline that still leaves
// room, within readyTimeout, for one retry after a timed-out first attempt.
// Zero means readyTimeout cannot fit a retry at all.
func MaxAttemptTimeout(readyTimeout time.Duration, p RetryPolicy) time.Duration {
	return max((readyTimeout-p.ServerRetryDelay)/2, 0)
}

// decision is the policy outcome for one failed attempt.
type decision struct {
	retry     bool
	delay     time.Duration
	downgrade bool
}

// decide classifies err after the given 1-based attempt.
func (p RetryPolicy) decide(err error, attempt int) decision {
	if attempt >= max(p.MaxAttempts, 1) {
		return decision{}
	}
	switch tts.Classify(err) {
	case tts.KindAuth, tts.KindClient:
		return decision{}
	case tts.KindTimeout, tts.KindServer:
		return decision{retry: true, delay: p.ServerRetryDelay, downgrade: true}
	case tts.KindRateLimited:
		return decision{retry: true, delay: p.RateLimitDelay}
	default:
		return decision{retry: true, delay: p.BackoffBase << (attempt - 1)}
	}
}

// synthesis is the outcome of a retried synthesis task.
type synthesis struct {
	result   *tts.Result
	attempts int
	model    string
	err      error
}

// synthesizeWithRetry renders text, retrying according to q.retry. It returns
// early with ctx.Err() when ctx is cancelled (queue reset).
func (q *Queue) synthesizeWithRetry(ctx context.Context, index int, text, voiceID string) synthesis {
	model := ""
	downgraded := false
	for attempt := 1; ; attempt++ {
		timeout := q.attemptTimeout(len(text))

		actx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		res, err := q.provider.Synthesize(actx, tts.Request{
			Text:  text,
			Voice: tts.VoiceProfile{ID: voiceID},
			Model: model,
			Speed: q.speed,
		})
		cancel()
		q.observer.SynthesisAttempt(model, time.Since(start), err)

		if err == nil {
			used := res.Model
			if used == "" {
				used = model
			}
			return synthesis{result: res, attempts: attempt, model: used}
		}
		if ctx.Err() != nil {
			return synthesis{attempts: attempt, model: model, err: ctx.Err()}
		}

		d := q.retry.decide(err, attempt)
		q.log.Warn("playback: synthesis attempt failed",
			"index", index,
			"attempt", attempt,
			"kind", tts.Classify(err).String(),
			"retry", d.retry,
			"err", err,
		)
		if !d.retry {
			return synthesis{attempts: attempt, model: model, err: err}
		}
		if d.downgrade && !downgraded && q.retry.FallbackModel != "" {
			downgraded = true
			model = q.retry.FallbackModel
			q.log.Info("playback: switching to fallback model", "index", index, "model", model)
		}
		if err := sleep(ctx, d.delay); err != nil {
			return synthesis{attempts: attempt, model: model, err: err}
		}
	}
}

// attemptTimeout is the deadline for one provider call. The adaptive value is
// capped so that a timeout still leaves the driver's ready budget room for a
// retry on the fallback model.
func (q *Queue) attemptTimeout(payloadHint int) time.Duration {
	timeout := DefaultAttemptTimeout
	if q.timeoutFunc != nil {
		if d := q.timeoutFunc(payloadHint); d > 0 {
			timeout = d
		}
	}
	if limit := MaxAttemptTimeout(q.readyTimeout, q.retry); limit > 0 {
		timeout = min(timeout, limit)
	}
	return timeout
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// runSynthesis is the per-item synthesis task. It stores its result only if
// the item still belongs to generation gen and is still generating.
func (q *Queue) runSynthesis(ctx context.Context, gen uint64, it *item) {
	if q.sem != nil {
		if err := q.sem.Acquire(ctx, 1); err != nil {
			return // reset while waiting for a slot
		}
		defer q.sem.Release(1)
	}

	q.mu.Lock()
	if q.generation != gen || it.status != StatusPending {
		q.mu.Unlock()
		return
	}
	it.status = StatusGenerating
	q.mu.Unlock()

	s := q.synthesizeWithRetry(ctx, it.index, it.text, it.voiceID)

	var (
		h         audio.Handle
		renderErr error
	)
	if s.err == nil {
		h, renderErr = q.render(s.result)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.generation != gen || it.status != StatusGenerating {
		// Reset, or the driver gave up waiting: the result is stale.
		if h != nil {
			h.Stop()
		}
		if q.generation == gen {
			q.log.Debug("playback: discarding late synthesis result", "index", it.index)
		}
		return
	}

	it.attempts = s.attempts
	it.model = s.model
	switch {
	case s.err != nil:
		it.fail(s.err)
	case renderErr != nil:
		it.fail(renderErr)
	default:
		it.handle = h
		it.status = StatusReady
		it.settle()
		return
	}
	q.log.Error("playback: synthesis failed, item will be skipped",
		"index", it.index,
		"attempts", s.attempts,
		"err", it.err,
	)
	q.observer.ItemFinished(StatusError)
}
