package playback

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
)

// run is the playback driver. At most one instance per generation runs at a
// time (guarded by q.playing); it alone advances the cursor and plays audio.
// A driver whose generation was superseded by Reset exits without touching
// queue state.
func (q *Queue) run(ctx context.Context, gen uint64, resumed bool) {
	advanced := false
	for {
		q.mu.Lock()
		if q.generation != gen {
			q.mu.Unlock()
			return
		}
		if q.interrupted || q.cursor >= len(q.items) {
			q.exitLocked(advanced)
			return
		}

		it := q.items[q.cursor]
		switch it.status {
		case StatusPending, StatusGenerating:
			interrupt, reorder := q.interruptCh, q.reorderCh
			budget := q.readyTimeout
			if resumed {
				budget = q.resumeReadyTimeout
			}
			q.mu.Unlock()

			woke := q.waitSettled(ctx, it, interrupt, reorder, budget)

			q.mu.Lock()
			if q.generation != gen {
				q.mu.Unlock()
				return
			}
			switch {
			case woke == wakeTimeout && !it.status.settled():
				it.fail(ErrSynthesisTimeout)
				q.log.Warn("playback: synthesis wait timed out, skipping item",
					"index", it.index,
					"budget", budget,
				)
				q.observer.ItemFinished(StatusError)
			case woke == wakeInterrupt:
				// Whoever resumes us is catching up with synthesis.
				resumed = true
			}
			q.mu.Unlock()
			continue

		case StatusError:
			q.cursor++
			advanced = true
			q.mu.Unlock()
			continue

		case StatusReady:
			if it.handle == nil {
				it.fail(ErrNoAudio)
				q.observer.ItemFinished(StatusError)
				q.cursor++
				advanced = true
				q.mu.Unlock()
				continue
			}

		case StatusPlaying, StatusPlayed:
			// Unreachable: the cursor never rests on an item this driver did
			// not start.
			q.log.Error("playback: unexpected item state at cursor", "index", it.index, "status", it.status)
			q.cursor++
			advanced = true
			q.mu.Unlock()
			continue
		}

		// Ready: play it.
		h := it.handle
		it.status = StatusPlaying
		q.started = it
		q.active = h
		if err := h.Play(); err != nil {
			q.active = nil
			q.started = nil
			it.fail(fmt.Errorf("%w: %w", audio.ErrPlayback, err))
			q.observer.ItemFinished(StatusError)
			q.cursor++
			advanced = true
			q.mu.Unlock()
			continue
		}
		q.mu.Unlock()

		<-h.Done()

		q.mu.Lock()
		if q.generation != gen {
			q.mu.Unlock()
			return
		}
		q.active = nil
		if err := h.Err(); err != nil {
			it.status = StatusError
			it.err = err
			q.log.Warn("playback: item failed during playback", "index", it.index, "err", err)
			q.observer.ItemFinished(StatusError)
		} else {
			it.status = StatusPlayed
			q.observer.ItemFinished(StatusPlayed)
		}
		interrupt := q.interruptCh
		q.mu.Unlock()

		q.gap(ctx, interrupt)

		q.mu.Lock()
		if q.generation != gen {
			q.mu.Unlock()
			return
		}
		q.cursor++
		q.started = nil
		advanced = true
		q.mu.Unlock()
	}
}

// exitLocked clears the driver flags and fires the completion callback if the
// queue was drained without interruption. It releases q.mu.
func (q *Queue) exitLocked(advanced bool) {
	complete := !q.interrupted && advanced && len(q.items) > 0 && q.cursor >= len(q.items)
	q.playing = false
	if q.interrupted {
		q.interrupted = false
		q.interruptCh = make(chan struct{})
	}
	cb := q.onComplete
	q.mu.Unlock()

	if complete {
		q.log.Debug("playback: queue drained")
		if cb != nil {
			cb()
		}
	}
}

type wake int

const (
	wakeSettled wake = iota
	wakeTimeout
	wakeInterrupt
	wakeReorder
	wakeCancelled
)

// waitSettled blocks until it settles or the budget expires. Interruption,
// an insert in front of it, and generation cancellation end the wait early.
func (q *Queue) waitSettled(ctx context.Context, it *item, interrupt, reorder <-chan struct{}, budget time.Duration) wake {
	start := time.Now()
	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case <-it.settled:
		q.observer.Stall(time.Since(start))
		return wakeSettled
	case <-timer.C:
		q.observer.Stall(time.Since(start))
		return wakeTimeout
	case <-interrupt:
		return wakeInterrupt
	case <-reorder:
		return wakeReorder
	case <-ctx.Done():
		return wakeCancelled
	}
}

// gap inserts the inter-item pause, cut short by an interruption or reset.
func (q *Queue) gap(ctx context.Context, interrupt <-chan struct{}) {
	if q.itemGap <= 0 {
		return
	}
	timer := time.NewTimer(q.itemGap)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-interrupt:
	case <-ctx.Done():
	}
}
