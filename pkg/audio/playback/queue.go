// Package playback implements the ordered audio playback queue for one
// conversational turn-group.
//
// Text segments are synthesized concurrently as soon as they are enqueued,
// while a single driver goroutine plays them strictly in index order. The queue
// supports cooperative interruption (pause the current utterance and keep its
// position), resumption from the exact position, and a hard reset that
// discards everything, including synthesis results that arrive late.
//
// Every failure is contained to its item: a failed or timed-out sentence is
// skipped, never surfaced to the caller.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/tts"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrClosed is returned when enqueueing on a closed queue.
	ErrClosed = errors.New("playback: queue closed")

	// ErrDuplicateIndex is returned when an index was already used in the
	// current generation.
	ErrDuplicateIndex = errors.New("playback: duplicate index")

	// ErrIndexPassed is returned when an index sorts before an item the driver
	// has already started or finished.
	ErrIndexPassed = errors.New("playback: index already passed")

	// ErrSynthesisTimeout is recorded on items that did not finish synthesis
	// within the driver's wait budget.
	ErrSynthesisTimeout = errors.New("playback: synthesis did not finish in time")

	// ErrNoAudio is recorded on ready items that carry no handle.
	ErrNoAudio = errors.New("playback: item has no audio")
)

// item is a single queue entry. All fields except index, text and voiceID are
// guarded by Queue.mu.
type item struct {
	index   int
	text    string
	voiceID string

	status   Status
	handle   audio.Handle
	err      error
	attempts int
	model    string

	// settled is closed once the item leaves pending/generating.
	settled    chan struct{}
	settleDone bool
}

func (it *item) settle() {
	if !it.settleDone {
		it.settleDone = true
		close(it.settled)
	}
}

func (it *item) fail(err error) {
	it.status = StatusError
	it.err = err
	it.settle()
}

// Queue plays audio items strictly in index order. Create with [New]. All
// methods are safe for concurrent use.
type Queue struct {
	provider tts.Provider
	render   Renderer
	observer Observer
	log      *slog.Logger
	sem      *semaphore.Weighted

	readyTimeout       time.Duration
	resumeReadyTimeout time.Duration
	itemGap            time.Duration
	retry              RetryPolicy
	timeoutFunc        func(payloadHint int) time.Duration
	defaultVoice       string
	speed              float64

	mu          sync.Mutex
	items       []*item
	indices     map[int]struct{}
	cursor      int
	playing     bool // a driver goroutine is running
	interrupted bool
	closed      bool
	generation  uint64
	genCtx      context.Context
	genCancel   context.CancelFunc
	interruptCh chan struct{} // closed by Interrupt and Reset
	reorderCh   chan struct{} // closed when an item is inserted at the cursor
	started     *item         // item at the cursor the driver has begun playing
	active      audio.Handle  // handle the driver is currently playing
	onComplete  func()
}

// New creates a queue that synthesizes through provider. Without
// [WithRenderer] or [WithOutput], audio is paced in real time into
// [audio.Discard].
func New(provider tts.Provider, opts ...Option) *Queue {
	q := &Queue{
		provider:           provider,
		render:             PCMRenderer(audio.Discard),
		observer:           nopObserver{},
		log:                slog.Default(),
		readyTimeout:       DefaultReadyTimeout,
		resumeReadyTimeout: DefaultResumeReadyTimeout,
		itemGap:            DefaultItemGap,
		retry:              DefaultRetryPolicy(),
		indices:            make(map[int]struct{}),
		interruptCh:        make(chan struct{}),
		reorderCh:          make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.genCtx, q.genCancel = context.WithCancel(context.Background())
	return q
}

// SetOnComplete registers fn to be called when the driver drains a non-empty
// queue to completion without being interrupted. fn runs on the driver
// goroutine after all locks are released. Pass nil to clear.
func (q *Queue) SetOnComplete(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onComplete = fn
}

// EnqueueText appends a pending item and starts its synthesis immediately.
// An empty voiceID selects the queue's default voice. The driver is started if
// idle and not interrupted.
func (q *Queue) EnqueueText(text string, index int, voiceID string) error {
	if voiceID == "" {
		voiceID = q.defaultVoice
	}
	it := &item{
		index:   index,
		text:    text,
		voiceID: voiceID,
		status:  StatusPending,
		settled: make(chan struct{}),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.insertLocked(it); err != nil {
		return err
	}
	go q.runSynthesis(q.genCtx, q.generation, it)
	q.startLocked(false)
	return nil
}

// EnqueueRendered inserts an already rendered handle at its sorted position,
// bypassing synthesis. The queue takes ownership of h: it is stopped on Reset.
// A nil handle is accepted and skipped by the driver.
func (q *Queue) EnqueueRendered(h audio.Handle, index int) error {
	it := &item{
		index:   index,
		status:  StatusReady,
		handle:  h,
		settled: make(chan struct{}),
	}
	it.settle()

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.insertLocked(it); err != nil {
		return err
	}
	q.startLocked(false)
	return nil
}

// insertLocked places it at its sorted position. Must be called with q.mu held.
func (q *Queue) insertLocked(it *item) error {
	if q.closed {
		return ErrClosed
	}
	if _, dup := q.indices[it.index]; dup {
		return fmt.Errorf("%w: %d", ErrDuplicateIndex, it.index)
	}
	pos, _ := slices.BinarySearchFunc(q.items, it.index, func(e *item, idx int) int {
		return e.index - idx
	})
	// Items before the cursor are terminal. The item at the cursor is only
	// out of reach once the driver has started playing it; while it is still
	// being synthesized a lower index may go in front of it.
	atCursor := pos == q.cursor && q.cursor < len(q.items)
	if pos < q.cursor || (atCursor && q.items[q.cursor] == q.started) {
		return fmt.Errorf("%w: %d", ErrIndexPassed, it.index)
	}
	q.items = slices.Insert(q.items, pos, it)
	q.indices[it.index] = struct{}{}
	if atCursor {
		// A driver waiting on the displaced item must look at the cursor again.
		close(q.reorderCh)
		q.reorderCh = make(chan struct{})
	}
	return nil
}

// startLocked launches the driver unless one is running or the queue is
// interrupted. Must be called with q.mu held.
func (q *Queue) startLocked(resumed bool) {
	if q.playing || q.interrupted || q.closed {
		return
	}
	q.playing = true
	go q.run(q.genCtx, q.generation, resumed)
}

// Interrupt pauses the active item without losing its position and without
// discarding the queue. Synthesis continues in the background.
func (q *Queue) Interrupt() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.interrupted {
		return
	}
	q.interrupted = true
	if q.active != nil {
		q.active.Pause()
	}
	close(q.interruptCh)
}

// Resume clears the interruption. A paused item continues from its exact
// position; otherwise the driver is restarted from the cursor with the longer
// resume wait budget. Resume never starts a second driver.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.interrupted {
		q.interrupted = false
		q.interruptCh = make(chan struct{})
	}
	if q.playing {
		if q.active != nil {
			if err := q.active.Play(); err != nil {
				// Already finished; the driver observes Done.
				q.log.Debug("playback: resume on finished handle", "err", err)
			}
		}
		return
	}
	q.startLocked(true)
}

// Reset stops all audio synchronously, discards every item and the cursor,
// and starts a new generation so that late synthesis results are dropped.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.resetLocked()
}

func (q *Queue) resetLocked() {
	q.generation++
	q.genCancel()
	q.genCtx, q.genCancel = context.WithCancel(context.Background())

	for _, it := range q.items {
		if it.handle != nil {
			it.handle.Stop()
		}
	}
	if !q.interrupted {
		close(q.interruptCh)
	}
	q.interruptCh = make(chan struct{})

	q.items = nil
	q.indices = make(map[int]struct{})
	q.cursor = 0
	q.started = nil
	q.active = nil
	q.playing = false
	q.interrupted = false
}

// Close resets the queue and rejects further input.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.resetLocked()
	q.genCancel()
	q.closed = true
}

// Len returns the number of items in the current generation.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cursor returns the position of the next item to play.
func (q *Queue) Cursor() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cursor
}

// IsPlaying reports whether a driver is running.
func (q *Queue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// IsInterrupted reports whether the queue is interrupted.
func (q *Queue) IsInterrupted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.interrupted
}

// Generation returns the current generation token.
func (q *Queue) Generation() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.generation
}

// Snapshot returns a copy of all items in index order.
func (q *Queue) Snapshot() []ItemInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ItemInfo, 0, len(q.items))
	for _, it := range q.items {
		info := ItemInfo{
			Index:    it.index,
			Text:     it.text,
			Status:   it.status.String(),
			Attempts: it.attempts,
			Model:    it.model,
		}
		if it.handle != nil {
			info.Position = it.handle.Position()
		}
		if it.err != nil {
			info.Error = it.err.Error()
		}
		out = append(out, info)
	}
	return out
}
