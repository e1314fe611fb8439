package playback_test

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/audio/pcm"
	"github.com/MrWong99/voxline/pkg/audio/playback"
	"github.com/MrWong99/voxline/pkg/provider/tts"
	"github.com/MrWong99/voxline/pkg/provider/tts/mock"
)

// 16 kHz mono: 32 bytes per millisecond.
var testFormat = audio.Format{SampleRate: 16000, Channels: 1}

// tone returns ms milliseconds of PCM whose every byte is id, so the recorder
// can tell items apart.
func tone(id byte, ms int) []byte {
	return bytes.Repeat([]byte{id}, ms*32)
}

// recorder is an audio.Output that remembers which item each frame came from.
type recorder struct {
	mu     sync.Mutex
	order  []byte
	counts map[byte]int
}

func newRecorder() *recorder {
	return &recorder{counts: make(map[byte]int)}
}

func (r *recorder) write(f audio.Frame) error {
	if len(f.Data) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := f.Data[0]
	if len(r.order) == 0 || r.order[len(r.order)-1] != id {
		r.order = append(r.order, id)
	}
	r.counts[id] += len(f.Data)
	return nil
}

func (r *recorder) sequence() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.order...)
}

func (r *recorder) bytesOf(id byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[id]
}

// textProvider renders "s<N>" into 40ms of tone N, with an optional delay per
// item.
func textProvider(delays map[string]time.Duration) *mock.Provider {
	return &mock.Provider{
		Format: testFormat,
		AudioFunc: func(req tts.Request) []byte {
			n, _ := strconv.Atoi(strings.TrimPrefix(req.Text, "s"))
			return tone(byte(n), 40)
		},
		DelayFunc: func(req tts.Request) time.Duration {
			return delays[req.Text]
		},
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func completions(q *playback.Queue) (*atomic.Int32, <-chan struct{}) {
	var n atomic.Int32
	done := make(chan struct{}, 8)
	q.SetOnComplete(func() {
		n.Add(1)
		done <- struct{}{}
	})
	return &n, done
}

func waitComplete(t *testing.T, done <-chan struct{}, timeout time.Duration) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for completion callback")
	}
}

func TestQueue_PlaysInIndexOrder(t *testing.T) {
	t.Parallel()

	// Later items finish synthesis first.
	prov := textProvider(map[string]time.Duration{
		"s0": 120 * time.Millisecond,
		"s1": 80 * time.Millisecond,
		"s2": 40 * time.Millisecond,
	})
	rec := newRecorder()
	q := playback.New(prov, playback.WithOutput(rec.write), playback.WithItemGap(10*time.Millisecond))
	defer q.Close()
	_, done := completions(q)

	for i := range 4 {
		if err := q.EnqueueText("s"+strconv.Itoa(i), i, "voice"); err != nil {
			t.Fatalf("EnqueueText(%d): %v", i, err)
		}
	}
	waitComplete(t, done, 3*time.Second)

	if got := rec.sequence(); !bytes.Equal(got, []byte{0, 1, 2, 3}) {
		t.Errorf("playback order = %v, want [0 1 2 3]", got)
	}
	for _, info := range q.Snapshot() {
		if info.Status != "played" {
			t.Errorf("item %d status = %s, want played", info.Index, info.Status)
		}
	}
	if q.Cursor() != 4 {
		t.Errorf("cursor = %d, want 4", q.Cursor())
	}
	waitFor(t, time.Second, "driver exit", func() bool { return !q.IsPlaying() })
}

func TestQueue_EnqueueRenderedSorted(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	q := playback.New(&mock.Provider{}, playback.WithItemGap(0))
	defer q.Close()
	_, done := completions(q)

	// Hold the driver so the out-of-order inserts are all queued first.
	q.Interrupt()
	for _, idx := range []int{2, 0, 1} {
		h := pcm.New(tone(byte(idx), 20), testFormat, rec.write)
		if err := q.EnqueueRendered(h, idx); err != nil {
			t.Fatalf("EnqueueRendered(%d): %v", idx, err)
		}
	}
	if q.IsPlaying() {
		t.Fatal("driver started while interrupted")
	}

	q.Resume()
	waitComplete(t, done, 2*time.Second)

	if got := rec.sequence(); !bytes.Equal(got, []byte{0, 1, 2}) {
		t.Errorf("playback order = %v, want [0 1 2]", got)
	}
}

func TestQueue_InterruptResumeKeepsPosition(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	q := playback.New(&mock.Provider{}, playback.WithItemGap(0))
	defer q.Close()
	_, done := completions(q)

	data := tone(7, 400)
	h := pcm.New(data, testFormat, rec.write)
	if err := q.EnqueueRendered(h, 0); err != nil {
		t.Fatalf("EnqueueRendered: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	q.Interrupt()
	time.Sleep(40 * time.Millisecond)

	paused := h.Position()
	if paused <= 0 {
		t.Fatalf("position at interrupt = %v, want > 0", paused)
	}
	time.Sleep(100 * time.Millisecond)
	if got := h.Position(); got != paused {
		t.Fatalf("position moved while interrupted: %v -> %v", paused, got)
	}
	if !q.IsInterrupted() || !q.IsPlaying() {
		t.Fatalf("interrupted=%v playing=%v, want both true", q.IsInterrupted(), q.IsPlaying())
	}
	if info := q.Snapshot()[0]; info.Status != "playing" {
		t.Errorf("status while paused = %s, want playing", info.Status)
	}

	q.Resume()
	waitComplete(t, done, 2*time.Second)

	if got := h.Position(); got < paused {
		t.Errorf("final position %v < paused position %v", got, paused)
	}
	if got := rec.bytesOf(7); got != len(data) {
		t.Errorf("delivered %d bytes, want %d (resume must continue, not restart)", got, len(data))
	}
}

func TestQueue_ResetStopsAudioAndDropsLateResults(t *testing.T) {
	t.Parallel()

	prov := textProvider(map[string]time.Duration{"s1": 100 * time.Millisecond})
	rec := newRecorder()
	q := playback.New(prov, playback.WithOutput(rec.write), playback.WithItemGap(0))
	defer q.Close()
	n, _ := completions(q)

	long := pcm.New(tone(9, 1000), testFormat, rec.write)
	if err := q.EnqueueRendered(long, 0); err != nil {
		t.Fatalf("EnqueueRendered: %v", err)
	}
	if err := q.EnqueueText("s1", 1, ""); err != nil {
		t.Fatalf("EnqueueText: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	q.Reset()

	select {
	case <-long.Done():
	case <-time.After(50 * time.Millisecond):
		t.Fatal("active audio not stopped by Reset")
	}
	if !errors.Is(long.Err(), audio.ErrStopped) {
		t.Errorf("handle err = %v, want ErrStopped", long.Err())
	}
	if q.Len() != 0 || q.Cursor() != 0 {
		t.Errorf("after reset len=%d cursor=%d, want 0 0", q.Len(), q.Cursor())
	}
	if q.Generation() != 1 {
		t.Errorf("generation = %d, want 1", q.Generation())
	}

	// The synthesis for item 1 would have finished by now.
	time.Sleep(200 * time.Millisecond)
	if q.Len() != 0 {
		t.Errorf("late result appended to discarded queue: len=%d", q.Len())
	}
	if rec.bytesOf(1) != 0 {
		t.Error("late synthesis result was played")
	}
	if n.Load() != 0 {
		t.Error("completion fired after reset")
	}

	// Indices are reusable in the new generation.
	if err := q.EnqueueText("s0", 0, ""); err != nil {
		t.Fatalf("EnqueueText after reset: %v", err)
	}
}

func TestQueue_NeverResolvingSynthesisIsSkipped(t *testing.T) {
	t.Parallel()

	prov := textProvider(map[string]time.Duration{"s0": time.Hour})
	rec := newRecorder()
	q := playback.New(prov,
		playback.WithOutput(rec.write),
		playback.WithItemGap(0),
		playback.WithReadyTimeout(60*time.Millisecond),
		playback.WithTimeoutFunc(func(int) time.Duration { return time.Hour }),
	)
	defer q.Close()
	_, done := completions(q)

	start := time.Now()
	for i := range 2 {
		if err := q.EnqueueText("s"+strconv.Itoa(i), i, ""); err != nil {
			t.Fatalf("EnqueueText(%d): %v", i, err)
		}
	}
	waitComplete(t, done, 2*time.Second)

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("stall took %v, want bounded by the ready timeout", elapsed)
	}
	snap := q.Snapshot()
	if snap[0].Status != "error" || !strings.Contains(snap[0].Error, "did not finish") {
		t.Errorf("item 0 = %+v, want timed-out error", snap[0])
	}
	if snap[1].Status != "played" {
		t.Errorf("item 1 status = %s, want played", snap[1].Status)
	}
	if got := rec.sequence(); !bytes.Equal(got, []byte{1}) {
		t.Errorf("playback = %v, want only item 1", got)
	}
}

func TestQueue_OnCompleteFiresOnce(t *testing.T) {
	t.Parallel()

	q := playback.New(textProvider(nil), playback.WithItemGap(5*time.Millisecond))
	defer q.Close()
	n, done := completions(q)

	for i := range 3 {
		if err := q.EnqueueText("s"+strconv.Itoa(i), i, ""); err != nil {
			t.Fatalf("EnqueueText(%d): %v", i, err)
		}
	}
	waitComplete(t, done, 2*time.Second)
	waitFor(t, time.Second, "driver exit", func() bool { return !q.IsPlaying() })

	// Poking an exhausted queue must not fire again.
	q.Resume()
	time.Sleep(50 * time.Millisecond)
	if got := n.Load(); got != 1 {
		t.Errorf("completion fired %d times, want 1", got)
	}
}

func TestQueue_NoCompletionWhenInterruptedAtEnd(t *testing.T) {
	t.Parallel()

	q := playback.New(&mock.Provider{}, playback.WithItemGap(300*time.Millisecond))
	defer q.Close()
	n, _ := completions(q)

	h := pcm.New(tone(1, 40), testFormat, nil)
	if err := q.EnqueueRendered(h, 0); err != nil {
		t.Fatalf("EnqueueRendered: %v", err)
	}
	<-h.Done()
	// Inside the trailing gap.
	time.Sleep(20 * time.Millisecond)
	q.Interrupt()

	waitFor(t, time.Second, "driver exit", func() bool { return !q.IsPlaying() })
	if q.IsInterrupted() {
		t.Error("interrupted flag should be cleared when the driver exits")
	}
	q.Resume()
	time.Sleep(50 * time.Millisecond)
	if got := n.Load(); got != 0 {
		t.Errorf("completion fired %d times, want 0", got)
	}
}

func TestQueue_ResumeRestartsDriverWhenWaiting(t *testing.T) {
	t.Parallel()

	prov := textProvider(map[string]time.Duration{"s0": 150 * time.Millisecond})
	rec := newRecorder()
	q := playback.New(prov, playback.WithOutput(rec.write), playback.WithItemGap(0))
	defer q.Close()
	_, done := completions(q)

	if err := q.EnqueueText("s0", 0, ""); err != nil {
		t.Fatalf("EnqueueText: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	q.Interrupt()
	waitFor(t, time.Second, "driver exit", func() bool { return !q.IsPlaying() })

	// Synthesis kept running while interrupted.
	waitFor(t, time.Second, "synthesis", func() bool { return q.Snapshot()[0].Status == "ready" })

	q.Resume()
	waitComplete(t, done, time.Second)
	if rec.bytesOf(0) != 40*32 {
		t.Errorf("delivered %d bytes, want %d", rec.bytesOf(0), 40*32)
	}
}

func TestQueue_ConcurrentResumeSingleDriver(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	q := playback.New(textProvider(nil), playback.WithOutput(rec.write), playback.WithItemGap(0))
	defer q.Close()
	_, done := completions(q)

	for i := range 3 {
		if err := q.EnqueueText("s"+strconv.Itoa(i), i, ""); err != nil {
			t.Fatalf("EnqueueText(%d): %v", i, err)
		}
	}
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				q.Interrupt()
				q.Resume()
			}
		}()
	}
	wg.Wait()
	waitComplete(t, done, 3*time.Second)

	for id := range byte(3) {
		if got := rec.bytesOf(id); got != 40*32 {
			t.Errorf("item %d delivered %d bytes, want exactly %d", id, got, 40*32)
		}
	}
	if got := rec.sequence(); !bytes.Equal(got, []byte{0, 1, 2}) {
		t.Errorf("playback order = %v, want [0 1 2]", got)
	}
}

func TestQueue_PlaybackErrorSkipsItem(t *testing.T) {
	t.Parallel()

	rec := newRecorder()
	broken := func(audio.Frame) error { return errors.New("device gone") }
	q := playback.New(&mock.Provider{}, playback.WithItemGap(0))
	defer q.Close()
	_, done := completions(q)

	q.Interrupt()
	_ = q.EnqueueRendered(pcm.New(tone(0, 40), testFormat, broken), 0)
	_ = q.EnqueueRendered(nil, 1)
	_ = q.EnqueueRendered(pcm.New(tone(2, 40), testFormat, rec.write), 2)
	q.Resume()
	waitComplete(t, done, 2*time.Second)

	snap := q.Snapshot()
	if snap[0].Status != "error" || !strings.Contains(snap[0].Error, "device gone") {
		t.Errorf("item 0 = %+v, want playback error", snap[0])
	}
	if snap[1].Status != "error" {
		t.Errorf("item 1 = %+v, want error for missing audio", snap[1])
	}
	if snap[2].Status != "played" {
		t.Errorf("item 2 status = %s, want played", snap[2].Status)
	}
}

func TestQueue_EnqueueErrors(t *testing.T) {
	t.Parallel()

	q := playback.New(&mock.Provider{}, playback.WithItemGap(0))
	q.Interrupt()

	if err := q.EnqueueRendered(nil, 3); err != nil {
		t.Fatalf("EnqueueRendered: %v", err)
	}
	if err := q.EnqueueText("again", 3, ""); !errors.Is(err, playback.ErrDuplicateIndex) {
		t.Errorf("duplicate index: err = %v, want ErrDuplicateIndex", err)
	}

	q.Resume()
	waitFor(t, time.Second, "driver exit", func() bool { return !q.IsPlaying() })
	if err := q.EnqueueRendered(nil, 1); !errors.Is(err, playback.ErrIndexPassed) {
		t.Errorf("passed index: err = %v, want ErrIndexPassed", err)
	}

	q.Close()
	if err := q.EnqueueText("late", 10, ""); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("closed queue: err = %v, want ErrClosed", err)
	}
}

func TestQueue_MaxConcurrentSynthesis(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	prov := &mock.Provider{
		Format: testFormat,
		Audio:  tone(1, 10),
		DelayFunc: func(tts.Request) time.Duration {
			cur := inFlight.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			return 30 * time.Millisecond
		},
	}
	q := playback.New(prov, playback.WithItemGap(0), playback.WithMaxConcurrentSynthesis(2),
		playback.WithObserver(decrementOnAttempt{&inFlight}))
	defer q.Close()
	_, done := completions(q)

	for i := range 6 {
		if err := q.EnqueueText("x", i, ""); err != nil {
			t.Fatalf("EnqueueText(%d): %v", i, err)
		}
	}
	waitComplete(t, done, 3*time.Second)
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrent synthesis = %d, want <= 2", got)
	}
}

// decrementOnAttempt tracks in-flight synthesis calls via the observer hook.
type decrementOnAttempt struct{ n *atomic.Int32 }

func (d decrementOnAttempt) SynthesisAttempt(string, time.Duration, error) { d.n.Add(-1) }
func (decrementOnAttempt) ItemFinished(playback.Status)                  {}
func (decrementOnAttempt) Stall(time.Duration)                           {}

func TestQueue_LowerIndexOvertakesWaitingItem(t *testing.T) {
	t.Parallel()

	// Index 2 arrives first and finishes synthesis first; 0 and 1 must still
	// go in front of it while the driver is waiting.
	prov := textProvider(map[string]time.Duration{
		"s2": 30 * time.Millisecond,
		"s0": 80 * time.Millisecond,
		"s1": 60 * time.Millisecond,
	})
	rec := newRecorder()
	q := playback.New(prov, playback.WithOutput(rec.write), playback.WithItemGap(0))
	defer q.Close()
	_, done := completions(q)

	for _, idx := range []int{2, 0, 1} {
		if err := q.EnqueueText("s"+strconv.Itoa(idx), idx, ""); err != nil {
			t.Fatalf("EnqueueText(%d): %v", idx, err)
		}
	}
	waitComplete(t, done, 3*time.Second)

	if got := rec.sequence(); !bytes.Equal(got, []byte{0, 1, 2}) {
		t.Errorf("playback order = %v, want [0 1 2]", got)
	}
	for _, info := range q.Snapshot() {
		if info.Status != "played" {
			t.Errorf("item %d status = %s, want played", info.Index, info.Status)
		}
	}
}

func TestQueue_LowerIndexRejectedOncePlaying(t *testing.T) {
	t.Parallel()

	q := playback.New(&mock.Provider{}, playback.WithItemGap(0))
	defer q.Close()

	if err := q.EnqueueRendered(pcm.New(tone(5, 300), testFormat, nil), 5); err != nil {
		t.Fatalf("EnqueueRendered: %v", err)
	}
	waitFor(t, time.Second, "item 5 playing", func() bool { return q.Snapshot()[0].Status == "playing" })

	if err := q.EnqueueRendered(nil, 3); !errors.Is(err, playback.ErrIndexPassed) {
		t.Errorf("index before the playing item: err = %v, want ErrIndexPassed", err)
	}
	if err := q.EnqueueRendered(nil, 6); err != nil {
		t.Errorf("index after the playing item: %v", err)
	}
}

func TestQueue_TimeoutRetryFitsReadyBudget(t *testing.T) {
	t.Parallel()

	// The default model never answers; the fallback answers at once. The
	// adaptive deadline alone would outlast the driver's wait.
	prov := &mock.Provider{
		Format: testFormat,
		Audio:  tone(0, 40),
		DelayFunc: func(req tts.Request) time.Duration {
			if req.Model == "" {
				return time.Hour
			}
			return 0
		},
	}
	rec := newRecorder()
	q := playback.New(prov,
		playback.WithOutput(rec.write),
		playback.WithItemGap(0),
		playback.WithReadyTimeout(400*time.Millisecond),
		playback.WithRetryPolicy(playback.RetryPolicy{
			MaxAttempts:      3,
			ServerRetryDelay: 20 * time.Millisecond,
			BackoffBase:      time.Millisecond,
			FallbackModel:    "flash",
		}),
		playback.WithTimeoutFunc(func(int) time.Duration { return 10 * time.Second }),
	)
	defer q.Close()
	_, done := completions(q)

	if err := q.EnqueueText("s0", 0, ""); err != nil {
		t.Fatalf("EnqueueText: %v", err)
	}
	waitComplete(t, done, 2*time.Second)

	info := q.Snapshot()[0]
	if info.Status != "played" || info.Model != "flash" || info.Attempts != 2 {
		t.Errorf("item = %+v, want played on flash after 2 attempts", info)
	}
	if rec.bytesOf(0) != 40*32 {
		t.Errorf("delivered %d bytes, want %d", rec.bytesOf(0), 40*32)
	}
}

func TestQueue_ResumeUsesLongerWait(t *testing.T) {
	t.Parallel()

	prov := textProvider(map[string]time.Duration{"s0": 150 * time.Millisecond})
	rec := newRecorder()
	q := playback.New(prov,
		playback.WithOutput(rec.write),
		playback.WithItemGap(0),
		playback.WithReadyTimeout(50*time.Millisecond),
		playback.WithResumeReadyTimeout(300*time.Millisecond),
	)
	defer q.Close()
	_, done := completions(q)

	if err := q.EnqueueText("s0", 0, ""); err != nil {
		t.Fatalf("EnqueueText: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	q.Interrupt()
	q.Resume()

	// Synthesis lands around 150ms: past the fresh budget, inside the resume one.
	waitComplete(t, done, 2*time.Second)
	if st := q.Snapshot()[0].Status; st != "played" {
		t.Errorf("item status = %s, want played", st)
	}
	if rec.bytesOf(0) != 40*32 {
		t.Errorf("delivered %d bytes, want %d", rec.bytesOf(0), 40*32)
	}
}
