package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxline/internal/netquality"
	"github.com/MrWong99/voxline/internal/session"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/audio/playback"
	"github.com/MrWong99/voxline/pkg/provider/tts/mock"
)

// pcmFor returns silence of the given length in the mock provider's format.
func pcmFor(d time.Duration) []byte {
	return make([]byte, mock.DefaultFormat.BytesPerSecond()*int(d/time.Millisecond)/1000)
}

type byteCounter struct {
	mu sync.Mutex
	n  int
}

func (c *byteCounter) output(f audio.Frame) error {
	c.mu.Lock()
	c.n += len(f.Data)
	c.mu.Unlock()
	return nil
}

func (c *byteCounter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func newSession(t *testing.T, cfg session.Config) *session.Session {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = t.Name()
	}
	cfg.QueueOptions = append([]playback.Option{
		playback.WithItemGap(0),
		playback.WithReadyTimeout(2 * time.Second),
	}, cfg.QueueOptions...)
	s, err := session.New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_RequiresProvider(t *testing.T) {
	t.Parallel()
	if _, err := session.New(session.Config{ID: "x"}); err == nil {
		t.Fatal("expected error without provider")
	}
}

func TestSession_SayCompletesTurn(t *testing.T) {
	t.Parallel()

	var out byteCounter
	prov := &mock.Provider{Audio: pcmFor(40 * time.Millisecond)}
	s := newSession(t, session.Config{Provider: prov, Output: out.output, VoiceID: "amy", Speed: 1.2})

	done := make(chan int, 4)
	s.OnTurnComplete(func(turn int) { done <- turn })

	if err := s.Say(0, "Hello."); err != nil {
		t.Fatalf("Say: %v", err)
	}
	if err := s.Say(1, "Goodbye."); err != nil {
		t.Fatalf("Say: %v", err)
	}

	select {
	case turn := <-done:
		if turn != 1 {
			t.Errorf("completed turn = %d, want 1", turn)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("turn never completed")
	}
	if got, want := out.total(), 2*len(prov.Audio); got != want {
		t.Errorf("output bytes = %d, want %d", got, want)
	}
	for _, c := range prov.Calls() {
		if c.Voice.ID != "amy" || c.Speed != 1.2 {
			t.Errorf("request voice=%q speed=%v, want amy 1.2", c.Voice.ID, c.Speed)
		}
	}
}

func TestSession_BeginTurnDiscardsPrevious(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{Audio: pcmFor(40 * time.Millisecond), Delay: 150 * time.Millisecond}
	s := newSession(t, session.Config{Provider: prov})

	completed := make(chan int, 4)
	s.OnTurnComplete(func(turn int) { completed <- turn })

	if err := s.Say(0, "Old answer."); err != nil {
		t.Fatalf("Say: %v", err)
	}
	turn, err := s.BeginTurn()
	if err != nil || turn != 2 {
		t.Fatalf("BeginTurn = %d, %v; want 2, nil", turn, err)
	}
	if got := len(s.Info().Items); got != 0 {
		t.Errorf("new turn has %d items, want 0", got)
	}
	// Indices restart with the turn.
	if err := s.Say(0, "New answer."); err != nil {
		t.Fatalf("Say in new turn: %v", err)
	}

	select {
	case got := <-completed:
		if got != 2 {
			t.Errorf("completed turn = %d, want 2", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("new turn never completed")
	}
	select {
	case got := <-completed:
		t.Errorf("unexpected extra completion for turn %d", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSession_SpeakSegmentsSentences(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{Audio: pcmFor(20 * time.Millisecond)}
	s := newSession(t, session.Config{Provider: prov})

	if err := s.Say(4, "Preamble."); err != nil {
		t.Fatalf("Say: %v", err)
	}

	frags := make(chan string, 4)
	frags <- "Hello there. How"
	frags <- " are you? I am"
	frags <- " fine"
	close(frags)

	n, err := s.Speak(context.Background(), frags)
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if n != 3 {
		t.Fatalf("Speak queued %d sentences, want 3", n)
	}

	items := s.Info().Items
	want := []struct {
		index int
		text  string
	}{
		{4, "Preamble."},
		{5, "Hello there."},
		{6, "How are you?"},
		{7, "I am fine"},
	}
	if len(items) != len(want) {
		t.Fatalf("items = %+v, want %d entries", items, len(want))
	}
	for i, w := range want {
		if items[i].Index != w.index || items[i].Text != w.text {
			t.Errorf("item %d = (%d, %q), want (%d, %q)", i, items[i].Index, items[i].Text, w.index, w.text)
		}
	}
}

func TestSession_SpeakHonoursContext(t *testing.T) {
	t.Parallel()

	s := newSession(t, session.Config{Provider: &mock.Provider{}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Speak(ctx, make(chan string)); !errors.Is(err, context.Canceled) {
		t.Errorf("Speak err = %v, want context.Canceled", err)
	}
}

func TestSession_StreamSentence(t *testing.T) {
	t.Parallel()

	var out byteCounter
	chunk := pcmFor(20 * time.Millisecond)
	sp := &mock.StreamProvider{Chunks: [][]byte{chunk, chunk}}
	s := newSession(t, session.Config{Provider: &sp.Provider, Stream: sp, Output: out.output})

	if err := s.StreamSentence(context.Background(), 0, "Streamed."); err != nil {
		t.Fatalf("StreamSentence: %v", err)
	}
	if texts := sp.Texts(); len(texts) != 1 || texts[0] != "Streamed." {
		t.Errorf("stream texts = %v", texts)
	}
	waitFor(t, "streamed audio to play", func() bool { return out.total() == 2*len(chunk) })
	if calls := sp.Calls(); len(calls) != 0 {
		t.Errorf("streamed sentence also hit Synthesize %d times", len(calls))
	}
}

func TestSession_StreamSentenceErrors(t *testing.T) {
	t.Parallel()

	s := newSession(t, session.Config{Provider: &mock.Provider{}})
	if err := s.StreamSentence(context.Background(), 0, "x"); !errors.Is(err, session.ErrNoStreaming) {
		t.Errorf("err = %v, want ErrNoStreaming", err)
	}

	sp := &mock.StreamProvider{}
	s2 := newSession(t, session.Config{Provider: &sp.Provider, Stream: sp})
	if err := s2.StreamSentence(context.Background(), 0, "x"); !errors.Is(err, playback.ErrNoAudio) {
		t.Errorf("empty stream err = %v, want ErrNoAudio", err)
	}
}

func TestSession_VoiceActivity(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{Audio: pcmFor(time.Second)}
	s := newSession(t, session.Config{Provider: prov})

	if err := s.Say(0, "A long sentence."); err != nil {
		t.Fatalf("Say: %v", err)
	}
	waitFor(t, "playback to start", func() bool {
		items := s.Info().Items
		return len(items) == 1 && items[0].Status == "playing"
	})

	s.VoiceActivity(true)
	if !s.Info().Interrupted {
		t.Error("speech should interrupt playback")
	}
	pos := s.Info().Items[0].Position

	s.VoiceActivity(false)
	if s.Info().Interrupted {
		t.Error("silence should resume playback")
	}
	waitFor(t, "playback to continue", func() bool { return s.Info().Items[0].Position > pos })
}

func TestSession_SpeechBeforeFirstTurnHoldsPlayback(t *testing.T) {
	t.Parallel()

	var out byteCounter
	prov := &mock.Provider{Audio: pcmFor(40 * time.Millisecond)}
	s := newSession(t, session.Config{Provider: prov, Output: out.output})

	// The caller starts talking before the assistant has said anything.
	s.VoiceActivity(true)
	if err := s.Say(0, "Hello there."); err != nil {
		t.Fatalf("Say: %v", err)
	}
	waitFor(t, "synthesis", func() bool {
		items := s.Info().Items
		return len(items) == 1 && items[0].Status == "ready"
	})
	time.Sleep(50 * time.Millisecond)
	if n := out.total(); n != 0 {
		t.Fatalf("played %d bytes over the caller", n)
	}
	if info := s.Info(); !info.Interrupted || !info.Speaking {
		t.Errorf("info = %+v, want interrupted while the caller speaks", info)
	}

	s.VoiceActivity(false)
	waitFor(t, "playback after silence", func() bool { return out.total() == len(pcmFor(40*time.Millisecond)) })
}

func TestSession_RecognitionTimeout(t *testing.T) {
	t.Parallel()

	def := netquality.DefaultConfig()
	s := newSession(t, session.Config{Provider: &mock.Provider{}})
	if got := s.RecognitionTimeout(0); got != def.Timeouts.Excellent {
		t.Errorf("timeout = %v, want %v", got, def.Timeouts.Excellent)
	}
	if got := s.RecognitionTimeout(def.LargePayloadBytes); got < def.LargePayloadTimeout {
		t.Errorf("large payload timeout = %v, want >= %v", got, def.LargePayloadTimeout)
	}

	mon := netquality.New(netquality.ProberFunc(func(context.Context) error { return errors.New("down") }))
	mon.CheckQuality(context.Background())
	withMon := newSession(t, session.Config{Provider: &mock.Provider{}, Monitor: mon})
	if got, want := withMon.RecognitionTimeout(0), def.Timeouts.Offline; got != want {
		t.Errorf("offline timeout = %v, want %v", got, want)
	}
}

func TestSession_Reset(t *testing.T) {
	t.Parallel()

	prov := &mock.Provider{Audio: pcmFor(time.Second)}
	s := newSession(t, session.Config{Provider: prov})
	if err := s.Say(0, "One."); err != nil {
		t.Fatalf("Say: %v", err)
	}
	s.Reset()
	if got := len(s.Info().Items); got != 0 {
		t.Errorf("items after Reset = %d, want 0", got)
	}
	if err := s.Say(0, "Again."); err != nil {
		t.Errorf("Say after Reset: %v", err)
	}
}

func TestSession_Close(t *testing.T) {
	t.Parallel()

	s := newSession(t, session.Config{Provider: &mock.Provider{}})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := s.Say(0, "late"); !errors.Is(err, session.ErrClosed) {
		t.Errorf("Say after Close = %v, want ErrClosed", err)
	}
	if _, err := s.BeginTurn(); !errors.Is(err, session.ErrClosed) {
		t.Errorf("BeginTurn after Close = %v, want ErrClosed", err)
	}
}
