// Package session implements a single conversation's audio delivery.
//
// A [Session] owns the playback queue for the assistant's current turn. Each
// new turn replaces the queue, so nothing from an abandoned answer can leak
// into the next one, and two calls never share a queue. The session also maps
// voice activity on the caller's side onto interrupt and resume, and exposes
// the network-adaptive timeout for the recognition leg of the call.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxline/internal/netquality"
	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/audio/pcm"
	"github.com/MrWong99/voxline/pkg/audio/playback"
	"github.com/MrWong99/voxline/pkg/provider/tts"
)

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session: closed")

	// ErrNoStreaming is returned by StreamSentence when no streaming provider
	// is configured.
	ErrNoStreaming = errors.New("session: streaming synthesis not available")
)

// Config holds the dependencies of a [Session].
type Config struct {
	// ID identifies the session in logs and the control API.
	ID string

	// Provider synthesizes queued sentences. Required.
	Provider tts.Provider

	// Stream renders sentences over a streaming transport. Optional.
	Stream tts.StreamProvider

	// Monitor supplies adaptive timeouts. Optional; without it fixed defaults
	// are used.
	Monitor *netquality.Monitor

	// Output receives rendered audio. Nil discards it.
	Output audio.Output

	// VoiceID and Speed are the defaults for every utterance.
	VoiceID string
	Speed   float64

	// QueueOptions are applied to every turn's queue before the session's own
	// wiring.
	QueueOptions []playback.Option

	// Observer receives queue metrics. Optional.
	Observer playback.Observer

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Session is one call's audio delivery state. All methods are safe for
// concurrent use.
type Session struct {
	cfg Config
	log *slog.Logger

	mu             sync.Mutex
	queue          *playback.Queue
	turn           int
	nextIndex      int
	speaking       bool // caller speech seen by VoiceActivity and not yet ended
	onTurnComplete func(turn int)
	closed         bool
	createdAt      time.Time
}

// New creates a session. The first turn begins lazily on the first utterance.
func New(cfg Config) (*Session, error) {
	if cfg.Provider == nil {
		return nil, errors.New("session: provider is required")
	}
	if cfg.Output == nil {
		cfg.Output = audio.Discard
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		cfg:       cfg,
		log:       log.With("session_id", cfg.ID),
		createdAt: time.Now(),
	}, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.cfg.ID }

// OnTurnComplete registers fn to be called when a turn's audio has played to
// the end without interruption. fn receives the turn number.
func (s *Session) OnTurnComplete(fn func(turn int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTurnComplete = fn
}

// BeginTurn discards whatever is left of the current turn and starts a new
// one with a fresh queue. It returns the new turn number.
func (s *Session) BeginTurn() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.beginTurnLocked()
	return s.turn, nil
}

func (s *Session) beginTurnLocked() {
	if s.queue != nil {
		s.queue.Close()
	}
	s.turn++
	s.nextIndex = 0
	turn := s.turn

	opts := append([]playback.Option(nil), s.cfg.QueueOptions...)
	opts = append(opts,
		playback.WithOutput(s.cfg.Output),
		playback.WithVoice(s.cfg.VoiceID, s.cfg.Speed),
		playback.WithObserver(s.cfg.Observer),
		playback.WithLogger(s.log.With("turn", turn)),
	)
	if m := s.cfg.Monitor; m != nil {
		opts = append(opts, playback.WithTimeoutFunc(m.AdaptiveTimeout))
	}
	q := playback.New(s.cfg.Provider, opts...)
	q.SetOnComplete(func() { s.turnComplete(turn) })
	if s.speaking {
		// The caller is still talking: hold the new turn until they stop.
		q.Interrupt()
	}
	s.queue = q
	s.log.Debug("session: turn started", "turn", turn)
}

func (s *Session) turnComplete(turn int) {
	s.mu.Lock()
	fn := s.onTurnComplete
	current := s.turn == turn && !s.closed
	s.mu.Unlock()
	if !current {
		return
	}
	s.log.Debug("session: turn complete", "turn", turn)
	if fn != nil {
		fn(turn)
	}
}

// currentQueue returns the active queue, beginning the first turn if needed.
// index, if non-negative, advances the automatic index counter past it.
func (s *Session) currentQueue(index int) (*playback.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.queue == nil {
		s.beginTurnLocked()
	}
	if index >= s.nextIndex {
		s.nextIndex = index + 1
	}
	return s.queue, nil
}

// Say queues text for synthesis at index within the current turn.
func (s *Session) Say(index int, text string) error {
	q, err := s.currentQueue(index)
	if err != nil {
		return err
	}
	if err := q.EnqueueText(text, index, ""); err != nil {
		return fmt.Errorf("session: say %d: %w", index, err)
	}
	return nil
}

// SayRendered queues already rendered audio at index within the current turn.
func (s *Session) SayRendered(index int, h audio.Handle) error {
	q, err := s.currentQueue(index)
	if err != nil {
		return err
	}
	if err := q.EnqueueRendered(h, index); err != nil {
		return fmt.Errorf("session: say rendered %d: %w", index, err)
	}
	return nil
}

// Speak consumes streamed text, splits it into sentences and queues each one
// at the next free index as soon as it is complete. Text left over when
// fragments closes is queued as a final sentence. It returns the number of
// sentences queued.
func (s *Session) Speak(ctx context.Context, fragments <-chan string) (int, error) {
	var seg tts.Segmenter
	n := 0
	say := func(sentence string) error {
		idx := s.allocIndex()
		if err := s.Say(idx, sentence); err != nil {
			return err
		}
		n++
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case frag, ok := <-fragments:
			if !ok {
				if rest := seg.Flush(); rest != "" {
					if err := say(rest); err != nil {
						return n, err
					}
				}
				return n, nil
			}
			for _, sentence := range seg.Push(frag) {
				if err := say(sentence); err != nil {
					return n, err
				}
			}
		}
	}
}

func (s *Session) allocIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.nextIndex
	s.nextIndex++
	return idx
}

// StreamSentence renders text over the streaming transport and queues the
// result pre-rendered at index. The call blocks until the stream has ended.
func (s *Session) StreamSentence(ctx context.Context, index int, text string) error {
	sp := s.cfg.Stream
	if sp == nil {
		return ErrNoStreaming
	}
	if _, err := s.currentQueue(index); err != nil {
		return err
	}

	textCh := make(chan string, 1)
	textCh <- text
	close(textCh)

	voice := tts.VoiceProfile{ID: s.cfg.VoiceID, SpeedFactor: s.cfg.Speed}
	chunks, err := sp.SynthesizeStream(ctx, textCh, voice)
	if err != nil {
		return fmt.Errorf("session: stream sentence %d: %w", index, err)
	}

	var buf []byte
	for {
		select {
		case <-ctx.Done():
			go audio.Drain(chunks)
			return ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				if len(buf) == 0 {
					return fmt.Errorf("session: stream sentence %d: %w", index, playback.ErrNoAudio)
				}
				h := pcm.New(buf, sp.StreamFormat(), s.cfg.Output)
				return s.SayRendered(index, h)
			}
			buf = append(buf, c...)
		}
	}
}

// VoiceActivity reports whether the caller is speaking. Speech interrupts the
// assistant; silence resumes it from where it stopped. Speech reported before
// the turn's queue exists holds that queue once it is created.
func (s *Session) VoiceActivity(speaking bool) {
	s.mu.Lock()
	s.speaking = speaking
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return
	}
	if speaking {
		q.Interrupt()
	} else {
		q.Resume()
	}
}

// Interrupt pauses the current turn's audio.
func (s *Session) Interrupt() { s.VoiceActivity(true) }

// Resume continues the current turn's audio.
func (s *Session) Resume() { s.VoiceActivity(false) }

// Reset stops the current turn's audio and drops its queued sentences
// without starting a new turn.
func (s *Session) Reset() {
	s.mu.Lock()
	q := s.queue
	s.nextIndex = 0
	s.mu.Unlock()
	if q != nil {
		q.Reset()
	}
}

// RecognitionTimeout returns the deadline for a recognition request carrying
// payloadBytes of audio under the current network conditions.
func (s *Session) RecognitionTimeout(payloadBytes int) time.Duration {
	if m := s.cfg.Monitor; m != nil {
		return m.AdaptiveTimeout(payloadBytes)
	}
	def := netquality.DefaultConfig()
	d := def.Timeouts.Excellent
	if payloadBytes >= def.LargePayloadBytes {
		d = max(d, def.LargePayloadTimeout)
	}
	return d
}

// Info is a point-in-time view of a session.
type Info struct {
	ID          string              `json:"id"`
	Turn        int                 `json:"turn"`
	Playing     bool                `json:"playing"`
	Interrupted bool                `json:"interrupted"`
	Speaking    bool                `json:"caller_speaking"`
	Cursor      int                 `json:"cursor"`
	Items       []playback.ItemInfo `json:"items"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Info returns a snapshot of the session and its current turn.
func (s *Session) Info() Info {
	s.mu.Lock()
	q := s.queue
	info := Info{ID: s.cfg.ID, Turn: s.turn, Speaking: s.speaking, CreatedAt: s.createdAt}
	s.mu.Unlock()

	info.Items = []playback.ItemInfo{}
	if q != nil {
		info.Playing = q.IsPlaying()
		info.Interrupted = q.IsInterrupted()
		info.Cursor = q.Cursor()
		info.Items = q.Snapshot()
	}
	return info
}

// Close stops all audio and rejects further input. Safe to call more than
// once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.queue != nil {
		s.queue.Close()
	}
	s.log.Debug("session: closed")
	return nil
}
