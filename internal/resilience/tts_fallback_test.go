package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voxline/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxline/pkg/provider/tts/mock"
)

func TestTTSFallback_Synthesize_PrimarySuccess(t *testing.T) {
	primary := &ttsmock.Provider{Audio: []byte("primary-audio")}
	secondary := &ttsmock.Provider{Audio: []byte("fallback-audio")}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	res, err := fb.Synthesize(context.Background(), tts.Request{Text: "hello", Model: "turbo"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.Audio) != "primary-audio" {
		t.Fatalf("audio = %q, want primary-audio", res.Audio)
	}
	if calls := primary.Calls(); len(calls) != 1 || calls[0].Model != "turbo" {
		t.Fatalf("primary calls = %+v, want one with model turbo", calls)
	}
	if len(secondary.Calls()) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.Calls()))
	}
}

func TestTTSFallback_Synthesize_Failover(t *testing.T) {
	primary := &ttsmock.Provider{Errors: []error{tts.StatusError("primary", 503, "down")}}
	secondary := &ttsmock.Provider{Audio: []byte("fallback-audio")}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	res, err := fb.Synthesize(context.Background(), tts.Request{Text: "hello", Model: "turbo"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.Audio) != "fallback-audio" {
		t.Fatalf("audio = %q, want fallback-audio", res.Audio)
	}
	// The primary's model name means nothing to the fallback.
	if calls := secondary.Calls(); len(calls) != 1 || calls[0].Model != "" {
		t.Fatalf("secondary calls = %+v, want one without model", calls)
	}
}

func TestTTSFallback_Synthesize_AllFailKeepsKind(t *testing.T) {
	primary := &ttsmock.Provider{Errors: []error{tts.StatusError("primary", 500, "down")}}
	secondary := &ttsmock.Provider{Errors: []error{tts.StatusError("secondary", 429, "slow down")}}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Synthesize(context.Background(), tts.Request{Text: "hello"})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if got := tts.Classify(err); got != tts.KindRateLimited {
		t.Errorf("Classify = %s, want rate_limited (last backend error)", got)
	}
}

func TestTTSFallback_CancelledContextDoesNotFailOver(t *testing.T) {
	primary := &ttsmock.Provider{Block: true}
	secondary := &ttsmock.Provider{Audio: []byte("fallback-audio")}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fb.AddFallback("secondary", secondary)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := fb.Synthesize(ctx, tts.Request{Text: "hello"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(secondary.Calls()) != 0 {
		t.Error("cancelled request was sent to the fallback")
	}
	if st := fb.States()["primary"]; st != StateClosed {
		t.Errorf("primary breaker = %s, want closed (cancellation is not a failure)", st)
	}
}

func TestTTSFallback_ListVoices_Failover(t *testing.T) {
	primary := &ttsmock.Provider{
		ListVoicesErr: errors.New("primary down"),
	}
	secondary := &ttsmock.Provider{
		ListVoicesResult: []tts.VoiceProfile{
			{ID: "v1", Name: "Alice"},
			{ID: "v2", Name: "Bob"},
		},
	}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	voices, err := fb.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("got %d voices, want 2", len(voices))
	}
	if voices[0].Name != "Alice" {
		t.Fatalf("voices[0].Name = %q, want Alice", voices[0].Name)
	}
}

func TestTTSFallback_OpenPrimarySkippedWithModelCleared(t *testing.T) {
	primary := &ttsmock.Provider{Errors: []error{errTest}}
	secondary := &ttsmock.Provider{Audio: []byte("fallback-audio")}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fb.AddFallback("secondary", secondary)

	_, _ = fb.Synthesize(context.Background(), tts.Request{Text: "one", Model: "turbo"})
	if st := fb.States()["primary"]; st != StateOpen {
		t.Fatalf("primary breaker = %s, want open", st)
	}

	if _, err := fb.Synthesize(context.Background(), tts.Request{Text: "two", Model: "turbo"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(primary.Calls()) != 1 {
		t.Errorf("primary called %d times, want 1 (circuit open)", len(primary.Calls()))
	}
	for _, c := range secondary.Calls() {
		if c.Model != "" {
			t.Errorf("fallback received model %q, want empty", c.Model)
		}
	}
}

func TestTTSFallback_ClientErrorsKeepBreakerClosed(t *testing.T) {
	bad := tts.StatusError("primary", 422, "text too long")
	primary := &ttsmock.Provider{Errors: []error{bad, bad, bad}}

	fb := NewTTSFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	for range 3 {
		_, _ = fb.Synthesize(context.Background(), tts.Request{Text: "x"})
	}
	if got := fb.States()["primary"]; got != StateClosed {
		t.Errorf("primary state = %v, want closed after client errors", got)
	}

	primary.Errors = []error{tts.StatusError("primary", 500, "boom"), tts.StatusError("primary", 500, "boom")}
	for range 2 {
		_, _ = fb.Synthesize(context.Background(), tts.Request{Text: "x"})
	}
	if got := fb.States()["primary"]; got != StateOpen {
		t.Errorf("primary state = %v, want open after server errors", got)
	}
}
