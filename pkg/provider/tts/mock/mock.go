// Package mock provides a test double for the tts.Provider interface.
//
// Provider answers Synthesize with canned PCM, an optional per-call delay, or
// a scripted error sequence, and records every request so tests can assert on
// attempts, models and voices.
//
// Example:
//
//	p := &mock.Provider{
//	    Audio:  make([]byte, 3200),
//	    Errors: []error{tts.StatusError("mock", 503, "busy")},
//	}
//	res, err := p.Synthesize(ctx, tts.Request{Text: "Hi."})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/tts"
)

// DefaultFormat is used when Provider.Format is zero.
var DefaultFormat = audio.Format{SampleRate: 16000, Channels: 1}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Audio is returned by successful Synthesize calls.
	Audio []byte

	// AudioFunc, if set, overrides Audio per request.
	AudioFunc func(req tts.Request) []byte

	// Format describes Audio. Zero means DefaultFormat.
	Format audio.Format

	// Errors is consumed one entry per Synthesize call; a nil entry or an
	// exhausted slice means success.
	Errors []error

	// Delay is applied before answering, honouring ctx cancellation.
	Delay time.Duration

	// DelayFunc, if set, overrides Delay per request.
	DelayFunc func(req tts.Request) time.Duration

	// Block makes Synthesize wait for ctx cancellation, simulating a request
	// that never resolves.
	Block bool

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// SynthesizeCalls records every request passed to Synthesize in order.
	SynthesizeCalls []tts.Request

	// ListVoicesCalls counts calls to ListVoices.
	ListVoicesCalls int
}

// Synthesize records the call and answers according to the configuration.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, req)
	var err error
	if len(p.Errors) > 0 {
		err = p.Errors[0]
		p.Errors = p.Errors[1:]
	}
	delay := p.Delay
	if p.DelayFunc != nil {
		delay = p.DelayFunc(req)
	}
	block := p.Block
	data := p.Audio
	if p.AudioFunc != nil {
		data = p.AudioFunc(req)
	}
	format := p.Format
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, tts.TransportError("mock", ctx.Err())
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, tts.TransportError("mock", ctx.Err())
		case <-t.C:
		}
	}
	if err != nil {
		return nil, err
	}
	if !format.Valid() {
		format = DefaultFormat
	}
	model := req.Model
	if model == "" {
		model = "mock"
	}
	return &tts.Result{Audio: data, Format: format, Model: model}, nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls++
	return p.ListVoicesResult, p.ListVoicesErr
}

// Calls returns a copy of the recorded Synthesize requests. Thread-safe.
func (p *Provider) Calls() []tts.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]tts.Request, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListVoicesCalls = 0
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)

// StreamProvider extends [Provider] with a scripted streaming transport.
// SynthesizeStream collects the text fragments until the text channel closes
// and then emits Chunks.
type StreamProvider struct {
	Provider

	// Chunks is emitted by every stream, in order.
	Chunks [][]byte

	// StreamFormatValue is returned by StreamFormat. Zero means DefaultFormat.
	StreamFormatValue audio.Format

	// StreamErr, if non-nil, is returned by SynthesizeStream instead of
	// starting a stream.
	StreamErr error

	// StreamTexts records the concatenated text of every stream.
	StreamTexts []string
}

// SynthesizeStream implements tts.StreamProvider.
func (p *StreamProvider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	err := p.StreamErr
	chunks := p.Chunks
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		var full string
	collect:
		for {
			select {
			case <-ctx.Done():
				return
			case frag, ok := <-text:
				if !ok {
					break collect
				}
				full += frag
			}
		}
		p.mu.Lock()
		p.StreamTexts = append(p.StreamTexts, full)
		p.mu.Unlock()
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case out <- c:
			}
		}
	}()
	return out, nil
}

// StreamFormat implements tts.StreamProvider.
func (p *StreamProvider) StreamFormat() audio.Format {
	if p.StreamFormatValue.Valid() {
		return p.StreamFormatValue
	}
	return DefaultFormat
}

// Texts returns a copy of the recorded stream texts. Thread-safe.
func (p *StreamProvider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.StreamTexts...)
}

var _ tts.StreamProvider = (*StreamProvider)(nil)
