// Package piper provides a TTS provider for an offline Piper backend exposed
// over HTTP. The backend renders one utterance per request:
//
//	POST /tts     form field "text"  → audio/wav
//	GET  /health                     → {"piper": {"bin", "voice", "ok"}, ...}
//
// Because the backend works in batch mode, SynthesizeStream accumulates
// incoming text fragments into complete sentences and dispatches concurrent
// requests with a small lookahead buffer while preserving sentence order.
//
// Typical usage:
//
//	p, err := piper.New("http://localhost:8000",
//	    piper.WithTimeout(15*time.Second),
//	    piper.WithSampleRate(22050),
//	)
//	res, err := p.Synthesize(ctx, tts.Request{Text: "Hello there."})
package piper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/voxline/pkg/audio"
	"github.com/MrWong99/voxline/pkg/provider/tts"
)

// Compile-time interface assertions.
var (
	_ tts.Provider       = (*Provider)(nil)
	_ tts.StreamProvider = (*Provider)(nil)
)

const (
	providerName      = "piper"
	defaultTimeout    = 30 * time.Second
	defaultSampleRate = 22050
	ttsEndpoint       = "/tts"
	healthEndpoint    = "/health"

	// sentenceLookaheadBuf bounds how many synthesis requests SynthesizeStream
	// keeps in flight.
	sentenceLookaheadBuf = 4

	audioChanBuf = 256
	pcmChunkSize = 4096
	maxErrorBody = 4096
)

// Option is a functional option for configuring a Piper Provider.
type Option func(*Provider)

// WithTimeout sets the HTTP client timeout for calls to the backend.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithSampleRate sets the mono sample rate that Synthesize results and stream
// chunks are converted to. Defaults to 22050 Hz, the rate of most Piper voices.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		if rate > 0 {
			p.outFormat = audio.Format{SampleRate: rate, Channels: 1}
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements tts.Provider backed by a Piper HTTP backend.
// It is safe for concurrent use.
type Provider struct {
	serverURL  string
	httpClient *http.Client
	outFormat  audio.Format
}

// New creates a Provider for the backend at serverURL (e.g.,
// "http://localhost:8000"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("piper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		outFormat:  audio.Format{SampleRate: defaultSampleRate, Channels: 1},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// HealthURL returns the backend's liveness endpoint.
func (p *Provider) HealthURL() string { return p.serverURL + healthEndpoint }

// StreamFormat implements tts.StreamProvider.
func (p *Provider) StreamFormat() audio.Format { return p.outFormat }

// ---- Synthesize ----

// Synthesize renders one utterance. The backend has a single configured voice,
// so req.Voice and req.Model are ignored; req.Model is echoed as "piper".
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, &tts.Error{Provider: providerName, Kind: tts.KindClient, Message: "text must not be empty"}
	}

	form := url.Values{}
	form.Set("text", req.Text)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("piper: create tts request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, tts.TransportError(providerName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, tts.StatusError(providerName, resp.StatusCode, detail(body))
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, tts.TransportError(providerName, err)
	}
	pcm, f, err := audio.DecodeWAV(wav)
	if err != nil {
		// A malformed body is a backend fault, so it stays retryable.
		return nil, &tts.Error{Provider: providerName, Kind: tts.KindServer, Message: "invalid WAV response", Err: err}
	}

	return &tts.Result{
		Audio:  audio.ConvertPCM(pcm, f, p.outFormat),
		Format: p.outFormat,
		Model:  providerName,
	}, nil
}

// detail extracts FastAPI's {"detail": "..."} message, falling back to the
// raw body.
func detail(body []byte) string {
	var d struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &d) == nil && d.Detail != "" {
		return d.Detail
	}
	return strings.TrimSpace(string(body))
}

// ---- SynthesizeStream ----

// audioResult carries a synthesised PCM byte slice or an error from a worker goroutine.
type audioResult struct {
	pcm []byte
	err error
}

// SynthesizeStream consumes text fragments from the text channel, accumulates
// them into complete sentences, and for each sentence issues a synthesis
// request. PCM is emitted in [Provider.StreamFormat] in the original sentence
// order. Up to sentenceLookaheadBuf requests may be in flight concurrently.
//
// The returned channel is closed when all text has been synthesised, a
// sentence fails, or ctx is cancelled.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	audioCh := make(chan []byte, audioChanBuf)

	go func() {
		defer close(audioCh)

		sentences := make(chan string, sentenceLookaheadBuf)
		resultQueue := make(chan chan audioResult, sentenceLookaheadBuf)

		// Accumulator: fragments → sentences.
		go func() {
			defer close(sentences)
			var seg tts.Segmenter
			emit := func(s string) bool {
				select {
				case sentences <- s:
					return true
				case <-ctx.Done():
					return false
				}
			}
			for {
				select {
				case fragment, ok := <-text:
					if !ok {
						if rest := seg.Flush(); rest != "" {
							emit(rest)
						}
						return
					}
					for _, s := range seg.Push(fragment) {
						if !emit(s) {
							return
						}
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		// Dispatcher: one request per sentence, ordered futures in resultQueue.
		go func() {
			defer close(resultQueue)
			for {
				select {
				case sentence, ok := <-sentences:
					if !ok {
						return
					}
					ch := make(chan audioResult, 1)
					select {
					case resultQueue <- ch:
					case <-ctx.Done():
						return
					}
					go func(s string, out chan<- audioResult) {
						res, err := p.Synthesize(ctx, tts.Request{Text: s, Voice: voice})
						if err != nil {
							out <- audioResult{err: err}
							return
						}
						out <- audioResult{pcm: res.Audio}
					}(sentence, ch)
				case <-ctx.Done():
					return
				}
			}
		}()

		// Collector: drain futures in order.
		for {
			select {
			case ch, ok := <-resultQueue:
				if !ok {
					return
				}
				select {
				case result := <-ch:
					if result.err != nil {
						return
					}
					pcm := result.pcm
					for len(pcm) > 0 {
						end := min(pcmChunkSize, len(pcm))
						select {
						case audioCh <- pcm[:end]:
						case <-ctx.Done():
							return
						}
						pcm = pcm[end:]
					}
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

// ---- Health / ListVoices ----

// Health is the engine status reported by GET /health.
type Health struct {
	Mode  string `json:"mode"`
	Piper struct {
		Bin   string `json:"bin"`
		Voice string `json:"voice"`
		OK    bool   `json:"ok"`
	} `json:"piper"`
}

// Health queries the backend's health endpoint.
func (p *Provider) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.HealthURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("piper: create health request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, tts.TransportError(providerName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, tts.StatusError(providerName, resp.StatusCode, detail(body))
	}

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("piper: decode health: %w", err)
	}
	return &h, nil
}

// ListVoices returns the backend's single configured voice, named after the
// voice model file. An unconfigured backend yields an empty list.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	h, err := p.Health(ctx)
	if err != nil {
		return nil, err
	}
	if !h.Piper.OK || h.Piper.Voice == "" {
		return []tts.VoiceProfile{}, nil
	}
	name := strings.TrimSuffix(filepath.Base(h.Piper.Voice), ".onnx")
	return []tts.VoiceProfile{{
		ID:       name,
		Name:     name,
		Provider: providerName,
		Metadata: map[string]string{
			"model_path": h.Piper.Voice,
			"mode":       h.Mode,
		},
	}}, nil
}
