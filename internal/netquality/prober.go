package netquality

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Prober performs one liveness check. A nil error means the endpoint is
// reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to the [Prober] interface.
type ProberFunc func(ctx context.Context) error

// Probe implements [Prober].
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProber checks liveness with a HEAD request. Any HTTP response counts as
// alive: the probe measures reachability, not service health.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

var _ Prober = (*HTTPProber)(nil)

// NewHTTPProber returns a prober for url using [http.DefaultClient].
func NewHTTPProber(url string) *HTTPProber {
	return &HTTPProber{URL: url}
}

// Probe implements [Prober].
func (p *HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return fmt.Errorf("netquality: build probe request: %w", err)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("netquality: probe %s: %w", p.URL, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}
