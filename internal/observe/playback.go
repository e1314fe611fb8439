package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxline/pkg/audio/playback"
	"github.com/MrWong99/voxline/pkg/provider/tts"
)

// PlaybackObserver records playback queue events as metrics. It implements
// [playback.Observer].
type PlaybackObserver struct {
	m        *Metrics
	provider string
}

var _ playback.Observer = (*PlaybackObserver)(nil)

// NewPlaybackObserver returns an observer that attributes synthesis errors to
// provider.
func NewPlaybackObserver(m *Metrics, provider string) *PlaybackObserver {
	return &PlaybackObserver{m: m, provider: provider}
}

// SynthesisAttempt implements [playback.Observer].
func (o *PlaybackObserver) SynthesisAttempt(model string, d time.Duration, err error) {
	ctx := context.Background()
	if model == "" {
		model = "default"
	}
	status := "ok"
	if err != nil {
		status = "error"
		o.m.RecordProviderError(ctx, o.provider, tts.Classify(err).String())
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("status", status),
	)
	o.m.TTSDuration.Record(ctx, d.Seconds(), attrs)
	o.m.TTSAttempts.Add(ctx, 1, attrs)
}

// ItemFinished implements [playback.Observer].
func (o *PlaybackObserver) ItemFinished(s playback.Status) {
	o.m.PlaybackItems.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", s.String())))
}

// Stall implements [playback.Observer].
func (o *PlaybackObserver) Stall(d time.Duration) {
	o.m.PlaybackStall.Record(context.Background(), d.Seconds())
}
