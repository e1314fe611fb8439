package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxline/pkg/provider/tts"
)

// tracedTTS wraps a [tts.Provider] so that every call runs in a span.
type tracedTTS struct {
	name  string
	inner tts.Provider
}

// TraceTTS returns p with each Synthesize and ListVoices call wrapped in a
// client span named after the provider.
func TraceTTS(name string, p tts.Provider) tts.Provider {
	return &tracedTTS{name: name, inner: p}
}

// Synthesize implements [tts.Provider].
func (t *tracedTTS) Synthesize(ctx context.Context, req tts.Request) (*tts.Result, error) {
	ctx, span := StartSpan(ctx, "tts.synthesize",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("tts.provider", t.name),
			attribute.String("tts.voice", req.Voice.ID),
			attribute.String("tts.model", req.Model),
			attribute.Int("tts.text_length", len(req.Text)),
		),
	)
	defer span.End()

	res, err := t.inner.Synthesize(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, tts.Classify(err).String())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("tts.model_used", res.Model),
		attribute.Int("tts.audio_bytes", len(res.Audio)),
	)
	if res.RequestID != "" {
		span.SetAttributes(attribute.String("tts.request_id", res.RequestID))
	}
	return res, nil
}

// ListVoices implements [tts.Provider].
func (t *tracedTTS) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	ctx, span := StartSpan(ctx, "tts.list_voices",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("tts.provider", t.name)),
	)
	defer span.End()

	voices, err := t.inner.ListVoices(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return voices, err
}
