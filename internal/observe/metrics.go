// Package observe provides observability primitives for Auralis: OpenTelemetry
// metric instruments for the realtime session and voice pipeline, plus a
// Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Auralis metrics.
const meterName = "github.com/auralis-ai/auralis"

// Metrics holds all OpenTelemetry metric instruments for the library.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// AudioFramesSent counts binary audio frames accepted for transmission.
	AudioFramesSent metric.Int64Counter

	// AudioFramesAcked counts AudioAdded acknowledgements from the server.
	AudioFramesAcked metric.Int64Counter

	// SegmentsEmitted counts finalized speaker segments. Use with attribute:
	//   attribute.String("speaker", ...)
	SegmentsEmitted metric.Int64Counter

	// TurnsEmitted counts EndOfTurn events. Use with attribute:
	//   attribute.String("policy", ...)
	TurnsEmitted metric.Int64Counter

	// TTFB tracks time-to-first-byte in milliseconds: the lag between audio
	// submitted and the first transcription covering it.
	TTFB metric.Float64Histogram

	// FinalizeDelay tracks the chosen end-of-turn finalize delay in seconds.
	FinalizeDelay metric.Float64Histogram
}

// NewMetrics creates all instruments on the given provider. Pass nil to use
// the global OTel meter provider.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	m := &Metrics{}
	var err error

	if m.AudioFramesSent, err = meter.Int64Counter(
		"auralis.rt.audio.frames_sent",
		metric.WithDescription("Binary audio frames accepted for transmission"),
	); err != nil {
		return nil, err
	}
	if m.AudioFramesAcked, err = meter.Int64Counter(
		"auralis.rt.audio.frames_acked",
		metric.WithDescription("AudioAdded acknowledgements received"),
	); err != nil {
		return nil, err
	}
	if m.SegmentsEmitted, err = meter.Int64Counter(
		"auralis.voice.segments_emitted",
		metric.WithDescription("Finalized speaker segments emitted"),
	); err != nil {
		return nil, err
	}
	if m.TurnsEmitted, err = meter.Int64Counter(
		"auralis.voice.turns_emitted",
		metric.WithDescription("EndOfTurn events emitted"),
	); err != nil {
		return nil, err
	}
	if m.TTFB, err = meter.Float64Histogram(
		"auralis.voice.ttfb",
		metric.WithDescription("Time to first transcription byte"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.FinalizeDelay, err = meter.Float64Histogram(
		"auralis.voice.finalize_delay",
		metric.WithDescription("Chosen end-of-turn finalize delay"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// DefaultMetrics returns the shared instance built on the global meter
// provider. Instrument creation errors are not expected with valid names and
// result in a nil instance, which callers treat as metrics-disabled.
func DefaultMetrics() *Metrics {
	defaultOnce.Do(func() {
		m, err := NewMetrics(nil)
		if err != nil {
			return
		}
		defaultMetrics = m
	})
	return defaultMetrics
}
