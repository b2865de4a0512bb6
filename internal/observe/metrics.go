// Package observe provides observability primitives for Fabula: OpenTelemetry
// metrics, tracing helpers, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported via
// a Prometheus bridge (see [InitProvider]) so they can be scraped from the
// standard /metrics endpoint. Tests should use [NewMetrics] with a manual
// reader instead of the package-level [DefaultMetrics].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Fabula metrics.
const meterName = "github.com/MrWong99/fabula"

// Metrics holds all OpenTelemetry metric instruments for the turn engine.
// The underlying OTel types handle their own synchronisation.
type Metrics struct {
	// GenerationDuration tracks the latency of one full turn advancement,
	// from lock acquisition to the committed reply.
	GenerationDuration metric.Float64Histogram

	// SummariseDuration tracks the latency of a history compaction.
	SummariseDuration metric.Float64Histogram

	// TurnsTotal counts turn advancements. Use with attributes:
	//   attribute.String("story", ...), attribute.String("status", ...)
	TurnsTotal metric.Int64Counter

	// StreamedTokens counts tokens pushed to the live token stream.
	StreamedTokens metric.Int64Counter

	// UpstreamErrors counts language-model backend failures by kind.
	UpstreamErrors metric.Int64Counter

	// CompactionFailures counts compactions that were skipped because the
	// summary revision call failed. Failures are deferred, not fatal.
	CompactionFailures metric.Int64Counter

	// ActiveTurns tracks the number of turns currently in flight in this
	// process.
	ActiveTurns metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// language-model round trips.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60,
}

// NewMetrics creates a fully initialised [Metrics] using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.GenerationDuration, err = m.Float64Histogram("fabula.turn.duration",
		metric.WithDescription("Latency of one full turn advancement."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SummariseDuration, err = m.Float64Histogram("fabula.summarise.duration",
		metric.WithDescription("Latency of a history compaction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.TurnsTotal, err = m.Int64Counter("fabula.turns",
		metric.WithDescription("Total turn advancements by story and status."),
	); err != nil {
		return nil, err
	}
	if met.StreamedTokens, err = m.Int64Counter("fabula.streamed_tokens",
		metric.WithDescription("Total tokens pushed to live token streams."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamErrors, err = m.Int64Counter("fabula.upstream.errors",
		metric.WithDescription("Total language-model backend failures by kind."),
	); err != nil {
		return nil, err
	}
	if met.CompactionFailures, err = m.Int64Counter("fabula.compaction.failures",
		metric.WithDescription("Total compactions deferred due to summary call failure."),
	); err != nil {
		return nil, err
	}

	if met.ActiveTurns, err = m.Int64UpDownCounter("fabula.active_turns",
		metric.WithDescription("Number of turns currently in flight."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("fabula.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails, which cannot happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordTurn records one finished turn advancement with its outcome.
func (m *Metrics) RecordTurn(ctx context.Context, storyID, status string) {
	m.TurnsTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("story", storyID),
			attribute.String("status", status),
		),
	)
}

// RecordUpstreamError records one backend failure.
func (m *Metrics) RecordUpstreamError(ctx context.Context, kind string) {
	m.UpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
