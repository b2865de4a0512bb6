package observe

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// collect gathers all recorded metrics from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	return rm
}

// findMetric locates a metric by name in the collected data.
func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func TestNewMetrics_InstrumentsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	ctx := context.Background()
	m.GenerationDuration.Record(ctx, 2.5)
	m.RecordTurn(ctx, "story-1", "ok")
	m.RecordTurn(ctx, "story-1", "error")
	m.StreamedTokens.Add(ctx, 42)
	m.RecordUpstreamError(ctx, "rate_limit")
	m.CompactionFailures.Add(ctx, 1)
	m.ActiveTurns.Add(ctx, 1)
	m.ActiveTurns.Add(ctx, -1)

	rm := collect(t, reader)

	turns, ok := findMetric(rm, "fabula.turns")
	if !ok {
		t.Fatal("fabula.turns not recorded")
	}
	sum, ok := turns.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("fabula.turns data type = %T, want Sum[int64]", turns.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 2 {
		t.Errorf("fabula.turns total = %d, want 2", total)
	}

	if _, ok := findMetric(rm, "fabula.turn.duration"); !ok {
		t.Error("fabula.turn.duration not recorded")
	}

	tokens, ok := findMetric(rm, "fabula.streamed_tokens")
	if !ok {
		t.Fatal("fabula.streamed_tokens not recorded")
	}
	tokSum := tokens.Data.(metricdata.Sum[int64])
	if len(tokSum.DataPoints) != 1 || tokSum.DataPoints[0].Value != 42 {
		t.Errorf("fabula.streamed_tokens = %+v, want single data point of 42", tokSum.DataPoints)
	}

	active, ok := findMetric(rm, "fabula.active_turns")
	if !ok {
		t.Fatal("fabula.active_turns not recorded")
	}
	activeSum := active.Data.(metricdata.Sum[int64])
	if len(activeSum.DataPoints) != 1 || activeSum.DataPoints[0].Value != 0 {
		t.Errorf("fabula.active_turns = %+v, want 0 after add/remove", activeSum.DataPoints)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different instances")
	}
}
