package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

// sumValue returns the value of the data point of an int64 sum whose
// attributes contain key=value.
func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"framesync.playback.present.duration", m.PresentDuration},
		{"framesync.capture.callback.duration", m.CallbackDuration},
		{"framesync.http.request.duration", m.HTTPRequestDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.0012)
		tc.h.Record(ctx, 0.033)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordCompletion(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCompletion(ctx, "out-a", "completed")
	m.RecordCompletion(ctx, "out-a", "completed")
	m.RecordCompletion(ctx, "out-a", "dropped")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "framesync.playback.completions", "outcome", "completed"); got != 2 {
		t.Errorf("completed = %d, want 2", got)
	}
	if got := sumValue(t, rm, "framesync.playback.completions", "outcome", "dropped"); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestCaptureCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDelivery(ctx, "in-a", "video")
	m.RecordDelivery(ctx, "in-a", "no_signal")
	m.RecordDelivery(ctx, "in-a", "video")
	m.RecordOverrun(ctx, "in-a", 3)
	m.RecordFormatChange(ctx, "in-a")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "framesync.capture.deliveries", "kind", "video"); got != 2 {
		t.Errorf("video deliveries = %d, want 2", got)
	}
	if got := sumValue(t, rm, "framesync.capture.overruns", "channel", "in-a"); got != 3 {
		t.Errorf("overruns = %d, want 3", got)
	}
	if got := sumValue(t, rm, "framesync.capture.format_changes", "channel", "in-a"); got != 1 {
		t.Errorf("format changes = %d, want 1", got)
	}
}

func TestRecordGroupOperation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordGroupOperation(ctx, "studio", "start", "ok")
	m.RecordGroupOperation(ctx, "studio", "start", "not_locked")

	rm := collect(t, reader)
	if got := sumValue(t, rm, "framesync.group.operations", "status", "not_locked"); got != 1 {
		t.Errorf("not_locked = %d, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveChannels.Add(ctx, 1)
	m.ActiveChannels.Add(ctx, 1)
	m.ActiveChannels.Add(ctx, -1)
	m.BufferedFrames.Add(ctx, 5, metric.WithAttributes(attribute.String("channel", "out-a")))

	rm := collect(t, reader)
	met := findMetric(rm, "framesync.active_channels")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("active_channels has no sum data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active_channels = %d, want 1", got)
	}
	if got := sumValue(t, rm, "framesync.playback.buffered_frames", "channel", "out-a"); got != 5 {
		t.Errorf("buffered_frames = %d, want 5", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
