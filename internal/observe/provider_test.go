package observe

import (
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

func TestViews_CoverLatencyHistograms(t *testing.T) {
	if got := len(Views()); got != 3 {
		t.Fatalf("len(Views()) = %d, want 3", got)
	}
}

func TestMeterProvider_ExportsFrameBuckets(t *testing.T) {
	reg := prometheus.NewRegistry()
	mp, err := newMeterProvider(resource.Empty(), reg)
	if err != nil {
		t.Fatalf("newMeterProvider: %v", err)
	}
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	ch := metric.WithAttributes(attribute.String("channel", "out-a"))
	m.PresentDuration.Record(ctx, 0.003, ch)
	m.CallbackDuration.Record(ctx, 0.0002, ch)
	m.HTTPRequestDuration.Record(ctx, 0.2, metric.WithAttributes(
		attribute.String("method", "POST"), attribute.String("path", "/channels/{name}/start")))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	bounds := func(prefix string) []float64 {
		t.Helper()
		for _, mf := range families {
			if !strings.HasPrefix(mf.GetName(), prefix) || len(mf.GetMetric()) == 0 {
				continue
			}
			h := mf.GetMetric()[0].GetHistogram()
			if h == nil {
				continue
			}
			var out []float64
			for _, b := range h.GetBucket() {
				out = append(out, b.GetUpperBound())
			}
			return out
		}
		t.Fatalf("no histogram named %s*", prefix)
		return nil
	}

	for _, tc := range []struct {
		prefix string
		want   []float64
	}{
		{"framesync_playback_present_duration", frameBuckets},
		{"framesync_capture_callback_duration", frameBuckets},
		{"framesync_http_request_duration", requestBuckets},
	} {
		got := bounds(tc.prefix)
		if len(got) < len(tc.want) || !slices.Equal(got[:len(tc.want)], tc.want) {
			t.Errorf("%s buckets = %v, want %v", tc.prefix, got, tc.want)
		}
	}
}
