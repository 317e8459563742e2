package rollout

import (
	"context"
	"testing"
	"time"

	"github.com/mailward/tuner/core"
	"github.com/mailward/tuner/pkg/feed"
	"github.com/mailward/tuner/testkit"
)

func TestWindowStatsPartitionsByVariant(t *testing.T) {
	feeds := feed.NewMemoryFeed()
	store := NewMetricsStore(feeds)
	ctx := context.Background()

	for _, rec := range testkit.Executions("classifier", core.VariantBaseline, 40, 90, 1000, 2.0, testTime) {
		if err := store.Record(ctx, rec); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	for _, rec := range testkit.Executions("classifier", core.VariantCanary, 10, 80, 500, 1.0, testTime) {
		if err := store.Record(ctx, rec); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	window, err := store.WindowStats(ctx, "classifier", 100)
	if err != nil {
		t.Fatalf("window stats failed: %v", err)
	}

	if window.Baseline.Samples != 40 {
		t.Errorf("expected 40 baseline samples, got %d", window.Baseline.Samples)
	}
	if window.Canary.Samples != 10 {
		t.Errorf("expected 10 canary samples, got %d", window.Canary.Samples)
	}
	if window.Baseline.Quality != 90 {
		t.Errorf("expected baseline quality 90, got %v", window.Baseline.Quality)
	}
	if window.Canary.Quality != 80 {
		t.Errorf("expected canary quality 80, got %v", window.Canary.Quality)
	}
	if window.Canary.CostCents != 1.0 {
		t.Errorf("expected canary cost 1.0, got %v", window.Canary.CostCents)
	}
}

func TestWindowStatsRespectsWindowSize(t *testing.T) {
	feeds := feed.NewMemoryFeed()
	store := NewMetricsStore(feeds)
	ctx := context.Background()

	// Old cheap records, then newer expensive ones. A window of 10 must only
	// see the newer batch.
	for _, rec := range testkit.Executions("classifier", core.VariantBaseline, 50, 90, 1000, 1.0, testTime) {
		if err := store.Record(ctx, rec); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}
	for _, rec := range testkit.Executions("classifier", core.VariantBaseline, 10, 70, 1000, 5.0, testTime.Add(time.Hour)) {
		if err := store.Record(ctx, rec); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	window, err := store.WindowStats(ctx, "classifier", 10)
	if err != nil {
		t.Fatalf("window stats failed: %v", err)
	}
	if window.Baseline.Samples != 10 {
		t.Errorf("expected 10 samples in window, got %d", window.Baseline.Samples)
	}
	if window.Baseline.Quality != 70 {
		t.Errorf("expected windowed quality 70, got %v", window.Baseline.Quality)
	}
}

func TestWindowStatsEmpty(t *testing.T) {
	store := NewMetricsStore(feed.NewMemoryFeed())

	window, err := store.WindowStats(context.Background(), "classifier", 100)
	if err != nil {
		t.Fatalf("window stats failed: %v", err)
	}
	if window.Baseline.Samples != 0 || window.Canary.Samples != 0 {
		t.Errorf("expected empty window, got %+v", window)
	}
}

func TestPercentileNearestRank(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		p      float64
		want   float64
	}{
		{"single value", []float64{42}, 0.95, 42},
		{"p95 of 20", seq(1, 20), 0.95, 19},
		{"p95 of 100", seq(1, 100), 0.95, 95},
		{"unsorted input", []float64{5, 1, 4, 2, 3}, 0.95, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := percentile(tt.values, tt.p); got != tt.want {
				t.Errorf("percentile(%v, %v) = %v, want %v", tt.values, tt.p, got, tt.want)
			}
		})
	}
}

func seq(from, to int) []float64 {
	out := make([]float64, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, float64(i))
	}
	return out
}
