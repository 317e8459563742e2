package rollout

import (
	"context"
	"math"
	"sort"

	"github.com/mailward/tuner/core"
)

// MetricsStore aggregates recent execution records into per-variant windowed
// stats. The window is computed on demand; nothing is materialized.
type MetricsStore struct {
	log core.ExecutionLog
}

// NewMetricsStore wraps an execution log.
func NewMetricsStore(log core.ExecutionLog) *MetricsStore {
	return &MetricsStore{log: log}
}

// Record appends one execution record.
func (s *MetricsStore) Record(ctx context.Context, rec core.ExecutionRecord) error {
	return s.log.AppendRecord(ctx, rec)
}

// WindowStats partitions the most recent windowRuns records of one agent by
// routing decision and summarizes each side.
func (s *MetricsStore) WindowStats(ctx context.Context, agent string, windowRuns int) (core.WindowedMetrics, error) {
	records, err := s.log.RecentRecords(ctx, agent, windowRuns)
	if err != nil {
		return core.WindowedMetrics{}, err
	}

	var baseline, canary []core.ExecutionRecord
	for _, rec := range records {
		switch rec.Variant {
		case core.VariantCanary:
			canary = append(canary, rec)
		default:
			baseline = append(baseline, rec)
		}
	}

	return core.WindowedMetrics{
		Baseline: summarize(baseline),
		Canary:   summarize(canary),
	}, nil
}

// summarize computes sample count, mean quality, p95 latency and mean cost.
func summarize(records []core.ExecutionRecord) core.VariantStats {
	if len(records) == 0 {
		return core.VariantStats{}
	}

	var qualitySum, costSum float64
	latencies := make([]float64, 0, len(records))
	for _, rec := range records {
		qualitySum += rec.Quality
		costSum += rec.CostCents
		latencies = append(latencies, rec.LatencyMS)
	}

	n := float64(len(records))
	return core.VariantStats{
		Samples:      len(records),
		Quality:      qualitySum / n,
		LatencyP95MS: percentile(latencies, 0.95),
		CostCents:    costSum / n,
	}
}

// percentile returns the nearest-rank percentile of the values.
func percentile(values []float64, p float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
