package rollout

import (
	"context"
	"fmt"

	"github.com/mailward/tuner/core"
	"github.com/mailward/tuner/pkg/logging"
	"github.com/mailward/tuner/pkg/metrics"
	"github.com/mailward/tuner/pkg/settings"
)

// Thresholds are the fixed regression limits a canary is held to. A breach
// requires strictly exceeding the limit; exactly-at-threshold values pass.
type Thresholds struct {
	MinCanarySamples  int     `yaml:"min_canary_samples"`
	QualityDropPoints float64 `yaml:"quality_drop_points"`
	LatencyP95MS      float64 `yaml:"latency_p95_ms"`
	CostCents         float64 `yaml:"cost_cents"`
}

// DefaultThresholds returns the production limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinCanarySamples:  30,
		QualityDropPoints: 5.0,
		LatencyP95MS:      1600,
		CostCents:         3.0,
	}
}

// Detector compares canary stats against the active baseline and forces the
// kill switch on any breach. Detected regressions are never downgraded: a
// breach always produces the kill-switch write, synchronously, bypassing the
// guard's staged workflow.
type Detector struct {
	store      *MetricsStore
	repo       *settings.Repository
	logger     *logging.Logger
	prom       *metrics.PrometheusMetrics
	clock      core.Clock
	thresholds Thresholds
	windowRuns int
}

// NewDetector creates a regression detector.
func NewDetector(store *MetricsStore, repo *settings.Repository, logger *logging.Logger, prom *metrics.PrometheusMetrics, thresholds Thresholds, windowRuns int) *Detector {
	return &Detector{
		store:      store,
		repo:       repo,
		logger:     logger,
		prom:       prom,
		clock:      core.SystemClock{},
		thresholds: thresholds,
		windowRuns: windowRuns,
	}
}

// WithClock replaces the clock, for deterministic tests.
func (d *Detector) WithClock(clock core.Clock) *Detector {
	d.clock = clock
	return d
}

// Evaluate checks the agent's canary window against the baseline. Small
// canary samples produce no decision at all. Each threshold is checked
// independently, so the breach list length equals the number of triggered
// limits.
func (d *Detector) Evaluate(ctx context.Context, agent string) (core.RegressionVerdict, error) {
	window, err := d.store.WindowStats(ctx, agent, d.windowRuns)
	if err != nil {
		return core.RegressionVerdict{}, fmt.Errorf("failed to compute window stats for %s: %w", agent, err)
	}

	if window.Canary.Samples < d.thresholds.MinCanarySamples {
		return core.RegressionVerdict{
			Action: core.ActionNone,
			Reason: "insufficient_sample",
		}, nil
	}

	var breaches []core.Breach
	if drop := window.Baseline.Quality - window.Canary.Quality; drop > d.thresholds.QualityDropPoints {
		breaches = append(breaches, core.Breach{
			Metric:    "quality",
			Baseline:  window.Baseline.Quality,
			Canary:    window.Canary.Quality,
			Threshold: d.thresholds.QualityDropPoints,
		})
	}
	if window.Canary.LatencyP95MS > d.thresholds.LatencyP95MS {
		breaches = append(breaches, core.Breach{
			Metric:    "latency_p95",
			Baseline:  window.Baseline.LatencyP95MS,
			Canary:    window.Canary.LatencyP95MS,
			Threshold: d.thresholds.LatencyP95MS,
		})
	}
	if window.Canary.CostCents > d.thresholds.CostCents {
		breaches = append(breaches, core.Breach{
			Metric:    "cost",
			Baseline:  window.Baseline.CostCents,
			Canary:    window.Canary.CostCents,
			Threshold: d.thresholds.CostCents,
		})
	}

	if len(breaches) == 0 {
		return core.RegressionVerdict{
			Action: core.ActionNone,
			Reason: "within_thresholds",
		}, nil
	}

	reason := fmt.Sprintf("%d threshold breach(es) detected", len(breaches))
	if err := d.tripKillSwitch(ctx, agent, reason, len(breaches)); err != nil {
		return core.RegressionVerdict{}, err
	}

	return core.RegressionVerdict{
		Action:   core.ActionRollback,
		Breaches: breaches,
		Reason:   reason,
	}, nil
}

// tripKillSwitch writes the global kill flag and zeroes the agent's canary
// traffic in one pass. The write is unconditional: re-tripping an already
// active switch only refreshes the reason.
func (d *Detector) tripKillSwitch(ctx context.Context, agent, reason string, breaches int) error {
	state := settings.KillSwitchState{
		Active:    true,
		Reason:    fmt.Sprintf("%s: %s", agent, reason),
		TrippedAt: d.clock.Now(),
	}
	if err := d.repo.SetKillSwitch(ctx, state); err != nil {
		return fmt.Errorf("failed to write kill switch: %w", err)
	}
	if err := d.repo.SetCanaryPercent(ctx, agent, 0); err != nil {
		return fmt.Errorf("failed to zero canary traffic: %w", err)
	}

	d.prom.RecordKillSwitchTrip()
	d.prom.RecordCanaryPercent(agent, 0)
	d.logger.LogKillSwitch(ctx, agent, reason, breaches)
	return nil
}
