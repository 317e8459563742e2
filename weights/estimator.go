package weights

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mailward/tuner/core"
	"github.com/mailward/tuner/pkg/logging"
	"github.com/mailward/tuner/pkg/metrics"
	"github.com/mailward/tuner/pkg/settings"
	"github.com/mailward/tuner/pkg/tracing"
)

const (
	// minMatchedSamples is the floor below which a judge keeps the default weight.
	minMatchedSamples = 5

	// defaultWeight is assigned to judges we cannot score yet.
	defaultWeight = 0.5

	// calibrationPenalty scales how much calibration error reduces the weight.
	calibrationPenalty = 0.5

	minWeight = 0.1
	maxWeight = 1.0
)

// Estimator recomputes per-judge trust weights from historical agreement
// with trusted labels, time-decayed and calibration-corrected.
type Estimator struct {
	evals    core.EvaluationFeed
	examples core.ExampleFeed
	repo     *settings.Repository
	logger   *logging.Logger
	prom     *metrics.PrometheusMetrics
	tracer   *tracing.Tracer
	clock    core.Clock
}

// NewEstimator creates a judge reliability estimator.
func NewEstimator(evals core.EvaluationFeed, examples core.ExampleFeed, repo *settings.Repository, logger *logging.Logger, prom *metrics.PrometheusMetrics) *Estimator {
	return &Estimator{
		evals:    evals,
		examples: examples,
		repo:     repo,
		logger:   logger,
		prom:     prom,
		clock:    core.SystemClock{},
	}
}

// WithClock replaces the clock, for deterministic tests.
func (e *Estimator) WithClock(clock core.Clock) *Estimator {
	e.clock = clock
	return e
}

// WithTracer attaches a tracer. Without one, weight updates emit no spans.
func (e *Estimator) WithTracer(tracer *tracing.Tracer) *Estimator {
	e.tracer = tracer
	return e
}

// matchedSample is one judge opinion joined with its trusted label.
type matchedSample struct {
	agree      float64 // 1 if verdict == label, else 0
	confidence float64 // stated confidence, normalized to 0..1
	ageDays    float64
}

// UpdateWeights recomputes and persists the weight set for one agent,
// replacing the prior set. Judges with fewer than five matched samples get
// the 0.5 default. Agents with no evaluations at all get a small fixed
// default mapping.
func (e *Estimator) UpdateWeights(ctx context.Context, agent string, lookbackDays, decayHalflifeDays int) (map[string]float64, error) {
	start := e.clock.Now()

	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.StartWeightSpan(ctx, agent, lookbackDays)
		defer span.End()
	}

	results, err := e.evals.ListResults(ctx, core.EvaluationQuery{
		Agent:           agent,
		From:            start.AddDate(0, 0, -lookbackDays),
		WithJudgeScores: true,
	})
	if err != nil {
		e.prom.RecordWeightUpdate(agent, "error", e.clock.Now().Sub(start))
		return nil, fmt.Errorf("failed to list evaluations for %s: %w", agent, err)
	}

	var weights map[string]float64
	if len(results) == 0 {
		weights = map[string]float64{"default": defaultWeight}
	} else {
		labels, err := e.trustedLabels(ctx, agent, start.AddDate(0, 0, -lookbackDays))
		if err != nil {
			e.prom.RecordWeightUpdate(agent, "error", e.clock.Now().Sub(start))
			return nil, err
		}
		weights = e.computeWeights(results, labels, float64(decayHalflifeDays), start)
	}

	set := &core.JudgeWeightSet{
		Agent:      agent,
		Weights:    weights,
		ComputedAt: start,
	}
	if err := e.repo.SaveJudgeWeights(ctx, set); err != nil {
		e.prom.RecordWeightUpdate(agent, "error", e.clock.Now().Sub(start))
		return nil, fmt.Errorf("failed to persist judge weights for %s: %w", agent, err)
	}

	for judge, w := range weights {
		e.prom.RecordJudgeWeight(agent, judge, w)
	}
	e.prom.RecordWeightUpdate(agent, "ok", e.clock.Now().Sub(start))
	e.logger.LogWeightUpdate(ctx, agent, len(weights), e.clock.Now().Sub(start))
	return weights, nil
}

// trustedLabels loads trusted-source labels in the window, keyed by task key.
func (e *Estimator) trustedLabels(ctx context.Context, agent string, from time.Time) (map[string]string, error) {
	examples, err := e.examples.ListExamples(ctx, core.ExampleQuery{
		Agent:   agent,
		From:    from,
		Sources: core.TrustedSources,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list labeled examples for %s: %w", agent, err)
	}

	labels := make(map[string]string, len(examples))
	for _, ex := range examples {
		labels[ex.Key] = ex.Label
	}
	return labels, nil
}

// computeWeights joins evaluations with labels and scores each judge.
func (e *Estimator) computeWeights(results []core.EvaluationResult, labels map[string]string, halflifeDays float64, now time.Time) map[string]float64 {
	samples := make(map[string][]matchedSample)
	judges := make(map[string]bool)

	for _, res := range results {
		label, labeled := labels[res.TaskKey]
		for judge, score := range res.JudgeScores {
			judges[judge] = true
			if !labeled {
				continue
			}
			agree := 0.0
			if score.Verdict == label {
				agree = 1.0
			}
			samples[judge] = append(samples[judge], matchedSample{
				agree:      agree,
				confidence: score.Confidence / 100.0,
				ageDays:    now.Sub(res.CreatedAt).Hours() / 24.0,
			})
		}
	}

	weights := make(map[string]float64, len(judges))
	for judge := range judges {
		weights[judge] = scoreJudge(samples[judge], halflifeDays)
	}
	return weights
}

// scoreJudge turns matched samples into a single trust weight. The decay
// weight halves every halflifeDays; calibration error is the plain mean of
// |confidence - agreement|.
func scoreJudge(samples []matchedSample, halflifeDays float64) float64 {
	if len(samples) < minMatchedSamples {
		return defaultWeight
	}

	var decaySum, agreeSum, calibSum float64
	for _, s := range samples {
		decay := math.Exp(-s.ageDays * math.Ln2 / halflifeDays)
		decaySum += decay
		agreeSum += decay * s.agree
		calibSum += math.Abs(s.confidence - s.agree)
	}

	weightedAgreement := agreeSum / decaySum
	calibrationError := calibSum / float64(len(samples))

	weight := weightedAgreement - calibrationPenalty*calibrationError
	return math.Min(maxWeight, math.Max(minWeight, weight))
}

// AgentResult is one agent's slot in a batch outcome: either a weight map or
// a typed error, never both.
type AgentResult struct {
	Weights map[string]float64
	Err     error
}

// UpdateAll recomputes weights for every listed agent. One agent's failure
// becomes an error value in its slot; the batch continues for the rest.
func (e *Estimator) UpdateAll(ctx context.Context, agents []string, lookbackDays, decayHalflifeDays int) map[string]AgentResult {
	results := make([]AgentResult, len(agents))

	g, gctx := errgroup.WithContext(ctx)
	for i, agent := range agents {
		i, agent := i, agent
		g.Go(func() error {
			weights, err := e.UpdateWeights(gctx, agent, lookbackDays, decayHalflifeDays)
			results[i] = AgentResult{Weights: weights, Err: err}
			if err != nil {
				e.logger.Warn("weight update failed", "agent", agent, "error", err.Error())
			}
			return nil // failures stay in their slot, siblings keep running
		})
	}
	_ = g.Wait() // goroutines never return errors

	out := make(map[string]AgentResult, len(agents))
	for i, agent := range agents {
		out[agent] = results[i]
	}
	return out
}

// SortedJudges returns judge names of a weight set in stable order.
func SortedJudges(weights map[string]float64) []string {
	judges := make([]string, 0, len(weights))
	for judge := range weights {
		judges = append(judges, judge)
	}
	sort.Strings(judges)
	return judges
}
