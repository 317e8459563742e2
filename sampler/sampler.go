package sampler

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/mailward/tuner/core"
	"github.com/mailward/tuner/pkg/logging"
	"github.com/mailward/tuner/pkg/metrics"
	"github.com/mailward/tuner/weights"
)

// Method names how a candidate's uncertainty was computed.
type Method string

const (
	MethodDisagreement     Method = "disagreement"
	MethodLowConfidence    Method = "low_confidence"
	MethodWeightedVariance Method = "weighted_variance"
	MethodNoJudges         Method = "no_judges"
)

// lowConfidenceFloor is the weight-averaged confidence (0..1) below which an
// agreeing ensemble is still considered uncertain.
const lowConfidenceFloor = 0.6

// Candidate is one evaluation item selected for human review, with full
// provenance of how it was scored.
type Candidate struct {
	Agent        string                     `json:"agent"`
	TaskKey      string                     `json:"task_key"`
	Uncertainty  float64                    `json:"uncertainty"`
	Method       Method                     `json:"method"`
	JudgeScores  map[string]core.JudgeScore `json:"judge_scores"`
	JudgeWeights map[string]float64         `json:"judge_weights,omitempty"`
	TaskInput    map[string]any             `json:"task_input,omitempty"`
}

// Sampler selects the most uncertain unlabeled evaluation items for human
// review, scoring by ensemble disagreement and confidence.
type Sampler struct {
	evals    core.EvaluationFeed
	examples core.ExampleFeed
	weights  *weights.Reader
	logger   *logging.Logger
	prom     *metrics.PrometheusMetrics
	clock    core.Clock
}

// NewSampler creates an uncertainty sampler.
func NewSampler(evals core.EvaluationFeed, examples core.ExampleFeed, wr *weights.Reader, logger *logging.Logger, prom *metrics.PrometheusMetrics) *Sampler {
	return &Sampler{
		evals:    evals,
		examples: examples,
		weights:  wr,
		logger:   logger,
		prom:     prom,
		clock:    core.SystemClock{},
	}
}

// WithClock replaces the clock, for deterministic tests.
func (s *Sampler) WithClock(clock core.Clock) *Sampler {
	s.clock = clock
	return s
}

// SampleForReview scores every unlabeled evaluation in the lookback window,
// discards items below minUncertainty, and returns the topN most uncertain
// in descending order.
func (s *Sampler) SampleForReview(ctx context.Context, agent string, lookbackDays int, minUncertainty float64, topN int) ([]Candidate, error) {
	from := s.clock.Now().AddDate(0, 0, -lookbackDays)

	results, err := s.evals.ListResults(ctx, core.EvaluationQuery{Agent: agent, From: from})
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations for %s: %w", agent, err)
	}
	if len(results) == 0 {
		return []Candidate{}, nil
	}

	labeled, err := s.labeledKeys(ctx, agent, results)
	if err != nil {
		return nil, err
	}

	judgeWeights, err := s.weights.Weights(ctx, agent)
	if err != nil {
		return nil, err
	}

	var candidates []Candidate
	for _, res := range results {
		if labeled[res.TaskKey] {
			continue
		}
		uncertainty, method := Score(res.JudgeScores, judgeWeights)
		if uncertainty < minUncertainty {
			continue
		}
		candidates = append(candidates, Candidate{
			Agent:        agent,
			TaskKey:      res.TaskKey,
			Uncertainty:  uncertainty,
			Method:       method,
			JudgeScores:  res.JudgeScores,
			JudgeWeights: judgeWeights,
			TaskInput:    res.TaskInput,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Uncertainty > candidates[j].Uncertainty
	})
	if topN > 0 && len(candidates) > topN {
		candidates = candidates[:topN]
	}

	for _, c := range candidates {
		s.prom.RecordSampledCandidate(agent, string(c.Method))
	}
	s.logger.Debug("sampled candidates for review", "agent", agent, "count", len(candidates))
	return candidates, nil
}

// labeledKeys returns the task keys that already have a label of any source.
func (s *Sampler) labeledKeys(ctx context.Context, agent string, results []core.EvaluationResult) (map[string]bool, error) {
	examples, err := s.examples.ListExamples(ctx, core.ExampleQuery{Agent: agent})
	if err != nil {
		return nil, fmt.Errorf("failed to list labeled examples for %s: %w", agent, err)
	}
	labeled := make(map[string]bool, len(examples))
	for _, ex := range examples {
		labeled[ex.Key] = true
	}
	return labeled, nil
}

// Score computes the uncertainty of one ensemble result. Judges that
// disagree are scored by normalized verdict entropy; agreeing ensembles fall
// back to low weighted confidence, then to confidence variance. An item with
// no judge scores is maximally uncertain.
func Score(scores map[string]core.JudgeScore, judgeWeights map[string]float64) (float64, Method) {
	if len(scores) == 0 {
		return 1.0, MethodNoJudges
	}

	verdictCounts := make(map[string]int)
	for _, score := range scores {
		verdictCounts[score.Verdict]++
	}

	if len(verdictCounts) >= 2 {
		return verdictEntropy(verdictCounts, len(scores)), MethodDisagreement
	}

	weighted := weightedConfidence(scores, judgeWeights)
	if weighted.mean < lowConfidenceFloor {
		return 1.0 - weighted.mean, MethodLowConfidence
	}

	return math.Min(1.0, 4.0*weighted.variance), MethodWeightedVariance
}

// verdictEntropy is the Shannon entropy of the verdict distribution,
// normalized by log2 of the number of distinct verdicts so a full split
// scores 1.0.
func verdictEntropy(counts map[string]int, total int) float64 {
	entropy := 0.0
	for _, count := range counts {
		p := float64(count) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy / math.Log2(float64(len(counts)))
}

type confidenceStats struct {
	mean     float64
	variance float64
}

// weightedConfidence computes the judge-weight-averaged confidence mean and
// variance, with confidences normalized to 0..1. Unknown judges weigh 0.5.
func weightedConfidence(scores map[string]core.JudgeScore, judgeWeights map[string]float64) confidenceStats {
	var weightSum, meanSum float64
	for judge, score := range scores {
		w := 0.5
		if jw, ok := judgeWeights[judge]; ok {
			w = jw
		}
		weightSum += w
		meanSum += w * (score.Confidence / 100.0)
	}
	if weightSum == 0 {
		return confidenceStats{}
	}
	mean := meanSum / weightSum

	var varSum float64
	for judge, score := range scores {
		w := 0.5
		if jw, ok := judgeWeights[judge]; ok {
			w = jw
		}
		d := score.Confidence/100.0 - mean
		varSum += w * d * d
	}
	return confidenceStats{mean: mean, variance: varSum / weightSum}
}
