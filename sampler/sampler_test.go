package sampler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailward/tuner/core"
	"github.com/mailward/tuner/pkg/feed"
	"github.com/mailward/tuner/pkg/logging"
	"github.com/mailward/tuner/pkg/metrics"
	"github.com/mailward/tuner/pkg/settings"
	"github.com/mailward/tuner/testkit"
	"github.com/mailward/tuner/weights"
)

// Prometheus collectors register globally, so the package shares one instance.
var testProm = metrics.NewPrometheusMetrics()

var testTime = time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

func score(verdict string, confidence float64) core.JudgeScore {
	return core.JudgeScore{Verdict: verdict, Confidence: confidence}
}

func TestScoreNoJudges(t *testing.T) {
	uncertainty, method := Score(nil, nil)
	assert.Equal(t, 1.0, uncertainty)
	assert.Equal(t, MethodNoJudges, method)
}

func TestScoreDisagreement(t *testing.T) {
	scores := map[string]core.JudgeScore{
		"judge-a": score("spam", 90),
		"judge-b": score("ham", 90),
	}
	uncertainty, method := Score(scores, nil)
	assert.Equal(t, MethodDisagreement, method)
	assert.InDelta(t, 1.0, uncertainty, 1e-9)
}

func TestScoreMoreDistinctVerdictsScoreHigher(t *testing.T) {
	// Four judges, one dissenting verdict, versus four judges split over
	// three verdicts.
	twoDistinct := map[string]core.JudgeScore{
		"judge-a": score("spam", 90),
		"judge-b": score("spam", 90),
		"judge-c": score("spam", 90),
		"judge-d": score("ham", 90),
	}
	threeDistinct := map[string]core.JudgeScore{
		"judge-a": score("spam", 90),
		"judge-b": score("spam", 90),
		"judge-c": score("ham", 90),
		"judge-d": score("phishing", 90),
	}

	two, method := Score(twoDistinct, nil)
	assert.Equal(t, MethodDisagreement, method)
	three, method := Score(threeDistinct, nil)
	assert.Equal(t, MethodDisagreement, method)
	assert.Greater(t, three, two)
}

func TestScoreLowConfidence(t *testing.T) {
	scores := map[string]core.JudgeScore{
		"judge-a": score("spam", 40),
		"judge-b": score("spam", 50),
	}
	uncertainty, method := Score(scores, nil)
	assert.Equal(t, MethodLowConfidence, method)
	assert.InDelta(t, 1.0-0.45, uncertainty, 1e-9)
}

func TestScoreWeightedVariance(t *testing.T) {
	// Same verdict, confident on average, but spread out: 95 and 65 mean
	// 0.8, above the low-confidence floor, with nonzero variance.
	scores := map[string]core.JudgeScore{
		"judge-a": score("spam", 95),
		"judge-b": score("spam", 65),
	}
	uncertainty, method := Score(scores, nil)
	assert.Equal(t, MethodWeightedVariance, method)
	assert.Greater(t, uncertainty, 0.0)
	assert.InDelta(t, 4.0*0.0225, uncertainty, 1e-9)
}

func TestScoreUnanimousConfidentIsCertain(t *testing.T) {
	scores := map[string]core.JudgeScore{
		"judge-a": score("spam", 95),
		"judge-b": score("spam", 95),
	}
	uncertainty, method := Score(scores, nil)
	assert.Equal(t, MethodWeightedVariance, method)
	assert.Zero(t, uncertainty)
}

func TestScoreJudgeWeightsShiftConfidence(t *testing.T) {
	scores := map[string]core.JudgeScore{
		"judge-trusted": score("spam", 90),
		"judge-noisy":   score("spam", 30),
	}

	// Equal weights average to 0.6 exactly, which is not low confidence.
	_, method := Score(scores, map[string]float64{"judge-trusted": 0.5, "judge-noisy": 0.5})
	assert.Equal(t, MethodWeightedVariance, method)

	// Trusting the noisy judge drags the weighted mean under the floor.
	uncertainty, method := Score(scores, map[string]float64{"judge-trusted": 0.1, "judge-noisy": 1.0})
	assert.Equal(t, MethodLowConfidence, method)
	assert.Greater(t, uncertainty, 0.4)
}

func newTestSampler(t *testing.T) (*Sampler, *feed.MemoryFeed, *settings.Repository) {
	t.Helper()
	repo := settings.NewRepository(settings.NewMemoryStore())
	feeds := feed.NewMemoryFeed()
	reader, err := weights.NewReader(repo, 16)
	require.NoError(t, err)
	s := NewSampler(feeds, feeds, reader, logging.NewNopLogger(), testProm)
	s.WithClock(testkit.FixedClock{Instant: testTime})
	return s, feeds, repo
}

func TestSampleForReviewOrdersAndFilters(t *testing.T) {
	s, feeds, _ := newTestSampler(t)
	ctx := context.Background()
	at := testTime.Add(-24 * time.Hour)

	// Split ensemble, maximally uncertain.
	require.NoError(t, feeds.AppendResult(ctx, testkit.Evaluation("classifier", "task-split", at, map[string]core.JudgeScore{
		"judge-a": score("spam", 90),
		"judge-b": score("ham", 90),
	})))
	// Agreeing but hesitant.
	require.NoError(t, feeds.AppendResult(ctx, testkit.Evaluation("classifier", "task-hesitant", at, map[string]core.JudgeScore{
		"judge-a": score("spam", 40),
		"judge-b": score("spam", 50),
	})))
	// Unanimous and confident, below any sensible threshold.
	require.NoError(t, feeds.AppendResult(ctx, testkit.Evaluation("classifier", "task-certain", at, map[string]core.JudgeScore{
		"judge-a": score("spam", 95),
		"judge-b": score("spam", 95),
	})))

	candidates, err := s.SampleForReview(ctx, "classifier", 7, 0.3, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "task-split", candidates[0].TaskKey)
	assert.Equal(t, MethodDisagreement, candidates[0].Method)
	assert.Equal(t, "task-hesitant", candidates[1].TaskKey)
	assert.Equal(t, MethodLowConfidence, candidates[1].Method)
}

func TestSampleForReviewSkipsLabeledTasks(t *testing.T) {
	s, feeds, _ := newTestSampler(t)
	ctx := context.Background()
	at := testTime.Add(-24 * time.Hour)

	require.NoError(t, feeds.AppendResult(ctx, testkit.Evaluation("classifier", "task-0", at, map[string]core.JudgeScore{
		"judge-a": score("spam", 90),
		"judge-b": score("ham", 90),
	})))
	// An existing label of any source removes the task from review.
	require.NoError(t, feeds.AppendExample(ctx, core.LabeledExample{
		Agent:     "classifier",
		Key:       "task-0",
		Label:     "spam",
		Source:    core.SourceOther,
		CreatedAt: at,
	}))

	candidates, err := s.SampleForReview(ctx, "classifier", 7, 0.3, 10)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestSampleForReviewHonorsTopN(t *testing.T) {
	s, feeds, _ := newTestSampler(t)
	ctx := context.Background()
	at := testTime.Add(-24 * time.Hour)

	for i, conf := range []float64{10, 20, 30, 40, 50} {
		require.NoError(t, feeds.AppendResult(ctx, testkit.Evaluation("classifier", fmtKey(i), at, map[string]core.JudgeScore{
			"judge-a": score("spam", conf),
			"judge-b": score("spam", conf),
		})))
	}

	candidates, err := s.SampleForReview(ctx, "classifier", 7, 0.0, 2)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	// Lowest confidence first: uncertainty is 1 - mean confidence.
	assert.Equal(t, fmtKey(0), candidates[0].TaskKey)
	assert.Equal(t, fmtKey(1), candidates[1].TaskKey)
}

func TestSampleForReviewEmptyFeed(t *testing.T) {
	s, _, _ := newTestSampler(t)

	candidates, err := s.SampleForReview(context.Background(), "classifier", 7, 0.3, 10)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func fmtKey(i int) string {
	return "task-" + string(rune('a'+i))
}
