package weights

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailward/tuner/core"
	"github.com/mailward/tuner/pkg/settings"
)

func TestReaderDefaultsWithoutPersistedSet(t *testing.T) {
	repo := settings.NewRepository(settings.NewMemoryStore())
	reader, err := NewReader(repo, 16)
	require.NoError(t, err)
	ctx := context.Background()

	weights, err := reader.Weights(ctx, "classifier")
	require.NoError(t, err)
	assert.NotNil(t, weights)
	assert.Empty(t, weights)

	w, err := reader.WeightFor(ctx, "classifier", "judge-a")
	require.NoError(t, err)
	assert.Equal(t, 0.5, w)
}

func TestReaderServesCachedSetUntilInvalidated(t *testing.T) {
	repo := settings.NewRepository(settings.NewMemoryStore())
	reader, err := NewReader(repo, 16)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, repo.SaveJudgeWeights(ctx, &core.JudgeWeightSet{
		Agent:   "classifier",
		Weights: map[string]float64{"judge-a": 0.8},
	}))

	w, err := reader.WeightFor(ctx, "classifier", "judge-a")
	require.NoError(t, err)
	assert.Equal(t, 0.8, w)

	// A recompute behind the cache is invisible until invalidation.
	require.NoError(t, repo.SaveJudgeWeights(ctx, &core.JudgeWeightSet{
		Agent:   "classifier",
		Weights: map[string]float64{"judge-a": 0.3},
	}))

	w, err = reader.WeightFor(ctx, "classifier", "judge-a")
	require.NoError(t, err)
	assert.Equal(t, 0.8, w)

	reader.Invalidate("classifier")
	w, err = reader.WeightFor(ctx, "classifier", "judge-a")
	require.NoError(t, err)
	assert.Equal(t, 0.3, w)
}
