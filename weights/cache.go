package weights

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/mailward/tuner/core"
	"github.com/mailward/tuner/pkg/settings"
)

// Reader serves the current weight set for an agent with an LRU cache in
// front of the settings store. Concurrent reads for the same agent are
// collapsed with singleflight.
type Reader struct {
	repo  *settings.Repository
	cache *lru.Cache[string, *core.JudgeWeightSet]
	group singleflight.Group
}

// NewReader creates a cached weight reader.
func NewReader(repo *settings.Repository, cacheSize int) (*Reader, error) {
	cache, err := lru.New[string, *core.JudgeWeightSet](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight cache: %w", err)
	}
	return &Reader{repo: repo, cache: cache}, nil
}

// Weights returns the current weight set for an agent. Agents without a
// persisted set get the default weight for every judge they are asked about,
// so the returned map may be empty but is never nil.
func (r *Reader) Weights(ctx context.Context, agent string) (map[string]float64, error) {
	if set, ok := r.cache.Get(agent); ok {
		return set.Weights, nil
	}

	v, err, _ := r.group.Do(agent, func() (interface{}, error) {
		set, ok, err := r.repo.LoadJudgeWeights(ctx, agent)
		if err != nil {
			return nil, err
		}
		if !ok {
			set = &core.JudgeWeightSet{Agent: agent, Weights: map[string]float64{}}
		}
		r.cache.Add(agent, set)
		return set, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load weights for %s: %w", agent, err)
	}
	return v.(*core.JudgeWeightSet).Weights, nil
}

// WeightFor returns one judge's weight, falling back to the 0.5 default.
func (r *Reader) WeightFor(ctx context.Context, agent, judge string) (float64, error) {
	weights, err := r.Weights(ctx, agent)
	if err != nil {
		return 0, err
	}
	if w, ok := weights[judge]; ok {
		return w, nil
	}
	return defaultWeight, nil
}

// Invalidate drops the cached set for an agent, forcing a reload.
func (r *Reader) Invalidate(agent string) {
	r.cache.Remove(agent)
}
