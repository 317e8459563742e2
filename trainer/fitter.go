package trainer

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/mailward/tuner/core"
)

// Model types understood by the built-in fitter.
const (
	ModelCentroid = "centroid"
	ModelLogistic = "logistic"
)

// BuiltinFitter implements core.ModelFitter with two simple reference
// algorithms. The fitting algorithm is deliberately replaceable; agents only
// consume the emitted weight vector.
type BuiltinFitter struct {
	// Epochs and LearningRate drive the logistic fit.
	Epochs       int
	LearningRate float64
}

// NewBuiltinFitter creates a fitter with sane training defaults.
func NewBuiltinFitter() *BuiltinFitter {
	return &BuiltinFitter{
		Epochs:       200,
		LearningRate: 0.05,
	}
}

// Fit fits the requested model type to the labeled vectors. Labels are
// binarized against the lexicographically last label, which becomes the
// positive class; fitting is deterministic for a fixed input order.
func (f *BuiltinFitter) Fit(ctx context.Context, features [][]float64, labels []string, modelType string) (core.FitResult, error) {
	if len(features) == 0 || len(features) != len(labels) {
		return core.FitResult{}, fmt.Errorf("mismatched training input: %d vectors, %d labels", len(features), len(labels))
	}

	positive := positiveLabel(labels)
	y := make([]float64, len(labels))
	for i, label := range labels {
		if label == positive {
			y[i] = 1
		}
	}

	switch modelType {
	case ModelCentroid:
		return f.fitCentroid(features, y, positive)
	case ModelLogistic:
		return f.fitLogistic(ctx, features, y, positive)
	default:
		return core.FitResult{}, fmt.Errorf("%w: %s", core.ErrUnknownModelType, modelType)
	}
}

// positiveLabel picks the positive class deterministically.
func positiveLabel(labels []string) string {
	distinct := make(map[string]bool)
	for _, l := range labels {
		distinct[l] = true
	}
	sorted := make([]string, 0, len(distinct))
	for l := range distinct {
		sorted = append(sorted, l)
	}
	sort.Strings(sorted)
	return sorted[len(sorted)-1]
}

// fitCentroid scores by the difference of per-class mean vectors. The bias
// places the decision boundary halfway between the centroids.
func (f *BuiltinFitter) fitCentroid(features [][]float64, y []float64, positive string) (core.FitResult, error) {
	dim := len(features[0])
	posMean := make([]float64, dim)
	negMean := make([]float64, dim)
	var posCount, negCount float64

	for i, vec := range features {
		if len(vec) != dim {
			return core.FitResult{}, fmt.Errorf("inconsistent feature vector length at sample %d", i)
		}
		if y[i] == 1 {
			posCount++
			for j, v := range vec {
				posMean[j] += v
			}
		} else {
			negCount++
			for j, v := range vec {
				negMean[j] += v
			}
		}
	}
	for j := 0; j < dim; j++ {
		if posCount > 0 {
			posMean[j] /= posCount
		}
		if negCount > 0 {
			negMean[j] /= negCount
		}
	}

	weights := make([]float64, dim)
	bias := 0.0
	for j := 0; j < dim; j++ {
		weights[j] = posMean[j] - negMean[j]
		bias -= weights[j] * (posMean[j] + negMean[j]) / 2.0
	}

	accuracy := trainingAccuracy(features, y, weights, bias)
	return core.FitResult{
		Weights:       weights,
		Bias:          bias,
		PositiveLabel: positive,
		Accuracy:      accuracy,
		Diagnostics: map[string]any{
			"positive_samples": posCount,
			"negative_samples": negCount,
		},
	}, nil
}

// fitLogistic runs plain batch gradient descent on the logistic loss.
func (f *BuiltinFitter) fitLogistic(ctx context.Context, features [][]float64, y []float64, positive string) (core.FitResult, error) {
	dim := len(features[0])
	weights := make([]float64, dim)
	bias := 0.0
	n := float64(len(features))

	for epoch := 0; epoch < f.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return core.FitResult{}, err
		}
		gradW := make([]float64, dim)
		gradB := 0.0
		for i, vec := range features {
			if len(vec) != dim {
				return core.FitResult{}, fmt.Errorf("inconsistent feature vector length at sample %d", i)
			}
			p := sigmoid(dot(weights, vec) + bias)
			diff := p - y[i]
			for j, v := range vec {
				gradW[j] += diff * v
			}
			gradB += diff
		}
		for j := 0; j < dim; j++ {
			weights[j] -= f.LearningRate * gradW[j] / n
		}
		bias -= f.LearningRate * gradB / n
	}

	accuracy := trainingAccuracy(features, y, weights, bias)
	return core.FitResult{
		Weights:       weights,
		Bias:          bias,
		PositiveLabel: positive,
		Accuracy:      accuracy,
		Diagnostics: map[string]any{
			"epochs":        f.Epochs,
			"learning_rate": f.LearningRate,
		},
	}, nil
}

// trainingAccuracy is the fraction of training samples the linear scorer
// classifies correctly at the 0 decision boundary.
func trainingAccuracy(features [][]float64, y []float64, weights []float64, bias float64) float64 {
	correct := 0
	for i, vec := range features {
		score := dot(weights, vec) + bias
		predicted := 0.0
		if score > 0 {
			predicted = 1
		}
		if predicted == y[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(features))
}

func dot(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}
