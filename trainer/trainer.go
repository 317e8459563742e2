package trainer

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/mailward/tuner/core"
	"github.com/mailward/tuner/pkg/logging"
	"github.com/mailward/tuner/pkg/metrics"
	"github.com/mailward/tuner/pkg/settings"
	"github.com/mailward/tuner/pkg/tracing"
)

// Trainer fits scoring models from labeled examples and emits versioned
// bundles. It fails closed when the corpus is too small.
type Trainer struct {
	examples   core.ExampleFeed
	extractors *ExtractorRegistry
	fitter     core.ModelFitter
	repo       *settings.Repository
	logger     *logging.Logger
	prom       *metrics.PrometheusMetrics
	tracer     *tracing.Tracer
	clock      core.Clock
}

// NewTrainer creates a heuristic trainer.
func NewTrainer(examples core.ExampleFeed, extractors *ExtractorRegistry, fitter core.ModelFitter, repo *settings.Repository, logger *logging.Logger, prom *metrics.PrometheusMetrics) *Trainer {
	return &Trainer{
		examples:   examples,
		extractors: extractors,
		fitter:     fitter,
		repo:       repo,
		logger:     logger,
		prom:       prom,
		clock:      core.SystemClock{},
	}
}

// WithClock replaces the clock, for deterministic tests.
func (t *Trainer) WithClock(clock core.Clock) *Trainer {
	t.clock = clock
	return t
}

// WithTracer attaches a tracer. Without one, training runs emit no spans.
func (t *Trainer) WithTracer(tracer *tracing.Tracer) *Trainer {
	t.tracer = tracer
	return t
}

// TrainForAgent fits a new pending bundle from the agent's labeled corpus.
// Returns ErrInsufficientExamples when the corpus is below minExamples.
func (t *Trainer) TrainForAgent(ctx context.Context, agent string, minExamples int, modelType string) (*core.Bundle, error) {
	if t.tracer != nil {
		var span trace.Span
		ctx, span = t.tracer.StartTrainingSpan(ctx, agent, modelType)
		defer span.End()
	}
	examples, err := t.examples.ListExamples(ctx, core.ExampleQuery{Agent: agent})
	if err != nil {
		t.prom.RecordTrainingRun(agent, "error")
		return nil, fmt.Errorf("failed to list labeled examples for %s: %w", agent, err)
	}
	if len(examples) < minExamples {
		t.prom.RecordTrainingRun(agent, "insufficient")
		return nil, fmt.Errorf("%w: %s has %d, need %d", core.ErrInsufficientExamples, agent, len(examples), minExamples)
	}

	extractor, err := t.extractors.Lookup(agent)
	if err != nil {
		t.prom.RecordTrainingRun(agent, "error")
		return nil, err
	}

	features := make([][]float64, 0, len(examples))
	labels := make([]string, 0, len(examples))
	for _, ex := range examples {
		vec, err := extractor.Extract(ex.Payload)
		if err != nil {
			t.prom.RecordTrainingRun(agent, "error")
			return nil, fmt.Errorf("feature extraction failed for %s/%s: %w", agent, ex.Key, err)
		}
		features = append(features, vec)
		labels = append(labels, ex.Label)
	}

	fit, err := t.fitter.Fit(ctx, features, labels, modelType)
	if err != nil {
		t.prom.RecordTrainingRun(agent, "error")
		return nil, fmt.Errorf("model fit failed for %s: %w", agent, err)
	}

	names := extractor.FeatureNames()
	bundle := &core.Bundle{
		Agent:    agent,
		BundleID: uuid.NewString(),
		Status:   core.BundlePending,
		Config: core.BundleConfig{
			SchemaVersion: 1,
			Config:        bundleConfig(modelType, names, fit),
		},
		Diagnostics: core.BundleDiagnostics{
			ModelType:          modelType,
			Accuracy:           fit.Accuracy,
			SampleCount:        len(examples),
			FeatureImportances: featureImportances(names, fit.Weights),
		},
		CreatedAt: t.clock.Now(),
	}

	if err := t.repo.SaveDraft(ctx, bundle); err != nil {
		t.prom.RecordTrainingRun(agent, "error")
		return nil, fmt.Errorf("failed to save bundle: %w", err)
	}

	t.prom.RecordTrainingRun(agent, "ok")
	t.prom.RecordTrainingAccuracy(agent, modelType, fit.Accuracy)
	t.logger.Info("trained bundle",
		"agent", agent,
		"bundle_id", bundle.BundleID,
		"model_type", modelType,
		"accuracy", fit.Accuracy,
		"samples", len(examples))
	return bundle, nil
}

// bundleConfig builds the opaque config map shipped to agents. Feature
// weights are keyed by name so the diff stays readable.
func bundleConfig(modelType string, names []string, fit core.FitResult) map[string]any {
	weights := make(map[string]any, len(fit.Weights))
	for i, w := range fit.Weights {
		weights[featureName(names, i)] = w
	}
	return map[string]any{
		"model_type":     modelType,
		"positive_label": fit.PositiveLabel,
		"bias":           fit.Bias,
		"weights":        weights,
	}
}

// featureImportances normalizes absolute weights to sum to 1.
func featureImportances(names []string, weights []float64) map[string]float64 {
	total := 0.0
	for _, w := range weights {
		total += math.Abs(w)
	}
	if total == 0 {
		return nil
	}
	out := make(map[string]float64, len(weights))
	for i, w := range weights {
		out[featureName(names, i)] = math.Abs(w) / total
	}
	return out
}

func featureName(names []string, i int) string {
	if i < len(names) {
		return names[i]
	}
	return fmt.Sprintf("f%d", i)
}

// GenerateDiff compares two bundles of one agent. With no prior bundle the
// diff is type "initial" and lists every config key as an addition. The diff
// is shown verbatim to approvers, so it is complete and deterministic:
// nested keys are flattened to dotted paths and reported in sorted order.
func (t *Trainer) GenerateDiff(agent string, old, new *core.Bundle) *core.BundleDiff {
	newFlat := flatten("", new.Config.Config)

	if old == nil {
		diff := &core.BundleDiff{
			Agent:         agent,
			Type:          core.DiffInitial,
			AccuracyDelta: new.Diagnostics.Accuracy,
		}
		for _, key := range sortedKeys(newFlat) {
			diff.Additions = append(diff.Additions, core.KeyAddition{Key: key, Value: newFlat[key]})
		}
		return diff
	}

	oldFlat := flatten("", old.Config.Config)
	diff := &core.BundleDiff{
		Agent:         agent,
		Type:          core.DiffChange,
		AccuracyDelta: new.Diagnostics.Accuracy - old.Diagnostics.Accuracy,
	}

	for _, key := range sortedKeys(newFlat) {
		newVal := newFlat[key]
		oldVal, existed := oldFlat[key]
		if !existed {
			diff.Additions = append(diff.Additions, core.KeyAddition{Key: key, Value: newVal})
			continue
		}
		if scalarEqual(oldVal, newVal) {
			continue
		}
		change := core.KeyChange{Key: key, Old: oldVal, New: newVal}
		if of, ok := asFloat(oldVal); ok {
			if nf, ok := asFloat(newVal); ok {
				change.Delta = nf - of
			}
		}
		diff.Modifications = append(diff.Modifications, change)
	}

	for _, key := range sortedKeys(oldFlat) {
		if _, stillThere := newFlat[key]; !stillThere {
			diff.Removals = append(diff.Removals, key)
		}
	}
	return diff
}

// flatten reduces nested config maps to dotted scalar paths.
func flatten(prefix string, config map[string]any) map[string]any {
	out := make(map[string]any)
	for key, value := range config {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			for k, v := range flatten(path, nested) {
				out[k] = v
			}
			continue
		}
		out[path] = value
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// scalarEqual compares config scalars, treating numerically equal values as
// equal across int/float encodings (JSON round-trips turn ints into floats).
func scalarEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}
