package core

import (
	"context"
	"time"
)

// SettingsStore is the narrow key-value contract this subsystem persists
// through. Last-write-wins per key; Update is an atomic per-key
// read-modify-write. Values are JSON bytes.
type SettingsStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Update(ctx context.Context, key string, fn func(old []byte, exists bool) ([]byte, error)) error
}

// EvaluationQuery filters the evaluation-result feed.
type EvaluationQuery struct {
	Agent           string
	From            time.Time
	To              time.Time
	WithJudgeScores bool // only results that carry judge scores
}

// EvaluationFeed is the append-only feed of ensemble evaluations.
type EvaluationFeed interface {
	AppendResult(ctx context.Context, res EvaluationResult) error
	ListResults(ctx context.Context, q EvaluationQuery) ([]EvaluationResult, error)
}

// ExampleQuery filters the labeled-example feed.
type ExampleQuery struct {
	Agent   string
	From    time.Time
	To      time.Time
	Sources []LabelSource // empty means any
}

// ExampleFeed is the append-only feed of human-labeled examples.
type ExampleFeed interface {
	AppendExample(ctx context.Context, ex LabeledExample) error
	ListExamples(ctx context.Context, q ExampleQuery) ([]LabeledExample, error)
}

// ExecutionLog is the append-only feed of agent executions with their
// routing decision, read back newest-first for windowed comparison.
type ExecutionLog interface {
	AppendRecord(ctx context.Context, rec ExecutionRecord) error
	RecentRecords(ctx context.Context, agent string, limit int) ([]ExecutionRecord, error)
}

// FeatureExtractor maps a raw event payload to a fixed-length numeric vector.
// Implementations are per-agent and must be deterministic.
type FeatureExtractor interface {
	FeatureNames() []string
	Extract(payload map[string]any) ([]float64, error)
}

// FitResult is what a model fit returns: per-feature weights plus a bias,
// training accuracy, and free-form diagnostics.
type FitResult struct {
	Weights       []float64
	Bias          float64
	PositiveLabel string
	Accuracy      float64
	Diagnostics   map[string]any
}

// ModelFitter fits a scoring model. The fitting algorithm is a replaceable
// black box behind this port.
type ModelFitter interface {
	Fit(ctx context.Context, features [][]float64, labels []string, modelType string) (FitResult, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns the current wall time.
func (SystemClock) Now() time.Time { return time.Now() }
