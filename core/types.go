package core

import (
	"time"
)

// LabelSource identifies where a labeled example came from.
type LabelSource string

const (
	SourceApproval LabelSource = "approval"
	SourceGoldSet  LabelSource = "gold_set"
	SourceOther    LabelSource = "other"
)

// TrustedSources are the label sources judges are scored against.
var TrustedSources = []LabelSource{SourceApproval, SourceGoldSet}

// LabeledExample is an immutable, append-only human-labeled sample for one agent.
type LabeledExample struct {
	Agent     string         `json:"agent"`
	Key       string         `json:"key"`
	Label     string         `json:"label"`
	Source    LabelSource    `json:"source"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// JudgeScore is one judge's opinion on one task.
type JudgeScore struct {
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"` // 0..100
}

// EvaluationResult is an ensemble evaluation produced by the judge fleet.
// It is read-only inside this subsystem.
type EvaluationResult struct {
	Agent       string                `json:"agent"`
	TaskKey     string                `json:"task_key"`
	JudgeScores map[string]JudgeScore `json:"judge_scores"`
	TaskInput   map[string]any        `json:"task_input"`
	CreatedAt   time.Time             `json:"created_at"`
}

// JudgeWeightSet is the current per-judge trust weights for one agent.
// There is exactly one current set per agent; recomputes overwrite it.
type JudgeWeightSet struct {
	Agent      string             `json:"agent"`
	Weights    map[string]float64 `json:"weights"` // judge -> weight in [0.1, 1.0]
	ComputedAt time.Time          `json:"computed_at"`
}

// BundleConfig is the tagged envelope carried by a bundle. The config map is
// opaque to this subsystem beyond being JSON-serializable; diffing works
// generically over its scalar values.
type BundleConfig struct {
	SchemaVersion int            `json:"schema_version"`
	Config        map[string]any `json:"config"`
}

// BundleDiagnostics records how a bundle was produced.
type BundleDiagnostics struct {
	ModelType          string             `json:"model_type"`
	Accuracy           float64            `json:"accuracy"`
	SampleCount        int                `json:"sample_count"`
	FeatureImportances map[string]float64 `json:"feature_importances,omitempty"`
}

// Bundle is a versioned heuristic configuration for one classification agent.
type Bundle struct {
	Agent       string            `json:"agent"`
	BundleID    string            `json:"bundle_id"`
	Status      BundleStatus      `json:"status"`
	Config      BundleConfig      `json:"config"`
	Diagnostics BundleDiagnostics `json:"diagnostics"`
	CreatedAt   time.Time         `json:"created_at"`
}

// ApprovalContext is the payload shown to (and stamped by) human approvers.
type ApprovalContext struct {
	BundleID      string      `json:"bundle_id"`
	Bundle        *Bundle     `json:"bundle"`
	Diff          *BundleDiff `json:"diff"`
	AppliedAt     *time.Time  `json:"applied_at,omitempty"`
	CanaryPercent *float64    `json:"canary_percent,omitempty"`
}

// ApprovalRequest tracks the human approval of one proposed bundle.
type ApprovalRequest struct {
	ID          string          `json:"id"`
	Agent       string          `json:"agent"`
	Context     ApprovalContext `json:"context"`
	Status      ApprovalStatus  `json:"status"`
	RequestedBy string          `json:"requested_by"`
	ApprovedBy  string          `json:"approved_by,omitempty"`
	Rationale   string          `json:"rationale,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ApprovedAt  *time.Time      `json:"approved_at,omitempty"`
}

// CanaryState is the traffic split for one agent. Percent 0 means no canary.
type CanaryState struct {
	Agent         string  `json:"agent"`
	CanaryPercent float64 `json:"canary_percent"` // 0..100
}

// Variant labels for execution records: v1 is the active baseline, v2 the canary.
const (
	VariantBaseline = "v1"
	VariantCanary   = "v2"
)

// ExecutionRecord is one agent execution attributed to the variant that served it.
type ExecutionRecord struct {
	Agent     string    `json:"agent"`
	Variant   string    `json:"variant"` // v1 | v2
	Quality   float64   `json:"quality"` // 0..100
	LatencyMS float64   `json:"latency_ms"`
	CostCents float64   `json:"cost_cents"`
	Timestamp time.Time `json:"timestamp"`
}

// VariantStats summarizes recent executions for one variant.
type VariantStats struct {
	Samples      int     `json:"samples"`
	Quality      float64 `json:"quality"` // mean
	LatencyP95MS float64 `json:"latency_p95_ms"`
	CostCents    float64 `json:"cost_cents"` // mean
}

// WindowedMetrics is the on-demand window split by variant.
type WindowedMetrics struct {
	Baseline VariantStats `json:"baseline"`
	Canary   VariantStats `json:"canary"`
}

// RegressionAction is the detector's verdict.
type RegressionAction string

const (
	ActionNone     RegressionAction = "none"
	ActionRollback RegressionAction = "rollback"
)

// Breach names one threshold the canary violated against the baseline.
type Breach struct {
	Metric    string  `json:"metric"` // quality | latency_p95 | cost
	Baseline  float64 `json:"baseline"`
	Canary    float64 `json:"canary"`
	Threshold float64 `json:"threshold"`
}

// RegressionVerdict is the outcome of one canary-vs-baseline comparison.
type RegressionVerdict struct {
	Action   RegressionAction `json:"action"`
	Breaches []Breach         `json:"breaches,omitempty"`
	Reason   string           `json:"reason"`
}
