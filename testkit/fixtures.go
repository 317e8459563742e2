package testkit

import (
	"fmt"
	"time"

	"github.com/mailward/tuner/core"
)

// FixedClock returns the same instant forever.
type FixedClock struct {
	Instant time.Time
}

// Now returns the fixed instant.
func (c FixedClock) Now() time.Time { return c.Instant }

// BalancedExamples generates n labeled examples split evenly between the two
// labels, with payloads the MessageExtractor understands. Even indexes get
// labelA, odd get labelB.
func BalancedExamples(agent string, n int, labelA, labelB string, at time.Time) []core.LabeledExample {
	examples := make([]core.LabeledExample, 0, n)
	for i := 0; i < n; i++ {
		label := labelA
		subject := "meeting notes"
		body := "see you tomorrow"
		if i%2 == 1 {
			label = labelB
			subject = "WIN A PRIZE NOW"
			body = "click http://a.example http://b.example http://c.example"
		}
		examples = append(examples, core.LabeledExample{
			Agent:  agent,
			Key:    fmt.Sprintf("task-%d", i),
			Label:  label,
			Source: core.SourceGoldSet,
			Payload: map[string]any{
				"subject":      subject,
				"body":         body,
				"sender_known": i%2 == 0,
			},
			CreatedAt: at.Add(time.Duration(i) * time.Minute),
		})
	}
	return examples
}

// Evaluation builds one evaluation result with the given judge scores.
func Evaluation(agent, taskKey string, at time.Time, scores map[string]core.JudgeScore) core.EvaluationResult {
	return core.EvaluationResult{
		Agent:       agent,
		TaskKey:     taskKey,
		JudgeScores: scores,
		TaskInput:   map[string]any{"subject": "hello", "body": "world"},
		CreatedAt:   at,
	}
}

// AgreeingEvaluations generates n evaluations where every judge answers the
// given verdict with the given confidence, one per task key.
func AgreeingEvaluations(agent string, n int, judges []string, verdict string, confidence float64, at time.Time) []core.EvaluationResult {
	results := make([]core.EvaluationResult, 0, n)
	for i := 0; i < n; i++ {
		scores := make(map[string]core.JudgeScore, len(judges))
		for _, judge := range judges {
			scores[judge] = core.JudgeScore{Verdict: verdict, Confidence: confidence}
		}
		results = append(results, Evaluation(agent, fmt.Sprintf("task-%d", i), at.Add(time.Duration(i)*time.Minute), scores))
	}
	return results
}

// Labels generates trusted gold-set labels for task keys task-0..task-(n-1).
func Labels(agent string, n int, label string, at time.Time) []core.LabeledExample {
	examples := make([]core.LabeledExample, 0, n)
	for i := 0; i < n; i++ {
		examples = append(examples, core.LabeledExample{
			Agent:     agent,
			Key:       fmt.Sprintf("task-%d", i),
			Label:     label,
			Source:    core.SourceGoldSet,
			Payload:   map[string]any{"subject": "s", "body": "b"},
			CreatedAt: at.Add(time.Duration(i) * time.Minute),
		})
	}
	return examples
}

// Executions generates n execution records for one variant with constant
// quality, latency and cost.
func Executions(agent, variant string, n int, quality, latencyMS, costCents float64, at time.Time) []core.ExecutionRecord {
	records := make([]core.ExecutionRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, core.ExecutionRecord{
			Agent:     agent,
			Variant:   variant,
			Quality:   quality,
			LatencyMS: latencyMS,
			CostCents: costCents,
			Timestamp: at.Add(time.Duration(i) * time.Second),
		})
	}
	return records
}

// Bundle builds a bundle in the given status with a flat config map.
func Bundle(agent, id string, status core.BundleStatus, accuracy float64, config map[string]any) *core.Bundle {
	return &core.Bundle{
		Agent:    agent,
		BundleID: id,
		Status:   status,
		Config: core.BundleConfig{
			SchemaVersion: 1,
			Config:        config,
		},
		Diagnostics: core.BundleDiagnostics{
			ModelType:   "logistic",
			Accuracy:    accuracy,
			SampleCount: 60,
		},
		CreatedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
}
