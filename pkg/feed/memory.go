package feed

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mailward/tuner/core"
)

// MemoryFeed implements the evaluation, labeled-example and execution feeds
// in memory. Used in tests and single-process deployments.
type MemoryFeed struct {
	evaluations []core.EvaluationResult
	examples    []core.LabeledExample
	records     []core.ExecutionRecord
	mu          sync.RWMutex
}

// NewMemoryFeed creates an empty in-memory feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{}
}

// AppendResult appends an evaluation result.
func (m *MemoryFeed) AppendResult(ctx context.Context, res core.EvaluationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now()
	}
	m.evaluations = append(m.evaluations, res)
	return nil
}

// ListResults returns evaluation results matching the query, oldest first.
func (m *MemoryFeed) ListResults(ctx context.Context, q core.EvaluationQuery) ([]core.EvaluationResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []core.EvaluationResult
	for _, res := range m.evaluations {
		if q.Agent != "" && res.Agent != q.Agent {
			continue
		}
		if !q.From.IsZero() && res.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && res.CreatedAt.After(q.To) {
			continue
		}
		if q.WithJudgeScores && len(res.JudgeScores) == 0 {
			continue
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// AppendExample appends a labeled example.
func (m *MemoryFeed) AppendExample(ctx context.Context, ex core.LabeledExample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now()
	}
	m.examples = append(m.examples, ex)
	return nil
}

// ListExamples returns labeled examples matching the query, oldest first.
func (m *MemoryFeed) ListExamples(ctx context.Context, q core.ExampleQuery) ([]core.LabeledExample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []core.LabeledExample
	for _, ex := range m.examples {
		if q.Agent != "" && ex.Agent != q.Agent {
			continue
		}
		if !q.From.IsZero() && ex.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && ex.CreatedAt.After(q.To) {
			continue
		}
		if len(q.Sources) > 0 && !sourceMatches(ex.Source, q.Sources) {
			continue
		}
		out = append(out, ex)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// AppendRecord appends an execution record.
func (m *MemoryFeed) AppendRecord(ctx context.Context, rec core.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	m.records = append(m.records, rec)
	return nil
}

// RecentRecords returns the most recent execution records for an agent,
// oldest first within the window.
func (m *MemoryFeed) RecentRecords(ctx context.Context, agent string, limit int) ([]core.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []core.ExecutionRecord
	for _, rec := range m.records {
		if agent != "" && rec.Agent != agent {
			continue
		}
		matched = append(matched, rec)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

// sourceMatches checks whether a source is in the allowed list.
func sourceMatches(source core.LabelSource, allowed []core.LabelSource) bool {
	for _, s := range allowed {
		if s == source {
			return true
		}
	}
	return false
}
