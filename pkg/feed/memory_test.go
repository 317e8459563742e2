package feed

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mailward/tuner/core"
)

var testTime = time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

func TestMemoryFeedListExamplesFiltersBySource(t *testing.T) {
	feed := NewMemoryFeed()
	ctx := context.Background()

	sources := []core.LabelSource{core.SourceApproval, core.SourceGoldSet, core.SourceOther}
	for i, source := range sources {
		err := feed.AppendExample(ctx, core.LabeledExample{
			Agent:     "classifier",
			Key:       fmt.Sprintf("task-%d", i),
			Label:     "spam",
			Source:    source,
			CreatedAt: testTime.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	trusted, err := feed.ListExamples(ctx, core.ExampleQuery{
		Agent:   "classifier",
		Sources: core.TrustedSources,
	})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(trusted) != 2 {
		t.Fatalf("expected 2 trusted examples, got %d", len(trusted))
	}
	for _, ex := range trusted {
		if ex.Source == core.SourceOther {
			t.Errorf("untrusted source %s leaked through the filter", ex.Source)
		}
	}

	all, err := feed.ListExamples(ctx, core.ExampleQuery{Agent: "classifier"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 examples without source filter, got %d", len(all))
	}
}

func TestMemoryFeedListResultsTimeWindow(t *testing.T) {
	feed := NewMemoryFeed()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := feed.AppendResult(ctx, core.EvaluationResult{
			Agent:       "classifier",
			TaskKey:     fmt.Sprintf("task-%d", i),
			JudgeScores: map[string]core.JudgeScore{"judge-a": {Verdict: "spam", Confidence: 90}},
			CreatedAt:   testTime.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	results, err := feed.ListResults(ctx, core.EvaluationQuery{
		Agent: "classifier",
		From:  testTime.Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results in window, got %d", len(results))
	}
	// Oldest first.
	if results[0].TaskKey != "task-2" || results[2].TaskKey != "task-4" {
		t.Errorf("unexpected order: %s .. %s", results[0].TaskKey, results[2].TaskKey)
	}
}

func TestMemoryFeedListResultsRequiresJudgeScores(t *testing.T) {
	feed := NewMemoryFeed()
	ctx := context.Background()

	if err := feed.AppendResult(ctx, core.EvaluationResult{
		Agent: "classifier", TaskKey: "task-bare", CreatedAt: testTime,
	}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := feed.AppendResult(ctx, core.EvaluationResult{
		Agent:       "classifier",
		TaskKey:     "task-scored",
		JudgeScores: map[string]core.JudgeScore{"judge-a": {Verdict: "spam", Confidence: 90}},
		CreatedAt:   testTime,
	}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	results, err := feed.ListResults(ctx, core.EvaluationQuery{Agent: "classifier", WithJudgeScores: true})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(results) != 1 || results[0].TaskKey != "task-scored" {
		t.Errorf("expected only the scored result, got %+v", results)
	}
}

func TestMemoryFeedRecentRecordsWindow(t *testing.T) {
	feed := NewMemoryFeed()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		err := feed.AppendRecord(ctx, core.ExecutionRecord{
			Agent:     "classifier",
			Variant:   core.VariantBaseline,
			Quality:   float64(i),
			Timestamp: testTime.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	if err := feed.AppendRecord(ctx, core.ExecutionRecord{
		Agent: "triage", Variant: core.VariantBaseline, Quality: 99, Timestamp: testTime,
	}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	records, err := feed.RecentRecords(ctx, "classifier", 3)
	if err != nil {
		t.Fatalf("recent records failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	// The last three, oldest first.
	if records[0].Quality != 7 || records[2].Quality != 9 {
		t.Errorf("unexpected window contents: %v .. %v", records[0].Quality, records[2].Quality)
	}
	for _, rec := range records {
		if rec.Agent != "classifier" {
			t.Errorf("foreign agent record leaked into window: %s", rec.Agent)
		}
	}
}
