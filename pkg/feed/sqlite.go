package feed

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mailward/tuner/core"
)

// SQLiteFeed implements the evaluation, labeled-example and execution feeds
// on SQLite. Structured fields (judge scores, payloads) are stored as JSON.
type SQLiteFeed struct {
	db *sql.DB
}

// NewSQLiteFeed opens (or creates) a SQLite-backed feed.
func NewSQLiteFeed(dbPath string) (*SQLiteFeed, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	feed := &SQLiteFeed{db: db}
	if err := feed.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return feed, nil
}

// createTables creates the feed tables.
func (s *SQLiteFeed) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS evaluations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent TEXT NOT NULL,
		task_key TEXT NOT NULL,
		judge_scores TEXT,
		task_input TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS labeled_examples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent TEXT NOT NULL,
		key TEXT NOT NULL,
		label TEXT NOT NULL,
		source TEXT NOT NULL,
		payload TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS execution_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent TEXT NOT NULL,
		variant TEXT NOT NULL,
		quality REAL NOT NULL,
		latency_ms REAL NOT NULL,
		cost_cents REAL NOT NULL,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_evaluations_agent_time ON evaluations(agent, created_at);
	CREATE INDEX IF NOT EXISTS idx_examples_agent_time ON labeled_examples(agent, created_at);
	CREATE INDEX IF NOT EXISTS idx_records_agent_time ON execution_records(agent, timestamp);
	`
	_, err := s.db.Exec(query)
	return err
}

// AppendResult appends an evaluation result.
func (s *SQLiteFeed) AppendResult(ctx context.Context, res core.EvaluationResult) error {
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now()
	}
	scores, err := json.Marshal(res.JudgeScores)
	if err != nil {
		return fmt.Errorf("failed to marshal judge scores: %w", err)
	}
	input, err := json.Marshal(res.TaskInput)
	if err != nil {
		return fmt.Errorf("failed to marshal task input: %w", err)
	}

	query := `INSERT INTO evaluations (agent, task_key, judge_scores, task_input, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, res.Agent, res.TaskKey, string(scores), string(input), res.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert evaluation: %w", err)
	}
	return nil
}

// ListResults returns evaluation results matching the query, oldest first.
func (s *SQLiteFeed) ListResults(ctx context.Context, q core.EvaluationQuery) ([]core.EvaluationResult, error) {
	query := `SELECT agent, task_key, judge_scores, task_input, created_at FROM evaluations`
	var conditions []string
	var args []any

	if q.Agent != "" {
		conditions = append(conditions, "agent = ?")
		args = append(args, q.Agent)
	}
	if !q.From.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, q.From)
	}
	if !q.To.IsZero() {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, q.To)
	}
	if q.WithJudgeScores {
		conditions = append(conditions, "judge_scores IS NOT NULL AND judge_scores != 'null' AND judge_scores != '{}'")
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluations: %w", err)
	}
	defer rows.Close()

	var out []core.EvaluationResult
	for rows.Next() {
		var res core.EvaluationResult
		var scores, input sql.NullString
		if err := rows.Scan(&res.Agent, &res.TaskKey, &scores, &input, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		if scores.Valid && scores.String != "" {
			if err := json.Unmarshal([]byte(scores.String), &res.JudgeScores); err != nil {
				return nil, fmt.Errorf("failed to unmarshal judge scores: %w", err)
			}
		}
		if input.Valid && input.String != "" {
			if err := json.Unmarshal([]byte(input.String), &res.TaskInput); err != nil {
				return nil, fmt.Errorf("failed to unmarshal task input: %w", err)
			}
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// AppendExample appends a labeled example.
func (s *SQLiteFeed) AppendExample(ctx context.Context, ex core.LabeledExample) error {
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(ex.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `INSERT INTO labeled_examples (agent, key, label, source, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, ex.Agent, ex.Key, ex.Label, string(ex.Source), string(payload), ex.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert labeled example: %w", err)
	}
	return nil
}

// ListExamples returns labeled examples matching the query, oldest first.
func (s *SQLiteFeed) ListExamples(ctx context.Context, q core.ExampleQuery) ([]core.LabeledExample, error) {
	query := `SELECT agent, key, label, source, payload, created_at FROM labeled_examples`
	var conditions []string
	var args []any

	if q.Agent != "" {
		conditions = append(conditions, "agent = ?")
		args = append(args, q.Agent)
	}
	if !q.From.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, q.From)
	}
	if !q.To.IsZero() {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, q.To)
	}
	if len(q.Sources) > 0 {
		placeholders := make([]string, len(q.Sources))
		for i, src := range q.Sources {
			placeholders[i] = "?"
			args = append(args, string(src))
		}
		conditions = append(conditions, "source IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query labeled examples: %w", err)
	}
	defer rows.Close()

	var out []core.LabeledExample
	for rows.Next() {
		var ex core.LabeledExample
		var source string
		var payload sql.NullString
		if err := rows.Scan(&ex.Agent, &ex.Key, &ex.Label, &source, &payload, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan labeled example: %w", err)
		}
		ex.Source = core.LabelSource(source)
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &ex.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// AppendRecord appends an execution record.
func (s *SQLiteFeed) AppendRecord(ctx context.Context, rec core.ExecutionRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	query := `INSERT INTO execution_records (agent, variant, quality, latency_ms, cost_cents, timestamp) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, rec.Agent, rec.Variant, rec.Quality, rec.LatencyMS, rec.CostCents, rec.Timestamp); err != nil {
		return fmt.Errorf("failed to insert execution record: %w", err)
	}
	return nil
}

// RecentRecords returns the most recent execution records for an agent,
// oldest first within the window.
func (s *SQLiteFeed) RecentRecords(ctx context.Context, agent string, limit int) ([]core.ExecutionRecord, error) {
	query := `SELECT agent, variant, quality, latency_ms, cost_cents, timestamp FROM execution_records`
	var args []any
	if agent != "" {
		query += " WHERE agent = ?"
		args = append(args, agent)
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution records: %w", err)
	}
	defer rows.Close()

	var out []core.ExecutionRecord
	for rows.Next() {
		var rec core.ExecutionRecord
		if err := rows.Scan(&rec.Agent, &rec.Variant, &rec.Quality, &rec.LatencyMS, &rec.CostCents, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to oldest-first, matching the in-memory feed.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Close closes the underlying database.
func (s *SQLiteFeed) Close() error {
	return s.db.Close()
}
