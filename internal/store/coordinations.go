// ABOUTME: Fan-out batch model (CoordinatedTask) and its SQLite persistence
// ABOUTME: Task specs, results and run IDs are stored as JSON columns

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CoordinationStatus is the overall state of a fan-out batch.
type CoordinationStatus string

const (
	CoordinationPending   CoordinationStatus = "pending"
	CoordinationRunning   CoordinationStatus = "running"
	CoordinationCompleted CoordinationStatus = "completed"
	CoordinationPartial   CoordinationStatus = "partial"
	CoordinationError     CoordinationStatus = "error"
)

// ResultStatus classifies one sub-task outcome after fan-in.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultError     ResultStatus = "error"
	ResultStopped   ResultStatus = "stopped"
	ResultTimeout   ResultStatus = "timeout"
)

// TaskSpec describes one sub-task of a fan-out batch.
type TaskSpec struct {
	AgentID string `json:"agent_id"`
	Task    string `json:"task"`
	Label   string `json:"label,omitempty"`
	Model   string `json:"model,omitempty"`
}

// FanOutResult is the per-sub-task outcome of a batch.
type FanOutResult struct {
	AgentID      string       `json:"agent_id"`
	RunID        string       `json:"run_id"`
	Label        string       `json:"label,omitempty"`
	Status       ResultStatus `json:"status"`
	Result       string       `json:"result,omitempty"`
	Error        string       `json:"error,omitempty"`
	DurationMs   int64        `json:"duration_ms,omitempty"`
	InputTokens  int64        `json:"input_tokens,omitempty"`
	OutputTokens int64        `json:"output_tokens,omitempty"`
}

// CoordinatedTask is one fan-out batch.
type CoordinatedTask struct {
	CoordinationID   string             `json:"coordination_id"`
	ParentSessionID  string             `json:"parent_session_id"`
	SourceAgentID    string             `json:"source_agent_id"`
	Tasks            []TaskSpec         `json:"tasks"`
	Status           CoordinationStatus `json:"status"`
	Results          []FanOutResult     `json:"results"`
	RunIDs           []string           `json:"run_ids"`
	CreatedAt        time.Time          `json:"created_at"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
	TimeoutMs        int64              `json:"timeout_ms"`
	AggregatedResult string             `json:"aggregated_result,omitempty"`
}

// Clone returns a deep copy of the batch.
func (c *CoordinatedTask) Clone() *CoordinatedTask {
	if c == nil {
		return nil
	}
	out := *c
	out.Tasks = append([]TaskSpec(nil), c.Tasks...)
	out.Results = append([]FanOutResult(nil), c.Results...)
	out.RunIDs = append([]string(nil), c.RunIDs...)
	if c.CompletedAt != nil {
		t := *c.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

const coordinationColumns = `coordination_id, parent_session_id, source_agent_id, status,
	tasks_json, results_json, run_ids_json, created_at, completed_at, timeout_ms, aggregated_result`

// SaveCoordination inserts or replaces a batch.
func (s *SQLiteStore) SaveCoordination(ctx context.Context, task *CoordinatedTask) error {
	tasksJSON, err := json.Marshal(task.Tasks)
	if err != nil {
		return fmt.Errorf("encoding tasks: %w", err)
	}
	resultsJSON, err := json.Marshal(task.Results)
	if err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}
	runIDsJSON, err := json.Marshal(task.RunIDs)
	if err != nil {
		return fmt.Errorf("encoding run ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO coordinations (`+coordinationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(coordination_id) DO UPDATE SET
			status = excluded.status,
			results_json = excluded.results_json,
			completed_at = excluded.completed_at,
			aggregated_result = excluded.aggregated_result
	`,
		task.CoordinationID,
		task.ParentSessionID,
		task.SourceAgentID,
		string(task.Status),
		string(tasksJSON),
		string(resultsJSON),
		string(runIDsJSON),
		formatTime(task.CreatedAt),
		nullableTime(task.CompletedAt),
		task.TimeoutMs,
		nullableString(task.AggregatedResult),
	)
	if err != nil {
		return fmt.Errorf("saving coordination: %w", err)
	}
	return nil
}

// GetCoordination retrieves a batch by ID.
func (s *SQLiteStore) GetCoordination(ctx context.Context, coordinationID string) (*CoordinatedTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+coordinationColumns+` FROM coordinations WHERE coordination_id = ?`, coordinationID)
	task, err := scanCoordination(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting coordination: %w", err)
	}
	return task, nil
}

// ListCoordinations returns batches newest first.
func (s *SQLiteStore) ListCoordinations(ctx context.Context, limit int) ([]*CoordinatedTask, error) {
	query := `SELECT ` + coordinationColumns + ` FROM coordinations ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	return s.queryCoordinations(ctx, query, args...)
}

// ListOpenCoordinations returns batches that were never finalized, newest first.
func (s *SQLiteStore) ListOpenCoordinations(ctx context.Context) ([]*CoordinatedTask, error) {
	return s.queryCoordinations(ctx,
		`SELECT `+coordinationColumns+` FROM coordinations WHERE completed_at IS NULL ORDER BY created_at DESC`)
}

func (s *SQLiteStore) queryCoordinations(ctx context.Context, query string, args ...any) ([]*CoordinatedTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing coordinations: %w", err)
	}
	defer rows.Close()

	var tasks []*CoordinatedTask
	for rows.Next() {
		task, err := scanCoordination(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning coordination: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating coordinations: %w", err)
	}
	return tasks, nil
}

func scanCoordination(row rowScanner) (*CoordinatedTask, error) {
	var (
		task                             CoordinatedTask
		status, tasksJS, resultsJS, runs string
		createdAt                        string
		completedAt, aggregated          sql.NullString
	)
	if err := row.Scan(
		&task.CoordinationID,
		&task.ParentSessionID,
		&task.SourceAgentID,
		&status,
		&tasksJS,
		&resultsJS,
		&runs,
		&createdAt,
		&completedAt,
		&task.TimeoutMs,
		&aggregated,
	); err != nil {
		return nil, err
	}

	task.Status = CoordinationStatus(status)
	if err := json.Unmarshal([]byte(tasksJS), &task.Tasks); err != nil {
		return nil, fmt.Errorf("decoding tasks: %w", err)
	}
	if err := json.Unmarshal([]byte(resultsJS), &task.Results); err != nil {
		return nil, fmt.Errorf("decoding results: %w", err)
	}
	if err := json.Unmarshal([]byte(runs), &task.RunIDs); err != nil {
		return nil, fmt.Errorf("decoding run ids: %w", err)
	}
	created, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	task.CreatedAt = created
	task.CompletedAt = parseNullableTime(completedAt)
	task.AggregatedResult = aggregated.String

	return &task, nil
}
