// ABOUTME: SubagentRun model and its SQLite persistence
// ABOUTME: Upsert, lookup, filtered listing and crash-recovery sweep of runs

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RunStatus is the lifecycle state of a subagent run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
	RunStatusStopped   RunStatus = "stopped"
	RunStatusPaused    RunStatus = "paused"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusError || s == RunStatusStopped
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusError, RunStatusStopped, RunStatusPaused:
		return true
	}
	return false
}

// SubagentRun is one spawned agent execution.
type SubagentRun struct {
	RunID           string     `json:"run_id"`
	ParentSessionID string     `json:"parent_session_id"`
	ChildSessionKey string     `json:"child_session_key"`
	AgentID         string     `json:"agent_id"`
	Task            string     `json:"task"`
	Status          RunStatus  `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	Result          string     `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	InputTokens     int64      `json:"input_tokens,omitempty"`
	OutputTokens    int64      `json:"output_tokens,omitempty"`
	Model           string     `json:"model,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate shared state.
func (r *SubagentRun) Clone() *SubagentRun {
	if r == nil {
		return nil
	}
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}

const runColumns = `run_id, parent_session_id, child_session_key, agent_id, task, status,
	created_at, started_at, ended_at, result, error, input_tokens, output_tokens, model`

// SaveRun inserts or replaces a run row.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *SubagentRun) error {
	query := `
		INSERT INTO subagent_runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			result = excluded.result,
			error = excluded.error,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			model = excluded.model
	`

	_, err := s.db.ExecContext(ctx, query,
		run.RunID,
		run.ParentSessionID,
		run.ChildSessionKey,
		run.AgentID,
		run.Task,
		string(run.Status),
		formatTime(run.CreatedAt),
		nullableTime(run.StartedAt),
		nullableTime(run.EndedAt),
		nullableString(run.Result),
		nullableString(run.Error),
		run.InputTokens,
		run.OutputTokens,
		nullableString(run.Model),
	)
	if err != nil {
		return fmt.Errorf("saving run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*SubagentRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM subagent_runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs ordered by creation time, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*SubagentRun, error) {
	var conditions []string
	var args []any

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.ParentSessionID != "" {
		conditions = append(conditions, "parent_session_id = ?")
		args = append(args, filter.ParentSessionID)
	}

	query := `SELECT ` + runColumns + ` FROM subagent_runs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*SubagentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

// MarkInterruptedRuns stops every run left unfinished by a previous process.
func (s *SQLiteStore) MarkInterruptedRuns(ctx context.Context, reason string, at time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE subagent_runs
		SET status = ?, error = ?, ended_at = COALESCE(ended_at, ?)
		WHERE status IN (?, ?, ?)
	`,
		string(RunStatusStopped), reason, formatTime(at),
		string(RunStatusPending), string(RunStatusRunning), string(RunStatusPaused),
	)
	if err != nil {
		return 0, fmt.Errorf("marking interrupted runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return n, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*SubagentRun, error) {
	var (
		run                      SubagentRun
		status, createdAt        string
		startedAt, endedAt       sql.NullString
		result, errMsg, modelStr sql.NullString
	)

	if err := row.Scan(
		&run.RunID,
		&run.ParentSessionID,
		&run.ChildSessionKey,
		&run.AgentID,
		&run.Task,
		&status,
		&createdAt,
		&startedAt,
		&endedAt,
		&result,
		&errMsg,
		&run.InputTokens,
		&run.OutputTokens,
		&modelStr,
	); err != nil {
		return nil, err
	}

	run.Status = RunStatus(status)
	created, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	run.CreatedAt = created
	run.StartedAt = parseNullableTime(startedAt)
	run.EndedAt = parseNullableTime(endedAt)
	run.Result = result.String
	run.Error = errMsg.String
	run.Model = modelStr.String

	return &run, nil
}
