package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/conductor/internal/handoff"
	"github.com/aristath/conductor/internal/scheduler"
)

const taskColumns = `id, parent_id, title, description, type, priority, score, status, role, team, phase,
	rationale, confidence, constraints, success_criteria, timeout_ms, version, attempts, failure, output`

// SaveTask saves or updates a task. A write whose version is older than the
// stored row fails with ErrStaleVersion; rewriting the same version is a
// no-op. Dependencies are saved separately through SaveEdges.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *scheduler.Task) error {
	constraints, err := marshal(task.Constraints)
	if err != nil {
		return err
	}
	criteria, err := marshal(task.SuccessCriteria)
	if err != nil {
		return err
	}
	failure, err := marshalNullable(task.Failure)
	if err != nil {
		return err
	}
	output, err := marshalNullable(task.Output)
	if err != nil {
		return err
	}

	return s.write(ctx, func(tx *sql.Tx) error {
		// Upsert task (insert, or update while the incoming version is not older)
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				parent_id = excluded.parent_id,
				title = excluded.title,
				description = excluded.description,
				type = excluded.type,
				priority = excluded.priority,
				score = excluded.score,
				status = excluded.status,
				role = excluded.role,
				team = excluded.team,
				phase = excluded.phase,
				rationale = excluded.rationale,
				confidence = excluded.confidence,
				constraints = excluded.constraints,
				success_criteria = excluded.success_criteria,
				timeout_ms = excluded.timeout_ms,
				version = excluded.version,
				attempts = excluded.attempts,
				failure = excluded.failure,
				output = excluded.output,
				updated_at = CURRENT_TIMESTAMP
			WHERE excluded.version >= tasks.version
		`, task.ID, task.ParentID, task.Title, task.Description, string(task.Type), string(task.Priority), task.Score,
			string(task.Status), task.Role, task.Team, task.Phase, task.Rationale, task.Confidence, constraints, criteria,
			task.Timeout.Milliseconds(), task.Version, task.Attempts, failure, output)
		if err != nil {
			return fmt.Errorf("failed to upsert task %s: %w", task.ID, err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			var stored int64
			if err := tx.QueryRowContext(ctx, `SELECT version FROM tasks WHERE id = ?`, task.ID).Scan(&stored); err != nil {
				return fmt.Errorf("failed to read version of task %s: %w", task.ID, err)
			}
			return fmt.Errorf("%w: task %s has version %d, write carries %d", ErrStaleVersion, task.ID, stored, task.Version)
		}
		return nil
	})
}

// SaveEdges upserts typed dependency edges. Both ends must already be
// saved.
func (s *SQLiteStore) SaveEdges(ctx context.Context, edges []scheduler.Edge) error {
	if len(edges) == 0 {
		return nil
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		for _, e := range edges {
			kind := e.Kind
			if kind == "" {
				kind = scheduler.EdgeSequential
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO task_dependencies (task_id, depends_on_id, kind)
				VALUES (?, ?, ?)
				ON CONFLICT(task_id, depends_on_id) DO UPDATE SET kind = excluded.kind
			`, e.To, e.From, string(kind))
			if err != nil {
				return fmt.Errorf("failed to insert dependency %s -> %s: %w", e.From, e.To, err)
			}
		}
		return nil
	})
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	edges, err := s.incoming(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		task.DependsOn = append(task.DependsOn, e.From)
	}
	return task, nil
}

// ListTasks returns all tasks with their dependencies, oldest first.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	rows.Close()

	byID := make(map[string]*scheduler.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	edges, err := s.ListEdges(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		if t, ok := byID[e.To]; ok {
			t.DependsOn = append(t.DependsOn, e.From)
		}
	}
	return tasks, nil
}

// ListEdges returns every typed dependency edge.
func (s *SQLiteStore) ListEdges(ctx context.Context) ([]scheduler.Edge, error) {
	return s.edges(ctx, `SELECT depends_on_id, task_id, kind FROM task_dependencies ORDER BY rowid`)
}

func (s *SQLiteStore) incoming(ctx context.Context, taskID string) ([]scheduler.Edge, error) {
	return s.edges(ctx, `SELECT depends_on_id, task_id, kind FROM task_dependencies WHERE task_id = ? ORDER BY rowid`, taskID)
}

func (s *SQLiteStore) edges(ctx context.Context, query string, args ...any) ([]scheduler.Edge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	var edges []scheduler.Edge
	for rows.Next() {
		var (
			e    scheduler.Edge
			kind string
		)
		if err := rows.Scan(&e.From, &e.To, &kind); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		e.Kind = scheduler.EdgeKind(kind)
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return edges, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*scheduler.Task, error) {
	var (
		task                  scheduler.Task
		typ, priority, status string
		constraints, criteria string
		timeoutMS             int64
		failure, output       sql.NullString
	)
	err := row.Scan(&task.ID, &task.ParentID, &task.Title, &task.Description, &typ, &priority, &task.Score,
		&status, &task.Role, &task.Team, &task.Phase, &task.Rationale, &task.Confidence, &constraints, &criteria,
		&timeoutMS, &task.Version, &task.Attempts, &failure, &output)
	if err != nil {
		return nil, err
	}
	task.Type = scheduler.Type(typ)
	task.Priority = scheduler.Priority(priority)
	task.Status = scheduler.Status(status)
	task.Timeout = time.Duration(timeoutMS) * time.Millisecond

	if err := unmarshal(constraints, &task.Constraints); err != nil {
		return nil, err
	}
	if err := unmarshal(criteria, &task.SuccessCriteria); err != nil {
		return nil, err
	}
	if failure.Valid {
		task.Failure = &scheduler.Failure{}
		if err := unmarshal(failure.String, task.Failure); err != nil {
			return nil, err
		}
	}
	if output.Valid {
		task.Output = &handoff.Result{}
		if err := unmarshal(output.String, task.Output); err != nil {
			return nil, err
		}
	}
	return &task, nil
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode column: %w", err)
	}
	return string(b), nil
}

// marshalNullable encodes a pointer column; nil becomes NULL.
func marshalNullable[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	s, err := marshal(v)
	return sql.NullString{String: s, Valid: err == nil}, err
}

func unmarshal(s string, v any) error {
	if s == "" || s == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}
