package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/conductor/internal/scheduler"
)

// SaveBinding stores an executor instance's agent_state and bound task.
// Uses ON CONFLICT to upsert - handles both first-save and resume scenarios.
func (s *SQLiteStore) SaveBinding(ctx context.Context, b scheduler.Binding) error {
	roles, err := marshal(b.Roles)
	if err != nil {
		return err
	}
	updated := b.Updated
	if updated.IsZero() {
		updated = time.Now()
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO executor_bindings (instance, roles, agent_state, task_id, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(instance) DO UPDATE SET
				roles = excluded.roles,
				agent_state = excluded.agent_state,
				task_id = excluded.task_id,
				updated_at = excluded.updated_at
		`, b.Instance, roles, string(b.State), b.TaskID, updated.UTC())
		if err != nil {
			return fmt.Errorf("failed to save binding %s: %w", b.Instance, err)
		}
		return nil
	})
}

// ListBindings returns every executor binding sorted by instance.
func (s *SQLiteStore) ListBindings(ctx context.Context) ([]scheduler.Binding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance, roles, agent_state, task_id, updated_at
		FROM executor_bindings
		ORDER BY instance
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query bindings: %w", err)
	}
	defer rows.Close()

	var bindings []scheduler.Binding
	for rows.Next() {
		var (
			b            scheduler.Binding
			roles, state string
		)
		if err := rows.Scan(&b.Instance, &roles, &state, &b.TaskID, &b.Updated); err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		if err := unmarshal(roles, &b.Roles); err != nil {
			return nil, err
		}
		b.State = scheduler.BindingState(state)
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bindings: %w", err)
	}
	return bindings, nil
}

// AppendTranscript stores one executor message for a task.
// Messages are append-only (no upsert needed).
func (s *SQLiteStore) AppendTranscript(ctx context.Context, taskID, messageType, content string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transcripts (task_id, message_type, content)
			VALUES (?, ?, ?)
		`, taskID, messageType, content)
		if err != nil {
			return fmt.Errorf("failed to save transcript entry: %w", err)
		}
		return nil
	})
}

// Transcript retrieves a task's messages in chronological order.
// Returns empty slice (not nil) if no transcript exists.
func (s *SQLiteStore) Transcript(ctx context.Context, taskID string) ([]TranscriptEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// Double sort: timestamp ASC, id ASC ensures correct order even with same-second timestamps
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_type, content, timestamp
		FROM transcripts
		WHERE task_id = ?
		ORDER BY timestamp ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcript: %w", err)
	}
	defer rows.Close()

	entries := []TranscriptEntry{}
	for rows.Next() {
		var e TranscriptEntry
		if err := rows.Scan(&e.MessageType, &e.Content, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transcript entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transcript: %w", err)
	}
	return entries, nil
}
