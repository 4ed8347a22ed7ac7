package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist. Enumerated
// columns are checked against their persisted values.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		parent_id TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT '',
		score INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
		role TEXT NOT NULL DEFAULT '',
		team TEXT NOT NULL DEFAULT '' CHECK (team IN ('', 'DEV', 'SEC', 'INF', 'QA')),
		phase TEXT NOT NULL DEFAULT '',
		rationale TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		constraints TEXT NOT NULL DEFAULT '[]',
		success_criteria TEXT NOT NULL DEFAULT '[]',
		timeout_ms INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		failure TEXT,
		output TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'sequential' CHECK (kind IN ('sequential', 'parallel', 'best-effort')),
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task_id ON task_dependencies(task_id);

	CREATE TABLE IF NOT EXISTS gates (
		id TEXT PRIMARY KEY,
		checkpoint TEXT NOT NULL,
		required TEXT NOT NULL,
		ordered INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL CHECK (status IN ('pending', 'passed', 'failed')),
		from_ids TEXT NOT NULL,
		to_ids TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 0,
		round INTEGER NOT NULL DEFAULT 0,
		timeout_ms INTEGER NOT NULL DEFAULT 0,
		override TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS gate_approvals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		gate_id TEXT NOT NULL,
		role TEXT NOT NULL,
		decision TEXT NOT NULL CHECK (decision IN ('approve', 'reject')),
		reason TEXT NOT NULL DEFAULT '',
		decided_at DATETIME NOT NULL,
		FOREIGN KEY (gate_id) REFERENCES gates(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_gate_approvals_gate ON gate_approvals(gate_id, id);

	CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		anchor_kind TEXT NOT NULL CHECK (anchor_kind IN ('node', 'gate', 'conflict')),
		anchor_id TEXT NOT NULL,
		team TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		level INTEGER NOT NULL CHECK (level BETWEEN 1 AND 5),
		owner TEXT NOT NULL DEFAULT '',
		resolved INTEGER NOT NULL DEFAULT 0,
		history TEXT NOT NULL DEFAULT '[]',
		resolution TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS executor_bindings (
		instance TEXT PRIMARY KEY,
		roles TEXT NOT NULL DEFAULT '[]',
		agent_state TEXT NOT NULL CHECK (agent_state IN ('idle', 'pending', 'running', 'success', 'error', 'paused')),
		task_id TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transcripts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		message_type TEXT NOT NULL CHECK (message_type IN ('user', 'assistant', 'system', 'tool_use', 'tool_result')),
		content TEXT NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_transcripts_task_timestamp
		ON transcripts(task_id, timestamp);

	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		actor TEXT NOT NULL,
		target TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		recorded_at DATETIME NOT NULL
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
