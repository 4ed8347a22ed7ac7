package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/conductor/internal/escalation"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/gate"
)

// SaveGate saves or updates a gate's state. Decisions are kept in
// gate_approvals.
func (s *SQLiteStore) SaveGate(ctx context.Context, g *gate.Gate) error {
	required, err := marshal(g.Required)
	if err != nil {
		return err
	}
	from, err := marshal(g.From)
	if err != nil {
		return err
	}
	to, err := marshal(g.To)
	if err != nil {
		return err
	}
	override, err := marshalNullable(g.Override)
	if err != nil {
		return err
	}

	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO gates (id, checkpoint, required, ordered, status, from_ids, to_ids, active, round, timeout_ms, override, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				checkpoint = excluded.checkpoint,
				required = excluded.required,
				ordered = excluded.ordered,
				status = excluded.status,
				from_ids = excluded.from_ids,
				to_ids = excluded.to_ids,
				active = excluded.active,
				round = excluded.round,
				timeout_ms = excluded.timeout_ms,
				override = excluded.override,
				updated_at = CURRENT_TIMESTAMP
		`, g.ID, g.Checkpoint, required, g.Ordered, string(g.Status), from, to, g.Active, g.Round, g.Timeout.Milliseconds(), override)
		if err != nil {
			return fmt.Errorf("failed to upsert gate %s: %w", g.ID, err)
		}
		return nil
	})
}

// GetGate retrieves a gate with the decisions of its current round.
func (s *SQLiteStore) GetGate(ctx context.Context, id string) (*gate.Gate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, checkpoint, required, ordered, status, from_ids, to_ids, active, round, timeout_ms, override
		FROM gates
		WHERE id = ?
	`, id)

	var (
		g                  gate.Gate
		status             string
		required, from, to string
		timeoutMS          int64
		override           sql.NullString
	)
	err := row.Scan(&g.ID, &g.Checkpoint, &required, &g.Ordered, &status, &from, &to, &g.Active, &g.Round, &timeoutMS, &override)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("gate %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query gate: %w", err)
	}
	g.Status = gate.Status(status)
	g.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if err := errors.Join(unmarshal(required, &g.Required), unmarshal(from, &g.From), unmarshal(to, &g.To)); err != nil {
		return nil, err
	}
	if override.Valid {
		g.Override = &gate.Override{}
		if err := unmarshal(override.String, g.Override); err != nil {
			return nil, err
		}
	}

	approvals, err := s.ListApprovals(ctx, id)
	if err != nil {
		return nil, err
	}
	g.Approvals = make(map[string]gate.Approval)
	for _, a := range approvals {
		// A pending gate only carries decisions made since it was
		// re-attached after its last reject.
		if g.Status == gate.StatusPending && a.Decision == gate.Reject {
			clear(g.Approvals)
			continue
		}
		g.Approvals[a.Role] = a
	}
	return &g, nil
}

// SaveApproval appends one gate decision.
func (s *SQLiteStore) SaveApproval(ctx context.Context, a gate.Approval) error {
	at := a.At
	if at.IsZero() {
		at = time.Now()
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO gate_approvals (gate_id, role, decision, reason, decided_at)
			VALUES (?, ?, ?, ?, ?)
		`, a.GateID, a.Role, string(a.Decision), a.Reason, at.UTC())
		if err != nil {
			return fmt.Errorf("failed to save approval for gate %s: %w", a.GateID, err)
		}
		return nil
	})
}

// ListApprovals returns every decision recorded for a gate, oldest first.
func (s *SQLiteStore) ListApprovals(ctx context.Context, gateID string) ([]gate.Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT gate_id, role, decision, reason, decided_at
		FROM gate_approvals
		WHERE gate_id = ?
		ORDER BY id
	`, gateID)
	if err != nil {
		return nil, fmt.Errorf("failed to query approvals: %w", err)
	}
	defer rows.Close()

	var approvals []gate.Approval
	for rows.Next() {
		var (
			a        gate.Approval
			decision string
		)
		if err := rows.Scan(&a.GateID, &a.Role, &decision, &a.Reason, &a.At); err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		a.Decision = gate.Decision(decision)
		approvals = append(approvals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating approvals: %w", err)
	}
	return approvals, nil
}

// SaveTicket saves or updates a ticket. A snapshot at a lower level than
// the stored one is ignored, and a resolved ticket is never reopened.
func (s *SQLiteStore) SaveTicket(ctx context.Context, t escalation.Ticket) error {
	history, err := marshal(t.History)
	if err != nil {
		return err
	}
	resolution, err := marshalNullable(t.Resolution)
	if err != nil {
		return err
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tickets (id, anchor_kind, anchor_id, team, reason, level, owner, resolved, history, resolution, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				level = excluded.level,
				owner = excluded.owner,
				resolved = excluded.resolved,
				history = excluded.history,
				resolution = excluded.resolution
			WHERE excluded.level >= tickets.level AND tickets.resolved = 0
		`, t.ID, string(t.Anchor.Kind), t.Anchor.ID, t.Team, t.Reason, int(t.Level), t.Owner, t.Resolved, history, resolution, t.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to upsert ticket %s: %w", t.ID, err)
		}
		return nil
	})
}

// ListTickets returns every ticket, oldest first.
func (s *SQLiteStore) ListTickets(ctx context.Context) ([]escalation.Ticket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, anchor_kind, anchor_id, team, reason, level, owner, resolved, history, resolution, created_at
		FROM tickets
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tickets: %w", err)
	}
	defer rows.Close()

	var tickets []escalation.Ticket
	for rows.Next() {
		var (
			t          escalation.Ticket
			kind       string
			level      int
			history    string
			resolution sql.NullString
		)
		if err := rows.Scan(&t.ID, &kind, &t.Anchor.ID, &t.Team, &t.Reason, &level, &t.Owner, &t.Resolved, &history, &resolution, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		t.Anchor.Kind = escalation.AnchorKind(kind)
		t.Level = escalation.Level(level)
		if err := unmarshal(history, &t.History); err != nil {
			return nil, err
		}
		if resolution.Valid {
			t.Resolution = &escalation.Resolution{}
			if err := unmarshal(resolution.String, t.Resolution); err != nil {
				return nil, err
			}
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tickets: %w", err)
	}
	return tickets, nil
}

// SaveAudit appends an audit record. Saving the same record twice is a
// no-op.
func (s *SQLiteStore) SaveAudit(ctx context.Context, e events.AuditEvent) error {
	at := e.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO audit_events (id, action, actor, target, detail, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, e.ID, e.Action, e.Actor, e.Target, e.Detail, at.UTC())
		if err != nil {
			return fmt.Errorf("failed to save audit event: %w", err)
		}
		return nil
	})
}

// ListAudit returns the audit trail, oldest first.
func (s *SQLiteStore) ListAudit(ctx context.Context) ([]events.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, actor, target, detail, recorded_at
		FROM audit_events
		ORDER BY recorded_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var out []events.AuditEvent
	for rows.Next() {
		var e events.AuditEvent
		if err := rows.Scan(&e.ID, &e.Action, &e.Actor, &e.Target, &e.Detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit events: %w", err)
	}
	return out, nil
}
