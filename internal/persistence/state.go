package persistence

import (
	"context"

	"github.com/aristath/conductor/internal/escalation"
	"github.com/aristath/conductor/internal/gate"
	"github.com/aristath/conductor/internal/scheduler"
)

// State is everything persisted about the runs in a store.
type State struct {
	Tasks    []*scheduler.Task
	Edges    []scheduler.Edge
	Gates    []*gate.Gate
	Tickets  []escalation.Ticket
	Bindings []scheduler.Binding
}

// Load reads the full persisted state.
func (s *SQLiteStore) Load(ctx context.Context) (*State, error) {
	var (
		st  State
		err error
	)
	if st.Tasks, err = s.ListTasks(ctx); err != nil {
		return nil, err
	}
	if st.Edges, err = s.ListEdges(ctx); err != nil {
		return nil, err
	}
	if st.Tickets, err = s.ListTickets(ctx); err != nil {
		return nil, err
	}
	if st.Bindings, err = s.ListBindings(ctx); err != nil {
		return nil, err
	}

	ids, err := s.gateIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		g, err := s.GetGate(ctx, id)
		if err != nil {
			return nil, err
		}
		st.Gates = append(st.Gates, g)
	}
	return &st, nil
}

func (s *SQLiteStore) gateIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM gates ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
