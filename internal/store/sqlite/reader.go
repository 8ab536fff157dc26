package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"exitengine/internal/audit"
	"exitengine/internal/model"
)

// AuditEvents returns up to limit audit events, newest first. An empty
// symbol returns events for every symbol.
func (s *Store) AuditEvents(ctx context.Context, symbol string, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT data FROM audit_events`
	args := []interface{}{}
	if symbol != "" {
		q += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	q += ` ORDER BY at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query audit_events: %w", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite scan audit_events: %w", err)
		}
		var e audit.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			s.log.Warn("skipping corrupt audit row")
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// History returns stored versions of a position, newest first.
func (s *Store) History(ctx context.Context, symbol string, limit int) ([]model.Position, error) {
	if limit <= 0 {
		limit = historyKeep
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM position_history WHERE symbol = ? ORDER BY version DESC LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query position_history: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite scan position_history: %w", err)
		}
		var p model.Position
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("unmarshal history %s: %w", symbol, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
