// ABOUTME: Command log persistence: audit trail of dispatched commands and outcomes.
// ABOUTME: Appended at dispatch time and finished when a terminal result or failure arrives.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendCommand records a freshly dispatched command.
func (s *SQLiteStore) AppendCommand(ctx context.Context, rec *CommandRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = CommandDispatched
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO command_log (command_id, agent_id, action, status, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.CommandID, rec.AgentID, rec.Action, rec.Status, rec.Detail, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting command record: %w", err)
	}
	return nil
}

// FinishCommand stamps a command's terminal status and finish time.
func (s *SQLiteStore) FinishCommand(ctx context.Context, commandID, status, detail string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE command_log SET status = ?, detail = ?, finished_at = ? WHERE command_id = ?`,
		status, detail, at.UTC(), commandID,
	)
	if err != nil {
		return fmt.Errorf("finishing command record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCommands returns the most recent commands for an agent, newest first.
// An empty agentID returns commands for all agents.
func (s *SQLiteStore) ListCommands(ctx context.Context, agentID string, limit int) ([]*CommandRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if agentID == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT command_id, agent_id, action, status, detail, created_at, finished_at
			 FROM command_log ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT command_id, agent_id, action, status, detail, created_at, finished_at
			 FROM command_log WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?`, agentID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing commands: %w", err)
	}
	defer rows.Close()

	var recs []*CommandRecord
	for rows.Next() {
		var rec CommandRecord
		var detail sql.NullString
		var finished sql.NullTime
		if err := rows.Scan(&rec.CommandID, &rec.AgentID, &rec.Action, &rec.Status, &detail, &rec.CreatedAt, &finished); err != nil {
			return nil, fmt.Errorf("scanning command record: %w", err)
		}
		rec.Detail = detail.String
		if finished.Valid {
			t := finished.Time
			rec.FinishedAt = &t
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}
