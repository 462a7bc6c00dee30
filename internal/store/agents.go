// ABOUTME: Agent registration store operations: register, authenticate, approval.
// ABOUTME: Tokens are stored as bcrypt hashes and verified on every reconnect.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// RegisterAgent records an agent installation. The call is idempotent: if
// the agent already exists, display name, type, and version are refreshed
// but the token and approval state are never overwritten. New agents start
// as pending.
func (s *SQLiteStore) RegisterAgent(ctx context.Context, p RegisterParams) (*Agent, error) {
	if p.AgentID == "" {
		return nil, fmt.Errorf("agent_id is required")
	}

	existing, err := s.GetAgent(ctx, p.AgentID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if existing != nil {
		_, err := s.db.ExecContext(ctx,
			`UPDATE agents SET display_name = ?, agent_type = ?, version = ? WHERE agent_id = ?`,
			p.DisplayName, p.AgentType, p.Version, p.AgentID,
		)
		if err != nil {
			return nil, fmt.Errorf("updating agent: %w", err)
		}
		existing.DisplayName = p.DisplayName
		existing.AgentType = p.AgentType
		existing.Version = p.Version
		return existing, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(p.Token), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing token: %w", err)
	}

	now := time.Now().UTC()
	agent := &Agent{
		ID:          p.AgentID,
		AgentType:   p.AgentType,
		DisplayName: p.DisplayName,
		TokenHash:   string(hash),
		Approval:    ApprovalPending,
		Version:     p.Version,
		CreatedAt:   now,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (agent_id, agent_type, display_name, token_hash, approval, version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.AgentType, agent.DisplayName, agent.TokenHash, agent.Approval, agent.Version, agent.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Info("agent registered", "agent_id", agent.ID, "agent_type", agent.AgentType)
	return agent, nil
}

// Authenticate verifies an agent's token and approval state. The token is
// checked before the approval state so a bad token always reports as
// ErrBadToken regardless of approval.
func (s *SQLiteStore) Authenticate(ctx context.Context, agentID, token string) (*Agent, error) {
	agent, err := s.GetAgent(ctx, agentID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrUnknownAgent
	}
	if err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(agent.TokenHash), []byte(token)) != nil {
		return nil, ErrBadToken
	}

	if agent.Approval != ApprovalApproved {
		return nil, ErrNotApproved
	}

	return agent, nil
}

// SetApproval transitions an agent's approval state. Approving assigns the
// customer; rejecting clears it.
func (s *SQLiteStore) SetApproval(ctx context.Context, agentID string, approved bool, customerID string) error {
	approval := ApprovalRejected
	var customer any
	if approved {
		approval = ApprovalApproved
		if customerID != "" {
			customer = customerID
		}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET approval = ?, customer_id = ? WHERE agent_id = ?`,
		approval, customer, agentID,
	)
	if err != nil {
		return fmt.Errorf("updating approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Info("agent approval updated", "agent_id", agentID, "approval", approval, "customer_id", customerID)
	return nil
}

// GetAgent retrieves an agent by id.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT agent_id, agent_type, display_name, token_hash, approval, customer_id, version, last_seen, created_at
		 FROM agents WHERE agent_id = ?`, agentID)
	return scanAgent(row)
}

// ListAgents returns all registered agents ordered by creation time.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, agent_type, display_name, token_hash, approval, customer_id, version, last_seen, created_at
		 FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent record. This is an explicit administrative
// operation; agents are never deleted automatically.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
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

// TouchAgentSeen stamps the agent's last_seen time. Called on heartbeat and
// on disconnect so the dashboard can show last-heartbeat timestamps.
func (s *SQLiteStore) TouchAgentSeen(ctx context.Context, agentID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen = ? WHERE agent_id = ?`, at.UTC(), agentID)
	if err != nil {
		return fmt.Errorf("touching agent: %w", err)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*Agent, error) {
	var a Agent
	var customerID, version sql.NullString
	var lastSeen sql.NullTime

	err := row.Scan(&a.ID, &a.AgentType, &a.DisplayName, &a.TokenHash, &a.Approval, &customerID, &version, &lastSeen, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	a.CustomerID = customerID.String
	a.Version = version.String
	if lastSeen.Valid {
		t := lastSeen.Time
		a.LastSeen = &t
	}
	return &a, nil
}
