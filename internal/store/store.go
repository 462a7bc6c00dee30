// ABOUTME: Store interface and data types for dadude server persistence.
// ABOUTME: Defines Agent, Customer, CommandRecord structs and the Store interface.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Authentication errors returned by Authenticate. The hub refuses the
// connection on any of these; agents retry with backoff.
var (
	ErrUnknownAgent = errors.New("unknown agent")
	ErrBadToken     = errors.New("bad token")
	ErrNotApproved  = errors.New("agent not approved")
)

// ErrDuplicateCustomer is returned when a customer name is already taken.
var ErrDuplicateCustomer = errors.New("customer already exists")

// Approval is the administrative state of an agent registration.
type Approval string

const (
	ApprovalPending  Approval = "pending"
	ApprovalApproved Approval = "approved"
	ApprovalRejected Approval = "rejected"
)

// Agent is one agent installation. The ID is client-generated and stable
// across restarts; the token hash must verify on every reconnect.
type Agent struct {
	ID          string
	AgentType   string
	DisplayName string
	TokenHash   string
	Approval    Approval
	CustomerID  string
	Version     string
	LastSeen    *time.Time
	CreatedAt   time.Time
}

// Customer is a tenant whose networks the agents scan.
type Customer struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Command lifecycle states recorded in the command log.
const (
	CommandDispatched   = "dispatched"
	CommandSucceeded    = "succeeded"
	CommandFailed       = "failed"
	CommandTimedOut     = "timed_out"
	CommandDisconnected = "agent_disconnected"
)

// CommandRecord is the audit trail of one dispatched command.
type CommandRecord struct {
	CommandID  string
	AgentID    string
	Action     string
	Status     string
	Detail     string
	CreatedAt  time.Time
	FinishedAt *time.Time
}

// RegisterParams carries a registration call from an agent.
type RegisterParams struct {
	AgentID     string
	AgentType   string
	Token       string
	DisplayName string
	Version     string
}

// Store defines persistence for agent identity, customers, and the command log.
type Store interface {
	// Agents
	RegisterAgent(ctx context.Context, p RegisterParams) (*Agent, error)
	Authenticate(ctx context.Context, agentID, token string) (*Agent, error)
	SetApproval(ctx context.Context, agentID string, approved bool, customerID string) error
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	DeleteAgent(ctx context.Context, agentID string) error
	TouchAgentSeen(ctx context.Context, agentID string, at time.Time) error

	// Customers
	CreateCustomer(ctx context.Context, c *Customer) error
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	ListCustomers(ctx context.Context) ([]*Customer, error)

	// Command log
	AppendCommand(ctx context.Context, rec *CommandRecord) error
	FinishCommand(ctx context.Context, commandID, status, detail string, at time.Time) error
	ListCommands(ctx context.Context, agentID string, limit int) ([]*CommandRecord, error)

	// Close releases any resources held by the store.
	Close() error
}
