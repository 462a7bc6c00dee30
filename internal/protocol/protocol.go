// ABOUTME: Wire frame definitions for the agent <-> server websocket channel.
// ABOUTME: A single Frame envelope carries auth, heartbeat, command, and result payloads.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownFrameType indicates a frame whose type field is not recognized.
// Per the protocol error policy the frame is dropped, not the connection.
var ErrUnknownFrameType = errors.New("unknown frame type")

// Frame types exchanged over the persistent connection.
const (
	FrameAuth      = "auth"       // agent -> server, first frame after connect
	FrameAuthAck   = "auth_ack"   // server -> agent, handshake outcome
	FrameHeartbeat = "heartbeat"  // agent -> server, periodic liveness
	FrameCommand   = "command"    // server -> agent, unit of work
	FrameResult    = "result"     // agent -> server, progress or terminal outcome
)

// Command actions understood by agents.
const (
	ActionScan            = "scan"
	ActionProbe           = "probe"
	ActionBackup          = "backup"
	ActionExecuteCommands = "execute_commands"
	ActionUpdateAgent     = "update_agent"
	ActionRestart         = "restart"
)

// Result statuses. Progress results never resolve a pending command;
// success and error are terminal.
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusProgress = "progress"
)

// Agent types.
const (
	AgentTypeDocker   = "docker"
	AgentTypeMikrotik = "mikrotik"
)

// Frame is the envelope for every message on the wire. Exactly one of the
// payload pointers is set, matching the Type discriminator.
type Frame struct {
	Type      string           `json:"type"`
	Auth      *AuthFrame       `json:"auth,omitempty"`
	AuthAck   *AuthAckFrame    `json:"auth_ack,omitempty"`
	Heartbeat *HeartbeatFrame  `json:"heartbeat,omitempty"`
	Command   *CommandEnvelope `json:"command,omitempty"`
	Result    *ResultEnvelope  `json:"result,omitempty"`
}

// AuthFrame is the first frame an agent sends after opening the connection.
type AuthFrame struct {
	AgentID     string `json:"agent_id"`
	Token       string `json:"token"`
	AgentType   string `json:"agent_type"`
	DisplayName string `json:"display_name,omitempty"`
	Version     string `json:"version,omitempty"`
}

// AuthAckFrame is the server's answer to an AuthFrame. On refusal the
// server closes the connection after sending it.
type AuthAckFrame struct {
	Accepted          bool   `json:"accepted"`
	Reason            string `json:"reason,omitempty"`
	CustomerID        string `json:"customer_id,omitempty"`
	HeartbeatInterval int    `json:"heartbeat_interval_seconds,omitempty"`
}

// HeartbeatFrame is the periodic liveness signal. No response is sent.
type HeartbeatFrame struct {
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandEnvelope is one unit of work dispatched to an agent.
type CommandEnvelope struct {
	CommandID      string          `json:"command_id"`
	Action         string          `json:"action"`
	Params         json.RawMessage `json:"params,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds"`
}

// ResultEnvelope reports progress or the terminal outcome of a command.
type ResultEnvelope struct {
	CommandID string          `json:"command_id"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// Terminal reports whether the result resolves its pending command.
func (r *ResultEnvelope) Terminal() bool {
	return r.Status == StatusSuccess || r.Status == StatusError
}

// NewAuthFrame wraps an AuthFrame in an envelope.
func NewAuthFrame(a *AuthFrame) *Frame {
	return &Frame{Type: FrameAuth, Auth: a}
}

// NewAuthAckFrame wraps an AuthAckFrame in an envelope.
func NewAuthAckFrame(a *AuthAckFrame) *Frame {
	return &Frame{Type: FrameAuthAck, AuthAck: a}
}

// NewHeartbeatFrame builds a heartbeat envelope stamped with the given time.
func NewHeartbeatFrame(agentID string, ts time.Time) *Frame {
	return &Frame{Type: FrameHeartbeat, Heartbeat: &HeartbeatFrame{AgentID: agentID, Timestamp: ts}}
}

// NewCommandFrame wraps a CommandEnvelope in an envelope.
func NewCommandFrame(c *CommandEnvelope) *Frame {
	return &Frame{Type: FrameCommand, Command: c}
}

// NewResultFrame wraps a ResultEnvelope in an envelope.
func NewResultFrame(r *ResultEnvelope) *Frame {
	return &Frame{Type: FrameResult, Result: r}
}

// Validate checks that the frame's payload matches its type discriminator.
func (f *Frame) Validate() error {
	switch f.Type {
	case FrameAuth:
		if f.Auth == nil {
			return fmt.Errorf("auth frame missing payload")
		}
		if f.Auth.AgentID == "" {
			return fmt.Errorf("auth frame missing agent_id")
		}
	case FrameAuthAck:
		if f.AuthAck == nil {
			return fmt.Errorf("auth_ack frame missing payload")
		}
	case FrameHeartbeat:
		if f.Heartbeat == nil {
			return fmt.Errorf("heartbeat frame missing payload")
		}
	case FrameCommand:
		if f.Command == nil {
			return fmt.Errorf("command frame missing payload")
		}
		if f.Command.CommandID == "" {
			return fmt.Errorf("command frame missing command_id")
		}
	case FrameResult:
		if f.Result == nil {
			return fmt.Errorf("result frame missing payload")
		}
		if f.Result.CommandID == "" {
			return fmt.Errorf("result frame missing command_id")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFrameType, f.Type)
	}
	return nil
}

// ValidAction reports whether the action is one an agent can execute.
func ValidAction(action string) bool {
	switch action {
	case ActionScan, ActionProbe, ActionBackup, ActionExecuteCommands, ActionUpdateAgent, ActionRestart:
		return true
	}
	return false
}

// ValidAgentType reports whether the agent type is recognized.
func ValidAgentType(t string) bool {
	return t == AgentTypeDocker || t == AgentTypeMikrotik
}
