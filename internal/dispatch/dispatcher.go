// ABOUTME: Command dispatcher: sends commands to agents and correlates async results.
// ABOUTME: Maintains the pending-result table keyed by command id with timeout/disconnect sweeps.

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dadude-io/dadude/internal/hub"
	"github.com/dadude-io/dadude/internal/protocol"
	"github.com/dadude-io/dadude/internal/store"
)

// Dispatch errors returned to command callers. A dispatch to an offline
// agent fails synchronously; no command is ever queued across reconnects.
var (
	ErrAgentDisconnected = errors.New("agent disconnected")
	ErrTimeout           = errors.New("command timed out")
	ErrInvalidAction     = errors.New("invalid action")
)

// Timeouts holds per-action default command timeouts. A backup may
// legitimately take minutes while a restart is near-instant.
type Timeouts struct {
	Default   time.Duration
	PerAction map[string]time.Duration
}

// DefaultTimeouts returns the built-in per-action timeout table.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Default: 60 * time.Second,
		PerAction: map[string]time.Duration{
			protocol.ActionScan:            5 * time.Minute,
			protocol.ActionProbe:           2 * time.Minute,
			protocol.ActionBackup:          10 * time.Minute,
			protocol.ActionExecuteCommands: 5 * time.Minute,
			protocol.ActionUpdateAgent:     10 * time.Minute,
			protocol.ActionRestart:         30 * time.Second,
		},
	}
}

// For returns the timeout for an action, falling back to the default.
func (t Timeouts) For(action string) time.Duration {
	if d, ok := t.PerAction[action]; ok {
		return d
	}
	return t.Default
}

// Recorder persists the command audit trail. Satisfied by store.Store.
type Recorder interface {
	AppendCommand(ctx context.Context, rec *store.CommandRecord) error
	FinishCommand(ctx context.Context, commandID, status, detail string, at time.Time) error
}

// pendingResult correlates an outstanding command to its waiting handle.
type pendingResult struct {
	handle    *Handle
	agentID   string
	action    string
	createdAt time.Time
	timeoutAt time.Time
}

// Dispatcher sends commands to specific agents via the hub and resolves
// their handles when matching results arrive from the receive loops.
type Dispatcher struct {
	hub      *hub.Hub
	timeouts Timeouts
	recorder Recorder
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingResult
}

// New creates a Dispatcher. The recorder may be nil, in which case no
// command audit trail is written.
func New(h *hub.Hub, timeouts Timeouts, recorder Recorder, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		hub:      h,
		timeouts: timeouts,
		recorder: recorder,
		logger:   logger,
		pending:  make(map[string]*pendingResult),
	}
}

// Send dispatches a command to an agent. If the agent has no live session,
// or the transport write fails, it returns ErrAgentDisconnected immediately —
// the caller decides whether to retry later. On success the returned handle
// resolves when the agent reports a terminal result, the command times out,
// or the agent disconnects. A zero timeout selects the action's default.
func (d *Dispatcher) Send(ctx context.Context, agentID, action string, params json.RawMessage, timeout time.Duration) (*Handle, error) {
	if !protocol.ValidAction(action) {
		return nil, ErrInvalidAction
	}

	session, ok := d.hub.Get(agentID)
	if !ok {
		return nil, ErrAgentDisconnected
	}

	if timeout <= 0 {
		timeout = d.timeouts.For(action)
	}

	commandID := uuid.New().String()
	now := time.Now()
	handle := newHandle(d, commandID, agentID)

	// Register before writing so a fast agent reply cannot race the table.
	d.mu.Lock()
	d.pending[commandID] = &pendingResult{
		handle:    handle,
		agentID:   agentID,
		action:    action,
		createdAt: now,
		timeoutAt: now.Add(timeout),
	}
	d.mu.Unlock()

	frame := protocol.NewCommandFrame(&protocol.CommandEnvelope{
		CommandID:      commandID,
		Action:         action,
		Params:         params,
		TimeoutSeconds: int(timeout / time.Second),
	})

	if err := session.Send(frame); err != nil {
		d.remove(commandID)
		d.logger.Warn("command write failed", "agent_id", agentID, "command_id", commandID, "error", err)
		return nil, ErrAgentDisconnected
	}

	if d.recorder != nil {
		if err := d.recorder.AppendCommand(ctx, &store.CommandRecord{
			CommandID: commandID,
			AgentID:   agentID,
			Action:    action,
			Status:    store.CommandDispatched,
			CreatedAt: now,
		}); err != nil {
			d.logger.Warn("recording command failed", "command_id", commandID, "error", err)
		}
	}

	d.logger.Debug("command dispatched",
		"agent_id", agentID,
		"command_id", commandID,
		"action", action,
		"timeout", timeout,
	)
	return handle, nil
}

// Resolve routes a result from an agent's receive loop to the matching
// pending entry. Progress results are re-emitted without resolving; only
// success/error resolve the handle. Unknown command ids are logged and
// discarded — never an error for the connection.
func (d *Dispatcher) Resolve(res *protocol.ResultEnvelope) {
	d.mu.Lock()
	p, ok := d.pending[res.CommandID]
	if ok && !res.Terminal() {
		// Sent under the lock: the channel is only closed after the entry
		// has been removed from the table, so no send can race the close.
		// Non-blocking so a slow progress consumer never stalls the
		// receive loop.
		select {
		case p.handle.progress <- res:
		default:
			d.logger.Warn("progress channel full, dropping event", "command_id", res.CommandID)
		}
		d.mu.Unlock()
		return
	}
	if ok {
		delete(d.pending, res.CommandID)
	}
	d.mu.Unlock()

	if !ok {
		d.logger.Warn("result for unknown command_id", "command_id", res.CommandID, "status", res.Status)
		return
	}

	status := store.CommandSucceeded
	if res.Status == protocol.StatusError {
		status = store.CommandFailed
	}
	d.record(res.CommandID, status, "")
	d.deliver(p, outcome{result: res})
}

// Expire sweeps the pending table and times out every entry whose deadline
// has passed. Returns the expired command ids.
func (d *Dispatcher) Expire(now time.Time) []string {
	d.mu.Lock()
	var expired []*pendingResult
	var ids []string
	for id, p := range d.pending {
		if p.timeoutAt.Before(now) {
			delete(d.pending, id)
			expired = append(expired, p)
			ids = append(ids, id)
		}
	}
	d.mu.Unlock()

	for _, p := range expired {
		d.logger.Info("command timed out", "command_id", p.handle.CommandID, "agent_id", p.agentID, "action", p.action)
		d.record(p.handle.CommandID, store.CommandTimedOut, "")
		d.deliver(p, outcome{err: ErrTimeout})
	}
	return ids
}

// FailAgent resolves every pending command targeting the given agent with
// ErrAgentDisconnected. Called when a session closes or times out.
func (d *Dispatcher) FailAgent(agentID string) int {
	d.mu.Lock()
	var failed []*pendingResult
	for id, p := range d.pending {
		if p.agentID == agentID {
			delete(d.pending, id)
			failed = append(failed, p)
		}
	}
	d.mu.Unlock()

	for _, p := range failed {
		d.record(p.handle.CommandID, store.CommandDisconnected, "")
		d.deliver(p, outcome{err: ErrAgentDisconnected})
	}
	if len(failed) > 0 {
		d.logger.Info("failed pending commands for disconnected agent", "agent_id", agentID, "count", len(failed))
	}
	return len(failed)
}

// Cancel removes a pending entry without delivering an outcome. The caller
// has withdrawn; a late result will be discarded as unknown.
func (d *Dispatcher) Cancel(commandID string) {
	if p := d.remove(commandID); p != nil {
		close(p.handle.progress)
		d.logger.Debug("command cancelled by caller", "command_id", commandID)
	}
}

// PendingCount reports the size of the pending-result table.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// remove deletes and returns a pending entry, or nil.
func (d *Dispatcher) remove(commandID string) *pendingResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.pending[commandID]
	delete(d.pending, commandID)
	return p
}

// deliver hands the terminal outcome to the handle. Every caller has
// already removed the entry from the table under the lock, so exactly one
// delivery happens per command.
func (d *Dispatcher) deliver(p *pendingResult, out outcome) {
	p.handle.result <- out
	close(p.handle.progress)
}

func (d *Dispatcher) record(commandID, status, detail string) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.FinishCommand(context.Background(), commandID, status, detail, time.Now()); err != nil && !errors.Is(err, store.ErrNotFound) {
		d.logger.Warn("recording command outcome failed", "command_id", commandID, "error", err)
	}
}
