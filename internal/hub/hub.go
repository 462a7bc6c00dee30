// ABOUTME: Process-wide registry of live agent sessions, keyed by agent id.
// ABOUTME: Central coordinator enforcing the single-session-per-agent invariant.

package hub

import (
	"log/slog"
	"sync"

	"github.com/dadude-io/dadude/internal/protocol"
)

// Hub is the single source of truth for which agents are currently
// reachable. It is constructed once at process start and passed to every
// component that needs to look up sessions.
type Hub struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
}

// New creates an empty Hub.
func New(logger *slog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Admit registers an authenticated session. If a session already exists for
// the same agent id, the old transport is closed first: last-connect-wins,
// so two sessions can never race to deliver commands to one agent.
// Returns the superseded session, or nil.
func (h *Hub) Admit(s *Session) *Session {
	h.mu.Lock()
	old := h.sessions[s.AgentID]
	h.sessions[s.AgentID] = s
	total := len(h.sessions)
	h.mu.Unlock()

	if old != nil {
		_ = old.Close()
		h.logger.Info("agent session superseded", "agent_id", s.AgentID)
	}

	h.logger.Info("agent connected",
		"agent_id", s.AgentID,
		"agent_type", s.AgentType,
		"customer_id", s.CustomerID,
		"total_agents", total,
	)
	return old
}

// Remove evicts a session. The removal is identity-checked: a superseded
// session's deferred cleanup must not evict the successor that replaced it.
// Safe to call more than once. Reports whether this call evicted the session,
// so the caller knows whether cleanup of the agent's pending work is its job.
func (h *Hub) Remove(s *Session) bool {
	h.mu.Lock()
	current, ok := h.sessions[s.AgentID]
	removed := ok && current == s
	if removed {
		delete(h.sessions, s.AgentID)
	}
	total := len(h.sessions)
	h.mu.Unlock()

	if removed {
		h.logger.Info("agent disconnected", "agent_id", s.AgentID, "total_agents", total)
	}
	return removed
}

// Get retrieves the live session for an agent, if any. O(1) by id.
func (h *Hub) Get(agentID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[agentID]
	return s, ok
}

// IsOnline reports whether an agent currently has a live session.
func (h *Hub) IsOnline(agentID string) bool {
	_, ok := h.Get(agentID)
	return ok
}

// List returns a snapshot of all live sessions.
func (h *Hub) List() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Broadcast sends a frame to every session matching the predicate.
// Best-effort: write failures are logged and counted out, nothing waits
// for delivery beyond the transport write itself. A nil predicate matches
// all sessions. Returns the number of successful writes.
func (h *Hub) Broadcast(pred func(*Session) bool, f *protocol.Frame) int {
	sent := 0
	for _, s := range h.List() {
		if pred != nil && !pred(s) {
			continue
		}
		if err := s.Send(f); err != nil {
			h.logger.Warn("broadcast write failed", "agent_id", s.AgentID, "error", err)
			continue
		}
		sent++
	}
	return sent
}
