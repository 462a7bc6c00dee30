// ABOUTME: Represents a single live agent connection and its transport handle.
// ABOUTME: Tracks heartbeat timestamps and serializes outbound frame writes.

package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dadude-io/dadude/internal/protocol"
)

// Transport is the write side of one agent connection. The session owns it
// exclusively; closing it terminates the connection.
type Transport interface {
	// WriteFrame sends one frame. Implementations must be safe for
	// concurrent use; frames from a single caller are delivered in order.
	WriteFrame(f *protocol.Frame) error
	Close() error
}

// Session is one currently-live connection for one agent.
type Session struct {
	AgentID     string
	CustomerID  string
	AgentType   string
	Version     string
	ConnectedAt time.Time

	transport Transport
	logger    *slog.Logger

	mu            sync.Mutex
	lastHeartbeat time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// SessionParams bundles the fields needed to construct a Session.
type SessionParams struct {
	AgentID    string
	CustomerID string
	AgentType  string
	Version    string
	Transport  Transport
	Logger     *slog.Logger
}

// NewSession creates a session for an authenticated connection. The session
// starts with a fresh heartbeat so a quiet agent is not evicted before its
// first heartbeat interval elapses.
func NewSession(p SessionParams) *Session {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	return &Session{
		AgentID:       p.AgentID,
		CustomerID:    p.CustomerID,
		AgentType:     p.AgentType,
		Version:       p.Version,
		ConnectedAt:   now,
		transport:     p.Transport,
		logger:        logger,
		lastHeartbeat: now,
		done:          make(chan struct{}),
	}
}

// Send transmits a frame to the agent over the session's transport.
func (s *Session) Send(f *protocol.Frame) error {
	return s.transport.WriteFrame(f)
}

// Heartbeat records a liveness signal from the agent.
func (s *Session) Heartbeat(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.After(s.lastHeartbeat) {
		s.lastHeartbeat = at
	}
}

// LastHeartbeat returns the time of the most recent heartbeat.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// Close shuts the transport down. Safe to call more than once; only the
// first call closes the transport.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.transport.Close()
		close(s.done)
	})
	return err
}

// Done is closed when the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
