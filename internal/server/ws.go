// ABOUTME: Websocket endpoint carrying the persistent agent connection.
// ABOUTME: Handles the auth handshake, the receive loop, and disconnect cleanup.

package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dadude-io/dadude/internal/hub"
	"github.com/dadude-io/dadude/internal/protocol"
	"github.com/dadude-io/dadude/internal/store"
)

const (
	// authTimeout bounds how long a fresh connection may sit without
	// presenting its auth frame.
	authTimeout = 10 * time.Second

	writeTimeout = 10 * time.Second
)

// wsTransport adapts a websocket connection to the hub's Transport
// interface. Writes are serialized; gorilla permits only one concurrent
// writer per connection.
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (t *wsTransport) WriteFrame(f *protocol.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteJSON(f)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// handleAgentWS upgrades the connection and runs the agent session until
// the connection dies or the session is superseded.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	tr := &wsTransport{conn: conn}

	agent, authFrame, ok := s.handshake(r.Context(), conn, tr)
	if !ok {
		_ = tr.Close()
		return
	}

	session := hub.NewSession(hub.SessionParams{
		AgentID:    agent.ID,
		CustomerID: agent.CustomerID,
		AgentType:  agent.AgentType,
		Version:    authFrame.Version,
		Transport:  tr,
		Logger:     s.logger,
	})
	s.hub.Admit(session)

	ack := protocol.NewAuthAckFrame(&protocol.AuthAckFrame{
		Accepted:          true,
		CustomerID:        agent.CustomerID,
		HeartbeatInterval: int(s.config.Agents.HeartbeatInterval / time.Second),
	})
	if err := session.Send(ack); err != nil {
		s.logger.Warn("auth ack write failed", "agent_id", agent.ID, "error", err)
		s.cleanup(session)
		return
	}

	_ = s.store.TouchAgentSeen(r.Context(), agent.ID, time.Now())
	s.readLoop(session, conn)
}

// handshake reads and verifies the auth frame. On refusal it writes an
// auth_ack carrying the reason and returns ok=false; the caller closes the
// connection.
func (s *Server) handshake(ctx context.Context, conn *websocket.Conn, tr *wsTransport) (*store.Agent, *protocol.AuthFrame, bool) {
	refuse := func(reason string) {
		_ = tr.WriteFrame(protocol.NewAuthAckFrame(&protocol.AuthAckFrame{Accepted: false, Reason: reason}))
	}

	_ = conn.SetReadDeadline(time.Now().Add(authTimeout))
	var f protocol.Frame
	if err := conn.ReadJSON(&f); err != nil {
		s.logger.Debug("auth frame read failed", "error", err)
		return nil, nil, false
	}
	if f.Type != protocol.FrameAuth || f.Validate() != nil {
		refuse("expected auth frame")
		return nil, nil, false
	}

	agent, err := s.store.Authenticate(ctx, f.Auth.AgentID, f.Auth.Token)
	if err != nil {
		reason := "authentication failed"
		switch {
		case errors.Is(err, store.ErrUnknownAgent):
			reason = "unknown agent"
		case errors.Is(err, store.ErrBadToken):
			reason = "invalid credentials"
		case errors.Is(err, store.ErrNotApproved):
			reason = "agent not approved"
		}
		s.logger.Info("agent auth refused", "agent_id", f.Auth.AgentID, "reason", reason)
		refuse(reason)
		return nil, nil, false
	}

	// Authenticated; the connection now lives on heartbeats alone.
	_ = conn.SetReadDeadline(time.Time{})
	return agent, f.Auth, true
}

// readLoop consumes frames from the agent until the connection dies.
// Heartbeats refresh liveness, results feed the dispatcher, anything else
// is dropped. Malformed frames are dropped, not fatal.
func (s *Server) readLoop(session *hub.Session, conn *websocket.Conn) {
	defer s.cleanup(session)

	for {
		var f protocol.Frame
		if err := conn.ReadJSON(&f); err != nil {
			s.logger.Debug("agent read loop ended", "agent_id", session.AgentID, "error", err)
			return
		}
		if err := f.Validate(); err != nil {
			s.logger.Warn("dropping invalid frame", "agent_id", session.AgentID, "error", err)
			continue
		}

		switch f.Type {
		case protocol.FrameHeartbeat:
			// Server receipt time, not the agent's clock stamp. Agent
			// clocks behind NAT routers drift badly.
			now := time.Now()
			session.Heartbeat(now)
			_ = s.store.TouchAgentSeen(context.Background(), session.AgentID, now)
		case protocol.FrameResult:
			s.dispatcher.Resolve(f.Result)
		default:
			s.logger.Warn("dropping unexpected frame", "agent_id", session.AgentID, "type", f.Type)
		}
	}
}

// cleanup closes the session and, if this session was still the live one
// for its agent, fails the agent's in-flight commands. A superseded
// session's cleanup must leave the successor's commands alone.
func (s *Server) cleanup(session *hub.Session) {
	_ = session.Close()
	if s.hub.Remove(session) {
		s.dispatcher.FailAgent(session.AgentID)
		_ = s.store.TouchAgentSeen(context.Background(), session.AgentID, time.Now())
	}
}
