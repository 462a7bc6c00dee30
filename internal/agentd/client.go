// ABOUTME: Agent-side connection client: dials the server, authenticates, and executes commands.
// ABOUTME: Reconnects forever with jittered exponential backoff; commands run in their own goroutines.

package agentd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dadude-io/dadude/internal/protocol"
)

// State is the connection lifecycle state of the client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// ErrRefused is returned from a connection attempt when the server answered
// the handshake with a refusal. The client keeps retrying; a pending agent
// connects successfully the moment an operator approves it.
var ErrRefused = errors.New("handshake refused")

const (
	backoffBase   = time.Second
	backoffCap    = 60 * time.Second
	backoffJitter = 0.2

	authAckTimeout = 10 * time.Second
	writeTimeout   = 10 * time.Second
)

// Config holds the client's connection parameters.
type Config struct {
	// ServerURL is the websocket endpoint, e.g. ws://dadude:8080/api/v1/agents/ws.
	ServerURL   string
	AgentID     string
	Token       string
	AgentType   string
	DisplayName string
	Version     string

	// HeartbeatInterval is the initial interval; the server's auth_ack
	// overrides it.
	HeartbeatInterval time.Duration
}

// Client maintains the persistent connection to the server and executes
// the commands it receives.
type Client struct {
	cfg      Config
	registry *Registry
	logger   *slog.Logger

	mu    sync.Mutex
	state State

	// writeMu serializes frame writes; heartbeats and command results
	// come from different goroutines.
	writeMu sync.Mutex
}

// New creates a Client. The registry decides which actions this agent can
// execute; everything else is answered with an error result.
func New(cfg Config, registry *Registry, logger *slog.Logger) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Client{
		cfg:      cfg,
		registry: registry,
		logger:   logger.With("component", "client"),
		state:    StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Debug("state changed", "from", prev.String(), "to", s.String())
	}
}

// Run connects and serves commands until the context is cancelled. Every
// failure path ends in a backoff and another attempt; the client never
// gives up on its own, including while the agent awaits approval.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			c.setState(StateDisconnected)
			return err
		}

		err := c.runOnce(ctx)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch {
		case errors.Is(err, ErrRefused):
			c.logger.Info("server refused connection, will retry", "error", err)
		case err != nil:
			c.logger.Warn("connection lost", "error", err)
		default:
			// An established session ended; start the backoff over.
			attempt = 0
		}

		attempt++
		delay := backoffDelay(attempt)
		c.logger.Debug("reconnecting", "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// runOnce performs one full connection lifecycle: dial, authenticate,
// serve. Returns nil only when a previously-established session ended.
func (c *Client) runOnce(ctx context.Context) error {
	c.setState(StateConnecting)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dialing server: %w", err)
	}
	defer conn.Close()

	c.setState(StateAuthenticating)
	ack, err := c.authenticate(conn)
	if err != nil {
		return err
	}

	c.setState(StateConnected)

	interval := c.cfg.HeartbeatInterval
	if ack.HeartbeatInterval > 0 {
		interval = time.Duration(ack.HeartbeatInterval) * time.Second
	}
	c.logger.Info("connected", "customer_id", ack.CustomerID, "heartbeat_interval", interval)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Closing the conn is the only way to unblock the read loop.
	go func() {
		<-sessionCtx.Done()
		_ = conn.Close()
	}()
	go c.heartbeatLoop(sessionCtx, conn, interval)

	c.serve(sessionCtx, conn)
	return nil
}

// authenticate sends the auth frame and waits for the server's verdict.
func (c *Client) authenticate(conn *websocket.Conn) (*protocol.AuthAckFrame, error) {
	auth := protocol.NewAuthFrame(&protocol.AuthFrame{
		AgentID:     c.cfg.AgentID,
		Token:       c.cfg.Token,
		AgentType:   c.cfg.AgentType,
		DisplayName: c.cfg.DisplayName,
		Version:     c.cfg.Version,
	})
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(auth); err != nil {
		return nil, fmt.Errorf("writing auth frame: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(authAckTimeout))
	var f protocol.Frame
	if err := conn.ReadJSON(&f); err != nil {
		return nil, fmt.Errorf("reading auth ack: %w", err)
	}
	if f.Type != protocol.FrameAuthAck || f.AuthAck == nil {
		return nil, fmt.Errorf("unexpected frame %q during handshake", f.Type)
	}
	if !f.AuthAck.Accepted {
		return nil, fmt.Errorf("%w: %s", ErrRefused, f.AuthAck.Reason)
	}

	_ = conn.SetReadDeadline(time.Time{})
	return f.AuthAck, nil
}

// heartbeatLoop sends periodic heartbeats until the session ends.
func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeFrame(conn, protocol.NewHeartbeatFrame(c.cfg.AgentID, time.Now())); err != nil {
				c.logger.Warn("heartbeat write failed", "error", err)
				// The read loop will notice the dead connection.
				return
			}
		}
	}
}

// serve consumes frames from the server until the connection dies. Each
// command runs in its own goroutine so a long scan never blocks a restart.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	for {
		var f protocol.Frame
		if err := conn.ReadJSON(&f); err != nil {
			c.logger.Debug("read loop ended", "error", err)
			return
		}
		if err := f.Validate(); err != nil {
			c.logger.Warn("dropping invalid frame", "error", err)
			continue
		}

		switch f.Type {
		case protocol.FrameCommand:
			go c.execute(ctx, conn, f.Command)
		default:
			c.logger.Warn("dropping unexpected frame", "type", f.Type)
		}
	}
}

// execute runs one command through the collector registry and reports
// exactly one terminal result. Progress events are best-effort.
func (c *Client) execute(ctx context.Context, conn *websocket.Conn, cmd *protocol.CommandEnvelope) {
	c.logger.Info("executing command", "command_id", cmd.CommandID, "action", cmd.Action)

	if cmd.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cmd.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	collector, ok := c.registry.Get(cmd.Action)
	if !ok {
		c.sendResult(conn, cmd.CommandID, protocol.StatusError,
			mustJSON(map[string]string{"error": "unsupported action: " + cmd.Action}))
		return
	}

	progress := func(payload json.RawMessage) {
		c.sendResult(conn, cmd.CommandID, protocol.StatusProgress, payload)
	}

	payload, err := collector.Collect(ctx, cmd.Params, progress)
	if err != nil {
		c.logger.Warn("command failed", "command_id", cmd.CommandID, "action", cmd.Action, "error", err)
		c.sendResult(conn, cmd.CommandID, protocol.StatusError,
			mustJSON(map[string]string{"error": err.Error()}))
		return
	}
	c.sendResult(conn, cmd.CommandID, protocol.StatusSuccess, payload)
}

// sendResult writes one result frame. Write failures are logged and the
// result dropped: the server fails the command as disconnected on its own,
// and results are never replayed across reconnects.
func (c *Client) sendResult(conn *websocket.Conn, commandID, status string, payload json.RawMessage) {
	frame := protocol.NewResultFrame(&protocol.ResultEnvelope{
		CommandID: commandID,
		Status:    status,
		Payload:   payload,
		EmittedAt: time.Now(),
	})
	if err := c.writeFrame(conn, frame); err != nil {
		c.logger.Warn("dropping result, write failed", "command_id", commandID, "status", status, "error", err)
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, f *protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(f)
}

// backoffDelay computes the jittered exponential delay for the nth attempt.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	// +/- 20% so a fleet of agents does not reconnect in lockstep.
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
