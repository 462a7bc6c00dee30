// ABOUTME: Heartbeat timeout detection and stale-session eviction.
// ABOUTME: Periodic sweeps force-close dead sessions and expire pending commands.

package liveness

import (
	"context"
	"log/slog"
	"time"

	"github.com/dadude-io/dadude/internal/dispatch"
	"github.com/dadude-io/dadude/internal/hub"
)

// SeenStamper records the last-seen time for an agent. Satisfied by the
// store; nil disables stamping.
type SeenStamper interface {
	TouchAgentSeen(ctx context.Context, agentID string, at time.Time) error
}

// Config holds the supervisor's timing parameters.
type Config struct {
	// HeartbeatTimeout is how long a session may go without a heartbeat
	// before it is considered dead. Typically three missed intervals.
	HeartbeatTimeout time.Duration
	// SweepInterval is how often the hub is examined.
	SweepInterval time.Duration
}

// DefaultConfig matches a 30s agent heartbeat interval.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 90 * time.Second,
		SweepInterval:    10 * time.Second,
	}
}

// Supervisor detects sessions that died without closing cleanly and drives
// the resulting state transitions: transport close, hub eviction, and
// disconnection of the agent's pending commands.
type Supervisor struct {
	hub        *hub.Hub
	dispatcher *dispatch.Dispatcher
	stamper    SeenStamper
	cfg        Config
	logger     *slog.Logger
}

// New creates a Supervisor. Zero config fields fall back to defaults.
func New(h *hub.Hub, d *dispatch.Dispatcher, stamper SeenStamper, cfg Config, logger *slog.Logger) *Supervisor {
	def := DefaultConfig()
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	return &Supervisor{
		hub:        h,
		dispatcher: d,
		stamper:    stamper,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run blocks until the context is cancelled, sweeping sessions and
// expiring pending commands on every tick.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	s.logger.Info("liveness supervisor started",
		"heartbeat_timeout", s.cfg.HeartbeatTimeout,
		"sweep_interval", s.cfg.SweepInterval,
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("liveness supervisor stopped")
			return
		case now := <-ticker.C:
			s.SweepOnce(ctx, now)
			s.dispatcher.Expire(now)
		}
	}
}

// SweepOnce force-closes every session whose last heartbeat is older than
// the timeout: the transport is closed, the session removed from the hub,
// and all of the agent's pending commands fail with agent_disconnected.
// Returns the number of evicted sessions.
func (s *Supervisor) SweepOnce(ctx context.Context, now time.Time) int {
	evicted := 0
	for _, session := range s.hub.List() {
		last := session.LastHeartbeat()
		if now.Sub(last) <= s.cfg.HeartbeatTimeout {
			continue
		}
		if s.evict(ctx, session, last) {
			evicted++
		}
	}
	return evicted
}

// evict force-closes one stale session. The hub removal is identity-checked:
// if the agent reconnected after the sweep snapshot was taken, the stale
// session no longer owns the hub slot and the successor's pending commands
// must be left alone.
func (s *Supervisor) evict(ctx context.Context, session *hub.Session, last time.Time) bool {
	_ = session.Close()
	if !s.hub.Remove(session) {
		return false
	}

	s.logger.Warn("heartbeat timeout, evicting session",
		"agent_id", session.AgentID,
		"last_heartbeat", last,
	)

	s.dispatcher.FailAgent(session.AgentID)
	if s.stamper != nil {
		if err := s.stamper.TouchAgentSeen(ctx, session.AgentID, last); err != nil {
			s.logger.Warn("stamping last seen failed", "agent_id", session.AgentID, "error", err)
		}
	}
	return true
}
