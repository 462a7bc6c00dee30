// ABOUTME: Tests for command dispatch and result correlation.
// ABOUTME: Covers offline fail-fast, round trips, timeouts, disconnects, and cancellation.

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dadude-io/dadude/internal/hub"
	"github.com/dadude-io/dadude/internal/protocol"
)

// fakeTransport captures command frames written to a session.
type fakeTransport struct {
	mu         sync.Mutex
	frames     []*protocol.Frame
	failWrites bool
}

func (t *fakeTransport) WriteFrame(f *protocol.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWrites {
		return errors.New("broken pipe")
	}
	t.frames = append(t.frames, f)
	return nil
}

func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) lastCommand() *protocol.CommandEnvelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.frames) == 0 {
		return nil
	}
	return t.frames[len(t.frames)-1].Command
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *hub.Hub) {
	t.Helper()
	h := hub.New(slog.Default())
	return New(h, DefaultTimeouts(), nil, slog.Default()), h
}

func connectAgent(h *hub.Hub, agentID string) *fakeTransport {
	tr := &fakeTransport{}
	h.Admit(hub.NewSession(hub.SessionParams{AgentID: agentID, AgentType: protocol.AgentTypeDocker, Transport: tr}))
	return tr
}

func TestSendToOfflineAgentFailsFast(t *testing.T) {
	d, _ := newTestDispatcher(t)

	start := time.Now()
	_, err := d.Send(context.Background(), "agent-001", protocol.ActionScan, nil, 0)
	if !errors.Is(err, ErrAgentDisconnected) {
		t.Fatalf("expected ErrAgentDisconnected, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("offline send must not block, took %v", elapsed)
	}
	if d.PendingCount() != 0 {
		t.Error("no pending entry may be left behind")
	}
}

func TestSendWriteFailure(t *testing.T) {
	d, h := newTestDispatcher(t)
	tr := connectAgent(h, "agent-001")
	tr.failWrites = true

	_, err := d.Send(context.Background(), "agent-001", protocol.ActionProbe, nil, 0)
	if !errors.Is(err, ErrAgentDisconnected) {
		t.Fatalf("expected ErrAgentDisconnected on write failure, got %v", err)
	}
	if d.PendingCount() != 0 {
		t.Error("failed dispatch must not leak a pending entry")
	}
}

func TestSendInvalidAction(t *testing.T) {
	d, h := newTestDispatcher(t)
	connectAgent(h, "agent-001")

	_, err := d.Send(context.Background(), "agent-001", "format_disk", nil, 0)
	if !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
}

func TestCommandCorrelationRoundTrip(t *testing.T) {
	d, h := newTestDispatcher(t)
	tr := connectAgent(h, "agent-001")

	params := json.RawMessage(`{"network":"192.168.1.0/24"}`)
	handle, err := d.Send(context.Background(), "agent-001", protocol.ActionScan, params, time.Minute)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	cmd := tr.lastCommand()
	if cmd == nil {
		t.Fatal("expected command frame on the transport")
	}
	if cmd.CommandID != handle.CommandID {
		t.Fatalf("frame command_id %q != handle command_id %q", cmd.CommandID, handle.CommandID)
	}

	// Progress keeps the handle waiting.
	d.Resolve(&protocol.ResultEnvelope{CommandID: cmd.CommandID, Status: protocol.StatusProgress, Payload: json.RawMessage(`{"pct":50}`)})

	select {
	case prog := <-handle.Progress():
		if prog.Status != protocol.StatusProgress {
			t.Fatalf("expected progress event, got %s", prog.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("progress event not delivered")
	}
	if d.PendingCount() != 1 {
		t.Fatal("progress must not resolve the pending entry")
	}

	// Terminal success resolves with the exact payload.
	payload := json.RawMessage(`{"devices":[{"ip":"192.168.1.10"}]}`)
	d.Resolve(&protocol.ResultEnvelope{CommandID: cmd.CommandID, Status: protocol.StatusSuccess, Payload: payload})

	res, err := handle.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if string(res.Payload) != string(payload) {
		t.Fatalf("payload mismatch: %s", res.Payload)
	}
	if d.PendingCount() != 0 {
		t.Error("resolved entry must be removed from the table")
	}
}

func TestResolveUnknownCommandIDIsDiscarded(t *testing.T) {
	d, _ := newTestDispatcher(t)
	// Must not panic or affect the table.
	d.Resolve(&protocol.ResultEnvelope{CommandID: "ghost", Status: protocol.StatusSuccess})
	if d.PendingCount() != 0 {
		t.Error("unknown result must not create state")
	}
}

func TestExpireTimesOutWaitingCommands(t *testing.T) {
	d, h := newTestDispatcher(t)
	connectAgent(h, "agent-001")

	handle, err := d.Send(context.Background(), "agent-001", protocol.ActionRestart, nil, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	expired := d.Expire(time.Now().Add(time.Second))
	if len(expired) != 1 || expired[0] != handle.CommandID {
		t.Fatalf("expected command %s to expire, got %v", handle.CommandID, expired)
	}

	_, err = handle.Wait(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if d.PendingCount() != 0 {
		t.Error("expired entry must be removed")
	}

	// A late result after expiry is silently discarded.
	d.Resolve(&protocol.ResultEnvelope{CommandID: handle.CommandID, Status: protocol.StatusSuccess})
}

func TestExpireLeavesFreshCommands(t *testing.T) {
	d, h := newTestDispatcher(t)
	connectAgent(h, "agent-001")

	_, err := d.Send(context.Background(), "agent-001", protocol.ActionScan, nil, time.Hour)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if expired := d.Expire(time.Now()); len(expired) != 0 {
		t.Fatalf("nothing should expire yet, got %v", expired)
	}
	if d.PendingCount() != 1 {
		t.Error("fresh entry must remain pending")
	}
}

func TestFailAgentResolvesAllPending(t *testing.T) {
	d, h := newTestDispatcher(t)
	connectAgent(h, "agent-001")
	connectAgent(h, "agent-002")

	var handles []*Handle
	for i := 0; i < 3; i++ {
		hd, err := d.Send(context.Background(), "agent-001", protocol.ActionProbe, nil, time.Minute)
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		handles = append(handles, hd)
	}
	other, err := d.Send(context.Background(), "agent-002", protocol.ActionProbe, nil, time.Minute)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if n := d.FailAgent("agent-001"); n != 3 {
		t.Fatalf("expected 3 failed commands, got %d", n)
	}

	for _, hd := range handles {
		_, err := hd.Wait(context.Background())
		if !errors.Is(err, ErrAgentDisconnected) {
			t.Fatalf("expected ErrAgentDisconnected, got %v", err)
		}
	}

	// The other agent's command is untouched.
	if d.PendingCount() != 1 {
		t.Fatalf("expected 1 remaining pending entry, got %d", d.PendingCount())
	}
	d.Resolve(&protocol.ResultEnvelope{CommandID: other.CommandID, Status: protocol.StatusSuccess})
	if _, err := other.Wait(context.Background()); err != nil {
		t.Fatalf("other agent's command should still resolve: %v", err)
	}
}

func TestWaitContextCancellation(t *testing.T) {
	d, h := newTestDispatcher(t)
	connectAgent(h, "agent-001")

	handle, err := d.Send(context.Background(), "agent-001", protocol.ActionBackup, nil, time.Hour)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = handle.Wait(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if d.PendingCount() != 0 {
		t.Error("cancellation must remove the pending entry")
	}

	// The agent may still answer; the late result is discarded.
	d.Resolve(&protocol.ResultEnvelope{CommandID: handle.CommandID, Status: protocol.StatusSuccess})
}

func TestTimeoutsFor(t *testing.T) {
	tos := DefaultTimeouts()
	if tos.For(protocol.ActionBackup) <= tos.For(protocol.ActionRestart) {
		t.Error("backup timeout should exceed restart timeout")
	}
	if tos.For("unknown") != tos.Default {
		t.Error("unknown action should use the default timeout")
	}
}
