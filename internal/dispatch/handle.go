// ABOUTME: PendingResultHandle returned to callers awaiting a command outcome.
// ABOUTME: Wraps buffered channels for progress events and the single terminal result.

package dispatch

import (
	"context"

	"github.com/dadude-io/dadude/internal/protocol"
)

// outcome is the terminal state delivered to a handle exactly once.
type outcome struct {
	result *protocol.ResultEnvelope
	err    error
}

// Handle lets the caller of Send await or poll the command's outcome.
// Progress results are streamed on Progress; Wait blocks for the terminal
// result, a dispatch error, or context cancellation.
type Handle struct {
	CommandID string
	AgentID   string

	dispatcher *Dispatcher
	progress   chan *protocol.ResultEnvelope
	result     chan outcome
}

func newHandle(d *Dispatcher, commandID, agentID string) *Handle {
	return &Handle{
		CommandID:  commandID,
		AgentID:    agentID,
		dispatcher: d,
		progress:   make(chan *protocol.ResultEnvelope, 16),
		result:     make(chan outcome, 1),
	}
}

// Wait blocks until the command resolves. Cancelling the context removes
// the pending entry; the command cannot be recalled from the agent, and a
// late result will be discarded by the dispatcher.
func (h *Handle) Wait(ctx context.Context) (*protocol.ResultEnvelope, error) {
	select {
	case out := <-h.result:
		return out.result, out.err
	case <-ctx.Done():
		h.dispatcher.Cancel(h.CommandID)
		// A resolution may have raced the cancellation; prefer it.
		select {
		case out := <-h.result:
			return out.result, out.err
		default:
			return nil, ctx.Err()
		}
	}
}

// Progress returns the stream of progress results. The channel is closed
// when the command resolves. Slow consumers drop events rather than block
// the receive loop.
func (h *Handle) Progress() <-chan *protocol.ResultEnvelope {
	return h.progress
}

// Cancel withdraws interest in the outcome. The command may still execute
// agent-side; its result, if ever produced, is logged and discarded.
func (h *Handle) Cancel() {
	h.dispatcher.Cancel(h.CommandID)
}
