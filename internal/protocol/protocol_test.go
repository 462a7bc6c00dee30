// ABOUTME: Tests for wire frame validation and envelope helpers.
// ABOUTME: Covers type/payload mismatches, terminal status logic, and action validation.

package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameValidate(t *testing.T) {
	t.Run("auth frame requires agent_id", func(t *testing.T) {
		f := NewAuthFrame(&AuthFrame{Token: "secret"})
		assert.Error(t, f.Validate())

		f = NewAuthFrame(&AuthFrame{AgentID: "agent-001", Token: "secret"})
		assert.NoError(t, f.Validate())
	})

	t.Run("command frame requires command_id", func(t *testing.T) {
		f := NewCommandFrame(&CommandEnvelope{Action: ActionScan})
		assert.Error(t, f.Validate())

		f = NewCommandFrame(&CommandEnvelope{CommandID: "c1", Action: ActionScan})
		assert.NoError(t, f.Validate())
	})

	t.Run("payload must match type", func(t *testing.T) {
		f := &Frame{Type: FrameResult}
		assert.Error(t, f.Validate())
	})

	t.Run("unknown type is rejected", func(t *testing.T) {
		f := &Frame{Type: "shrug"}
		err := f.Validate()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnknownFrameType)
	})
}

func TestFrameRoundTrip(t *testing.T) {
	params := json.RawMessage(`{"network":"10.0.0.0/24"}`)
	f := NewCommandFrame(&CommandEnvelope{
		CommandID:      "cmd-42",
		Action:         ActionScan,
		Params:         params,
		TimeoutSeconds: 120,
	})

	data, err := json.Marshal(f)
	require.NoError(t, err)

	var decoded Frame
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NoError(t, decoded.Validate())
	assert.Equal(t, FrameCommand, decoded.Type)
	assert.Equal(t, "cmd-42", decoded.Command.CommandID)
	assert.JSONEq(t, string(params), string(decoded.Command.Params))
}

func TestResultTerminal(t *testing.T) {
	cases := []struct {
		status   string
		terminal bool
	}{
		{StatusSuccess, true},
		{StatusError, true},
		{StatusProgress, false},
	}
	for _, tc := range cases {
		r := &ResultEnvelope{CommandID: "c1", Status: tc.status, EmittedAt: time.Now()}
		assert.Equal(t, tc.terminal, r.Terminal(), "status %s", tc.status)
	}
}

func TestValidAction(t *testing.T) {
	assert.True(t, ValidAction(ActionScan))
	assert.True(t, ValidAction(ActionBackup))
	assert.False(t, ValidAction("format_disk"))
	assert.False(t, ValidAction(""))
}

func TestValidAgentType(t *testing.T) {
	assert.True(t, ValidAgentType(AgentTypeDocker))
	assert.True(t, ValidAgentType(AgentTypeMikrotik))
	assert.False(t, ValidAgentType("vmware"))
}
