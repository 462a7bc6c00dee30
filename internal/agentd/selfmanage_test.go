// ABOUTME: Tests for the restart, update_agent, and execute_commands collectors.
// ABOUTME: Version state round-trips through a temp dir; commands run through the real shell.

package agentd

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newTestManager(t *testing.T, version string) (*SelfManager, chan struct{}) {
	t.Helper()
	restarts := make(chan struct{}, 4)
	m, err := NewSelfManager(SelfManagerConfig{
		Dir:            t.TempDir(),
		Version:        version,
		RequestRestart: func() { restarts <- struct{}{} },
		Logger:         slog.Default(),
	})
	if err != nil {
		t.Fatalf("new self manager: %v", err)
	}
	m.restartDelay = 0
	return m, restarts
}

func waitForRestart(t *testing.T, restarts chan struct{}) {
	t.Helper()
	select {
	case <-restarts:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a restart request")
	}
}

func TestRestartCollector(t *testing.T) {
	m, restarts := newTestManager(t, "1.0.0")

	payload, err := m.RestartCollector().Collect(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}

	var result RestartResult
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !result.Restarting {
		t.Error("restart result must report restarting")
	}
	waitForRestart(t, restarts)
}

func TestUpdateCollectorStagesVersion(t *testing.T) {
	m, restarts := newTestManager(t, "1.0.0")

	params, _ := json.Marshal(UpdateParams{Version: "1.1.0"})
	payload, err := m.UpdateCollector().Collect(context.Background(), params, nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	var result UpdateResult
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Current != "1.0.0" || result.Staged != "1.1.0" || !result.Restarting {
		t.Fatalf("unexpected update result: %+v", result)
	}

	st, err := m.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Current != "1.0.0" || st.Staged != "1.1.0" {
		t.Fatalf("unexpected persisted state: %+v", st)
	}
	waitForRestart(t, restarts)
}

func TestUpdateCollectorRefusals(t *testing.T) {
	m, restarts := newTestManager(t, "1.0.0")

	if _, err := m.UpdateCollector().Collect(context.Background(), nil, nil); err == nil {
		t.Fatal("expected error for missing version")
	}

	if err := m.MarkBad("0.9.0"); err != nil {
		t.Fatalf("mark bad: %v", err)
	}
	params, _ := json.Marshal(UpdateParams{Version: "0.9.0"})
	_, err := m.UpdateCollector().Collect(context.Background(), params, nil)
	if err == nil || !strings.Contains(err.Error(), "marked bad") {
		t.Fatalf("expected bad-version refusal, got %v", err)
	}

	// Updating to the running version is a no-op, no restart.
	params, _ = json.Marshal(UpdateParams{Version: "1.0.0"})
	payload, err := m.UpdateCollector().Collect(context.Background(), params, nil)
	if err != nil {
		t.Fatalf("update to running version: %v", err)
	}
	var result UpdateResult
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Restarting || result.Staged != "" {
		t.Fatalf("no-op update must not stage or restart: %+v", result)
	}
	select {
	case <-restarts:
		t.Error("refused updates must not request a restart")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSelfManagerPromotesStagedVersion(t *testing.T) {
	dir := t.TempDir()
	m, err := NewSelfManager(SelfManagerConfig{Dir: dir, Version: "1.0.0"})
	if err != nil {
		t.Fatalf("new self manager: %v", err)
	}
	m.restartDelay = 0

	params, _ := json.Marshal(UpdateParams{Version: "1.1.0"})
	if _, err := m.UpdateCollector().Collect(context.Background(), params, nil); err != nil {
		t.Fatalf("update: %v", err)
	}

	// The next start runs the staged binary; the state file is promoted.
	m2, err := NewSelfManager(SelfManagerConfig{Dir: dir, Version: "1.1.0"})
	if err != nil {
		t.Fatalf("restarted self manager: %v", err)
	}
	st, err := m2.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.Current != "1.1.0" || st.Staged != "" {
		t.Fatalf("staged version must be promoted on restart: %+v", st)
	}
}

func TestBadVersionsPersist(t *testing.T) {
	dir := t.TempDir()
	m, err := NewSelfManager(SelfManagerConfig{Dir: dir, Version: "1.0.0"})
	if err != nil {
		t.Fatalf("new self manager: %v", err)
	}

	if err := m.MarkBad("1.2.0"); err != nil {
		t.Fatalf("mark bad: %v", err)
	}
	if err := m.MarkBad("1.2.0"); err != nil {
		t.Fatalf("mark bad twice: %v", err)
	}

	m2, err := NewSelfManager(SelfManagerConfig{Dir: dir, Version: "1.0.0"})
	if err != nil {
		t.Fatalf("reopened self manager: %v", err)
	}
	if !m2.IsBad("1.2.0") {
		t.Error("bad version must persist across restarts")
	}
	if m2.IsBad("1.3.0") {
		t.Error("unknown version must not be bad")
	}
}

func TestExecCollector(t *testing.T) {
	params, _ := json.Marshal(ExecParams{Commands: []string{
		"echo hello",
		"exit 3",
	}})

	var events []json.RawMessage
	payload, err := NewExecCollector().Collect(context.Background(), params, func(p json.RawMessage) {
		events = append(events, p)
	})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}

	var result ExecResult
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Succeeded != 1 || result.Failed != 1 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if len(result.Results) != 2 {
		t.Fatalf("expected 2 results, got %v", result.Results)
	}
	if !strings.Contains(result.Results[0].Output, "hello") || result.Results[0].ExitCode != 0 {
		t.Errorf("unexpected echo result: %+v", result.Results[0])
	}
	if result.Results[1].ExitCode != 3 {
		t.Errorf("unexpected exit code: %+v", result.Results[1])
	}
	if len(events) != 2 {
		t.Errorf("expected a progress event per command, got %d", len(events))
	}
}

func TestExecCollectorRejectsBadParams(t *testing.T) {
	if _, err := NewExecCollector().Collect(context.Background(), json.RawMessage(`{`), nil); err == nil {
		t.Fatal("expected error for malformed params")
	}
	if _, err := NewExecCollector().Collect(context.Background(), json.RawMessage(`{}`), nil); err == nil {
		t.Fatal("expected error for empty command list")
	}
}

func TestExecCollectorStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	params, _ := json.Marshal(ExecParams{Commands: []string{"echo hello"}})
	if _, err := NewExecCollector().Collect(ctx, params, nil); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
