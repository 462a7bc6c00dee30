// ABOUTME: Agent self-management: restart and staged version updates.
// ABOUTME: Version state is persisted as JSON files in a state directory.

package agentd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Result frames are written before the process goes down; the delay gives
// the write loop time to flush the terminal result to the server.
const defaultRestartDelay = time.Second

// SelfManagerConfig configures the self-management collectors.
type SelfManagerConfig struct {
	// Dir holds the version state files. Created if missing.
	Dir string
	// Version is the version of the running binary.
	Version string
	// RequestRestart shuts the agent down so the service supervisor can
	// start it again, on the staged version if one was installed.
	RequestRestart func()
	Logger         *slog.Logger
}

// SelfManager owns the restart and update_agent actions. An update stages
// the target version on disk and restarts; the outer install layer swaps
// the binary, and the next start promotes the staged version once it is
// actually the one running.
type SelfManager struct {
	dir            string
	version        string
	requestRestart func()
	logger         *slog.Logger
	restartDelay   time.Duration
}

// VersionState is the on-disk version record.
type VersionState struct {
	Current   string    `json:"current"`
	Staged    string    `json:"staged,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// badVersions is the on-disk list of versions that must never be installed
// again, typically because a previous update to them failed.
type badVersions struct {
	Versions []string `json:"versions"`
}

// NewSelfManager creates a SelfManager rooted at cfg.Dir and reconciles the
// persisted version state with the running binary.
func NewSelfManager(cfg SelfManagerConfig) (*SelfManager, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &SelfManager{
		dir:            cfg.Dir,
		version:        cfg.Version,
		requestRestart: cfg.RequestRestart,
		logger:         logger.With("component", "selfmanage"),
		restartDelay:   defaultRestartDelay,
	}
	if err := m.reconcile(); err != nil {
		return nil, err
	}
	return m, nil
}

// reconcile promotes a staged version that is now running, and records the
// running version when the state file is stale or absent.
func (m *SelfManager) reconcile() error {
	st, err := m.loadState()
	if err != nil {
		return err
	}
	switch {
	case st.Staged != "" && st.Staged == m.version:
		m.logger.Info("staged update is now running", "version", m.version)
		st.Current, st.Staged = m.version, ""
	case st.Current != m.version:
		st.Current = m.version
	default:
		return nil
	}
	st.UpdatedAt = time.Now().UTC()
	return m.saveState(st)
}

func (m *SelfManager) stateFile() string { return filepath.Join(m.dir, "version.json") }
func (m *SelfManager) badFile() string   { return filepath.Join(m.dir, "bad_versions.json") }

func (m *SelfManager) loadState() (VersionState, error) {
	var st VersionState
	data, err := os.ReadFile(m.stateFile())
	if os.IsNotExist(err) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("reading version state: %w", err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parsing version state: %w", err)
	}
	return st, nil
}

func (m *SelfManager) saveState(st VersionState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding version state: %w", err)
	}
	if err := os.WriteFile(m.stateFile(), data, 0o644); err != nil {
		return fmt.Errorf("writing version state: %w", err)
	}
	return nil
}

// State returns the persisted version record.
func (m *SelfManager) State() (VersionState, error) {
	return m.loadState()
}

// IsBad reports whether a version is on the bad-version list.
func (m *SelfManager) IsBad(version string) bool {
	var bad badVersions
	data, err := os.ReadFile(m.badFile())
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, &bad); err != nil {
		return false
	}
	for _, v := range bad.Versions {
		if v == version {
			return true
		}
	}
	return false
}

// MarkBad adds a version to the bad-version list so it is never staged again.
func (m *SelfManager) MarkBad(version string) error {
	var bad badVersions
	if data, err := os.ReadFile(m.badFile()); err == nil {
		_ = json.Unmarshal(data, &bad)
	}
	for _, v := range bad.Versions {
		if v == version {
			return nil
		}
	}
	bad.Versions = append(bad.Versions, version)
	data, err := json.MarshalIndent(bad, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding bad versions: %w", err)
	}
	if err := os.WriteFile(m.badFile(), data, 0o644); err != nil {
		return fmt.Errorf("writing bad versions: %w", err)
	}
	return nil
}

func (m *SelfManager) scheduleRestart() {
	if m.requestRestart == nil {
		return
	}
	time.AfterFunc(m.restartDelay, m.requestRestart)
}

// RestartResult is the payload of the restart action.
type RestartResult struct {
	Restarting bool   `json:"restarting"`
	Delay      string `json:"delay"`
}

// RestartCollector returns the collector for the restart action.
func (m *SelfManager) RestartCollector() Collector {
	return CollectorFunc(func(ctx context.Context, params json.RawMessage, progress func(json.RawMessage)) (json.RawMessage, error) {
		m.logger.Info("restart requested")
		m.scheduleRestart()
		return json.Marshal(RestartResult{Restarting: true, Delay: m.restartDelay.String()})
	})
}

// UpdateParams is the params payload of an update_agent command.
type UpdateParams struct {
	Version string `json:"version"`
}

// UpdateResult is the payload of the update_agent action.
type UpdateResult struct {
	Current    string `json:"current"`
	Staged     string `json:"staged,omitempty"`
	Restarting bool   `json:"restarting"`
}

// UpdateCollector returns the collector for the update_agent action. The
// target version is staged in the state file and the agent restarts; bad
// versions are refused, and updating to the running version is a no-op.
func (m *SelfManager) UpdateCollector() Collector {
	return CollectorFunc(func(ctx context.Context, params json.RawMessage, progress func(json.RawMessage)) (json.RawMessage, error) {
		var req UpdateParams
		if len(params) > 0 {
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, fmt.Errorf("invalid update params: %w", err)
			}
		}
		if req.Version == "" {
			return nil, fmt.Errorf("version is required")
		}
		if m.IsBad(req.Version) {
			return nil, fmt.Errorf("version %q is marked bad", req.Version)
		}
		if req.Version == m.version {
			return json.Marshal(UpdateResult{Current: m.version})
		}

		st, err := m.loadState()
		if err != nil {
			return nil, err
		}
		st.Current = m.version
		st.Staged = req.Version
		st.UpdatedAt = time.Now().UTC()
		if err := m.saveState(st); err != nil {
			return nil, err
		}

		m.logger.Info("update staged, restarting", "current", m.version, "staged", req.Version)
		m.scheduleRestart()
		return json.Marshal(UpdateResult{Current: m.version, Staged: req.Version, Restarting: true})
	})
}
