// ABOUTME: Tests for configuration loading, env expansion, and validation.
// ABOUTME: Uses temp-dir config files rather than fixtures.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "/var/lib/dadude/dadude.db"
auth:
  jwt_secret: "test-secret"
agents:
  heartbeat_interval: "15s"
  heartbeat_timeout: "45s"
  sweep_interval: "5s"
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "/var/lib/dadude/dadude.db", cfg.Database.Path)
	assert.Equal(t, "test-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, 15*time.Second, cfg.Agents.HeartbeatInterval)
	assert.Equal(t, 45*time.Second, cfg.Agents.HeartbeatTimeout)
	assert.Equal(t, 5*time.Second, cfg.Agents.SweepInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadAppliesTimingDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "test.db"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Agents.HeartbeatInterval)
	assert.Equal(t, 90*time.Second, cfg.Agents.HeartbeatTimeout)
	assert.Equal(t, 10*time.Second, cfg.Agents.SweepInterval)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("DADUDE_TEST_SECRET", "from-env")

	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "test.db"
auth:
  jwt_secret: "${DADUDE_TEST_SECRET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestLoadRejectsMissingAddr(t *testing.T) {
	path := writeConfig(t, `
database:
  path: "test.db"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http_addr")
}

func TestLoadRejectsMissingDatabasePath(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path")
}

func TestLoadRejectsTailscaleWithoutHostname(t *testing.T) {
	path := writeConfig(t, `
tailscale:
  enabled: true
database:
  path: "test.db"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tailscale.hostname")
}

func TestLoadRejectsTimeoutShorterThanInterval(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "test.db"
agents:
  heartbeat_interval: "30s"
  heartbeat_timeout: "10s"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_timeout")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "test.db"
agents:
  heartbeat_interval: "soon"
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
