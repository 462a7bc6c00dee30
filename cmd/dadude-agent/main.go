// ABOUTME: Entry point for the dadude agent
// ABOUTME: Connects out to the server and executes scan/probe commands on site

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dadude-io/dadude/internal/agentd"
	"github.com/dadude-io/dadude/internal/protocol"
)

// Version is set by goreleaser at build time.
var version = "dev"

// getConfigPath returns the path to the agent config file.
// Priority: DADUDE_AGENT_CONFIG env var > XDG_CONFIG_HOME/dadude/agent.toml > ~/.config/dadude/agent.toml
func getConfigPath() string {
	if envPath := os.Getenv("DADUDE_AGENT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "agent.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "dadude", "agent.toml")
}

// getStateDir returns the directory for the agent's version state files.
// Priority: agent.state_dir config > XDG_DATA_HOME/dadude-agent > ~/.local/share/dadude-agent
func getStateDir(cfg *Config) string {
	if cfg.Agent.StateDir != "" {
		return cfg.Agent.StateDir
	}

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "state" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "dadude-agent")
}

func setupLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel}))
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := getConfigPath()
	cfg, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging.Level)
	logger.Info("starting dadude-agent",
		"config", configPath,
		"agent_id", cfg.Agent.ID,
		"agent_type", cfg.Agent.Type,
		"version", version,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	selfmgr, err := agentd.NewSelfManager(agentd.SelfManagerConfig{
		Dir:     getStateDir(cfg),
		Version: version,
		Logger:  logger,
		RequestRestart: func() {
			logger.Info("shutting down for restart, the service supervisor takes over")
			cancel()
		},
	})
	if err != nil {
		return fmt.Errorf("initializing self-management: %w", err)
	}

	registry := agentd.NewRegistry()
	registry.Register(protocol.ActionProbe, agentd.NewProbeCollector(version))
	registry.Register(protocol.ActionScan, agentd.NewScanCollector())
	registry.Register(protocol.ActionRestart, selfmgr.RestartCollector())
	registry.Register(protocol.ActionUpdateAgent, selfmgr.UpdateCollector())
	registry.Register(protocol.ActionExecuteCommands, agentd.NewExecCollector())

	client := agentd.New(agentd.Config{
		ServerURL:   cfg.Server.URL,
		AgentID:     cfg.Agent.ID,
		Token:       cfg.Agent.Token,
		AgentType:   cfg.Agent.Type,
		DisplayName: cfg.Agent.DisplayName,
		Version:     version,
	}, registry, logger)

	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("agent stopped")
	return nil
}
