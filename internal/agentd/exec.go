// ABOUTME: Execute-commands collector running a list of shell commands in order.
// ABOUTME: Stands in for vendor device channels; real deployments register protocol-specific collectors.

package agentd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
)

// ExecParams is the params payload of an execute_commands command.
type ExecParams struct {
	Commands []string `json:"commands"`
}

// ExecCommandResult reports the outcome of one command.
type ExecCommandResult struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
}

// ExecResult is the payload of the execute_commands action.
type ExecResult struct {
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
	Results   []ExecCommandResult `json:"results"`
}

// ExecProgress is emitted after each command completes.
type ExecProgress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// NewExecCollector returns the execute_commands collector. Commands run
// through the shell one at a time; a failing command is recorded and
// execution continues with the next one.
func NewExecCollector() Collector {
	return CollectorFunc(runCommands)
}

func runCommands(ctx context.Context, raw json.RawMessage, progress func(json.RawMessage)) (json.RawMessage, error) {
	var params ExecParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("invalid exec params: %w", err)
		}
	}
	if len(params.Commands) == 0 {
		return nil, fmt.Errorf("commands is required")
	}

	result := ExecResult{Results: make([]ExecCommandResult, 0, len(params.Commands))}
	for i, command := range params.Commands {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("execution aborted: %w", err)
		}

		out, err := exec.CommandContext(ctx, "/bin/sh", "-c", command).CombinedOutput()
		res := ExecCommandResult{Command: command, Output: string(out)}
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				res.ExitCode = exitErr.ExitCode()
			} else {
				res.ExitCode = -1
				res.Output = err.Error()
			}
			result.Failed++
		} else {
			result.Succeeded++
		}
		result.Results = append(result.Results, res)

		if progress != nil {
			if p, err := json.Marshal(ExecProgress{Completed: i + 1, Total: len(params.Commands)}); err == nil {
				progress(p)
			}
		}
	}
	return json.Marshal(result)
}
