package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/oldeucryptoboi/karnevil9/pkg/errkit"
	"github.com/oldeucryptoboi/karnevil9/pkg/plan"
	"github.com/oldeucryptoboi/karnevil9/pkg/session"
)

// CommandInput is the execute-command tool's parameter struct.
type CommandInput struct {
	Command    string `json:"command" jsonschema:"required,description=Shell command to execute"`
	WorkingDir string `json:"working_dir,omitempty" jsonschema:"description=Working directory (optional)"`
}

// CommandTool executes shell commands gated by the policy's command
// allow-list.
type CommandTool struct {
	// WorkingDirectory is the default when the input names none.
	WorkingDirectory string

	// MaxExecutionTime bounds a single command. Zero means 30s.
	MaxExecutionTime time.Duration
}

func (t *CommandTool) Info() Info {
	return Info{
		Name:        "execute-command",
		Description: "Execute a shell command from the policy allow-list",
		InputSchema: SchemaFor(&CommandInput{}),
		Supports:    Supports{Mock: true, DryRun: true},
		Permissions: []string{"shell:exec:*"},
	}
}

func (t *CommandTool) Execute(ctx context.Context, inv Invocation) (Result, error) {
	command, ok := inv.Input["command"].(string)
	if !ok || command == "" {
		return invalidInput("command parameter is required"), nil
	}
	workingDir, _ := inv.Input["working_dir"].(string)
	if workingDir == "" {
		workingDir = t.WorkingDirectory
	}
	if workingDir == "" {
		workingDir = "."
	}

	if inv.Mode == session.ModeMock {
		return Result{OK: true, Output: map[string]any{"command": command, "stdout": "mock output", "exit_code": 0}}, nil
	}

	if inv.Policy == nil {
		return policyFailure("no policy profile configured"), nil
	}
	if err := inv.Policy.CheckCommand(command); err != nil {
		return policyResult(err), nil
	}

	if inv.Mode == session.ModeDryRun {
		return Result{OK: true, Output: map[string]any{"command": command, "working_dir": workingDir, "would_execute": true}}, nil
	}

	timeout := t.MaxExecutionTime
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if c := inv.Constraints; c != nil && c.MaxDurationMS > 0 {
		constrained := time.Duration(c.MaxDurationMS) * time.Millisecond
		if constrained < timeout {
			timeout = constrained
		}
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = workingDir

	start := time.Now()
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	result := Result{
		Output: map[string]any{
			"command":     command,
			"working_dir": workingDir,
			"output":      string(output),
			"duration_ms": elapsed.Milliseconds(),
		},
	}
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		result.Output.(map[string]any)["exit_code"] = exitCode
		result.Error = execError(err, output)
		return result, nil
	}
	result.OK = true
	result.Output.(map[string]any)["exit_code"] = 0
	return result, nil
}

func execError(err error, output []byte) *plan.StepError {
	msg := err.Error()
	if tail := lastLines(string(output), 3); tail != "" {
		msg = fmt.Sprintf("%s: %s", msg, tail)
	}
	return &plan.StepError{Code: string(errkit.CodeExecutionError), Message: msg}
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, " "))
}
