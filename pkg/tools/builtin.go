package tools

import (
	"context"
	"fmt"
	"os"

	"github.com/oldeucryptoboi/karnevil9/pkg/errkit"
	"github.com/oldeucryptoboi/karnevil9/pkg/plan"
	"github.com/oldeucryptoboi/karnevil9/pkg/policy"
	"github.com/oldeucryptoboi/karnevil9/pkg/session"
)

// EchoInput is the echo tool's parameter struct.
type EchoInput struct {
	Text string `json:"text" jsonschema:"required,description=Text to echo back"`
}

// EchoTool returns its input, in every mode. The canonical smoke-test tool.
type EchoTool struct{}

func (t *EchoTool) Info() Info {
	return Info{
		Name:        "echo",
		Description: "Echo the given text back as output",
		InputSchema: SchemaFor(&EchoInput{}),
		Supports:    Supports{Mock: true, DryRun: true},
	}
}

func (t *EchoTool) Execute(ctx context.Context, inv Invocation) (Result, error) {
	text, ok := inv.Input["text"].(string)
	if !ok {
		return Result{OK: false, Error: &plan.StepError{Code: string(errkit.CodeInvalidInput), Message: "text parameter is required"}}, nil
	}
	return Result{OK: true, Output: map[string]any{"text": text}}, nil
}

// RespondInput is the respond tool's parameter struct.
type RespondInput struct {
	Answer string `json:"answer" jsonschema:"required,description=Final answer for the user"`
}

// RespondTool delivers the final answer; the kernel completes the session
// when a respond step succeeds.
type RespondTool struct{}

func (t *RespondTool) Info() Info {
	return Info{
		Name:        "respond",
		Description: "Deliver the final answer and finish the session",
		InputSchema: SchemaFor(&RespondInput{}),
		Supports:    Supports{Mock: true, DryRun: true},
	}
}

func (t *RespondTool) Execute(ctx context.Context, inv Invocation) (Result, error) {
	answer, ok := inv.Input["answer"].(string)
	if !ok {
		return invalidInput("answer parameter is required"), nil
	}
	return Result{OK: true, Output: map[string]any{"answer": answer}}, nil
}

// ReadFileInput is the read-file tool's parameter struct.
type ReadFileInput struct {
	Path string `json:"path" jsonschema:"required,description=Path of the file to read"`
}

// ReadFileTool reads a file under the policy's allowed paths.
type ReadFileTool struct {
	// MaxBytes caps the returned content. Zero means 1 MiB.
	MaxBytes int64
}

func (t *ReadFileTool) Info() Info {
	return Info{
		Name:        "read-file",
		Description: "Read a file from an allowed path",
		InputSchema: SchemaFor(&ReadFileInput{}),
		Supports:    Supports{Mock: true, DryRun: true},
		Permissions: []string{"fs:read:*"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, inv Invocation) (Result, error) {
	path, ok := inv.Input["path"].(string)
	if !ok || path == "" {
		return invalidInput("path parameter is required"), nil
	}

	if inv.Mode == session.ModeMock {
		return Result{OK: true, Output: map[string]any{"path": path, "content": "mock file content"}}, nil
	}

	if inv.Policy == nil {
		return policyFailure("no policy profile configured"), nil
	}
	resolved, err := inv.Policy.CheckPath(path, false)
	if err != nil {
		return policyResult(err), nil
	}
	if c := inv.Constraints; c != nil {
		if err := checkConstraintPaths(c.ReadonlyPaths, c.WritablePaths, resolved, false); err != nil {
			return policyResult(err), nil
		}
	}

	if inv.Mode == session.ModeDryRun {
		info, err := os.Stat(resolved)
		if err != nil {
			return executionFailure(fmt.Sprintf("stat %s: %v", resolved, err)), nil
		}
		return Result{OK: true, Output: map[string]any{"path": resolved, "would_read_bytes": info.Size()}}, nil
	}

	maxBytes := t.MaxBytes
	if maxBytes == 0 {
		maxBytes = 1 << 20
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return executionFailure(fmt.Sprintf("read %s: %v", resolved, err)), nil
	}
	truncated := false
	if int64(len(data)) > maxBytes {
		data = data[:maxBytes]
		truncated = true
	}
	return Result{OK: true, Output: map[string]any{"path": resolved, "content": string(data), "truncated": truncated}}, nil
}

// WriteFileInput is the write-file tool's parameter struct.
type WriteFileInput struct {
	Path    string `json:"path" jsonschema:"required,description=Destination path"`
	Content string `json:"content" jsonschema:"required,description=Content to write"`
}

// WriteFileTool writes a file under the policy's writable paths.
type WriteFileTool struct{}

func (t *WriteFileTool) Info() Info {
	return Info{
		Name:        "write-file",
		Description: "Write content to a file in an allowed writable path",
		InputSchema: SchemaFor(&WriteFileInput{}),
		Supports:    Supports{Mock: true, DryRun: true},
		Permissions: []string{"fs:write:*"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, inv Invocation) (Result, error) {
	path, _ := inv.Input["path"].(string)
	content, hasContent := inv.Input["content"].(string)
	if path == "" || !hasContent {
		return invalidInput("path and content parameters are required"), nil
	}

	if inv.Mode == session.ModeMock {
		return Result{OK: true, Output: map[string]any{"path": path, "bytes_written": len(content)}}, nil
	}

	if inv.Policy == nil {
		return policyFailure("no policy profile configured"), nil
	}
	resolved, err := inv.Policy.CheckPath(path, true)
	if err != nil {
		return policyResult(err), nil
	}
	if c := inv.Constraints; c != nil {
		if err := checkConstraintPaths(c.ReadonlyPaths, c.WritablePaths, resolved, true); err != nil {
			return policyResult(err), nil
		}
	}

	if inv.Mode == session.ModeDryRun {
		return Result{OK: true, Output: map[string]any{"path": resolved, "would_write_bytes": len(content)}}, nil
	}

	if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return executionFailure(fmt.Sprintf("write %s: %v", resolved, err)), nil
	}
	return Result{OK: true, Output: map[string]any{"path": resolved, "bytes_written": len(content)}}, nil
}

func checkConstraintPaths(readonly, writable []string, resolved string, write bool) error {
	return policy.CheckOverrides(resolved, readonly, writable, write)
}

func invalidInput(message string) Result {
	return Result{OK: false, Error: &plan.StepError{Code: string(errkit.CodeInvalidInput), Message: message}}
}

func policyFailure(message string) Result {
	return Result{OK: false, Error: &plan.StepError{Code: string(errkit.CodePolicyViolation), Message: message}}
}

func policyResult(err error) Result {
	return Result{OK: false, Error: &plan.StepError{Code: string(errkit.CodePolicyViolation), Message: err.Error()}}
}

func executionFailure(message string) Result {
	return Result{OK: false, Error: &plan.StepError{Code: string(errkit.CodeExecutionError), Message: message}}
}
