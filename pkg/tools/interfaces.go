// Package tools implements the tool registry and the execution runtime that
// dispatches requests under mode semantics, policy, and budgeting.
package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/oldeucryptoboi/karnevil9/pkg/permission"
	"github.com/oldeucryptoboi/karnevil9/pkg/plan"
	"github.com/oldeucryptoboi/karnevil9/pkg/policy"
	"github.com/oldeucryptoboi/karnevil9/pkg/session"
)

// Supports declares which execution modes a tool implements.
type Supports struct {
	Mock   bool `json:"mock"`
	DryRun bool `json:"dry_run"`
}

// Info describes a registered tool.
type Info struct {
	Name        string         `json:"name"`
	Version     string         `json:"version,omitempty"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Supports    Supports       `json:"supports"`

	// Permissions are the scope templates a call to this tool requires.
	Permissions []string `json:"permissions,omitempty"`
}

// Invocation is the handler-side view of one call.
type Invocation struct {
	Input       map[string]any
	Mode        session.Mode
	Policy      *policy.Profile
	Constraints *permission.Constraints
}

// Result is a tool handler's outcome.
type Result struct {
	OK     bool                 `json:"ok"`
	Output any                  `json:"output,omitempty"`
	Error  *plan.StepError      `json:"error,omitempty"`
	Usage  session.UsageSummary `json:"usage"`
}

// Tool is the handler interface. Handlers honor mode semantics: mock returns
// deterministic placeholder output with no side effects; dry_run validates
// and previews without persisting.
type Tool interface {
	Info() Info
	Execute(ctx context.Context, inv Invocation) (Result, error)
}

// Canceler is an optional tool capability: rollback of an in-flight
// operation on abort.
type Canceler interface {
	Cancel(ctx context.Context) error
}

// Request is the kernel-side view of one call.
type Request struct {
	RequestID   string         `json:"request_id"`
	ToolName    string         `json:"tool_name"`
	ToolVersion string         `json:"tool_version,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Mode        session.Mode   `json:"mode"`
	SessionID   string         `json:"session_id"`
	StepID      string         `json:"step_id"`
	Timeout     time.Duration  `json:"-"`
}

// ExecutionResult is what the runtime hands back to the kernel.
type ExecutionResult struct {
	OK       bool                 `json:"ok"`
	Output   any                  `json:"output,omitempty"`
	Error    *plan.StepError      `json:"error,omitempty"`
	Usage    session.UsageSummary `json:"usage"`
	Duration time.Duration        `json:"duration"`
}

// SchemaFor reflects a JSON schema document from an input parameter struct.
func SchemaFor(v any) map[string]any {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: true,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(v)
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	// The critic validates bare input objects; drop the self-referencing
	// metadata keys the reflector adds.
	delete(doc, "$schema")
	delete(doc, "$id")
	return doc
}
