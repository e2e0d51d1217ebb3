package kernel

import (
	"context"

	"github.com/oldeucryptoboi/karnevil9/pkg/plan"
	"github.com/oldeucryptoboi/karnevil9/pkg/session"
)

// StateSnapshot is the read-only view handed to the planner: prior step
// results and lesson excerpts from earlier failures.
type StateSnapshot struct {
	Task        string                      `json:"task"`
	StepOutputs map[string]any              `json:"step_outputs,omitempty"`
	StepResults map[string]*plan.StepResult `json:"step_results,omitempty"`
	Lessons     []string                    `json:"lessons,omitempty"`
	Usage       session.UsageSummary        `json:"usage"`
}

// PlannerResult is the planner's answer.
type PlannerResult struct {
	Plan  *plan.Plan
	Usage *session.UsageSummary
}

// Planner produces a plan for a task. The kernel re-invokes it with the
// accumulated snapshot when a replan step fails or critics reject the
// candidate.
type Planner interface {
	GeneratePlan(ctx context.Context, task string, schemas map[string]plan.ToolSchema, snapshot StateSnapshot) (PlannerResult, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, task string, schemas map[string]plan.ToolSchema, snapshot StateSnapshot) (PlannerResult, error)

// GeneratePlan implements Planner.
func (f PlannerFunc) GeneratePlan(ctx context.Context, task string, schemas map[string]plan.ToolSchema, snapshot StateSnapshot) (PlannerResult, error) {
	return f(ctx, task, schemas, snapshot)
}
