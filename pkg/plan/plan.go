// Package plan defines plans, steps, step results, and the critic suite run
// against every plan candidate.
package plan

import (
	"time"

	"github.com/google/uuid"
)

// FailurePolicy selects how the kernel reacts to a failed step.
type FailurePolicy string

const (
	FailAbort    FailurePolicy = "abort"
	FailReplan   FailurePolicy = "replan"
	FailContinue FailurePolicy = "continue"
)

// StepStatus is the lifecycle state of a step; succeeded, failed and skipped
// are terminal.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ToolRef names the tool a step invokes.
type ToolRef struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Step is one plan node bound to a tool invocation.
type Step struct {
	ID              string            `json:"id"`
	Tool            ToolRef           `json:"tool"`
	Input           map[string]any    `json:"input,omitempty"`
	InputFrom       map[string]string `json:"input_from,omitempty"` // param → source step id
	SuccessCriteria string            `json:"success_criteria,omitempty"`
	FailurePolicy   FailurePolicy     `json:"failure_policy,omitempty"`
	MaxRetries      int               `json:"max_retries,omitempty"`
	Timeout         time.Duration     `json:"timeout,omitempty"`
	DependsOn       []string          `json:"depends_on,omitempty"`
}

// Plan is an ordered list of steps.
type Plan struct {
	ID        string    `json:"id"`
	Goal      string    `json:"goal,omitempty"`
	Steps     []Step    `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
}

// New creates a plan with generated step ids where missing.
func New(goal string, steps []Step) *Plan {
	p := &Plan{
		ID:        uuid.NewString(),
		Goal:      goal,
		Steps:     steps,
		CreatedAt: time.Now(),
	}
	for i := range p.Steps {
		if p.Steps[i].ID == "" {
			p.Steps[i].ID = uuid.NewString()
		}
		if p.Steps[i].FailurePolicy == "" {
			p.Steps[i].FailurePolicy = FailAbort
		}
	}
	return p
}

// StepError is the structured error recorded on a failed step.
type StepError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// StepResult records the outcome of one step.
type StepResult struct {
	StepID    string        `json:"step_id"`
	Status    StepStatus    `json:"status"`
	Output    any           `json:"output,omitempty"`
	Error     *StepError    `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Attempts  int           `json:"attempts"`
}

// Succeeded reports whether the result is terminal-successful.
func (r *StepResult) Succeeded() bool {
	return r != nil && r.Status == StepSucceeded
}
