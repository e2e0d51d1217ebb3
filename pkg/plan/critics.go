package plan

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Severity grades a critic finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// CriticReport is the outcome of one critic over one plan candidate.
type CriticReport struct {
	Name     string   `json:"name"`
	Passed   bool     `json:"passed"`
	Message  string   `json:"message,omitempty"`
	Severity Severity `json:"severity,omitempty"`
}

// ToolSchema is the registry view a critic needs: the tool's name and its
// JSON input schema document.
type ToolSchema struct {
	Name        string
	InputSchema map[string]any
}

// CriticContext carries the session and registry facts critics evaluate against.
type CriticContext struct {
	MaxSteps int
	Tools    map[string]ToolSchema
}

// Critic is a pure function over a plan candidate.
type Critic func(p *Plan, ctx CriticContext) CriticReport

// DefaultCritics is the mandatory suite. Running order is stable and every
// critic runs regardless of earlier failures, so the aggregate report
// enumerates every issue.
func DefaultCritics() []Critic {
	return []Critic{
		UnknownToolCritic,
		ToolInputCritic,
		StepLimitCritic,
		SelfReferenceCritic,
	}
}

// RunCritics runs the suite and returns all reports plus overall pass.
func RunCritics(critics []Critic, p *Plan, ctx CriticContext) ([]CriticReport, bool) {
	reports := make([]CriticReport, 0, len(critics))
	passed := true
	for _, c := range critics {
		r := c(p, ctx)
		reports = append(reports, r)
		if !r.Passed && r.Severity != SeverityWarning {
			passed = false
		}
	}
	return reports, passed
}

// UnknownToolCritic verifies every referenced tool exists in the registry.
func UnknownToolCritic(p *Plan, ctx CriticContext) CriticReport {
	report := CriticReport{Name: "unknownTool", Passed: true, Severity: SeverityError}
	for _, step := range p.Steps {
		if _, ok := ctx.Tools[step.Tool.Name]; !ok {
			report.Passed = false
			report.Message = fmt.Sprintf("step %s references unknown tool %q", step.ID, step.Tool.Name)
			return report
		}
	}
	return report
}

// ToolInputCritic validates every step's input against the referenced tool's
// input schema. Steps whose tool is unknown are skipped here; unknownTool
// reports those.
func ToolInputCritic(p *Plan, ctx CriticContext) CriticReport {
	report := CriticReport{Name: "toolInput", Passed: true, Severity: SeverityError}
	for _, step := range p.Steps {
		schema, ok := ctx.Tools[step.Tool.Name]
		if !ok || schema.InputSchema == nil {
			continue
		}
		if err := validateInput(schema.InputSchema, step.inputForValidation()); err != nil {
			report.Passed = false
			report.Message = fmt.Sprintf("step %s input invalid for tool %q: %v", step.ID, step.Tool.Name, err)
			return report
		}
	}
	return report
}

// inputForValidation merges input_from bindings as placeholder values so that
// required parameters satisfied at runtime do not fail plan-time validation.
func (s Step) inputForValidation() map[string]any {
	if len(s.InputFrom) == 0 {
		return s.Input
	}
	merged := make(map[string]any, len(s.Input)+len(s.InputFrom))
	for k, v := range s.Input {
		merged[k] = v
	}
	for k := range s.InputFrom {
		if _, present := merged[k]; !present {
			merged[k] = ""
		}
	}
	return merged
}

func validateInput(schemaDoc map[string]any, input map[string]any) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("input.json", schemaDoc); err != nil {
		return fmt.Errorf("bad tool schema: %w", err)
	}
	schema, err := compiler.Compile("input.json")
	if err != nil {
		return fmt.Errorf("bad tool schema: %w", err)
	}
	instance := make(map[string]any, len(input))
	for k, v := range input {
		instance[k] = v
	}
	return schema.Validate(any(instance))
}

// StepLimitCritic enforces the session step budget.
func StepLimitCritic(p *Plan, ctx CriticContext) CriticReport {
	report := CriticReport{Name: "stepLimit", Passed: true, Severity: SeverityError}
	if ctx.MaxSteps > 0 && len(p.Steps) > ctx.MaxSteps {
		report.Passed = false
		report.Message = fmt.Sprintf("plan has %d steps, limit is %d", len(p.Steps), ctx.MaxSteps)
	}
	return report
}

// SelfReferenceCritic rejects self-dependencies and cycles in depends_on.
// DFS with an explicit recursion stack.
func SelfReferenceCritic(p *Plan, ctx CriticContext) CriticReport {
	report := CriticReport{Name: "selfReference", Passed: true, Severity: SeverityError}

	byID := make(map[string][]string, len(p.Steps))
	for _, step := range p.Steps {
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				report.Passed = false
				report.Message = fmt.Sprintf("step %s depends on itself", step.ID)
				return report
			}
		}
		byID[step.ID] = step.DependsOn
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(byID))

	var visit func(id string) string
	visit = func(id string) string {
		state[id] = inStack
		for _, dep := range byID[id] {
			if _, exists := byID[dep]; !exists {
				continue // unknownTool-style missing deps are not cycles
			}
			switch state[dep] {
			case inStack:
				return dep
			case unvisited:
				if cyc := visit(dep); cyc != "" {
					return cyc
				}
			}
		}
		state[id] = done
		return ""
	}

	for _, step := range p.Steps {
		if state[step.ID] == unvisited {
			if cyc := visit(step.ID); cyc != "" {
				report.Passed = false
				report.Message = fmt.Sprintf("depends_on cycle through step %s", cyc)
				return report
			}
		}
	}
	return report
}
