package futility

import (
	"strings"
	"testing"

	"github.com/oldeucryptoboi/karnevil9/pkg/plan"
	"github.com/oldeucryptoboi/karnevil9/pkg/session"
)

func failedStep(msg string) *plan.StepResult {
	return &plan.StepResult{Status: plan.StepFailed, Error: &plan.StepError{Code: "EXECUTION_ERROR", Message: msg}}
}

func succeededStep() *plan.StepResult {
	return &plan.StepResult{Status: plan.StepSucceeded}
}

func TestRepeatedErrorsHalt(t *testing.T) {
	m := NewMonitor(Config{MaxRepeatedErrors: 3})

	for i := 1; i <= 2; i++ {
		d := m.RecordIteration(Iteration{Iteration: i, StepResults: []*plan.StepResult{failedStep("  Connection REFUSED  ")}})
		if d.Action != ActionContinue {
			t.Fatalf("iteration %d: unexpected halt: %s", i, d.Reason)
		}
	}

	d := m.RecordIteration(Iteration{Iteration: 3, StepResults: []*plan.StepResult{failedStep("connection refused")}})
	if d.Action != ActionHalt {
		t.Fatal("expected halt on third identical error")
	}
	if !strings.Contains(d.Reason, "Same error repeated 3 times") {
		t.Errorf("Reason = %q", d.Reason)
	}
}

func TestSuccessResetsRepeatedErrors(t *testing.T) {
	m := NewMonitor(Config{MaxRepeatedErrors: 2, MaxStagnantIterations: 0})

	m.RecordIteration(Iteration{Iteration: 1, StepResults: []*plan.StepResult{failedStep("boom")}})
	m.RecordIteration(Iteration{Iteration: 2, StepResults: []*plan.StepResult{succeededStep(), failedStep("boom")}})

	// The next failure starts a fresh run; must not halt yet.
	d := m.RecordIteration(Iteration{Iteration: 3, StepResults: []*plan.StepResult{failedStep("boom")}})
	if d.Action == ActionHalt && strings.Contains(d.Reason, "Same error") {
		t.Errorf("repeated-error counter not reset by success: %s", d.Reason)
	}
}

func TestIdenticalPlanGoalConsecutiveOnly(t *testing.T) {
	m := NewMonitor(Config{MaxIdenticalPlans: 3})

	// Non-consecutive repetition must not trigger.
	goals := []string{"fix tests", "fix lint", "fix tests", "fix lint", "fix tests"}
	for i, g := range goals {
		d := m.RecordIteration(Iteration{Iteration: i + 1, PlanGoal: g, StepResults: []*plan.StepResult{succeededStep()}})
		if d.Action == ActionHalt && strings.Contains(d.Reason, "Identical plan goal") {
			t.Fatalf("non-consecutive repetition halted at %d: %s", i+1, d.Reason)
		}
	}

	m2 := NewMonitor(Config{MaxIdenticalPlans: 3})
	var last Decision
	for i := 0; i < 3; i++ {
		last = m2.RecordIteration(Iteration{Iteration: i + 1, PlanGoal: "fix tests", StepResults: nil})
	}
	if last.Action != ActionHalt || !strings.Contains(last.Reason, "consecutive") {
		t.Errorf("expected consecutive identical-goal halt, got %+v", last)
	}
}

func TestStagnationScenario(t *testing.T) {
	// Spec scenario: four iterations each with exactly one succeeded step,
	// maxStagnantIterations = 3. Iterations 1–3 continue, iteration 4 halts.
	m := NewMonitor(Config{MaxStagnantIterations: 3})

	for i := 1; i <= 3; i++ {
		d := m.RecordIteration(Iteration{Iteration: i, StepResults: []*plan.StepResult{succeededStep()}})
		if d.Action != ActionContinue {
			t.Fatalf("iteration %d: unexpected halt: %s", i, d.Reason)
		}
	}
	d := m.RecordIteration(Iteration{Iteration: 4, StepResults: []*plan.StepResult{succeededStep()}})
	if d.Action != ActionHalt || !strings.Contains(d.Reason, "No progress") {
		t.Errorf("iteration 4 = %+v, want No progress halt", d)
	}
	if !strings.Contains(d.Reason, "stuck at 1 succeeded steps") {
		t.Errorf("Reason = %q", d.Reason)
	}
}

func TestCostWithoutProgress(t *testing.T) {
	m := NewMonitor(Config{MaxCostWithoutProgress: 2, MaxStagnantIterations: 10})
	usage := &session.UsageSummary{Tokens: 10, TotalCostUSD: 0.1, Calls: 1}

	m.RecordIteration(Iteration{Iteration: 1, StepResults: []*plan.StepResult{succeededStep()}, IterationUsage: usage})
	m.RecordIteration(Iteration{Iteration: 2, StepResults: []*plan.StepResult{succeededStep()}, IterationUsage: usage})
	d := m.RecordIteration(Iteration{Iteration: 3, StepResults: []*plan.StepResult{succeededStep()}, IterationUsage: usage})
	if d.Action != ActionHalt || !strings.Contains(d.Reason, "budget spent without new successful steps") {
		t.Errorf("got %+v", d)
	}
}

func TestBudgetBurn(t *testing.T) {
	m := NewMonitor(Config{BudgetBurnThreshold: 0.8})

	d := m.RecordIteration(Iteration{
		Iteration:       1,
		StepResults:     []*plan.StepResult{failedStep("x"), succeededStep(), failedStep("y")},
		CumulativeUsage: &session.UsageSummary{TotalCostUSD: 9},
		MaxCostUSD:      10,
	})
	if d.Action != ActionHalt || !strings.Contains(d.Reason, "Budget") {
		t.Errorf("got %+v, want budget-burn halt", d)
	}

	// High success rate suppresses the halt at the same burn.
	m2 := NewMonitor(Config{BudgetBurnThreshold: 0.8})
	d = m2.RecordIteration(Iteration{
		Iteration:       1,
		StepResults:     []*plan.StepResult{succeededStep(), succeededStep(), failedStep("y")},
		CumulativeUsage: &session.UsageSummary{TotalCostUSD: 9},
		MaxCostUSD:      10,
	})
	if d.Action != ActionContinue {
		t.Errorf("got %+v, want continue at success rate ≥ 0.5", d)
	}
}

func TestDeterminism(t *testing.T) {
	run := func() Decision {
		m := NewMonitor(DefaultConfig)
		var last Decision
		for i := 1; i <= 6; i++ {
			last = m.RecordIteration(Iteration{Iteration: i, StepResults: []*plan.StepResult{failedStep("same failure every time")}})
			if last.Action == ActionHalt {
				return last
			}
		}
		return last
	}

	a, b := run(), run()
	if a != b {
		t.Errorf("same sequence produced different first halts: %+v vs %+v", a, b)
	}
	if a.Action != ActionHalt {
		t.Error("expected a halt in the deterministic sequence")
	}
}
