// Package futility detects unproductive session loops and halts them.
//
// Checks run in a fixed priority order; the first match wins. A successful
// iteration (any succeeded step) resets the repeated-error counter.
package futility

import (
	"fmt"
	"strings"
	"sync"

	"github.com/oldeucryptoboi/karnevil9/pkg/plan"
	"github.com/oldeucryptoboi/karnevil9/pkg/session"
)

const maxHistory = 100

// Config bounds each futility check. Zero values disable the check.
type Config struct {
	MaxRepeatedErrors      int     `yaml:"max_repeated_errors"`
	MaxIdenticalPlans      int     `yaml:"max_identical_plans"`
	MaxStagnantIterations  int     `yaml:"max_stagnant_iterations"`
	MaxCostWithoutProgress int     `yaml:"max_cost_without_progress"`
	BudgetBurnThreshold    float64 `yaml:"budget_burn_threshold"`
}

// DefaultConfig matches the kernel defaults.
var DefaultConfig = Config{
	MaxRepeatedErrors:      3,
	MaxIdenticalPlans:      3,
	MaxStagnantIterations:  3,
	MaxCostWithoutProgress: 5,
	BudgetBurnThreshold:    0.8,
}

// Iteration is one kernel loop observation.
type Iteration struct {
	Iteration       int
	PlanGoal        string
	StepResults     []*plan.StepResult
	IterationUsage  *session.UsageSummary
	CumulativeUsage *session.UsageSummary
	MaxCostUSD      float64
}

// Action is the monitor's verdict.
type Action string

const (
	ActionContinue Action = "continue"
	ActionHalt     Action = "halt"
)

// Decision is returned from RecordIteration.
type Decision struct {
	Action Action
	Reason string
}

type record struct {
	planGoal       string
	succeededSteps int
	lastError      string
	hadUsage       bool
}

// Monitor tracks iteration history for one session.
type Monitor struct {
	cfg Config

	mu      sync.Mutex
	history []record

	repeatedErrorRun int
	identicalPlanRun int
	bestSucceeded    int
	stagnantRun      int
	costStagnantRun  int
}

// NewMonitor creates a monitor with the given config.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{cfg: cfg}
}

// RecordIteration evaluates the checks in priority order. First match wins.
func (m *Monitor) RecordIteration(it Iteration) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := record{planGoal: it.PlanGoal, hadUsage: it.IterationUsage != nil}
	for _, r := range it.StepResults {
		if r.Succeeded() {
			rec.succeededSteps++
		} else if r != nil && r.Status == plan.StepFailed && r.Error != nil {
			rec.lastError = normalizeError(r.Error.Message)
		}
	}

	prev := m.lastRecord()
	m.push(rec)

	anySucceeded := rec.succeededSteps > 0

	// 1. Repeated errors.
	if anySucceeded {
		m.repeatedErrorRun = 0
	} else if rec.lastError != "" {
		if prev != nil && prev.lastError == rec.lastError {
			m.repeatedErrorRun++
		} else {
			m.repeatedErrorRun = 1
		}
		if m.cfg.MaxRepeatedErrors > 0 && m.repeatedErrorRun >= m.cfg.MaxRepeatedErrors {
			return Decision{ActionHalt, fmt.Sprintf("Same error repeated %d times: %s", m.repeatedErrorRun, rec.lastError)}
		}
	} else {
		m.repeatedErrorRun = 0
	}

	// 2. Identical plan goal, consecutive only.
	if prev != nil && it.PlanGoal != "" && prev.planGoal == it.PlanGoal {
		m.identicalPlanRun++
	} else {
		m.identicalPlanRun = 1
	}
	if m.cfg.MaxIdenticalPlans > 0 && m.identicalPlanRun >= m.cfg.MaxIdenticalPlans {
		return Decision{ActionHalt, fmt.Sprintf("Identical plan goal %d times consecutive: %q", m.identicalPlanRun, it.PlanGoal)}
	}

	// 3. Stagnation: succeeded-step count not increasing.
	if rec.succeededSteps > m.bestSucceeded {
		m.bestSucceeded = rec.succeededSteps
		m.stagnantRun = 0
		m.costStagnantRun = 0
	} else {
		m.stagnantRun++
		if rec.hadUsage {
			m.costStagnantRun++
		}
	}
	if m.cfg.MaxStagnantIterations > 0 && m.stagnantRun >= m.cfg.MaxStagnantIterations {
		return Decision{ActionHalt, fmt.Sprintf("No progress (stuck at %d succeeded steps)", m.bestSucceeded)}
	}

	// 4. Cost without progress.
	if m.cfg.MaxCostWithoutProgress > 0 && m.costStagnantRun >= m.cfg.MaxCostWithoutProgress {
		return Decision{ActionHalt, "budget spent without new successful steps"}
	}

	// 5. Budget burn with poor success rate.
	if it.CumulativeUsage != nil && it.MaxCostUSD > 0 && m.cfg.BudgetBurnThreshold > 0 {
		burn := it.CumulativeUsage.TotalCostUSD / it.MaxCostUSD
		if burn >= m.cfg.BudgetBurnThreshold && successRate(it.StepResults) < 0.5 {
			return Decision{ActionHalt, fmt.Sprintf("Budget %.0f%% consumed with low success rate", burn*100)}
		}
	}

	return Decision{Action: ActionContinue}
}

func (m *Monitor) lastRecord() *record {
	if len(m.history) == 0 {
		return nil
	}
	return &m.history[len(m.history)-1]
}

func (m *Monitor) push(rec record) {
	m.history = append(m.history, rec)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
}

func successRate(results []*plan.StepResult) float64 {
	if len(results) == 0 {
		return 0
	}
	succeeded := 0
	for _, r := range results {
		if r.Succeeded() {
			succeeded++
		}
	}
	return float64(succeeded) / float64(len(results))
}

// normalizeError trims, collapses whitespace, lowercases, and truncates to 200
// chars so cosmetic differences don't defeat repetition detection.
func normalizeError(msg string) string {
	msg = strings.ToLower(strings.Join(strings.Fields(msg), " "))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
