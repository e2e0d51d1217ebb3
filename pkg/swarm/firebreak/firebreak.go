// Package firebreak caps delegation depth based on task risk, and computes
// the cognitive-friction level for risky delegated actions.
package firebreak

import "fmt"

// Mode selects behavior at the depth limit.
type Mode string

const (
	// ModeStrict halts at the limit.
	ModeStrict Mode = "strict"

	// ModeAdvisory requests human authority instead of halting.
	ModeAdvisory Mode = "advisory"
)

// Verdict is the firebreak's decision.
type Verdict string

const (
	VerdictAllow            Verdict = "allow"
	VerdictHalt             Verdict = "halt"
	VerdictRequestAuthority Verdict = "request_authority"
)

// TaskAttributes describe the risk profile of a delegated task.
type TaskAttributes struct {
	HighCriticality  bool
	LowReversibility bool
}

// Config tunes the depth computation.
type Config struct {
	BaseMaxDepth         int  `yaml:"base_max_depth"`
	CriticalityReduction int  `yaml:"criticality_reduction"`
	Reversibility        int  `yaml:"reversibility_reduction"`
	MinDepth             int  `yaml:"min_depth"`
	Mode                 Mode `yaml:"mode"`
}

// DefaultConfig allows five hops for routine work, fewer for risky tasks.
var DefaultConfig = Config{
	BaseMaxDepth:         5,
	CriticalityReduction: 2,
	Reversibility:        1,
	MinDepth:             1,
	Mode:                 ModeStrict,
}

// Decision is the firebreak output.
type Decision struct {
	Verdict        Verdict `json:"verdict"`
	EffectiveDepth int     `json:"effective_max_depth"`
	Reason         string  `json:"reason,omitempty"`
}

// Firebreak evaluates delegation depth against the effective limit.
type Firebreak struct {
	cfg Config
}

// New creates a firebreak.
func New(cfg Config) *Firebreak {
	if cfg.BaseMaxDepth <= 0 {
		cfg = DefaultConfig
	}
	return &Firebreak{cfg: cfg}
}

// Check computes the effective maximum depth for the task and compares the
// chain depth against it.
func (f *Firebreak) Check(chainDepth int, attrs TaskAttributes) Decision {
	effective := f.cfg.BaseMaxDepth
	if attrs.HighCriticality {
		effective -= f.cfg.CriticalityReduction
	}
	if attrs.LowReversibility {
		effective -= f.cfg.Reversibility
	}
	if effective < f.cfg.MinDepth {
		effective = f.cfg.MinDepth
	}

	if chainDepth < effective {
		return Decision{Verdict: VerdictAllow, EffectiveDepth: effective}
	}

	reason := fmt.Sprintf("delegation depth %d reaches the effective limit %d", chainDepth, effective)
	if f.cfg.Mode == ModeAdvisory {
		return Decision{Verdict: VerdictRequestAuthority, EffectiveDepth: effective, Reason: reason}
	}
	return Decision{Verdict: VerdictHalt, EffectiveDepth: effective, Reason: reason}
}
