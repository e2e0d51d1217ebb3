package firebreak

import (
	"sync"
	"time"
)

// FrictionLevel is the escalation level demanded before a risky delegated
// action proceeds.
type FrictionLevel string

const (
	FrictionNone           FrictionLevel = "none"
	FrictionInfo           FrictionLevel = "info"
	FrictionConfirm        FrictionLevel = "confirm"
	FrictionMandatoryHuman FrictionLevel = "mandatory_human"
)

// FrictionFactors are the composite-score inputs, each in [0, 1].
type FrictionFactors struct {
	Criticality     float64 `json:"criticality"`
	Irreversibility float64 `json:"irreversibility"`
	Uncertainty     float64 `json:"uncertainty"`
	DepthRatio      float64 `json:"depth_ratio"`
	TrustDeficit    float64 `json:"trust_deficit"`
}

// FrictionWeights weight the factors into the composite score.
type FrictionWeights struct {
	Criticality     float64 `yaml:"criticality"`
	Irreversibility float64 `yaml:"irreversibility"`
	Uncertainty     float64 `yaml:"uncertainty"`
	DepthRatio      float64 `yaml:"depth_ratio"`
	TrustDeficit    float64 `yaml:"trust_deficit"`
}

// FrictionConfig tunes scoring, thresholds, and anti-alarm-fatigue.
type FrictionConfig struct {
	Weights FrictionWeights `yaml:"weights"`

	// Thresholds map score to level: score ≥ Mandatory → mandatory_human,
	// ≥ Confirm → confirm, ≥ Info → info, else none.
	InfoThreshold      float64 `yaml:"info_threshold"`
	ConfirmThreshold   float64 `yaml:"confirm_threshold"`
	MandatoryThreshold float64 `yaml:"mandatory_threshold"`

	// Anti-alarm-fatigue: if at least MaxEscalations escalations fired in the
	// trailing window, info is suppressed to none and confirm to info; never
	// below mandatory_human.
	AntiFatigueWindow time.Duration `yaml:"anti_fatigue_window"`
	AntiFatigueMaxEsc int           `yaml:"anti_fatigue_max_escalations"`
}

// DefaultFrictionConfig is a balanced profile.
var DefaultFrictionConfig = FrictionConfig{
	Weights: FrictionWeights{
		Criticality:     0.3,
		Irreversibility: 0.25,
		Uncertainty:     0.15,
		DepthRatio:      0.15,
		TrustDeficit:    0.15,
	},
	InfoThreshold:      0.3,
	ConfirmThreshold:   0.55,
	MandatoryThreshold: 0.8,
	AntiFatigueWindow:  10 * time.Minute,
	AntiFatigueMaxEsc:  5,
}

// FrictionEngine computes friction levels with fatigue damping.
type FrictionEngine struct {
	cfg   FrictionConfig
	clock func() time.Time

	mu          sync.Mutex
	escalations []time.Time
}

// NewFrictionEngine creates an engine.
func NewFrictionEngine(cfg FrictionConfig) *FrictionEngine {
	if cfg.Weights == (FrictionWeights{}) {
		cfg = DefaultFrictionConfig
	}
	return &FrictionEngine{cfg: cfg, clock: time.Now}
}

// SetClock overrides time.Now, for tests.
func (e *FrictionEngine) SetClock(clock func() time.Time) { e.clock = clock }

// Score computes the weighted composite in [0, 1].
func (e *FrictionEngine) Score(f FrictionFactors) float64 {
	w := e.cfg.Weights
	score := f.Criticality*w.Criticality +
		f.Irreversibility*w.Irreversibility +
		f.Uncertainty*w.Uncertainty +
		f.DepthRatio*w.DepthRatio +
		f.TrustDeficit*w.TrustDeficit
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Evaluate maps the factors to a friction level, applying the
// anti-alarm-fatigue reducer.
func (e *FrictionEngine) Evaluate(f FrictionFactors) FrictionLevel {
	score := e.Score(f)

	var level FrictionLevel
	switch {
	case score >= e.cfg.MandatoryThreshold:
		level = FrictionMandatoryHuman
	case score >= e.cfg.ConfirmThreshold:
		level = FrictionConfirm
	case score >= e.cfg.InfoThreshold:
		level = FrictionInfo
	default:
		level = FrictionNone
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	e.pruneLocked(now)

	if level == FrictionInfo || level == FrictionConfirm {
		if len(e.escalations) >= e.cfg.AntiFatigueMaxEsc {
			if level == FrictionInfo {
				level = FrictionNone
			} else {
				level = FrictionInfo
			}
		}
	}

	if level != FrictionNone {
		e.escalations = append(e.escalations, now)
	}
	return level
}

func (e *FrictionEngine) pruneLocked(now time.Time) {
	cutoff := now.Add(-e.cfg.AntiFatigueWindow)
	kept := e.escalations[:0]
	for _, ts := range e.escalations {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.escalations = kept
}
