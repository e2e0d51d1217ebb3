package firebreak

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEffectiveDepthComputation(t *testing.T) {
	f := New(Config{BaseMaxDepth: 5, CriticalityReduction: 2, Reversibility: 1, MinDepth: 1, Mode: ModeStrict})

	tests := []struct {
		name      string
		depth     int
		attrs     TaskAttributes
		wantDepth int
		want      Verdict
	}{
		{"routine under limit", 3, TaskAttributes{}, 5, VerdictAllow},
		{"routine at limit", 5, TaskAttributes{}, 5, VerdictHalt},
		{"critical reduces limit", 3, TaskAttributes{HighCriticality: true}, 3, VerdictHalt},
		{"critical and irreversible", 1, TaskAttributes{HighCriticality: true, LowReversibility: true}, 2, VerdictAllow},
		{"critical and irreversible at limit", 2, TaskAttributes{HighCriticality: true, LowReversibility: true}, 2, VerdictHalt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := f.Check(tt.depth, tt.attrs)
			assert.Equal(t, tt.wantDepth, d.EffectiveDepth)
			assert.Equal(t, tt.want, d.Verdict)
		})
	}
}

func TestMinDepthClamp(t *testing.T) {
	f := New(Config{BaseMaxDepth: 2, CriticalityReduction: 5, Reversibility: 5, MinDepth: 1, Mode: ModeStrict})
	d := f.Check(0, TaskAttributes{HighCriticality: true, LowReversibility: true})
	assert.Equal(t, 1, d.EffectiveDepth)
	assert.Equal(t, VerdictAllow, d.Verdict)
}

func TestAdvisoryModeRequestsAuthority(t *testing.T) {
	f := New(Config{BaseMaxDepth: 2, MinDepth: 1, Mode: ModeAdvisory})
	d := f.Check(2, TaskAttributes{})
	assert.Equal(t, VerdictRequestAuthority, d.Verdict)
	assert.NotEmpty(t, d.Reason)
}

func TestFrictionThresholds(t *testing.T) {
	e := NewFrictionEngine(DefaultFrictionConfig)

	assert.Equal(t, FrictionNone, e.Evaluate(FrictionFactors{}))
	assert.Equal(t, FrictionMandatoryHuman, e.Evaluate(FrictionFactors{
		Criticality: 1, Irreversibility: 1, Uncertainty: 1, DepthRatio: 1, TrustDeficit: 1,
	}))
}

func TestAntiAlarmFatigue(t *testing.T) {
	cfg := DefaultFrictionConfig
	cfg.AntiFatigueMaxEsc = 2
	cfg.AntiFatigueWindow = time.Minute

	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	e := NewFrictionEngine(cfg)
	e.SetClock(func() time.Time { return now })

	confirmFactors := FrictionFactors{Criticality: 1, Irreversibility: 1} // score 0.55 → confirm

	assert.Equal(t, FrictionConfirm, e.Evaluate(confirmFactors))
	assert.Equal(t, FrictionConfirm, e.Evaluate(confirmFactors))

	// Two escalations in the window: confirm is damped to info.
	assert.Equal(t, FrictionInfo, e.Evaluate(confirmFactors))

	// mandatory_human is never damped.
	mandatory := FrictionFactors{Criticality: 1, Irreversibility: 1, Uncertainty: 1, DepthRatio: 1, TrustDeficit: 1}
	assert.Equal(t, FrictionMandatoryHuman, e.Evaluate(mandatory))

	// Outside the window the damper resets.
	now = now.Add(2 * time.Minute)
	assert.Equal(t, FrictionConfirm, e.Evaluate(confirmFactors))
}
