package reputation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestTracker(cfg Config) (*Tracker, *time.Time) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	t := NewTracker(cfg)
	t.SetClock(func() time.Time { return now })
	return t, &now
}

func TestOutcomeWeightedScoring(t *testing.T) {
	tr, _ := newTestTracker(DefaultConfig)

	assert.Equal(t, 0.5, tr.Trust("n1"), "unknown peers start at initial trust")

	for i := 0; i < 10; i++ {
		tr.Record(Outcome{NodeID: "n1", TaskID: "t", Success: true, Score: 1})
	}
	assert.Greater(t, tr.Trust("n1"), 0.8, "repeated success raises trust")

	for i := 0; i < 10; i++ {
		tr.Record(Outcome{NodeID: "n2", TaskID: "t", Success: false})
	}
	assert.Less(t, tr.Trust("n2"), 0.2, "repeated failure lowers trust")
}

func TestDecayTowardInitial(t *testing.T) {
	cfg := DefaultConfig
	cfg.DecayHalfLife = time.Hour
	tr, now := newTestTracker(cfg)

	for i := 0; i < 10; i++ {
		tr.Record(Outcome{NodeID: "n1", Success: true, Score: 1})
	}
	high := tr.Trust("n1")

	*now = now.Add(3 * time.Hour)
	decayed := tr.Trust("n1")
	assert.Less(t, decayed, high)
	assert.Greater(t, decayed, 0.5, "decay approaches but does not cross initial trust")
}

func TestQuarantineFloor(t *testing.T) {
	tr, _ := newTestTracker(DefaultConfig)
	for i := 0; i < 20; i++ {
		tr.Record(Outcome{NodeID: "bad", Success: false})
	}
	assert.True(t, tr.Quarantined("bad"))
	assert.False(t, tr.Quarantined("unknown"))
}

func TestAnomalySwingFlagsPeer(t *testing.T) {
	cfg := DefaultConfig
	cfg.QuarantineFloor = 0 // isolate the anomaly signal
	tr, _ := newTestTracker(cfg)

	// Ten successes then ten failures: a full swing.
	for i := 0; i < 10; i++ {
		tr.Record(Outcome{NodeID: "n1", Success: true, Score: 1})
	}
	for i := 0; i < 10; i++ {
		tr.Record(Outcome{NodeID: "n1", Success: false})
	}
	assert.True(t, tr.Quarantined("n1"), "sudden success-rate swing is anomalous")
}

func TestSybilSignal(t *testing.T) {
	cfg := DefaultConfig
	cfg.SybilJoinBurst = 3
	cfg.SybilJoinWindow = time.Minute
	tr, now := newTestTracker(cfg)

	tr.Record(Outcome{NodeID: "a", Success: true, Score: 1})
	tr.Record(Outcome{NodeID: "b", Success: true, Score: 1})
	assert.False(t, tr.SybilSignal())

	tr.Record(Outcome{NodeID: "c", Success: true, Score: 1})
	assert.True(t, tr.SybilSignal(), "three new peers inside the window")

	*now = now.Add(2 * time.Minute)
	assert.False(t, tr.SybilSignal(), "signal clears once joins age out")
}

func TestAvgCost(t *testing.T) {
	tr, _ := newTestTracker(DefaultConfig)
	tr.Record(Outcome{NodeID: "n1", Success: true, Score: 1, CostUSD: 0.2})
	tr.Record(Outcome{NodeID: "n1", Success: true, Score: 1, CostUSD: 0.4})
	assert.InDelta(t, 0.3, tr.AvgCostUSD("n1", 1), 0.0001)
	assert.Equal(t, 1.0, tr.AvgCostUSD("missing", 1))
}
