package optimizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/distributor"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/mesh"
)

type stubReputation struct {
	trust map[string]float64
}

func (s *stubReputation) Trust(nodeID string) float64 {
	if v, ok := s.trust[nodeID]; ok {
		return v
	}
	return 0.5
}
func (s *stubReputation) Quarantined(string) bool            { return false }
func (s *stubReputation) AvgCostUSD(string, float64) float64 { return 0.1 }

type stubMisses struct{ counts map[string]int }

func (s *stubMisses) Misses(taskID string) int { return s.counts[taskID] }

func setup(t *testing.T, trust map[string]float64) (*distributor.Distributor, *stubReputation) {
	t.Helper()
	table := mesh.NewPeerTable(mesh.DefaultTimeouts)
	for nodeID := range trust {
		table.Upsert(mesh.Identity{NodeID: nodeID}, time.Time{})
	}
	rep := &stubReputation{trust: trust}
	return distributor.New(table, rep, distributor.Config{}), rep
}

func openDelegation(t *testing.T, d *distributor.Distributor, taskID, peer string) {
	t.Helper()
	spec := distributor.TaskSpec{TaskID: taskID, SessionID: "s1", TaskText: "work"}
	candidates := d.Candidates(spec, nil)
	var chosen *distributor.Candidate
	for i := range candidates {
		if candidates[i].Peer.Identity.NodeID == peer {
			chosen = &candidates[i]
		}
	}
	require.NotNil(t, chosen)
	d.Open(t.Context(), spec, *chosen)
}

func TestKeepWhenAssignedIsBest(t *testing.T) {
	d, _ := setup(t, map[string]float64{"good": 0.9, "meh": 0.4})
	openDelegation(t, d, "t1", "good")

	l := New(d, nil, DefaultConfig, nil)
	decisions := l.Evaluate()
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionKeep, decisions[0].Kind)
}

func TestRedelegateOnDrift(t *testing.T) {
	rep := map[string]float64{"weak": 0.2, "strong": 0.95}
	d, _ := setup(t, rep)
	openDelegation(t, d, "t1", "weak")

	now := time.Now()
	l := New(d, nil, Config{
		DriftThreshold:          0.1,
		OverheadFactor:          0.05,
		MinTimeBeforeRedelegate: time.Minute,
		EscalateAfterMisses:     3,
	}, nil)

	// Inside the anti-thrashing window: keep despite drift.
	l.SetClock(func() time.Time { return now })
	decisions := l.Evaluate()
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionKeep, decisions[0].Kind)

	// Past the window: redelegate, naming the alternative.
	l.SetClock(func() time.Time { return now.Add(2 * time.Minute) })
	decisions = l.Evaluate()
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionRedelegate, decisions[0].Kind)
	assert.Equal(t, "strong", decisions[0].Alternative)
	assert.Greater(t, decisions[0].Drift, 0.1)
}

func TestEscalateOnCheckpointMisses(t *testing.T) {
	d, _ := setup(t, map[string]float64{"only": 0.9})
	openDelegation(t, d, "t1", "only")

	l := New(d, &stubMisses{counts: map[string]int{"t1": 3}}, DefaultConfig, nil)
	decisions := l.Evaluate()
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionEscalate, decisions[0].Kind)
}

func TestRedelegateWhenPeerIneligible(t *testing.T) {
	d, rep := setup(t, map[string]float64{"assigned": 0.9, "backup": 0.6})
	openDelegation(t, d, "t1", "assigned")

	// The assigned peer's trust collapses and a fresh distributor whose peer
	// table holds only "backup" takes over, so the assigned peer is no longer
	// a candidate.
	rep.trust["assigned"] = 0.0
	table := mesh.NewPeerTable(mesh.DefaultTimeouts)
	table.Upsert(mesh.Identity{NodeID: "backup"}, time.Time{})
	d2 := distributor.New(table, rep, distributor.Config{})
	// carry the delegation over
	spec := distributor.TaskSpec{TaskID: "t1", SessionID: "s1", TaskText: "work"}
	candidates := d2.Candidates(spec, nil)
	require.NotEmpty(t, candidates)
	d2.Open(t.Context(), distributor.TaskSpec{TaskID: "t1", SessionID: "s1", TaskText: "work"}, candidates[0])
	d2.Reassign("t1", "assigned")

	l := New(d2, nil, DefaultConfig, nil)
	l.SetClock(func() time.Time { return time.Now().Add(time.Hour) })
	decisions := l.Evaluate()
	require.Len(t, decisions, 1)
	assert.Equal(t, DecisionRedelegate, decisions[0].Kind)
	assert.Equal(t, "backup", decisions[0].Alternative)
}
