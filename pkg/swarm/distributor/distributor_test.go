package distributor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldeucryptoboi/karnevil9/pkg/errkit"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/mesh"
)

// stubReputation is a fixed-score reputation source.
type stubReputation struct {
	trust       map[string]float64
	quarantined map[string]bool
	cost        map[string]float64
}

func (s *stubReputation) Trust(nodeID string) float64 {
	if v, ok := s.trust[nodeID]; ok {
		return v
	}
	return 0.5
}

func (s *stubReputation) Quarantined(nodeID string) bool { return s.quarantined[nodeID] }

func (s *stubReputation) AvgCostUSD(nodeID string, fallback float64) float64 {
	if v, ok := s.cost[nodeID]; ok {
		return v
	}
	return fallback
}

func tableWith(peers ...mesh.PeerEntry) *mesh.PeerTable {
	table := mesh.NewPeerTable(mesh.DefaultTimeouts)
	for _, p := range peers {
		entry := table.Upsert(p.Identity, time.Time{})
		_ = entry
		if p.LastLatencyMS > 0 {
			table.Heartbeat(p.Identity.NodeID, p.LastLatencyMS)
		}
	}
	return table
}

func TestWeightedSelectionPrefersTrust(t *testing.T) {
	table := tableWith(
		mesh.PeerEntry{Identity: mesh.Identity{NodeID: "fast-low-trust"}, LastLatencyMS: 10},
		mesh.PeerEntry{Identity: mesh.Identity{NodeID: "slow-high-trust"}, LastLatencyMS: 500},
	)
	rep := &stubReputation{
		trust:       map[string]float64{"fast-low-trust": 0.2, "slow-high-trust": 0.95},
		quarantined: map[string]bool{},
	}

	d := New(table, rep, Config{})
	selected, err := d.Select(TaskSpec{TaskID: "t1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "slow-high-trust", selected.Peer.Identity.NodeID)
}

func TestDeterministicTieBreak(t *testing.T) {
	table := tableWith(
		mesh.PeerEntry{Identity: mesh.Identity{NodeID: "bbb"}},
		mesh.PeerEntry{Identity: mesh.Identity{NodeID: "aaa"}},
	)
	rep := &stubReputation{trust: map[string]float64{}, quarantined: map[string]bool{}}

	d := New(table, rep, Config{})
	for i := 0; i < 5; i++ {
		selected, err := d.Select(TaskSpec{TaskID: "t1"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "aaa", selected.Peer.Identity.NodeID, "ties break by node id")
	}
}

func TestCapabilityRequirementExcludes(t *testing.T) {
	table := tableWith(
		mesh.PeerEntry{Identity: mesh.Identity{NodeID: "gpu", Capabilities: []string{"gpu", "browse"}}},
		mesh.PeerEntry{Identity: mesh.Identity{NodeID: "plain", Capabilities: []string{"browse"}}},
	)
	rep := &stubReputation{trust: map[string]float64{"plain": 0.99}, quarantined: map[string]bool{}}

	d := New(table, rep, Config{})
	selected, err := d.Select(TaskSpec{TaskID: "t1", RequiredCapabilities: []string{"gpu"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "gpu", selected.Peer.Identity.NodeID)
}

func TestQuarantineAndFloorExclude(t *testing.T) {
	table := tableWith(
		mesh.PeerEntry{Identity: mesh.Identity{NodeID: "quarantined"}},
		mesh.PeerEntry{Identity: mesh.Identity{NodeID: "lowtrust"}},
	)
	rep := &stubReputation{
		trust:       map[string]float64{"quarantined": 0.9, "lowtrust": 0.05},
		quarantined: map[string]bool{"quarantined": true},
	}

	d := New(table, rep, Config{ReputationFloor: 0.1})
	_, err := d.Select(TaskSpec{TaskID: "t1"}, nil)
	assert.True(t, errkit.IsCode(err, errkit.CodeSwarmNoPeers))
}

func TestExcludedPeersSkipped(t *testing.T) {
	table := tableWith(
		mesh.PeerEntry{Identity: mesh.Identity{NodeID: "former"}},
		mesh.PeerEntry{Identity: mesh.Identity{NodeID: "fresh"}},
	)
	rep := &stubReputation{trust: map[string]float64{"former": 0.99}, quarantined: map[string]bool{}}

	d := New(table, rep, Config{})
	selected, err := d.Select(TaskSpec{TaskID: "t1"}, map[string]struct{}{"former": {}})
	require.NoError(t, err)
	assert.Equal(t, "fresh", selected.Peer.Identity.NodeID)
}

func TestParetoSelection(t *testing.T) {
	table := tableWith(
		// Dominated: worse trust and worse latency than "balanced".
		mesh.PeerEntry{Identity: mesh.Identity{NodeID: "dominated"}, LastLatencyMS: 900},
		mesh.PeerEntry{Identity: mesh.Identity{NodeID: "balanced"}, LastLatencyMS: 100},
		mesh.PeerEntry{Identity: mesh.Identity{NodeID: "trusty"}, LastLatencyMS: 2000},
	)
	rep := &stubReputation{
		trust:       map[string]float64{"dominated": 0.3, "balanced": 0.6, "trusty": 0.95},
		quarantined: map[string]bool{},
		cost:        map[string]float64{"dominated": 0.5, "balanced": 0.5, "trusty": 0.5},
	}

	d := New(table, rep, Config{})
	selected, err := d.Select(TaskSpec{TaskID: "t1", Pareto: true}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, "dominated", selected.Peer.Identity.NodeID, "dominated peers never win Pareto selection")
}

func TestActiveDelegationLifecycle(t *testing.T) {
	table := tableWith(mesh.PeerEntry{Identity: mesh.Identity{NodeID: "n1"}})
	rep := &stubReputation{trust: map[string]float64{}, quarantined: map[string]bool{}}
	d := New(table, rep, Config{})

	spec := TaskSpec{TaskID: "t1", SessionID: "s1", TaskText: "do the thing"}
	selected, err := d.Select(spec, nil)
	require.NoError(t, err)

	d.Open(t.Context(), spec, selected)
	got, ok := d.Get("t1")
	require.True(t, ok)
	assert.Equal(t, "n1", got.PeerNodeID)

	require.True(t, d.Reassign("t1", "n2"))
	got, _ = d.Get("t1")
	assert.Equal(t, "n2", got.PeerNodeID)

	d.Close("t1")
	_, ok = d.Get("t1")
	assert.False(t, ok)
}
