package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedPoller returns queued statuses, then errors.
type scriptedPoller struct {
	mu       sync.Mutex
	statuses []CheckpointStatus
	errs     []error
}

func (p *scriptedPoller) TaskStatus(ctx context.Context, peerNodeID, taskID string) (CheckpointStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return CheckpointStatus{}, err
		}
	}
	if len(p.statuses) == 0 {
		return CheckpointStatus{}, errors.New("no more statuses")
	}
	s := p.statuses[0]
	if len(p.statuses) > 1 {
		p.statuses = p.statuses[1:]
	}
	return s, nil
}

func TestMonitorStopsAtTerminal(t *testing.T) {
	poller := &scriptedPoller{statuses: []CheckpointStatus{
		{TaskID: "t1", State: "running", ProgressPct: 10},
		{TaskID: "t1", State: "running", ProgressPct: 60},
		{TaskID: "t1", State: "completed", ProgressPct: 100},
	}}

	var terminal atomic.Bool
	m := NewTaskMonitor(poller, nil, func(taskID, peer string, status CheckpointStatus) {
		terminal.Store(true)
	})

	m.Watch(context.Background(), "t1", "peer-1", 10*time.Millisecond, 3)
	require.Eventually(t, func() bool { return !m.Watching("t1") }, time.Second, 5*time.Millisecond)
	assert.True(t, terminal.Load())
}

func TestMonitorMissedCheckpoints(t *testing.T) {
	poller := &scriptedPoller{errs: []error{
		errors.New("down"), errors.New("down"), errors.New("down"), errors.New("down"),
	}}

	var missedTask, missedPeer string
	var fired atomic.Bool
	m := NewTaskMonitor(poller, func(taskID, peer string) {
		missedTask, missedPeer = taskID, peer
		fired.Store(true)
	}, nil)

	m.Watch(context.Background(), "t1", "peer-1", 10*time.Millisecond, 3)
	require.Eventually(t, func() bool { return fired.Load() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "t1", missedTask)
	assert.Equal(t, "peer-1", missedPeer)
	assert.False(t, m.Watching("t1"))
}

func TestRedelegationCooldownScenario(t *testing.T) {
	// Spec scenario 6: track task-1 → peerA, redelegate to peerB, mark peerB
	// degraded: empty during cooldown, candidate after it.
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	m := NewRedelegationMonitor(RedelegationConfig{MaxRedelegations: 3, Cooldown: time.Minute})
	m.SetClock(func() time.Time { return now })

	m.Track("task-1", "peerA", "do the thing", "sess-1", map[string]any{"max_cost": 1})
	require.True(t, m.RecordRedelegation("task-1", "peerB"))

	// Immediately degraded: cooldown suppresses.
	assert.Empty(t, m.CheckPeerHealth([]string{"peerB"}))

	now = now.Add(61 * time.Second)
	candidates := m.CheckPeerHealth([]string{"peerB"})
	require.Len(t, candidates, 1)
	c := candidates[0]
	assert.Equal(t, "task-1", c.TaskID)
	assert.Equal(t, "peerB", c.OldPeer)
	assert.Contains(t, c.ExcludedPeers, "peerA")
	assert.Contains(t, c.ExcludedPeers, "peerB")
	assert.Equal(t, map[string]any{"max_cost": 1}, c.Constraints)
}

func TestRedelegationBudgetExhausted(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	m := NewRedelegationMonitor(RedelegationConfig{MaxRedelegations: 2, Cooldown: time.Millisecond})
	m.SetClock(func() time.Time { return now })

	m.Track("task-1", "p1", "t", "s", nil)
	require.True(t, m.RecordRedelegation("task-1", "p2"))
	require.True(t, m.RecordRedelegation("task-1", "p3"))
	assert.True(t, m.Exhausted("task-1"))

	now = now.Add(time.Hour)
	assert.Empty(t, m.CheckPeerHealth([]string{"p3"}), "exhausted budget blocks further moves")
}

func TestHealthyPeersNotReturned(t *testing.T) {
	m := NewRedelegationMonitor(RedelegationConfig{MaxRedelegations: 2, Cooldown: 0})
	m.Track("task-1", "p1", "t", "s", nil)
	assert.Empty(t, m.CheckPeerHealth([]string{"p2"}))

	candidates := m.CheckPeerHealth([]string{"p1"})
	assert.Len(t, candidates, 1)
}

func TestUntrack(t *testing.T) {
	m := NewRedelegationMonitor(RedelegationConfig{MaxRedelegations: 2, Cooldown: 0})
	m.Track("task-1", "p1", "t", "s", nil)
	m.Untrack("task-1")
	_, ok := m.Get("task-1")
	assert.False(t, ok)
}
