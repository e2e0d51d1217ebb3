package monitor

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxTrackedDelegations caps the tracked-task table, LRU.
const maxTrackedDelegations = 10_000

// TrackedDelegation is one delegation watched for redelegation.
type TrackedDelegation struct {
	TaskID            string              `json:"task_id"`
	PeerNodeID        string              `json:"peer_node_id"`
	TaskText          string              `json:"task_text"`
	SessionID         string              `json:"session_id"`
	Constraints       map[string]any      `json:"constraints,omitempty"`
	RedelegationCount int                 `json:"redelegation_count"`
	ExcludedPeers     map[string]struct{} `json:"-"`
	LastRedelegatedAt time.Time           `json:"last_redelegated_at,omitempty"`
}

// RedelegationCandidate is returned from CheckPeerHealth: a delegation that
// should move off a degraded peer.
type RedelegationCandidate struct {
	TaskID        string
	OldPeer       string
	TaskText      string
	SessionID     string
	Constraints   map[string]any
	ExcludedPeers map[string]struct{}
}

// RedelegationConfig bounds redelegation churn.
type RedelegationConfig struct {
	MaxRedelegations int           `yaml:"max_redelegations"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// DefaultRedelegationConfig permits two moves with a minute between them.
var DefaultRedelegationConfig = RedelegationConfig{
	MaxRedelegations: 2,
	Cooldown:         time.Minute,
}

// RedelegationMonitor tracks delegations and decides which may be moved when
// peers degrade.
type RedelegationMonitor struct {
	cfg   RedelegationConfig
	clock func() time.Time

	mu      sync.Mutex
	tracked *lru.Cache[string, *TrackedDelegation]
}

// NewRedelegationMonitor creates a monitor.
func NewRedelegationMonitor(cfg RedelegationConfig) *RedelegationMonitor {
	if cfg.MaxRedelegations <= 0 {
		cfg = DefaultRedelegationConfig
	}
	cache, _ := lru.New[string, *TrackedDelegation](maxTrackedDelegations)
	return &RedelegationMonitor{cfg: cfg, clock: time.Now, tracked: cache}
}

// SetClock overrides time.Now, for tests.
func (m *RedelegationMonitor) SetClock(clock func() time.Time) { m.clock = clock }

// Track registers a fresh delegation.
func (m *RedelegationMonitor) Track(taskID, peerNodeID, taskText, sessionID string, constraints map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked.Add(taskID, &TrackedDelegation{
		TaskID:        taskID,
		PeerNodeID:    peerNodeID,
		TaskText:      taskText,
		SessionID:     sessionID,
		Constraints:   constraints,
		ExcludedPeers: make(map[string]struct{}),
	})
}

// Untrack drops a delegation, typically on terminal completion.
func (m *RedelegationMonitor) Untrack(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked.Remove(taskID)
}

// Get returns a copy of a tracked delegation.
func (m *RedelegationMonitor) Get(taskID string) (TrackedDelegation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.tracked.Get(taskID)
	if !ok {
		return TrackedDelegation{}, false
	}
	return copyTracked(d), true
}

// CheckPeerHealth returns every tracked delegation whose peer is degraded,
// still under the redelegation budget, and past the cooldown. Results carry
// the constraints and the accumulated excluded-peer set (former assignees).
func (m *RedelegationMonitor) CheckPeerHealth(degradedPeerIDs []string) []RedelegationCandidate {
	degraded := make(map[string]struct{}, len(degradedPeerIDs))
	for _, id := range degradedPeerIDs {
		degraded[id] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	var out []RedelegationCandidate
	for _, taskID := range m.tracked.Keys() {
		d, ok := m.tracked.Peek(taskID)
		if !ok {
			continue
		}
		if _, isDegraded := degraded[d.PeerNodeID]; !isDegraded {
			continue
		}
		if d.RedelegationCount >= m.cfg.MaxRedelegations {
			continue
		}
		if !d.LastRedelegatedAt.IsZero() && now.Sub(d.LastRedelegatedAt) < m.cfg.Cooldown {
			continue
		}

		excluded := make(map[string]struct{}, len(d.ExcludedPeers)+1)
		for p := range d.ExcludedPeers {
			excluded[p] = struct{}{}
		}
		excluded[d.PeerNodeID] = struct{}{}

		out = append(out, RedelegationCandidate{
			TaskID:        d.TaskID,
			OldPeer:       d.PeerNodeID,
			TaskText:      d.TaskText,
			SessionID:     d.SessionID,
			Constraints:   d.Constraints,
			ExcludedPeers: excluded,
		})
	}
	return out
}

// RecordRedelegation moves a tracked delegation to a new peer: increments the
// count, adds the old peer to the exclusion set, stamps the cooldown clock.
func (m *RedelegationMonitor) RecordRedelegation(taskID, newPeer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.tracked.Get(taskID)
	if !ok {
		return false
	}
	d.ExcludedPeers[d.PeerNodeID] = struct{}{}
	d.PeerNodeID = newPeer
	d.RedelegationCount++
	d.LastRedelegatedAt = m.clock()
	return true
}

// Exhausted reports whether a delegation has used its full redelegation
// budget.
func (m *RedelegationMonitor) Exhausted(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.tracked.Peek(taskID)
	return ok && d.RedelegationCount >= m.cfg.MaxRedelegations
}

func copyTracked(d *TrackedDelegation) TrackedDelegation {
	copied := *d
	copied.ExcludedPeers = make(map[string]struct{}, len(d.ExcludedPeers))
	for p := range d.ExcludedPeers {
		copied.ExcludedPeers[p] = struct{}{}
	}
	return copied
}
