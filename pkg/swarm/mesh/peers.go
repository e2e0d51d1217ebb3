// Package mesh manages the peer table: membership, heartbeat-driven failure
// detection, and eventually-consistent gossip of the peer view.
package mesh

import (
	"log/slog"
	"sync"
	"time"
)

// PeerStatus is the failure detector's view of a peer.
type PeerStatus string

const (
	PeerActive      PeerStatus = "active"
	PeerSuspected   PeerStatus = "suspected"
	PeerUnreachable PeerStatus = "unreachable"
	PeerLeft        PeerStatus = "left"
)

// Identity describes a node.
type Identity struct {
	NodeID       string   `json:"node_id"`
	DisplayName  string   `json:"display_name,omitempty"`
	APIURL       string   `json:"api_url"`
	Capabilities []string `json:"capabilities,omitempty"`
	Version      string   `json:"version,omitempty"`
	Credentials  string   `json:"credentials,omitempty"`
}

// PeerEntry is one row of the peer table.
type PeerEntry struct {
	Identity        Identity   `json:"identity"`
	Status          PeerStatus `json:"status"`
	LastHeartbeatAt time.Time  `json:"last_heartbeat_at"`
	LastLatencyMS   int64      `json:"last_latency_ms,omitempty"`
	JoinedAt        time.Time  `json:"joined_at"`
}

// Timeouts configure the failure detector ladder: active → suspected →
// unreachable → evicted.
type Timeouts struct {
	Suspect     time.Duration `yaml:"suspect"`
	Unreachable time.Duration `yaml:"unreachable"`
	Evict       time.Duration `yaml:"evict"`
}

// DefaultTimeouts matches a 15s heartbeat interval.
var DefaultTimeouts = Timeouts{
	Suspect:     45 * time.Second,
	Unreachable: 90 * time.Second,
	Evict:       5 * time.Minute,
}

// PeerTable is the indexed peer map with a per-status secondary index.
type PeerTable struct {
	timeouts Timeouts
	clock    func() time.Time

	mu       sync.RWMutex
	peers    map[string]*PeerEntry
	byStatus map[PeerStatus]map[string]struct{}
}

// NewPeerTable creates an empty table.
func NewPeerTable(timeouts Timeouts) *PeerTable {
	if timeouts.Suspect <= 0 {
		timeouts = DefaultTimeouts
	}
	t := &PeerTable{
		timeouts: timeouts,
		clock:    time.Now,
		peers:    make(map[string]*PeerEntry),
		byStatus: make(map[PeerStatus]map[string]struct{}),
	}
	for _, status := range []PeerStatus{PeerActive, PeerSuspected, PeerUnreachable, PeerLeft} {
		t.byStatus[status] = make(map[string]struct{})
	}
	return t
}

// SetClock overrides time.Now, for tests.
func (t *PeerTable) SetClock(clock func() time.Time) { t.clock = clock }

// Upsert adds or refreshes a peer from a join or gossip merge.
func (t *PeerTable) Upsert(identity Identity, joinedAt time.Time) *PeerEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	if joinedAt.IsZero() {
		joinedAt = now
	}
	entry, exists := t.peers[identity.NodeID]
	if !exists {
		entry = &PeerEntry{
			Identity:        identity,
			Status:          PeerActive,
			LastHeartbeatAt: now,
			JoinedAt:        joinedAt,
		}
		t.peers[identity.NodeID] = entry
		t.byStatus[PeerActive][identity.NodeID] = struct{}{}
		return entry
	}

	entry.Identity = identity
	if joinedAt.After(entry.JoinedAt) {
		entry.JoinedAt = joinedAt
	}
	t.setStatusLocked(entry, PeerActive)
	entry.LastHeartbeatAt = now
	return entry
}

// Heartbeat records an inbound heartbeat: any status returns to active and
// the detector timers reset.
func (t *PeerTable) Heartbeat(nodeID string, latencyMS int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.peers[nodeID]
	if !ok {
		return false
	}
	entry.LastHeartbeatAt = t.clock()
	if latencyMS > 0 {
		entry.LastLatencyMS = latencyMS
	}
	t.setStatusLocked(entry, PeerActive)
	return true
}

// Leave marks a peer as voluntarily departed.
func (t *PeerTable) Leave(nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.peers[nodeID]
	if !ok {
		return false
	}
	t.setStatusLocked(entry, PeerLeft)
	return true
}

// Get returns a copy of the entry.
func (t *PeerTable) Get(nodeID string) (PeerEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.peers[nodeID]
	if !ok {
		return PeerEntry{}, false
	}
	return *entry, true
}

// List returns copies of all entries, optionally filtered by status.
func (t *PeerTable) List(status PeerStatus) []PeerEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []PeerEntry
	if status == "" {
		for _, entry := range t.peers {
			out = append(out, *entry)
		}
		return out
	}
	for nodeID := range t.byStatus[status] {
		out = append(out, *t.peers[nodeID])
	}
	return out
}

// Active returns the active peers.
func (t *PeerTable) Active() []PeerEntry { return t.List(PeerActive) }

// Sweep runs one failure-detector pass, touching every entry exactly once.
// Downgrades are based on wall-clock time since the last heartbeat; eviction
// removes the entry from the map and the status index.
func (t *PeerTable) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	for nodeID, entry := range t.peers {
		silence := now.Sub(entry.LastHeartbeatAt)
		switch entry.Status {
		case PeerActive:
			if silence >= t.timeouts.Suspect {
				t.setStatusLocked(entry, PeerSuspected)
				slog.Debug("peer suspected", "node", nodeID, "silence", silence)
			}
		case PeerSuspected:
			if silence >= t.timeouts.Suspect+t.timeouts.Unreachable {
				t.setStatusLocked(entry, PeerUnreachable)
				slog.Debug("peer unreachable", "node", nodeID, "silence", silence)
			}
		case PeerUnreachable, PeerLeft:
			if silence >= t.timeouts.Suspect+t.timeouts.Unreachable+t.timeouts.Evict {
				delete(t.byStatus[entry.Status], nodeID)
				delete(t.peers, nodeID)
				slog.Info("peer evicted", "node", nodeID)
			}
		}
	}
}

func (t *PeerTable) setStatusLocked(entry *PeerEntry, status PeerStatus) {
	if entry.Status == status {
		return
	}
	delete(t.byStatus[entry.Status], entry.Identity.NodeID)
	entry.Status = status
	t.byStatus[status][entry.Identity.NodeID] = struct{}{}
}

// Merge applies a gossiped peer view: per node, take the max joined_at and
// the most recent last_heartbeat_at. Unknown peers are added as active.
func (t *PeerTable) Merge(view []PeerEntry, selfNodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range view {
		remote := view[i]
		nodeID := remote.Identity.NodeID
		if nodeID == "" || nodeID == selfNodeID {
			continue
		}
		local, exists := t.peers[nodeID]
		if !exists {
			entry := remote
			if entry.Status == "" {
				entry.Status = PeerActive
			}
			t.peers[nodeID] = &entry
			t.byStatus[entry.Status][nodeID] = struct{}{}
			continue
		}
		if remote.JoinedAt.After(local.JoinedAt) {
			local.JoinedAt = remote.JoinedAt
		}
		if remote.LastHeartbeatAt.After(local.LastHeartbeatAt) {
			local.LastHeartbeatAt = remote.LastHeartbeatAt
			// Fresher evidence of life revives a downgraded peer.
			t.setStatusLocked(local, PeerActive)
		}
	}
}
