// Package distributor selects peers for delegated tasks and opens active
// delegation records.
package distributor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oldeucryptoboi/karnevil9/pkg/errkit"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/mesh"
)

// SelectionWeights weight the candidate score terms.
type SelectionWeights struct {
	Trust      float64 `yaml:"trust"`
	Latency    float64 `yaml:"latency"`
	Cost       float64 `yaml:"cost"`
	Capability float64 `yaml:"capability"`
}

// DefaultSelectionWeights favor trust, then latency.
var DefaultSelectionWeights = SelectionWeights{
	Trust:      0.4,
	Latency:    0.25,
	Cost:       0.15,
	Capability: 0.2,
}

// Reputation is the distributor's view of the reputation tracker.
type Reputation interface {
	Trust(nodeID string) float64
	Quarantined(nodeID string) bool
	AvgCostUSD(nodeID string, fallback float64) float64
}

// TaskSpec describes the work to place.
type TaskSpec struct {
	TaskID               string
	SessionID            string
	TaskText             string
	RequiredCapabilities []string
	Pareto               bool // select on the Pareto front instead of the weighted score
}

// Candidate is one scored peer.
type Candidate struct {
	Peer            mesh.PeerEntry
	Trust           float64
	LatencyMS       int64
	AvgCostUSD      float64
	CapabilityMatch float64
	Score           float64
}

// Config tunes selection.
type Config struct {
	Weights         SelectionWeights `yaml:"weights"`
	ReputationFloor float64          `yaml:"reputation_floor"`
}

// Distributor scores active peers and records delegations.
type Distributor struct {
	table      *mesh.PeerTable
	reputation Reputation
	cfg        Config

	mu     sync.Mutex
	active map[string]*ActiveDelegation
}

// ActiveDelegation is one outstanding delegated task.
type ActiveDelegation struct {
	TaskID      string    `json:"task_id"`
	SessionID   string    `json:"session_id"`
	PeerNodeID  string    `json:"peer_node_id"`
	TaskText    string    `json:"task_text"`
	DelegatedAt time.Time `json:"delegated_at"`
}

// New creates a distributor.
func New(table *mesh.PeerTable, reputation Reputation, cfg Config) *Distributor {
	if cfg.Weights == (SelectionWeights{}) {
		cfg.Weights = DefaultSelectionWeights
	}
	return &Distributor{
		table:      table,
		reputation: reputation,
		cfg:        cfg,
		active:     make(map[string]*ActiveDelegation),
	}
}

// Score computes the weighted candidate score:
// w_trust·trust + w_latency·(1 − min(latency/10000, 1)) +
// w_cost·(1 − min(cost/1.0, 1)) + w_capability·match.
func (d *Distributor) Score(c Candidate) float64 {
	w := d.cfg.Weights
	latencyTerm := 1 - minF(float64(c.LatencyMS)/10_000, 1)
	costTerm := 1 - minF(c.AvgCostUSD/1.0, 1)
	return w.Trust*c.Trust + w.Latency*latencyTerm + w.Cost*costTerm + w.Capability*c.CapabilityMatch
}

// Candidates returns the scored, eligible candidates for a task, sorted by
// score descending with node-id tie-break.
func (d *Distributor) Candidates(spec TaskSpec, exclude map[string]struct{}) []Candidate {
	var out []Candidate
	for _, peer := range d.table.Active() {
		nodeID := peer.Identity.NodeID
		if _, skip := exclude[nodeID]; skip {
			continue
		}
		if d.reputation.Quarantined(nodeID) {
			continue
		}
		trust := d.reputation.Trust(nodeID)
		if trust < d.cfg.ReputationFloor {
			continue
		}
		match := capabilityMatch(peer.Identity.Capabilities, spec.RequiredCapabilities)
		if len(spec.RequiredCapabilities) > 0 && match < 1 {
			// Peers failing capability requirements are excluded outright.
			continue
		}

		c := Candidate{
			Peer:            peer,
			Trust:           trust,
			LatencyMS:       peer.LastLatencyMS,
			AvgCostUSD:      d.reputation.AvgCostUSD(nodeID, 0.1),
			CapabilityMatch: match,
		}
		c.Score = d.Score(c)
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Peer.Identity.NodeID < out[j].Peer.Identity.NodeID
	})
	return out
}

// Select picks the peer for a task: the top weighted score, or the crowding-
// preferred member of the Pareto front when the caller asks for it.
func (d *Distributor) Select(spec TaskSpec, exclude map[string]struct{}) (Candidate, error) {
	candidates := d.Candidates(spec, exclude)
	if len(candidates) == 0 {
		return Candidate{}, errkit.New(errkit.CodeSwarmNoPeers, "no eligible peers for task")
	}
	if spec.Pareto {
		return selectPareto(candidates), nil
	}
	return candidates[0], nil
}

// Open records an active delegation for a selected peer.
func (d *Distributor) Open(ctx context.Context, spec TaskSpec, peer Candidate) *ActiveDelegation {
	delegation := &ActiveDelegation{
		TaskID:      spec.TaskID,
		SessionID:   spec.SessionID,
		PeerNodeID:  peer.Peer.Identity.NodeID,
		TaskText:    spec.TaskText,
		DelegatedAt: time.Now(),
	}
	d.mu.Lock()
	d.active[spec.TaskID] = delegation
	d.mu.Unlock()
	return delegation
}

// Close removes an active delegation.
func (d *Distributor) Close(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, taskID)
}

// Reassign moves an active delegation to a new peer.
func (d *Distributor) Reassign(taskID, newPeerNodeID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	delegation, ok := d.active[taskID]
	if !ok {
		return false
	}
	delegation.PeerNodeID = newPeerNodeID
	delegation.DelegatedAt = time.Now()
	return true
}

// Active returns a snapshot of the active delegations.
func (d *Distributor) Active() []ActiveDelegation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ActiveDelegation, 0, len(d.active))
	for _, delegation := range d.active {
		out = append(out, *delegation)
	}
	return out
}

// Get returns the active delegation for a task.
func (d *Distributor) Get(taskID string) (ActiveDelegation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delegation, ok := d.active[taskID]
	if !ok {
		return ActiveDelegation{}, false
	}
	return *delegation, true
}

func capabilityMatch(have, want []string) float64 {
	if len(want) == 0 {
		return 1
	}
	haveSet := make(map[string]struct{}, len(have))
	for _, c := range have {
		haveSet[c] = struct{}{}
	}
	matched := 0
	for _, c := range want {
		if _, ok := haveSet[c]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(want))
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
