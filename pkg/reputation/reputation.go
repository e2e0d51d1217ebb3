// Package reputation scores peers by delegation outcomes, decays stale
// scores, and raises anomaly and sybil signals consumed by the work
// distributor.
package reputation

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"
)

// maxObservations bounds the per-peer behavioral window, FIFO.
const maxObservations = 200

// Outcome is one delegation result observed for a peer.
type Outcome struct {
	NodeID    string    `json:"node_id"`
	TaskID    string    `json:"task_id"`
	Success   bool      `json:"success"`
	Score     float64   `json:"score"` // outcome quality in [0, 1]
	LatencyMS int64     `json:"latency_ms,omitempty"`
	CostUSD   float64   `json:"cost_usd,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Config tunes scoring and anti-gaming heuristics.
type Config struct {
	// InitialTrust is the score for unknown peers.
	InitialTrust float64 `yaml:"initial_trust"`

	// OutcomeWeight blends each new outcome into the running score.
	OutcomeWeight float64 `yaml:"outcome_weight"`

	// DecayHalfLife halves a peer's distance from InitialTrust per period of
	// inactivity.
	DecayHalfLife time.Duration `yaml:"decay_half_life"`

	// QuarantineFloor: peers at or below this trust are quarantined.
	QuarantineFloor float64 `yaml:"quarantine_floor"`

	// AnomalySwing: a success-rate swing at least this large between the halves
	// of the observation window flags the peer.
	AnomalySwing float64 `yaml:"anomaly_swing"`

	// SybilJoinWindow and SybilJoinBurst: this many first-observations inside
	// the window raises the sybil signal.
	SybilJoinWindow time.Duration `yaml:"sybil_join_window"`
	SybilJoinBurst  int           `yaml:"sybil_join_burst"`

	// LogPath appends outcomes as JSON lines. Empty disables.
	LogPath string `yaml:"log_path"`
}

// DefaultConfig is a conservative profile.
var DefaultConfig = Config{
	InitialTrust:    0.5,
	OutcomeWeight:   0.2,
	DecayHalfLife:   24 * time.Hour,
	QuarantineFloor: 0.15,
	AnomalySwing:    0.5,
	SybilJoinWindow: 10 * time.Minute,
	SybilJoinBurst:  5,
}

type peerState struct {
	trust        float64
	lastOutcome  time.Time
	firstSeen    time.Time
	observations []Outcome
	quarantined  bool
}

// Tracker is the reputation service.
type Tracker struct {
	cfg   Config
	clock func() time.Time

	mu    sync.Mutex
	peers map[string]*peerState
}

// NewTracker creates a tracker.
func NewTracker(cfg Config) *Tracker {
	if cfg.OutcomeWeight <= 0 {
		cfg = DefaultConfig
	}
	return &Tracker{cfg: cfg, clock: time.Now, peers: make(map[string]*peerState)}
}

// SetClock overrides time.Now, for tests.
func (t *Tracker) SetClock(clock func() time.Time) { t.clock = clock }

// Record blends a new outcome into the peer's trust and appends it to the
// behavioral window and the on-disk log.
func (t *Tracker) Record(outcome Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	if outcome.Timestamp.IsZero() {
		outcome.Timestamp = now
	}

	state, ok := t.peers[outcome.NodeID]
	if !ok {
		state = &peerState{trust: t.cfg.InitialTrust, firstSeen: now}
		t.peers[outcome.NodeID] = state
	}

	t.decayLocked(state, now)

	// Outcome-weighted blend: successes pull toward the outcome score,
	// failures toward zero.
	target := 0.0
	if outcome.Success {
		target = clamp01(outcome.Score)
	}
	state.trust = state.trust*(1-t.cfg.OutcomeWeight) + target*t.cfg.OutcomeWeight
	state.lastOutcome = now

	state.observations = append(state.observations, outcome)
	if len(state.observations) > maxObservations {
		state.observations = state.observations[len(state.observations)-maxObservations:]
	}

	state.quarantined = state.trust <= t.cfg.QuarantineFloor || t.anomalousLocked(state)

	t.appendLog(outcome)
}

// decayLocked pulls a stale score back toward InitialTrust.
func (t *Tracker) decayLocked(state *peerState, now time.Time) {
	if state.lastOutcome.IsZero() || t.cfg.DecayHalfLife <= 0 {
		return
	}
	idle := now.Sub(state.lastOutcome)
	if idle <= 0 {
		return
	}
	halves := float64(idle) / float64(t.cfg.DecayHalfLife)
	factor := math.Pow(0.5, halves)
	state.trust = t.cfg.InitialTrust + (state.trust-t.cfg.InitialTrust)*factor
}

// anomalousLocked flags sudden success-rate swings between the two halves of
// the observation window.
func (t *Tracker) anomalousLocked(state *peerState) bool {
	n := len(state.observations)
	if n < 10 {
		return false
	}
	half := n / 2
	rate := func(window []Outcome) float64 {
		succeeded := 0
		for _, o := range window {
			if o.Success {
				succeeded++
			}
		}
		return float64(succeeded) / float64(len(window))
	}
	early := rate(state.observations[:half])
	late := rate(state.observations[half:])
	return math.Abs(early-late) >= t.cfg.AnomalySwing
}

// Trust returns the peer's current (decayed) trust.
func (t *Tracker) Trust(nodeID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.peers[nodeID]
	if !ok {
		return t.cfg.InitialTrust
	}
	t.decayLocked(state, t.clock())
	return state.trust
}

// Quarantined reports whether the peer is excluded from selection.
func (t *Tracker) Quarantined(nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.peers[nodeID]
	return ok && state.quarantined
}

// AvgCostUSD returns the peer's mean observed cost, or fallback when no
// observations carry one.
func (t *Tracker) AvgCostUSD(nodeID string, fallback float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.peers[nodeID]
	if !ok {
		return fallback
	}
	total, n := 0.0, 0
	for _, o := range state.observations {
		if o.CostUSD > 0 {
			total += o.CostUSD
			n++
		}
	}
	if n == 0 {
		return fallback
	}
	return total / float64(n)
}

// SybilSignal reports whether a burst of new peers joined inside the
// configured window. Correlated join times are the cheap tell for a sybil
// flood.
func (t *Tracker) SybilSignal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cfg.SybilJoinBurst <= 0 {
		return false
	}
	cutoff := t.clock().Add(-t.cfg.SybilJoinWindow)
	recent := 0
	for _, state := range t.peers {
		if state.firstSeen.After(cutoff) {
			recent++
		}
	}
	return recent >= t.cfg.SybilJoinBurst
}

// appendLog writes the outcome to the JSONL reputation log. Failures are
// logged, never fatal.
func (t *Tracker) appendLog(outcome Outcome) {
	if t.cfg.LogPath == "" {
		return
	}
	file, err := os.OpenFile(t.cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		slog.Warn("reputation log open failed", "error", err)
		return
	}
	defer func() { _ = file.Close() }()

	line, err := json.Marshal(outcome)
	if err != nil {
		return
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		slog.Warn("reputation log write failed", "error", err)
	}
}

// LoadLog replays a reputation log into a fresh tracker.
func (t *Tracker) LoadLog(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var outcome Outcome
		if err := json.Unmarshal(line, &outcome); err != nil {
			continue
		}
		logPath := t.cfg.LogPath
		t.cfg.LogPath = "" // no re-append during replay
		t.Record(outcome)
		t.cfg.LogPath = logPath
	}
	return scanner.Err()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
