// Package optimizer re-scores active delegations and decides whether to keep,
// re-delegate, or escalate each one.
package optimizer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/distributor"
)

// DecisionKind is the optimizer's verdict for one delegation.
type DecisionKind string

const (
	DecisionKeep       DecisionKind = "keep"
	DecisionRedelegate DecisionKind = "redelegate"
	DecisionEscalate   DecisionKind = "escalate"
)

// Decision is one re-optimization outcome. Decisions are applied by the
// caller: the distributor performs actual re-delegation.
type Decision struct {
	TaskID      string       `json:"task_id"`
	Kind        DecisionKind `json:"kind"`
	CurrentPeer string       `json:"current_peer"`
	Alternative string       `json:"alternative,omitempty"`
	Drift       float64      `json:"drift,omitempty"`
	Reason      string       `json:"reason,omitempty"`
}

// Config tunes the loop.
type Config struct {
	Interval time.Duration `yaml:"interval"`

	// DriftThreshold: re-delegate when relative score drift exceeds it.
	DriftThreshold float64 `yaml:"drift_threshold"`

	// OverheadFactor discounts the drift by the cost of moving work.
	OverheadFactor float64 `yaml:"overhead_factor"`

	// MinTimeBeforeRedelegate is the anti-thrashing window.
	MinTimeBeforeRedelegate time.Duration `yaml:"min_time_before_redelegate"`

	// EscalateAfterMisses: escalate regardless of drift at this many
	// checkpoint misses.
	EscalateAfterMisses int `yaml:"escalate_after_misses"`
}

// DefaultConfig is a conservative profile.
var DefaultConfig = Config{
	Interval:                30 * time.Second,
	DriftThreshold:          0.2,
	OverheadFactor:          0.1,
	MinTimeBeforeRedelegate: 2 * time.Minute,
	EscalateAfterMisses:     3,
}

// MissCounter reports accumulated checkpoint misses per task.
type MissCounter interface {
	Misses(taskID string) int
}

// Loop periodically re-scores every active delegation.
type Loop struct {
	dist   *distributor.Distributor
	misses MissCounter
	cfg    Config
	clock  func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	onDecision func(Decision)
}

// New creates a loop. onDecision receives every non-keep decision.
func New(dist *distributor.Distributor, misses MissCounter, cfg Config, onDecision func(Decision)) *Loop {
	if cfg.DriftThreshold <= 0 {
		cfg = DefaultConfig
	}
	return &Loop{dist: dist, misses: misses, cfg: cfg, clock: time.Now, onDecision: onDecision}
}

// SetClock overrides time.Now, for tests.
func (l *Loop) SetClock(clock func() time.Time) { l.clock = clock }

// Start launches the periodic loop.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				for _, decision := range l.Evaluate() {
					if decision.Kind != DecisionKeep && l.onDecision != nil {
						l.onDecision(decision)
					}
				}
			}
		}
	}()
}

// Stop halts the loop.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Evaluate re-scores every active delegation once and returns the decisions.
func (l *Loop) Evaluate() []Decision {
	now := l.clock()
	var decisions []Decision

	for _, delegation := range l.dist.Active() {
		decision := l.evaluateOne(delegation, now)
		decisions = append(decisions, decision)
		if decision.Kind != DecisionKeep {
			slog.Debug("re-optimization decision",
				"task", decision.TaskID, "kind", decision.Kind,
				"drift", decision.Drift, "alternative", decision.Alternative)
		}
	}
	return decisions
}

func (l *Loop) evaluateOne(delegation distributor.ActiveDelegation, now time.Time) Decision {
	decision := Decision{TaskID: delegation.TaskID, Kind: DecisionKeep, CurrentPeer: delegation.PeerNodeID}

	// Checkpoint misses escalate regardless of drift.
	if l.misses != nil && l.cfg.EscalateAfterMisses > 0 {
		if misses := l.misses.Misses(delegation.TaskID); misses >= l.cfg.EscalateAfterMisses {
			decision.Kind = DecisionEscalate
			decision.Reason = "checkpoint misses"
			return decision
		}
	}

	spec := distributor.TaskSpec{TaskID: delegation.TaskID, SessionID: delegation.SessionID, TaskText: delegation.TaskText}
	candidates := l.dist.Candidates(spec, nil)
	if len(candidates) == 0 {
		return decision
	}

	var current *distributor.Candidate
	best := candidates[0]
	for i := range candidates {
		if candidates[i].Peer.Identity.NodeID == delegation.PeerNodeID {
			current = &candidates[i]
			break
		}
	}
	if current == nil {
		// The assigned peer fell out of eligibility; any alternative wins.
		decision.Kind = DecisionRedelegate
		decision.Alternative = best.Peer.Identity.NodeID
		decision.Reason = "assigned peer no longer eligible"
		return decision
	}
	if best.Peer.Identity.NodeID == delegation.PeerNodeID {
		return decision
	}

	drift := (best.Score-current.Score)/maxF(current.Score, 0.01) - l.cfg.OverheadFactor
	decision.Drift = drift

	if drift > l.cfg.DriftThreshold && now.Sub(delegation.DelegatedAt) >= l.cfg.MinTimeBeforeRedelegate {
		decision.Kind = DecisionRedelegate
		decision.Alternative = best.Peer.Identity.NodeID
		decision.Reason = "score drift"
	}
	return decision
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
