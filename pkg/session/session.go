// Package session holds the session record, its status state machine, and the
// session store.
//
// A session carries one task through planning and execution. Status moves
// monotonically toward the absorbing terminal set {completed, failed, aborted};
// the reversible edges are running ↔ awaiting_approval ↔ paused, running ↔
// paused, and the replan loop running → planning → running.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusCreated          Status = "created"
	StatusPlanning         Status = "planning"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusPaused           Status = "paused"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusAborted          Status = "aborted"
)

// IsTerminal reports whether the status is in the absorbing terminal set.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// requiresActivePlan reports whether the status demands a non-empty ActivePlanID.
func (s Status) requiresActivePlan() bool {
	switch s {
	case StatusRunning, StatusAwaitingApproval, StatusPaused:
		return true
	}
	return false
}

// legalTransitions maps each status to the set it may move to.
// Any state may additionally move to aborted via Abort.
var legalTransitions = map[Status][]Status{
	StatusCreated:          {StatusPlanning},
	StatusPlanning:         {StatusRunning, StatusFailed},
	StatusRunning:          {StatusAwaitingApproval, StatusPaused, StatusPlanning, StatusCompleted, StatusFailed},
	StatusAwaitingApproval: {StatusRunning, StatusPaused, StatusFailed},
	StatusPaused:           {StatusRunning, StatusAwaitingApproval, StatusFailed},
}

// Mode selects tool execution semantics.
type Mode string

const (
	ModeReal   Mode = "real"
	ModeDryRun Mode = "dry_run"
	ModeMock   Mode = "mock"
)

// Limits bound a session's execution.
type Limits struct {
	MaxSteps    int           `json:"max_steps" yaml:"max_steps"`
	MaxTokens   int64         `json:"max_tokens" yaml:"max_tokens"`
	MaxCostUSD  float64       `json:"max_cost_usd" yaml:"max_cost_usd"`
	MaxDuration time.Duration `json:"max_duration" yaml:"max_duration"`

	// Parallel permits DAG-parallel step execution. Sequential declared order
	// is the default.
	Parallel bool `json:"parallel,omitempty" yaml:"parallel,omitempty"`
}

// DefaultLimits are applied where a caller supplies none.
var DefaultLimits = Limits{
	MaxSteps:    20,
	MaxTokens:   1_000_000,
	MaxCostUSD:  10,
	MaxDuration: 30 * time.Minute,
}

// UsageSummary accumulates tokens, cost, and call count across every tool
// result and planner call.
type UsageSummary struct {
	Tokens       int64   `json:"tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Calls        int     `json:"calls"`
}

// Add merges another summary into this one.
func (u *UsageSummary) Add(other UsageSummary) {
	u.Tokens += other.Tokens
	u.TotalCostUSD += other.TotalCostUSD
	u.Calls += other.Calls
}

// Session is one task run.
type Session struct {
	ID         string
	Task       string
	Mode       Mode
	Limits     Limits
	PolicyName string
	CreatedAt  time.Time
	UpdatedAt  time.Time

	mu           sync.RWMutex
	status       Status
	activePlanID string
	usage        UsageSummary
	failReason   string
}

// New creates a session in status created.
func New(task string, mode Mode, limits Limits) *Session {
	if mode == "" {
		mode = ModeReal
	}
	if limits == (Limits{}) {
		limits = DefaultLimits
	}
	now := time.Now()
	return &Session{
		ID:        uuid.NewString(),
		Task:      task,
		Mode:      mode,
		Limits:    limits,
		CreatedAt: now,
		UpdatedAt: now,
		status:    StatusCreated,
	}
}

// Status returns the current status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// ActivePlanID returns the current plan id, empty outside running states.
func (s *Session) ActivePlanID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activePlanID
}

// FailReason returns the reason recorded with a failed transition.
func (s *Session) FailReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failReason
}

// SetStatus transitions the session, enforcing the state machine and the
// active-plan invariant. planID must be non-empty exactly when the target
// status requires an active plan.
func (s *Session) SetStatus(next Status, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.IsTerminal() {
		return fmt.Errorf("session %s is terminal (%s), cannot move to %s", s.ID, s.status, next)
	}
	if next == StatusAborted {
		s.apply(next, planID)
		return nil
	}
	allowed := false
	for _, t := range legalTransitions[s.status] {
		if t == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("illegal session transition %s → %s", s.status, next)
	}
	if next.requiresActivePlan() && planID == "" {
		return fmt.Errorf("transition to %s requires an active plan id", next)
	}
	if !next.requiresActivePlan() {
		planID = ""
	}
	s.apply(next, planID)
	return nil
}

func (s *Session) apply(next Status, planID string) {
	s.status = next
	s.activePlanID = planID
	s.UpdatedAt = time.Now()
}

// Fail transitions to failed and records the reason.
func (s *Session) Fail(reason string) error {
	if err := s.SetStatus(StatusFailed, ""); err != nil {
		return err
	}
	s.mu.Lock()
	s.failReason = reason
	s.mu.Unlock()
	return nil
}

// Abort moves the session to aborted from any non-terminal state.
func (s *Session) Abort(reason string) error {
	if err := s.SetStatus(StatusAborted, ""); err != nil {
		return err
	}
	s.mu.Lock()
	s.failReason = reason
	s.mu.Unlock()
	return nil
}

// AddUsage merges usage into the running summary.
func (s *Session) AddUsage(u UsageSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage.Add(u)
}

// Usage returns a copy of the running usage summary.
func (s *Session) Usage() UsageSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage
}

// Store manages live sessions.
type Store interface {
	Put(s *Session)
	Get(id string) (*Session, bool)
	List() []*Session
	Remove(id string)
}

// NewMemoryStore returns an in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{sessions: make(map[string]*Session)}
}

type memoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func (m *memoryStore) Put(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *memoryStore) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *memoryStore) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *memoryStore) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}
