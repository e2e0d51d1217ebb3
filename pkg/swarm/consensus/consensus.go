// Package consensus verifies delegated task results by majority vote over
// result hashes.
package consensus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oldeucryptoboi/karnevil9/pkg/errkit"
)

// RoundStatus is a consensus round's lifecycle state.
type RoundStatus string

const (
	RoundOpen       RoundStatus = "open"
	RoundEvaluating RoundStatus = "evaluating"
	RoundAgreed     RoundStatus = "agreed"
	RoundDisagreed  RoundStatus = "disagreed"
	RoundExpired    RoundStatus = "expired"
)

// IsTerminal reports whether the round accepts no further votes.
func (s RoundStatus) IsTerminal() bool {
	switch s {
	case RoundAgreed, RoundDisagreed, RoundExpired:
		return true
	}
	return false
}

// Vote is one node's verdict over a task result.
type Vote struct {
	ResultHash   string    `json:"result_hash"`
	OutcomeScore float64   `json:"outcome_score"`
	Timestamp    time.Time `json:"timestamp"`
}

// Outcome records the evaluation of a round.
type Outcome struct {
	Agreed            bool     `json:"agreed"`
	AgreementRatio    float64  `json:"agreement_ratio"`
	MajorityHash      string   `json:"majority_result_hash"`
	DissentingNodeIDs []string `json:"dissenting_node_ids"`
}

// Round is one consensus round over a task result.
type Round struct {
	RoundID           string          `json:"round_id"`
	TaskID            string          `json:"task_id"`
	RequiredVoters    int             `json:"required_voters"`
	RequiredAgreement float64         `json:"required_agreement"`
	Votes             map[string]Vote `json:"votes"`
	Status            RoundStatus     `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
	Outcome           *Outcome        `json:"outcome,omitempty"`
}

// Config tunes the service.
type Config struct {
	DefaultExpiry time.Duration `yaml:"default_expiry"`
}

// Service manages rounds. Terminal rounds older than twice the expiry window
// are garbage-collected on sweep.
type Service struct {
	cfg   Config
	clock func() time.Time

	mu     sync.Mutex
	rounds map[string]*Round
}

// NewService creates a consensus service.
func NewService(cfg Config) *Service {
	if cfg.DefaultExpiry <= 0 {
		cfg.DefaultExpiry = 5 * time.Minute
	}
	return &Service{cfg: cfg, clock: time.Now, rounds: make(map[string]*Round)}
}

// SetClock overrides time.Now, for tests.
func (s *Service) SetClock(clock func() time.Time) { s.clock = clock }

// CreateRound opens a round. Parameters are clamped to sane ranges:
// required_voters ∈ [1, 100], required_agreement ∈ [0, 1].
func (s *Service) CreateRound(taskID string, requiredVoters int, requiredAgreement float64, expiry time.Duration) *Round {
	if requiredVoters < 1 {
		requiredVoters = 1
	}
	if requiredVoters > 100 {
		requiredVoters = 100
	}
	if requiredAgreement < 0 {
		requiredAgreement = 0
	}
	if requiredAgreement > 1 {
		requiredAgreement = 1
	}
	if expiry <= 0 {
		expiry = s.cfg.DefaultExpiry
	}

	now := s.clock()
	round := &Round{
		RoundID:           uuid.NewString(),
		TaskID:            taskID,
		RequiredVoters:    requiredVoters,
		RequiredAgreement: requiredAgreement,
		Votes:             make(map[string]Vote),
		Status:            RoundOpen,
		CreatedAt:         now,
		ExpiresAt:         now.Add(expiry),
	}

	s.mu.Lock()
	s.rounds[round.RoundID] = round
	s.mu.Unlock()
	return round
}

// Get returns a round by id.
func (s *Service) Get(roundID string) (*Round, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[roundID]
	return r, ok
}

// ByTask returns the most recent round for a task.
func (s *Service) ByTask(taskID string) (*Round, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *Round
	for _, r := range s.rounds {
		if r.TaskID != taskID {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	return latest, latest != nil
}

// SubmitVote records a vote. The round auto-evaluates once enough votes are
// in; the evaluation runs exactly once.
func (s *Service) SubmitVote(roundID, nodeID, resultHash string, outcomeScore float64) (*Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	round, ok := s.rounds[roundID]
	if !ok {
		return nil, errkit.Newf(errkit.CodeInvalidInput, "round %s not found", roundID)
	}
	if round.Status.IsTerminal() {
		return nil, errkit.Newf(errkit.CodeInvalidInput, "round %s is %s", roundID, round.Status)
	}
	if s.clock().After(round.ExpiresAt) {
		round.Status = RoundExpired
		return nil, errkit.Newf(errkit.CodeInvalidInput, "round %s expired", roundID)
	}

	round.Votes[nodeID] = Vote{ResultHash: resultHash, OutcomeScore: outcomeScore, Timestamp: s.clock()}

	if len(round.Votes) >= round.RequiredVoters && round.Status == RoundOpen {
		round.Status = RoundEvaluating
		s.evaluateLocked(round)
	}
	return round, nil
}

// EvaluateRound forces evaluation with the votes at hand.
func (s *Service) EvaluateRound(roundID string) (*Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	round, ok := s.rounds[roundID]
	if !ok {
		return nil, errkit.Newf(errkit.CodeInvalidInput, "round %s not found", roundID)
	}
	if round.Status.IsTerminal() {
		return round, nil
	}
	round.Status = RoundEvaluating
	s.evaluateLocked(round)
	return round, nil
}

// evaluateLocked computes the majority hash, agreement ratio, and dissenter
// list. Caller holds s.mu.
func (s *Service) evaluateLocked(round *Round) {
	total := len(round.Votes)
	if total == 0 {
		round.Status = RoundDisagreed
		round.Outcome = &Outcome{DissentingNodeIDs: []string{}}
		return
	}

	counts := make(map[string]int)
	for _, vote := range round.Votes {
		counts[vote.ResultHash]++
	}
	majorityHash, majorityCount := "", 0
	for hash, count := range counts {
		if count > majorityCount || (count == majorityCount && hash < majorityHash) {
			majorityHash, majorityCount = hash, count
		}
	}

	dissenters := make([]string, 0)
	for nodeID, vote := range round.Votes {
		if vote.ResultHash != majorityHash {
			dissenters = append(dissenters, nodeID)
		}
	}

	ratio := float64(majorityCount) / float64(total)
	round.Outcome = &Outcome{
		Agreed:            ratio >= round.RequiredAgreement,
		AgreementRatio:    ratio,
		MajorityHash:      majorityHash,
		DissentingNodeIDs: dissenters,
	}
	if round.Outcome.Agreed {
		round.Status = RoundAgreed
	} else {
		round.Status = RoundDisagreed
	}
}

// Sweep expires overdue open rounds and garbage-collects terminal rounds
// older than twice the expiry window.
func (s *Service) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	for id, round := range s.rounds {
		if !round.Status.IsTerminal() && now.After(round.ExpiresAt) {
			round.Status = RoundExpired
		}
		gcAfter := round.ExpiresAt.Add(round.ExpiresAt.Sub(round.CreatedAt))
		if round.Status.IsTerminal() && now.After(gcAfter) {
			delete(s.rounds, id)
		}
	}
}
