// Package contract implements signed delegation contracts and the attestation
// chain that records every delegation hop.
package contract

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oldeucryptoboi/karnevil9/pkg/canonical"
)

// Status is a contract's lifecycle state. completed and violated absorb;
// renegotiating returns to active on accept and stays active on reject.
type Status string

const (
	StatusPending       Status = "pending"
	StatusActive        Status = "active"
	StatusCompleted     Status = "completed"
	StatusViolated      Status = "violated"
	StatusCancelled     Status = "cancelled"
	StatusRenegotiating Status = "renegotiating"
)

// IsTerminal reports whether the status accepts no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusViolated, StatusCancelled:
		return true
	}
	return false
}

// SLO is the contract's cost/duration/capability commitments.
type SLO struct {
	MaxCostUSD           float64       `json:"max_cost_usd,omitempty"`
	MaxDuration          time.Duration `json:"max_duration_ms,omitempty"`
	RequiredCapabilities []string      `json:"required_capabilities,omitempty"`
}

// Monitoring configures the originator's checkpoint polling.
type Monitoring struct {
	CheckpointInterval time.Duration `json:"checkpoint_interval_ms"`
	MaxMissed          int           `json:"max_missed"`
}

// Renegotiation is one entry of a contract's renegotiation history.
type Renegotiation struct {
	RequestedAt time.Time `json:"requested_at"`
	Reason      string    `json:"reason,omitempty"`
	ProposedSLO *SLO      `json:"proposed_slo,omitempty"`
	Accepted    bool      `json:"accepted"`
	DecidedAt   time.Time `json:"decided_at,omitempty"`
}

// Contract is a signed delegation agreement between originator and peer.
type Contract struct {
	ContractID           string          `json:"contract_id"`
	TaskID               string          `json:"task_id"`
	OriginatorSessionID  string          `json:"originator_session_id"`
	PeerNodeID           string          `json:"peer_node_id"`
	PermissionBoundary   []string        `json:"permission_boundary,omitempty"`
	SLO                  SLO             `json:"slo"`
	Monitoring           Monitoring      `json:"monitoring"`
	Status               Status          `json:"status"`
	CreatedAt            time.Time       `json:"created_at"`
	RenegotiationHistory []Renegotiation `json:"renegotiation_history,omitempty"`
	Signature            string          `json:"signature,omitempty"`
}

var (
	// ErrTerminal is returned for transitions out of a terminal status.
	ErrTerminal = errors.New("contract is terminal")

	// ErrBadTransition is returned for an illegal status move.
	ErrBadTransition = errors.New("illegal contract transition")

	// ErrBadSignature is returned when a contract signature does not verify.
	ErrBadSignature = errors.New("contract signature invalid")
)

// signingPayload is the structure covered by the contract HMAC.
func signingPayload(c *Contract) map[string]any {
	return map[string]any{
		"contract_id": c.ContractID,
		"task_id":     c.TaskID,
		"originator":  c.OriginatorSessionID,
		"peer":        c.PeerNodeID,
		"boundary":    c.PermissionBoundary,
		"max_cost":    c.SLO.MaxCostUSD,
		"max_dur_ms":  c.SLO.MaxDuration.Milliseconds(),
	}
}

// Signer signs and validates contracts with the session secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a contract signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// New creates and signs a pending contract.
func (s *Signer) New(taskID, originatorSessionID, peerNodeID string, boundary []string, slo SLO, monitoring Monitoring) (*Contract, error) {
	c := &Contract{
		ContractID:          uuid.NewString(),
		TaskID:              taskID,
		OriginatorSessionID: originatorSessionID,
		PeerNodeID:          peerNodeID,
		PermissionBoundary:  boundary,
		SLO:                 slo,
		Monitoring:          monitoring,
		Status:              StatusPending,
		CreatedAt:           time.Now(),
	}
	sig, err := canonical.HMAC(s.secret, signingPayload(c))
	if err != nil {
		return nil, fmt.Errorf("sign contract: %w", err)
	}
	c.Signature = sig
	return c, nil
}

// Verify checks the contract signature.
func (s *Signer) Verify(c *Contract) error {
	if !canonical.VerifyHMAC(s.secret, signingPayload(c), c.Signature) {
		return ErrBadSignature
	}
	return nil
}

// legalMoves is the contract state machine.
var legalMoves = map[Status][]Status{
	StatusPending:       {StatusActive, StatusCancelled, StatusViolated},
	StatusActive:        {StatusCompleted, StatusViolated, StatusCancelled, StatusRenegotiating},
	StatusRenegotiating: {StatusActive, StatusViolated, StatusCancelled},
}

// Transition moves the contract to next, enforcing terminal absorption.
func (c *Contract) Transition(next Status) error {
	if c.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, c.Status)
	}
	for _, allowed := range legalMoves[c.Status] {
		if allowed == next {
			c.Status = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s → %s", ErrBadTransition, c.Status, next)
}

// RequestRenegotiation moves an active contract into renegotiating and
// records the request.
func (c *Contract) RequestRenegotiation(reason string, proposed *SLO) error {
	if err := c.Transition(StatusRenegotiating); err != nil {
		return err
	}
	c.RenegotiationHistory = append(c.RenegotiationHistory, Renegotiation{
		RequestedAt: time.Now(),
		Reason:      reason,
		ProposedSLO: proposed,
	})
	return nil
}

// ResolveRenegotiation accepts or rejects the outstanding request. On accept
// the proposed SLO replaces the current one; on reject the contract stays
// active with no effect.
func (c *Contract) ResolveRenegotiation(accept bool) error {
	if c.Status != StatusRenegotiating {
		return fmt.Errorf("%w: no renegotiation outstanding", ErrBadTransition)
	}
	if len(c.RenegotiationHistory) == 0 {
		return fmt.Errorf("%w: renegotiating without history", ErrBadTransition)
	}
	last := &c.RenegotiationHistory[len(c.RenegotiationHistory)-1]
	last.Accepted = accept
	last.DecidedAt = time.Now()
	if accept && last.ProposedSLO != nil {
		c.SLO = *last.ProposedSLO
	}
	return c.Transition(StatusActive)
}

// Store tracks contracts by id.
type Store struct {
	mu        sync.RWMutex
	contracts map[string]*Contract
}

// NewStore creates an empty contract store.
func NewStore() *Store {
	return &Store{contracts: make(map[string]*Contract)}
}

// Put stores a contract.
func (s *Store) Put(c *Contract) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contracts[c.ContractID] = c
}

// Get returns a contract by id.
func (s *Store) Get(id string) (*Contract, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contracts[id]
	return c, ok
}

// ByTask returns the contract for a task, if any.
func (s *Store) ByTask(taskID string) (*Contract, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.contracts {
		if c.TaskID == taskID {
			return c, true
		}
	}
	return nil, false
}
