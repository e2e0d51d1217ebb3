package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuorumAgreement(t *testing.T) {
	// Spec scenario 5: required_voters=3, required_agreement=2/3, votes
	// [h1, h1, h2] → agreed, ratio ≈ 0.667, majority h1, dissenter node-3.
	s := NewService(Config{})
	round := s.CreateRound("task-1", 3, 2.0/3.0, time.Minute)

	_, err := s.SubmitVote(round.RoundID, "node-1", "h1", 0.9)
	require.NoError(t, err)
	r, _ := s.Get(round.RoundID)
	assert.Equal(t, RoundOpen, r.Status, "no evaluation before quorum")

	_, err = s.SubmitVote(round.RoundID, "node-2", "h1", 0.8)
	require.NoError(t, err)
	_, err = s.SubmitVote(round.RoundID, "node-3", "h2", 0.7)
	require.NoError(t, err)

	r, _ = s.Get(round.RoundID)
	require.NotNil(t, r.Outcome)
	assert.Equal(t, RoundAgreed, r.Status)
	assert.True(t, r.Outcome.Agreed)
	assert.InDelta(t, 0.667, r.Outcome.AgreementRatio, 0.001)
	assert.Equal(t, "h1", r.Outcome.MajorityHash)
	assert.Equal(t, []string{"node-3"}, r.Outcome.DissentingNodeIDs)
}

func TestUnanimousAgreement(t *testing.T) {
	s := NewService(Config{})
	round := s.CreateRound("task-1", 3, 1.0, time.Minute)

	for _, node := range []string{"a", "b", "c"} {
		_, err := s.SubmitVote(round.RoundID, node, "h1", 1)
		require.NoError(t, err)
	}

	r, _ := s.Get(round.RoundID)
	require.NotNil(t, r.Outcome)
	assert.Equal(t, 1.0, r.Outcome.AgreementRatio)
	assert.Empty(t, r.Outcome.DissentingNodeIDs)
}

func TestDisagreement(t *testing.T) {
	s := NewService(Config{})
	round := s.CreateRound("task-1", 3, 0.9, time.Minute)

	_, _ = s.SubmitVote(round.RoundID, "a", "h1", 1)
	_, _ = s.SubmitVote(round.RoundID, "b", "h2", 1)
	_, _ = s.SubmitVote(round.RoundID, "c", "h3", 1)

	r, _ := s.Get(round.RoundID)
	assert.Equal(t, RoundDisagreed, r.Status)
	assert.False(t, r.Outcome.Agreed)
}

func TestVoteAfterTerminalRejected(t *testing.T) {
	s := NewService(Config{})
	round := s.CreateRound("task-1", 1, 1.0, time.Minute)
	_, err := s.SubmitVote(round.RoundID, "a", "h1", 1)
	require.NoError(t, err)

	_, err = s.SubmitVote(round.RoundID, "b", "h1", 1)
	assert.Error(t, err, "evaluation runs exactly once; late votes rejected")
}

func TestParameterClamping(t *testing.T) {
	s := NewService(Config{})
	round := s.CreateRound("task-1", 500, 1.7, time.Minute)
	assert.Equal(t, 100, round.RequiredVoters)
	assert.Equal(t, 1.0, round.RequiredAgreement)

	round = s.CreateRound("task-2", 0, -0.5, time.Minute)
	assert.Equal(t, 1, round.RequiredVoters)
	assert.Equal(t, 0.0, round.RequiredAgreement)
}

func TestExpiryAndGC(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	s := NewService(Config{})
	s.SetClock(func() time.Time { return now })

	round := s.CreateRound("task-1", 3, 1.0, time.Minute)

	now = now.Add(2 * time.Minute)
	s.Sweep()
	r, ok := s.Get(round.RoundID)
	require.True(t, ok)
	assert.Equal(t, RoundExpired, r.Status)

	// Terminal rounds older than twice the expiry window are collected.
	now = now.Add(5 * time.Minute)
	s.Sweep()
	_, ok = s.Get(round.RoundID)
	assert.False(t, ok)
}

func TestExplicitEvaluate(t *testing.T) {
	s := NewService(Config{})
	round := s.CreateRound("task-1", 5, 0.5, time.Minute)
	_, _ = s.SubmitVote(round.RoundID, "a", "h1", 1)
	_, _ = s.SubmitVote(round.RoundID, "b", "h1", 1)
	_, _ = s.SubmitVote(round.RoundID, "c", "h2", 1)

	r, err := s.EvaluateRound(round.RoundID)
	require.NoError(t, err)
	require.NotNil(t, r.Outcome)
	assert.True(t, r.Outcome.Agreed)
	assert.InDelta(t, 0.667, r.Outcome.AgreementRatio, 0.001)
}
