package contract

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContract(t *testing.T) (*Signer, *Contract) {
	t.Helper()
	signer := NewSigner([]byte("session-secret"))
	c, err := signer.New("task-1", "sess-1", "peer-1", []string{"fs:read:*"},
		SLO{MaxCostUSD: 2, MaxDuration: time.Minute},
		Monitoring{CheckpointInterval: 5 * time.Second, MaxMissed: 3})
	require.NoError(t, err)
	return signer, c
}

func TestSignAndVerify(t *testing.T) {
	signer, c := newTestContract(t)
	require.NoError(t, signer.Verify(c))

	// Tampering with the peer breaks the signature.
	c.PeerNodeID = "attacker"
	assert.ErrorIs(t, signer.Verify(c), ErrBadSignature)
}

func TestLifecycleTerminalAbsorbing(t *testing.T) {
	_, c := newTestContract(t)

	require.NoError(t, c.Transition(StatusActive))
	require.NoError(t, c.Transition(StatusViolated))

	assert.ErrorIs(t, c.Transition(StatusActive), ErrTerminal)
	assert.ErrorIs(t, c.Transition(StatusCompleted), ErrTerminal)
}

func TestIllegalTransitions(t *testing.T) {
	_, c := newTestContract(t)
	assert.ErrorIs(t, c.Transition(StatusCompleted), ErrBadTransition, "pending cannot complete directly")
	require.NoError(t, c.Transition(StatusActive))
	assert.ErrorIs(t, c.Transition(StatusPending), ErrBadTransition)
}

func TestRenegotiationAcceptAppliesSLO(t *testing.T) {
	_, c := newTestContract(t)
	require.NoError(t, c.Transition(StatusActive))

	proposed := &SLO{MaxCostUSD: 5, MaxDuration: 2 * time.Minute}
	require.NoError(t, c.RequestRenegotiation("cost overrun expected", proposed))
	assert.Equal(t, StatusRenegotiating, c.Status)

	require.NoError(t, c.ResolveRenegotiation(true))
	assert.Equal(t, StatusActive, c.Status)
	assert.Equal(t, 5.0, c.SLO.MaxCostUSD)
	require.Len(t, c.RenegotiationHistory, 1)
	assert.True(t, c.RenegotiationHistory[0].Accepted)
}

func TestRenegotiationRejectKeepsSLO(t *testing.T) {
	_, c := newTestContract(t)
	require.NoError(t, c.Transition(StatusActive))
	require.NoError(t, c.RequestRenegotiation("more budget", &SLO{MaxCostUSD: 100}))
	require.NoError(t, c.ResolveRenegotiation(false))

	assert.Equal(t, StatusActive, c.Status)
	assert.Equal(t, 2.0, c.SLO.MaxCostUSD, "rejected renegotiation must not change the SLO")
}

func TestAttestationChain(t *testing.T) {
	_, keyA, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, keyB, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	chain, err := AppendHop(nil, "node-a", "task-1", keyA)
	require.NoError(t, err)
	chain, err = AppendHop(chain, "node-b", "task-1", keyB)
	require.NoError(t, err)

	require.NoError(t, VerifyChain(chain))
	assert.Equal(t, 2, ChainDepth(chain))
	assert.Equal(t, 0, chain[0].Depth)
	assert.Equal(t, 1, chain[1].Depth)
}

func TestAttestationChainTamperDetected(t *testing.T) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	chain, err := AppendHop(nil, "node-a", "task-1", key)
	require.NoError(t, err)
	chain, err = AppendHop(chain, "node-b", "task-1", key)
	require.NoError(t, err)

	// Tamper with an intermediate hop: both its signature and the successor's
	// prev_hash break.
	chain[0].NodeID = "mallory"
	assert.Error(t, VerifyChain(chain))

	// A reordered chain also fails.
	chain2, err := AppendHop(nil, "node-a", "task-1", key)
	require.NoError(t, err)
	chain2, err = AppendHop(chain2, "node-b", "task-1", key)
	require.NoError(t, err)
	chain2[0], chain2[1] = chain2[1], chain2[0]
	assert.Error(t, VerifyChain(chain2))
}

func TestStoreByTask(t *testing.T) {
	_, c := newTestContract(t)
	store := NewStore()
	store.Put(c)

	got, ok := store.ByTask("task-1")
	require.True(t, ok)
	assert.Equal(t, c.ContractID, got.ContractID)

	_, ok = store.ByTask("task-2")
	assert.False(t, ok)
}
