package escrow

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDepositHoldRelease(t *testing.T) {
	l, err := Open("")
	require.NoError(t, err)

	require.NoError(t, l.Deposit("n1", 10))
	require.NoError(t, l.HoldBond("task-1", "n1", 4))

	acct, _ := l.GetAccount("n1")
	assert.Equal(t, 10.0, acct.Balance)
	assert.Equal(t, 4.0, acct.Held)
	require.NoError(t, l.Check())

	require.NoError(t, l.ReleaseBond("task-1"))
	acct, _ = l.GetAccount("n1")
	assert.Equal(t, 10.0, acct.Balance)
	assert.Equal(t, 0.0, acct.Held)

	// Byte-equivalent to the pre-hold state except the two transaction
	// records (deposit + hold + release = 3 total).
	assert.Len(t, acct.Transactions, 3)
}

func TestHoldRequiresFreeBalance(t *testing.T) {
	l, err := Open("")
	require.NoError(t, err)
	require.NoError(t, l.Deposit("n1", 5))
	require.NoError(t, l.HoldBond("t1", "n1", 4))

	err = l.HoldBond("t2", "n1", 2)
	assert.Error(t, err, "held 4 of 5: only 1 free")
	require.NoError(t, l.Check())
}

func TestSlashBond(t *testing.T) {
	l, err := Open("")
	require.NoError(t, err)
	require.NoError(t, l.Deposit("n1", 10))
	require.NoError(t, l.HoldBond("t1", "n1", 4))

	slashed, err := l.SlashBond("t1", 0.5)
	require.NoError(t, err)
	assert.Equal(t, 2.0, slashed)

	acct, _ := l.GetAccount("n1")
	assert.Equal(t, 8.0, acct.Balance)
	assert.Equal(t, 0.0, acct.Held)
	require.NoError(t, l.Check())

	_, _, ok := l.BondFor("t1")
	assert.False(t, ok, "slash releases the hold")
}

func TestDuplicateBondRejected(t *testing.T) {
	l, err := Open("")
	require.NoError(t, err)
	require.NoError(t, l.Deposit("n1", 10))
	require.NoError(t, l.HoldBond("t1", "n1", 1))
	assert.Error(t, l.HoldBond("t1", "n1", 1))
}

func TestLedgerPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrow.jsonl")

	l1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l1.Deposit("n1", 10))
	require.NoError(t, l1.HoldBond("t1", "n1", 3))

	l2, err := Open(path)
	require.NoError(t, err)

	acct, ok := l2.GetAccount("n1")
	require.True(t, ok)
	assert.Equal(t, 10.0, acct.Balance)
	assert.Equal(t, 3.0, acct.Held)

	nodeID, amount, ok := l2.BondFor("t1")
	require.True(t, ok)
	assert.Equal(t, "n1", nodeID)
	assert.Equal(t, 3.0, amount)
	require.NoError(t, l2.Check())
}

func TestTransactionLogCapped(t *testing.T) {
	l, err := Open("")
	require.NoError(t, err)
	for i := 0; i < maxTransactions+50; i++ {
		require.NoError(t, l.Deposit("n1", 0.01))
	}
	acct, _ := l.GetAccount("n1")
	assert.Len(t, acct.Transactions, maxTransactions)
	assert.Equal(t, TxDeposit, acct.Transactions[0].Type)
}
