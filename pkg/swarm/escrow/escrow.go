// Package escrow implements the bonded escrow ledger: peers post bonds
// against delegated tasks; misbehavior slashes them.
//
// The ledger is JSON-lines on disk, saved atomically (write temp, fsync,
// rename). held ≤ balance holds across every operation.
package escrow

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oldeucryptoboi/karnevil9/pkg/errkit"
)

// maxTransactions caps the per-account transaction log, FIFO.
const maxTransactions = 500

// TransactionType classifies ledger entries.
type TransactionType string

const (
	TxDeposit TransactionType = "deposit"
	TxHold    TransactionType = "hold"
	TxRelease TransactionType = "release"
	TxSlash   TransactionType = "slash"
)

// Transaction is one ledger entry.
type Transaction struct {
	ID        string          `json:"id"`
	Type      TransactionType `json:"type"`
	Amount    float64         `json:"amount"`
	TaskID    string          `json:"task_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Account is one node's escrow state.
type Account struct {
	NodeID       string        `json:"node_id"`
	Balance      float64       `json:"balance"`
	Held         float64       `json:"held"`
	Transactions []Transaction `json:"transactions,omitempty"`
}

// bond is one outstanding task bond.
type bond struct {
	NodeID string  `json:"node_id"`
	Amount float64 `json:"amount"`
}

// Ledger is the escrow store.
type Ledger struct {
	path string

	mu       sync.Mutex
	accounts map[string]*Account
	bonds    map[string]bond // task_id → bond
}

// Open loads (or creates) the ledger at path. An empty path keeps the ledger
// in memory only.
func Open(path string) (*Ledger, error) {
	l := &Ledger{
		path:     path,
		accounts: make(map[string]*Account),
		bonds:    make(map[string]bond),
	}
	if path == "" {
		return l, nil
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

// ledgerLine is the on-disk record: either an account snapshot or a bond.
type ledgerLine struct {
	Account *Account `json:"account,omitempty"`
	TaskID  string   `json:"task_id,omitempty"`
	Bond    *bond    `json:"bond,omitempty"`
}

func (l *Ledger) load() error {
	file, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errkit.Wrap(errkit.CodeIOError, "open escrow ledger", err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec ledgerLine
		if err := json.Unmarshal(line, &rec); err != nil {
			slog.Warn("escrow ledger: skipping malformed line", "error", err)
			continue
		}
		switch {
		case rec.Account != nil:
			l.accounts[rec.Account.NodeID] = rec.Account
		case rec.Bond != nil && rec.TaskID != "":
			l.bonds[rec.TaskID] = *rec.Bond
		}
	}
	return scanner.Err()
}

// save writes the full ledger atomically. Caller holds l.mu.
func (l *Ledger) save() error {
	if l.path == "" {
		return nil
	}
	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, ".escrow-*")
	if err != nil {
		return errkit.Wrap(errkit.CodeIOError, "create temp ledger", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	writer := bufio.NewWriter(tmp)
	for _, account := range l.accounts {
		if err := writeLine(writer, ledgerLine{Account: account}); err != nil {
			_ = tmp.Close()
			return err
		}
	}
	for taskID, b := range l.bonds {
		b := b
		if err := writeLine(writer, ledgerLine{TaskID: taskID, Bond: &b}); err != nil {
			_ = tmp.Close()
			return err
		}
	}
	if err := writer.Flush(); err != nil {
		_ = tmp.Close()
		return errkit.Wrap(errkit.CodeIOError, "flush ledger", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errkit.Wrap(errkit.CodeIOError, "fsync ledger", err)
	}
	if err := tmp.Close(); err != nil {
		return errkit.Wrap(errkit.CodeIOError, "close ledger", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return errkit.Wrap(errkit.CodeIOError, "rename ledger", err)
	}
	return nil
}

func writeLine(w *bufio.Writer, rec ledgerLine) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return errkit.Wrap(errkit.CodeIOError, "marshal ledger line", err)
	}
	if _, err := w.Write(append(line, '\n')); err != nil {
		return errkit.Wrap(errkit.CodeIOError, "write ledger line", err)
	}
	return nil
}

func (l *Ledger) account(nodeID string) *Account {
	acct, ok := l.accounts[nodeID]
	if !ok {
		acct = &Account{NodeID: nodeID}
		l.accounts[nodeID] = acct
	}
	return acct
}

func (l *Ledger) record(acct *Account, txType TransactionType, amount float64, taskID string) {
	acct.Transactions = append(acct.Transactions, Transaction{
		ID:        uuid.NewString(),
		Type:      txType,
		Amount:    amount,
		TaskID:    taskID,
		Timestamp: time.Now(),
	})
	if len(acct.Transactions) > maxTransactions {
		acct.Transactions = acct.Transactions[len(acct.Transactions)-maxTransactions:]
	}
}

// Deposit adds free balance to a node's account.
func (l *Ledger) Deposit(nodeID string, amount float64) error {
	if amount <= 0 {
		return errkit.New(errkit.CodeInvalidInput, "deposit amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	acct := l.account(nodeID)
	acct.Balance += amount
	l.record(acct, TxDeposit, amount, "")
	return l.save()
}

// HoldBond moves amount from free balance to held, keyed by task.
func (l *Ledger) HoldBond(taskID, nodeID string, amount float64) error {
	if amount <= 0 {
		return errkit.New(errkit.CodeInvalidInput, "bond amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.bonds[taskID]; exists {
		return errkit.Newf(errkit.CodeInvalidInput, "task %s already has a bond", taskID)
	}
	acct := l.account(nodeID)
	if acct.Balance-acct.Held < amount {
		return errkit.Newf(errkit.CodeInvalidInput, "insufficient free balance: %.4f available, %.4f required",
			acct.Balance-acct.Held, amount)
	}
	acct.Held += amount
	l.bonds[taskID] = bond{NodeID: nodeID, Amount: amount}
	l.record(acct, TxHold, amount, taskID)
	return l.save()
}

// ReleaseBond returns a task's bond to free balance.
func (l *Ledger) ReleaseBond(taskID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.bonds[taskID]
	if !ok {
		return errkit.Newf(errkit.CodeInvalidInput, "no bond for task %s", taskID)
	}
	acct := l.account(b.NodeID)
	acct.Held -= b.Amount
	delete(l.bonds, taskID)
	l.record(acct, TxRelease, b.Amount, taskID)
	return l.save()
}

// SlashBond debits a percentage of the bond from balance and releases the
// hold. percent is in (0, 1].
func (l *Ledger) SlashBond(taskID string, percent float64) (float64, error) {
	if percent <= 0 || percent > 1 {
		return 0, errkit.New(errkit.CodeInvalidInput, "slash percent must be in (0, 1]")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.bonds[taskID]
	if !ok {
		return 0, errkit.Newf(errkit.CodeInvalidInput, "no bond for task %s", taskID)
	}
	acct := l.account(b.NodeID)
	slashed := b.Amount * percent
	acct.Held -= b.Amount
	acct.Balance -= slashed
	delete(l.bonds, taskID)
	l.record(acct, TxSlash, slashed, taskID)
	if err := l.save(); err != nil {
		return 0, err
	}
	return slashed, nil
}

// GetAccount returns a copy of a node's account.
func (l *Ledger) GetAccount(nodeID string) (Account, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[nodeID]
	if !ok {
		return Account{}, false
	}
	copied := *acct
	copied.Transactions = append([]Transaction(nil), acct.Transactions...)
	return copied, true
}

// BondFor returns the outstanding bond for a task.
func (l *Ledger) BondFor(taskID string) (nodeID string, amount float64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, exists := l.bonds[taskID]
	if !exists {
		return "", 0, false
	}
	return b.NodeID, b.Amount, true
}

// Check verifies the held ≤ balance invariant for every account.
func (l *Ledger) Check() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for nodeID, acct := range l.accounts {
		if acct.Held > acct.Balance+1e-9 {
			return fmt.Errorf("account %s violates held ≤ balance: held=%.4f balance=%.4f", nodeID, acct.Held, acct.Balance)
		}
	}
	return nil
}
