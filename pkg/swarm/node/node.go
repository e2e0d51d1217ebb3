// Package node assembles the swarm subsystems into one peer: the mesh table
// and gossip, inbound task handling, checkpoints, consensus, escrow,
// contracts, and the journal-backed event stream.
package node

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"sync"
	"time"

	"github.com/oldeucryptoboi/karnevil9/pkg/errkit"
	"github.com/oldeucryptoboi/karnevil9/pkg/journal"
	"github.com/oldeucryptoboi/karnevil9/pkg/reputation"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/consensus"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/contract"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/escrow"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/firebreak"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/mesh"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/monitor"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/transport"
)

// Journal event types emitted by the node.
const (
	EventTaskReceived  = "swarm.task.received"
	EventTaskAccepted  = "swarm.task.accepted"
	EventTaskRejected  = "swarm.task.rejected"
	EventTaskCompleted = "swarm.task.completed"
	EventPeerJoined    = "swarm.peer.joined"
	EventPeerLeft      = "swarm.peer.left"
)

// TaskExecutor runs an accepted inbound task locally. The host wires this to
// a kernel session factory.
type TaskExecutor func(ctx context.Context, req transport.TaskRequest) error

// Config assembles a node.
type Config struct {
	Identity       mesh.Identity
	MeshTimeouts   mesh.Timeouts
	SweepInterval  time.Duration
	Firebreak      firebreak.Config
	ContractSecret []byte
	NodeKey        ed25519.PrivateKey
}

// Node is one swarm peer.
type Node struct {
	cfg       Config
	journal   *journal.Journal
	table     *mesh.PeerTable
	consensus *consensus.Service
	escrow    *escrow.Ledger
	contracts *contract.Store
	signer    *contract.Signer
	fb        *firebreak.Firebreak
	rep       *reputation.Tracker
	execute   TaskExecutor

	mu          sync.Mutex
	statuses    map[string]monitor.CheckpointStatus
	checkpoints map[string][]transport.Checkpoint
	cancels     map[string]context.CancelFunc

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// New creates a node.
func New(cfg Config, j *journal.Journal, cons *consensus.Service, ledger *escrow.Ledger,
	contracts *contract.Store, rep *reputation.Tracker, execute TaskExecutor) *Node {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	return &Node{
		cfg:         cfg,
		journal:     j,
		table:       mesh.NewPeerTable(cfg.MeshTimeouts),
		consensus:   cons,
		escrow:      ledger,
		contracts:   contracts,
		signer:      contract.NewSigner(cfg.ContractSecret),
		fb:          firebreak.New(cfg.Firebreak),
		rep:         rep,
		execute:     execute,
		statuses:    make(map[string]monitor.CheckpointStatus),
		checkpoints: make(map[string][]transport.Checkpoint),
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Table exposes the peer table for the distributor and gossiper.
func (n *Node) Table() *mesh.PeerTable { return n.table }

// Start launches the failure-detector sweep loop.
func (n *Node) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	n.sweepCancel = cancel
	n.sweepDone = make(chan struct{})
	go func() {
		defer close(n.sweepDone)
		ticker := time.NewTicker(n.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				n.table.Sweep()
				n.consensus.Sweep()
			}
		}
	}()
}

// Stop halts the sweep loop.
func (n *Node) Stop() {
	if n.sweepCancel != nil {
		n.sweepCancel()
		<-n.sweepDone
	}
}

// --- transport.Backend ---

// Identity returns the local identity.
func (n *Node) Identity() mesh.Identity { return n.cfg.Identity }

// Peers lists the peer table, optionally filtered by status.
func (n *Node) Peers(status mesh.PeerStatus) []mesh.PeerEntry {
	return n.table.List(status)
}

// Join admits a peer into the table.
func (n *Node) Join(identity mesh.Identity) error {
	n.table.Upsert(identity, time.Time{})
	n.emit(EventPeerJoined, map[string]any{"peer_node_id": identity.NodeID})
	return nil
}

// Leave marks a peer departed.
func (n *Node) Leave(nodeID, reason string) error {
	n.table.Leave(nodeID)
	n.emit(EventPeerLeft, map[string]any{"peer_node_id": nodeID, "reason": reason})
	return nil
}

// Heartbeat records a peer heartbeat.
func (n *Node) Heartbeat(hb transport.HeartbeatMsg) error {
	if !n.table.Heartbeat(hb.NodeID, hb.LatencyMS) {
		return errkit.Newf(errkit.CodeInvalidInput, "unknown peer %s", hb.NodeID)
	}
	return nil
}

// MergeGossip merges a gossiped peer view.
func (n *Node) MergeGossip(senderNodeID string, peers []mesh.PeerEntry) error {
	n.table.Merge(peers, n.cfg.Identity.NodeID)
	return nil
}

// SubmitTask validates and accepts (or rejects) an inbound delegated task.
func (n *Node) SubmitTask(ctx context.Context, req transport.TaskRequest) (transport.TaskAck, error) {
	n.emit(EventTaskReceived, map[string]any{"task_id": req.TaskID, "peer_node_id": req.OriginatorNodeID})

	if req.TaskID == "" || req.TaskText == "" {
		return transport.TaskAck{}, errkit.New(errkit.CodeInvalidInput, "task_id and task_text are required")
	}

	// Contract signature, when attached, must verify under the shared secret.
	if req.Contract != nil {
		if err := n.signer.Verify(req.Contract); err != nil {
			return n.reject(req, "contract signature invalid")
		}
	}

	// Every hop of the attestation chain must verify.
	if len(req.Attestation) > 0 {
		if err := contract.VerifyChain(req.Attestation); err != nil {
			return n.reject(req, "attestation chain invalid: "+err.Error())
		}
	}

	// Liability firebreak on delegation depth.
	decision := n.fb.Check(contract.ChainDepth(req.Attestation), firebreak.TaskAttributes{})
	if decision.Verdict == firebreak.VerdictHalt {
		return n.reject(req, decision.Reason)
	}

	if req.Contract != nil {
		n.contracts.Put(req.Contract)
		if err := req.Contract.Transition(contract.StatusActive); err != nil {
			slog.Debug("contract activation", "contract", req.Contract.ContractID, "error", err)
		}
	}

	n.mu.Lock()
	n.statuses[req.TaskID] = monitor.CheckpointStatus{TaskID: req.TaskID, State: "running"}
	n.mu.Unlock()

	n.emit(EventTaskAccepted, map[string]any{"task_id": req.TaskID, "peer_node_id": req.OriginatorNodeID})

	if n.execute != nil {
		taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		n.mu.Lock()
		n.cancels[req.TaskID] = cancel
		n.mu.Unlock()

		go func() {
			err := n.execute(taskCtx, req)
			n.finishTask(req.TaskID, err)
		}()
	}

	return transport.TaskAck{Accepted: true, TaskID: req.TaskID}, nil
}

func (n *Node) reject(req transport.TaskRequest, reason string) (transport.TaskAck, error) {
	n.emit(EventTaskRejected, map[string]any{"task_id": req.TaskID, "reason": reason})
	return transport.TaskAck{Accepted: false, TaskID: req.TaskID, Reason: reason}, nil
}

func (n *Node) finishTask(taskID string, err error) {
	state := "completed"
	if err != nil {
		state = "failed"
	}
	n.mu.Lock()
	n.statuses[taskID] = monitor.CheckpointStatus{TaskID: taskID, State: state, ProgressPct: 100}
	delete(n.cancels, taskID)
	n.mu.Unlock()
	n.emit(EventTaskCompleted, map[string]any{"task_id": taskID, "state": state})
}

// RecordCheckpoint stores a progress marker and refreshes the task status.
func (n *Node) RecordCheckpoint(taskID string, progressPct float64, state map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	seq := len(n.checkpoints[taskID]) + 1
	n.checkpoints[taskID] = append(n.checkpoints[taskID], transport.Checkpoint{
		TaskID:      taskID,
		Seq:         seq,
		ProgressPct: progressPct,
		State:       state,
		CreatedAt:   time.Now(),
	})
	n.statuses[taskID] = monitor.CheckpointStatus{TaskID: taskID, State: "running", ProgressPct: progressPct}
}

// SubmitResult records a completed delegation result from a worker peer and
// feeds reputation.
func (n *Node) SubmitResult(ctx context.Context, result transport.TaskResult) error {
	if result.TaskID == "" {
		return errkit.New(errkit.CodeInvalidInput, "task_id is required")
	}
	if n.rep != nil {
		score := 0.0
		if result.Success {
			score = 1.0
		}
		n.rep.Record(reputation.Outcome{
			NodeID:    result.NodeID,
			TaskID:    result.TaskID,
			Success:   result.Success,
			Score:     score,
			CostUSD:   result.CostUSD,
			LatencyMS: result.DurationMS,
		})
	}
	if c, ok := n.contracts.ByTask(result.TaskID); ok && c.Status == contract.StatusActive {
		next := contract.StatusCompleted
		if !result.Success {
			next = contract.StatusViolated
		}
		if err := c.Transition(next); err != nil {
			slog.Debug("contract close", "contract", c.ContractID, "error", err)
		}
	}
	n.emit(EventTaskCompleted, map[string]any{
		"task_id":      result.TaskID,
		"peer_node_id": result.NodeID,
		"state":        map[bool]string{true: "completed", false: "failed"}[result.Success],
	})
	return nil
}

// TaskStatus answers a checkpoint poll.
func (n *Node) TaskStatus(taskID string) (monitor.CheckpointStatus, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	status, ok := n.statuses[taskID]
	return status, ok
}

// CancelTask cancels an inbound task.
func (n *Node) CancelTask(taskID string) error {
	n.mu.Lock()
	cancel, ok := n.cancels[taskID]
	if ok {
		delete(n.cancels, taskID)
	}
	n.statuses[taskID] = monitor.CheckpointStatus{TaskID: taskID, State: "failed"}
	n.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Checkpoints lists a task's progress markers for resume.
func (n *Node) Checkpoints(taskID string) []transport.Checkpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]transport.Checkpoint(nil), n.checkpoints[taskID]...)
}

// CreateConsensusRound opens a verification round for a task result.
func (n *Node) CreateConsensusRound(taskID string, req transport.ConsensusRequest) *consensus.Round {
	return n.consensus.CreateRound(taskID, req.RequiredVoters, req.RequiredAgreement,
		time.Duration(req.ExpiryMS)*time.Millisecond)
}

// SubmitVote records a verification vote.
func (n *Node) SubmitVote(taskID string, vote transport.VoteRequest) (*consensus.Round, error) {
	round, ok := n.consensus.ByTask(taskID)
	if !ok {
		return nil, errkit.Newf(errkit.CodeInvalidInput, "no consensus round for task %s", taskID)
	}
	return n.consensus.SubmitVote(round.RoundID, vote.NodeID, vote.ResultHash, vote.OutcomeScore)
}

// Renegotiate opens a renegotiation on a held contract.
func (n *Node) Renegotiate(contractID string, req transport.RenegotiateRequest) (*contract.Contract, error) {
	c, ok := n.contracts.Get(contractID)
	if !ok {
		return nil, errkit.Newf(errkit.CodeInvalidInput, "unknown contract %s", contractID)
	}
	if err := c.RequestRenegotiation(req.Reason, req.ProposedSLO); err != nil {
		return nil, errkit.Wrap(errkit.CodeInvalidInput, "renegotiation", err)
	}
	return c, nil
}

// EscrowDeposit funds a node's escrow account.
func (n *Node) EscrowDeposit(nodeID string, amount float64) error {
	return n.escrow.Deposit(nodeID, amount)
}

// Subscribe streams journal events through the SSE filter.
func (n *Node) Subscribe(filter transport.EventFilter) (<-chan *journal.Event, func()) {
	raw, cancel := n.journal.Subscribe("")
	filtered := make(chan *journal.Event, 64)

	done := make(chan struct{})
	go func() {
		defer close(filtered)
		for {
			select {
			case <-done:
				return
			case ev, open := <-raw:
				if !open {
					return
				}
				if !filter.MatchesEvent(ev.Type, ev.Payload) {
					continue
				}
				select {
				case filtered <- ev:
				default:
				}
			}
		}
	}()

	var once sync.Once
	return filtered, func() {
		once.Do(func() {
			cancel()
			close(done)
		})
	}
}

func (n *Node) emit(eventType string, payload map[string]any) {
	if n.journal == nil {
		return
	}
	if _, err := n.journal.Emit("", eventType, payload); err != nil {
		slog.Warn("swarm journal emit failed", "type", eventType, "error", err)
	}
}

var _ transport.Backend = (*Node)(nil)
