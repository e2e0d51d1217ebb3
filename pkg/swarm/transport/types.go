// Package transport implements the swarm wire protocol: an HTTP+JSON server
// mounting the stable route table under /plugins/swarm, and the
// SSRF-screened client peers use to reach each other.
package transport

import (
	"context"
	"time"

	"github.com/oldeucryptoboi/karnevil9/pkg/journal"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/consensus"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/contract"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/mesh"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/monitor"
)

// BasePath prefixes every swarm route.
const BasePath = "/plugins/swarm"

// HeartbeatMsg is the body of POST /heartbeat.
type HeartbeatMsg struct {
	NodeID         string  `json:"node_id"`
	Timestamp      string  `json:"timestamp"`
	ActiveSessions int     `json:"active_sessions"`
	Load           float64 `json:"load"`
	LatencyMS      int64   `json:"latency_ms,omitempty"`
}

// GossipMsg is the body of POST /gossip.
type GossipMsg struct {
	SenderNodeID string           `json:"sender_node_id"`
	Peers        []mesh.PeerEntry `json:"peers"`
}

// TaskRequest is the body of POST /task.
type TaskRequest struct {
	TaskID           string                    `json:"task_id"`
	TaskText         string                    `json:"task_text"`
	OriginatorNodeID string                    `json:"originator_node_id"`
	SessionID        string                    `json:"session_id"`
	Contract         *contract.Contract        `json:"contract,omitempty"`
	Attestation      []contract.AttestationHop `json:"attestation,omitempty"`
	Constraints      map[string]any            `json:"constraints,omitempty"`
}

// TaskAck is the peer's answer to a task submission.
type TaskAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	TaskID   string `json:"task_id"`
}

// TaskResult is the body of POST /result.
type TaskResult struct {
	TaskID     string  `json:"task_id"`
	NodeID     string  `json:"node_id"`
	Success    bool    `json:"success"`
	ResultHash string  `json:"result_hash,omitempty"`
	Output     any     `json:"output,omitempty"`
	Error      string  `json:"error,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
}

// Checkpoint is one resumable progress marker.
type Checkpoint struct {
	TaskID      string         `json:"task_id"`
	Seq         int            `json:"seq"`
	ProgressPct float64        `json:"progress_pct"`
	State       map[string]any `json:"state,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ConsensusRequest is the body of POST /verify/:taskId/consensus.
type ConsensusRequest struct {
	RequiredVoters    int     `json:"required_voters"`
	RequiredAgreement float64 `json:"required_agreement"`
	ExpiryMS          int64   `json:"expiry_ms,omitempty"`
}

// VoteRequest is the body of POST /verify/:taskId/vote.
type VoteRequest struct {
	NodeID       string  `json:"node_id"`
	ResultHash   string  `json:"result_hash"`
	OutcomeScore float64 `json:"outcome_score"`
}

// RenegotiateRequest is the body of POST /contracts/:id/renegotiate.
type RenegotiateRequest struct {
	Reason      string        `json:"reason,omitempty"`
	ProposedSLO *contract.SLO `json:"proposed_slo,omitempty"`
}

// DepositRequest is the body of POST /escrow/deposit.
type DepositRequest struct {
	NodeID string  `json:"node_id"`
	Amount float64 `json:"amount"`
}

// EventFilter selects events for the SSE stream.
type EventFilter struct {
	TaskID     string
	PeerNodeID string
	Types      []string
	Level      string
}

// Backend is the node-side surface the server exposes over HTTP.
type Backend interface {
	Identity() mesh.Identity
	Peers(status mesh.PeerStatus) []mesh.PeerEntry
	Join(identity mesh.Identity) error
	Leave(nodeID, reason string) error
	Heartbeat(hb HeartbeatMsg) error
	MergeGossip(senderNodeID string, peers []mesh.PeerEntry) error
	SubmitTask(ctx context.Context, req TaskRequest) (TaskAck, error)
	SubmitResult(ctx context.Context, result TaskResult) error
	TaskStatus(taskID string) (monitor.CheckpointStatus, bool)
	CancelTask(taskID string) error
	Checkpoints(taskID string) []Checkpoint
	CreateConsensusRound(taskID string, req ConsensusRequest) *consensus.Round
	SubmitVote(taskID string, vote VoteRequest) (*consensus.Round, error)
	Renegotiate(contractID string, req RenegotiateRequest) (*contract.Contract, error)
	EscrowDeposit(nodeID string, amount float64) error
	Subscribe(filter EventFilter) (<-chan *journal.Event, func())
}
