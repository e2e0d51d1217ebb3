package runtime

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/oldeucryptoboi/karnevil9/pkg/config"
	"github.com/oldeucryptoboi/karnevil9/pkg/errkit"
	"github.com/oldeucryptoboi/karnevil9/pkg/journal"
	"github.com/oldeucryptoboi/karnevil9/pkg/reputation"
	"github.com/oldeucryptoboi/karnevil9/pkg/session"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/consensus"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/contract"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/distributor"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/escrow"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/mesh"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/monitor"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/node"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/optimizer"
	"github.com/oldeucryptoboi/karnevil9/pkg/swarm/transport"
)

// SwarmRuntime bundles the swarm services of one node.
type SwarmRuntime struct {
	cfg *config.SwarmConfig

	Node        *node.Node
	Server      *transport.Server
	Client      *transport.Client
	Gossiper    *mesh.Gossiper
	Distributor *distributor.Distributor
	TaskMonitor *monitor.TaskMonitor
	Redelegator *monitor.RedelegationMonitor
	Optimizer   *optimizer.Loop
	Escrow      *escrow.Ledger
	Consensus   *consensus.Service
	Contracts   *contract.Store
	Reputation  *reputation.Tracker
	Signer      *contract.Signer

	nodeKey ed25519.PrivateKey

	mu       sync.Mutex
	misses   map[string]int
	cancel   context.CancelFunc
	done     chan struct{}
	serveErr chan error
}

func newSwarmRuntime(cfg *config.Config, rt *Runtime, j *journal.Journal, metrics *prometheus.Registry) (*SwarmRuntime, error) {
	sc := &cfg.Swarm

	ledger, err := escrow.Open(sc.EscrowLedgerPath)
	if err != nil {
		return nil, err
	}

	repCfg := sc.Reputation
	repCfg.LogPath = sc.ReputationLogPath
	rep := reputation.NewTracker(repCfg)
	if err := rep.LoadLog(sc.ReputationLogPath); err != nil {
		slog.Warn("reputation log replay failed", "error", err)
	}

	cons := consensus.NewService(consensus.Config{})
	contracts := contract.NewStore()

	_, nodeKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	identity := mesh.Identity{
		NodeID:       sc.NodeID,
		DisplayName:  sc.DisplayName,
		APIURL:       sc.APIURL,
		Capabilities: sc.Capabilities,
	}

	sw := &SwarmRuntime{
		cfg:        sc,
		Escrow:     ledger,
		Consensus:  cons,
		Contracts:  contracts,
		Reputation: rep,
		Signer:     contract.NewSigner([]byte(sc.ContractSecret)),
		nodeKey:    nodeKey,
		misses:     make(map[string]int),
	}

	sw.Node = node.New(node.Config{
		Identity:       identity,
		MeshTimeouts:   mesh.Timeouts{Suspect: sc.SuspectTimeout, Unreachable: sc.UnreachableTimeout, Evict: sc.EvictTimeout},
		SweepInterval:  sc.SweepInterval,
		Firebreak:      sc.Firebreak,
		ContractSecret: []byte(sc.ContractSecret),
		NodeKey:        nodeKey,
	}, j, cons, ledger, contracts, rep, sw.executeInbound(rt))

	sw.Client = transport.NewClient(transport.ClientConfig{
		Timeout:       sc.ClientTimeout,
		BearerToken:   sc.BearerToken,
		AllowLoopback: sc.AllowLoopback,
	}, func(nodeID string) (string, bool) {
		entry, ok := sw.Node.Table().Get(nodeID)
		if !ok {
			return "", false
		}
		return entry.Identity.APIURL, true
	})

	sw.Server = transport.NewServer(transport.ServerConfig{
		Address:         sc.ListenAddress,
		Auth:            transport.AuthConfig{Token: sc.BearerToken, JWTSecret: sc.JWTSecret},
		MetricsRegistry: metrics,
	}, sw.Node)

	sw.Gossiper = mesh.NewGossiper(identity, sw.Node.Table(), sw.Client, mesh.GossipConfig{
		Interval:   sc.GossipInterval,
		Fanout:     sc.GossipFanout,
		SampleSize: sc.GossipSampleSize,
	})

	sw.Distributor = distributor.New(sw.Node.Table(), rep, distributor.Config{})

	sw.Redelegator = monitor.NewRedelegationMonitor(monitor.RedelegationConfig{
		MaxRedelegations: sc.MaxRedelegations,
		Cooldown:         sc.RedelegationCooldown,
	})

	sw.TaskMonitor = monitor.NewTaskMonitor(sw.Client, sw.onCheckpointsMissed, sw.onTaskTerminal)

	sw.Optimizer = optimizer.New(sw.Distributor, sw, optimizer.Config{
		Interval:                sc.SweepInterval,
		DriftThreshold:          sc.DriftThreshold,
		OverheadFactor:          sc.OverheadFactor,
		MinTimeBeforeRedelegate: sc.MinTimeBeforeRedelegate,
		EscalateAfterMisses:     3,
	}, sw.applyDecision)

	return sw, nil
}

// executeInbound runs an accepted delegated task through the local kernel.
func (s *SwarmRuntime) executeInbound(rt *Runtime) node.TaskExecutor {
	return func(ctx context.Context, req transport.TaskRequest) error {
		sess := rt.NewSession(req.TaskText, session.ModeReal)
		if req.Contract != nil && len(req.Contract.PermissionBoundary) > 0 {
			if err := rt.Perm.PreGrant(sess.ID, req.Contract.PermissionBoundary, "contract:"+req.Contract.ContractID); err != nil {
				return err
			}
		}
		if err := rt.RunSession(ctx, sess); err != nil {
			return err
		}
		if sess.Status() != session.StatusCompleted {
			return errkit.Newf(errkit.CodeExecutionError, "session %s ended %s: %s", sess.ID, sess.Status(), sess.FailReason())
		}
		return nil
	}
}

// Misses implements optimizer.MissCounter.
func (s *SwarmRuntime) Misses(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.misses[taskID]
}

func (s *SwarmRuntime) onCheckpointsMissed(taskID, peerNodeID string) {
	s.mu.Lock()
	s.misses[taskID]++
	s.mu.Unlock()
	slog.Warn("checkpoints missed", "task", taskID, "peer", peerNodeID)
}

func (s *SwarmRuntime) onTaskTerminal(taskID, peerNodeID string, status monitor.CheckpointStatus) {
	s.Distributor.Close(taskID)
	s.Redelegator.Untrack(taskID)
	s.mu.Lock()
	delete(s.misses, taskID)
	s.mu.Unlock()
	slog.Info("delegated task terminal", "task", taskID, "peer", peerNodeID, "state", status.State)
}

// applyDecision reacts to optimizer verdicts: the distributor performs the
// actual re-delegation.
func (s *SwarmRuntime) applyDecision(decision optimizer.Decision) {
	switch decision.Kind {
	case optimizer.DecisionRedelegate:
		if err := s.redelegate(context.Background(), decision.TaskID, decision.Alternative); err != nil {
			slog.Warn("re-delegation failed", "task", decision.TaskID, "error", err)
		}
	case optimizer.DecisionEscalate:
		slog.Warn("delegation escalated", "task", decision.TaskID, "peer", decision.CurrentPeer, "reason", decision.Reason)
	}
}

// Delegate places a task on the best peer under a signed contract and starts
// monitoring it.
func (s *SwarmRuntime) Delegate(ctx context.Context, sessionID, taskText string, boundary []string, slo contract.SLO) (string, error) {
	taskID := uuid.NewString()
	spec := distributor.TaskSpec{TaskID: taskID, SessionID: sessionID, TaskText: taskText}

	selected, err := s.Distributor.Select(spec, nil)
	if err != nil {
		return "", err
	}
	return taskID, s.delegateTo(ctx, spec, selected.Peer.Identity.NodeID, boundary, slo, nil)
}

func (s *SwarmRuntime) delegateTo(ctx context.Context, spec distributor.TaskSpec, peerNodeID string,
	boundary []string, slo contract.SLO, attestation []contract.AttestationHop) error {
	monitoring := contract.Monitoring{CheckpointInterval: 5 * time.Second, MaxMissed: 3}
	c, err := s.Signer.New(spec.TaskID, spec.SessionID, peerNodeID, boundary, slo, monitoring)
	if err != nil {
		return err
	}
	chain, err := contract.AppendHop(attestation, s.cfg.NodeID, spec.TaskID, s.nodeKey)
	if err != nil {
		return err
	}

	ack, err := s.Client.SubmitTask(ctx, peerNodeID, transport.TaskRequest{
		TaskID:           spec.TaskID,
		TaskText:         spec.TaskText,
		OriginatorNodeID: s.cfg.NodeID,
		SessionID:        spec.SessionID,
		Contract:         c,
		Attestation:      chain,
	})
	if err != nil {
		return err
	}
	if !ack.Accepted {
		return errkit.Newf(errkit.CodeSwarmContractViolated, "peer %s rejected task: %s", peerNodeID, ack.Reason)
	}

	_ = c.Transition(contract.StatusActive)
	s.Contracts.Put(c)

	selected := distributor.Candidate{Peer: mesh.PeerEntry{Identity: mesh.Identity{NodeID: peerNodeID}}}
	s.Distributor.Open(ctx, spec, selected)
	s.Redelegator.Track(spec.TaskID, peerNodeID, spec.TaskText, spec.SessionID, nil)
	s.TaskMonitor.Watch(ctx, spec.TaskID, peerNodeID, monitoring.CheckpointInterval, monitoring.MaxMissed)
	return nil
}

// redelegate moves a tracked task to a named alternative peer.
func (s *SwarmRuntime) redelegate(ctx context.Context, taskID, newPeer string) error {
	tracked, ok := s.Redelegator.Get(taskID)
	if !ok {
		return errkit.Newf(errkit.CodeSwarmRedelegationExhausted, "task %s is not tracked", taskID)
	}
	if s.Redelegator.Exhausted(taskID) {
		return errkit.Newf(errkit.CodeSwarmRedelegationExhausted, "task %s used its redelegation budget", taskID)
	}

	oldPeer := tracked.PeerNodeID
	s.TaskMonitor.Stop(taskID)
	if err := s.Client.CancelTask(ctx, oldPeer, taskID); err != nil {
		slog.Debug("cancel on former peer failed", "task", taskID, "peer", oldPeer, "error", err)
	}

	spec := distributor.TaskSpec{TaskID: taskID, SessionID: tracked.SessionID, TaskText: tracked.TaskText}
	if err := s.delegateTo(ctx, spec, newPeer, nil, contract.SLO{}, nil); err != nil {
		return err
	}
	s.Redelegator.RecordRedelegation(taskID, newPeer)
	s.Distributor.Reassign(taskID, newPeer)
	return nil
}

// Start launches the server, sweeps, gossip, heartbeats, and the optimizer.
func (s *SwarmRuntime) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.serveErr = make(chan error, 1)

	go func() {
		s.serveErr <- s.Server.Start()
	}()

	s.Node.Start(runCtx)
	s.Gossiper.Start(runCtx)
	s.Optimizer.Start(runCtx)

	go s.heartbeatLoop(runCtx)

	// Seed peers: fetch identities and join.
	for _, seed := range s.cfg.SeedPeers {
		identity, err := s.Client.FetchIdentity(runCtx, seed)
		if err != nil {
			slog.Warn("seed peer unreachable", "url", seed, "error", err)
			continue
		}
		s.Node.Table().Upsert(identity, time.Time{})
		if err := s.Client.Join(runCtx, seed, s.Node.Identity()); err != nil {
			slog.Warn("join failed", "url", seed, "error", err)
		}
	}
	return nil
}

func (s *SwarmRuntime) heartbeatLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, peer := range s.Node.Table().Active() {
				hb := transport.HeartbeatMsg{
					NodeID:    s.cfg.NodeID,
					Timestamp: time.Now().UTC().Format(journal.TimestampFormat),
				}
				if err := s.Client.Heartbeat(ctx, peer.Identity.NodeID, hb); err != nil {
					slog.Debug("heartbeat failed", "peer", peer.Identity.NodeID, "error", err)
				}
			}
		}
	}
}

// Stop shuts the swarm services down.
func (s *SwarmRuntime) Stop(ctx context.Context) {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.Optimizer.Stop()
	s.Gossiper.Stop()
	s.Node.Stop()
	if err := s.Server.Stop(ctx); err != nil {
		slog.Warn("swarm server shutdown", "error", err)
	}
	select {
	case err := <-s.serveErr:
		if err != nil {
			slog.Warn("swarm server exit", "error", err)
		}
	default:
	}
}
