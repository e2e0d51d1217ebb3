package mesh

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// GossipSender delivers a peer-view sample to one peer. Implemented by the
// swarm transport client.
type GossipSender interface {
	SendGossip(ctx context.Context, peer PeerEntry, sample []PeerEntry) error
}

// GossipConfig tunes the dissemination loop.
type GossipConfig struct {
	Interval   time.Duration `yaml:"interval"`
	Fanout     int           `yaml:"fanout"`
	SampleSize int           `yaml:"sample_size"`
}

// DefaultGossipConfig gossips to 3 peers every 30s with up to 16 entries.
var DefaultGossipConfig = GossipConfig{
	Interval:   30 * time.Second,
	Fanout:     3,
	SampleSize: 16,
}

// Gossiper periodically sends a subset of the local peer view to a random
// sample of active peers. There is no coordination; convergence is eventual.
type Gossiper struct {
	self   Identity
	table  *PeerTable
	sender GossipSender
	cfg    GossipConfig
	rng    *rand.Rand

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewGossiper creates a gossiper for the local node.
func NewGossiper(self Identity, table *PeerTable, sender GossipSender, cfg GossipConfig) *Gossiper {
	if cfg.Interval <= 0 {
		cfg = DefaultGossipConfig
	}
	return &Gossiper{
		self:   self,
		table:  table,
		sender: sender,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start launches the dissemination loop.
func (g *Gossiper) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})

	go func() {
		defer close(g.done)
		ticker := time.NewTicker(g.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				g.Round(runCtx)
			}
		}
	}()
}

// Stop halts the loop.
func (g *Gossiper) Stop() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel = nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Round performs one gossip exchange: pick targets, send samples.
func (g *Gossiper) Round(ctx context.Context) {
	active := g.table.Active()
	if len(active) == 0 {
		return
	}

	targets := g.pickTargets(active)
	sample := g.pickSample(active)

	for _, target := range targets {
		if err := g.sender.SendGossip(ctx, target, sample); err != nil {
			slog.Debug("gossip send failed", "peer", target.Identity.NodeID, "error", err)
		}
	}
}

func (g *Gossiper) pickTargets(active []PeerEntry) []PeerEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rng.Shuffle(len(active), func(i, j int) { active[i], active[j] = active[j], active[i] })
	n := g.cfg.Fanout
	if n > len(active) {
		n = len(active)
	}
	return active[:n]
}

func (g *Gossiper) pickSample(active []PeerEntry) []PeerEntry {
	n := g.cfg.SampleSize
	if n > len(active) {
		n = len(active)
	}
	sample := make([]PeerEntry, n)
	copy(sample, active[:n])
	return sample
}
