// Package runtime assembles the subsystems into a running host: journal,
// permission engine, policy, tool runtime, kernel, scheduler, and the
// optional swarm node. All registries are injected; nothing is module-level.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oldeucryptoboi/karnevil9/pkg/config"
	"github.com/oldeucryptoboi/karnevil9/pkg/dct"
	"github.com/oldeucryptoboi/karnevil9/pkg/journal"
	"github.com/oldeucryptoboi/karnevil9/pkg/kernel"
	"github.com/oldeucryptoboi/karnevil9/pkg/permission"
	"github.com/oldeucryptoboi/karnevil9/pkg/scheduler"
	"github.com/oldeucryptoboi/karnevil9/pkg/session"
	"github.com/oldeucryptoboi/karnevil9/pkg/tools"
)

// journalSink adapts the journal to the EventSink interfaces.
type journalSink struct {
	journal *journal.Journal
}

func (s journalSink) Emit(sessionID, eventType string, payload map[string]any) error {
	_, err := s.journal.Emit(sessionID, eventType, payload)
	return err
}

// Runtime is the assembled host.
type Runtime struct {
	Config    *config.Config
	Journal   *journal.Journal
	Sessions  session.Store
	Perm      *permission.Engine
	Registry  *tools.Registry
	Tools     *tools.Runtime
	Scheduler *scheduler.Scheduler
	Metrics   *prometheus.Registry
	Swarm     *SwarmRuntime

	planner kernel.Planner
	prompt  permission.PromptFunc
	kcfg    kernel.Config
}

// Options inject host-provided collaborators.
type Options struct {
	// Planner generates plans. Required to run sessions.
	Planner kernel.Planner

	// Prompt is the approval channel. Nil denies every missing scope.
	Prompt permission.PromptFunc

	// Audit is the external audit hook for observed grants.
	Audit permission.AuditHook

	// ExtraTools are registered next to the builtins.
	ExtraTools []tools.Tool
}

// New builds a runtime from config.
func New(cfg *config.Config, opts Options) (*Runtime, error) {
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if dir := filepath.Dir(cfg.Journal.Path); dir != "" {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	j, err := journal.Open(cfg.Journal.Path, journal.Options{
		Fsync:                  cfg.Journal.Fsync,
		WarnThresholdBytes:     cfg.Journal.WarnThresholdBytes,
		CriticalThresholdBytes: cfg.Journal.CriticalThresholdBytes,
	})
	if err != nil {
		return nil, err
	}
	sink := journalSink{j}

	permOpts := []permission.Option{permission.WithHistory(permission.NewJournalHistory(j))}
	if opts.Audit != nil {
		permOpts = append(permOpts, permission.WithAuditHook(opts.Audit))
	}
	if cfg.Permission.SigningSecret != "" {
		permOpts = append(permOpts, permission.WithDCT(dct.NewSigner([]byte(cfg.Permission.SigningSecret))))
	}
	perm := permission.NewEngine(sink, opts.Prompt, permOpts...)

	metrics := prometheus.NewRegistry()

	registry := tools.NewRegistry()
	builtins := []tools.Tool{
		&tools.EchoTool{},
		&tools.RespondTool{},
		&tools.ReadFileTool{},
		&tools.WriteFileTool{},
		&tools.CommandTool{
			WorkingDirectory: cfg.Tools.CommandWorkingDir,
			MaxExecutionTime: cfg.Tools.CommandTimeout,
		},
		&tools.WebRequestTool{Timeout: cfg.Tools.WebRequestTimeout},
	}
	for _, tool := range append(builtins, opts.ExtraTools...) {
		if err := registry.Register(tool); err != nil {
			return nil, err
		}
	}

	toolRuntime := tools.NewRuntime(registry, sink, &cfg.Policy, tools.BreakerConfig{
		ConsecutiveFailures: cfg.Tools.BreakerConsecutiveFailures,
		Cooldown:            cfg.Tools.BreakerCooldown,
	}, tools.NewMetrics(metrics))

	rt := &Runtime{
		Config:   cfg,
		Journal:  j,
		Sessions: session.NewMemoryStore(),
		Perm:     perm,
		Registry: registry,
		Tools:    toolRuntime,
		Metrics:  metrics,
		planner:  opts.Planner,
		prompt:   opts.Prompt,
		kcfg: kernel.Config{
			MaxPlanAttempts:   cfg.Kernel.MaxPlanAttempts,
			StepTokenEstimate: cfg.Kernel.StepTokenEstimate,
			Futility:          cfg.Kernel.Futility,
		},
	}

	if cfg.Scheduler.Enabled {
		store := scheduler.NewStore(cfg.Scheduler.StorePath)
		rt.Scheduler = scheduler.New(scheduler.Config{
			TickInterval: cfg.Scheduler.TickInterval,
			StorePath:    cfg.Scheduler.StorePath,
		}, store, rt.sessionFactory, sink)
	}

	if cfg.Swarm.Enabled {
		swarm, err := newSwarmRuntime(cfg, rt, j, metrics)
		if err != nil {
			_ = j.Close()
			return nil, err
		}
		rt.Swarm = swarm
	}

	return rt, nil
}

// sessionFactory is the scheduler hook: it creates and runs a session.
func (r *Runtime) sessionFactory(ctx context.Context, taskText, mode string, constraints map[string]any) error {
	sess := r.NewSession(taskText, session.Mode(mode))
	return r.RunSession(ctx, sess)
}

// NewSession creates a session with the configured default limits.
func (r *Runtime) NewSession(task string, mode session.Mode) *session.Session {
	limits := session.Limits{
		MaxSteps:    r.Config.Session.MaxSteps,
		MaxTokens:   r.Config.Session.MaxTokens,
		MaxCostUSD:  r.Config.Session.MaxCostUSD,
		MaxDuration: r.Config.Session.MaxDuration,
		Parallel:    r.Config.Session.Parallel,
	}
	sess := session.New(task, mode, limits)
	r.Sessions.Put(sess)

	if len(r.Config.Permission.PreGrants) > 0 {
		if err := r.Perm.PreGrant(sess.ID, r.Config.Permission.PreGrants, "config"); err != nil {
			slog.Warn("pre-grant failed", "session", sess.ID, "error", err)
		}
	}
	return sess
}

// RunSession drives a session to a terminal state and clears its permission
// state afterwards.
func (r *Runtime) RunSession(ctx context.Context, sess *session.Session) error {
	if r.planner == nil {
		return fmt.Errorf("no planner configured")
	}
	k := kernel.New(journalSink{r.Journal}, r.planner, r.Tools, r.Registry, r.Perm, nil, r.kcfg)
	err := k.Run(ctx, sess)
	r.Perm.ClearSession(sess.ID)
	return err
}

// Start launches the background services.
func (r *Runtime) Start(ctx context.Context) error {
	if r.Scheduler != nil {
		if err := r.Scheduler.Start(ctx); err != nil {
			return err
		}
	}
	if r.Swarm != nil {
		if err := r.Swarm.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop shuts everything down in reverse order.
func (r *Runtime) Stop(ctx context.Context) {
	if r.Swarm != nil {
		r.Swarm.Stop(ctx)
	}
	if r.Scheduler != nil {
		r.Scheduler.Stop()
	}
	if err := r.Journal.Close(); err != nil {
		slog.Warn("journal close", "error", err)
	}
}

// WaitHealthy blocks until background services settle or the timeout lapses.
// Currently a grace period for listener startup.
func (r *Runtime) WaitHealthy(timeout time.Duration) {
	time.Sleep(min(timeout, 250*time.Millisecond))
}
