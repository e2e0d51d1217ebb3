// Package monitor watches delegated tasks: checkpoint polling on the
// originator side, and redelegation tracking with cooldowns.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CheckpointStatus is a peer's answer to a status poll.
type CheckpointStatus struct {
	TaskID      string  `json:"task_id"`
	State       string  `json:"state"` // running | completed | failed
	ProgressPct float64 `json:"progress_pct,omitempty"`
}

// IsTerminal reports whether polling should stop.
func (c CheckpointStatus) IsTerminal() bool {
	return c.State == "completed" || c.State == "failed"
}

// StatusPoller fetches a task's checkpoint status from its peer. Implemented
// by the swarm transport client.
type StatusPoller interface {
	TaskStatus(ctx context.Context, peerNodeID, taskID string) (CheckpointStatus, error)
}

// MissedHandler is notified when a task exceeds its missed-checkpoint budget.
type MissedHandler func(taskID, peerNodeID string)

// TerminalHandler is notified when a watched task reaches a terminal state.
type TerminalHandler func(taskID, peerNodeID string, status CheckpointStatus)

// TaskMonitor polls checkpoint status for active delegations.
type TaskMonitor struct {
	poller     StatusPoller
	onMissed   MissedHandler
	onTerminal TerminalHandler

	mu      sync.Mutex
	watches map[string]*watch
}

type watch struct {
	taskID     string
	peerNodeID string
	interval   time.Duration
	maxMissed  int
	cancel     context.CancelFunc
	done       chan struct{}

	mu       sync.Mutex
	missed   int
	lastSeen CheckpointStatus
}

// NewTaskMonitor creates a monitor. Handlers may be nil.
func NewTaskMonitor(poller StatusPoller, onMissed MissedHandler, onTerminal TerminalHandler) *TaskMonitor {
	return &TaskMonitor{
		poller:     poller,
		onMissed:   onMissed,
		onTerminal: onTerminal,
		watches:    make(map[string]*watch),
	}
}

// Watch begins polling a delegated task every interval. maxMissed
// consecutive poll failures (or explicit missed outcomes) trigger the missed
// handler. Monitoring stops automatically at a terminal status.
func (m *TaskMonitor) Watch(ctx context.Context, taskID, peerNodeID string, interval time.Duration, maxMissed int) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if maxMissed <= 0 {
		maxMissed = 3
	}

	m.mu.Lock()
	if _, exists := m.watches[taskID]; exists {
		m.mu.Unlock()
		return
	}
	watchCtx, cancel := context.WithCancel(ctx)
	w := &watch{
		taskID:     taskID,
		peerNodeID: peerNodeID,
		interval:   interval,
		maxMissed:  maxMissed,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	m.watches[taskID] = w
	m.mu.Unlock()

	go m.loop(watchCtx, w)
}

// Stop cancels the watch for a task.
func (m *TaskMonitor) Stop(taskID string) {
	m.mu.Lock()
	w, ok := m.watches[taskID]
	if ok {
		delete(m.watches, taskID)
	}
	m.mu.Unlock()
	if ok {
		w.cancel()
		<-w.done
	}
}

// Watching reports whether the task is still monitored.
func (m *TaskMonitor) Watching(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[taskID]
	return ok
}

// LastStatus returns the most recent checkpoint for a task.
func (m *TaskMonitor) LastStatus(taskID string) (CheckpointStatus, bool) {
	m.mu.Lock()
	w, ok := m.watches[taskID]
	m.mu.Unlock()
	if !ok {
		return CheckpointStatus{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeen, w.lastSeen.TaskID != ""
}

func (m *TaskMonitor) loop(ctx context.Context, w *watch) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.pollOnce(ctx, w) {
				m.remove(w.taskID)
				return
			}
		}
	}
}

// pollOnce performs one status poll. Returns true when monitoring should end.
func (m *TaskMonitor) pollOnce(ctx context.Context, w *watch) bool {
	status, err := m.poller.TaskStatus(ctx, w.peerNodeID, w.taskID)

	w.mu.Lock()
	if err != nil || status.State == "" {
		w.missed++
		missed := w.missed
		w.mu.Unlock()
		slog.Debug("checkpoint poll failed", "task", w.taskID, "peer", w.peerNodeID, "missed", missed, "error", err)
		if missed >= w.maxMissed {
			if m.onMissed != nil {
				m.onMissed(w.taskID, w.peerNodeID)
			}
			return true
		}
		return false
	}

	w.missed = 0
	w.lastSeen = status
	w.mu.Unlock()

	if status.IsTerminal() {
		if m.onTerminal != nil {
			m.onTerminal(w.taskID, w.peerNodeID, status)
		}
		return true
	}
	return false
}

func (m *TaskMonitor) remove(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watches, taskID)
}
