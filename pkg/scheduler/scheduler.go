package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oldeucryptoboi/karnevil9/pkg/errkit"
)

// MissedFirePolicy selects the catch-up behavior after downtime or clock
// jumps.
type MissedFirePolicy string

const (
	// MissedSkip moves next_run_at to the first time strictly after now.
	MissedSkip MissedFirePolicy = "skip"

	// MissedCatchupOne fires once for any number of missed slots.
	MissedCatchupOne MissedFirePolicy = "catchup_one"

	// MissedCatchupAll fires for every missed slot, capped.
	MissedCatchupAll MissedFirePolicy = "catchup_all"
)

// catchupCap bounds catchup_all fires per schedule per recovery.
const catchupCap = 100

// JobType selects what a schedule does when it fires.
type JobType string

const (
	// JobCreateSession submits a task through the host's SessionFactory.
	JobCreateSession JobType = "createSession"

	// JobEmitEvent appends an event to the journal.
	JobEmitEvent JobType = "emitEvent"
)

// Job is the schedule's action.
type Job struct {
	Type JobType `json:"type" yaml:"type"`

	// createSession
	TaskText    string         `json:"task_text,omitempty" yaml:"task_text,omitempty"`
	Mode        string         `json:"mode,omitempty" yaml:"mode,omitempty"`
	Constraints map[string]any `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Agentic     bool           `json:"agentic,omitempty" yaml:"agentic,omitempty"`

	// emitEvent
	EventType string         `json:"event_type,omitempty" yaml:"event_type,omitempty"`
	Payload   map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
	SessionID string         `json:"session_id,omitempty" yaml:"session_id,omitempty"`
}

// ScheduleStatus is a schedule's lifecycle state.
type ScheduleStatus string

const (
	ScheduleActive ScheduleStatus = "active"
	SchedulePaused ScheduleStatus = "paused"
	ScheduleDone   ScheduleStatus = "done"
	ScheduleFailed ScheduleStatus = "failed"
)

// Schedule is one persisted scheduled job.
type Schedule struct {
	ID               string           `json:"id"`
	Name             string           `json:"name,omitempty"`
	Trigger          Trigger          `json:"trigger"`
	Job              Job              `json:"job"`
	MissedFirePolicy MissedFirePolicy `json:"missed_fire_policy,omitempty"`
	MaxFailures      int              `json:"max_failures,omitempty"`

	Status       ScheduleStatus `json:"status"`
	NextRunAt    time.Time      `json:"next_run_at"`
	LastRunAt    time.Time      `json:"last_run_at,omitempty"`
	FailureCount int            `json:"failure_count,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// SessionFactory is the host hook invoked by createSession jobs.
type SessionFactory func(ctx context.Context, taskText, mode string, constraints map[string]any) error

// EventSink receives emitEvent job payloads.
type EventSink interface {
	Emit(sessionID, eventType string, payload map[string]any) error
}

// Config tunes the scheduler.
type Config struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	StorePath    string        `yaml:"store_path"`
}

// Scheduler ticks every TickInterval and fires due schedules.
type Scheduler struct {
	cfg     Config
	store   *Store
	factory SessionFactory
	sink    EventSink
	clock   func() time.Time

	mu        sync.Mutex
	schedules map[string]*Schedule
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a scheduler. store may be nil for in-memory operation.
func New(cfg Config, store *Store, factory SessionFactory, sink EventSink) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Scheduler{
		cfg:       cfg,
		store:     store,
		factory:   factory,
		sink:      sink,
		clock:     time.Now,
		schedules: make(map[string]*Schedule),
	}
}

// SetClock overrides time.Now, for tests.
func (s *Scheduler) SetClock(clock func() time.Time) { s.clock = clock }

// Start loads persisted schedules and begins ticking.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}

	if s.store != nil {
		loaded, err := s.store.Load()
		if err != nil {
			s.mu.Unlock()
			return err
		}
		for _, sched := range loaded {
			s.schedules[sched.ID] = sched
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.mu.Unlock()

	go s.loop(runCtx)
	return nil
}

// Stop halts the tick loop and persists state.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.persist()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Create validates and registers a schedule.
func (s *Scheduler) Create(name string, trigger Trigger, job Job, policy MissedFirePolicy, maxFailures int) (*Schedule, error) {
	if err := trigger.Validate(); err != nil {
		return nil, err
	}
	if policy == "" {
		policy = MissedSkip
	}
	now := s.clock()
	sched := &Schedule{
		ID:               uuid.NewString(),
		Name:             name,
		Trigger:          trigger,
		Job:              job,
		MissedFirePolicy: policy,
		MaxFailures:      maxFailures,
		Status:           ScheduleActive,
		NextRunAt:        trigger.Next(now),
		CreatedAt:        now,
	}
	if sched.NextRunAt.IsZero() {
		return nil, errkit.New(errkit.CodeScheduleInvalid, "trigger has no future fire time")
	}

	s.mu.Lock()
	s.schedules[sched.ID] = sched
	s.mu.Unlock()
	s.persist()
	return sched, nil
}

// Get returns a schedule by id.
func (s *Scheduler) Get(id string) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, errkit.Newf(errkit.CodeScheduleNotFound, "schedule %s not found", id)
	}
	return sched, nil
}

// List returns all schedules.
func (s *Scheduler) List() []*Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, sched)
	}
	return out
}

// Delete removes a schedule.
func (s *Scheduler) Delete(id string) error {
	s.mu.Lock()
	_, ok := s.schedules[id]
	delete(s.schedules, id)
	s.mu.Unlock()
	if !ok {
		return errkit.Newf(errkit.CodeScheduleNotFound, "schedule %s not found", id)
	}
	s.persist()
	return nil
}

// Pause stops a schedule from firing without deleting it.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return errkit.Newf(errkit.CodeScheduleNotFound, "schedule %s not found", id)
	}
	sched.Status = SchedulePaused
	return nil
}

// Resume reactivates a paused schedule, skipping missed slots.
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return errkit.Newf(errkit.CodeScheduleNotFound, "schedule %s not found", id)
	}
	sched.Status = ScheduleActive
	sched.NextRunAt = sched.Trigger.Next(s.clock())
	return nil
}

// Tick advances every active schedule once. Exposed for tests and for hosts
// driving the scheduler manually.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock()

	s.mu.Lock()
	var due []*Schedule
	for _, sched := range s.schedules {
		if sched.Status != ScheduleActive || sched.NextRunAt.IsZero() {
			continue
		}
		if !sched.NextRunAt.After(now) {
			due = append(due, sched)
		}
	}
	s.mu.Unlock()

	for _, sched := range due {
		s.fireDue(ctx, sched, now)
	}
	if len(due) > 0 {
		s.persist()
	}
}

// fireDue fires a due schedule honoring its missed-fire policy, then advances
// next_run_at.
func (s *Scheduler) fireDue(ctx context.Context, sched *Schedule, now time.Time) {
	fires := 1
	if sched.MissedFirePolicy == MissedCatchupAll {
		// Count missed slots between the stored next_run_at and now.
		missed := 0
		cursor := sched.NextRunAt
		for !cursor.IsZero() && !cursor.After(now) && missed < catchupCap {
			missed++
			cursor = sched.Trigger.Next(cursor)
		}
		fires = missed
	}

	for i := 0; i < fires; i++ {
		if err := s.runJob(ctx, sched); err != nil {
			sched.FailureCount++
			slog.Warn("scheduled job failed", "schedule", sched.ID, "failures", sched.FailureCount, "error", err)
			if sched.MaxFailures > 0 && sched.FailureCount >= sched.MaxFailures {
				sched.Status = ScheduleFailed
				return
			}
		} else {
			sched.FailureCount = 0
		}
	}

	sched.LastRunAt = now
	sched.NextRunAt = sched.Trigger.Next(now)
	if sched.NextRunAt.IsZero() {
		sched.Status = ScheduleDone
	}
}

func (s *Scheduler) runJob(ctx context.Context, sched *Schedule) error {
	switch sched.Job.Type {
	case JobCreateSession:
		if s.factory == nil {
			return errkit.New(errkit.CodeNoRuntime, "no session factory configured")
		}
		return s.factory(ctx, sched.Job.TaskText, sched.Job.Mode, sched.Job.Constraints)
	case JobEmitEvent:
		if s.sink == nil {
			return errkit.New(errkit.CodeNoRuntime, "no event sink configured")
		}
		return s.sink.Emit(sched.Job.SessionID, sched.Job.EventType, sched.Job.Payload)
	default:
		return errkit.Newf(errkit.CodeScheduleInvalid, "unknown job type %q", sched.Job.Type)
	}
}

func (s *Scheduler) persist() {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	schedules := make([]*Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		schedules = append(schedules, sched)
	}
	s.mu.Unlock()
	if err := s.store.Save(schedules); err != nil {
		slog.Error("schedule store save failed", "error", err)
	}
}
