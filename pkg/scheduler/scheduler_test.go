package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSink struct {
	mu     sync.Mutex
	events []string
	fail   bool
}

func (s *countingSink) Emit(sessionID, eventType string, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink unavailable")
	}
	s.events = append(s.events, eventType)
	return nil
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"PT30S", 30 * time.Second, false},
		{"PT5M", 5 * time.Minute, false},
		{"P1DT2H", 26 * time.Hour, false},
		{"5m", 5 * time.Minute, false},
		{"90s", 90 * time.Second, false},
		{"", 0, true},
		{"P", 0, true},
		{"bogus", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseInterval(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseInterval(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseInterval(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestCronNextStrictlyIncreases(t *testing.T) {
	trig := Trigger{Type: TriggerCron, Expression: "*/5 * * * *", Timezone: "UTC"}
	require.NoError(t, trig.Validate())

	now := time.Date(2025, 6, 2, 9, 3, 0, 0, time.UTC)
	prev := trig.Next(now)
	for i := 0; i < 10; i++ {
		next := trig.Next(prev)
		assert.True(t, next.After(prev), "next fire %v must be after %v", next, prev)
		prev = next
	}
}

func TestEveryAnchoredToStartAt(t *testing.T) {
	anchor := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	trig := Trigger{Type: TriggerEvery, Interval: "PT10M", StartAt: anchor}

	next := trig.Next(anchor.Add(25 * time.Minute))
	assert.Equal(t, anchor.Add(30*time.Minute), next)

	// Before the anchor, the anchor itself is the first fire.
	next = trig.Next(anchor.Add(-time.Hour))
	assert.Equal(t, anchor, next)
}

func TestAtFiresOnceThenDone(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	sink := &countingSink{}
	s := New(Config{TickInterval: time.Hour}, nil, nil, sink)
	s.SetClock(func() time.Time { return now })

	_, err := s.Create("one-shot", Trigger{Type: TriggerAt, At: now.Add(time.Minute)},
		Job{Type: JobEmitEvent, EventType: "reminder.fired"}, MissedSkip, 0)
	require.NoError(t, err)

	s.Tick(context.Background())
	assert.Equal(t, 0, sink.count())

	now = now.Add(2 * time.Minute)
	s.Tick(context.Background())
	assert.Equal(t, 1, sink.count())

	sched := s.List()[0]
	assert.Equal(t, ScheduleDone, sched.Status)

	now = now.Add(time.Hour)
	s.Tick(context.Background())
	assert.Equal(t, 1, sink.count(), "one-shot must not fire again")
}

func TestMissedFireSkip(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 30, 0, time.UTC)
	sink := &countingSink{}
	s := New(Config{}, nil, nil, sink)
	s.SetClock(func() time.Time { return now })

	_, err := s.Create("minutely", Trigger{Type: TriggerEvery, Interval: "PT1M", StartAt: now},
		Job{Type: JobEmitEvent, EventType: "tick"}, MissedSkip, 0)
	require.NoError(t, err)

	// Clock jumps an hour: skip fires once (the due slot) and moves next
	// strictly past now.
	now = now.Add(time.Hour)
	s.Tick(context.Background())
	assert.Equal(t, 1, sink.count())

	sched := s.List()[0]
	assert.True(t, sched.NextRunAt.After(now))
}

func TestMissedFireCatchupAll(t *testing.T) {
	start := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	now := start
	sink := &countingSink{}
	s := New(Config{}, nil, nil, sink)
	s.SetClock(func() time.Time { return now })

	_, err := s.Create("minutely", Trigger{Type: TriggerEvery, Interval: "PT1M", StartAt: start.Add(time.Minute)},
		Job{Type: JobEmitEvent, EventType: "tick"}, MissedCatchupAll, 0)
	require.NoError(t, err)

	// Five slots elapse before the next tick.
	now = start.Add(5*time.Minute + time.Second)
	s.Tick(context.Background())
	assert.Equal(t, 5, sink.count())
}

func TestFailureCountTransitionsToFailed(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	sink := &countingSink{fail: true}
	s := New(Config{}, nil, nil, sink)
	s.SetClock(func() time.Time { return now })

	_, err := s.Create("flaky", Trigger{Type: TriggerEvery, Interval: "PT1M", StartAt: now},
		Job{Type: JobEmitEvent, EventType: "tick"}, MissedSkip, 2)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		now = now.Add(61 * time.Second)
		s.Tick(context.Background())
	}
	sched := s.List()[0]
	assert.Equal(t, ScheduleFailed, sched.Status)

	// A failed schedule stops firing.
	before := sched.FailureCount
	now = now.Add(5 * time.Minute)
	s.Tick(context.Background())
	assert.Equal(t, before, s.List()[0].FailureCount)
}

func TestCreateSessionJobInvokesFactory(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	var tasks []string
	factory := func(ctx context.Context, taskText, mode string, constraints map[string]any) error {
		tasks = append(tasks, taskText)
		return nil
	}
	s := New(Config{}, nil, factory, nil)
	s.SetClock(func() time.Time { return now })

	_, err := s.Create("daily report", Trigger{Type: TriggerAt, At: now.Add(time.Second)},
		Job{Type: JobCreateSession, TaskText: "summarize yesterday", Mode: "mock"}, MissedSkip, 0)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	s.Tick(context.Background())
	assert.Equal(t, []string{"summarize yesterday"}, tasks)
}

func TestStoreRoundTripAndMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.jsonl")
	store := NewStore(path)

	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	schedules := []*Schedule{
		{ID: "a", Trigger: Trigger{Type: TriggerEvery, Interval: "PT1M", StartAt: now}, Job: Job{Type: JobEmitEvent, EventType: "x"}, Status: ScheduleActive, NextRunAt: now, CreatedAt: now},
		{ID: "b", Trigger: Trigger{Type: TriggerCron, Expression: "0 9 * * *"}, Job: Job{Type: JobCreateSession, TaskText: "t"}, Status: SchedulePaused, NextRunAt: now, CreatedAt: now},
	}
	require.NoError(t, store.Save(schedules))

	// Corrupt the file with a malformed line.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, loaded, 2, "malformed lines are skipped")
}

func TestPersistedSchedulesSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.jsonl")
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	s1 := New(Config{StorePath: path}, NewStore(path), nil, &countingSink{})
	s1.SetClock(func() time.Time { return now })
	created, err := s1.Create("survivor", Trigger{Type: TriggerCron, Expression: "0 * * * *", Timezone: "UTC"},
		Job{Type: JobEmitEvent, EventType: "hourly"}, MissedSkip, 0)
	require.NoError(t, err)

	s2 := New(Config{StorePath: path}, NewStore(path), nil, &countingSink{})
	require.NoError(t, s2.Start(context.Background()))
	defer s2.Stop()

	got, err := s2.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "survivor", got.Name)
}
