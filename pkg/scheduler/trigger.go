// Package scheduler fires scheduled jobs deterministically: one-shot `at`
// triggers, repeating `every` intervals, and standard 5-field cron
// expressions.
package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oldeucryptoboi/karnevil9/pkg/errkit"
)

// TriggerType selects the schedule shape.
type TriggerType string

const (
	TriggerAt    TriggerType = "at"
	TriggerEvery TriggerType = "every"
	TriggerCron  TriggerType = "cron"
)

// Trigger defines when a schedule fires.
type Trigger struct {
	Type TriggerType `json:"type" yaml:"type"`

	// at
	At time.Time `json:"at,omitempty" yaml:"at,omitempty"`

	// every: ISO-8601 duration (PT5M) or Go duration (5m).
	Interval string    `json:"interval,omitempty" yaml:"interval,omitempty"`
	StartAt  time.Time `json:"start_at,omitempty" yaml:"start_at,omitempty"`

	// cron: standard 5-field expression.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
	Timezone   string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks the trigger definition.
func (t Trigger) Validate() error {
	switch t.Type {
	case TriggerAt:
		if t.At.IsZero() {
			return errkit.New(errkit.CodeScheduleInvalid, "at trigger requires an instant")
		}
	case TriggerEvery:
		if _, err := ParseInterval(t.Interval); err != nil {
			return errkit.Wrap(errkit.CodeScheduleInvalid, "bad interval", err)
		}
	case TriggerCron:
		if _, err := cronParser.Parse(t.Expression); err != nil {
			return errkit.Wrap(errkit.CodeScheduleInvalid, "bad cron expression", err)
		}
		if t.Timezone != "" {
			if _, err := time.LoadLocation(t.Timezone); err != nil {
				return errkit.Wrap(errkit.CodeScheduleInvalid, "bad timezone", err)
			}
		}
	default:
		return errkit.Newf(errkit.CodeScheduleInvalid, "unknown trigger type %q", t.Type)
	}
	return nil
}

// Next returns the first fire time strictly after the given instant, or zero
// when the trigger has no further fires.
func (t Trigger) Next(after time.Time) time.Time {
	switch t.Type {
	case TriggerAt:
		if t.At.After(after) {
			return t.At
		}
		return time.Time{}
	case TriggerEvery:
		interval, err := ParseInterval(t.Interval)
		if err != nil || interval <= 0 {
			return time.Time{}
		}
		anchor := t.StartAt
		if anchor.IsZero() {
			anchor = after
		}
		if anchor.After(after) {
			return anchor
		}
		elapsed := after.Sub(anchor)
		periods := elapsed/interval + 1
		return anchor.Add(periods * interval)
	case TriggerCron:
		schedule, err := cronParser.Parse(t.Expression)
		if err != nil {
			return time.Time{}
		}
		loc := time.Local
		if t.Timezone != "" {
			if l, lerr := time.LoadLocation(t.Timezone); lerr == nil {
				loc = l
			}
		}
		return schedule.Next(after.In(loc))
	}
	return time.Time{}
}

var isoDurationPattern = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseInterval accepts an ISO-8601 duration (PT30S, PT5M, P1DT2H) or a Go
// duration string (30s, 5m).
func ParseInterval(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty interval")
	}
	if strings.HasPrefix(s, "P") {
		m := isoDurationPattern.FindStringSubmatch(s)
		if m == nil {
			return 0, fmt.Errorf("malformed ISO-8601 duration %q", s)
		}
		var d time.Duration
		if m[1] != "" {
			days, _ := strconv.Atoi(m[1])
			d += time.Duration(days) * 24 * time.Hour
		}
		if m[2] != "" {
			hours, _ := strconv.Atoi(m[2])
			d += time.Duration(hours) * time.Hour
		}
		if m[3] != "" {
			minutes, _ := strconv.Atoi(m[3])
			d += time.Duration(minutes) * time.Minute
		}
		if m[4] != "" {
			seconds, _ := strconv.ParseFloat(m[4], 64)
			d += time.Duration(seconds * float64(time.Second))
		}
		if d == 0 {
			return 0, fmt.Errorf("zero duration %q", s)
		}
		return d, nil
	}
	return time.ParseDuration(s)
}
