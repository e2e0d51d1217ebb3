package permission

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// rateBucket is the per-(session, scope) fixed-window counter.
type rateBucket struct {
	tokens      int
	windowStart time.Time
	maxCalls    int
	window      time.Duration
}

// consume takes one token, resetting the window when it has elapsed.
// Reports whether a token was available.
func (b *rateBucket) consume(now time.Time) bool {
	if now.Sub(b.windowStart) >= b.window {
		b.windowStart = now
		b.tokens = 0
	}
	if b.tokens >= b.maxCalls {
		return false
	}
	b.tokens++
	return true
}

// timeBound restricts a grant to a window following each cron fire.
type timeBound struct {
	expression string
	window     time.Duration
	schedule   cron.Schedule
	location   *time.Location
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func newTimeBound(expression string, window time.Duration, timezone string) (*timeBound, error) {
	loc := time.Local
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, err
		}
	}
	schedule, err := cronParser.Parse(expression)
	if err != nil {
		return nil, err
	}
	return &timeBound{expression: expression, window: window, schedule: schedule, location: loc}, nil
}

// satisfied reports whether now falls within the window after the most recent
// cron fire: there must be a fire f with now − f < window, i.e. the next fire
// after (now − window) is not after now.
func (t *timeBound) satisfied(now time.Time) bool {
	local := now.In(t.location)
	next := t.schedule.Next(local.Add(-t.window))
	return !next.After(local)
}

// conditionKey indexes the side tables.
type conditionKey struct {
	sessionID string
	scope     string
}

// conditionTable holds the per-(session, scope) rate buckets and time bounds.
type conditionTable struct {
	mu      sync.Mutex
	buckets map[conditionKey]*rateBucket
	bounds  map[conditionKey]*timeBound

	// bySession supports O(1) clearSession.
	bySession map[string][]conditionKey
}

func newConditionTable() *conditionTable {
	return &conditionTable{
		buckets:   make(map[conditionKey]*rateBucket),
		bounds:    make(map[conditionKey]*timeBound),
		bySession: make(map[string][]conditionKey),
	}
}

func (c *conditionTable) setBucket(sessionID, scope string, maxCalls int, window time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := conditionKey{sessionID, scope}
	c.buckets[key] = &rateBucket{windowStart: now, maxCalls: maxCalls, window: window}
	c.bySession[sessionID] = append(c.bySession[sessionID], key)
}

func (c *conditionTable) setBound(sessionID, scope string, bound *timeBound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := conditionKey{sessionID, scope}
	c.bounds[key] = bound
	c.bySession[sessionID] = append(c.bySession[sessionID], key)
}

// check evaluates and consumes the conditions for one granted scope.
// All configured conditions must pass.
func (c *conditionTable) check(sessionID, scope string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := conditionKey{sessionID, scope}
	if bucket, ok := c.buckets[key]; ok {
		if !bucket.consume(now) {
			return false
		}
	}
	if bound, ok := c.bounds[key]; ok {
		if !bound.satisfied(now) {
			return false
		}
	}
	return true
}

// checkBoundOnly evaluates only the time bound, used when the rate side was
// already decided against the journal.
func (c *conditionTable) checkBoundOnly(sessionID, scope string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bound, ok := c.bounds[conditionKey{sessionID, scope}]; ok {
		return bound.satisfied(now)
	}
	return true
}

// bucketConfig returns the rate parameters for a scope, if any.
func (c *conditionTable) bucketConfig(sessionID, scope string) (rateBucket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.buckets[conditionKey{sessionID, scope}]; ok {
		return *b, true
	}
	return rateBucket{}, false
}

// isConditional reports whether the scope carries a rate bucket or time bound.
func (c *conditionTable) isConditional(sessionID, scope string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := conditionKey{sessionID, scope}
	_, hasBucket := c.buckets[key]
	_, hasBound := c.bounds[key]
	return hasBucket || hasBound
}

func (c *conditionTable) clearSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.bySession[sessionID] {
		delete(c.buckets, key)
		delete(c.bounds, key)
	}
	delete(c.bySession, sessionID)
}
