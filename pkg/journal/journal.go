// Package journal implements the append-only hash-chained event log backing
// every subsystem.
//
// Events are line-delimited JSON on disk. Each record's hash_prev is the hex
// SHA-256 of the canonical JSON of the previous record (zero hash for the
// first), so any contiguous slice of the file can be re-verified offline.
// Writes are serialized through a single appender; readers never block writers.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oldeucryptoboi/karnevil9/pkg/canonical"
	"github.com/oldeucryptoboi/karnevil9/pkg/errkit"
)

// Event is one journal record.
type Event struct {
	EventID   string         `json:"event_id"`
	Timestamp string         `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Seq       uint64         `json:"seq"`
	HashPrev  string         `json:"hash_prev"`
}

// Well-known event types emitted by the journal itself.
const (
	EventDiskWarning  = "journal.disk_warning"
	EventDiskCritical = "journal.disk_critical"
)

// TimestampFormat is RFC 3339 with millisecond precision.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// DiskProbe reports available bytes for the journal's volume.
// A nil probe disables disk-pressure checks.
type DiskProbe func(path string) (availableBytes uint64, err error)

// Options configures a Journal.
type Options struct {
	// Fsync forces a sync after every append.
	Fsync bool

	// WarnThresholdBytes emits journal.disk_warning when free space drops below it.
	WarnThresholdBytes uint64

	// CriticalThresholdBytes rejects further emits below it.
	CriticalThresholdBytes uint64

	// Probe samples free disk space. Nil disables pressure checks.
	Probe DiskProbe

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Journal is the append-only event log.
type Journal struct {
	path string
	opts Options

	mu       sync.Mutex
	file     *os.File
	prevSeq  uint64
	prevHash string
	critical bool
	warned   bool

	subMu   sync.RWMutex
	subs    map[int]*subscriber
	nextSub int
}

type subscriber struct {
	sessionID string // empty means all sessions
	ch        chan *Event
}

// Open opens or creates the journal file and recovers the tail of the chain.
func Open(path string, opts Options) (*Journal, error) {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, errkit.Wrap(errkit.CodeIOError, "open journal", err)
	}

	j := &Journal{
		path:     path,
		opts:     opts,
		file:     file,
		prevHash: canonical.ZeroHash,
		subs:     make(map[int]*subscriber),
	}

	if err := j.recover(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return j, nil
}

// recover scans the existing file to restore prevSeq and prevHash.
func (j *Journal) recover() error {
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return errkit.Wrap(errkit.CodeIOError, "seek journal", err)
	}

	scanner := bufio.NewScanner(j.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var last *Event
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// A torn final line from a crash is tolerated; anything else is not
			// distinguishable here, verification reports it.
			slog.Warn("journal: skipping unparseable line during recovery", "error", err)
			continue
		}
		last = &ev
	}
	if err := scanner.Err(); err != nil {
		return errkit.Wrap(errkit.CodeIOError, "scan journal", err)
	}

	if last != nil {
		j.prevSeq = last.Seq
		hash, err := canonical.Hash(last)
		if err != nil {
			return fmt.Errorf("hash recovered tail: %w", err)
		}
		j.prevHash = hash
	}
	return nil
}

// Emit appends an event. On write failure the in-memory chain state is not
// advanced and the error is fatal for the triggering operation.
func (j *Journal) Emit(sessionID, eventType string, payload map[string]any) (*Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if pressureEvent := j.checkDiskPressure(); pressureEvent != "" {
		if ev, err := j.appendLocked(sessionID, pressureEvent, map[string]any{"path": j.path}); err == nil {
			j.publish(ev)
		}
	}
	if j.critical {
		return nil, errkit.Newf(errkit.CodeIOError, "journal disk space critical, emits rejected")
	}

	ev, err := j.appendLocked(sessionID, eventType, payload)
	if err != nil {
		return nil, err
	}
	j.publish(ev)
	return ev, nil
}

func (j *Journal) appendLocked(sessionID, eventType string, payload map[string]any) (*Event, error) {
	ev := &Event{
		EventID:   uuid.NewString(),
		Timestamp: j.opts.Clock().UTC().Format(TimestampFormat),
		SessionID: sessionID,
		Type:      eventType,
		Payload:   payload,
		Seq:       j.prevSeq + 1,
		HashPrev:  j.prevHash,
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return nil, errkit.Wrap(errkit.CodeIOError, "marshal event", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return nil, errkit.Wrap(errkit.CodeIOError, "append event", err)
	}
	if j.opts.Fsync {
		if err := j.file.Sync(); err != nil {
			return nil, errkit.Wrap(errkit.CodeIOError, "fsync journal", err)
		}
	}

	hash, err := canonical.Hash(ev)
	if err != nil {
		return nil, fmt.Errorf("hash event: %w", err)
	}
	j.prevSeq = ev.Seq
	j.prevHash = hash
	return ev, nil
}

// checkDiskPressure samples free space and returns the pressure event type to
// emit, or empty string. Sets j.critical as a side effect.
func (j *Journal) checkDiskPressure() string {
	if j.opts.Probe == nil {
		return ""
	}
	avail, err := j.opts.Probe(j.path)
	if err != nil {
		return ""
	}
	if j.opts.CriticalThresholdBytes > 0 && avail < j.opts.CriticalThresholdBytes {
		wasCritical := j.critical
		j.critical = true
		j.warned = true
		if wasCritical {
			return ""
		}
		return EventDiskCritical
	}
	j.critical = false
	if j.opts.WarnThresholdBytes > 0 && avail < j.opts.WarnThresholdBytes {
		if j.warned {
			return ""
		}
		j.warned = true
		return EventDiskWarning
	}
	j.warned = false
	return ""
}

// ReadOptions bounds a session read.
type ReadOptions struct {
	Offset int
	Limit  int // zero means unbounded
}

// ReadSession streams events for a session in append order without
// materializing the file.
func (j *Journal) ReadSession(sessionID string, opts ReadOptions) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		file, err := os.Open(j.path)
		if err != nil {
			yield(nil, errkit.Wrap(errkit.CodeIOError, "open journal for read", err))
			return
		}
		defer func() { _ = file.Close() }()

		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

		skipped, emitted := 0, 0
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var ev Event
			if err := json.Unmarshal(line, &ev); err != nil {
				continue
			}
			if sessionID != "" && ev.SessionID != sessionID {
				continue
			}
			if skipped < opts.Offset {
				skipped++
				continue
			}
			if !yield(&ev, nil) {
				return
			}
			emitted++
			if opts.Limit > 0 && emitted >= opts.Limit {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(nil, errkit.Wrap(errkit.CodeIOError, "scan journal", err))
		}
	}
}

// IntegrityReport is the result of VerifyIntegrity.
type IntegrityReport struct {
	Valid          bool    `json:"valid"`
	Records        int     `json:"records"`
	FirstBrokenSeq *uint64 `json:"first_broken_seq,omitempty"`
}

// VerifyIntegrity re-reads the file and recomputes every record's hash_prev
// from its predecessor.
func (j *Journal) VerifyIntegrity() (IntegrityReport, error) {
	file, err := os.Open(j.path)
	if err != nil {
		return IntegrityReport{}, errkit.Wrap(errkit.CodeIOError, "open journal", err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	report := IntegrityReport{Valid: true}
	expected := canonical.ZeroHash
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			seq := uint64(report.Records + 1)
			report.Valid = false
			report.FirstBrokenSeq = &seq
			return report, nil
		}
		if ev.HashPrev != expected {
			seq := ev.Seq
			report.Valid = false
			report.FirstBrokenSeq = &seq
			return report, nil
		}
		hash, err := canonical.Hash(&ev)
		if err != nil {
			return report, fmt.Errorf("hash record %d: %w", ev.Seq, err)
		}
		expected = hash
		report.Records++
	}
	if err := scanner.Err(); err != nil {
		return report, errkit.Wrap(errkit.CodeIOError, "scan journal", err)
	}
	return report, nil
}

// Subscribe registers an observer for future events in append order. An empty
// sessionID subscribes to all sessions. The returned func unsubscribes.
// A slow subscriber only loses its own events; the appender never blocks.
func (j *Journal) Subscribe(sessionID string) (<-chan *Event, func()) {
	j.subMu.Lock()
	defer j.subMu.Unlock()

	id := j.nextSub
	j.nextSub++
	sub := &subscriber{sessionID: sessionID, ch: make(chan *Event, 256)}
	j.subs[id] = sub

	cancel := func() {
		j.subMu.Lock()
		defer j.subMu.Unlock()
		if s, ok := j.subs[id]; ok {
			delete(j.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

func (j *Journal) publish(ev *Event) {
	j.subMu.RLock()
	defer j.subMu.RUnlock()
	for _, sub := range j.subs {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Drop for this subscriber rather than block the appender.
		}
	}
}

// Close closes the journal file. Subscribers are left open; callers own their
// unsubscribe funcs.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
