package scheduler

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/oldeucryptoboi/karnevil9/pkg/errkit"
)

// Store persists schedules as JSON lines with atomic rename on save.
// Malformed lines are skipped on load.
type Store struct {
	path string
}

// NewStore creates a store at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads every well-formed schedule from disk.
func (s *Store) Load() ([]*Schedule, error) {
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errkit.Wrap(errkit.CodeIOError, "open schedule store", err)
	}
	defer func() { _ = file.Close() }()

	var schedules []*Schedule
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var sched Schedule
		if err := json.Unmarshal(line, &sched); err != nil {
			slog.Warn("schedule store: skipping malformed line", "error", err)
			continue
		}
		schedules = append(schedules, &sched)
	}
	if err := scanner.Err(); err != nil {
		return nil, errkit.Wrap(errkit.CodeIOError, "scan schedule store", err)
	}
	return schedules, nil
}

// Save writes the full schedule set: temp file, fsync, rename.
func (s *Store) Save(schedules []*Schedule) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".schedules-*")
	if err != nil {
		return errkit.Wrap(errkit.CodeIOError, "create temp store", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	writer := bufio.NewWriter(tmp)
	for _, sched := range schedules {
		line, err := json.Marshal(sched)
		if err != nil {
			_ = tmp.Close()
			return errkit.Wrap(errkit.CodeIOError, "marshal schedule", err)
		}
		if _, err := writer.Write(append(line, '\n')); err != nil {
			_ = tmp.Close()
			return errkit.Wrap(errkit.CodeIOError, "write schedule", err)
		}
	}
	if err := writer.Flush(); err != nil {
		_ = tmp.Close()
		return errkit.Wrap(errkit.CodeIOError, "flush schedule store", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errkit.Wrap(errkit.CodeIOError, "fsync schedule store", err)
	}
	if err := tmp.Close(); err != nil {
		return errkit.Wrap(errkit.CodeIOError, "close schedule store", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return errkit.Wrap(errkit.CodeIOError, "rename schedule store", err)
	}
	return nil
}
