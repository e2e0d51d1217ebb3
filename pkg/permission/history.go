package permission

import (
	"fmt"
	"time"

	"github.com/oldeucryptoboi/karnevil9/pkg/journal"
)

// JournalHistory implements History by streaming the journal with a verified
// read. Conditional grants evaluated through it cannot be widened by
// poisoning in-process counters: the hash chain is checked before counts are
// trusted.
type JournalHistory struct {
	journal *journal.Journal
}

// NewJournalHistory wraps a journal as a permission history source.
func NewJournalHistory(j *journal.Journal) *JournalHistory {
	return &JournalHistory{journal: j}
}

// CountChecked counts permission.checked events for the scope since the given
// time, after verifying the chain.
func (h *JournalHistory) CountChecked(sessionID, scopeStr string, since time.Time) (int, error) {
	report, err := h.journal.VerifyIntegrity()
	if err != nil {
		return 0, err
	}
	if !report.Valid {
		return 0, fmt.Errorf("journal integrity broken at seq %v", report.FirstBrokenSeq)
	}

	count := 0
	for ev, err := range h.journal.ReadSession(sessionID, journal.ReadOptions{}) {
		if err != nil {
			return 0, err
		}
		if ev.Type != EventChecked {
			continue
		}
		if sc, _ := ev.Payload["scope"].(string); sc != scopeStr {
			continue
		}
		ts, err := time.Parse(journal.TimestampFormat, ev.Timestamp)
		if err != nil {
			continue
		}
		if ts.Before(since) {
			continue
		}
		count++
	}
	return count, nil
}
