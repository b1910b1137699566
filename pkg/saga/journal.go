package saga

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// JournalEntry records a completed step and the state it produced.
type JournalEntry struct {
	Step        string          `json:"step"`
	State       json.RawMessage `json:"state,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

type Compensation struct {
	Step          string    `json:"step"`
	CompensatedAt time.Time `json:"compensated_at"`
}

type journalDocument struct {
	Entries     []JournalEntry `json:"entries"`
	Compensated []Compensation `json:"compensated,omitempty"`
}

// Journal is the append-only log of completed steps for one execution, plus
// the set of entries that have since been compensated. Entries are never
// rewritten.
type Journal struct {
	mu          sync.RWMutex
	entries     []JournalEntry
	compensated []Compensation
}

func NewJournal(entries ...JournalEntry) *Journal {
	j := &Journal{}
	j.entries = append(j.entries, entries...)
	return j
}

// DecodeJournal restores a journal persisted with MarshalJSON. Empty input
// yields an empty journal.
func DecodeJournal(data []byte) (*Journal, error) {
	j := NewJournal()
	if len(data) == 0 || string(data) == "null" {
		return j, nil
	}
	var doc journalDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode journal: %w", err)
	}
	j.entries = doc.Entries
	j.compensated = doc.Compensated
	return j, nil
}

func (j *Journal) MarshalJSON() ([]byte, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	entries := j.entries
	if entries == nil {
		entries = []JournalEntry{}
	}
	return json.Marshal(journalDocument{Entries: entries, Compensated: j.compensated})
}

// Append records a completed step. state may be nil.
func (j *Journal) Append(step string, state any) (JournalEntry, error) {
	entry := JournalEntry{Step: step, CompletedAt: time.Now().UTC()}
	if state != nil {
		data, err := json.Marshal(state)
		if err != nil {
			return JournalEntry{}, fmt.Errorf("encode state of step %q: %w", step, err)
		}
		entry.State = data
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.indexLocked(step) >= 0 {
		return JournalEntry{}, fmt.Errorf("%w: %q already recorded", ErrDuplicateStep, step)
	}
	j.entries = append(j.entries, entry)
	return entry, nil
}

func (j *Journal) Entries() []JournalEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]JournalEntry, len(j.entries))
	copy(out, j.entries)
	return out
}

func (j *Journal) Compensations() []Compensation {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Compensation, len(j.compensated))
	copy(out, j.compensated)
	return out
}

func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries)
}

func (j *Journal) Completed(step string) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.indexLocked(step) >= 0
}

func (j *Journal) Compensated(step string) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.compensatedLocked(step)
}

// Outstanding returns the completed entries not yet compensated, most recent first.
func (j *Journal) Outstanding() []JournalEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]JournalEntry, 0, len(j.entries))
	for i := len(j.entries) - 1; i >= 0; i-- {
		if !j.compensatedLocked(j.entries[i].Step) {
			out = append(out, j.entries[i])
		}
	}
	return out
}

// Since returns a journal holding only the entries after the first n.
func (j *Journal) Since(n int) *Journal {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if n >= len(j.entries) {
		return NewJournal()
	}
	return NewJournal(j.entries[n:]...)
}

// Lookup decodes the state recorded for step into v. It reports false when
// the step has not completed or recorded no state.
func (j *Journal) Lookup(step string, v any) (bool, error) {
	j.mu.RLock()
	idx := j.indexLocked(step)
	var state json.RawMessage
	if idx >= 0 {
		state = j.entries[idx].State
	}
	j.mu.RUnlock()

	if len(state) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(state, v); err != nil {
		return false, fmt.Errorf("decode state of step %q: %w", step, err)
	}
	return true, nil
}

func (j *Journal) markCompensated(step string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.compensatedLocked(step) {
		return
	}
	j.compensated = append(j.compensated, Compensation{Step: step, CompensatedAt: time.Now().UTC()})
}

func (j *Journal) indexLocked(step string) int {
	for i := range j.entries {
		if j.entries[i].Step == step {
			return i
		}
	}
	return -1
}

func (j *Journal) compensatedLocked(step string) bool {
	for _, c := range j.compensated {
		if c.Step == step {
			return true
		}
	}
	return false
}
