package fcache

import (
	"context"
	"sync"
)

type journalEntry struct {
	tags     []string
	priority int
}

var _ Journal = &MemoryJournal{}

// MemoryJournal is an in-process tag and priority index.
//
// It lives and dies with the process, which is fine for single-process
// deployments and tests; use SQLiteJournal when the index must survive
// restarts together with the cache files.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries map[string]journalEntry
}

// NewMemoryJournal creates an in-process journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		entries: map[string]journalEntry{},
	}
}

// Write indexes the key by the tags and priority of deps, replacing any
// previous index for the same key.
func (j *MemoryJournal) Write(_ context.Context, key string, deps Dependencies) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries[key] = journalEntry{
		tags:     append([]string(nil), deps.Tags...),
		priority: deps.Priority,
	}

	return nil
}

// Clean returns the keys matching cond and drops them from the index.
func (j *MemoryJournal) Clean(_ context.Context, cond CleanConditions) ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if cond.All {
		keys := make([]string, 0, len(j.entries))
		for key := range j.entries {
			keys = append(keys, key)
		}

		j.entries = map[string]journalEntry{}

		return keys, nil
	}

	var keys []string

	for key, e := range j.entries {
		if !matchEntry(e, cond) {
			continue
		}

		keys = append(keys, key)
	}

	for _, key := range keys {
		delete(j.entries, key)
	}

	return keys, nil
}

// matchEntry applies tag/priority conditions: any listed tag selects an
// entry, a priority bound filters the selection, and a bare priority bound
// selects on its own.
func matchEntry(e journalEntry, cond CleanConditions) bool {
	if cond.Priority > 0 && (e.priority <= 0 || e.priority > cond.Priority) {
		return false
	}

	if len(cond.Tags) == 0 {
		return cond.Priority > 0
	}

	for _, t := range cond.Tags {
		for _, et := range e.tags {
			if t == et {
				return true
			}
		}
	}

	return false
}

// Len returns the number of indexed keys.
func (j *MemoryJournal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return len(j.entries)
}
