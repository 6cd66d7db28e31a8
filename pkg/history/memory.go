package history

import (
	"context"
	"slices"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

const (
	defaultMaxRuns    = 100
	defaultMaxEntries = 1000
)

// MemoryStore is a bounded in-process [Store]. The oldest runs are evicted
// once MaxRuns is exceeded, and each run keeps at most MaxEntries entries.
type MemoryStore struct {
	maxRuns    int
	maxEntries int

	mu      sync.Mutex
	runs    []Run // oldest first
	entries map[string][]Entry
}

// NewMemoryStore creates a MemoryStore. Non-positive limits select the
// defaults of 100 runs and 1000 entries per run.
func NewMemoryStore(maxRuns, maxEntries int) *MemoryStore {
	if maxRuns <= 0 {
		maxRuns = defaultMaxRuns
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &MemoryStore{
		maxRuns:    maxRuns,
		maxEntries: maxEntries,
		entries:    make(map[string][]Entry),
	}
}

// StartRun implements [Store].
func (s *MemoryStore) StartRun(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	for len(s.runs) > s.maxRuns {
		delete(s.entries, s.runs[0].ID)
		s.runs = s.runs[1:]
	}
	return nil
}

// EndRun implements [Store].
func (s *MemoryStore) EndRun(_ context.Context, runID string, endedAt time.Time, stopErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(runID)
	if i < 0 {
		return ErrRunNotFound
	}
	s.runs[i].EndedAt = endedAt
	s.runs[i].StopError = stopErr
	return nil
}

// WriteEntry implements [Store]. Entries of unknown runs are rejected with
// [ErrRunNotFound].
func (s *MemoryStore) WriteEntry(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(entry.RunID) < 0 {
		return ErrRunNotFound
	}
	entry.Payload = slices.Clone(entry.Payload)
	es := append(s.entries[entry.RunID], entry)
	if over := len(es) - s.maxEntries; over > 0 {
		es = slices.Delete(es, 0, over)
	}
	s.entries[entry.RunID] = es
	return nil
}

// Runs implements [Store].
func (s *MemoryStore) Runs(_ context.Context, limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.runs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Run, 0, n)
	for i := len(s.runs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.runs[i])
	}
	return out, nil
}

// Entries implements [Store].
func (s *MemoryStore) Entries(_ context.Context, runID string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(runID) < 0 {
		return nil, ErrRunNotFound
	}
	es := s.entries[runID]
	if limit > 0 && limit < len(es) {
		es = es[len(es)-limit:]
	}
	out := make([]Entry, len(es))
	copy(out, es)
	return out, nil
}

func (s *MemoryStore) indexLocked(runID string) int {
	return slices.IndexFunc(s.runs, func(r Run) bool { return r.ID == runID })
}
