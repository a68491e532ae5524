package counters

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests. It mirrors the Redis key
// layout, including per-key expiry, so key-format bugs surface in unit tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time

	// SaveCalls counts Save invocations that wrote at least one key.
	SaveCalls int
}

type memoryEntry struct {
	value     int64
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// SetClock overrides the expiry clock for TTL tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) get(key string) (int64, bool) {
	entry, ok := s.entries[key]
	if !ok || s.now().After(entry.expiresAt) {
		return 0, false
	}
	return entry.value, true
}

func (s *MemoryStore) Load(_ context.Context, ruleID, projectID int64, triggerIDs []int64) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := NewSnapshot(triggerIDs)
	if secs, ok := s.get(ruleKey(ruleID, projectID, statLastUpdate)); ok {
		snap.LastUpdate = time.Unix(secs, 0).UTC()
	}
	for _, id := range triggerIDs {
		if n, ok := s.get(triggerKey(ruleID, projectID, id, statAlert)); ok {
			snap.AlertCounts[id] = int(n)
		}
		if n, ok := s.get(triggerKey(ruleID, projectID, id, statResolve)); ok {
			snap.ResolveCounts[id] = int(n)
		}
	}
	snap.markLoaded()
	return snap, nil
}

func (s *MemoryStore) Save(_ context.Context, ruleID, projectID int64, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirtyLast, alert, resolve := snap.changed()
	if !dirtyLast && len(alert) == 0 && len(resolve) == 0 {
		return nil
	}

	expiry := s.now().Add(TTL)
	if dirtyLast {
		s.entries[ruleKey(ruleID, projectID, statLastUpdate)] = memoryEntry{snap.LastUpdate.Unix(), expiry}
	}
	for id, c := range alert {
		s.entries[triggerKey(ruleID, projectID, id, statAlert)] = memoryEntry{int64(c), expiry}
	}
	for id, c := range resolve {
		s.entries[triggerKey(ruleID, projectID, id, statResolve)] = memoryEntry{int64(c), expiry}
	}
	s.SaveCalls++
	snap.markLoaded()
	return nil
}

// Len reports live (unexpired) keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.entries {
		if _, ok := s.get(key); ok {
			n++
		}
	}
	return n
}
