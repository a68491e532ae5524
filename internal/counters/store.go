// Package counters persists per-trigger consecutive breach/resolve counts
// and the per-subscription last-update watermark in an external fast store.
// Counters are a resume cache, not a source of truth: losing them only
// re-accumulates hysteresis.
package counters

import (
	"context"
	"fmt"
	"time"
)

// TTL bounds storage for abandoned rules. Seven days.
const TTL = 604800 * time.Second

const (
	statLastUpdate = "last_update"
	statAlert      = "alert_triggered"
	statResolve    = "resolve_triggered"
)

// Store is the counter persistence contract. Implementations must tolerate
// concurrent load/save of the same keys from separate processes; the lost
// increment race is accepted (a lost increment delays hysteresis by one
// cycle, it never corrupts incident identity).
type Store interface {
	Load(ctx context.Context, ruleID, projectID int64, triggerIDs []int64) (*Snapshot, error)
	Save(ctx context.Context, ruleID, projectID int64, snap *Snapshot) error
}

// Snapshot holds the counters loaded for one (rule, subscription) evaluation
// pass. Save writes back only the entries that changed since Load.
type Snapshot struct {
	LastUpdate    time.Time
	AlertCounts   map[int64]int
	ResolveCounts map[int64]int

	loadedLastUpdate time.Time
	loadedAlert      map[int64]int
	loadedResolve    map[int64]int
}

// NewSnapshot builds an empty snapshot with zeroed counters for the given
// triggers. Used by in-memory evaluation tests and by stores on cold keys.
func NewSnapshot(triggerIDs []int64) *Snapshot {
	s := &Snapshot{
		AlertCounts:   make(map[int64]int, len(triggerIDs)),
		ResolveCounts: make(map[int64]int, len(triggerIDs)),
		loadedAlert:   make(map[int64]int, len(triggerIDs)),
		loadedResolve: make(map[int64]int, len(triggerIDs)),
	}
	for _, id := range triggerIDs {
		s.AlertCounts[id] = 0
		s.ResolveCounts[id] = 0
	}
	return s
}

// markLoaded records the baseline used to diff on Save.
func (s *Snapshot) markLoaded() {
	s.loadedLastUpdate = s.LastUpdate
	s.loadedAlert = make(map[int64]int, len(s.AlertCounts))
	for id, c := range s.AlertCounts {
		s.loadedAlert[id] = c
	}
	s.loadedResolve = make(map[int64]int, len(s.ResolveCounts))
	for id, c := range s.ResolveCounts {
		s.loadedResolve[id] = c
	}
}

// ResetAll zeroes every trigger counter. Used when an update is inconclusive
// so partial hysteresis never accumulates on bad data.
func (s *Snapshot) ResetAll() {
	for id := range s.AlertCounts {
		s.AlertCounts[id] = 0
	}
	for id := range s.ResolveCounts {
		s.ResolveCounts[id] = 0
	}
}

// changed returns the dirty subsets relative to the loaded baseline.
func (s *Snapshot) changed() (lastUpdate bool, alert, resolve map[int64]int) {
	alert = make(map[int64]int)
	resolve = make(map[int64]int)
	for id, c := range s.AlertCounts {
		if base, ok := s.loadedAlert[id]; !ok || base != c {
			alert[id] = c
		}
	}
	for id, c := range s.ResolveCounts {
		if base, ok := s.loadedResolve[id]; !ok || base != c {
			resolve[id] = c
		}
	}
	return !s.LastUpdate.Equal(s.loadedLastUpdate), alert, resolve
}

// Key layout matches the upstream wire format so counters survive a
// processor swap:
//
//	{rule_id}:project:{project_id}:{stat}
//	{rule_id}:project:{project_id}:trigger:{trigger_id}:{stat}
func ruleKey(ruleID, projectID int64, stat string) string {
	return fmt.Sprintf("%d:project:%d:%s", ruleID, projectID, stat)
}

func triggerKey(ruleID, projectID, triggerID int64, stat string) string {
	return fmt.Sprintf("%d:project:%d:trigger:%d:%s", ruleID, projectID, triggerID, stat)
}
