package fleet

import (
	"sync"
	"time"

	"fleetwatch/internal/model"
)

// DefaultActivityWindow servers seen within this window are active
const DefaultActivityWindow = 5 * time.Minute

// IsActive reports whether a server last seen at lastSeen is active at now
func IsActive(lastSeen, now time.Time, window time.Duration) bool {
	return now.Sub(lastSeen) < window
}

// Recompute derives fleet statistics from a full scan of the store
func Recompute(store *Store, now time.Time, window time.Duration) model.FleetStatistics {
	stats, _ := scan(store, now, window)
	return stats
}

func scan(store *Store, now time.Time, window time.Duration) (model.FleetStatistics, uint64) {
	stats := model.FleetStatistics{}
	times, version := store.lastSeenTimes()
	for _, lastSeen := range times {
		stats.TotalServers++
		if IsActive(lastSeen, now, window) {
			stats.ActiveServers++
		} else {
			stats.IdleServers++
		}
	}
	return stats, version
}

// Aggregator holds the current fleet statistics.
//
// Two update paths exist: NoteNewServer adjusts the counts when a live event
// introduces an unknown server, and Recompute replaces them with a full scan.
// The incremental path is approximate (servers drifting from active to idle
// are not observed), so it marks the statistics provisional until the next
// full recompute.
//
// Both paths are keyed by store version so a creation is counted once even
// when its notification races a concurrent full scan.
type Aggregator struct {
	mu      sync.RWMutex
	stats   model.FleetStatistics
	window  time.Duration
	scanned uint64   // Store version of the last accepted full scan
	noted   []uint64 // Versions counted incrementally after that scan
}

// NewAggregator creates an aggregator with the given activity window
func NewAggregator(window time.Duration) *Aggregator {
	if window <= 0 {
		window = DefaultActivityWindow
	}
	return &Aggregator{window: window}
}

// Window returns the activity window
func (a *Aggregator) Window() time.Duration {
	return a.window
}

// NoteNewServer counts a server first seen through a live event as active.
// version is the store version of the creating mutation; creations already
// covered by a full scan are ignored.
func (a *Aggregator) NoteNewServer(version uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if version <= a.scanned {
		return
	}
	a.noted = append(a.noted, version)
	a.stats.TotalServers++
	a.stats.ActiveServers++
	a.stats.Provisional = true
}

// Recompute rescans the store and clears the provisional flag. Creations
// noted after the scanned version are carried over; a scan older than the
// last accepted one is discarded.
func (a *Aggregator) Recompute(store *Store, now time.Time) model.FleetStatistics {
	stats, version := scan(store, now, a.window)

	a.mu.Lock()
	defer a.mu.Unlock()
	if version < a.scanned {
		return a.stats
	}

	pending := a.noted[:0]
	for _, v := range a.noted {
		if v > version {
			pending = append(pending, v)
			stats.TotalServers++
			stats.ActiveServers++
			stats.Provisional = true
		}
	}
	a.noted = pending
	a.scanned = version
	a.stats = stats
	return stats
}

// Current returns the current statistics
func (a *Aggregator) Current() model.FleetStatistics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stats
}
