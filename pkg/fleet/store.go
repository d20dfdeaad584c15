// Package fleet holds the in-memory fleet state of GPU servers: the store that
// merges live status events with REST snapshots, the statistics derived from it
// and the read-only projections rendered by dashboard views.
package fleet

import (
	"strconv"
	"sync"
	"time"

	"fleetwatch/internal/model"
)

// DefaultHistoryLimit is the number of messages kept per server
const DefaultHistoryLimit = 100

// ChangeKind identifies what mutated the store
type ChangeKind string

const (
	ChangeEvent    ChangeKind = "event"
	ChangeSnapshot ChangeKind = "snapshot"
)

// Change describes one completed store mutation
type Change struct {
	Kind      ChangeKind
	ServerIDs []string // Servers whose record changed
	Created   []string // Subset of ServerIDs that did not exist before
	Version   uint64   // Store version after the mutation
}

// ApplyResult outcome of ApplyEvent
type ApplyResult struct {
	Created   bool
	Duplicate bool // Dropped by deduplication, nothing changed
}

// SnapshotResult outcome of ApplySnapshot
type SnapshotResult struct {
	Replaced []string // Local record replaced by the snapshot
	Added    []string // Server unknown before the snapshot
	Kept     []string // Local record was fresher, snapshot ignored
	Skipped  int      // Records without a server id
}

// StoreConfig store configuration
type StoreConfig struct {
	HistoryLimit int  // Messages kept per server
	DedupeEvents bool // Drop exact redeliveries before counting
	DedupeWindow int  // Fingerprints remembered when deduping
}

// Store is the fleet state: a map from server id to its aggregated record.
// All mutations run to completion under the store lock; listeners are
// notified after the lock is released.
type Store struct {
	mu           sync.RWMutex
	servers      map[string]*serverEntry
	historyLimit int
	dedupe       *fingerprintWindow
	version      uint64

	listenerMu sync.RWMutex
	listeners  map[int]func(Change)
	nextID     int

	now func() time.Time
}

// NewStore creates an empty store
func NewStore(cfg StoreConfig) *Store {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	s := &Store{
		servers:      make(map[string]*serverEntry),
		historyLimit: cfg.HistoryLimit,
		listeners:    make(map[int]func(Change)),
		now:          time.Now,
	}
	if cfg.DedupeEvents {
		s.dedupe = newFingerprintWindow(cfg.DedupeWindow)
	}
	return s
}

// HistoryLimit returns the per-server message bound
func (s *Store) HistoryLimit() int {
	return s.historyLimit
}

// ApplyEvent merges one live event into the store.
// A missing timestamp is replaced by the receipt time.
// last_seen only moves forward, so after an out-of-order event it can be
// newer than last_event_timestamp.
func (s *Store) ApplyEvent(evt model.StatusEvent) ApplyResult {
	if evt.ServerID == "" {
		return ApplyResult{}
	}
	evt = s.normalizeEvent(evt)

	s.mu.Lock()
	if s.dedupe != nil && !evt.TimestampSubstituted && !s.dedupe.add(fingerprint(evt)) {
		s.mu.Unlock()
		return ApplyResult{Duplicate: true}
	}

	ts := evt.Timestamp
	entry, exists := s.servers[evt.ServerID]
	if !exists {
		entry = &serverEntry{
			record: model.ServerRecord{
				ServerID:  evt.ServerID,
				FirstSeen: ts,
				LastSeen:  ts,
			},
			history: newEventRing(s.historyLimit),
		}
		s.servers[evt.ServerID] = entry
	}
	rec := &entry.record
	if exists {
		// last_seen never moves backwards, first_seen never moves forwards
		if ts.After(rec.LastSeen) {
			rec.LastSeen = ts
		}
		if ts.Before(rec.FirstSeen) {
			rec.FirstSeen = ts
		}
	}
	rec.LastEventKind = evt.Kind
	rec.LastEventTimestamp = ts
	rec.MessageCount++
	entry.history.push(evt)
	s.version++
	version := s.version
	s.mu.Unlock()

	change := Change{Kind: ChangeEvent, ServerIDs: []string{evt.ServerID}, Version: version}
	if !exists {
		change.Created = []string{evt.ServerID}
	}
	s.notify(change)

	return ApplyResult{Created: !exists}
}

// ApplySnapshot merges a REST snapshot. A local record with a newer
// last_seen is kept; otherwise the snapshot record replaces it wholesale.
// Servers absent from the snapshot are retained.
func (s *Store) ApplySnapshot(records []model.ServerRecord) SnapshotResult {
	var result SnapshotResult

	s.mu.Lock()
	for i := range records {
		incoming := records[i]
		if incoming.ServerID == "" {
			result.Skipped++
			continue
		}

		local, exists := s.servers[incoming.ServerID]
		if exists && local.record.LastSeen.After(incoming.LastSeen) {
			result.Kept = append(result.Kept, incoming.ServerID)
			continue
		}

		s.servers[incoming.ServerID] = s.entryFromSnapshot(incoming)
		if exists {
			result.Replaced = append(result.Replaced, incoming.ServerID)
		} else {
			result.Added = append(result.Added, incoming.ServerID)
		}
	}
	s.version++
	version := s.version
	s.mu.Unlock()

	changed := make([]string, 0, len(result.Replaced)+len(result.Added))
	changed = append(changed, result.Replaced...)
	changed = append(changed, result.Added...)
	s.notify(Change{Kind: ChangeSnapshot, ServerIDs: changed, Created: result.Added, Version: version})

	return result
}

// GetServer returns a copy of one server record
func (s *Store) GetServer(id string) (*model.ServerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.servers[id]
	if !ok {
		return nil, false
	}
	rec := entry.snapshot()
	return &rec, true
}

// ListServers returns copies of all server records in no particular order
func (s *Store) ListServers() []model.ServerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ServerRecord, 0, len(s.servers))
	for _, entry := range s.servers {
		out = append(out, entry.snapshot())
	}
	return out
}

// Len returns the number of known servers
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.servers)
}

// lastSeenTimes returns last_seen of every server without copying
// histories, together with the store version the scan reflects
func (s *Store) lastSeenTimes() ([]time.Time, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]time.Time, 0, len(s.servers))
	for _, entry := range s.servers {
		out = append(out, entry.record.LastSeen)
	}
	return out, s.version
}

// Subscribe registers a change listener and returns its removal function.
// Listeners run on the mutating goroutine and must not block.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.listenerMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenerMu.Unlock()

	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}

func (s *Store) notify(change Change) {
	if len(change.ServerIDs) == 0 {
		return
	}
	s.listenerMu.RLock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.RUnlock()

	for _, fn := range fns {
		fn(change)
	}
}

func (s *Store) normalizeEvent(evt model.StatusEvent) model.StatusEvent {
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = s.now().UTC()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = evt.ReceivedAt
		evt.TimestampSubstituted = true
	}
	return evt
}

func (s *Store) entryFromSnapshot(in model.ServerRecord) *serverEntry {
	history := newEventRing(s.historyLimit)
	history.fill(in.Messages)

	rec := in
	rec.Messages = nil
	if rec.MessageCount < int64(history.len()) {
		rec.MessageCount = int64(history.len())
	}
	if rec.FirstSeen.IsZero() || rec.FirstSeen.After(rec.LastSeen) {
		rec.FirstSeen = rec.LastSeen
	}
	return &serverEntry{record: rec, history: history}
}

// serverEntry is the stored form of a ServerRecord; Messages live in history
type serverEntry struct {
	record  model.ServerRecord
	history *eventRing
}

func (e *serverEntry) snapshot() model.ServerRecord {
	rec := e.record
	rec.Messages = e.history.newestFirst()
	return rec
}

// eventRing is a fixed-capacity circular buffer of events
type eventRing struct {
	buf    []model.StatusEvent
	newest int
	limit  int
}

func newEventRing(limit int) *eventRing {
	return &eventRing{limit: limit, newest: -1}
}

func (r *eventRing) len() int {
	return len(r.buf)
}

func (r *eventRing) push(evt model.StatusEvent) {
	if len(r.buf) < r.limit {
		r.buf = append(r.buf, evt)
		r.newest = len(r.buf) - 1
		return
	}
	r.newest = (r.newest + 1) % r.limit
	r.buf[r.newest] = evt
}

// fill loads a newest-first history, keeping the newest limit entries
func (r *eventRing) fill(newestFirst []model.StatusEvent) {
	if len(newestFirst) > r.limit {
		newestFirst = newestFirst[:r.limit]
	}
	for i := len(newestFirst) - 1; i >= 0; i-- {
		r.push(newestFirst[i])
	}
}

func (r *eventRing) newestFirst() []model.StatusEvent {
	n := len(r.buf)
	out := make([]model.StatusEvent, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.newest-i+n)%n]
	}
	return out
}

func fingerprint(evt model.StatusEvent) string {
	return evt.ServerID + "|" + evt.Kind + "|" + strconv.FormatInt(evt.Timestamp.UnixNano(), 10) + "|" + evt.TaskID
}

// fingerprintWindow remembers the last n fingerprints
type fingerprintWindow struct {
	seen  map[string]struct{}
	ring  []string
	next  int
	limit int
}

func newFingerprintWindow(limit int) *fingerprintWindow {
	if limit <= 0 {
		limit = 1024
	}
	return &fingerprintWindow{
		seen:  make(map[string]struct{}, limit),
		ring:  make([]string, 0, limit),
		limit: limit,
	}
}

// add records fp and reports whether it was new
func (w *fingerprintWindow) add(fp string) bool {
	if _, ok := w.seen[fp]; ok {
		return false
	}
	if len(w.ring) < w.limit {
		w.ring = append(w.ring, fp)
	} else {
		delete(w.seen, w.ring[w.next])
		w.ring[w.next] = fp
		w.next = (w.next + 1) % w.limit
	}
	w.seen[fp] = struct{}{}
	return true
}
