package fleet

import (
	"testing"
	"time"

	"fleetwatch/internal/model"

	"github.com/stretchr/testify/assert"
)

func TestRecompute(t *testing.T) {
	store := NewStore(StoreConfig{})
	store.ApplySnapshot([]model.ServerRecord{
		{ServerID: "active", LastSeen: t0.Add(-time.Minute)},
		{ServerID: "idle", LastSeen: t0.Add(-time.Hour)},
		{ServerID: "edge", LastSeen: t0.Add(-5 * time.Minute)},
	})

	stats := Recompute(store, t0, 5*time.Minute)
	assert.Equal(t, model.FleetStatistics{TotalServers: 3, ActiveServers: 1, IdleServers: 2}, stats)
}

func TestAggregator_IncrementalIsProvisional(t *testing.T) {
	agg := NewAggregator(0)
	assert.Equal(t, DefaultActivityWindow, agg.Window())

	agg.NoteNewServer(1)
	agg.NoteNewServer(2)

	stats := agg.Current()
	assert.Equal(t, 2, stats.TotalServers)
	assert.Equal(t, 2, stats.ActiveServers)
	assert.True(t, stats.Provisional)
}

func TestAggregator_RecomputeCorrectsDrift(t *testing.T) {
	store := NewStore(StoreConfig{})
	agg := NewAggregator(5 * time.Minute)

	var changes []Change
	store.Subscribe(func(c Change) { changes = append(changes, c) })
	store.ApplyEvent(event("A", "task_started", t0))
	agg.NoteNewServer(changes[0].Version)

	// Ten minutes later A has gone idle but the incremental count still says active
	later := t0.Add(10 * time.Minute)
	assert.Equal(t, 1, agg.Current().ActiveServers)

	stats := agg.Recompute(store, later)
	assert.Equal(t, model.FleetStatistics{TotalServers: 1, ActiveServers: 0, IdleServers: 1}, stats)
	assert.False(t, agg.Current().Provisional)
}

func TestRecompute_EmptyStore(t *testing.T) {
	stats := Recompute(NewStore(StoreConfig{}), t0, time.Minute)
	assert.Equal(t, model.FleetStatistics{}, stats)
}

func TestAggregator_CreationCountedOnce(t *testing.T) {
	store := NewStore(StoreConfig{})
	agg := NewAggregator(5 * time.Minute)

	var changes []Change
	store.Subscribe(func(c Change) { changes = append(changes, c) })

	store.ApplySnapshot([]model.ServerRecord{{ServerID: "A", LastSeen: t0}})
	store.ApplyEvent(event("B", "task_started", t0))

	// The full scan runs before the creation of B is noted
	stats := agg.Recompute(store, t0)
	assert.Equal(t, 2, stats.TotalServers)

	agg.NoteNewServer(changes[1].Version)
	assert.Equal(t, model.FleetStatistics{TotalServers: 2, ActiveServers: 2}, agg.Current())
}

func TestAggregator_NotedCreationSurvivesOlderScan(t *testing.T) {
	store := NewStore(StoreConfig{})
	agg := NewAggregator(5 * time.Minute)

	store.ApplySnapshot([]model.ServerRecord{{ServerID: "A", LastSeen: t0}})
	scanned, version := scan(store, t0, agg.Window())
	assert.Equal(t, 1, scanned.TotalServers)

	// A creation newer than the scan is noted before the scan is applied
	agg.NoteNewServer(version + 1)

	stats := agg.Recompute(store, t0)
	assert.Equal(t, 2, stats.TotalServers)
	assert.True(t, stats.Provisional)

	store.ApplyEvent(event("B", "task_started", t0))
	stats = agg.Recompute(store, t0)
	assert.Equal(t, model.FleetStatistics{TotalServers: 2, ActiveServers: 2}, stats)
}
