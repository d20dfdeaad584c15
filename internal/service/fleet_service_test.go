package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/model"
	"fleetwatch/pkg/backend"
	"fleetwatch/pkg/config"
)

const testTopic = "backend-gpu-server-processing"

func newTestService(t *testing.T, fetcher *fakeFetcher, token string) (*FleetService, *fakeSource) {
	t.Helper()
	source := newFakeSource()
	cfg := config.DefaultFleetConfig()
	svc := NewFleetService(cfg, fetcher, source, NewSession(token), testTopic, nil)
	t.Cleanup(svc.Stop)
	return svc, source
}

func statusEvent(server, kind string, ts time.Time) model.StatusEvent {
	return model.StatusEvent{ServerID: server, Kind: kind, Timestamp: ts, ReceivedAt: ts}
}

func snapshotRecord(server string, lastSeen time.Time, count int64) model.ServerRecord {
	return model.ServerRecord{
		ServerID:      server,
		FirstSeen:     lastSeen.Add(-time.Hour),
		LastSeen:      lastSeen,
		LastEventKind: "task_completed",
		MessageCount:  count,
		Messages:      []model.StatusEvent{statusEvent(server, "task_completed", lastSeen)},
	}
}

func receiveUpdate(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return u
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
		return Update{}
	}
}

func TestFleetServiceColdStart(t *testing.T) {
	now := time.Now()
	fetcher := &fakeFetcher{roster: &model.Roster{
		Servers: []model.ServerRecord{
			snapshotRecord("srv-a", now.Add(-time.Minute), 10),
			snapshotRecord("srv-b", now.Add(-time.Hour), 3),
		},
		Statistics: &model.FleetStatistics{TotalServers: 5},
	}}
	svc, source := newTestService(t, fetcher, "token")

	svc.Start(context.Background())

	assert.Equal(t, 20, fetcher.lastLimit)
	assert.True(t, source.subscribed(testTopic))

	roster := svc.Roster()
	require.Len(t, roster.Servers, 2)
	assert.Equal(t, "srv-a", roster.Servers[0].ServerID)
	assert.True(t, roster.Servers[0].Active)
	assert.False(t, roster.Servers[1].Active)
	assert.Equal(t, 2, roster.Statistics.TotalServers)
	assert.Equal(t, 1, roster.Statistics.ActiveServers)
	assert.Equal(t, 1, roster.Statistics.IdleServers)
	assert.False(t, roster.Statistics.Provisional)
	require.NotNil(t, roster.Reported)
	assert.Equal(t, 5, roster.Reported.TotalServers)
	assert.True(t, roster.Status.Live)
	assert.NotNil(t, roster.Status.LastRefresh)
}

func TestFleetServiceColdStartWithoutSession(t *testing.T) {
	fetcher := &fakeFetcher{}
	svc, source := newTestService(t, fetcher, "")

	svc.Start(context.Background())
	assert.Equal(t, 0, fetcher.rosterCalls)
	assert.False(t, source.subscribed(testTopic))

	require.NoError(t, svc.StartSession(context.Background(), "token"))
	assert.Equal(t, 1, fetcher.rosterCalls)
	assert.True(t, source.subscribed(testTopic))
	assert.True(t, svc.Status().Session)
}

func TestFleetServiceLiveEventCreatesServer(t *testing.T) {
	svc, source := newTestService(t, &fakeFetcher{}, "token")
	svc.Start(context.Background())

	updates, cancel := svc.Watch(context.Background(), "roster")
	defer cancel()

	require.True(t, source.emit(testTopic, statusEvent("srv-new", "task_started", time.Now())))

	u := receiveUpdate(t, updates)
	assert.Equal(t, UpdateServer, u.Type)
	require.NotNil(t, u.Data)
	assert.Equal(t, "srv-new", u.Data.ServerID)
	assert.Equal(t, int64(1), u.Data.MessageCount)
	assert.Equal(t, 1, u.Statistics.TotalServers)
	assert.Equal(t, 1, u.Statistics.ActiveServers)
	assert.True(t, u.Statistics.Provisional)

	stats := svc.RecomputeStatistics()
	assert.False(t, stats.Provisional)
	assert.Equal(t, 1, stats.TotalServers)
}

func TestFleetServiceRefreshFailureKeepsState(t *testing.T) {
	now := time.Now()
	fetcher := &fakeFetcher{roster: &model.Roster{Servers: []model.ServerRecord{snapshotRecord("srv-a", now, 1)}}}
	svc, _ := newTestService(t, fetcher, "token")
	ctx := context.Background()

	require.NoError(t, svc.Refresh(ctx))

	fetcher.rosterErr = &backend.FetchError{StatusCode: 500, Message: "Server exploded", Err: errors.New("500")}
	err := svc.Refresh(ctx)
	require.Error(t, err)

	roster := svc.Roster()
	assert.Len(t, roster.Servers, 1)
	assert.Equal(t, "Server exploded", roster.Status.LastError)

	fetcher.rosterErr = nil
	require.NoError(t, svc.Refresh(ctx))
	assert.Empty(t, svc.Status().LastError)
}

func TestFleetServiceSnapshotDoesNotRegress(t *testing.T) {
	now := time.Now()
	fetcher := &fakeFetcher{roster: &model.Roster{Servers: []model.ServerRecord{snapshotRecord("srv-a", now.Add(-10*time.Minute), 50)}}}
	svc, source := newTestService(t, fetcher, "token")
	svc.Start(context.Background())

	source.emit(testTopic, statusEvent("srv-a", "task_started", now))
	require.NoError(t, svc.Refresh(context.Background()))

	view, ok := svc.Server("srv-a")
	require.True(t, ok)
	assert.Equal(t, "task_started", view.LastEventKind)
	assert.Equal(t, int64(51), view.MessageCount)
	assert.True(t, view.LastSeen.Equal(now))
}

func TestFleetServiceRefreshServer(t *testing.T) {
	now := time.Now()
	fetcher := &fakeFetcher{servers: map[string]model.ServerRecord{"srv-a": snapshotRecord("srv-a", now, 4)}}
	svc, _ := newTestService(t, fetcher, "token")
	ctx := context.Background()

	view, err := svc.RefreshServer(ctx, "srv-a")
	require.NoError(t, err)
	assert.Equal(t, int64(4), view.MessageCount)
	assert.Equal(t, 100, fetcher.lastLimit)
	assert.Equal(t, "success", view.Tone)

	fetcher.serverErr = errors.New("network down")
	view, err = svc.RefreshServer(ctx, "srv-a")
	require.NoError(t, err)
	assert.Equal(t, "srv-a", view.ServerID)

	_, err = svc.RefreshServer(ctx, "srv-unknown")
	assert.Error(t, err)
}

func TestFleetServiceDedupe(t *testing.T) {
	source := newFakeSource()
	cfg := config.DefaultFleetConfig()
	cfg.DedupeEvents = true
	svc := NewFleetService(cfg, &fakeFetcher{}, source, NewSession("token"), testTopic, nil)
	defer svc.Stop()
	svc.Start(context.Background())

	evt := statusEvent("srv-a", "task_progress", time.Now())
	evt.TaskID = "t-1"
	source.emit(testTopic, evt)
	source.emit(testTopic, evt)

	view, ok := svc.Server("srv-a")
	require.True(t, ok)
	assert.Equal(t, int64(1), view.MessageCount)
}

func TestFleetServiceWatchLifecycle(t *testing.T) {
	svc, source := newTestService(t, &fakeFetcher{}, "token")
	ctx := context.Background()

	updates, cancel := svc.Watch(ctx, "detail")
	assert.True(t, source.subscribed(testTopic))
	assert.Equal(t, 1, svc.Status().Views)

	cancel()
	cancel()
	_, ok := <-updates
	assert.False(t, ok)
	assert.False(t, source.subscribed(testTopic))
	assert.Equal(t, 0, svc.Status().Views)
}

func TestFleetServiceWatchReplacesView(t *testing.T) {
	svc, source := newTestService(t, &fakeFetcher{}, "token")
	ctx := context.Background()

	first, cancelFirst := svc.Watch(ctx, "roster")
	second, cancelSecond := svc.Watch(ctx, "roster")

	_, ok := <-first
	assert.False(t, ok)
	assert.Equal(t, 1, svc.Status().Views)

	cancelFirst()
	assert.True(t, source.subscribed(testTopic))

	source.emit(testTopic, statusEvent("srv-a", "task_started", time.Now()))
	assert.Equal(t, "srv-a", receiveUpdate(t, second).Data.ServerID)

	cancelSecond()
	assert.False(t, source.subscribed(testTopic))
}

func TestFleetServiceLogoutStopsLiveUpdates(t *testing.T) {
	svc, source := newTestService(t, &fakeFetcher{}, "token")
	ctx := context.Background()
	svc.Start(ctx)

	svc.EndSession(ctx)
	assert.False(t, source.subscribed(testTopic))
	status := svc.Status()
	assert.False(t, status.Session)
	assert.False(t, status.Live)

	require.NoError(t, svc.StartSession(ctx, "token-2"))
	assert.True(t, source.subscribed(testTopic))
}

func TestFleetServiceSubscriptionFailureIsReported(t *testing.T) {
	fetcher := &fakeFetcher{}
	source := newFakeSource()
	source.failNext = errors.New("forbidden")
	svc := NewFleetService(config.DefaultFleetConfig(), fetcher, source, NewSession("token"), testTopic, nil)
	defer svc.Stop()

	svc.Start(context.Background())

	status := svc.Status()
	assert.False(t, status.Live)
	assert.Equal(t, "Live updates unavailable", status.LastError)

	require.NoError(t, svc.ResumeLiveUpdates(context.Background()))
	assert.True(t, source.subscribed(testTopic))
	status = svc.Status()
	assert.True(t, status.Live)
	assert.Empty(t, status.LastError)

	subscribes, _ := source.counts()
	require.NoError(t, svc.ResumeLiveUpdates(context.Background()))
	again, _ := source.counts()
	assert.Equal(t, subscribes, again)
}

func TestFleetServiceProvision(t *testing.T) {
	fetcher := &fakeFetcher{provision: &model.ProvisionResult{Message: "Provisioning started"}}
	svc, _ := newTestService(t, fetcher, "token")

	res, err := svc.Provision(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Provisioning started", res.Message)

	fetcher.provisionErr = &backend.FetchError{StatusCode: 422, Message: backend.MsgProvisionFailed, Err: errors.New("422")}
	_, err = svc.Provision(context.Background())
	assert.Error(t, err)
}

type recordingNotifier struct {
	events chan model.StatusEvent
}

func (n *recordingNotifier) NotifyFailure(_ context.Context, evt model.StatusEvent) error {
	n.events <- evt
	return nil
}

func TestFleetServiceNotifiesFailures(t *testing.T) {
	svc, source := newTestService(t, &fakeFetcher{}, "token")
	notifier := &recordingNotifier{events: make(chan model.StatusEvent, 4)}
	svc.SetNotifier(notifier)
	svc.Start(context.Background())

	source.emit(testTopic, statusEvent("srv-a", "task_completed", time.Now()))
	source.emit(testTopic, statusEvent("srv-a", "task_failed", time.Now()))

	select {
	case evt := <-notifier.events:
		assert.Equal(t, "task_failed", evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("no failure alert")
	}
	assert.Len(t, notifier.events, 0)
}
