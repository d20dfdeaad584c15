package stream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/model"
	"fleetwatch/pkg/metrics"
)

func setupRedisSource(t *testing.T) (*RedisSource, *redis.Client, *metrics.Metrics) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	m := metrics.NewMetrics(prometheus.NewRegistry())
	source := NewRedisSource(client, "app_database_", m)
	t.Cleanup(func() { source.Close() })
	return source, client, m
}

func collect(events chan model.StatusEvent) func(model.StatusEvent) {
	return func(evt model.StatusEvent) {
		events <- evt
	}
}

func receive(t *testing.T, events chan model.StatusEvent) model.StatusEvent {
	t.Helper()
	select {
	case evt := <-events:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status event")
		return model.StatusEvent{}
	}
}

func TestRedisSourceDeliversStatusEvents(t *testing.T) {
	source, client, _ := setupRedisSource(t)
	ctx := context.Background()
	events := make(chan model.StatusEvent, 4)

	require.NoError(t, source.Subscribe(ctx, "gpu", collect(events)))

	require.NoError(t, client.Publish(ctx, "app_database_gpu",
		`{"event":"client-status-update","data":{"server_uuid":"srv-1","event":"task_started","timestamp":"2025-03-01T12:00:00Z"},"socket":null}`).Err())

	evt := receive(t, events)
	assert.Equal(t, "srv-1", evt.ServerID)
	assert.Equal(t, "task_started", evt.Kind)
	assert.False(t, evt.TimestampSubstituted)
	assert.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), evt.Timestamp.UTC())
}

func TestRedisSourceAcceptsStringData(t *testing.T) {
	source, client, _ := setupRedisSource(t)
	ctx := context.Background()
	events := make(chan model.StatusEvent, 4)

	require.NoError(t, source.Subscribe(ctx, "gpu", collect(events)))
	require.NoError(t, client.Publish(ctx, "app_database_gpu",
		`{"event":".client-status-update","data":"{\"server_uuid\":\"srv-2\",\"event\":\"task_progress\"}"}`).Err())

	evt := receive(t, events)
	assert.Equal(t, "srv-2", evt.ServerID)
	assert.True(t, evt.TimestampSubstituted)
}

func TestRedisSourceDropsMalformedEvents(t *testing.T) {
	source, client, m := setupRedisSource(t)
	ctx := context.Background()
	events := make(chan model.StatusEvent, 4)

	require.NoError(t, source.Subscribe(ctx, "gpu", collect(events)))

	require.NoError(t, client.Publish(ctx, "app_database_gpu", `not json`).Err())
	require.NoError(t, client.Publish(ctx, "app_database_gpu",
		`{"event":"client-status-update","data":{"event":"task_started"}}`).Err())
	require.NoError(t, client.Publish(ctx, "app_database_gpu",
		`{"event":"presence-joined","data":{}}`).Err())
	require.NoError(t, client.Publish(ctx, "app_database_gpu",
		`{"event":"client-status-update","data":{"server_uuid":"srv-3","event":"error"}}`).Err())

	evt := receive(t, events)
	assert.Equal(t, "srv-3", evt.ServerID)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues(metrics.DropMalformed)))
}

func TestRedisSourceUnsubscribe(t *testing.T) {
	source, client, m := setupRedisSource(t)
	ctx := context.Background()

	require.NoError(t, source.Subscribe(ctx, "gpu", func(model.StatusEvent) {}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamConnected))

	err := source.Subscribe(ctx, "gpu", func(model.StatusEvent) {})
	require.Error(t, err)

	require.NoError(t, source.Unsubscribe("gpu"))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StreamConnected))
	assert.NoError(t, source.Unsubscribe("gpu"))

	require.Eventually(t, func() bool {
		counts := client.PubSubNumSub(ctx, "app_database_gpu").Val()
		return counts["app_database_gpu"] == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRedisSourceSubscribeFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	source := NewRedisSource(client, "", nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := source.Subscribe(ctx, "gpu", func(model.StatusEvent) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscription to gpu failed")
}
