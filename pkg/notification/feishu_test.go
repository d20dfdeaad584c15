package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch/internal/model"
	"fleetwatch/pkg/config"
)

func newTestNotifier(t *testing.T, status int) (*FeishuNotifier, *int32, chan map[string]interface{}) {
	t.Helper()
	var calls int32
	bodies := make(chan map[string]interface{}, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		bodies <- body
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)

	n := NewFeishuNotifier(config.NotificationConfig{FeishuWebhookURL: server.URL, Cooldown: time.Minute})
	return n, &calls, bodies
}

func failure(server string) model.StatusEvent {
	return model.StatusEvent{
		ServerID:  server,
		Kind:      "task_failed",
		TaskID:    "t-1",
		TaskType:  "image",
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Details:   map[string]interface{}{"error": "CUDA out of memory"},
	}
}

func TestNotifyFailure(t *testing.T) {
	n, calls, bodies := newTestNotifier(t, http.StatusOK)

	require.NoError(t, n.NotifyFailure(context.Background(), failure("srv-1")))
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))

	body := <-bodies
	assert.Equal(t, "interactive", body["msg_type"])
	raw, _ := json.Marshal(body)
	assert.Contains(t, string(raw), "srv-1")
	assert.Contains(t, string(raw), "t-1 (image)")
	assert.Contains(t, string(raw), "CUDA out of memory")
}

func TestNotifyFailureIgnoresOtherEvents(t *testing.T) {
	n, calls, _ := newTestNotifier(t, http.StatusOK)

	evt := failure("srv-1")
	evt.Kind = "task_completed"
	require.NoError(t, n.NotifyFailure(context.Background(), evt))
	assert.Equal(t, int32(0), atomic.LoadInt32(calls))
}

func TestNotifyFailureCooldown(t *testing.T) {
	n, calls, _ := newTestNotifier(t, http.StatusOK)
	now := time.Now()
	n.now = func() time.Time { return now }

	require.NoError(t, n.NotifyFailure(context.Background(), failure("srv-1")))
	require.NoError(t, n.NotifyFailure(context.Background(), failure("srv-1")))
	require.NoError(t, n.NotifyFailure(context.Background(), failure("srv-2")))
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))

	now = now.Add(2 * time.Minute)
	require.NoError(t, n.NotifyFailure(context.Background(), failure("srv-1")))
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestNotifyFailureDeliveryErrorRetries(t *testing.T) {
	n, calls, _ := newTestNotifier(t, http.StatusInternalServerError)

	assert.Error(t, n.NotifyFailure(context.Background(), failure("srv-1")))
	assert.Error(t, n.NotifyFailure(context.Background(), failure("srv-1")))
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestNotifierDisabled(t *testing.T) {
	n := NewFeishuNotifier(config.NotificationConfig{})
	assert.False(t, n.Enabled())
	assert.NoError(t, n.NotifyFailure(context.Background(), failure("srv-1")))
}

func TestNotifyFailureSharedCooldown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	first, calls, _ := newTestNotifier(t, http.StatusOK)
	second := NewFeishuNotifier(config.NotificationConfig{FeishuWebhookURL: first.webhookURL, Cooldown: time.Minute})
	first.WithRedis(client)
	second.WithRedis(client)

	require.NoError(t, first.NotifyFailure(context.Background(), failure("srv-1")))
	require.NoError(t, second.NotifyFailure(context.Background(), failure("srv-1")))
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
	assert.True(t, mr.Exists(alertKeyPrefix+"srv-1"))

	mr.FastForward(2 * time.Minute)
	require.NoError(t, second.NotifyFailure(context.Background(), failure("srv-1")))
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}
