package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"fleetwatch/internal/model"
	"fleetwatch/pkg/config"
	"fleetwatch/pkg/constants"
	"fleetwatch/pkg/fleet"
	"fleetwatch/pkg/logger"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const alertKeyPrefix = "fleetwatch:alert:"

// FeishuNotifier sends GPU server failure alerts to Feishu (Lark)
type FeishuNotifier struct {
	webhookURL string
	cooldown   time.Duration
	client     *http.Client
	now        func() time.Time

	// Optional, shares the cooldown between replicas
	redis    *redis.Client
	instance string

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewFeishuNotifier creates a new Feishu notifier
func NewFeishuNotifier(cfg config.NotificationConfig) *FeishuNotifier {
	if cfg.FeishuWebhookURL == "" {
		logger.Warn("Feishu webhook URL not configured (check config file or FEISHU_WEBHOOK_URL env), failure alerts will be disabled")
	}

	return &FeishuNotifier{
		webhookURL: cfg.FeishuWebhookURL,
		cooldown:   cfg.Cooldown,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		now:      time.Now,
		instance: uuid.NewString(),
		lastSent: make(map[string]time.Time),
	}
}

// WithRedis shares alert cooldowns through Redis so that replicas receiving
// the same event send one alert. Without it the cooldown is per process.
func (f *FeishuNotifier) WithRedis(client *redis.Client) *FeishuNotifier {
	f.redis = client
	return f
}

// Enabled reports whether a webhook is configured
func (f *FeishuNotifier) Enabled() bool {
	return f.webhookURL != ""
}

// NotifyFailure sends an alert for a failure event. Other events, and
// repeated failures of one server within the cooldown, are ignored.
func (f *FeishuNotifier) NotifyFailure(ctx context.Context, evt model.StatusEvent) error {
	if !f.Enabled() || fleet.EventTone(evt.Kind) != constants.ToneDanger {
		return nil
	}
	if !f.reserve(ctx, evt.ServerID) {
		logger.DebugCtx(ctx, "Alert for server %s suppressed by cooldown", evt.ServerID)
		return nil
	}

	payload, err := json.Marshal(f.buildFailureMessage(evt))
	if err != nil {
		return fmt.Errorf("failed to marshal Feishu message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.webhookURL, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		f.release(ctx, evt.ServerID)
		return fmt.Errorf("failed to send Feishu notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		f.release(ctx, evt.ServerID)
		return fmt.Errorf("Feishu API returned status code: %d", resp.StatusCode)
	}

	logger.InfoCtx(ctx, "Feishu alert sent for server %s (%s)", evt.ServerID, evt.Kind)
	return nil
}

// reserve claims the alert slot of a server
func (f *FeishuNotifier) reserve(ctx context.Context, serverID string) bool {
	if f.redis != nil {
		acquired, err := f.redis.SetNX(ctx, alertKeyPrefix+serverID, f.instance, f.cooldown).Result()
		if err == nil {
			return acquired
		}
		logger.WarnCtx(ctx, "Redis alert slot unavailable, using local cooldown: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	if last, ok := f.lastSent[serverID]; ok && now.Sub(last) < f.cooldown {
		return false
	}
	f.lastSent[serverID] = now
	return true
}

// release frees the slot after a failed delivery so the next failure retries
func (f *FeishuNotifier) release(ctx context.Context, serverID string) {
	if f.redis != nil {
		if err := f.redis.Del(ctx, alertKeyPrefix+serverID).Err(); err != nil {
			logger.WarnCtx(ctx, "Failed to release alert slot for %s: %v", serverID, err)
		}
	}

	f.mu.Lock()
	delete(f.lastSent, serverID)
	f.mu.Unlock()
}

// buildFailureMessage builds a Feishu message card for a failed server
func (f *FeishuNotifier) buildFailureMessage(evt model.StatusEvent) map[string]interface{} {
	task := "-"
	if evt.TaskID != "" {
		task = evt.TaskID
		if evt.TaskType != "" {
			task += " (" + evt.TaskType + ")"
		}
	}

	elements := []interface{}{
		map[string]interface{}{
			"tag": "div",
			"text": map[string]interface{}{
				"content": fmt.Sprintf("**Server**: %s\nReported `%s`", evt.ServerID, evt.Kind),
				"tag":     "lark_md",
			},
		},
		map[string]interface{}{
			"tag": "hr",
		},
		map[string]interface{}{
			"tag": "div",
			"fields": []interface{}{
				map[string]interface{}{
					"is_short": true,
					"text": map[string]interface{}{
						"content": fmt.Sprintf("**Task**\n%s", task),
						"tag":     "lark_md",
					},
				},
				map[string]interface{}{
					"is_short": true,
					"text": map[string]interface{}{
						"content": fmt.Sprintf("**Reported At**\n%s", evt.Timestamp.Format("2006-01-02 15:04:05")),
						"tag":     "lark_md",
					},
				},
			},
		},
	}
	if msg, ok := evt.Details["error"].(string); ok && msg != "" {
		elements = append(elements, map[string]interface{}{
			"tag": "div",
			"text": map[string]interface{}{
				"content": fmt.Sprintf("**Error**: %s", msg),
				"tag":     "lark_md",
			},
		})
	}

	return map[string]interface{}{
		"msg_type": "interactive",
		"card": map[string]interface{}{
			"header": map[string]interface{}{
				"template": "red",
				"title": map[string]interface{}{
					"content": "GPU Server Failure",
					"tag":     "plain_text",
				},
			},
			"elements": elements,
		},
	}
}
