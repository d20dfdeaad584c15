// Package stream implements the live status event sources: the Pusher
// protocol used by Laravel Echo / Reverb and Laravel's Redis broadcaster.
package stream

import (
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"fleetwatch/internal/model"
	"fleetwatch/pkg/constants"
	"fleetwatch/pkg/fleet"
	"fleetwatch/pkg/interfaces"
	"fleetwatch/pkg/logger"
	"fleetwatch/pkg/metrics"
)

// DecodeStatusEvent decodes a client-status-update payload.
// server_uuid and event are required; a missing or unparseable timestamp is
// replaced by receivedAt and flagged on the event.
func DecodeStatusEvent(raw []byte, receivedAt time.Time) (model.StatusEvent, error) {
	msg, err := model.DecodeWireMessage(raw)
	if err != nil {
		return model.StatusEvent{}, &fleet.MalformedEventError{Reason: "invalid JSON object: " + err.Error(), Raw: raw}
	}
	if strings.TrimSpace(msg.ServerUUID) == "" {
		return model.StatusEvent{}, &fleet.MalformedEventError{Reason: "missing server_uuid", Raw: raw}
	}
	if strings.TrimSpace(msg.Event) == "" {
		return model.StatusEvent{}, &fleet.MalformedEventError{Reason: "missing event", Raw: raw}
	}
	return msg.ToEvent(receivedAt), nil
}

// unwrapData returns the JSON document carried by a Pusher "data" field,
// which is either a JSON-encoded string or an inline object.
func unwrapData(data json.RawMessage) []byte {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			return []byte(s)
		}
	}
	return []byte(trimmed)
}

// dispatcher decodes channel payloads and hands valid events to a handler
type dispatcher struct {
	metrics *metrics.Metrics
	now     func() time.Time
}

// dispatch handles one broadcast frame. Frames for other events are ignored,
// malformed payloads are logged and dropped.
func (d *dispatcher) dispatch(topic, event string, data json.RawMessage, handler interfaces.EventHandler) {
	if !isStatusUpdate(event) {
		logger.Debugf("Ignoring event %q on %s", event, topic)
		return
	}

	evt, err := DecodeStatusEvent(unwrapData(data), d.now().UTC())
	if err != nil {
		logger.Warn("Dropping malformed status event",
			zap.String("topic", topic), zap.Error(err))
		d.metrics.RecordDropped(metrics.DropMalformed)
		return
	}
	if evt.TimestampSubstituted {
		logger.Debugf("Substituted receipt time for event %s of server %s", evt.Kind, evt.ServerID)
	}
	handler(evt)
}

// isStatusUpdate matches the status event name with or without Echo's leading dot
func isStatusUpdate(event string) bool {
	return strings.TrimPrefix(event, ".") == constants.ClientStatusUpdate
}
