package model

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// FlexString accepts a JSON string, number or null
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*f = ""
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*f = FlexString(n.String())
	}
	return nil
}

// WireMessage a status message as sent by the platform (REST history or channel payload)
type WireMessage struct {
	ServerUUID string
	Event      string
	Timestamp  FlexString
	ReceivedAt FlexString
	TaskID     FlexString
	TaskType   FlexString
	Details    map[string]interface{}
	Extra      map[string]interface{} // Fields outside the known shape
}

// DecodeWireMessage decodes a JSON object into a WireMessage, collecting unknown keys in Extra
func DecodeWireMessage(raw []byte) (WireMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return WireMessage{}, err
	}

	var msg WireMessage
	var serverUUID, event FlexString
	targets := map[string]interface{}{
		"server_uuid": &serverUUID,
		"event":       &event,
		"timestamp":   &msg.Timestamp,
		"received_at": &msg.ReceivedAt,
		"task_id":     &msg.TaskID,
		"task_type":   &msg.TaskType,
	}
	for key, value := range fields {
		if target, ok := targets[key]; ok {
			if err := json.Unmarshal(value, target); err != nil {
				return WireMessage{}, err
			}
			continue
		}
		if key == "details" {
			// details of unexpected shape are kept under extra
			var details map[string]interface{}
			if err := json.Unmarshal(value, &details); err == nil {
				msg.Details = details
				continue
			}
		}
		var v interface{}
		if err := json.Unmarshal(value, &v); err != nil {
			return WireMessage{}, err
		}
		if msg.Extra == nil {
			msg.Extra = make(map[string]interface{})
		}
		msg.Extra[key] = v
	}
	msg.ServerUUID = string(serverUUID)
	msg.Event = string(event)
	return msg, nil
}

// ToEvent converts the wire message, substituting receivedAt for a
// missing or unparseable timestamp.
func (m WireMessage) ToEvent(receivedAt time.Time) StatusEvent {
	evt := StatusEvent{
		ServerID:   m.ServerUUID,
		Kind:       m.Event,
		ReceivedAt: receivedAt.UTC(),
		TaskID:     string(m.TaskID),
		TaskType:   string(m.TaskType),
	}
	if t, ok := ParseTimestamp(string(m.ReceivedAt)); ok {
		evt.ReceivedAt = t
	}
	if t, ok := ParseTimestamp(string(m.Timestamp)); ok {
		evt.Timestamp = t
	} else {
		evt.Timestamp = evt.ReceivedAt
		evt.TimestampSubstituted = true
	}

	if len(m.Details) > 0 || len(m.Extra) > 0 {
		evt.Details = make(map[string]interface{}, len(m.Details)+len(m.Extra))
		for k, v := range m.Extra {
			evt.Details[k] = v
		}
		for k, v := range m.Details {
			evt.Details[k] = v
		}
	}
	return evt
}

// WireServer a server record as returned by the snapshot API
type WireServer struct {
	ServerUUID         string            `json:"server_uuid"`
	FirstSeen          FlexString        `json:"first_seen"`
	LastSeen           FlexString        `json:"last_seen"`
	Event              FlexString        `json:"event"`
	LastEventTimestamp FlexString        `json:"last_event_timestamp"`
	MessageCount       FlexString        `json:"message_count"`
	Messages           []json.RawMessage `json:"messages"`
}

// ToRecord converts the wire record. Unparseable timestamps are left zero,
// undecodable history entries are skipped and counted in the second result.
func (w WireServer) ToRecord(receivedAt time.Time) (ServerRecord, int) {
	rec := ServerRecord{
		ServerID:      w.ServerUUID,
		LastEventKind: string(w.Event),
		Messages:      make([]StatusEvent, 0, len(w.Messages)),
	}
	rec.FirstSeen, _ = ParseTimestamp(string(w.FirstSeen))
	rec.LastSeen, _ = ParseTimestamp(string(w.LastSeen))
	rec.LastEventTimestamp, _ = ParseTimestamp(string(w.LastEventTimestamp))
	if n, err := strconv.ParseInt(string(w.MessageCount), 10, 64); err == nil && n > 0 {
		rec.MessageCount = n
	}

	skipped := 0
	for _, raw := range w.Messages {
		msg, err := DecodeWireMessage(raw)
		if err != nil {
			skipped++
			continue
		}
		if msg.ServerUUID == "" {
			msg.ServerUUID = w.ServerUUID
		}
		rec.Messages = append(rec.Messages, msg.ToEvent(receivedAt))
	}
	return rec, skipped
}
