package model

import (
	"time"
)

// StatusEvent one status message reported by a GPU server
// Values are immutable once received; Details must be treated as read-only.
type StatusEvent struct {
	ServerID             string                 `json:"server_uuid"`
	Kind                 string                 `json:"event"`
	Timestamp            time.Time              `json:"timestamp"`
	ReceivedAt           time.Time              `json:"received_at"`
	TimestampSubstituted bool                   `json:"timestamp_substituted,omitempty"` // Timestamp is the receipt time
	TaskID               string                 `json:"task_id,omitempty"`
	TaskType             string                 `json:"task_type,omitempty"`
	Details              map[string]interface{} `json:"details,omitempty"`
}

// ServerRecord aggregated state of one GPU server
type ServerRecord struct {
	ServerID           string        `json:"server_uuid"`
	FirstSeen          time.Time     `json:"first_seen"`
	LastSeen           time.Time     `json:"last_seen"`
	LastEventKind      string        `json:"event"`
	LastEventTimestamp time.Time     `json:"last_event_timestamp"`
	MessageCount       int64         `json:"message_count"` // Total events observed, may exceed len(Messages)
	Messages           []StatusEvent `json:"messages"`      // Newest first, bounded
}

// Clone returns a copy that shares no message slice with r
func (r *ServerRecord) Clone() ServerRecord {
	out := *r
	out.Messages = make([]StatusEvent, len(r.Messages))
	copy(out.Messages, r.Messages)
	return out
}

// FleetStatistics fleet-wide counts
type FleetStatistics struct {
	TotalServers  int  `json:"total_servers"`
	ActiveServers int  `json:"active_servers"`
	IdleServers   int  `json:"idle_servers"`
	Provisional   bool `json:"provisional"` // Incrementally adjusted since the last full recompute
}

// Roster snapshot of all known servers
type Roster struct {
	Servers    []ServerRecord   `json:"data"`
	Statistics *FleetStatistics `json:"statistics,omitempty"`
}

// ProvisionResult response of a provisioning request
type ProvisionResult struct {
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}
