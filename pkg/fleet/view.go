package fleet

import (
	"fmt"
	"sort"
	"time"

	"fleetwatch/internal/model"
	"fleetwatch/pkg/constants"
)

// ServerView a server record as rendered by dashboard views
type ServerView struct {
	model.ServerRecord
	Active      bool   `json:"active"`
	LastSeenAgo string `json:"last_seen_ago"`
	Tone        string `json:"tone"`
}

// RosterView projects records for the roster: newest last_seen first,
// histories trimmed to messageLimit (no trimming when messageLimit <= 0).
func RosterView(servers []model.ServerRecord, now time.Time, window time.Duration, messageLimit int) []ServerView {
	sorted := make([]model.ServerRecord, len(servers))
	copy(sorted, servers)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].LastSeen.Equal(sorted[j].LastSeen) {
			return sorted[i].ServerID < sorted[j].ServerID
		}
		return sorted[i].LastSeen.After(sorted[j].LastSeen)
	})

	out := make([]ServerView, 0, len(sorted))
	for _, rec := range sorted {
		if messageLimit > 0 && len(rec.Messages) > messageLimit {
			rec.Messages = rec.Messages[:messageLimit]
		}
		out = append(out, DetailView(rec, now, window))
	}
	return out
}

// DetailView projects a single record with its liveness
func DetailView(rec model.ServerRecord, now time.Time, window time.Duration) ServerView {
	if rec.Messages == nil {
		rec.Messages = []model.StatusEvent{}
	}
	return ServerView{
		ServerRecord: rec,
		Active:       IsActive(rec.LastSeen, now, window),
		LastSeenAgo:  TimeSince(rec.LastSeen, now),
		Tone:         EventTone(rec.LastEventKind),
	}
}

// TimeSince renders the elapsed time since t in coarse buckets
func TimeSince(t, now time.Time) string {
	minutes := int(now.Sub(t) / time.Minute)
	hours := minutes / 60
	days := hours / 24

	switch {
	case days > 0:
		return fmt.Sprintf("%dd ago", days)
	case hours > 0:
		return fmt.Sprintf("%dh ago", hours)
	case minutes > 0:
		return fmt.Sprintf("%dm ago", minutes)
	default:
		return "Just now"
	}
}

// EventTone maps an event kind to a badge tone
func EventTone(kind string) string {
	switch constants.EventKind(kind) {
	case constants.EventTaskStarted:
		return constants.ToneInfo
	case constants.EventTaskCompleted, constants.EventImageGenerated, constants.EventVideoGenerated:
		return constants.ToneSuccess
	case constants.EventTaskFailed, constants.EventError:
		return constants.ToneDanger
	case constants.EventTaskProgress:
		return constants.ToneWarning
	default:
		return constants.ToneNeutral
	}
}
