package constants

// Event channel names
const (
	GPUStatusTopic     = "backend-gpu-server-processing"
	ClientStatusUpdate = "client-status-update"
)

// EventKind status event kind reported by GPU servers (open set)
type EventKind string

const (
	EventTaskStarted    EventKind = "task_started"
	EventTaskProgress   EventKind = "task_progress"
	EventTaskCompleted  EventKind = "task_completed"
	EventTaskFailed     EventKind = "task_failed"
	EventImageGenerated EventKind = "image_generated"
	EventVideoGenerated EventKind = "video_generated"
	EventError          EventKind = "error"
)

func (k EventKind) String() string {
	return string(k)
}

// Badge tones for event kinds
const (
	ToneInfo    = "info"
	ToneSuccess = "success"
	ToneDanger  = "danger"
	ToneWarning = "warning"
	ToneNeutral = "neutral"
)
