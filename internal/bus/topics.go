package bus

// Command-dispatch event topics: published by CommandDispatcher when a
// deterministic intent (not a model delegation) is recognized and handled.
const (
	TopicDispatchRestart   = "dispatch.restart"
	TopicDispatchWorkspace = "dispatch.workspace_changed"
	TopicDispatchReminder  = "dispatch.reminder_scheduled"
)

// RestartRequestedEvent is published when /restart is recognized, before
// the process re-execs.
type RestartRequestedEvent struct {
	ChatID   string
	ThreadID string
}

// WorkspaceChangedEvent is published when /workspace sets a new active
// workspace for a topic.
type WorkspaceChangedEvent struct {
	TopicKey string
	Path     string
}

// ReminderScheduledEvent is published when a "remind me..." message is
// parsed and enqueued as a ScheduledMessage.
type ReminderScheduledEvent struct {
	ChatID string
	SendAt string // RFC3339
}
