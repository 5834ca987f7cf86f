package relay

import (
	"context"
	"time"
)

// SessionStatus is the status of a SessionMapping row.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionStale  SessionStatus = "stale"
)

// SessionMapping maps a topic to the model backend's opaque session id.
type SessionMapping struct {
	SessionKey TopicKey
	SessionID  string
	LastUsedAt time.Time
	Status     SessionStatus
}

// WorkspaceHistoryEntry is one row of a topic's workspace history.
type WorkspaceHistoryEntry struct {
	TopicKey      TopicKey
	WorkspacePath string
	LastUsedAt    time.Time
}

// ScheduledMessageStatus is the lifecycle state of a ScheduledMessage.
type ScheduledMessageStatus string

const (
	ScheduledPending ScheduledMessageStatus = "pending"
	ScheduledSent    ScheduledMessageStatus = "sent"
)

// ScheduledMessage is a durable deferred-delivery row. A sent row is never
// resurrected.
type ScheduledMessage struct {
	ID            int64
	ChatID        string
	ThreadID      ThreadID
	Text          string
	SendAt        time.Time
	CreatedAt     time.Time
	Status        ScheduledMessageStatus
	DeliveredAt   *time.Time
	AttemptCount  int
	NextAttemptAt *time.Time
	LastError     string
}

// PendingDeliveryAck is the dedup marker written before a scheduled
// message's transport send and cleared after the row is flipped to sent.
type PendingDeliveryAck struct {
	ID            int64
	ChatID        string
	DeliveredAt   time.Time
	NextAttemptAt time.Time
}

// PendingStartupAck records a restart acknowledgement owed to one chat. At
// most one row exists.
type PendingStartupAck struct {
	ChatID       string
	ThreadID     ThreadID
	RequestedAt  time.Time
	AttemptCount int
	LastError    string
}

// RecurringSchedule is the supplemental entity behind recurring reminders.
// It materializes into concrete ScheduledMessage rows; it never changes
// one-shot ScheduledMessage semantics.
type RecurringSchedule struct {
	ID        string
	ChatID    string
	ThreadID  ThreadID
	Text      string
	CronExpr  string
	NextRunAt time.Time
	CreatedAt time.Time
	Enabled   bool
}

// CursorCapability persists the poll cursor.
type CursorCapability interface {
	GetCursor(ctx context.Context) (*int64, error)
	SetCursor(ctx context.Context, cursor int64) error
}

// SessionCapability persists session mappings.
type SessionCapability interface {
	GetSession(ctx context.Context, key TopicKey) (*SessionMapping, error)
	UpsertSession(ctx context.Context, key TopicKey, sessionID string) error
	MarkStale(ctx context.Context, key TopicKey) error
	DeleteSession(ctx context.Context, key TopicKey) error
}

// WorkspaceCapability persists topic→workspace bindings and history.
type WorkspaceCapability interface {
	GetTopicWorkspace(ctx context.Context, key TopicKey) (string, bool, error)
	SetTopicWorkspace(ctx context.Context, key TopicKey, path string) error
	TouchTopicWorkspace(ctx context.Context, key TopicKey, path string) error
	ListTopicWorkspaces(ctx context.Context, key TopicKey) ([]WorkspaceHistoryEntry, error)
}

// StartupAckCapability persists the single pending restart acknowledgement.
type StartupAckCapability interface {
	GetPendingStartupAck(ctx context.Context) (*PendingStartupAck, error)
	UpsertPendingStartupAck(ctx context.Context, ack PendingStartupAck) error
	ClearPendingStartupAck(ctx context.Context) error
}

// ScheduledMessageCapability persists the deferred-message queue.
type ScheduledMessageCapability interface {
	EnqueueScheduledMessage(ctx context.Context, msg ScheduledMessage) (int64, error)
	ListDueScheduledMessages(ctx context.Context, now time.Time, limit int) ([]ScheduledMessage, error)
	MarkScheduledMessageDelivered(ctx context.Context, id int64, deliveredAt time.Time) error
	MarkScheduledMessageFailed(ctx context.Context, id int64, lastErr string, nextAttemptAt time.Time) error
}

// DeliveryAckCapability persists the dedup marker for scheduled sends.
type DeliveryAckCapability interface {
	UpsertPendingDeliveryAck(ctx context.Context, ack PendingDeliveryAck) error
	ListPendingDeliveryAcks(ctx context.Context) ([]PendingDeliveryAck, error)
	ClearPendingDeliveryAck(ctx context.Context, id int64) error
}

// RecurringScheduleCapability persists recurring reminder rows.
type RecurringScheduleCapability interface {
	ListDueRecurringSchedules(ctx context.Context, now time.Time) ([]RecurringSchedule, error)
	AdvanceRecurringSchedule(ctx context.Context, id string, nextRunAt time.Time) error
}

// PingCapability is an optional store liveness check.
type PingCapability interface {
	Ping(ctx context.Context) error
}
