package relay

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeStore is an in-memory implementation of every capability interface in
// store_types.go, used so relay package tests exercise the real
// type-assertion wiring instead of relying on store mocks per test.
type fakeStore struct {
	mu sync.Mutex

	cursor *int64

	sessions map[TopicKey]*SessionMapping

	workspaceActive map[TopicKey]string
	workspaceHist   map[TopicKey][]WorkspaceHistoryEntry

	startupAck *PendingStartupAck

	nextScheduledID int64
	scheduled       map[int64]ScheduledMessage

	deliveryAcks map[int64]PendingDeliveryAck

	recurring map[string]RecurringSchedule
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:        make(map[TopicKey]*SessionMapping),
		workspaceActive: make(map[TopicKey]string),
		workspaceHist:   make(map[TopicKey][]WorkspaceHistoryEntry),
		scheduled:       make(map[int64]ScheduledMessage),
		deliveryAcks:    make(map[int64]PendingDeliveryAck),
		recurring:       make(map[string]RecurringSchedule),
	}
}

func (f *fakeStore) GetCursor(ctx context.Context) (*int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor, nil
}

func (f *fakeStore) SetCursor(ctx context.Context, cursor int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursor = &cursor
	return nil
}

func (f *fakeStore) GetSession(ctx context.Context, key TopicKey) (*SessionMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.sessions[key]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) UpsertSession(ctx context.Context, key TopicKey, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[key] = &SessionMapping{SessionKey: key, SessionID: sessionID, LastUsedAt: time.Now(), Status: SessionActive}
	return nil
}

func (f *fakeStore) MarkStale(ctx context.Context, key TopicKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.sessions[key]; ok {
		m.Status = SessionStale
	}
	return nil
}

func (f *fakeStore) DeleteSession(ctx context.Context, key TopicKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, key)
	return nil
}

func (f *fakeStore) GetTopicWorkspace(ctx context.Context, key TopicKey) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.workspaceActive[key]
	return p, ok, nil
}

func (f *fakeStore) SetTopicWorkspace(ctx context.Context, key TopicKey, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workspaceActive[key] = path
	return nil
}

func (f *fakeStore) TouchTopicWorkspace(ctx context.Context, key TopicKey, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workspaceHist[key] = append(f.workspaceHist[key], WorkspaceHistoryEntry{TopicKey: key, WorkspacePath: path, LastUsedAt: time.Now()})
	return nil
}

func (f *fakeStore) ListTopicWorkspaces(ctx context.Context, key TopicKey) ([]WorkspaceHistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workspaceHist[key], nil
}

func (f *fakeStore) GetPendingStartupAck(ctx context.Context) (*PendingStartupAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startupAck == nil {
		return nil, nil
	}
	cp := *f.startupAck
	return &cp, nil
}

func (f *fakeStore) UpsertPendingStartupAck(ctx context.Context, ack PendingStartupAck) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := ack
	f.startupAck = &cp
	return nil
}

func (f *fakeStore) ClearPendingStartupAck(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startupAck = nil
	return nil
}

func (f *fakeStore) EnqueueScheduledMessage(ctx context.Context, msg ScheduledMessage) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextScheduledID++
	msg.ID = f.nextScheduledID
	f.scheduled[msg.ID] = msg
	return msg.ID, nil
}

func (f *fakeStore) ListDueScheduledMessages(ctx context.Context, now time.Time, limit int) ([]ScheduledMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []ScheduledMessage
	for _, m := range f.scheduled {
		if m.Status == ScheduledPending && !m.SendAt.After(now) && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
		if len(due) >= limit {
			break
		}
	}
	return due, nil
}

func (f *fakeStore) MarkScheduledMessageDelivered(ctx context.Context, id int64, deliveredAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.scheduled[id]
	if !ok {
		return errors.New("unknown scheduled message")
	}
	m.Status = ScheduledSent
	t := deliveredAt
	m.DeliveredAt = &t
	f.scheduled[id] = m
	return nil
}

func (f *fakeStore) MarkScheduledMessageFailed(ctx context.Context, id int64, lastErr string, nextAttemptAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.scheduled[id]
	if !ok {
		return errors.New("unknown scheduled message")
	}
	m.AttemptCount++
	m.LastError = lastErr
	t := nextAttemptAt
	m.NextAttemptAt = &t
	f.scheduled[id] = m
	return nil
}

func (f *fakeStore) UpsertPendingDeliveryAck(ctx context.Context, ack PendingDeliveryAck) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveryAcks[ack.ID] = ack
	return nil
}

func (f *fakeStore) ListPendingDeliveryAcks(ctx context.Context) ([]PendingDeliveryAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acks := make([]PendingDeliveryAck, 0, len(f.deliveryAcks))
	for _, a := range f.deliveryAcks {
		acks = append(acks, a)
	}
	return acks, nil
}

func (f *fakeStore) ClearPendingDeliveryAck(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.deliveryAcks, id)
	return nil
}

func (f *fakeStore) ListDueRecurringSchedules(ctx context.Context, now time.Time) ([]RecurringSchedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []RecurringSchedule
	for _, r := range f.recurring {
		if r.Enabled && !r.NextRunAt.After(now) {
			due = append(due, r)
		}
	}
	return due, nil
}

func (f *fakeStore) AdvanceRecurringSchedule(ctx context.Context, id string, nextRunAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recurring[id]
	if !ok {
		return errors.New("unknown recurring schedule")
	}
	r.NextRunAt = nextRunAt
	f.recurring[id] = r
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

var (
	_ CursorCapability            = (*fakeStore)(nil)
	_ SessionCapability           = (*fakeStore)(nil)
	_ WorkspaceCapability         = (*fakeStore)(nil)
	_ StartupAckCapability        = (*fakeStore)(nil)
	_ ScheduledMessageCapability  = (*fakeStore)(nil)
	_ DeliveryAckCapability       = (*fakeStore)(nil)
	_ RecurringScheduleCapability = (*fakeStore)(nil)
	_ PingCapability              = (*fakeStore)(nil)
)

// fakeChat is an in-memory ChatPort: Send records every message, and
// ReceiveUpdates drains a preloaded queue.
type fakeChat struct {
	mu      sync.Mutex
	updates []Update
	sent    []OutboundMessage
	sendErr error
	rejectThreadOnce bool
}

func (c *fakeChat) ReceiveUpdates(ctx context.Context, cursor *int64) ([]Update, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.updates
	c.updates = nil
	return out, nil
}

func (c *fakeChat) Send(ctx context.Context, msg OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rejectThreadOnce {
		c.rejectThreadOnce = false
		return ErrThreadIDRejected
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChat) sentTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	texts := make([]string, len(c.sent))
	for i, m := range c.sent {
		texts[i] = m.Text
	}
	return texts
}

// fakeModel is a scriptable ModelPort: each call pops the next queued
// response/error, or returns a canned reply when the queue is empty.
type fakeModel struct {
	mu        sync.Mutex
	responses []fakeModelResponse
	calls     []RespondInput
}

type fakeModelResponse struct {
	out RespondOutput
	err error
}

func (m *fakeModel) Respond(ctx context.Context, in RespondInput) (RespondOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, in)
	if len(m.responses) == 0 {
		return RespondOutput{ReplyText: "ok", SessionID: "sess-default"}, nil
	}
	r := m.responses[0]
	m.responses = m.responses[1:]
	return r.out, r.err
}

func (m *fakeModel) queue(out RespondOutput, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, fakeModelResponse{out, err})
}

func (m *fakeModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
