package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/relaycore/internal/bus"
	gocron "github.com/basket/relaycore/internal/cron"
)

const (
	defaultSweepBatchSize  = 50
	defaultScheduledBackoff = 60 * time.Second
	maxScheduledAttempts   = 5
)

// ScheduledMessageService is the durable at-least-once deferred-message
// queue: periodic sweep, dedup via PendingDeliveryAck rows, per-message
// backoff on send failure.
type ScheduledMessageService struct {
	store    any // type-asserted per call to ScheduledMessageCapability/DeliveryAckCapability/RecurringScheduleCapability
	outbound *OutboundAdapter
	logger   *slog.Logger
	events   EventPublisher

	mu          sync.Mutex
	memFallback []ScheduledMessage // used only when the store lacks ScheduledMessageCapability
	nextMemID   int64
}

// NewScheduledMessageService wires the service to its store and outbound
// adapter. store may be nil or a partial implementation; the service
// degrades to in-memory scheduling (and the caller should warn the user)
// when ScheduledMessageCapability is absent.
func NewScheduledMessageService(store any, outbound *OutboundAdapter, logger *slog.Logger) *ScheduledMessageService {
	return &ScheduledMessageService{store: store, outbound: outbound, logger: logger}
}

// SetEvents wires an optional event publisher. Safe to skip.
func (s *ScheduledMessageService) SetEvents(events EventPublisher) {
	s.events = events
}

// HasDurableStore reports whether the backing store supports durable
// scheduling — when false, the caller should warn the user that the
// reminder will not survive a restart.
func (s *ScheduledMessageService) HasDurableStore() bool {
	_, ok := s.store.(ScheduledMessageCapability)
	return ok
}

// Enqueue inserts a pending ScheduledMessage. Falls back to in-memory
// scheduling if the store doesn't implement ScheduledMessageCapability.
func (s *ScheduledMessageService) Enqueue(ctx context.Context, chatID string, threadID ThreadID, text string, sendAt time.Time) {
	msg := ScheduledMessage{ChatID: chatID, ThreadID: threadID, Text: text, SendAt: sendAt, CreatedAt: time.Now(), Status: ScheduledPending}

	if sc, ok := s.store.(ScheduledMessageCapability); ok {
		if _, err := sc.EnqueueScheduledMessage(ctx, msg); err != nil {
			s.warnf("scheduled message enqueue failed, falling back to memory", "error", err)
			s.enqueueMem(msg)
		}
		return
	}
	s.warnf("store has no scheduled-message capability; reminder will not survive restart")
	s.enqueueMem(msg)
}

func (s *ScheduledMessageService) enqueueMem(msg ScheduledMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextMemID++
	msg.ID = s.nextMemID
	s.memFallback = append(s.memFallback, msg)
}

// Sweep is called periodically by WorkerLoop, once on startup, and once
// per poll cycle. It first recovers any PendingDeliveryAck rows left over
// from a prior run, then materializes due RecurringSchedule rows into
// concrete ScheduledMessage rows, then delivers all due one-shot rows.
func (s *ScheduledMessageService) Sweep(ctx context.Context, now time.Time) {
	s.recoverPendingAcks(ctx, now)
	s.materializeRecurring(ctx, now)
	acked := s.pendingAckIDs(ctx)
	due := s.loadDue(ctx, now)
	delivered, failed := 0, 0
	for _, msg := range due {
		if _, ok := acked[msg.ID]; ok {
			// Already handed to the transport; only the status flip is
			// outstanding, and recovery keeps retrying it. Resending here
			// would break the dedup contract.
			continue
		}
		if s.deliverOne(ctx, msg, now) {
			delivered++
		} else {
			failed++
		}
	}
	publish(s.events, bus.TopicScheduledSweepCompleted, bus.ScheduledSweepEvent{DueCount: len(due), DeliveredCount: delivered, FailedCount: failed})
}

// recoverPendingAcks retries the flip-and-clear for any ack row left over
// from a process that died between transport send and status flip. While
// an ack row exists for a message, the sweep must not resend it.
func (s *ScheduledMessageService) recoverPendingAcks(ctx context.Context, now time.Time) {
	dc, ok := s.store.(DeliveryAckCapability)
	if !ok {
		return
	}
	acks, err := dc.ListPendingDeliveryAcks(ctx)
	if err != nil {
		s.warnf("list pending delivery acks failed", "error", err)
		return
	}
	sc, hasScheduled := s.store.(ScheduledMessageCapability)
	for _, ack := range acks {
		if !hasScheduled {
			continue
		}
		if err := sc.MarkScheduledMessageDelivered(ctx, ack.ID, ack.DeliveredAt); err != nil {
			s.warnf("recover: flip still failing, ack left in place", "id", ack.ID, "error", err)
			continue
		}
		if err := dc.ClearPendingDeliveryAck(ctx, ack.ID); err != nil {
			s.warnf("recover: clear ack failed after successful flip", "id", ack.ID, "error", err)
		}
	}
}

func (s *ScheduledMessageService) materializeRecurring(ctx context.Context, now time.Time) {
	rc, ok := s.store.(RecurringScheduleCapability)
	if !ok {
		return
	}
	due, err := rc.ListDueRecurringSchedules(ctx, now)
	if err != nil {
		s.warnf("list due recurring schedules failed", "error", err)
		return
	}
	for _, sched := range due {
		s.Enqueue(ctx, sched.ChatID, sched.ThreadID, sched.Text, sched.NextRunAt)
		next, err := gocron.NextRunTime(sched.CronExpr, now)
		if err != nil {
			s.warnf("compute next recurring run failed", "schedule_id", sched.ID, "error", err)
			continue
		}
		if err := rc.AdvanceRecurringSchedule(ctx, sched.ID, next); err != nil {
			s.warnf("advance recurring schedule failed", "schedule_id", sched.ID, "error", err)
		}
	}
}

// pendingAckIDs returns the ids of messages whose ack row survived the
// recovery pass — their flip is still failing, and they must be skipped by
// this sweep's delivery loop.
func (s *ScheduledMessageService) pendingAckIDs(ctx context.Context) map[int64]struct{} {
	dc, ok := s.store.(DeliveryAckCapability)
	if !ok {
		return nil
	}
	acks, err := dc.ListPendingDeliveryAcks(ctx)
	if err != nil {
		s.warnf("list pending delivery acks failed", "error", err)
		return nil
	}
	ids := make(map[int64]struct{}, len(acks))
	for _, a := range acks {
		ids[a.ID] = struct{}{}
	}
	return ids
}

func (s *ScheduledMessageService) loadDue(ctx context.Context, now time.Time) []ScheduledMessage {
	if sc, ok := s.store.(ScheduledMessageCapability); ok {
		due, err := sc.ListDueScheduledMessages(ctx, now, defaultSweepBatchSize)
		if err != nil {
			s.warnf("list due scheduled messages failed", "error", err)
			return nil
		}
		return due
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var due []ScheduledMessage
	for _, m := range s.memFallback {
		if m.Status == ScheduledPending && !m.SendAt.After(now) && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	return due
}

// deliverOne writes the PendingDeliveryAck dedup marker BEFORE sending —
// this ordering is what makes the protocol dedup-correct across a crash
// between send and status flip.
func (s *ScheduledMessageService) deliverOne(ctx context.Context, msg ScheduledMessage, now time.Time) bool {
	ack := PendingDeliveryAck{ID: msg.ID, ChatID: msg.ChatID, DeliveredAt: now, NextAttemptAt: now.Add(defaultScheduledBackoff)}
	if dc, ok := s.store.(DeliveryAckCapability); ok {
		if err := dc.UpsertPendingDeliveryAck(ctx, ack); err != nil {
			s.warnf("ack write failed; treating as send failure", "id", msg.ID, "error", err)
			s.markFailed(ctx, msg, now, err)
			return false
		}
	}

	// threadId exactly as stored — even if null; root reminders must stay root.
	err := s.outbound.Send(ctx, OutboundMessage{ChatID: msg.ChatID, ThreadID: msg.ThreadID, Text: msg.Text}, false)
	if err != nil {
		// The send definitively failed, so the ack marker must go: leaving it
		// would make the next recovery pass flip a never-delivered message to
		// sent.
		if dc, ok := s.store.(DeliveryAckCapability); ok {
			if clearErr := dc.ClearPendingDeliveryAck(ctx, msg.ID); clearErr != nil {
				s.warnf("clear ack after failed send failed", "id", msg.ID, "error", clearErr)
			}
		}
		s.markFailed(ctx, msg, now, err)
		return false
	}

	s.markDelivered(ctx, msg, now, ack)
	return true
}

func (s *ScheduledMessageService) markDelivered(ctx context.Context, msg ScheduledMessage, now time.Time, ack PendingDeliveryAck) {
	publish(s.events, bus.TopicScheduledDelivered, bus.ScheduledMessageEvent{ID: msg.ID, ChatID: msg.ChatID})
	sc, ok := s.store.(ScheduledMessageCapability)
	if !ok {
		s.mu.Lock()
		for i := range s.memFallback {
			if s.memFallback[i].ID == msg.ID {
				s.memFallback[i].Status = ScheduledSent
				t := now
				s.memFallback[i].DeliveredAt = &t
			}
		}
		s.mu.Unlock()
		return
	}
	if err := sc.MarkScheduledMessageDelivered(ctx, msg.ID, now); err != nil {
		// Flip failed: leave the ack row in place, message stays pending —
		// the next sweep sees the ack and skips re-delivery.
		s.warnf("mark delivered failed, ack left in place for dedup", "id", msg.ID, "error", err)
		return
	}
	if dc, ok := s.store.(DeliveryAckCapability); ok {
		if err := dc.ClearPendingDeliveryAck(ctx, msg.ID); err != nil {
			s.warnf("clear ack failed after successful flip", "id", msg.ID, "error", err)
		}
	}
}

func (s *ScheduledMessageService) markFailed(ctx context.Context, msg ScheduledMessage, now time.Time, sendErr error) {
	attempt := msg.AttemptCount + 1
	publish(s.events, bus.TopicScheduledFailed, bus.ScheduledMessageEvent{ID: msg.ID, ChatID: msg.ChatID, Attempt: attempt, Error: sendErr.Error()})
	if attempt > maxScheduledAttempts {
		s.warnf("scheduled message exceeded max attempts; leaving pending for operator review", "id", msg.ID)
	}
	next := now.Add(defaultScheduledBackoff)

	sc, ok := s.store.(ScheduledMessageCapability)
	if !ok {
		s.mu.Lock()
		for i := range s.memFallback {
			if s.memFallback[i].ID == msg.ID {
				s.memFallback[i].AttemptCount = attempt
				s.memFallback[i].LastError = sendErr.Error()
				s.memFallback[i].NextAttemptAt = &next
			}
		}
		s.mu.Unlock()
		return
	}
	if err := sc.MarkScheduledMessageFailed(ctx, msg.ID, sendErr.Error(), next); err != nil {
		s.warnf("mark scheduled message failed write failed", "id", msg.ID, "error", err)
	}
}

func (s *ScheduledMessageService) warnf(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}
