package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/basket/relaycore/internal/bus"
)

// StartupAckService is the durable "restart complete" acknowledgement
// protocol: enqueued when restart is requested, flushed (and cleared) on
// the next successful send.
type StartupAckService struct {
	store    any // type-asserted to StartupAckCapability per call
	outbound *OutboundAdapter
	logger   *slog.Logger
	events   EventPublisher

	mu  sync.Mutex
	mem *PendingStartupAck // used only when the store lacks StartupAckCapability
}

// NewStartupAckService wires the service to its store and outbound adapter.
func NewStartupAckService(store any, outbound *OutboundAdapter, logger *slog.Logger) *StartupAckService {
	return &StartupAckService{store: store, outbound: outbound, logger: logger}
}

// SetEvents wires an optional event publisher. Safe to skip.
func (s *StartupAckService) SetEvents(events EventPublisher) {
	s.events = events
}

// Enqueue records a restart acknowledgement owed to ack.ChatID/ThreadID.
func (s *StartupAckService) Enqueue(ctx context.Context, ack PendingStartupAck) {
	if sc, ok := s.store.(StartupAckCapability); ok {
		if err := sc.UpsertPendingStartupAck(ctx, ack); err != nil {
			s.warnf("startup ack enqueue failed, falling back to memory", "error", err)
			s.enqueueMem(ack)
		}
		return
	}
	s.enqueueMem(ack)
}

func (s *StartupAckService) enqueueMem(ack PendingStartupAck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := ack
	s.mem = &cp
}

// Flush runs once per poll cycle. If a PendingStartupAck exists, it sends
// "Restart complete. I'm back online." to its chat/thread. On success, the
// row is cleared; on failure, attemptCount is incremented and lastError
// recorded.
func (s *StartupAckService) Flush(ctx context.Context) {
	ack, ok := s.current(ctx)
	if !ok {
		return
	}

	err := s.outbound.Send(ctx, OutboundMessage{ChatID: ack.ChatID, ThreadID: ack.ThreadID, Text: "Restart complete. I'm back online."}, false)
	if err == nil {
		s.clear(ctx)
		publish(s.events, bus.TopicStartupAckFlushed, bus.ScheduledMessageEvent{ChatID: ack.ChatID})
		return
	}

	ack.AttemptCount++
	ack.LastError = err.Error()
	s.rewrite(ctx, ack)
}

func (s *StartupAckService) current(ctx context.Context) (PendingStartupAck, bool) {
	if sc, ok := s.store.(StartupAckCapability); ok {
		ack, err := sc.GetPendingStartupAck(ctx)
		if err != nil {
			s.warnf("get pending startup ack failed", "error", err)
			return PendingStartupAck{}, false
		}
		if ack == nil {
			return PendingStartupAck{}, false
		}
		return *ack, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mem == nil {
		return PendingStartupAck{}, false
	}
	return *s.mem, true
}

func (s *StartupAckService) clear(ctx context.Context) {
	if sc, ok := s.store.(StartupAckCapability); ok {
		if err := sc.ClearPendingStartupAck(ctx); err != nil {
			s.warnf("clear startup ack failed", "error", err)
		}
		return
	}
	s.mu.Lock()
	s.mem = nil
	s.mu.Unlock()
}

func (s *StartupAckService) rewrite(ctx context.Context, ack PendingStartupAck) {
	if sc, ok := s.store.(StartupAckCapability); ok {
		if err := sc.UpsertPendingStartupAck(ctx, ack); err != nil {
			s.warnf("rewrite startup ack failed", "error", err)
		}
		return
	}
	s.enqueueMem(ack)
}

func (s *StartupAckService) warnf(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}
