package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStartupAckService_FlushWithNoPendingAckIsNoop(t *testing.T) {
	store := newFakeStore()
	chat := &fakeChat{}
	outbound := NewOutboundAdapter(chat)
	svc := NewStartupAckService(store, outbound, nil)

	svc.Flush(context.Background())

	if len(chat.sentTexts()) != 0 {
		t.Fatalf("no ack pending, Flush must send nothing, got %v", chat.sentTexts())
	}
}

func TestStartupAckService_FlushSendsAndClearsOnSuccess(t *testing.T) {
	store := newFakeStore()
	chat := &fakeChat{}
	outbound := NewOutboundAdapter(chat)
	svc := NewStartupAckService(store, outbound, nil)

	svc.Enqueue(context.Background(), PendingStartupAck{ChatID: "1", ThreadID: NullThreadID(), RequestedAt: time.Now()})
	svc.Flush(context.Background())

	texts := chat.sentTexts()
	if len(texts) != 1 {
		t.Fatalf("sent = %v, want one ack message", texts)
	}
	ack, err := store.GetPendingStartupAck(context.Background())
	if err != nil || ack != nil {
		t.Fatalf("ack row must be cleared after a successful flush, got %+v, %v", ack, err)
	}

	// Flushing again must not resend.
	svc.Flush(context.Background())
	if len(chat.sentTexts()) != 1 {
		t.Fatalf("flush after clear must not resend, got %v", chat.sentTexts())
	}
}

func TestStartupAckService_FlushFailureIncrementsAttemptAndRecordsError(t *testing.T) {
	store := newFakeStore()
	chat := &fakeChat{sendErr: errors.New("transport down")}
	outbound := NewOutboundAdapter(chat)
	svc := NewStartupAckService(store, outbound, nil)

	svc.Enqueue(context.Background(), PendingStartupAck{ChatID: "1", ThreadID: NullThreadID(), RequestedAt: time.Now()})
	svc.Flush(context.Background())

	ack, err := store.GetPendingStartupAck(context.Background())
	if err != nil || ack == nil {
		t.Fatalf("ack row must survive a failed flush, got %+v, %v", ack, err)
	}
	if ack.AttemptCount != 1 {
		t.Fatalf("AttemptCount = %d, want 1", ack.AttemptCount)
	}
	if ack.LastError == "" {
		t.Fatal("LastError must be recorded on a failed flush")
	}
}

func TestStartupAckService_DegradesToMemoryWithoutCapableStore(t *testing.T) {
	chat := &fakeChat{}
	outbound := NewOutboundAdapter(chat)
	svc := NewStartupAckService(nil, outbound, nil)

	svc.Enqueue(context.Background(), PendingStartupAck{ChatID: "1", ThreadID: NullThreadID(), RequestedAt: time.Now()})
	svc.Flush(context.Background())

	texts := chat.sentTexts()
	if len(texts) != 1 {
		t.Fatalf("memory-backed ack must still be flushed, got %v", texts)
	}
}
