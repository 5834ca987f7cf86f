package bus

import (
	"bytes"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("test")
	defer b.Unsubscribe(sub)

	b.Publish("test.event", "hello")

	select {
	case event := <-sub.Ch():
		if event.Topic != "test.event" {
			t.Fatalf("topic = %q, want %q", event.Topic, "test.event")
		}
		if event.Payload != "hello" {
			t.Fatalf("payload = %v, want %q", event.Payload, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	// Subscribe to "task." prefix.
	taskSub := b.Subscribe("task.")
	defer b.Unsubscribe(taskSub)

	// Subscribe to all events.
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish("task.created", "new task")
	b.Publish("system.status", "ok")

	// taskSub should receive task.created but not system.status.
	select {
	case event := <-taskSub.Ch():
		if event.Topic != "task.created" {
			t.Fatalf("topic = %q, want task.created", event.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task event")
	}

	// taskSub should not have system.status.
	select {
	case event := <-taskSub.Ch():
		t.Fatalf("unexpected event on taskSub: %v", event)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}

	// allSub should receive both.
	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("test")
	defer b.Unsubscribe(sub)

	// Fill the buffer.
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish("test.event", i)
	}

	// Should not deadlock. Drain what we can.
	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			goto done
		}
	}
done:
	if count != defaultBufferSize {
		t.Fatalf("received %d events, expected %d (buffer size)", count, defaultBufferSize)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("test")

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}

	// Channel should be closed.
	_, ok := <-sub.Ch()
	if ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	b := New()
	sub1 := b.Subscribe("test")
	sub2 := b.Subscribe("test")
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish("test.event", "shared")

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case event := <-sub.Ch():
			if event.Payload != "shared" {
				t.Fatalf("payload = %v, want shared", event.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5
	total := goroutines * perGoroutine

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish("concurrent", id*100+i)
			}
		}(g)
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			goto done2
		}
	}
done2:
	if received != total {
		t.Fatalf("received %d events, want %d", received, total)
	}
}

func TestBus_DroppedEventLogging(t *testing.T) {
	// At relay's event volume, every drop past the buffer filling up is
	// logged — there's no high-frequency burst to suppress down to
	// exponential milestones the way a per-token streaming bus would need.
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	b := NewWithLogger(logger)
	sub := b.Subscribe("test")
	defer b.Unsubscribe(sub)

	// Fill buffer so subsequent publishes drop.
	for i := 0; i < defaultBufferSize; i++ {
		b.Publish("test.event", i)
	}

	for i := 0; i < 3; i++ {
		b.Publish("test.event", "drop")
	}

	logOutput := buf.String()
	if !containsSubstring(logOutput, "bus_subscriber_dropping_events") {
		t.Fatalf("expected drop warning in log output, got: %s", logOutput)
	}
	if count := countSubstring(logOutput, "bus_subscriber_dropping_events"); count != 3 {
		t.Fatalf("expected one warning per drop (3), got %d", count)
	}
	if b.DroppedEventCount() != 3 {
		t.Fatalf("dropped count = %d, want 3", b.DroppedEventCount())
	}
}

func TestBus_NoSpamming(t *testing.T) {
	// Sequential drops each get their own warning (dropWarnEvery == 1, one
	// log per dropped event at relay's volume).
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	b := NewWithLogger(logger)
	sub := b.Subscribe("test")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize; i++ {
		b.Publish("test.event", i)
	}

	const drops = 5
	for i := 0; i < drops; i++ {
		b.Publish("test.event", "drop")
	}

	if count := countSubstring(buf.String(), "bus_subscriber_dropping_events"); count != drops {
		t.Fatalf("expected exactly %d warnings (one per dropped event), got %d", drops, count)
	}
}

func TestBus_ConcurrentDropsCountAccurately(t *testing.T) {
	// Concurrent publishers racing past a full buffer must never crash or
	// deadlock, and the dropped-event counter (used for both the warning
	// gate and DroppedEventCount callers like otel metrics) must land on
	// the exact total despite the race on lastDropWarning.
	var buf bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewTextHandler(syncWriter{&buf, &mu}, &slog.HandlerOptions{Level: slog.LevelWarn}))
	b := NewWithLogger(logger)
	sub := b.Subscribe("test")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize; i++ {
		b.Publish("test.event", i)
	}

	const drops = 50
	var wg sync.WaitGroup
	wg.Add(drops)
	for i := 0; i < drops; i++ {
		go func() {
			defer wg.Done()
			b.Publish("test.event", "drop")
		}()
	}
	wg.Wait()

	if b.DroppedEventCount() != drops {
		t.Fatalf("dropped count = %d, want %d", b.DroppedEventCount(), drops)
	}
}

type syncWriter struct {
	buf *bytes.Buffer
	mu  *sync.Mutex
}

func (w syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func containsSubstring(s, substr string) bool {
	return bytes.Contains([]byte(s), []byte(substr))
}

func countSubstring(s, substr string) int {
	return bytes.Count([]byte(s), []byte(substr))
}
