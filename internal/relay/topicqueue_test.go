package relay

import (
	"sync"
	"testing"
	"time"
)

func TestTopicQueue_RunsTasksInFIFOOrder(t *testing.T) {
	q := NewTopicQueue(nil)
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		q.Enqueue(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("tasks ran out of order: %v", order)
		}
	}
}

func TestTopicQueue_PanicDoesNotStopDrain(t *testing.T) {
	q := NewTopicQueue(nil)
	var ranAfterPanic bool
	var wg sync.WaitGroup
	wg.Add(1)

	q.Enqueue(func() { panic("boom") })
	q.Enqueue(func() {
		defer wg.Done()
		ranAfterPanic = true
	})
	wg.Wait()

	if !ranAfterPanic {
		t.Fatal("task after a panicking task must still run")
	}
}

func TestTopicQueue_WhenIdleClosesOnceDrained(t *testing.T) {
	q := NewTopicQueue(nil)
	done := make(chan struct{})
	q.Enqueue(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}

	select {
	case <-q.WhenIdle():
	case <-time.After(time.Second):
		t.Fatal("WhenIdle never closed after drain")
	}
}

func TestTopicQueueMap_SeparateTopicsRunConcurrently(t *testing.T) {
	m := NewTopicQueueMap(nil)
	key1 := NewTopicKey("1", NullThreadID())
	key2 := NewTopicKey("2", NullThreadID())

	release := make(chan struct{})
	blocked := make(chan struct{})
	m.Enqueue(key1, func() {
		close(blocked)
		<-release
	})

	otherRan := make(chan struct{})
	<-blocked
	m.Enqueue(key2, func() { close(otherRan) })

	select {
	case <-otherRan:
	case <-time.After(time.Second):
		t.Fatal("a different topic must not be blocked by another topic's in-flight task")
	}
	close(release)
}

func TestTopicQueueMap_DrainAllWaitsForInFlightWork(t *testing.T) {
	m := NewTopicQueueMap(nil)
	key := NewTopicKey("1", NullThreadID())
	var mu sync.Mutex
	var finished bool
	m.Enqueue(key, func() {
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		finished = true
		mu.Unlock()
	})

	m.DrainAll()

	mu.Lock()
	defer mu.Unlock()
	if !finished {
		t.Fatal("DrainAll returned before the enqueued task finished")
	}
}
