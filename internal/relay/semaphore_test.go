package relay

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSemaphore_AllowsUpToMaxConcurrent(t *testing.T) {
	s := NewSemaphore(2, 10)
	ctx := context.Background()

	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if s.Available() != 0 {
		t.Fatalf("Available() = %d, want 0", s.Available())
	}
}

func TestSemaphore_ReleaseWakesFIFOWaiter(t *testing.T) {
	s := NewSemaphore(1, 10)
	ctx := context.Background()

	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.Acquire(ctx); err != nil {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}(i)
		time.Sleep(10 * time.Millisecond) // stabilize FIFO enqueue order
	}

	time.Sleep(10 * time.Millisecond)
	s.Release()
	s.Release()
	s.Release()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("expected all 3 waiters to acquire, got %d", len(order))
	}
	if order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("waiters did not wake in FIFO order: %v", order)
	}
}

func TestSemaphore_FullQueueReturnsErrSemaphoreFull(t *testing.T) {
	s := NewSemaphore(1, 1)
	ctx := context.Background()

	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Acquire(ctx) // occupies the single waiter slot, blocks until the test ends
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	if err := s.Acquire(ctx); err != ErrSemaphoreFull {
		t.Fatalf("Acquire() = %v, want ErrSemaphoreFull", err)
	}

	s.Release()
	s.Release()
	<-done
}

func TestSemaphore_AcquireRespectsContextCancellation(t *testing.T) {
	s := NewSemaphore(1, 10)
	ctx := context.Background()
	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Acquire(cancelCtx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-errCh; err != context.Canceled {
		t.Fatalf("Acquire() = %v, want context.Canceled", err)
	}
	if s.Len() != 0 {
		t.Fatalf("canceled waiter must be removed from the queue, Len() = %d", s.Len())
	}
}

func TestSemaphore_ZeroValuesFallBackToDefaults(t *testing.T) {
	s := NewSemaphore(0, 0)
	if s.Available() != defaultMaxConcurrent {
		t.Fatalf("Available() = %d, want default %d", s.Available(), defaultMaxConcurrent)
	}
}
