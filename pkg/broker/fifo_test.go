package broker

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestFifoLockGrantsInArrivalOrder(t *testing.T) {
	var l fifoLock
	ctx := context.Background()

	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("initial acquire: %v", err)
	}

	const n = 8
	var mu sync.Mutex
	var order []int
	ready := make(chan struct{}, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ready <- struct{}{}
			if err := l.Acquire(ctx); err != nil {
				t.Errorf("acquire %d: %v", id, err)
				return
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			l.Release()
		}(i)
		// Serialize arrival so the expected grant order is well defined.
		<-ready
		time.Sleep(5 * time.Millisecond)
	}

	l.Release()
	wg.Wait()

	for i, id := range order {
		if id != i {
			t.Fatalf("grant order %v, want strictly first-come first-served", order)
		}
	}
}

func TestFifoLockAcquireCancelled(t *testing.T) {
	var l fifoLock
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("initial acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("cancelled acquire err = %v, want context.Canceled", err)
	}

	// The cancelled waiter must not consume the lock.
	l.Release()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := l.Acquire(ctx2); err != nil {
		t.Fatalf("acquire after cancelled waiter: %v", err)
	}
	l.Release()
}
