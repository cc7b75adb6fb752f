package scheduler

import (
	"sync"
	"testing"
	"time"
)

func TestPostRunsInOrder(t *testing.T) {
	s := New(8)
	defer s.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		i := i
		if err := s.Post(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Post: %v", err)
		}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("closures ran out of order: %v", order)
		}
	}
}

func TestPostAfterCloseFails(t *testing.T) {
	s := New(1)
	s.Close()
	if err := s.Post(func() {}); err != ErrClosed {
		t.Fatalf("Post after Close = %v, want ErrClosed", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := New(1)
	s.Close()
	s.Close()
}

func TestCloseWaitsForDrain(t *testing.T) {
	s := New(4)
	done := make(chan struct{})
	if err := s.Post(func() {
		time.Sleep(20 * time.Millisecond)
		close(done)
	}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	s.Close()
	select {
	case <-done:
	default:
		t.Fatalf("Close returned before the posted closure finished")
	}
}
