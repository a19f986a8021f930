package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConcurrencyBound(t *testing.T) {
	const max = 3
	const extra = 4

	c := New(max)

	release := make(chan struct{})
	var started int32
	var wg sync.WaitGroup

	for i := 0; i < max+extra; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Do(context.Background(), 0, func() error {
				atomic.AddInt32(&started, 1)
				<-release
				return nil
			})
		}()
	}

	// Wait for the first max tasks to start and the rest to queue.
	deadline := time.Now().Add(time.Second)
	for {
		stats := c.Stats()
		if stats.Running == max && stats.Queued == extra {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("never reached steady state: %+v", stats)
		}
		time.Sleep(time.Millisecond)
	}

	if got := atomic.LoadInt32(&started); got != max {
		t.Errorf("expected %d running tasks, got %d", max, got)
	}

	close(release)
	wg.Wait()

	stats := c.Stats()
	if stats.Running != 0 || stats.Queued != 0 {
		t.Errorf("expected drained controller, got %+v", stats)
	}
}

func TestPriorityOrdering(t *testing.T) {
	c := New(1)

	block := make(chan struct{})
	occupied := make(chan struct{})
	go func() {
		_ = c.Do(context.Background(), 0, func() error {
			close(occupied)
			<-block
			return nil
		})
	}()
	<-occupied

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	queued := 0
	submit := func(name string, priority int) {
		wg.Add(1)
		queued++
		go func() {
			defer wg.Done()
			_ = c.Do(context.Background(), priority, func() error {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return nil
			})
		}()
		// Wait until this submission is queued so arrival order is fixed.
		deadline := time.Now().Add(time.Second)
		for c.Stats().Queued < queued && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}

	submit("low-1", 1)
	submit("high-1", 5)
	submit("high-2", 5)
	submit("mid", 3)

	close(block)
	wg.Wait()

	want := []string{"high-1", "high-2", "mid", "low-1"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("expected %d completions, got %v", len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", order, want)
		}
	}
}

func TestErrorPropagation(t *testing.T) {
	c := New(2)

	sentinel := errors.New("task failed")
	err := c.Do(context.Background(), 0, func() error {
		return sentinel
	})

	if err != sentinel {
		t.Errorf("expected the task error verbatim, got %v", err)
	}

	// A failed task must still free its slot.
	stats := c.Stats()
	if stats.Running != 0 {
		t.Errorf("slot leaked after failure: %+v", stats)
	}
}

func TestCancelWhileQueued(t *testing.T) {
	c := New(1)

	block := make(chan struct{})
	occupied := make(chan struct{})
	go func() {
		_ = c.Do(context.Background(), 0, func() error {
			close(occupied)
			<-block
			return nil
		})
	}()
	<-occupied

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Do(ctx, 0, func() error { return nil })
	}()

	deadline := time.Now().Add(time.Second)
	for c.Stats().Queued != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	if got := c.Stats().Queued; got != 0 {
		t.Errorf("abandoned waiter still queued: %d", got)
	}

	close(block)
}

func TestZeroMaxDefaultsToOne(t *testing.T) {
	c := New(0)
	if c.Stats().MaxConcurrent != 1 {
		t.Errorf("expected max 1, got %d", c.Stats().MaxConcurrent)
	}
}
