// Package gate provides a priority-aware admission controller that bounds
// how many tasks run simultaneously.
package gate

import (
	"context"
	"sync"
)

// Stats is a point-in-time view of controller occupancy.
type Stats struct {
	Running       int `json:"running"`
	Queued        int `json:"queued"`
	MaxConcurrent int `json:"max_concurrent"`
}

// waiter is a queued admission request.
type waiter struct {
	priority int
	ready    chan struct{}
}

// Controller admits up to max tasks at once. Excess submissions queue in
// descending priority order, FIFO within a priority band. No task is ever
// dropped; errors propagate to the submitting caller.
type Controller struct {
	mu      sync.Mutex
	max     int
	running int
	queue   []*waiter

	dispatched uint64
}

// New creates a controller admitting up to max concurrent tasks.
func New(max int) *Controller {
	if max <= 0 {
		max = 1
	}
	return &Controller{max: max}
}

// Do runs fn once a slot is available, blocking the caller until the task
// completes. Priority orders queued submissions; equal priorities run in
// arrival order. A context cancellation while queued abandons the request.
func (c *Controller) Do(ctx context.Context, priority int, fn func() error) error {
	if err := c.acquire(ctx, priority); err != nil {
		return err
	}
	defer c.release()
	return fn()
}

func (c *Controller) acquire(ctx context.Context, priority int) error {
	c.mu.Lock()
	if c.running < c.max {
		c.running++
		c.dispatched++
		c.mu.Unlock()
		return nil
	}

	w := &waiter{priority: priority, ready: make(chan struct{})}
	c.enqueue(w)
	c.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		select {
		case <-w.ready:
			// The slot was handed over concurrently with cancellation.
			// Give it back so the next waiter is not starved.
			c.mu.Unlock()
			c.release()
		default:
			c.remove(w)
			c.mu.Unlock()
		}
		return ctx.Err()
	}
}

// release frees a slot, handing it directly to the highest-priority waiter
// when one exists.
func (c *Controller) release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) > 0 {
		w := c.queue[0]
		c.queue = c.queue[1:]
		c.dispatched++
		close(w.ready) // slot ownership transfers, running count unchanged
		return
	}
	c.running--
}

// enqueue inserts before the first waiter of strictly lower priority, so
// later equal-priority arrivals land after existing ones. Caller holds mu.
func (c *Controller) enqueue(w *waiter) {
	idx := len(c.queue)
	for i, queued := range c.queue {
		if queued.priority < w.priority {
			idx = i
			break
		}
	}
	c.queue = append(c.queue, nil)
	copy(c.queue[idx+1:], c.queue[idx:])
	c.queue[idx] = w
}

// remove deletes an abandoned waiter. Caller holds mu.
func (c *Controller) remove(w *waiter) {
	for i, queued := range c.queue {
		if queued == w {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// Stats returns current occupancy.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Running:       c.running,
		Queued:        len(c.queue),
		MaxConcurrent: c.max,
	}
}

// Dispatched returns the total number of tasks admitted so far.
func (c *Controller) Dispatched() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatched
}
