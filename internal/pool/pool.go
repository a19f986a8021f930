// Package pool manages a bounded set of database-client handles: creation,
// acquisition with timeout, release, idle reclamation, and leak detection.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/sharedeck/datakit/pkg/errors"
	"github.com/sharedeck/datakit/pkg/events"
	"github.com/sharedeck/datakit/pkg/retry"
	"github.com/sharedeck/datakit/pkg/utils"
)

const (
	maxMaintenanceInterval = 30 * time.Second
	latencySampleWindow    = 100
	initConnectAttempts    = 3
)

// Config represents pool configuration. All values are caller-tunable.
type Config struct {
	Min                    int           `yaml:"min"`
	Max                    int           `yaml:"max"`
	IdleTimeout            time.Duration `yaml:"idle_timeout"`
	AcquireTimeout         time.Duration `yaml:"acquire_timeout"`
	RetryInterval          time.Duration `yaml:"retry_interval"`
	LeakDetectionThreshold time.Duration `yaml:"leak_detection_threshold"`

	// CaptureStacks records the acquirer's stack on every acquisition, for
	// leak diagnosis. Off by default; stack capture is not free.
	CaptureStacks bool `yaml:"capture_stacks"`

	Logger *utils.StructuredLogger `yaml:"-"`
	Events *events.Bus             `yaml:"-"`
}

// DefaultConfig returns sensible pool defaults.
func DefaultConfig() *Config {
	return &Config{
		Min:                    2,
		Max:                    10,
		IdleTimeout:            30 * time.Second,
		AcquireTimeout:         5 * time.Second,
		RetryInterval:          time.Second,
		LeakDetectionThreshold: 60 * time.Second,
	}
}

// Stats tracks connection pool statistics, recomputed on request.
type Stats struct {
	Active            int           `json:"active"`
	Idle              int           `json:"idle"`
	Total             int           `json:"total"`
	Waiting           int           `json:"waiting"`
	Max               int           `json:"max"`
	AvgAcquireLatency time.Duration `json:"avg_acquire_latency"`
	MaxInUse          int           `json:"max_in_use"`
	Leaks             uint64        `json:"leaks"`
	Created           uint64        `json:"created"`
	Destroyed         uint64        `json:"destroyed"`
	Timeouts          uint64        `json:"timeouts"`
}

// waiterResult delivers either a client or a terminal error to a waiter.
type waiterResult struct {
	pc  *PooledClient
	err error
}

// acquireWaiter is a queued acquisition request, serviced strictly FIFO.
type acquireWaiter struct {
	enqueuedAt time.Time
	stack      string
	ch         chan waiterResult
	done       bool // guarded by pool mutex; set once on deliver/reject
}

// Pool manages a bounded set of pooled clients.
type Pool struct {
	config  *Config
	factory Factory
	logger  *utils.StructuredLogger
	events  *events.Bus

	mu       sync.Mutex
	idle     []*PooledClient
	active   map[*PooledClient]struct{}
	waiters  []*acquireWaiter
	creating int
	closed   bool

	acquireSamples []time.Duration
	maxInUse       int
	leaks          uint64
	created        uint64
	destroyed      uint64
	timeouts       uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a pool and eagerly connects Min clients. Initialization
// failures are fatal: the pool is torn down and an error returned.
func New(ctx context.Context, config *Config, factory Factory) (*Pool, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Max <= 0 {
		config.Max = 10
	}
	if config.Min < 0 {
		config.Min = 0
	}
	if config.Min > config.Max {
		config.Min = config.Max
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 30 * time.Second
	}
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = 5 * time.Second
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = time.Second
	}
	if config.LeakDetectionThreshold <= 0 {
		config.LeakDetectionThreshold = 60 * time.Second
	}
	if config.Logger == nil {
		config.Logger = utils.NewStructuredLogger(nil)
	}
	if factory == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "client factory cannot be nil").
			WithComponent("pool")
	}

	p := &Pool{
		config:  config,
		factory: factory,
		logger:  config.Logger.WithComponent("pool"),
		events:  config.Events,
		active:  make(map[*PooledClient]struct{}),
		stopCh:  make(chan struct{}),
	}

	// Eager warm-up: connect Min clients, retrying transient failures with
	// exponential backoff before giving up.
	connectRetry := retry.New(retry.Config{
		MaxAttempts: initConnectAttempts,
		BaseDelay:   config.RetryInterval,
		Backoff:     retry.BackoffExponential,
	})
	for i := 0; i < config.Min; i++ {
		var pc *PooledClient
		err := connectRetry.Do(ctx, func(ctx context.Context) error {
			var cerr error
			pc, cerr = p.connect(ctx)
			return cerr
		})
		if err != nil {
			_ = p.Close()
			return nil, errors.Newf(errors.ErrCodeClientCreation,
				"failed to establish initial client %d of %d", i+1, config.Min).
				WithComponent("pool").WithCause(err)
		}
		p.mu.Lock()
		p.idle = append(p.idle, pc)
		p.mu.Unlock()
	}

	p.wg.Add(1)
	go p.maintenanceLoop()

	p.logger.Info("pool started", map[string]interface{}{
		"min": config.Min,
		"max": config.Max,
	})

	return p, nil
}

// Acquire hands out a pooled client: an idle one if available, a fresh one
// if the pool has headroom, otherwise the caller queues FIFO until a client
// is released or AcquireTimeout elapses.
func (p *Pool) Acquire(ctx context.Context) (*PooledClient, error) {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.NewError(errors.ErrCodePoolClosed, "pool is closed").
			WithComponent("pool").WithOperation("acquire")
	}

	// 1) Idle client available.
	if n := len(p.idle); n > 0 {
		pc := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.checkout(pc, start)
		p.mu.Unlock()
		return pc, nil
	}

	// 2) Room to grow. Reserve a slot so concurrent acquires cannot
	// overshoot Max while the factory runs unlocked.
	if p.total() < p.config.Max {
		p.creating++
		p.mu.Unlock()

		pc, err := p.connect(ctx)

		p.mu.Lock()
		p.creating--
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if p.closed {
			p.mu.Unlock()
			_ = pc.client.Close()
			return nil, errors.NewError(errors.ErrCodePoolClosed, "pool closed during acquire").
				WithComponent("pool").WithOperation("acquire")
		}
		p.checkout(pc, start)
		p.mu.Unlock()
		return pc, nil
	}

	// 3) Saturated: queue as the newest waiter.
	w := &acquireWaiter{
		enqueuedAt: start,
		ch:         make(chan waiterResult, 1),
	}
	if p.config.CaptureStacks {
		w.stack = errors.CaptureStack(1)
	}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.config.AcquireTimeout)
	defer timer.Stop()

	select {
	case res := <-w.ch:
		return res.pc, res.err
	case <-timer.C:
		return nil, p.abandonWaiter(w, true)
	case <-ctx.Done():
		if err := p.abandonWaiter(w, false); err != nil {
			return nil, err
		}
		return nil, ctx.Err()
	}
}

// abandonWaiter withdraws a queued waiter. If a client was delivered in the
// same instant it is returned to the pool instead of leaking. When timedOut
// is set, the pool records the timeout and emits its event; the returned
// error is what the acquire call should surface.
func (p *Pool) abandonWaiter(w *acquireWaiter, timedOut bool) error {
	p.mu.Lock()
	if w.done {
		p.mu.Unlock()
		// Lost the race: a client is already in the channel.
		res := <-w.ch
		if res.pc != nil {
			p.Release(res.pc)
		}
		return res.err
	}
	w.done = true
	p.removeWaiter(w)
	if timedOut {
		p.timeouts++
	}
	waited := time.Since(w.enqueuedAt)
	p.mu.Unlock()

	if !timedOut {
		return nil
	}

	p.events.Emit(events.EventAcquireTimeout, map[string]interface{}{
		"waited_ms": waited.Milliseconds(),
	})
	return errors.Newf(errors.ErrCodeAcquireTimeout,
		"no client became available within %v", p.config.AcquireTimeout).
		WithComponent("pool").WithOperation("acquire")
}

// Release returns a client to the pool. If waiters are queued, the client
// is handed directly to the oldest one and stays active; otherwise it moves
// to the idle set.
func (p *Pool) Release(pc *PooledClient) {
	if pc == nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.destroyed++
		p.mu.Unlock()
		_ = pc.client.Close()
		return
	}

	if _, ok := p.active[pc]; !ok {
		p.mu.Unlock()
		p.logger.Warn("release of a client the pool does not consider active", nil)
		return
	}

	// Direct handoff to the oldest waiter before returning to idle.
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		if w.done {
			continue
		}
		w.done = true
		pc.acquiredAt = time.Now()
		pc.acquirerStack = w.stack
		p.recordAcquire(time.Since(w.enqueuedAt))
		p.mu.Unlock()
		w.ch <- waiterResult{pc: pc}
		return
	}

	delete(p.active, pc)
	pc.acquiredAt = time.Time{}
	pc.acquirerStack = ""
	pc.lastActive = time.Now()
	p.idle = append(p.idle, pc)
	p.mu.Unlock()
}

// Close stops maintenance, disconnects every client, and rejects all
// queued waiters.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	toClose := make([]*PooledClient, 0, len(p.idle)+len(p.active))
	toClose = append(toClose, p.idle...)
	for pc := range p.active {
		toClose = append(toClose, pc)
	}
	p.idle = nil
	p.active = make(map[*PooledClient]struct{})

	waiters := p.waiters
	p.waiters = nil
	p.destroyed += uint64(len(toClose))
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	for _, w := range waiters {
		if !w.done {
			w.done = true
			w.ch <- waiterResult{err: errors.NewError(errors.ErrCodePoolClosed, "pool is closed").
				WithComponent("pool").WithOperation("acquire")}
		}
	}

	for _, pc := range toClose {
		if err := pc.client.Close(); err != nil {
			p.logger.Warn("error closing client", map[string]interface{}{"error": err.Error()})
		}
	}

	p.logger.Info("pool closed", map[string]interface{}{"clients_closed": len(toClose)})
	return nil
}

// Stats returns a snapshot of pool occupancy and accounting.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		Active:    len(p.active),
		Idle:      len(p.idle),
		Total:     p.total(),
		Waiting:   len(p.waiters),
		Max:       p.config.Max,
		MaxInUse:  p.maxInUse,
		Leaks:     p.leaks,
		Created:   p.created,
		Destroyed: p.destroyed,
		Timeouts:  p.timeouts,
	}

	if n := len(p.acquireSamples); n > 0 {
		var sum time.Duration
		for _, d := range p.acquireSamples {
			sum += d
		}
		stats.AvgAcquireLatency = sum / time.Duration(n)
	}

	return stats
}

// connect creates and connects a fresh client.
func (p *Pool) connect(ctx context.Context) (*PooledClient, error) {
	client, err := p.factory(ctx)
	if err == nil {
		err = client.Connect(ctx)
	}
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeClientCreation, "failed to establish backend connection").
			WithComponent("pool").WithOperation("connect").WithCause(err)
	}

	now := time.Now()
	p.mu.Lock()
	p.created++
	p.mu.Unlock()

	return &PooledClient{
		client:     client,
		createdAt:  now,
		lastActive: now,
	}, nil
}

// checkout marks a client active. Caller holds mu.
func (p *Pool) checkout(pc *PooledClient, start time.Time) {
	pc.acquiredAt = time.Now()
	pc.lastActive = pc.acquiredAt
	if p.config.CaptureStacks {
		pc.acquirerStack = errors.CaptureStack(2)
	}
	p.active[pc] = struct{}{}
	p.recordAcquire(time.Since(start))
}

// recordAcquire folds a latency sample into the rolling window and tracks
// the in-use high-water mark. Caller holds mu.
func (p *Pool) recordAcquire(d time.Duration) {
	p.acquireSamples = append(p.acquireSamples, d)
	if len(p.acquireSamples) > latencySampleWindow {
		p.acquireSamples = p.acquireSamples[1:]
	}
	if inUse := len(p.active); inUse > p.maxInUse {
		p.maxInUse = inUse
	}
}

// total counts every client the pool owns or is creating. Caller holds mu.
func (p *Pool) total() int {
	return len(p.idle) + len(p.active) + p.creating
}

func (p *Pool) removeWaiter(w *acquireWaiter) {
	for i, queued := range p.waiters {
		if queued == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// maintenanceLoop runs leak detection, idle reclamation, and waiter timeout
// sweeps on a fixed interval.
func (p *Pool) maintenanceLoop() {
	defer p.wg.Done()

	interval := p.config.IdleTimeout / 2
	if interval > maxMaintenanceInterval {
		interval = maxMaintenanceInterval
	}
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.maintain()
		}
	}
}

func (p *Pool) maintain() {
	now := time.Now()

	type leakInfo struct {
		age   time.Duration
		stack string
	}
	var leaked []leakInfo
	var reaped []*PooledClient
	var expired []*acquireWaiter

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	// Leak detection is observational: the client is flagged every tick it
	// remains outstanding but never force-reclaimed.
	for pc := range p.active {
		if now.Sub(pc.acquiredAt) > p.config.LeakDetectionThreshold {
			p.leaks++
			leaked = append(leaked, leakInfo{age: now.Sub(pc.acquiredAt), stack: pc.acquirerStack})
		}
	}

	// Reap idle clients past IdleTimeout, never shrinking below Min.
	kept := p.idle[:0]
	for _, pc := range p.idle {
		if now.Sub(pc.lastActive) > p.config.IdleTimeout && p.total()-len(reaped) > p.config.Min {
			reaped = append(reaped, pc)
			continue
		}
		kept = append(kept, pc)
	}
	p.idle = kept
	p.destroyed += uint64(len(reaped))

	// Backstop sweep for waiters whose own timers have not fired yet.
	remaining := p.waiters[:0]
	for _, w := range p.waiters {
		if !w.done && now.Sub(w.enqueuedAt) > p.config.AcquireTimeout {
			w.done = true
			p.timeouts++
			expired = append(expired, w)
			continue
		}
		remaining = append(remaining, w)
	}
	p.waiters = remaining
	p.mu.Unlock()

	for _, l := range leaked {
		p.logger.Warn("connection held past leak threshold", map[string]interface{}{
			"held_for": l.age.String(),
		})
		p.events.Emit(events.EventConnectionLeak, map[string]interface{}{
			"held_ms": l.age.Milliseconds(),
			"stack":   l.stack,
		})
	}

	for _, pc := range reaped {
		if err := pc.client.Close(); err != nil {
			p.logger.Warn("error closing idle client", map[string]interface{}{"error": err.Error()})
		}
		p.events.Emit(events.EventConnectionClosed, map[string]interface{}{
			"idle_ms": now.Sub(pc.lastActive).Milliseconds(),
		})
	}

	for _, w := range expired {
		p.events.Emit(events.EventAcquireTimeout, map[string]interface{}{
			"waited_ms": now.Sub(w.enqueuedAt).Milliseconds(),
		})
		w.ch <- waiterResult{err: errors.Newf(errors.ErrCodeAcquireTimeout,
			"no client became available within %v", p.config.AcquireTimeout).
			WithComponent("pool").WithOperation("acquire")}
	}
}
