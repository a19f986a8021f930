// Package dataaccess is the single entry point callers use for database
// work. It owns the connection pool and wraps every operation with
// validation, a time budget, and slow-query instrumentation.
package dataaccess

import (
	"context"
	"sync"
	"time"

	"github.com/sharedeck/datakit/internal/pool"
	"github.com/sharedeck/datakit/pkg/errors"
	"github.com/sharedeck/datakit/pkg/events"
	"github.com/sharedeck/datakit/pkg/utils"
)

const querySampleWindow = 100

// Operation describes one database call issued through the manager.
type Operation struct {
	Model string
	Name  string
	Args  map[string]interface{}
}

// Runner executes operations against a backend. Clients handed out by the
// pool implement it.
type Runner interface {
	Run(ctx context.Context, op Operation) (interface{}, error)
}

// Config represents manager configuration.
type Config struct {
	Pool *pool.Config `yaml:"pool"`

	QueryTimeout      time.Duration `yaml:"query_timeout"`
	SlowThreshold     time.Duration `yaml:"slow_threshold"`
	VerySlowThreshold time.Duration `yaml:"very_slow_threshold"`

	Validation ValidationConfig `yaml:"validation"`

	Logger *utils.StructuredLogger `yaml:"-"`
	Events *events.Bus             `yaml:"-"`
}

// DefaultConfig returns sensible manager defaults.
func DefaultConfig() *Config {
	return &Config{
		Pool:              pool.DefaultConfig(),
		QueryTimeout:      30 * time.Second,
		SlowThreshold:     500 * time.Millisecond,
		VerySlowThreshold: 2 * time.Second,
		Validation:        DefaultValidationConfig(),
	}
}

// QueryStats aggregates per-operation instrumentation.
type QueryStats struct {
	Total       uint64        `json:"total"`
	Errors      uint64        `json:"errors"`
	Slow        uint64        `json:"slow"`
	VerySlow    uint64        `json:"very_slow"`
	Timeouts    uint64        `json:"timeouts"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// Stats combines pool occupancy with query instrumentation.
type Stats struct {
	Pool    pool.Stats `json:"pool"`
	Queries QueryStats `json:"queries"`
}

// Manager owns one connection pool and instruments every operation that
// flows through it. Construct one per process and pass it explicitly;
// Shutdown tears down the owned pool.
type Manager struct {
	config *Config
	pool   *pool.Pool
	logger *utils.StructuredLogger
	events *events.Bus

	mu       sync.Mutex
	total    uint64
	errors   uint64
	slow     uint64
	verySlow uint64
	timeouts uint64
	samples  []time.Duration
}

// NewManager builds the manager and eagerly warms its pool. Pool warm-up
// failure is fatal and propagates.
func NewManager(ctx context.Context, config *Config, factory pool.Factory) (*Manager, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Pool == nil {
		config.Pool = pool.DefaultConfig()
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = 30 * time.Second
	}
	if config.SlowThreshold <= 0 {
		config.SlowThreshold = 500 * time.Millisecond
	}
	if config.VerySlowThreshold <= config.SlowThreshold {
		config.VerySlowThreshold = 4 * config.SlowThreshold
	}
	config.Validation.applyDefaults()
	if config.Logger == nil {
		config.Logger = utils.NewStructuredLogger(nil)
	}
	if config.Pool.Logger == nil {
		config.Pool.Logger = config.Logger
	}
	if config.Pool.Events == nil {
		config.Pool.Events = config.Events
	}

	p, err := pool.New(ctx, config.Pool, factory)
	if err != nil {
		return nil, err
	}

	return &Manager{
		config: config,
		pool:   p,
		logger: config.Logger.WithComponent("dataaccess"),
		events: config.Events,
	}, nil
}

// GetClient acquires a pooled client. The caller must pair every
// successful call with ReleaseClient, normally via defer.
func (m *Manager) GetClient(ctx context.Context) (*pool.PooledClient, error) {
	return m.pool.Acquire(ctx)
}

// ReleaseClient returns a client to the pool.
func (m *Manager) ReleaseClient(pc *pool.PooledClient) {
	m.pool.Release(pc)
}

// Execute runs one operation through an acquired client: arguments are
// validated first, then the call is raced against the query timeout, timed,
// and classified against the slow thresholds. Errors reach the caller
// unchanged.
func (m *Manager) Execute(ctx context.Context, pc *pool.PooledClient, op Operation) (interface{}, error) {
	if pc == nil {
		return nil, errors.NewError(errors.ErrCodeNotConnected, "no client supplied").
			WithComponent("dataaccess").WithOperation(op.Name)
	}
	runner, ok := pc.Client().(Runner)
	if !ok {
		return nil, errors.NewError(errors.ErrCodeNotConnected, "client does not support operations").
			WithComponent("dataaccess").WithOperation(op.Name)
	}

	if err := m.config.Validation.validate(op); err != nil {
		m.recordFailure(op, err)
		return nil, err
	}

	start := time.Now()
	result, err := m.runWithTimeout(ctx, runner, op)
	elapsed := time.Since(start)

	m.classify(op, elapsed)

	if err != nil {
		m.recordFailure(op, err)
		return nil, err
	}
	return result, nil
}

// GetStats returns combined pool and query statistics.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	queries := QueryStats{
		Total:    m.total,
		Errors:   m.errors,
		Slow:     m.slow,
		VerySlow: m.verySlow,
		Timeouts: m.timeouts,
	}
	if n := len(m.samples); n > 0 {
		var sum time.Duration
		for _, d := range m.samples {
			sum += d
		}
		queries.AvgDuration = sum / time.Duration(n)
	}
	m.mu.Unlock()

	return Stats{Pool: m.pool.Stats(), Queries: queries}
}

// Shutdown closes the owned pool.
func (m *Manager) Shutdown() error {
	m.logger.Info("shutting down", nil)
	return m.pool.Close()
}

// Helper methods

// runWithTimeout races the operation against the query time budget. A
// timed-out operation keeps running in the background and its result is
// dropped when it eventually completes; the client is not reclaimed
// mid-operation.
func (m *Manager) runWithTimeout(ctx context.Context, runner Runner, op Operation) (interface{}, error) {
	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, err := runner.Run(ctx, op)
		done <- outcome{result: result, err: err}
	}()

	timer := time.NewTimer(m.config.QueryTimeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.result, out.err
	case <-timer.C:
		m.mu.Lock()
		m.timeouts++
		m.mu.Unlock()
		return nil, errors.Newf(errors.ErrCodeQueryTimeout,
			"%s.%s exceeded %v", op.Model, op.Name, m.config.QueryTimeout).
			WithComponent("dataaccess").WithOperation(op.Name)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// classify folds the duration into the rolling window and emits the query
// event, plus a slow or very-slow event when a threshold is crossed.
func (m *Manager) classify(op Operation, elapsed time.Duration) {
	m.mu.Lock()
	m.total++
	m.samples = append(m.samples, elapsed)
	if len(m.samples) > querySampleWindow {
		m.samples = m.samples[1:]
	}
	verySlow := elapsed >= m.config.VerySlowThreshold
	slow := !verySlow && elapsed >= m.config.SlowThreshold
	if verySlow {
		m.verySlow++
	}
	if slow {
		m.slow++
	}
	m.mu.Unlock()

	payload := map[string]interface{}{
		"model":       op.Model,
		"operation":   op.Name,
		"duration_ms": elapsed.Milliseconds(),
	}
	m.events.Emit(events.EventQuery, payload)

	switch {
	case verySlow:
		m.logger.Warn("very slow query", payload)
		m.events.Emit(events.EventVerySlowQuery, payload)
	case slow:
		m.logger.Warn("slow query", payload)
		m.events.Emit(events.EventSlowQuery, payload)
	}
}

// recordFailure counts the error and emits the structured query-error
// event before the error is re-raised to the caller.
func (m *Manager) recordFailure(op Operation, err error) {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()

	m.logger.Error("operation failed", map[string]interface{}{
		"model":     op.Model,
		"operation": op.Name,
		"error":     err.Error(),
	})
	m.events.Emit(events.EventQueryError, map[string]interface{}{
		"model":     op.Model,
		"operation": op.Name,
		"error":     err.Error(),
		"timestamp": time.Now(),
	})
}
