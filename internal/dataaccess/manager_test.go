package dataaccess

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sharedeck/datakit/internal/pool"
	"github.com/sharedeck/datakit/pkg/errors"
	"github.com/sharedeck/datakit/pkg/events"
)

// fakeRunner is an in-memory client that records the operations it runs.
type fakeRunner struct {
	delay  time.Duration
	err    error
	result interface{}
	runs   int32
}

func (f *fakeRunner) Connect(ctx context.Context) error { return nil }
func (f *fakeRunner) Ping(ctx context.Context) error    { return nil }
func (f *fakeRunner) Close() error                      { return nil }

func (f *fakeRunner) Run(ctx context.Context, op Operation) (interface{}, error) {
	atomic.AddInt32(&f.runs, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newTestManager(t *testing.T, config *Config, runner *fakeRunner) *Manager {
	t.Helper()
	if runner == nil {
		runner = &fakeRunner{result: "ok"}
	}
	factory := func(ctx context.Context) (pool.Client, error) { return runner, nil }

	m, err := NewManager(context.Background(), config, factory)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func execute(t *testing.T, m *Manager, op Operation) (interface{}, error) {
	t.Helper()
	pc, err := m.GetClient(context.Background())
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	defer m.ReleaseClient(pc)
	return m.Execute(context.Background(), pc, op)
}

func TestValidationRules(t *testing.T) {
	config := DefaultConfig()
	config.Pool = &pool.Config{Min: 1, Max: 2}
	config.Validation = ValidationConfig{
		MaxPageSize: 50,
		MaxDepth:    3,
		RequiredFields: map[string][]string{
			"resource.findUnique": {"id"},
		},
	}

	deep := map[string]interface{}{
		"a": map[string]interface{}{
			"b": map[string]interface{}{
				"c": map[string]interface{}{"d": 1},
			},
		},
	}

	tests := []struct {
		name    string
		op      Operation
		wantErr bool
	}{
		{
			name: "page size within bound",
			op:   Operation{Model: "resource", Name: "findMany", Args: map[string]interface{}{"limit": 50}},
		},
		{
			name:    "page size exceeds bound",
			op:      Operation{Model: "resource", Name: "findMany", Args: map[string]interface{}{"limit": 51}},
			wantErr: true,
		},
		{
			name:    "negative page size",
			op:      Operation{Model: "resource", Name: "findMany", Args: map[string]interface{}{"pageSize": -1}},
			wantErr: true,
		},
		{
			name: "required field present",
			op:   Operation{Model: "resource", Name: "findUnique", Args: map[string]interface{}{"id": 7}},
		},
		{
			name:    "required field missing",
			op:      Operation{Model: "resource", Name: "findUnique", Args: map[string]interface{}{}},
			wantErr: true,
		},
		{
			name:    "required field nil",
			op:      Operation{Model: "resource", Name: "findUnique", Args: map[string]interface{}{"id": nil}},
			wantErr: true,
		},
		{
			name:    "nesting too deep",
			op:      Operation{Model: "resource", Name: "findMany", Args: deep},
			wantErr: true,
		},
		{
			name: "shallow nesting allowed",
			op:   Operation{Model: "resource", Name: "findMany", Args: map[string]interface{}{"where": map[string]interface{}{"id": 1}}},
		},
	}

	m := newTestManager(t, config, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, m, tt.op)
			if tt.wantErr && !errors.IsCode(err, errors.ErrCodeValidationFailed) {
				t.Errorf("expected VALIDATION_FAILED, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidationFailsBeforeRunning(t *testing.T) {
	runner := &fakeRunner{result: "ok"}
	config := DefaultConfig()
	config.Pool = &pool.Config{Min: 1, Max: 2}

	m := newTestManager(t, config, runner)
	_, err := execute(t, m, Operation{
		Model: "resource", Name: "findMany",
		Args: map[string]interface{}{"limit": 10_000},
	})
	if !errors.IsCode(err, errors.ErrCodeValidationFailed) {
		t.Fatalf("expected VALIDATION_FAILED, got %v", err)
	}
	if atomic.LoadInt32(&runner.runs) != 0 {
		t.Error("operation ran despite failed validation")
	}
}

func TestQueryTimeout(t *testing.T) {
	runner := &fakeRunner{delay: 200 * time.Millisecond, result: "late"}
	config := DefaultConfig()
	config.Pool = &pool.Config{Min: 1, Max: 2}
	config.QueryTimeout = 50 * time.Millisecond

	m := newTestManager(t, config, runner)

	start := time.Now()
	_, err := execute(t, m, Operation{Model: "resource", Name: "findMany"})
	elapsed := time.Since(start)

	if !errors.IsCode(err, errors.ErrCodeQueryTimeout) {
		t.Fatalf("expected QUERY_TIMEOUT, got %v", err)
	}
	if elapsed > 150*time.Millisecond {
		t.Errorf("timeout did not cut the wait: %v", elapsed)
	}
	if m.GetStats().Queries.Timeouts != 1 {
		t.Errorf("timeout not counted: %+v", m.GetStats().Queries)
	}

	// The abandoned operation still completes in the background.
	time.Sleep(200 * time.Millisecond)
	if atomic.LoadInt32(&runner.runs) != 1 {
		t.Errorf("expected the abandoned run to have executed once, got %d", runner.runs)
	}
}

func TestSlowQueryClassification(t *testing.T) {
	bus := events.NewBus()
	var slow, verySlow, plain int32
	bus.Subscribe(events.EventSlowQuery, func(events.Event) { atomic.AddInt32(&slow, 1) })
	bus.Subscribe(events.EventVerySlowQuery, func(events.Event) { atomic.AddInt32(&verySlow, 1) })
	bus.Subscribe(events.EventQuery, func(events.Event) { atomic.AddInt32(&plain, 1) })

	runner := &fakeRunner{delay: 30 * time.Millisecond, result: "ok"}
	config := DefaultConfig()
	config.Pool = &pool.Config{Min: 1, Max: 2}
	config.SlowThreshold = 20 * time.Millisecond
	config.VerySlowThreshold = 100 * time.Millisecond
	config.Events = bus

	m := newTestManager(t, config, runner)

	if _, err := execute(t, m, Operation{Model: "resource", Name: "findMany"}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	runner.delay = 120 * time.Millisecond
	if _, err := execute(t, m, Operation{Model: "resource", Name: "findMany"}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if atomic.LoadInt32(&plain) != 2 {
		t.Errorf("expected a query event per operation, got %d", plain)
	}
	if atomic.LoadInt32(&slow) != 1 || atomic.LoadInt32(&verySlow) != 1 {
		t.Errorf("expected one slow and one very-slow event, got %d/%d", slow, verySlow)
	}

	stats := m.GetStats().Queries
	if stats.Slow != 1 || stats.VerySlow != 1 || stats.Total != 2 {
		t.Errorf("unexpected counters: %+v", stats)
	}
	if stats.AvgDuration <= 0 {
		t.Errorf("expected a positive rolling average, got %v", stats.AvgDuration)
	}
}

func TestErrorsPropagateUnchanged(t *testing.T) {
	bus := events.NewBus()
	var errEvents int32
	bus.Subscribe(events.EventQueryError, func(e events.Event) {
		atomic.AddInt32(&errEvents, 1)
		for _, field := range []string{"model", "operation", "error", "timestamp"} {
			if _, ok := e.Payload[field]; !ok {
				t.Errorf("query-error payload missing %q", field)
			}
		}
	})

	boom := fmt.Errorf("unique constraint violated")
	runner := &fakeRunner{err: boom}
	config := DefaultConfig()
	config.Pool = &pool.Config{Min: 1, Max: 2}
	config.Events = bus

	m := newTestManager(t, config, runner)

	_, err := execute(t, m, Operation{Model: "resource", Name: "create"})
	if err != boom {
		t.Errorf("expected the backend error verbatim, got %v", err)
	}
	if atomic.LoadInt32(&errEvents) != 1 {
		t.Errorf("expected 1 query-error event, got %d", errEvents)
	}
	if m.GetStats().Queries.Errors != 1 {
		t.Errorf("error not counted: %+v", m.GetStats().Queries)
	}
}

func TestCombinedStats(t *testing.T) {
	config := DefaultConfig()
	config.Pool = &pool.Config{Min: 2, Max: 4}

	m := newTestManager(t, config, nil)
	if _, err := execute(t, m, Operation{Model: "resource", Name: "findMany"}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	stats := m.GetStats()
	if stats.Pool.Total < 2 {
		t.Errorf("pool stats missing: %+v", stats.Pool)
	}
	if stats.Queries.Total != 1 {
		t.Errorf("query stats missing: %+v", stats.Queries)
	}
}

func TestShutdownClosesPool(t *testing.T) {
	config := DefaultConfig()
	config.Pool = &pool.Config{Min: 1, Max: 2}

	m := newTestManager(t, config, nil)
	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if _, err := m.GetClient(context.Background()); !errors.IsCode(err, errors.ErrCodePoolClosed) {
		t.Errorf("expected POOL_CLOSED after shutdown, got %v", err)
	}
}
