package metrics

import (
	"testing"
	"time"

	"github.com/sharedeck/datakit/pkg/events"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(&Config{Enabled: true, Namespace: "datakit_test"})
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}
	return c
}

func TestDisabledCollectorIsInert(t *testing.T) {
	c, err := NewCollector(&Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}

	// None of these may panic on a disabled collector.
	c.RecordCacheRequest("hit", "memory")
	c.UpdateCacheEntries(10)
	c.UpdatePoolClients(1, 2, 0)
	c.Bind(events.NewBus())
}

func TestEventStreamFeedsOperationTracking(t *testing.T) {
	c := newTestCollector(t)
	bus := events.NewBus()
	c.Bind(bus)

	bus.Emit(events.EventQuery, map[string]interface{}{
		"model": "resource", "operation": "findMany", "duration_ms": int64(12),
	})
	bus.Emit(events.EventQuery, map[string]interface{}{
		"model": "resource", "operation": "findMany", "duration_ms": int64(24),
	})
	bus.Emit(events.EventQueryError, map[string]interface{}{
		"model": "resource", "operation": "create", "error": "boom",
	})

	metrics := c.GetMetrics()
	operations := metrics["operations"].(map[string]*OperationMetrics)

	find := operations["resource.findMany"]
	if find == nil || find.Count != 2 {
		t.Fatalf("expected 2 tracked findMany operations, got %+v", find)
	}
	if find.AvgDuration != 18*time.Millisecond {
		t.Errorf("unexpected average: %v", find.AvgDuration)
	}

	create := operations["resource.create"]
	if create == nil || create.Errors != 1 {
		t.Fatalf("expected 1 tracked create error, got %+v", create)
	}
}

func TestUnknownPayloadFieldsDoNotPanic(t *testing.T) {
	c := newTestCollector(t)
	bus := events.NewBus()
	c.Bind(bus)

	bus.Emit(events.EventQuery, map[string]interface{}{})
	bus.Emit(events.EventConnectionLeak, map[string]interface{}{"held_ms": int64(5000)})
	bus.Emit(events.EventAcquireTimeout, nil)
	bus.Emit(events.EventError, map[string]interface{}{"key": "k"})

	operations := c.GetMetrics()["operations"].(map[string]*OperationMetrics)
	if operations["unknown.unknown"] == nil {
		t.Error("expected unlabeled queries to be tracked under unknown.unknown")
	}
}

func TestResetMetrics(t *testing.T) {
	c := newTestCollector(t)
	bus := events.NewBus()
	c.Bind(bus)

	bus.Emit(events.EventQuery, map[string]interface{}{
		"model": "resource", "operation": "findMany", "duration_ms": int64(1),
	})
	c.ResetMetrics()

	operations := c.GetMetrics()["operations"].(map[string]*OperationMetrics)
	if len(operations) != 0 {
		t.Errorf("expected empty tracking after reset, got %d entries", len(operations))
	}
}
