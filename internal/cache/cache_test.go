package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sharedeck/datakit/internal/persist"
)

func newTestCache(t *testing.T, config *Config) *Cache {
	t.Helper()
	if config == nil {
		config = &Config{
			MaxEntries:     10,
			TTL:            time.Minute,
			MaxRetries:     1,
			RetryBaseDelay: time.Millisecond,
		}
	}
	c, err := New(config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func staticFetcher(value interface{}, calls *int32) FetchFunc {
	return func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(calls, 1)
		return value, nil
	}
}

func TestHitMissAccounting(t *testing.T) {
	c := newTestCache(t, nil)

	var calls int32
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("key-%d", i)
		if _, err := c.Get(context.Background(), key, staticFetcher(i, &calls), nil); err != nil {
			t.Fatalf("Get(%s) failed: %v", key, err)
		}
	}

	stats := c.GetStats()
	if stats.Misses != 5 || stats.Hits != 0 {
		t.Errorf("expected 5 misses and 0 hits, got %d/%d", stats.Misses, stats.Hits)
	}

	// Repeat before expiry: hit, fetcher not re-invoked.
	before := atomic.LoadInt32(&calls)
	v, err := c.Get(context.Background(), "key-0", staticFetcher(99, &calls), nil)
	if err != nil {
		t.Fatalf("repeat Get failed: %v", err)
	}
	if v != 0 {
		t.Errorf("expected cached value 0, got %v", v)
	}
	if atomic.LoadInt32(&calls) != before {
		t.Error("fetcher re-invoked on a warm key")
	}
	if got := c.GetStats().Hits; got != 1 {
		t.Errorf("expected 1 hit, got %d", got)
	}
}

func TestSetGetExpire(t *testing.T) {
	c := newTestCache(t, &Config{
		MaxEntries:     10,
		TTL:            time.Minute,
		UpdateAgeOnGet: false,
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
	})

	var calls int32
	c.Set("a", 1, 50*time.Millisecond)

	v, err := c.Get(context.Background(), "a", staticFetcher(2, &calls), nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if v != 1 || atomic.LoadInt32(&calls) != 0 {
		t.Errorf("expected set value without fetch, got %v (calls=%d)", v, calls)
	}

	time.Sleep(60 * time.Millisecond)

	v, err = c.Get(context.Background(), "a", staticFetcher(2, &calls), nil)
	if err != nil {
		t.Fatalf("Get after expiry failed: %v", err)
	}
	if v != 2 || atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected re-fetched value after TTL, got %v (calls=%d)", v, calls)
	}
}

func TestRetryExhaustion(t *testing.T) {
	c := newTestCache(t, &Config{
		MaxEntries:     10,
		TTL:            time.Minute,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
	})

	boom := fmt.Errorf("backend unavailable")
	var calls int32
	fetch := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, boom
	}

	_, err := c.Get(context.Background(), "k", fetch, nil)
	if err != boom {
		t.Errorf("expected the final error verbatim, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected exactly 3 fetch attempts, got %d", got)
	}
	if c.GetStats().Errors != 1 {
		t.Errorf("expected 1 recorded error, got %d", c.GetStats().Errors)
	}
}

func TestDiskRepopulation(t *testing.T) {
	dir := t.TempDir()
	pcfg := &persist.Config{Directory: dir}

	first := newTestCache(t, &Config{
		MaxEntries:     10,
		TTL:            time.Minute,
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
		Persistence:    pcfg,
	})
	first.Set("user:7", map[string]interface{}{"name": "ada"}, time.Minute)
	_ = first.Close()

	// Fresh instance over the same directory: memory is cold, disk is not.
	second := newTestCache(t, &Config{
		MaxEntries:     10,
		TTL:            time.Minute,
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
		Persistence:    &persist.Config{Directory: dir},
	})

	var calls int32
	v, err := second.Get(context.Background(), "user:7", staticFetcher(nil, &calls), nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	m, ok := v.(map[string]interface{})
	if !ok || m["name"] != "ada" {
		t.Errorf("unexpected disk value: %v", v)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Error("fetcher invoked despite disk hit")
	}
	if second.GetStats().Hits != 1 {
		t.Errorf("disk hit not counted as hit: %+v", second.GetStats())
	}
}

func TestWarmupPopulatesBeforeGet(t *testing.T) {
	var calls int32
	c := newTestCache(t, &Config{
		MaxEntries:     10,
		TTL:            time.Minute,
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
		Warmup: []WarmupSpec{
			{Key: "settings", Priority: 10, Fetch: staticFetcher("v1", &calls)},
			{Key: "labels", Priority: 5, Fetch: staticFetcher("v2", &calls)},
		},
	})

	// Get awaits warm-up, so the fetcher passed here must never run.
	var lateCalls int32
	v, err := c.Get(context.Background(), "settings", staticFetcher("late", &lateCalls), nil)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if v != "v1" {
		t.Errorf("expected warm-up value, got %v", v)
	}
	if atomic.LoadInt32(&lateCalls) != 0 {
		t.Error("caller fetcher ran for a warmed key")
	}

	stats := c.GetStats()
	if stats.Warmup.Total != 2 || stats.Warmup.Succeeded != 2 || stats.Warmup.Failed != 0 {
		t.Errorf("unexpected warm-up stats: %+v", stats.Warmup)
	}
}

func TestWarmupFailureIsCounted(t *testing.T) {
	failing := func(ctx context.Context) (interface{}, error) {
		return nil, fmt.Errorf("no backend")
	}
	c := newTestCache(t, &Config{
		MaxEntries:     10,
		TTL:            time.Minute,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
		Warmup:         []WarmupSpec{{Key: "broken", Fetch: failing}},
	})

	<-c.warmupDone

	stats := c.GetStats()
	if stats.Warmup.Failed != 1 || stats.Warmup.Succeeded != 0 {
		t.Errorf("unexpected warm-up stats: %+v", stats.Warmup)
	}
}

func TestRefreshKeepsFetching(t *testing.T) {
	var calls int32
	fetch := func(ctx context.Context) (interface{}, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 2 {
			// A failing tick must not stop the timer.
			return nil, fmt.Errorf("transient")
		}
		return n, nil
	}

	newTestCache(t, &Config{
		MaxEntries:     10,
		TTL:            time.Minute,
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
		Warmup: []WarmupSpec{
			{Key: "feed", RefreshInterval: 20 * time.Millisecond, Fetch: fetch},
		},
	})

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&calls) < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if got := atomic.LoadInt32(&calls); got < 4 {
		t.Errorf("expected refresh to keep ticking past a failure, got %d calls", got)
	}
}

func TestDeleteRemovesRefreshAndDisk(t *testing.T) {
	dir := t.TempDir()
	var calls int32
	c := newTestCache(t, &Config{
		MaxEntries:     10,
		TTL:            time.Minute,
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
		Persistence:    &persist.Config{Directory: dir},
		Warmup: []WarmupSpec{
			{Key: "feed", RefreshInterval: 10 * time.Millisecond, Fetch: staticFetcher("x", &calls)},
		},
	})

	<-c.warmupDone
	c.Delete("feed")

	settled := atomic.LoadInt32(&calls)
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != settled {
		t.Errorf("refresh still running after delete: %d -> %d", settled, got)
	}

	if _, ok, _ := c.persist.Load("feed"); ok {
		t.Error("disk entry survived delete")
	}
	if _, ok := c.GetKeyMetrics("feed"); ok {
		t.Error("memory entry survived delete")
	}
}

func TestKeyMetrics(t *testing.T) {
	c := newTestCache(t, nil)

	c.Set("m", 42, time.Minute)
	var calls int32
	if _, err := c.Get(context.Background(), "m", staticFetcher(0, &calls), nil); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	metrics, ok := c.GetKeyMetrics("m")
	if !ok {
		t.Fatal("expected metrics for a live key")
	}
	if metrics.Hits != 1 {
		t.Errorf("expected 1 hit recorded, got %d", metrics.Hits)
	}
	if metrics.SetAt.IsZero() || metrics.ExpiresAt.IsZero() {
		t.Errorf("incomplete metrics: %+v", metrics)
	}
}

func TestEvictionAtCapacity(t *testing.T) {
	c := newTestCache(t, &Config{
		MaxEntries:     3,
		TTL:            time.Minute,
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
	})

	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("k%d", i), i, time.Minute)
	}

	if got := c.GetStats().Entries; got != 3 {
		t.Errorf("expected capacity bound of 3 entries, got %d", got)
	}
	// Oldest entries evicted first.
	if _, ok := c.GetKeyMetrics("k0"); ok {
		t.Error("least-recently-used entry survived eviction")
	}
	if _, ok := c.GetKeyMetrics("k4"); !ok {
		t.Error("most recent entry was evicted")
	}
}
