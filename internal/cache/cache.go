// Package cache provides a TTL and size bounded in-memory query cache with
// optional disk persistence, bounded concurrent fetches, warm-up, and
// scheduled background refresh.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sharedeck/datakit/internal/gate"
	"github.com/sharedeck/datakit/internal/persist"
	"github.com/sharedeck/datakit/pkg/errors"
	"github.com/sharedeck/datakit/pkg/events"
	"github.com/sharedeck/datakit/pkg/memmon"
	"github.com/sharedeck/datakit/pkg/retry"
	"github.com/sharedeck/datakit/pkg/utils"
)

const (
	fetchSampleWindow    = 100
	pressureEvictTarget  = 0.2
	defaultMemoryCheckIv = 10 * time.Second
)

// FetchFunc produces the value for a cache key on miss.
type FetchFunc func(ctx context.Context) (interface{}, error)

// Config represents cache configuration.
type Config struct {
	MaxEntries     int           `yaml:"max_entries"`
	TTL            time.Duration `yaml:"ttl"`
	UpdateAgeOnGet bool          `yaml:"update_age_on_get"`

	MaxConcurrentFetches int           `yaml:"max_concurrent_fetches"`
	MaxRetries           int           `yaml:"max_retries"`
	RetryBaseDelay       time.Duration `yaml:"retry_base_delay"`

	// MaxMemoryUsage is a process heap ceiling in bytes. Zero disables the
	// pressure watcher.
	MaxMemoryUsage      uint64        `yaml:"max_memory_usage"`
	MemoryCheckInterval time.Duration `yaml:"memory_check_interval"`

	// Persistence enables the on-disk layer when non-nil.
	Persistence *persist.Config `yaml:"persistence"`

	Warmup []WarmupSpec            `yaml:"-"`
	Logger *utils.StructuredLogger `yaml:"-"`
	Events *events.Bus             `yaml:"-"`
}

// DefaultConfig returns sensible cache defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxEntries:           500,
		TTL:                  5 * time.Minute,
		UpdateAgeOnGet:       true,
		MaxConcurrentFetches: 5,
		MaxRetries:           3,
		RetryBaseDelay:       100 * time.Millisecond,
	}
}

// WarmupSpec names a key to pre-populate at construction. A non-zero
// RefreshInterval keeps the key fresh with a recurring background re-fetch.
type WarmupSpec struct {
	Key             string
	Priority        int
	TTL             time.Duration
	RefreshInterval time.Duration
	Fetch           FetchFunc
}

// GetOptions overrides cache defaults for a single Get call.
type GetOptions struct {
	TTL            time.Duration
	Priority       int
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// WarmupStats aggregates the construction-time warm-up pass.
type WarmupStats struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Stats is a point-in-time view of cache behavior.
type Stats struct {
	Hits         uint64          `json:"hits"`
	Misses       uint64          `json:"misses"`
	Errors       uint64          `json:"errors"`
	HitRate      float64         `json:"hit_rate"`
	MissRate     float64         `json:"miss_rate"`
	Entries      int             `json:"entries"`
	AvgFetchTime time.Duration   `json:"avg_fetch_time"`
	Memory       memmon.Snapshot `json:"memory"`
	Warmup       WarmupStats     `json:"warmup"`
	Gate         gate.Stats      `json:"gate"`
	Persistence  *persist.Stats  `json:"persistence,omitempty"`
}

// refreshTask is one recurring background re-fetch.
type refreshTask struct {
	stopCh chan struct{}
}

// Cache is the query cache. Reads go memory first, then disk, then the
// supplied fetcher bounded by the concurrency gate and a linear-backoff
// retry policy.
type Cache struct {
	config  *Config
	store   *memoryStore
	gate    *gate.Controller
	persist *persist.Manager
	watcher *memmon.Watcher
	logger  *utils.StructuredLogger
	events  *events.Bus

	mu           sync.Mutex
	refresh      map[string]*refreshTask
	hits         uint64
	misses       uint64
	errors       uint64
	fetchSamples []time.Duration
	warmupStats  WarmupStats
	closed       bool

	warmupDone chan struct{}
	wg         sync.WaitGroup
}

// New builds a cache and kicks off the warm-up pass in the background.
// Callers that need warm-up entries visible simply call Get, which awaits
// warm-up completion before its first lookup.
func New(config *Config) (*Cache, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 500
	}
	if config.TTL <= 0 {
		config.TTL = 5 * time.Minute
	}
	if config.MaxConcurrentFetches <= 0 {
		config.MaxConcurrentFetches = 5
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = 100 * time.Millisecond
	}
	if config.MemoryCheckInterval <= 0 {
		config.MemoryCheckInterval = defaultMemoryCheckIv
	}
	if config.Logger == nil {
		config.Logger = utils.NewStructuredLogger(nil)
	}

	c := &Cache{
		config:     config,
		store:      newMemoryStore(config.MaxEntries, config.UpdateAgeOnGet),
		gate:       gate.New(config.MaxConcurrentFetches),
		logger:     config.Logger.WithComponent("cache"),
		events:     config.Events,
		refresh:    make(map[string]*refreshTask),
		warmupDone: make(chan struct{}),
	}

	if config.Persistence != nil {
		pm, err := persist.NewManager(config.Persistence, config.Logger)
		if err != nil {
			return nil, err
		}
		c.persist = pm
	}

	if config.MaxMemoryUsage > 0 {
		c.watcher = memmon.NewWatcher(memmon.Config{
			SampleInterval: config.MemoryCheckInterval,
			UsageCeiling:   config.MaxMemoryUsage,
			OnPressure:     c.onMemoryPressure,
			Logger:         config.Logger,
		})
		c.watcher.Start()
	}

	c.wg.Add(1)
	go c.runWarmup(config.Warmup)

	return c, nil
}

// Get returns the value for key. Lookup order: await warm-up once, then
// memory, then disk (repopulating memory on a disk hit), then the fetcher
// run through the concurrency gate with linear-backoff retries. Fetched
// values are stored in memory and, best effort, on disk.
func (c *Cache) Get(ctx context.Context, key string, fetch FetchFunc, opts *GetOptions) (interface{}, error) {
	select {
	case <-c.warmupDone:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if value, ok := c.store.Get(key); ok {
		c.recordHit()
		return value, nil
	}

	ttl := c.config.TTL
	if opts != nil && opts.TTL > 0 {
		ttl = opts.TTL
	}

	if c.persist != nil {
		value, ok, err := c.persist.Load(key)
		if err != nil {
			c.logger.Warn("disk load failed, continuing to fetch", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		} else if ok {
			c.store.Set(key, value, ttl)
			c.recordHit()
			return value, nil
		}
	}

	c.recordMiss()

	if fetch == nil {
		return nil, errors.Newf(errors.ErrCodeQueryFailed, "no fetcher supplied for key %q", key).
			WithComponent("cache").WithOperation("get")
	}

	value, err := c.runFetch(ctx, key, fetch, opts)
	if err != nil {
		c.recordError()
		c.events.Emit(events.EventError, map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
		return nil, err
	}

	c.setValue(key, value, ttl)
	return value, nil
}

// Set writes the value to memory immediately. The disk write is best
// effort: failures are logged, never returned, and the in-memory value
// stays authoritative.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.config.TTL
	}
	c.setValue(key, value, ttl)
}

// Delete removes the key from memory, disk, and any registered refresh.
func (c *Cache) Delete(key string) {
	c.store.Delete(key)
	c.stopRefresh(key)

	if c.persist != nil {
		if err := c.persist.Delete(key); err != nil {
			c.logger.Warn("disk delete failed", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}
}

// Clear empties memory, cancels every refresh, and wipes the disk layer.
func (c *Cache) Clear() {
	c.store.Clear()

	c.mu.Lock()
	tasks := c.refresh
	c.refresh = make(map[string]*refreshTask)
	c.mu.Unlock()
	for _, task := range tasks {
		close(task.stopCh)
	}

	if c.persist != nil {
		if err := c.persist.Clear(); err != nil {
			c.logger.Warn("disk clear failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

// GetKeyMetrics returns per-key accounting for a key currently in memory.
func (c *Cache) GetKeyMetrics(key string) (KeyMetrics, bool) {
	return c.store.Metrics(key)
}

// GetStats returns a point-in-time snapshot of hit/miss accounting, fetch
// timing, memory, warm-up, gate, and persistence state.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	stats := Stats{
		Hits:   c.hits,
		Misses: c.misses,
		Errors: c.errors,
		Warmup: c.warmupStats,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
		stats.MissRate = float64(c.misses) / float64(total)
	}
	if n := len(c.fetchSamples); n > 0 {
		var sum time.Duration
		for _, d := range c.fetchSamples {
			sum += d
		}
		stats.AvgFetchTime = sum / time.Duration(n)
	}
	c.mu.Unlock()

	stats.Entries = c.store.Len()
	stats.Memory = memmon.Take()
	stats.Gate = c.gate.Stats()

	if c.persist != nil {
		if ps, err := c.persist.GetStats(); err == nil {
			stats.Persistence = &ps
		}
	}

	return stats
}

// Close stops refresh timers and the memory watcher and waits for the
// warm-up pass to finish.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tasks := c.refresh
	c.refresh = make(map[string]*refreshTask)
	c.mu.Unlock()

	for _, task := range tasks {
		close(task.stopCh)
	}
	if c.watcher != nil {
		c.watcher.Stop()
	}
	c.wg.Wait()

	c.logger.Info("cache closed", nil)
	return nil
}

// Helper methods

// runFetch executes the fetcher inside the concurrency gate, retrying with
// linearly scaled backoff. The final error after exhaustion is surfaced
// verbatim so callers can distinguish root causes.
func (c *Cache) runFetch(ctx context.Context, key string, fetch FetchFunc, opts *GetOptions) (interface{}, error) {
	priority := 0
	attempts := c.config.MaxRetries
	baseDelay := c.config.RetryBaseDelay
	if opts != nil {
		priority = opts.Priority
		if opts.MaxRetries > 0 {
			attempts = opts.MaxRetries
		}
		if opts.RetryBaseDelay > 0 {
			baseDelay = opts.RetryBaseDelay
		}
	}

	retryer := retry.New(retry.Config{
		MaxAttempts: attempts,
		BaseDelay:   baseDelay,
		Backoff:     retry.BackoffLinear,
	})

	var value interface{}
	start := time.Now()
	err := c.gate.Do(ctx, priority, func() error {
		return retryer.Do(ctx, func(ctx context.Context) error {
			v, ferr := fetch(ctx)
			if ferr != nil {
				return ferr
			}
			value = v
			return nil
		})
	})
	c.recordFetchTime(time.Since(start))

	if err != nil {
		return nil, err
	}
	return value, nil
}

// setValue writes memory and, best effort, disk.
func (c *Cache) setValue(key string, value interface{}, ttl time.Duration) {
	c.store.Set(key, value, ttl)

	if c.persist == nil {
		return
	}
	if err := c.persist.Save(key, value); err != nil {
		c.logger.Warn("disk save failed, value remains memory-only", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

// runWarmup pre-populates the configured keys, highest priority first,
// bounded by the gate, then unblocks waiting Get calls.
func (c *Cache) runWarmup(specs []WarmupSpec) {
	defer c.wg.Done()
	defer close(c.warmupDone)

	start := time.Now()
	ordered := make([]WarmupSpec, len(specs))
	copy(ordered, specs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, failed := 0, 0

	for _, spec := range ordered {
		if spec.Fetch == nil {
			continue
		}
		spec := spec
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.warmKey(spec)
			mu.Lock()
			if err != nil {
				failed++
			} else {
				succeeded++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	c.mu.Lock()
	c.warmupStats = WarmupStats{
		Total:     succeeded + failed,
		Succeeded: succeeded,
		Failed:    failed,
		Elapsed:   time.Since(start),
	}
	c.mu.Unlock()

	for _, spec := range ordered {
		if spec.Fetch != nil && spec.RefreshInterval > 0 {
			c.registerRefresh(spec)
		}
	}

	if len(ordered) > 0 {
		c.logger.Info("warm-up complete", map[string]interface{}{
			"succeeded": succeeded,
			"failed":    failed,
			"elapsed":   time.Since(start).String(),
		})
	}
}

// warmKey fetches and stores one warm-up entry.
func (c *Cache) warmKey(spec WarmupSpec) error {
	ttl := spec.TTL
	if ttl <= 0 {
		ttl = c.config.TTL
	}

	keyStart := time.Now()
	value, err := c.runFetch(context.Background(), spec.Key, spec.Fetch, &GetOptions{Priority: spec.Priority})
	if err != nil {
		c.recordError()
		c.logger.Warn("warm-up fetch failed", map[string]interface{}{
			"key":   spec.Key,
			"error": err.Error(),
		})
		c.events.Emit(events.EventError, map[string]interface{}{
			"key":    spec.Key,
			"phase":  "warmup",
			"error":  err.Error(),
			"tookMs": time.Since(keyStart).Milliseconds(),
		})
		return err
	}

	c.setValue(spec.Key, value, ttl)
	return nil
}

// registerRefresh installs a recurring re-fetch for a key, replacing any
// existing registration for the same key. Failures emit error events and
// do not stop the timer.
func (c *Cache) registerRefresh(spec WarmupSpec) {
	task := &refreshTask{stopCh: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if prev, exists := c.refresh[spec.Key]; exists {
		close(prev.stopCh)
	}
	c.refresh[spec.Key] = task
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(spec.RefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-task.stopCh:
				return
			case <-ticker.C:
				if err := c.warmKey(spec); err != nil {
					continue
				}
			}
		}
	}()
}

// stopRefresh cancels the refresh registration for a key, if any.
func (c *Cache) stopRefresh(key string) {
	c.mu.Lock()
	task, exists := c.refresh[key]
	if exists {
		delete(c.refresh, key)
	}
	c.mu.Unlock()

	if exists {
		close(task.stopCh)
	}
}

// onMemoryPressure evicts the least-recently-used slice of entries and
// requests a collection pass. Heuristic relief, not a hard bound.
func (c *Cache) onMemoryPressure(snap memmon.Snapshot) {
	removed := c.store.EvictFraction(pressureEvictTarget)
	memmon.ForceGC()

	c.logger.Warn("memory pressure eviction", map[string]interface{}{
		"evicted":    removed,
		"heap_alloc": snap.HeapAlloc,
		"ceiling":    c.config.MaxMemoryUsage,
	})
}

func (c *Cache) recordHit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
}

func (c *Cache) recordMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

func (c *Cache) recordError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *Cache) recordFetchTime(d time.Duration) {
	c.mu.Lock()
	c.fetchSamples = append(c.fetchSamples, d)
	if len(c.fetchSamples) > fetchSampleWindow {
		c.fetchSamples = c.fetchSamples[1:]
	}
	c.mu.Unlock()
}
