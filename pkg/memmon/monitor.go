// Package memmon provides process memory sampling and a pressure watcher.
package memmon

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sharedeck/datakit/pkg/utils"
)

// Snapshot is a point-in-time view of process memory usage.
type Snapshot struct {
	Timestamp    time.Time `json:"timestamp"`
	HeapAlloc    uint64    `json:"heap_alloc"`
	HeapSys      uint64    `json:"heap_sys"`
	TotalAlloc   uint64    `json:"total_alloc"`
	NumGC        uint32    `json:"num_gc"`
	NumGoroutine int       `json:"num_goroutine"`
}

// Take reads the current memory snapshot.
func Take() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return Snapshot{
		Timestamp:    time.Now(),
		HeapAlloc:    memStats.HeapAlloc,
		HeapSys:      memStats.HeapSys,
		TotalAlloc:   memStats.TotalAlloc,
		NumGC:        memStats.NumGC,
		NumGoroutine: runtime.NumGoroutine(),
	}
}

// Config configures the pressure watcher.
type Config struct {
	// SampleInterval is how often to sample process memory.
	SampleInterval time.Duration

	// UsageCeiling is the heap-alloc level (bytes) above which OnPressure
	// fires. Zero disables the watcher.
	UsageCeiling uint64

	// OnPressure is invoked with the triggering snapshot. Called from the
	// watcher goroutine, at most once per sample interval.
	OnPressure func(Snapshot)

	// Logger for watcher events.
	Logger *utils.StructuredLogger
}

// Watcher periodically samples memory and reports ceiling breaches.
type Watcher struct {
	config Config
	logger *utils.StructuredLogger

	mu      sync.RWMutex
	last    Snapshot
	breachs uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
	active int32
}

// NewWatcher creates a pressure watcher.
func NewWatcher(config Config) *Watcher {
	if config.SampleInterval <= 0 {
		config.SampleInterval = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = utils.NewStructuredLogger(nil)
	}

	return &Watcher{
		config: config,
		logger: config.Logger.WithComponent("memmon"),
		stopCh: make(chan struct{}),
	}
}

// Start begins sampling. Returns immediately; sampling runs in the background.
func (w *Watcher) Start() {
	if !atomic.CompareAndSwapInt32(&w.active, 0, 1) {
		return
	}

	w.wg.Add(1)
	go w.run()
}

// Stop halts sampling and waits for the watcher goroutine to exit.
func (w *Watcher) Stop() {
	if !atomic.CompareAndSwapInt32(&w.active, 1, 0) {
		return
	}
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Watcher) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.SampleInterval)
	defer ticker.Stop()

	w.sample()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.sample()
		}
	}
}

func (w *Watcher) sample() {
	snap := Take()

	w.mu.Lock()
	w.last = snap
	breach := w.config.UsageCeiling > 0 && snap.HeapAlloc > w.config.UsageCeiling
	if breach {
		w.breachs++
	}
	w.mu.Unlock()

	if breach {
		w.logger.Warn("memory ceiling exceeded", map[string]interface{}{
			"heap_alloc": snap.HeapAlloc,
			"ceiling":    w.config.UsageCeiling,
		})
		if w.config.OnPressure != nil {
			w.config.OnPressure(snap)
		}
	}
}

// Last returns the most recent snapshot.
func (w *Watcher) Last() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}

// Breaches returns how many samples exceeded the ceiling.
func (w *Watcher) Breaches() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.breachs
}

// ForceGC requests an immediate garbage-collection pass.
func ForceGC() {
	runtime.GC()
}
