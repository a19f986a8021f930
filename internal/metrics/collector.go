// Package metrics exposes query, cache, and pool metrics through a
// Prometheus registry with an optional HTTP endpoint.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sharedeck/datakit/pkg/events"
)

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
}

// OperationMetrics tracks aggregate numbers for one model.operation pair.
type OperationMetrics struct {
	Count         int64         `json:"count"`
	Errors        int64         `json:"errors"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	LastOperation time.Time     `json:"last_operation"`
}

// Collector implements metrics collection over the event stream plus
// explicit gauge updates pushed by the owning composition root.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Prometheus metrics
	queryCounter    *prometheus.CounterVec
	queryDuration   *prometheus.HistogramVec
	slowQueries     *prometheus.CounterVec
	cacheRequests   *prometheus.CounterVec
	cacheEntries    prometheus.Gauge
	poolClients     *prometheus.GaugeVec
	poolTimeouts    prometheus.Counter
	connectionLeaks prometheus.Counter
	errorCounter    *prometheus.CounterVec

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time

	// HTTP server for metrics endpoint
	server *http.Server
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "datakit",
			Labels:    make(map[string]string),
		}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.Namespace == "" {
		config.Namespace = "datakit"
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	collector.initMetrics()
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// Bind subscribes the collector to the event stream so query, slow-query,
// leak, and error events flow into the Prometheus counters without the
// emitting components knowing about metrics at all.
func (c *Collector) Bind(bus *events.Bus) {
	if !c.config.Enabled || bus == nil {
		return
	}

	bus.Subscribe(events.EventQuery, func(e events.Event) {
		model, op := payloadModelOp(e.Payload)
		c.recordQuery(model, op, payloadDuration(e.Payload), true)
	})
	bus.Subscribe(events.EventSlowQuery, func(e events.Event) {
		c.slowQueries.With(prometheus.Labels{"severity": "slow"}).Inc()
	})
	bus.Subscribe(events.EventVerySlowQuery, func(e events.Event) {
		c.slowQueries.With(prometheus.Labels{"severity": "very_slow"}).Inc()
	})
	bus.Subscribe(events.EventQueryError, func(e events.Event) {
		model, op := payloadModelOp(e.Payload)
		c.recordQuery(model, op, 0, false)
		c.errorCounter.With(prometheus.Labels{"component": "dataaccess"}).Inc()
	})
	bus.Subscribe(events.EventConnectionLeak, func(e events.Event) {
		c.connectionLeaks.Inc()
	})
	bus.Subscribe(events.EventAcquireTimeout, func(e events.Event) {
		c.poolTimeouts.Inc()
	})
	bus.Subscribe(events.EventError, func(e events.Event) {
		c.errorCounter.With(prometheus.Labels{"component": "cache"}).Inc()
	})
}

// Start starts the metrics HTTP server
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled || c.config.Port <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop stops the metrics HTTP server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordCacheRequest records a cache lookup outcome. Source is where the
// value came from: memory, disk, or fetch.
func (c *Collector) RecordCacheRequest(result, source string) {
	if !c.config.Enabled {
		return
	}
	c.cacheRequests.With(prometheus.Labels{"result": result, "source": source}).Inc()
}

// UpdateCacheEntries updates the live cache entry gauge.
func (c *Collector) UpdateCacheEntries(count int) {
	if !c.config.Enabled {
		return
	}
	c.cacheEntries.Set(float64(count))
}

// UpdatePoolClients updates pool occupancy gauges.
func (c *Collector) UpdatePoolClients(active, idle, waiting int) {
	if !c.config.Enabled {
		return
	}
	c.poolClients.With(prometheus.Labels{"state": "active"}).Set(float64(active))
	c.poolClients.With(prometheus.Labels{"state": "idle"}).Set(float64(idle))
	c.poolClients.With(prometheus.Labels{"state": "waiting"}).Set(float64(waiting))
}

// GetMetrics returns the internal operation tracking
func (c *Collector) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]*OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		copied := *v
		operations[k] = &copied
	}

	return map[string]interface{}{
		"operations": operations,
		"last_reset": c.lastReset,
		"uptime":     time.Since(c.lastReset),
	}
}

// ResetMetrics resets the internal operation tracking
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

// Helper methods

func (c *Collector) recordQuery(model, operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}

	c.queryCounter.With(prometheus.Labels{
		"model":     model,
		"operation": operation,
		"status":    status,
	}).Inc()
	if duration > 0 {
		c.queryDuration.With(prometheus.Labels{
			"model":     model,
			"operation": operation,
		}).Observe(duration.Seconds())
	}

	key := model + "." + operation

	c.mu.Lock()
	defer c.mu.Unlock()

	metrics, exists := c.operations[key]
	if !exists {
		metrics = &OperationMetrics{}
		c.operations[key] = metrics
	}
	metrics.Count++
	metrics.TotalDuration += duration
	if !success {
		metrics.Errors++
	}
	metrics.LastOperation = time.Now()
	metrics.AvgDuration = time.Duration(int64(metrics.TotalDuration) / metrics.Count)
}

func (c *Collector) initMetrics() {
	c.queryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Name:        "queries_total",
			Help:        "Total number of database operations",
			ConstLabels: c.config.Labels,
		},
		[]string{"model", "operation", "status"},
	)

	c.queryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Name:        "query_duration_seconds",
			Help:        "Duration of database operations in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
			ConstLabels: c.config.Labels,
		},
		[]string{"model", "operation"},
	)

	c.slowQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Name:        "slow_queries_total",
			Help:        "Operations exceeding the slow thresholds",
			ConstLabels: c.config.Labels,
		},
		[]string{"severity"},
	)

	c.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Name:        "cache_requests_total",
			Help:        "Total number of cache lookups",
			ConstLabels: c.config.Labels,
		},
		[]string{"result", "source"},
	)

	c.cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Name:        "cache_entries",
			Help:        "Number of live in-memory cache entries",
			ConstLabels: c.config.Labels,
		},
	)

	c.poolClients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Name:        "pool_clients",
			Help:        "Pool clients by state",
			ConstLabels: c.config.Labels,
		},
		[]string{"state"},
	)

	c.poolTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Name:        "pool_acquire_timeouts_total",
			Help:        "Acquisitions that timed out waiting for a client",
			ConstLabels: c.config.Labels,
		},
	)

	c.connectionLeaks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Name:        "connection_leaks_total",
			Help:        "Clients held past the leak detection threshold",
			ConstLabels: c.config.Labels,
		},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Name:        "errors_total",
			Help:        "Total number of errors by component",
			ConstLabels: c.config.Labels,
		},
		[]string{"component"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.queryCounter,
		c.queryDuration,
		c.slowQueries,
		c.cacheRequests,
		c.cacheEntries,
		c.poolClients,
		c.poolTimeouts,
		c.connectionLeaks,
		c.errorCounter,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}

func payloadModelOp(payload map[string]interface{}) (string, string) {
	model, _ := payload["model"].(string)
	op, _ := payload["operation"].(string)
	if model == "" {
		model = "unknown"
	}
	if op == "" {
		op = "unknown"
	}
	return model, op
}

func payloadDuration(payload map[string]interface{}) time.Duration {
	if ms, ok := payload["duration_ms"].(int64); ok {
		return time.Duration(ms) * time.Millisecond
	}
	return 0
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"datakit-metrics"}`))
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "text/plain")
	writef := func(format string, args ...interface{}) { _, _ = fmt.Fprintf(w, format, args...) }

	writef("Datakit Operations Summary\n")
	writef("==========================\n\n")
	writef("Uptime: %v\n", time.Since(c.lastReset))
	writef("Last Reset: %v\n\n", c.lastReset)

	if len(c.operations) == 0 {
		writef("No operations recorded.\n")
		return
	}

	writef("%-30s %10s %10s %12s %10s\n",
		"Operation", "Count", "Errors", "Avg Duration", "Last Op")
	for name, op := range c.operations {
		writef("%-30s %10d %10d %12v %10s\n",
			name, op.Count, op.Errors, op.AvgDuration,
			op.LastOperation.Format("15:04:05"))
	}
}
