// Package datakit composes the data-access layer: a pooled database
// manager, a query cache, an event bus, and a metrics collector, all built
// from one configuration and torn down together. Construct a Service at
// process startup and pass it explicitly to whatever needs data access;
// there is no package-level instance.
package datakit

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sharedeck/datakit/internal/cache"
	"github.com/sharedeck/datakit/internal/config"
	"github.com/sharedeck/datakit/internal/dataaccess"
	"github.com/sharedeck/datakit/internal/metrics"
	"github.com/sharedeck/datakit/internal/persist"
	"github.com/sharedeck/datakit/internal/pool"
	"github.com/sharedeck/datakit/internal/sqlite"
	"github.com/sharedeck/datakit/pkg/errors"
	"github.com/sharedeck/datakit/pkg/events"
	"github.com/sharedeck/datakit/pkg/utils"
)

const statsUpdateInterval = 10 * time.Second

// Service owns the composed subsystems.
type Service struct {
	config    *config.Configuration
	logger    *utils.StructuredLogger
	bus       *events.Bus
	collector *metrics.Collector
	manager   *dataaccess.Manager
	cache     *cache.Cache

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// Options customizes construction beyond what the file configuration
// expresses.
type Options struct {
	// Factory overrides the SQLite-backed default client factory.
	Factory pool.Factory

	// Warmup keys are fetched at startup and optionally kept fresh.
	Warmup []cache.WarmupSpec
}

// New validates the configuration and builds the service. The pool warms
// up eagerly, so a dead backend fails construction rather than the first
// query.
func New(ctx context.Context, cfg *config.Configuration, opts *Options) (*Service, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "invalid configuration").
			WithComponent("datakit").WithCause(err)
	}
	if opts == nil {
		opts = &Options{}
	}

	logger := newLogger(cfg.Global)
	bus := events.NewBus()

	var collector *metrics.Collector
	if cfg.Monitoring.MetricsEnabled {
		var err error
		collector, err = metrics.NewCollector(&metrics.Config{
			Enabled:   true,
			Port:      cfg.Monitoring.MetricsPort,
			Namespace: "datakit",
			Labels:    map[string]string{"service": cfg.Monitoring.ServiceLabel},
		})
		if err != nil {
			return nil, err
		}
		collector.Bind(bus)
	}

	factory := opts.Factory
	if factory == nil {
		factory = sqlite.Factory(&sqlite.Config{
			DSN:         cfg.Database.DSN,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
	}

	manager, err := dataaccess.NewManager(ctx, &dataaccess.Config{
		Pool: &pool.Config{
			Min:                    cfg.Pool.Min,
			Max:                    cfg.Pool.Max,
			IdleTimeout:            cfg.Pool.IdleTimeout,
			AcquireTimeout:         cfg.Pool.AcquireTimeout,
			RetryInterval:          cfg.Pool.RetryInterval,
			LeakDetectionThreshold: cfg.Pool.LeakDetectionThreshold,
			CaptureStacks:          cfg.Pool.CaptureStacks,
		},
		QueryTimeout:      cfg.Query.Timeout,
		SlowThreshold:     cfg.Query.SlowThreshold,
		VerySlowThreshold: cfg.Query.VerySlowThreshold,
		Validation: dataaccess.ValidationConfig{
			MaxPageSize: cfg.Query.MaxPageSize,
			MaxDepth:    cfg.Query.MaxDepth,
		},
		Logger: logger,
		Events: bus,
	}, factory)
	if err != nil {
		return nil, err
	}

	cacheConfig := &cache.Config{
		MaxEntries:           cfg.Cache.MaxEntries,
		TTL:                  cfg.Cache.TTL,
		UpdateAgeOnGet:       cfg.Cache.UpdateAgeOnGet,
		MaxConcurrentFetches: cfg.Cache.MaxConcurrentFetches,
		MaxRetries:           cfg.Cache.MaxRetries,
		RetryBaseDelay:       cfg.Cache.RetryBaseDelay,
		MaxMemoryUsage:       cfg.Cache.MaxMemoryUsage,
		MemoryCheckInterval:  cfg.Cache.MemoryCheckInterval,
		Warmup:               opts.Warmup,
		Logger:               logger,
		Events:               bus,
	}
	if cfg.Persistence.Enabled {
		cacheConfig.Persistence = &persist.Config{
			Directory:   cfg.Persistence.Directory,
			MaxFileSize: cfg.Persistence.MaxFileSize,
			MaxFiles:    cfg.Persistence.MaxFiles,
		}
	}

	qc, err := cache.New(cacheConfig)
	if err != nil {
		_ = manager.Shutdown()
		return nil, err
	}

	return &Service{
		config:    cfg,
		logger:    logger.WithComponent("datakit"),
		bus:       bus,
		collector: collector,
		manager:   manager,
		cache:     qc,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start launches the metrics endpoint and the gauge update loop.
func (s *Service) Start(ctx context.Context) error {
	if s.collector != nil {
		if err := s.collector.Start(ctx); err != nil {
			return err
		}
		s.wg.Add(1)
		go s.statsLoop()
	}

	s.logger.Info("service started", map[string]interface{}{
		"pool_max":      s.config.Pool.Max,
		"cache_entries": s.config.Cache.MaxEntries,
		"persistence":   s.config.Persistence.Enabled,
	})
	return nil
}

// Shutdown tears down the cache, the pool, and the metrics endpoint.
// Safe to call more than once.
func (s *Service) Shutdown(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		close(s.stopCh)
		s.wg.Wait()

		if cerr := s.cache.Close(); cerr != nil {
			err = cerr
		}
		if merr := s.manager.Shutdown(); merr != nil && err == nil {
			err = merr
		}
		if s.collector != nil {
			if serr := s.collector.Stop(ctx); serr != nil && err == nil {
				err = serr
			}
		}
		s.logger.Info("service stopped", nil)
	})
	return err
}

// DataAccess returns the operation entry point.
func (s *Service) DataAccess() *dataaccess.Manager {
	return s.manager
}

// Cache returns the query cache.
func (s *Service) Cache() *cache.Cache {
	return s.cache
}

// Events returns the telemetry bus for external subscribers.
func (s *Service) Events() *events.Bus {
	return s.bus
}

// statsLoop pushes pool and cache occupancy into the metrics gauges.
func (s *Service) statsLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(statsUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			poolStats := s.manager.GetStats().Pool
			s.collector.UpdatePoolClients(poolStats.Active, poolStats.Idle, poolStats.Waiting)
			s.collector.UpdateCacheEntries(s.cache.GetStats().Entries)
		}
	}
}

func newLogger(global config.GlobalConfig) *utils.StructuredLogger {
	level, err := utils.ParseLogLevel(global.LogLevel)
	if err != nil {
		level = utils.INFO
	}

	loggerConfig := utils.DefaultStructuredLoggerConfig()
	loggerConfig.Level = level
	if global.LogFormat == "json" {
		loggerConfig.Format = utils.FormatJSON
	}
	if global.LogFile != "" {
		if f, ferr := os.OpenFile(global.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600); ferr == nil {
			loggerConfig.Output = f
		}
	}

	return utils.NewStructuredLogger(loggerConfig)
}
