package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrClosed is returned by operations on a closed datastore.
var ErrClosed = errors.New("datastore closed")

// Datastore is the Badger database shared by all device engines.
type Datastore struct {
	db     *badger.DB
	cfg    BadgerConfig
	logger *slog.Logger

	// Metrics (internal counters)
	lastGCTime atomic.Int64  // Unix milliseconds
	gcRuns     atomic.Uint64 // Value-log files rewritten

	// Prometheus metrics
	metricsLSMSize      prometheus.Gauge
	metricsValueLogSize prometheus.Gauge
	metricsLastGCTime   prometheus.Gauge
	metricsGCRuns       prometheus.Counter

	mu      sync.Mutex
	engines map[string]*DeviceEngine
	closed  bool

	// Shutdown
	stopCh chan struct{}
	doneCh chan struct{}
}

// Open opens the datastore.
func Open(cfg Config, logger *slog.Logger) (*Datastore, error) {
	if cfg.Dir == "" && !cfg.InMemory {
		return nil, fmt.Errorf("badger: dir is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Badger.GCInterval <= 0 {
		cfg.Badger.GCInterval = 10 * time.Minute
	}
	if cfg.Badger.GCThreshold <= 0 || cfg.Badger.GCThreshold >= 1 {
		cfg.Badger.GCThreshold = 0.5
	}

	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = &badgerLogger{logger: logger}

	badgerCfg := cfg.Badger
	if badgerCfg.CacheSize > 0 {
		opts.BlockCacheSize = badgerCfg.CacheSize
	}
	if badgerCfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = badgerCfg.ValueLogFileSize
	}
	if badgerCfg.NumMemtables > 0 {
		opts.NumMemtables = badgerCfg.NumMemtables
	}
	opts.SyncWrites = badgerCfg.SyncWrites && !cfg.InMemory
	opts.DetectConflicts = badgerCfg.DetectConflicts

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open db: %w", err)
	}

	d := &Datastore{
		db:      db,
		cfg:     badgerCfg,
		logger:  logger,
		engines: make(map[string]*DeviceEngine),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	go d.gcLoop()

	logger.Info("device datastore started",
		"dir", cfg.Dir,
		"in_memory", cfg.InMemory,
		"gc_interval", badgerCfg.GCInterval)

	return d, nil
}

// Engine returns the engine of a device, creating its namespace on first
// use.
func (d *Datastore) Engine(nodeID string) (*DeviceEngine, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}
	if e, ok := d.engines[nodeID]; ok && !e.isClosed() {
		return e, nil
	}
	e := newDeviceEngine(d, nodeID)
	d.engines[nodeID] = e
	return e, nil
}

// Purge removes every key of a device.
func (d *Datastore) Purge(nodeID string) error {
	return d.db.DropPrefix([]byte(devicePrefix(nodeID)))
}

// GC runs value-log GC until nothing more can be reclaimed.
func (d *Datastore) GC(ctx context.Context) (uint64, error) {
	if d.db.Opts().InMemory {
		return 0, nil
	}
	startTime := time.Now()

	var runs uint64
	for ctx.Err() == nil {
		err := d.db.RunValueLogGC(d.cfg.GCThreshold)
		if err != nil {
			if errors.Is(err, badger.ErrNoRewrite) {
				break
			}
			return runs, fmt.Errorf("gc: %w", err)
		}
		runs++
	}

	d.lastGCTime.Store(time.Now().UnixMilli())
	d.gcRuns.Add(runs)
	if d.metricsGCRuns != nil {
		d.metricsGCRuns.Add(float64(runs))
	}

	d.logger.Debug("gc completed",
		"files_rewritten", runs,
		"elapsed", time.Since(startTime))

	return runs, nil
}

// Stats returns datastore statistics.
func (d *Datastore) Stats() Stats {
	lsm, vlog := d.db.Size()
	return Stats{
		LSMSize:      uint64(lsm),
		ValueLogSize: uint64(vlog),
		LastGCTime:   d.lastGCTime.Load(),
		GCRuns:       d.gcRuns.Load(),
	}
}

// Close closes every device engine and the database.
func (d *Datastore) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	engines := d.engines
	d.engines = nil
	d.mu.Unlock()

	d.logger.Info("shutting down device datastore")

	for _, e := range engines {
		e.Close()
	}

	close(d.stopCh)
	<-d.doneCh

	if err := d.db.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	return nil
}

// RegisterMetrics registers the datastore gauges on registry.
//
// This should be called once during initialization.
// Returns the datastore for method chaining.
func (d *Datastore) RegisterMetrics(registry *prometheus.Registry) *Datastore {
	d.metricsLSMSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "topomesh",
		Subsystem: "badger",
		Name:      "lsm_size_bytes",
		Help:      "Badger LSM tree size in bytes",
	})

	d.metricsValueLogSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "topomesh",
		Subsystem: "badger",
		Name:      "value_log_size_bytes",
		Help:      "Badger value log size in bytes",
	})

	d.metricsLastGCTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "topomesh",
		Subsystem: "badger",
		Name:      "last_gc_timestamp_seconds",
		Help:      "Unix timestamp of the last Badger GC run",
	})

	d.metricsGCRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "topomesh",
		Subsystem: "badger",
		Name:      "gc_files_rewritten_total",
		Help:      "Value log files rewritten by Badger garbage collection",
	})

	registry.MustRegister(
		d.metricsLSMSize,
		d.metricsValueLogSize,
		d.metricsLastGCTime,
		d.metricsGCRuns,
	)

	d.updateMetrics()
	go d.metricsUpdateLoop()

	return d
}

func (d *Datastore) updateMetrics() {
	stats := d.Stats()
	d.metricsLSMSize.Set(float64(stats.LSMSize))
	d.metricsValueLogSize.Set(float64(stats.ValueLogSize))
	if stats.LastGCTime > 0 {
		d.metricsLastGCTime.Set(float64(stats.LastGCTime) / 1000.0)
	}
}

func (d *Datastore) metricsUpdateLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.updateMetrics()
		case <-d.stopCh:
			return
		}
	}
}

// gcLoop runs periodic garbage collection.
func (d *Datastore) gcLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if _, err := d.GC(ctx); err != nil {
				d.logger.Error("auto gc failed", "error", err)
			}
			cancel()

		case <-d.stopCh:
			return
		}
	}
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
