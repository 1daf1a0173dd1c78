package storage

import "time"

// Config configures the device datastore.
type Config struct {
	// Dir is the Badger directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps all data in memory (tests, ephemeral members).
	InMemory bool

	// Badger-specific configuration
	Badger BadgerConfig
}

// BadgerConfig contains Badger tuning parameters.
type BadgerConfig struct {
	// GCInterval is the interval between automatic value-log GC runs.
	// Default: 10m
	GCInterval time.Duration

	// GCThreshold is the GC discard ratio threshold (0.0-1.0).
	// Default: 0.5 (run GC when 50% of a value log file is stale)
	GCThreshold float64

	// CacheSize is the block cache size in bytes.
	// Default: 64MB
	CacheSize int64

	// ValueLogFileSize is the max value log file size in bytes.
	// Default: 256MB
	ValueLogFileSize int64

	// NumMemtables is the number of memtables.
	// Default: 2
	NumMemtables int

	// SyncWrites enables fsync after each commit.
	// Default: true (device configuration must survive a crash)
	SyncWrites bool

	// DetectConflicts enables transaction conflict detection.
	// Default: true (two transactions may edit the same path)
	DetectConflicts bool
}

// DefaultConfig returns the default datastore configuration.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:    dir,
		Badger: DefaultBadgerConfig(),
	}
}

// DefaultBadgerConfig returns the default Badger configuration.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		GCInterval:       10 * time.Minute,
		GCThreshold:      0.5,
		CacheSize:        64 << 20,  // 64MB
		ValueLogFileSize: 256 << 20, // 256MB
		NumMemtables:     2,
		SyncWrites:       true,
		DetectConflicts:  true,
	}
}

// Stats contains datastore statistics.
type Stats struct {
	// LSMSize is the LSM tree size in bytes.
	LSMSize uint64

	// ValueLogSize is the value log size in bytes.
	ValueLogSize uint64

	// LastGCTime is the last GC run timestamp (Unix milliseconds).
	LastGCTime int64

	// GCRuns is the number of value-log files rewritten by GC.
	GCRuns uint64
}
