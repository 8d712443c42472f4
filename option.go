package artidx

import (
	"artidx/internal/base"
	"artidx/internal/wal"
)

// SyncMode controls when index writes are fsynced to disk
type SyncMode int

const (
	// SyncEveryCommit fsyncs the log on every logged insert and build, and
	// the data file on every Sync.
	// - Guarantees a committed insert survives power failure when the WAL is on
	// - Limited by fsync latency
	SyncEveryCommit SyncMode = iota

	// SyncOff disables fsync entirely (testing/bulk loads only).
	// - Maximum throughput
	// - Unflushed pages are lost on crash
	SyncOff
)

func (m SyncMode) wal() wal.SyncMode {
	if m == SyncOff {
		return wal.SyncOff
	}
	return wal.SyncEveryCommit
}

const (
	minBuildMemoryMB = 4
	maxBuildMemoryMB = 32000
)

// Options configures index behavior.
type Options struct {
	maintainParents  bool
	readahead        bool
	leafFillFactor   float64 // share of a leaf tail page's free space new leaves may use
	buildMemoryLimit int64   // bytes a build may cache before it must flush
	cacheSize        int     // clean pages kept in memory, also the dirty write-back threshold
	wal              bool
	syncMode         SyncMode
	logger           Logger
}

// DefaultOptions returns safe default configuration.
//
//goland:noinspection GoUnusedExportedFunction
func DefaultOptions() Options {
	return Options{
		maintainParents:  true,
		readahead:        true,
		leafFillFactor:   0.8,
		buildMemoryLimit: 4000 << 20, // 4000MB
		cacheSize:        1024,       // 8MB of pages
		syncMode:         SyncEveryCommit,
		logger:           DiscardLogger{},
	}
}

// Option configures index options using the functional options pattern.
type Option func(*Options)

// WithMaintainParents controls whether parent back-references are rewritten
// when nodes move. Lookups never read them; they only serve tooling.
//
//goland:noinspection GoUnusedExportedFunction
func WithMaintainParents(enabled bool) Option {
	return func(opts *Options) {
		opts.maintainParents = enabled
	}
}

// WithReadahead controls whether scans read upcoming leaf pages into the
// cache in the background.
//
//goland:noinspection GoUnusedExportedFunction
func WithReadahead(enabled bool) Option {
	return func(opts *Options) {
		opts.readahead = enabled
	}
}

// WithLeafFillFactor sets the fraction of a leaf tail page's free space that
// new leaves may fill. The rest is kept for locators appended to the leaves
// already on the page. Clamped to [0, 1].
//
//goland:noinspection GoUnusedExportedFunction
func WithLeafFillFactor(f float64) Option {
	return func(opts *Options) {
		opts.leafFillFactor = min(max(f, 0), 1)
	}
}

// WithBuildMemoryLimitMB caps the pages a build caches before flushing them
// to disk. Clamped to [4, 32000] MB.
//
//goland:noinspection GoUnusedExportedFunction
func WithBuildMemoryLimitMB(mb int) Option {
	return func(opts *Options) {
		opts.buildMemoryLimit = int64(min(max(mb, minBuildMemoryMB), maxBuildMemoryMB)) << 20
	}
}

// WithBuildMemoryLimitBytes sets the build cache ceiling in bytes, with a
// floor of three pages: the metadata page and the two allocation tails a
// build reloads after every flush. A row that does not fit under the
// ceiling even after a flush is still inserted.
//
//goland:noinspection GoUnusedExportedFunction
func WithBuildMemoryLimitBytes(n int64) Option {
	return func(opts *Options) {
		opts.buildMemoryLimit = max(n, 3*base.PageSize)
	}
}

// WithCacheSize sets how many pages the buffer pool keeps in memory.
//
//goland:noinspection GoUnusedExportedFunction
func WithCacheSize(pages int) Option {
	return func(opts *Options) {
		opts.cacheSize = pages
	}
}

// WithWAL enables the write-ahead log at <path>.wal. Every insert logs the
// pages it changed and every build logs the whole index before returning.
//
//goland:noinspection GoUnusedExportedFunction
func WithWAL(enabled bool) Option {
	return func(opts *Options) {
		opts.wal = enabled
	}
}

// WithSyncMode sets the fsync policy for the log and the data file.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncMode(mode SyncMode) Option {
	return func(opts *Options) {
		opts.syncMode = mode
	}
}

// WithLogger sets the logger; see package logger for zap and logrus adapters.
//
//goland:noinspection GoUnusedExportedFunction
func WithLogger(l Logger) Option {
	return func(opts *Options) {
		if l != nil {
			opts.logger = l
		}
	}
}
