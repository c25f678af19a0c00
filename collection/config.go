package collection

import (
	"os"
	"strconv"
	"sync/atomic"

	"github.com/hyperspacedb/hyperspace/wal"
)

// GlobalConfig holds the runtime-adjustable tunables of SPEC_FULL.md §5/§6
// as atomic cells (relaxed ordering is acceptable: these are read far more
// often than written, and staleness by one update is harmless).
type GlobalConfig struct {
	M                atomic.Int64
	EfConstruction   atomic.Int64
	EfSearch         atomic.Int64
	WALSyncMode      atomic.Int64 // wal.Async or wal.Strict
	SnapshotInterval atomic.Int64 // seconds
}

// NewGlobalConfigFromEnv builds a GlobalConfig seeded from the environment
// variables of SPEC_FULL.md §6, falling back to the spec's stated defaults.
func NewGlobalConfigFromEnv() *GlobalConfig {
	cfg := &GlobalConfig{}
	cfg.M.Store(envInt64("HS_HNSW_M", 16))
	cfg.EfConstruction.Store(envInt64("HS_HNSW_EF_CONSTRUCT", 100))
	cfg.EfSearch.Store(envInt64("HS_HNSW_EF_SEARCH", 100))
	cfg.SnapshotInterval.Store(envInt64("HS_SNAPSHOT_INTERVAL_SEC", 60))

	mode := int64(wal.Async)
	if os.Getenv("HS_WAL_SYNC_MODE") == "strict" {
		mode = int64(wal.Strict)
	}
	cfg.WALSyncMode.Store(mode)
	return cfg
}

func envInt64(name string, def int64) int64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// SyncMode returns the configured wal.SyncMode.
func (c *GlobalConfig) SyncMode() wal.SyncMode {
	return wal.SyncMode(c.WALSyncMode.Load())
}
