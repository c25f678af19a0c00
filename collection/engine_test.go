package collection

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func bootTestEngine(t *testing.T, dir string, dim int, metricName string) *Engine {
	t.Helper()
	require.NoError(t, SaveMeta(dir, Meta{Dimension: uint32(dim), Metric: metricName}))
	cfg := NewGlobalConfigFromEnv()
	e, err := Boot("t", dir, cfg, "node-a", log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngine_InsertSearchAfterDrainFindsIt(t *testing.T) {
	dir := t.TempDir()
	e := bootTestEngine(t, dir, 8, "euclidean")

	coords := make([]float64, 8)
	for i := range coords {
		coords[i] = float64(i)
	}
	id, err := e.Insert(coords, 0, map[string]string{"tenant": "a"}, DurabilityDefault)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.WaitForIndexDrain(ctx))

	results, err := e.Search(coords, 1, 10, nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, id, results[0].ID)
}

func TestEngine_DeleteExcludesFromSearch(t *testing.T) {
	dir := t.TempDir()
	e := bootTestEngine(t, dir, 4, "euclidean")

	id, err := e.Insert([]float64{1, 2, 3, 4}, 0, nil, DurabilityDefault)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.WaitForIndexDrain(ctx))

	require.NoError(t, e.Delete(id))

	results, err := e.Search([]float64{1, 2, 3, 4}, 5, 10, nil, nil)
	require.NoError(t, err)
	for _, r := range results {
		require.NotEqual(t, id, r.ID)
	}
}

func TestEngine_BootReplaysWALAfterRestart(t *testing.T) {
	dir := t.TempDir()
	e := bootTestEngine(t, dir, 4, "euclidean")

	var ids []uint32
	for i := 0; i < 5; i++ {
		id, err := e.Insert([]float64{float64(i), 0, 0, 0}, 0, map[string]string{"i": "x"}, DurabilityStrict)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.WaitForIndexDrain(ctx))
	digestBefore := e.Digest()
	require.NoError(t, e.Close())

	cfg := NewGlobalConfigFromEnv()
	e2, err := Boot("t", dir, cfg, "node-a", log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer e2.Close()

	digestAfter := e2.Digest()
	require.Equal(t, digestBefore.StateHash, digestAfter.StateHash)
	require.Equal(t, digestBefore.Count, digestAfter.Count)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, e2.WaitForIndexDrain(ctx2))

	results, err := e2.Search([]float64{float64(ids[2]), 0, 0, 0}, 1, 10, nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestEngine_SnapshotThenWALReplaySkipsRecoveredIDs(t *testing.T) {
	dir := t.TempDir()
	e := bootTestEngine(t, dir, 4, "euclidean")

	for i := 0; i < 3; i++ {
		_, err := e.Insert([]float64{float64(i), 0, 0, 0}, 0, nil, DurabilityStrict)
		require.NoError(t, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.WaitForIndexDrain(ctx))
	require.NoError(t, e.idx.Save(filepath.Join(dir, snapshotFileName)))

	for i := 3; i < 6; i++ {
		_, err := e.Insert([]float64{float64(i), 0, 0, 0}, 0, nil, DurabilityStrict)
		require.NoError(t, err)
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, e.WaitForIndexDrain(ctx2))
	wantDigest := e.Digest()
	require.NoError(t, e.Close())

	cfg := NewGlobalConfigFromEnv()
	e2, err := Boot("t", dir, cfg, "node-a", log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	defer e2.Close()
	require.EqualValues(t, 6, e2.store.Count())

	// The snapshot covers ids 0-2; the digest for those ids must be
	// backfilled on boot, not left empty, or the restarted engine's digest
	// silently diverges from the pre-restart one.
	gotDigest := e2.Digest()
	require.Equal(t, wantDigest.Count, gotDigest.Count)
	require.Equal(t, wantDigest.StateHash, gotDigest.StateHash)
	require.Equal(t, wantDigest.Buckets, gotDigest.Buckets)
}

func TestGlobalConfig_EnvVarParsing(t *testing.T) {
	t.Setenv("HS_HNSW_M", "32")
	t.Setenv("HS_HNSW_EF_CONSTRUCT", "250")
	t.Setenv("HS_HNSW_EF_SEARCH", "77")
	t.Setenv("HS_SNAPSHOT_INTERVAL_SEC", "30")
	t.Setenv("HS_WAL_SYNC_MODE", "strict")

	cfg := NewGlobalConfigFromEnv()
	require.EqualValues(t, 32, cfg.M.Load())
	require.EqualValues(t, 250, cfg.EfConstruction.Load())
	require.EqualValues(t, 77, cfg.EfSearch.Load())
	require.EqualValues(t, 30, cfg.SnapshotInterval.Load())
	require.Equal(t, 1, int(cfg.WALSyncMode.Load()))
}

func TestGlobalConfig_DefaultsWithoutEnv(t *testing.T) {
	cfg := NewGlobalConfigFromEnv()
	require.EqualValues(t, 16, cfg.M.Load())
	require.EqualValues(t, 100, cfg.EfConstruction.Load())
	require.EqualValues(t, 100, cfg.EfSearch.Load())
	require.EqualValues(t, 60, cfg.SnapshotInterval.Load())
}
