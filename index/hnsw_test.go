package index

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hyperspacedb/hyperspace/metric"
)

// memSource is a trivial VectorSource backed by a slice, used to isolate
// HNSW graph behavior from the storage package in these tests.
type memSource struct {
	vecs [][]float64
}

func (s *memSource) Coords(id uint32) ([]float64, error) {
	if int(id) >= len(s.vecs) {
		return nil, fmt.Errorf("no such id %d", id)
	}
	return s.vecs[id], nil
}

func bruteForceKNN(vecs [][]float64, q []float64, k int, m metric.Metric) []uint32 {
	type cd struct {
		id   uint32
		dist float64
	}
	all := make([]cd, len(vecs))
	for i, v := range vecs {
		all[i] = cd{uint32(i), m.DistanceFull(v, q)}
	}
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].dist < all[i].dist {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	out := make([]uint32, 0, k)
	for i := 0; i < k && i < len(all); i++ {
		out = append(out, all[i].id)
	}
	return out
}

// TestHnsw_EuclideanInsertAndSearchRecall checks approximate recall on a
// 128-dim Euclidean index of 200 random vectors: at least 7 of the top-10
// search results must appear in the brute-force top-10.
func TestHnsw_EuclideanInsertAndSearchRecall(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	dim := 128
	n := 200

	src := &memSource{}
	m := metric.Euclidean{}
	idx := New(dim, m, src)

	for i := 0; i < n; i++ {
		v := make([]float64, dim)
		for d := range v {
			v[d] = rng.NormFloat64()
		}
		src.vecs = append(src.vecs, v)
		require.NoError(t, idx.Insert(uint32(i), map[string]string{"tenant": "a"}))
	}

	q := make([]float64, dim)
	for d := range q {
		q[d] = rng.NormFloat64()
	}

	results, err := idx.Search(q, 10, 200, nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 10)

	want := bruteForceKNN(src.vecs, q, 10, m)
	got := make(map[uint32]bool, len(results))
	for _, r := range results {
		got[r.ID] = true
	}
	overlap := 0
	for _, id := range want {
		if got[id] {
			overlap++
		}
	}
	// With a wide ef relative to n, recall should be high but HNSW is
	// approximate; require most of the true top-10 to appear.
	require.GreaterOrEqual(t, overlap, 7)
}

func TestHnsw_DimensionMismatchRejected(t *testing.T) {
	src := &memSource{vecs: [][]float64{{1, 2, 3}}}
	idx := New(3, metric.Euclidean{}, src)
	require.NoError(t, idx.Insert(0, nil))

	_, err := idx.Search([]float64{1, 2}, 1, 10, nil, nil)
	require.Error(t, err)
}

func TestHnsw_DeleteTombstonesExcludedFromSearch(t *testing.T) {
	src := &memSource{}
	idx := New(2, metric.Euclidean{}, src)
	pts := [][]float64{{0, 0}, {1, 0}, {2, 0}, {3, 0}}
	for i, v := range pts {
		src.vecs = append(src.vecs, v)
		require.NoError(t, idx.Insert(uint32(i), nil))
	}
	require.NoError(t, idx.Delete(1))

	results, err := idx.Search([]float64{0, 0}, 4, 10, nil, nil)
	require.NoError(t, err)
	for _, r := range results {
		require.NotEqual(t, uint32(1), r.ID)
	}
}

func TestHnsw_FilterAndComplexFilterNarrowResults(t *testing.T) {
	src := &memSource{}
	idx := New(2, metric.Euclidean{}, src)
	metas := []map[string]string{
		{"color": "red"},
		{"color": "blue"},
		{"color": "red"},
	}
	for i, meta := range metas {
		src.vecs = append(src.vecs, []float64{float64(i), 0})
		require.NoError(t, idx.Insert(uint32(i), meta))
	}

	results, err := idx.Search([]float64{0, 0}, 3, 10, map[string]string{"color": "red"}, nil)
	require.NoError(t, err)
	for _, r := range results {
		require.Contains(t, []uint32{0, 2}, r.ID)
	}

	results2, err := idx.Search([]float64{0, 0}, 3, 10, nil, Not{Eq{"color", "red"}})
	require.NoError(t, err)
	for _, r := range results2 {
		require.Equal(t, uint32(1), r.ID)
	}

	// And/Or are bitmap-representable (see bitmapPredicate): this exercises
	// the inverted-index fast path in candidateBitmap, not just the
	// per-candidate Eval fallback Not above goes through.
	results3, err := idx.Search([]float64{0, 0}, 3, 10, nil, And{Eq{"color", "red"}})
	require.NoError(t, err)
	for _, r := range results3 {
		require.Contains(t, []uint32{0, 2}, r.ID)
	}

	results4, err := idx.Search([]float64{0, 0}, 3, 10, nil, Or{Eq{"color", "blue"}})
	require.NoError(t, err)
	for _, r := range results4 {
		require.Equal(t, uint32(1), r.ID)
	}
}

// TestIndex_CandidateBitmapFastPathMatchesScan checks candidateBitmap's
// intersection directly against the inverted index, for both a plain filter
// map and a bitmap-representable complex predicate.
func TestIndex_CandidateBitmapFastPathMatchesScan(t *testing.T) {
	src := &memSource{}
	idx := New(2, metric.Euclidean{}, src)
	metas := []map[string]string{
		{"color": "red", "size": "s"},
		{"color": "blue", "size": "s"},
		{"color": "red", "size": "m"},
	}
	for i, meta := range metas {
		src.vecs = append(src.vecs, []float64{float64(i), 0})
		require.NoError(t, idx.Insert(uint32(i), meta))
	}

	bm := idx.candidateBitmap(map[string]string{"color": "red", "size": "s"}, nil)
	require.NotNil(t, bm)
	require.True(t, bm.Contains(0))
	require.False(t, bm.Contains(1))
	require.False(t, bm.Contains(2))

	bm2 := idx.candidateBitmap(nil, And{Eq{"color", "red"}, Eq{"size", "m"}})
	require.NotNil(t, bm2)
	require.True(t, bm2.Contains(2))
	require.Equal(t, uint64(1), bm2.GetCardinality())

	// A Not anywhere in the tree is not bitmap-representable.
	require.Nil(t, idx.candidateBitmap(nil, Not{Eq{"color", "red"}}))
}

func TestHnsw_SnapshotSaveLoadRoundTrip(t *testing.T) {
	src := &memSource{}
	idx := New(4, metric.Euclidean{}, src)
	for i := 0; i < 20; i++ {
		v := []float64{float64(i), float64(i), float64(i), float64(i)}
		src.vecs = append(src.vecs, v)
		require.NoError(t, idx.Insert(uint32(i), map[string]string{"k": fmt.Sprint(i % 3)}))
	}
	require.NoError(t, idx.Delete(5))

	path := filepath.Join(t.TempDir(), "snap.hnsw")
	require.NoError(t, idx.Save(path))

	loaded, count, err := Load(path, 4, metric.Euclidean{}, src)
	require.NoError(t, err)
	require.EqualValues(t, 20, count)
	require.True(t, loaded.isTombstoned(5))

	results, err := loaded.Search([]float64{19, 19, 19, 19}, 1, 10, nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.EqualValues(t, 19, results[0].ID)
}

func TestHnsw_SnapshotLoadRejectsCorruptArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.hnsw")
	require.NoError(t, os.WriteFile(path, []byte("not a valid snapshot"), 0o644))

	_, _, err := Load(path, 4, metric.Euclidean{}, &memSource{})
	require.Error(t, err)
}
