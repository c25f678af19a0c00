package storage

import (
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func vecBytes(vals ...float64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

func allStores(t *testing.T, stride int) map[string]Store {
	t.Helper()
	mem := NewMemStore(stride)
	mm, err := OpenMmapStore(t.TempDir(), stride)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mm.Close() })
	return map[string]Store{"mem": mem, "mmap": mm}
}

func TestStore_AppendGetUpdate(t *testing.T) {
	for name, s := range allStores(t, 16) {
		t.Run(name, func(t *testing.T) {
			id, err := s.Append(vecBytes(1, 2))
			require.NoError(t, err)
			require.EqualValues(t, 0, id)

			id2, err := s.Append(vecBytes(3, 4))
			require.NoError(t, err)
			require.EqualValues(t, 1, id2)

			got, err := s.Get(0)
			require.NoError(t, err)
			require.Equal(t, vecBytes(1, 2), got)

			require.NoError(t, s.Update(0, vecBytes(9, 9)))
			got, err = s.Get(0)
			require.NoError(t, err)
			require.Equal(t, vecBytes(9, 9), got)

			require.EqualValues(t, 2, s.Count())
		})
	}
}

func TestStore_StrideMismatch(t *testing.T) {
	for name, s := range allStores(t, 16) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Append(vecBytes(1))
			require.Error(t, err)
		})
	}
}

func TestStore_OutOfBounds(t *testing.T) {
	for name, s := range allStores(t, 16) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(0)
			require.Error(t, err)
			err = s.Update(0, vecBytes(1, 2))
			require.Error(t, err)
		})
	}
}

func TestStore_ExportRoundTrip(t *testing.T) {
	for name, s := range allStores(t, 16) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				_, err := s.Append(vecBytes(float64(i), float64(i)))
				require.NoError(t, err)
			}
			data := s.Export()
			require.Len(t, data, 5*16)
			for i := 0; i < 5; i++ {
				require.Equal(t, vecBytes(float64(i), float64(i)), data[i*16:(i+1)*16])
			}
		})
	}
}

func TestMmapStore_SegmentGrowth(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vecs")
	s, err := OpenMmapStore(dir, 8)
	require.NoError(t, err)
	defer s.Close()

	// Force growth past one chunk boundary.
	for i := 0; i < ChunkSize+10; i++ {
		_, err := s.Append(vecBytes(float64(i)))
		require.NoError(t, err)
	}
	require.EqualValues(t, ChunkSize+10, s.Count())
	require.Len(t, s.segs, 2)

	got, err := s.Get(uint32(ChunkSize + 5))
	require.NoError(t, err)
	require.Equal(t, vecBytes(float64(ChunkSize+5)), got)
}

func TestMmapStore_SetCountForSnapshotRestore(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenMmapStore(dir, 8)
	require.NoError(t, err)
	defer s.Close()

	s.SetCount(3)
	require.EqualValues(t, 3, s.Count())
}
