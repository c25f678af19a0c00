package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func openTestWAL(t *testing.T, path string, mode SyncMode) *WAL {
	t.Helper()
	w, err := Open(path, WithSyncMode(mode), WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestWAL_AppendReplayRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hyperspace.wal")
	w := openTestWAL(t, path, Async)

	want := []Record{
		{Op: OpInsert, ID: 0, Coords: []float64{1, 2, 3}, Metadata: map[string]string{"tenant": "a"}},
		{Op: OpInsert, ID: 1, Coords: []float64{4, 5, 6}},
		{Op: OpDelete, ID: 0},
	}
	for _, rec := range want {
		require.NoError(t, w.Append(rec))
	}
	require.NoError(t, w.Close())

	w2, err := Open(path)
	require.NoError(t, err)
	defer w2.Close()

	var got []Record
	n, _, err := w2.Replay(func(r Record) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, want, got)
}

func TestWAL_StrictModeSyncsEveryAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hyperspace.wal")
	w := openTestWAL(t, path, Strict)

	require.NoError(t, w.Append(Record{Op: OpInsert, ID: 0, Coords: []float64{1}}))
	require.Greater(t, w.Offset(), int64(0))
	// The checkpoint is committed only after a successful Strict-mode fsync.
	require.Equal(t, w.Offset(), w.checkpoint.hint())
}

// TestWAL_CrashTruncationRepair exercises SPEC_FULL.md §8 scenario 3: append
// three records, sever the last one mid-write by truncating raw bytes off
// the tail, and confirm Replay recovers exactly the two whole records and
// repairs the file to that boundary.
func TestWAL_CrashTruncationRepair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hyperspace.wal")
	w := openTestWAL(t, path, Async)

	recs := []Record{
		{Op: OpInsert, ID: 0, Coords: []float64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}},
		{Op: OpInsert, ID: 1, Coords: []float64{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2}},
		{Op: OpInsert, ID: 2, Coords: []float64{3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3}},
	}
	for _, rec := range recs {
		require.NoError(t, w.Append(rec))
	}
	goodOffsetAfterTwo := func() int64 {
		p1, _ := encodePayload(recs[0])
		p2, _ := encodePayload(recs[1])
		return int64(frameHeaderLen+len(p1)) + int64(frameHeaderLen+len(p2))
	}()
	require.NoError(t, w.Close())

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, fi.Size()-50))

	w2, err := Open(path, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer w2.Close()

	var got []Record
	n, lastGood, err := w2.Replay(func(r Record) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, recs[:2], got)
	require.Equal(t, goodOffsetAfterTwo, lastGood)

	fi2, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, goodOffsetAfterTwo, fi2.Size())

	// The repaired WAL must still accept new appends at the truncated tail.
	require.NoError(t, w2.Append(Record{Op: OpDelete, ID: 1}))
}

func TestWAL_ReplayCallbackErrorStopsEarly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hyperspace.wal")
	w := openTestWAL(t, path, Async)
	require.NoError(t, w.Append(Record{Op: OpInsert, ID: 0, Coords: []float64{1}}))
	require.NoError(t, w.Append(Record{Op: OpInsert, ID: 1, Coords: []float64{2}}))

	boom := os.ErrClosed
	_, _, err := w.Replay(func(Record) error { return boom })
	require.Error(t, err)
}

func TestWAL_ClosedRejectsAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hyperspace.wal")
	w, err := Open(path, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close()) // idempotent

	err = w.Append(Record{Op: OpInsert, ID: 0, Coords: []float64{1}})
	require.Error(t, err)
}
